package pipeline

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// Content types and encodings the pipeline special-cases.
const (
	ContentEncodingGzip = "gzip"
	ContentTypeGzip     = "application/gzip"
	ContentTypeJSON     = "application/json"
	ContentTypeNDJSON   = "application/x-ndjson"
)

// Metadata keys attached to sanitized content; the orchestrator surfaces
// them as response headers for downstream audit.
const (
	MetaRulesFingerprint = "rules-sha256"
	MetaProxyVersion     = "proxy-version"
	MetaSaltFingerprint  = "salt-sha256"
)

// ProcessedContent is a payload moving through the pipeline, either as
// buffered bytes or as a stream. Each stage owns the content it holds;
// ownership transfers at stage boundaries and the stream, if any, may be
// consumed only once.
type ProcessedContent struct {
	ContentType     string
	ContentEncoding string
	Charset         string
	Metadata        map[string]string

	body   []byte
	stream io.Reader
}

// NewBytes wraps buffered bytes as ProcessedContent.
func NewBytes(contentType string, body []byte) *ProcessedContent {
	return &ProcessedContent{ContentType: contentType, body: body, Metadata: map[string]string{}}
}

// NewStream wraps a reader as ProcessedContent; the payload is materialized
// only if a stage calls Bytes.
func NewStream(contentType string, stream io.Reader) *ProcessedContent {
	return &ProcessedContent{ContentType: contentType, stream: stream, Metadata: map[string]string{}}
}

// Stream returns the content as a reader without materializing it.
func (c *ProcessedContent) Stream() io.Reader {
	if c.stream != nil {
		return c.stream
	}
	return bytes.NewReader(c.body)
}

// Bytes materializes the content. After a successful call the content is
// re-readable; the original stream, if any, has been drained.
func (c *ProcessedContent) Bytes() ([]byte, error) {
	if c.stream != nil {
		body, err := io.ReadAll(c.stream)
		if err != nil {
			return nil, fmt.Errorf("pipeline: reading content stream: %w", err)
		}
		c.body = body
		c.stream = nil
	}
	return c.body, nil
}

// IsStream reports whether the content is an unconsumed stream.
func (c *ProcessedContent) IsStream() bool { return c.stream != nil }

// IsGzipEncoded reports transport-level gzip (Content-Encoding).
func (c *ProcessedContent) IsGzipEncoded() bool {
	return strings.EqualFold(c.ContentEncoding, ContentEncodingGzip)
}

// isGzipFile reports an application/gzip payload: the upstream is serving a
// pre-compressed file as its actual content, independent of transport
// compression.
func (c *ProcessedContent) isGzipFile() bool {
	return strings.EqualFold(c.ContentType, ContentTypeGzip)
}

// DecompressIfNeeded returns a content whose stream yields the decompressed
// payload, correcting the content type for gzip files (assumed NDJSON
// underneath). Content that is neither gzip-encoded nor a gzip file passes
// through; any other declared encoding is an error, since the proxy never
// asks upstream for one.
func (c *ProcessedContent) DecompressIfNeeded() (*ProcessedContent, error) {
	if !c.IsGzipEncoded() && !c.isGzipFile() {
		if c.ContentEncoding != "" {
			return nil, fmt.Errorf("pipeline: unsupported content encoding %q", c.ContentEncoding)
		}
		return c, nil
	}

	zr, err := gzip.NewReader(c.Stream())
	if err != nil {
		return nil, fmt.Errorf("pipeline: opening gzip content: %w", err)
	}

	out := &ProcessedContent{
		ContentType: c.ContentType,
		Charset:     c.Charset,
		Metadata:    c.Metadata,
		stream:      zr,
	}
	if c.isGzipFile() {
		out.ContentType = ContentTypeNDJSON
	}
	return out, nil
}
