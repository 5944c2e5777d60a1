package sanitize

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/url"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/veilgate/veilgate/internal/logger"
	"github.com/veilgate/veilgate/internal/pipeline"
	"github.com/veilgate/veilgate/internal/rules"
)

// RedactedMarker replaces values matched by a redact transform.
const RedactedMarker = "[REDACTED]"

// maxRecordSize bounds a single newline-delimited record. Records are
// processed one at a time so the whole payload is never held in memory.
const maxRecordSize = 16 << 20

// Sanitizer applies a compiled rule set to upstream payloads. It is
// immutable after construction and safe for concurrent use; the
// per-request cost is the transform work itself.
type Sanitizer struct {
	rules         *rules.RuleSet
	pseudonymizer *Pseudonymizer
	log           *logger.Logger
}

func NewSanitizer(rs *rules.RuleSet, p *Pseudonymizer, log *logger.Logger) *Sanitizer {
	return &Sanitizer{
		rules:         rs,
		pseudonymizer: p,
		log:           log.WithComponent("sanitizer"),
	}
}

// Rules exposes the active rule set for admission checks.
func (s *Sanitizer) Rules() *rules.RuleSet { return s.rules }

func (s *Sanitizer) Implementation() Implementation { return s.pseudonymizer.Implementation() }

// Sanitize transforms an upstream payload according to the endpoint rules
// matching the original request URL. JSON bodies are transformed in place;
// newline-delimited JSON is streamed record by record. The result carries
// the rule-set fingerprint in its metadata.
func (s *Sanitizer) Sanitize(method string, u *url.URL, content *pipeline.ProcessedContent) (*pipeline.ProcessedContent, error) {
	content, err := content.DecompressIfNeeded()
	if err != nil {
		return nil, err
	}

	var transforms []rules.Transform
	if ep := s.rules.Match(method, u); ep != nil {
		transforms = ep.Transforms
	}

	var out *pipeline.ProcessedContent
	switch {
	case len(transforms) == 0:
		out = content
	case isNDJSON(content.ContentType):
		out = pipeline.NewStream(content.ContentType, s.sanitizeStream(content.Stream(), transforms))
		out.Charset = content.Charset
	default:
		body, err := content.Bytes()
		if err != nil {
			return nil, err
		}
		sanitized, err := s.sanitizeDocument(body, transforms)
		if err != nil {
			return nil, err
		}
		out = pipeline.NewBytes(content.ContentType, sanitized)
		out.Charset = content.Charset
	}

	if out.Metadata == nil {
		out.Metadata = map[string]string{}
	}
	for k, v := range content.Metadata {
		out.Metadata[k] = v
	}
	out.Metadata[pipeline.MetaRulesFingerprint] = s.rules.Fingerprint()

	s.log.Debug("sanitized response",
		zap.String("method", method),
		zap.String("path", u.Path),
		zap.Int("transforms", len(transforms)),
	)
	return out, nil
}

// sanitizeDocument applies every transform to one JSON document. Transforms
// arrive sorted most-destructive first, and each concrete path is touched
// at most once, so a redacted node is never re-pseudonymized afterwards.
func (s *Sanitizer) sanitizeDocument(doc []byte, transforms []rules.Transform) ([]byte, error) {
	if !gjson.ValidBytes(doc) {
		return nil, fmt.Errorf("sanitize: payload is not valid JSON")
	}

	out := doc
	visited := make(map[string]struct{})
	for _, t := range transforms {
		for _, path := range t.JSONPaths {
			for _, concrete := range expandPaths(out, path) {
				if _, seen := visited[concrete]; seen {
					continue
				}
				visited[concrete] = struct{}{}

				replacement, apply, err := s.replacementFor(gjson.GetBytes(out, concrete), t)
				if err != nil {
					return nil, err
				}
				if !apply {
					continue
				}
				out, err = sjson.SetBytes(out, concrete, replacement)
				if err != nil {
					return nil, fmt.Errorf("sanitize: rewriting %q: %w", concrete, err)
				}
			}
		}
	}
	return out, nil
}

// replacementFor computes the new value for a matched node. Redact applies
// to any node; value transforms apply to string and number leaves only,
// since pseudonymizing a structure makes no sense.
func (s *Sanitizer) replacementFor(value gjson.Result, t rules.Transform) (string, bool, error) {
	if t.Kind() == rules.KindRedact {
		return RedactedMarker, true, nil
	}
	switch value.Type {
	case gjson.String, gjson.Number:
	default:
		return "", false, nil
	}
	raw := value.String()
	if raw == "" {
		return "", false, nil
	}
	replacement, err := s.pseudonymizer.Apply(raw, t)
	if err != nil {
		return "", false, err
	}
	return replacement, true, nil
}

// sanitizeStream processes newline-delimited JSON record by record so large
// exports never materialize in memory. A malformed record aborts the stream
// through the pipe error, never passing the remainder through unsanitized.
func (s *Sanitizer) sanitizeStream(src io.Reader, transforms []rules.Transform) io.Reader {
	pr, pw := io.Pipe()
	go func() {
		sc := bufio.NewScanner(src)
		sc.Buffer(make([]byte, 64*1024), maxRecordSize)
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			record, err := s.sanitizeDocument(line, transforms)
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			if _, err := pw.Write(append(record, '\n')); err != nil {
				return
			}
		}
		pw.CloseWithError(sc.Err())
	}()
	return pr
}

// expandPaths resolves a rule path containing "#" array wildcards into the
// concrete element paths present in doc. A path without wildcards maps to
// itself when the node exists.
func expandPaths(doc []byte, path string) []string {
	i := strings.Index(path, "#")
	if i < 0 {
		if gjson.GetBytes(doc, path).Exists() {
			return []string{path}
		}
		return nil
	}

	prefix := strings.TrimSuffix(path[:i], ".")
	suffix := strings.TrimPrefix(path[i+1:], ".")

	var arr gjson.Result
	if prefix == "" {
		arr = gjson.ParseBytes(doc)
	} else {
		arr = gjson.GetBytes(doc, prefix)
	}
	if !arr.IsArray() {
		return nil
	}

	var out []string
	for idx := range arr.Array() {
		elem := strconv.Itoa(idx)
		if prefix != "" {
			elem = prefix + "." + elem
		}
		if suffix == "" {
			out = append(out, elem)
			continue
		}
		out = append(out, expandPaths(doc, elem+"."+suffix)...)
	}
	return out
}

func isNDJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = contentType
	}
	return strings.EqualFold(mediaType, pipeline.ContentTypeNDJSON) ||
		strings.EqualFold(mediaType, "application/jsonl") ||
		strings.EqualFold(mediaType, "application/x-jsonlines")
}
