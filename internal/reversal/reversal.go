// Package reversal rewrites inbound requests that carry encoded pseudonym
// tokens so the upstream API receives the real identifiers. The original
// URL is kept alongside the rewritten one: rules and audit logs are
// evaluated against what the client actually sent.
package reversal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/url"

	"github.com/veilgate/veilgate/internal/pipeline"
	"github.com/veilgate/veilgate/internal/pseudonym"
)

// ErrUnsupportedContentType reports a request body whose content type the
// reverser cannot parse while tokens are present in it. Silently skipping
// would forward tokens upstream and break the integration, so this is a
// hard rejection.
var ErrUnsupportedContentType = errors.New("reversal: tokens present in unsupported content type")

// RequestUrls pairs the client's URL with the upstream one.
type RequestUrls struct {
	// Original is what the client asked for, possibly containing tokens;
	// rule evaluation and logging use this form.
	Original *url.URL
	// Target is Original with every token reversed; the upstream call
	// uses this form.
	Target *url.URL
}

// HasReversedTokens reports whether reversal changed the URL.
func (r RequestUrls) HasReversedTokens() bool {
	return r.Original.String() != r.Target.String()
}

// ReverseURL resolves every encoded token in a URL's path and query.
// Reversal failure is a client-input error: it means a malformed, forged,
// or cross-environment token.
func ReverseURL(original *url.URL, rev pseudonym.Reverser) (RequestUrls, error) {
	urls := RequestUrls{Original: original, Target: original}

	raw := original.String()
	if !pseudonym.ContainsToken(raw) {
		return urls, nil
	}

	reversed, err := pseudonym.ScanAndReverseAll(raw, rev)
	if err != nil {
		return RequestUrls{}, err
	}
	target, err := url.Parse(reversed)
	if err != nil {
		return RequestUrls{}, fmt.Errorf("reversal: reversed URL does not parse: %w", err)
	}
	urls.Target = target
	return urls, nil
}

// ReverseBody resolves tokens in a request body. Only JSON and form-encoded
// bodies are supported; any other content type is rejected when tokens are
// present, and passed through untouched otherwise.
func ReverseBody(contentType string, body []byte, rev pseudonym.Reverser) ([]byte, error) {
	if len(body) == 0 {
		return body, nil
	}

	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = contentType
	}

	switch mediaType {
	case pipeline.ContentTypeJSON:
		return reverseJSONBody(body, rev)
	case "application/x-www-form-urlencoded":
		return reverseFormBody(body, rev)
	default:
		if pseudonym.ContainsToken(string(body)) {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedContentType, mediaType)
		}
		return body, nil
	}
}

// reverseJSONBody recurses through the document and reverses tokens in
// every string leaf; non-string leaves pass through unchanged.
func reverseJSONBody(body []byte, rev pseudonym.Reverser) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("reversal: request body is not valid JSON: %w", err)
	}

	doc, err := reverseValue(doc, rev)
	if err != nil {
		return nil, err
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("reversal: re-encoding request body: %w", err)
	}
	return out, nil
}

func reverseValue(v any, rev pseudonym.Reverser) (any, error) {
	switch node := v.(type) {
	case string:
		if !pseudonym.ContainsToken(node) {
			return node, nil
		}
		return pseudonym.ScanAndReverseAll(node, rev)
	case map[string]any:
		for k, child := range node {
			reversed, err := reverseValue(child, rev)
			if err != nil {
				return nil, err
			}
			node[k] = reversed
		}
		return node, nil
	case []any:
		for i, child := range node {
			reversed, err := reverseValue(child, rev)
			if err != nil {
				return nil, err
			}
			node[i] = reversed
		}
		return node, nil
	default:
		return v, nil
	}
}

func reverseFormBody(body []byte, rev pseudonym.Reverser) ([]byte, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("reversal: request body is not form-encoded: %w", err)
	}
	for key, vs := range values {
		for i, v := range vs {
			if !pseudonym.ContainsToken(v) {
				continue
			}
			reversed, err := pseudonym.ScanAndReverseAll(v, rev)
			if err != nil {
				return nil, err
			}
			vs[i] = reversed
		}
		values[key] = vs
	}
	return []byte(values.Encode()), nil
}
