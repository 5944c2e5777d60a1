package pipeline

import (
	"context"
	"strings"
)

// RequestDescription captures an inbound request in a transport-neutral,
// serializable form. The async path ships the original, unaltered,
// pre-authorization description to the handler, which replays it through
// the same pipeline.
type RequestDescription struct {
	Method  string              `json:"method"`
	Path    string              `json:"path"`
	Query   string              `json:"query,omitempty"`
	Headers map[string][]string `json:"headers,omitempty"`
	Body    []byte              `json:"body,omitempty"`
	HTTPS   bool                `json:"https"`
	// ClientIP is absent for direct invocations; logged only when known.
	ClientIP string `json:"clientIp,omitempty"`
}

// Header returns the first value of a header, case-insensitively.
func (r RequestDescription) Header(name string) string {
	for k, vs := range r.Headers {
		if len(vs) > 0 && strings.EqualFold(k, name) {
			return vs[0]
		}
	}
	return ""
}

// SideOutput is a secondary, best-effort destination for raw or sanitized
// content. Write failures are non-fatal to the main response; the
// orchestrator degrades them to a warning header.
type SideOutput interface {
	Write(ctx context.Context, key string, content *ProcessedContent) error
}

// AsyncHandler accepts a request description for deferred processing. The
// dispatch is fire-and-forget from the orchestrator's point of view; the
// handler re-invokes the synchronous pipeline with Async set so the result
// routes to the side output instead of an inline body.
type AsyncHandler interface {
	Handle(ctx context.Context, req RequestDescription, pc ProcessingContext) error
}
