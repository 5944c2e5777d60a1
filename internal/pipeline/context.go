package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ProcessingContext is the per-logical-request bookkeeping record. When a
// request escalates to asynchronous handling a copy with Async set travels
// with the dispatched work; RequestID and ReceivedAt are preserved so the
// synchronous and asynchronous processing of the same request stay
// traceable to one another.
type ProcessingContext struct {
	RequestID  string    `json:"requestId"`
	ReceivedAt time.Time `json:"requestReceivedAt"`
	Async      bool      `json:"async"`

	// AsyncOutputLocation points at where the eventual sanitized result
	// will land when Async is set; returned to the client in the 202.
	AsyncOutputLocation string `json:"asyncOutputLocation,omitempty"`

	RawOutputKey       string `json:"rawOutputKey,omitempty"`
	SanitizedOutputKey string `json:"sanitizedOutputKey,omitempty"`
}

// NewProcessingContext creates the context for a synchronous request
// received at the given instant.
func NewProcessingContext(receivedAt time.Time) ProcessingContext {
	return NewProcessingContextWithID(uuid.NewString(), receivedAt)
}

// NewProcessingContextWithID creates the context around an externally
// assigned request ID. Output keys embed that ID, so archive rows and async
// locations stay joinable against the request logs.
func NewProcessingContextWithID(id string, receivedAt time.Time) ProcessingContext {
	return ProcessingContext{
		RequestID:          id,
		ReceivedAt:         receivedAt,
		RawOutputKey:       outputKey("raw", receivedAt, id),
		SanitizedOutputKey: outputKey("sanitized", receivedAt, id),
	}
}

// AsAsync returns a copy flagged for asynchronous handling, pointing at the
// location the sanitized output will be written to.
func (pc ProcessingContext) AsAsync(locationBase string) ProcessingContext {
	out := pc
	out.Async = true
	out.AsyncOutputLocation = pc.SanitizedOutputKey
	if locationBase != "" {
		out.AsyncOutputLocation = strings.TrimSuffix(locationBase, "/") + "/" + pc.SanitizedOutputKey
	}
	return out
}

func outputKey(stage string, receivedAt time.Time, id string) string {
	return fmt.Sprintf("%s/%s/%s.json", stage, receivedAt.UTC().Format("2006/01/02"), id)
}
