package monitor

import "time"

// EventType represents the type of monitor event
type EventType string

const (
	// EventTypeRequest is emitted once per completed proxy request
	EventTypeRequest EventType = "request_log"
	// EventTypeSanitization is emitted when a response was transformed
	EventTypeSanitization EventType = "sanitization"
	// EventTypeConnection represents monitor connection events
	EventTypeConnection EventType = "connection"
)

// Event represents a monitor event sent to clients
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
	RequestID string      `json:"request_id,omitempty"`
}

// RequestEvent summarizes one proxied request. It carries no payload
// content and no identifiers: pseudonymization happens before anything
// reaches this feed.
type RequestEvent struct {
	RequestID  string  `json:"request_id"`
	Method     string  `json:"method"`
	Path       string  `json:"path"`
	StatusCode int     `json:"status_code"`
	ErrorCause string  `json:"error_cause,omitempty"`
	Async      bool    `json:"async"`
	DurationMS float64 `json:"duration_ms"`
}

// SanitizationEvent reports the transform work done on one response
type SanitizationEvent struct {
	RequestID        string `json:"request_id"`
	Path             string `json:"path"`
	RulesFingerprint string `json:"rules_fingerprint"`
	ReversedTokens   bool   `json:"reversed_tokens"`
}

// ConnectionEvent represents monitor connection events
type ConnectionEvent struct {
	Action   string `json:"action"` // "connected", "disconnected"
	ClientID string `json:"client_id"`
}
