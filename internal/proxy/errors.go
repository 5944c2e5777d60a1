package proxy

import (
	"fmt"
	"net/http"
)

// ErrorCause classifies why a request failed; it travels to the client in
// the error header so a misbehaving integration can be diagnosed without
// server log access.
type ErrorCause string

const (
	// CauseHTTPSRequired rejects plaintext calls at the application layer
	CauseHTTPSRequired ErrorCause = "HTTPS_REQUIRED"
	// CauseInvalidRequest covers malformed client input: forbidden
	// bodies, unsupported charsets, bad control headers
	CauseInvalidRequest ErrorCause = "INVALID_REQUEST"
	// CauseBlockedByRules means no endpoint rule admitted the call
	CauseBlockedByRules ErrorCause = "BLOCKED_BY_RULES"
	// CauseInvalidToken means a pseudonym token in the request could not
	// be authenticated; most likely tampered or from another environment
	CauseInvalidToken ErrorCause = "TOKENIZED_REQUEST_PARAMETER_INVALID"
	// CauseConnectionSetup covers credential or client construction
	// failures before any bytes reached the upstream
	CauseConnectionSetup ErrorCause = "CONNECTION_SETUP"
	// CauseConfigurationFailure covers rule-load and sanitizer failures;
	// the proxy never falls back to passing content through unsanitized
	CauseConfigurationFailure ErrorCause = "CONFIGURATION_FAILURE"
	// CauseConnectionToSource is a network failure reaching the upstream
	CauseConnectionToSource ErrorCause = "CONNECTION_TO_SOURCE"
	// CauseAsyncDispatch means the async handler refused the request
	CauseAsyncDispatch ErrorCause = "ASYNC_HANDLER_DISPATCH"
	// CauseAPIError relays a non-2xx upstream response
	CauseAPIError ErrorCause = "API_ERROR"
	CauseUnknown  ErrorCause = "UNKNOWN"
)

// Status maps a cause to its HTTP status. CauseAPIError keeps the upstream
// status and is not mapped here.
func (c ErrorCause) Status() int {
	switch c {
	case CauseHTTPSRequired, CauseInvalidRequest:
		return http.StatusBadRequest
	case CauseBlockedByRules:
		return http.StatusForbidden
	case CauseInvalidToken:
		return http.StatusConflict
	case CauseConnectionToSource:
		return http.StatusServiceUnavailable
	case CauseConnectionSetup, CauseConfigurationFailure, CauseAsyncDispatch:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified processing failure.
type Error struct {
	Cause   ErrorCause
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Cause, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Cause, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func causedBy(cause ErrorCause, message string, err error) *Error {
	return &Error{Cause: cause, Message: message, Err: err}
}
