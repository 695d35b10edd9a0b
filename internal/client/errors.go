package client

import "fmt"

// TransientNetworkError marks a transport-level failure. These are recovered
// by the normal retry paths (outbox, reconnect) without surfacing to the UI.
type TransientNetworkError struct {
	Message string
}

func (e *TransientNetworkError) Error() string {
	return e.Message
}

// ServerRejectedError marks an explicit non-2xx response. Surfaced to the
// caller, never retried automatically.
type ServerRejectedError struct {
	Message    string
	StatusCode int
}

func (e *ServerRejectedError) Error() string {
	return e.Message
}

// RateLimitError marks a 429 response
type RateLimitError struct {
	Message    string
	StatusCode int
}

func (e *RateLimitError) Error() string {
	return e.Message
}

func transientErr(format string, args ...interface{}) *TransientNetworkError {
	return &TransientNetworkError{Message: fmt.Sprintf(format, args...)}
}
