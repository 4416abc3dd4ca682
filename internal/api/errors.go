package api

import "fmt"

// NetworkError is a transport or server-side failure. Recoverable: callers
// may retry or surface it; the core itself never retries.
type NetworkError struct {
	Op         string
	StatusCode int // zero when the request never reached the server
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: server returned %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// NotFoundError indicates a referenced conversation, call, or message does
// not exist on the server.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

// ValidationError indicates a malformed outgoing payload that the server (or
// the client, before sending) rejected.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}
