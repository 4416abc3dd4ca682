package call

import "fmt"

// PermissionError reports that a capture device could not be acquired, most
// commonly because access was denied.
type PermissionError struct {
	Media string // "microphone" or "camera"
	Err   error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("%s access denied: %v", e.Media, e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// NegotiationError reports a failure while establishing the peer connection.
type NegotiationError struct {
	Stage string // e.g. "create offer", "set remote description"
	Err   error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation failed at %s: %v", e.Stage, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// StateError reports an operation attempted in a state that does not allow
// it, such as accepting a call that is not ringing.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s in state %q", e.Op, e.State)
}
