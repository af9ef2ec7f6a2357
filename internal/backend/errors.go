package backend

import "errors"

// ErrBackendCall marks a failure reported by a backend during tokenize,
// evaluate, sample, decode, or any other session call.
var ErrBackendCall = errors.New("backend call failed")

// CallError carries the failing operation and the backend's message.
type CallError struct {
	Op  string
	Msg string
	Err error
}

func (e *CallError) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		return "backend " + e.Op + " failed"
	}
	return "backend " + e.Op + ": " + msg
}

func (e *CallError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrBackendCall, e.Err}
	}
	return []error{ErrBackendCall}
}

// NewCallError returns a CallError for op with a backend-supplied message.
func NewCallError(op, msg string) error {
	return &CallError{Op: op, Msg: msg}
}

// WrapCallError wraps err as a CallError for op. A nil err returns nil.
func WrapCallError(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return err
	}
	return &CallError{Op: op, Err: err}
}
