package api

import (
	"errors"
	"fmt"
)

// ErrInvalidRequest is the kind of every error the client caused. Handlers
// answer it with a 400.
var ErrInvalidRequest = errors.New("invalid request")

// RequestError describes a rejected request. Param names the offending
// field and Code is a machine-readable reason, both optional.
type RequestError struct {
	Param string
	Code  string
	Msg   string
}

func (e *RequestError) Error() string { return e.Msg }

func (e *RequestError) Unwrap() error { return ErrInvalidRequest }

func newInvalidRequest(msg string) error {
	return &RequestError{Msg: msg}
}

func invalidParam(param, format string, args ...any) error {
	return &RequestError{Param: param, Msg: fmt.Sprintf(format, args...)}
}

func modelNotFound(format string, args ...any) error {
	return &RequestError{Param: "model", Code: "model_not_found", Msg: fmt.Sprintf(format, args...)}
}
