package rpc

import (
	"fmt"

	"github.com/pkg/errors"

	"noslated-ipc/message"
	"noslated-ipc/protocol"
)

// Error is a request-level failure: a canonical code plus the optional
// human-readable message and stack sent by the peer.
type Error struct {
	Code    protocol.Code
	Message string
	Stack   string
}

// NewError returns an *Error with the given code and message.
func NewError(code protocol.Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Errorf formats the message of a new *Error.
func Errorf(code protocol.Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Payload converts e to the body of an error response.
func (e *Error) Payload() *message.ErrorResponse {
	return &message.ErrorResponse{Message: e.Message, Stack: e.Stack}
}

// errorFromResponse builds the error a caller sees for a non-OK response.
func errorFromResponse(code protocol.Code, resp *message.ErrorResponse) *Error {
	e := &Error{Code: code}
	if resp != nil {
		e.Message = resp.Message
		e.Stack = resp.Stack
	}
	return e
}

// CodeOf returns the canonical code carried by err: OK for nil, the code of
// an *Error anywhere in the chain, INTERNAL_ERROR for anything else.
func CodeOf(err error) protocol.Code {
	if err == nil {
		return protocol.CodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return protocol.CodeInternalError
}

// Messages attached to locally synthesized responses.
const (
	MessageTimeout         = "Timeout"
	MessageConnectionReset = "Connection reset"
	MessageNotImplemented  = "Not Implemented"
)
