package rpc

import (
	"sync"

	"github.com/pkg/errors"

	"noslated-ipc/logging"
	"noslated-ipc/message"
	"noslated-ipc/protocol"
)

// FinishFunc writes the response of a call to the wire.
type FinishFunc func(code protocol.Code, errResp *message.ErrorResponse, resp any)

// Call is one inbound request handed to a handler. The handler fills
// Response and completes the call exactly once, either before returning or
// later from any goroutine.
type Call struct {
	SessionID uint32
	RequestID uint32
	Kind      protocol.RequestKind
	Request   any
	// Response starts as the kind's empty response and is sent by Reply.
	Response any

	logger logging.Logger
	finish FinishFunc

	mu        sync.Mutex
	done      bool
	observers []func(code protocol.Code)
}

// NewCall builds a call whose completion is delivered to finish.
func NewCall(sessionID, requestID uint32, kind protocol.RequestKind, request any, finish FinishFunc, logger logging.Logger) *Call {
	return &Call{
		SessionID: sessionID,
		RequestID: requestID,
		Kind:      kind,
		Request:   request,
		Response:  message.NewResponse(kind),
		logger:    logging.OrDefault(logger),
		finish:    finish,
	}
}

// Reply completes the call with OK and the current Response.
func (c *Call) Reply() bool {
	return c.Finish(protocol.CodeOK, nil, c.Response)
}

// Fail completes the call with a non-OK code and a message.
func (c *Call) Fail(code protocol.Code, msg string) bool {
	return c.Finish(code, &message.ErrorResponse{Message: msg}, nil)
}

// FailWith completes the call from a Go error. An *Error keeps its code,
// anything else is reported as INTERNAL_ERROR.
func (c *Call) FailWith(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return c.Finish(e.Code, e.Payload(), nil)
	}
	return c.Finish(protocol.CodeInternalError, &message.ErrorResponse{Message: err.Error()}, nil)
}

// Finish completes the call. Only the first completion is sent; later ones
// are logged and dropped, and Finish reports false for them.
func (c *Call) Finish(code protocol.Code, errResp *message.ErrorResponse, resp any) bool {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		c.logger.Warn("call already finished", "session", c.SessionID, "request_id", c.RequestID, "kind", c.Kind, "code", code)
		return false
	}
	c.done = true
	observers := c.observers
	c.observers = nil
	c.mu.Unlock()

	if c.finish != nil {
		c.finish(code, errResp, resp)
	}
	for _, fn := range observers {
		fn(code)
	}
	return true
}

// OnFinish registers fn to run after the response is handed to the wire.
// If the call is already finished fn is not called.
func (c *Call) OnFinish(fn func(code protocol.Code)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return
	}
	c.observers = append(c.observers, fn)
}

// Finished reports whether the call has been completed.
func (c *Call) Finished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}
