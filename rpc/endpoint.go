// Package rpc correlates requests with responses and dispatches inbound
// requests to handlers over one transport connection.
//
// Both the agent side (server) and the worker side (client) run an Endpoint
// per connection. Outbound requests get a fresh id, a pending entry and a
// timer; the first of {matching response, timeout, connection teardown}
// settles the entry and the rest are ignored. Inbound requests are handed to
// the Service as a Call whose completion writes the response frame.
package rpc

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"noslated-ipc/logging"
	"noslated-ipc/message"
	"noslated-ipc/protocol"
	"noslated-ipc/transport"
)

// Endpoint is one side of a connection.
type Endpoint struct {
	conn      *transport.Conn
	service   *Service
	pending   *Pending
	logger    logging.Logger
	sessionID uint32
	nextID    atomic.Uint32

	ctx    context.Context
	cancel context.CancelFunc

	onFinished func()
	onClosed   func(err error)

	closed    chan struct{}
	closedErr error
}

// EndpointOption configures an Endpoint.
type EndpointOption func(*Endpoint)

// WithSessionID tags the endpoint and its calls with a session id.
func WithSessionID(id uint32) EndpointOption {
	return func(e *Endpoint) {
		e.sessionID = id
	}
}

// WithLogger sets the logger shared by the endpoint and its connection.
func WithLogger(logger logging.Logger) EndpointOption {
	return func(e *Endpoint) {
		e.logger = logger
	}
}

// OnFinished sets a hook run when the peer ends its side of the stream,
// before the connection is torn down.
func OnFinished(fn func()) EndpointOption {
	return func(e *Endpoint) {
		e.onFinished = fn
	}
}

// OnClosed sets a hook run once after teardown, when every pending request
// has been settled.
func OnClosed(fn func(err error)) EndpointOption {
	return func(e *Endpoint) {
		e.onClosed = fn
	}
}

// NewEndpoint wraps raw. service may be nil, in which case every inbound
// request is answered with NOT_IMPLEMENTED.
func NewEndpoint(raw net.Conn, service *Service, topts []transport.Option, opts ...EndpointOption) *Endpoint {
	e := &Endpoint{
		service: service,
		closed:  make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	e.logger = logging.OrDefault(e.logger)
	e.pending = NewPending(e.logger)
	e.ctx, e.cancel = context.WithCancel(context.Background())

	topts = append([]transport.Option{transport.LoggerOption(e.logger)}, topts...)
	e.conn = transport.NewConn(raw, e, topts...)
	return e
}

// Run serves the connection until it is torn down.
func (e *Endpoint) Run(ctx context.Context) error {
	return e.conn.Run(ctx)
}

// Start runs the connection in the background.
func (e *Endpoint) Start(ctx context.Context) {
	go e.Run(ctx)
}

// Conn returns the underlying transport connection.
func (e *Endpoint) Conn() *transport.Conn {
	return e.conn
}

// SessionID returns the session id given at construction, 0 if none.
func (e *Endpoint) SessionID() uint32 {
	return e.sessionID
}

// NextID returns the next outbound request id. Ids start at 1 and wrap;
// Request skips 0.
func (e *Endpoint) NextID() uint32 {
	return e.nextID.Add(1)
}

// Pending returns the number of outbound requests awaiting a result.
func (e *Endpoint) Pending() int {
	return e.pending.Len()
}

// Request sends body as a request of kind and arranges for cb to run exactly
// once with the outcome. A nil body sends the kind's empty request and a
// non-positive timeout uses the kind's default. On a closed connection cb
// runs synchronously with CONNECTION_RESET and nothing is written. It returns
// the request id, or 0 when nothing was sent.
func (e *Endpoint) Request(kind protocol.RequestKind, body any, timeout time.Duration, cb Callback) uint32 {
	if e.conn.IsClosed() {
		cb(protocol.CodeConnectionReset, &message.ErrorResponse{Message: MessageConnectionReset}, nil)
		return 0
	}
	if timeout <= 0 {
		timeout = message.TimeoutFor(kind)
	}

	var id uint32
	var frame []byte
	var err error
	for {
		if id = e.NextID(); id == 0 {
			continue
		}
		frame, err = message.EncodeRequest(e.conn.Codec(), id, kind, body)
		if err != nil {
			e.logger.Warn("encode request failed", "conn", e.conn.ID(), "kind", kind, "error", err)
			cb(protocol.CodeClientError, &message.ErrorResponse{Message: err.Error()}, nil)
			return 0
		}

		e.conn.Ref()
		err = e.pending.Add(id, kind, func(code protocol.Code, errResp *message.ErrorResponse, resp any) {
			e.conn.Unref()
			cb(code, errResp, resp)
		}, timeout)
		if err == nil {
			break
		}
		e.conn.Unref()
		if errors.Is(err, errPendingClosed) {
			cb(protocol.CodeConnectionReset, &message.ErrorResponse{Message: MessageConnectionReset}, nil)
			return 0
		}
		// the id wrapped onto a request still in flight; take the next one
	}

	if err := e.conn.Write(frame); err != nil {
		e.logger.Warn("write request failed", "conn", e.conn.ID(), "request_id", id, "kind", kind, "error", err)
		e.pending.Resolve(id, protocol.CodeConnectionReset, &message.ErrorResponse{Message: MessageConnectionReset}, nil)
	}
	return id
}

type result struct {
	resp any
	err  error
}

// Call sends a request and waits for its outcome. A non-OK outcome is
// returned as an *Error. If ctx ends first Call returns ctx.Err() and the
// request is left to settle on its own.
func (e *Endpoint) Call(ctx context.Context, kind protocol.RequestKind, body any, timeout time.Duration) (any, error) {
	done := make(chan result, 1)
	e.Request(kind, body, timeout, func(code protocol.Code, errResp *message.ErrorResponse, resp any) {
		if code != protocol.CodeOK {
			done <- result{err: errorFromResponse(code, errResp)}
			return
		}
		done <- result{resp: resp}
	})

	select {
	case r := <-done:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears the connection down. Every pending request settles with
// CONNECTION_RESET.
func (e *Endpoint) Close() error {
	return e.conn.Close()
}

// Closed returns a channel closed once teardown is complete.
func (e *Endpoint) Closed() <-chan struct{} {
	return e.closed
}

// Err returns the error the connection ended with, valid after Closed.
func (e *Endpoint) Err() error {
	select {
	case <-e.closed:
		return e.closedErr
	default:
		return nil
	}
}

// OnMessage implements transport.Delegate.
func (e *Endpoint) OnMessage(env *message.Envelope) {
	h := env.Header
	if h.IsResponse() {
		if !e.pending.Resolve(h.RequestID, h.Code, env.Error, env.Response) {
			e.logger.Debug("dropping unmatched response", "conn", e.conn.ID(), "request_id", h.RequestID, "kind", h.RequestKind, "code", h.Code)
		}
		return
	}

	e.conn.Ref()
	codec := e.conn.Codec()
	call := NewCall(e.sessionID, h.RequestID, h.RequestKind, env.Request, func(code protocol.Code, errResp *message.ErrorResponse, resp any) {
		defer e.conn.Unref()
		frame, err := message.EncodeResponse(codec, h.RequestID, h.RequestKind, code, errResp, resp)
		if err != nil {
			e.logger.Error("encode response failed", "conn", e.conn.ID(), "request_id", h.RequestID, "kind", h.RequestKind, "error", err)
			frame, err = message.EncodeResponse(codec, h.RequestID, h.RequestKind, protocol.CodeInternalError,
				&message.ErrorResponse{Message: err.Error()}, nil)
			if err != nil {
				return
			}
		}
		if err := e.conn.Write(frame); err != nil {
			e.logger.Debug("write response failed", "conn", e.conn.ID(), "request_id", h.RequestID, "error", err)
		}
	}, e.logger)
	e.service.Dispatch(e.ctx, call)
}

// OnFinished implements transport.Delegate.
func (e *Endpoint) OnFinished() {
	if e.onFinished != nil {
		e.onFinished()
	}
}

// OnError implements transport.Delegate.
func (e *Endpoint) OnError(err error) {
	e.logger.Warn("closing corrupt stream", "conn", e.conn.ID(), "session", e.sessionID, "error", err)
}

// OnClosed implements transport.Delegate.
func (e *Endpoint) OnClosed(err error) {
	if n := e.pending.Close(protocol.CodeConnectionReset, MessageConnectionReset); n > 0 {
		e.logger.Debug("reset pending requests", "conn", e.conn.ID(), "count", n)
	}
	e.cancel()
	e.closedErr = err
	close(e.closed)
	if e.onClosed != nil {
		e.onClosed(err)
	}
}
