// Package agent provides the worker's two typed channels to the agent:
// DataChannel for bulk data RPCs and DiagnosticsChannel for inspector and
// tracing. Each runs over its own Connector and handshakes with its own
// target type.
package agent

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"noslated-ipc/client"
	"noslated-ipc/message"
	"noslated-ipc/protocol"
	"noslated-ipc/rpc"
)

// Handler serves one inbound request kind with its typed body. The handler
// fills call.Response and completes the call.
type Handler[Req any] func(ctx context.Context, req *Req, call *rpc.Call)

// handle registers h for kind when it is set.
func handle[Req any](svc *rpc.Service, kind protocol.RequestKind, h Handler[Req]) {
	if h == nil {
		return
	}
	svc.Handle(kind, func(ctx context.Context, call *rpc.Call) {
		req, ok := call.Request.(*Req)
		if !ok {
			call.Fail(protocol.CodeInternalError, "unexpected request body")
			return
		}
		h(ctx, req, call)
	})
}

// invoke calls the agent and asserts the response type.
func invoke[Resp any](ctx context.Context, c *client.Connector, kind protocol.RequestKind, body any, timeout time.Duration) (*Resp, error) {
	resp, err := c.Call(ctx, kind, body, timeout)
	if err != nil {
		return nil, err
	}
	typed, ok := resp.(*Resp)
	if !ok {
		return nil, errors.Wrapf(message.ErrPayloadType, "%s response %T", kind, resp)
	}
	return typed, nil
}

// channel is the part shared by both channels.
type channel struct {
	*client.Connector
	service *rpc.Service
}

func newChannel(cred string, target message.TargetType, svc *rpc.Service, opts []client.Option) channel {
	opts = append(opts, client.WithService(svc))
	return channel{
		Connector: client.New(cred, target, opts...),
		service:   svc,
	}
}

// Service returns the service answering agent-initiated requests.
func (c channel) Service() *rpc.Service {
	return c.service
}
