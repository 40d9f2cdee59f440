package middleware

import (
	"context"
	"fmt"
	"runtime/debug"

	"noslated-ipc/logging"
	"noslated-ipc/message"
	"noslated-ipc/protocol"
	"noslated-ipc/rpc"
)

// Recover turns a handler panic into an INTERNAL_ERROR response carrying
// the stack. A call already completed before the panic stays as it was.
func Recover(logger logging.Logger) rpc.Middleware {
	logger = logging.OrDefault(logger)
	return func(next rpc.HandlerFunc) rpc.HandlerFunc {
		return func(ctx context.Context, call *rpc.Call) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				stack := string(debug.Stack())
				logger.Error("handler panic", "session", call.SessionID, "request_id", call.RequestID, "kind", call.Kind, "panic", r)
				if !call.Finished() {
					call.Finish(protocol.CodeInternalError, &message.ErrorResponse{
						Message: fmt.Sprint(r),
						Stack:   stack,
					}, nil)
				}
			}()
			next(ctx, call)
		}
	}
}
