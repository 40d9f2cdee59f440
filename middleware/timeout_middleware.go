package middleware

import (
	"context"
	"time"

	"noslated-ipc/protocol"
	"noslated-ipc/rpc"
)

// MessageDeadlineExceeded is sent with TIMEOUT by Deadline.
const MessageDeadlineExceeded = "request timed out"

// Deadline answers TIMEOUT for any call its handler has not completed
// within d. The handler's own completion after that is dropped.
func Deadline(d time.Duration) rpc.Middleware {
	return func(next rpc.HandlerFunc) rpc.HandlerFunc {
		return func(ctx context.Context, call *rpc.Call) {
			timer := time.AfterFunc(d, func() {
				call.Fail(protocol.CodeTimeout, MessageDeadlineExceeded)
			})
			call.OnFinish(func(protocol.Code) {
				timer.Stop()
			})
			next(ctx, call)
		}
	}
}
