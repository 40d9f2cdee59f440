package middleware

import (
	"context"
	"time"

	"noslated-ipc/logging"
	"noslated-ipc/protocol"
	"noslated-ipc/rpc"
)

// Logging logs every call with its outcome and the time until the response
// was handed to the wire.
func Logging(logger logging.Logger) rpc.Middleware {
	logger = logging.OrDefault(logger)
	return func(next rpc.HandlerFunc) rpc.HandlerFunc {
		return func(ctx context.Context, call *rpc.Call) {
			start := time.Now()
			call.OnFinish(func(code protocol.Code) {
				args := []any{
					"session", call.SessionID,
					"request_id", call.RequestID,
					"kind", call.Kind,
					"code", code,
					"duration", time.Since(start),
				}
				if code != protocol.CodeOK {
					logger.Warn("call failed", args...)
					return
				}
				logger.Debug("call", args...)
			})
			next(ctx, call)
		}
	}
}
