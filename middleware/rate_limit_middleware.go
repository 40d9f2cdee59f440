package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"noslated-ipc/protocol"
	"noslated-ipc/rpc"
)

// MessageRateLimited is sent with CLIENT_ERROR when a call is rejected.
const MessageRateLimited = "rate limit exceeded"

// RateLimit admits calls through a token bucket of r calls per second with
// the given burst, shared by every connection the service serves. Rejected
// calls are answered with CLIENT_ERROR.
func RateLimit(r float64, burst int) rpc.Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next rpc.HandlerFunc) rpc.HandlerFunc {
		return func(ctx context.Context, call *rpc.Call) {
			if !limiter.Allow() {
				call.Fail(protocol.CodeClientError, MessageRateLimited)
				return
			}
			next(ctx, call)
		}
	}
}
