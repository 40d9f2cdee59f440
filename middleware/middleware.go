// Package middleware provides wrappers for rpc handlers.
//
// Handlers complete a call asynchronously, so a middleware that needs the
// outcome observes it with Call.OnFinish instead of a return value.
package middleware

import (
	"noslated-ipc/rpc"
)

// Chain composes middlewares into one. Chain(A, B, C)(h) runs as A(B(C(h))).
func Chain(middlewares ...rpc.Middleware) rpc.Middleware {
	return func(next rpc.HandlerFunc) rpc.HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
