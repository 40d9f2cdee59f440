package rpc

import (
	"context"
	"sync"

	"noslated-ipc/protocol"
)

// HandlerFunc serves one inbound request. It runs on the connection's read
// goroutine, in stream order, and must not block: long work completes the
// call from another goroutine.
type HandlerFunc func(ctx context.Context, call *Call)

// Middleware wraps a HandlerFunc.
type Middleware func(next HandlerFunc) HandlerFunc

// Service maps request kinds to handlers.
type Service struct {
	mu          sync.RWMutex
	handlers    map[protocol.RequestKind]HandlerFunc
	middlewares []Middleware
}

// NewService returns a service with no handlers.
func NewService() *Service {
	return &Service{handlers: make(map[protocol.RequestKind]HandlerFunc)}
}

// Handle registers fn for kind, replacing any previous handler.
func (s *Service) Handle(kind protocol.RequestKind, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = fn
}

// Use appends middlewares. They wrap every handler, the first added being
// the outermost.
func (s *Service) Use(mw ...Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middlewares = append(s.middlewares, mw...)
}

// Handles reports whether a handler is registered for kind.
func (s *Service) Handles(kind protocol.RequestKind) bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.handlers[kind]
	return ok
}

// Dispatch routes call to its handler. A kind without handler is answered
// with NOT_IMPLEMENTED.
func (s *Service) Dispatch(ctx context.Context, call *Call) {
	var (
		fn  HandlerFunc
		mws []Middleware
	)
	if s != nil {
		s.mu.RLock()
		fn = s.handlers[call.Kind]
		mws = s.middlewares
		s.mu.RUnlock()
	}
	if fn == nil {
		call.Fail(protocol.CodeNotImplemented, MessageNotImplemented)
		return
	}
	for i := len(mws) - 1; i >= 0; i-- {
		fn = mws[i](fn)
	}
	fn(ctx, call)
}
