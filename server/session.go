package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"noslated-ipc/message"
	"noslated-ipc/protocol"
	"noslated-ipc/rpc"
)

// State is the lifecycle stage of a session.
type State int32

const (
	StateConnecting State = iota
	StateEstablished
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateEstablished:
		return "Established"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	}
	return "Unknown"
}

// Credential is what a worker presented in its Credentials request.
type Credential struct {
	Cred string
	Type message.TargetType
}

// Session is one accepted worker connection.
type Session struct {
	id        uint32
	endpoint  *rpc.Endpoint
	createdAt time.Time
	state     atomic.Int32

	mu         sync.Mutex
	credential *Credential
}

// ID returns the session id, never 0.
func (s *Session) ID() uint32 {
	return s.id
}

// State returns the current lifecycle stage.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// advance moves the session forward, never back.
func (s *Session) advance(st State) bool {
	for {
		cur := s.state.Load()
		if cur >= int32(st) {
			return false
		}
		if s.state.CompareAndSwap(cur, int32(st)) {
			return true
		}
	}
}

// CreatedAt returns when the connection was accepted.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// Endpoint returns the session's rpc endpoint.
func (s *Session) Endpoint() *rpc.Endpoint {
	return s.endpoint
}

// Credentials returns the accepted credential, if any.
func (s *Session) Credentials() (Credential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.credential == nil {
		return Credential{}, false
	}
	return *s.credential, true
}

// Authenticated reports whether the worker completed the handshake.
func (s *Session) Authenticated() bool {
	_, ok := s.Credentials()
	return ok
}

func (s *Session) setCredential(c Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credential = &c
}

// Request sends a request to the worker on this session.
func (s *Session) Request(kind protocol.RequestKind, body any, timeout time.Duration, cb rpc.Callback) uint32 {
	return s.endpoint.Request(kind, body, timeout, cb)
}

// Call sends a request to the worker and waits for the outcome.
func (s *Session) Call(ctx context.Context, kind protocol.RequestKind, body any, timeout time.Duration) (any, error) {
	return s.endpoint.Call(ctx, kind, body, timeout)
}

// Close forcibly tears the connection down.
func (s *Session) Close() error {
	s.advance(StateClosing)
	return s.endpoint.Close()
}
