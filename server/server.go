// Package server is the agent side: it accepts worker connections, gives
// each one a session id, and routes agent-initiated requests to the right
// connection.
//
// Connection lifecycle:
//
//	Accept → ServeConn: new Session (Connecting) → Established
//	  → peer EOF: removed from the table, Closing
//	  → teardown: pending requests reset, Closed, OnSessionClosed
package server

import (
	"context"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"noslated-ipc/logging"
	"noslated-ipc/message"
	"noslated-ipc/protocol"
	"noslated-ipc/rpc"
	"noslated-ipc/transport"
)

// ErrServerClosed is returned by Serve and ServeConn after Shutdown.
var ErrServerClosed = errors.New("server closed")

// MessageUnauthenticated is sent with CLIENT_ERROR by the credential gate.
const MessageUnauthenticated = "credentials required"

// Server tracks live sessions.
type Server struct {
	service *rpc.Service
	opts    options
	logger  logging.Logger

	nextID atomic.Uint32

	mu        sync.RWMutex
	sessions  map[uint32]*Session
	listeners []*transport.Listener
	shutdown  atomic.Bool
	wg        sync.WaitGroup // tracks sessions until Closed

	ctx    context.Context
	cancel context.CancelFunc
}

// New returns a server answering inbound requests with service. A nil
// service answers everything with NOT_IMPLEMENTED unless options install
// handlers.
func New(service *rpc.Service, opt ...Option) *Server {
	if service == nil {
		service = rpc.NewService()
	}
	s := &Server{
		service:  service,
		opts:     buildOptions(opt),
		sessions: make(map[uint32]*Session),
	}
	s.logger = s.opts.logger
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if s.opts.credentialGate {
		s.service.Use(s.gate)
	}
	if s.opts.authenticator != nil {
		s.service.Handle(protocol.RequestKindCredentials, s.handleCredentials)
	}
	return s
}

// Use adds middlewares to the server's service.
func (s *Server) Use(mw ...rpc.Middleware) {
	s.service.Use(mw...)
}

// Service returns the service inbound requests are dispatched to.
func (s *Server) Service() *rpc.Service {
	return s.service
}

// Serve accepts connections on ln until ctx ends or Shutdown is called. If
// a registry is configured the instance is announced first.
func (s *Server) Serve(ctx context.Context, ln *transport.Listener) error {
	if s.shutdown.Load() {
		return ErrServerClosed
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()

	if s.opts.registry != nil {
		if err := s.opts.registry.Register(ctx, s.opts.serviceName, s.opts.advertise, s.opts.registryTTL); err != nil {
			return errors.Wrap(err, "register")
		}
		s.logger.Info("registered", "service", s.opts.serviceName, "addr", s.opts.advertise.Addr)
	}

	err := ln.Serve(ctx, func(conn net.Conn) {
		s.ServeConn(conn)
	})
	if s.shutdown.Load() {
		return ErrServerClosed
	}
	return err
}

// ServeConn runs one worker connection and blocks until it is torn down.
func (s *Server) ServeConn(conn net.Conn) error {
	if s.shutdown.Load() {
		conn.Close()
		return ErrServerClosed
	}

	sess := &Session{id: s.allocID(), createdAt: time.Now()}
	sess.setState(StateConnecting)
	logger := s.logger
	sess.endpoint = rpc.NewEndpoint(conn, s.service, s.opts.transportOpts,
		rpc.WithSessionID(sess.id),
		rpc.WithLogger(logger),
		rpc.OnFinished(func() {
			// no outbound write may pick a half-closed socket
			s.remove(sess)
			sess.advance(StateClosing)
		}),
		rpc.OnClosed(func(err error) {
			s.remove(sess)
			if sess.advance(StateClosed) && s.opts.onSessionClosed != nil {
				s.opts.onSessionClosed(sess)
			}
		}),
	)

	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		conn.Close()
		return ErrServerClosed
	}
	s.sessions[sess.id] = sess
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	sess.advance(StateEstablished)
	logger.Debug("session established", "session", sess.id, "conn", sess.endpoint.Conn().ID())
	err := sess.endpoint.Run(s.ctx)
	logger.Debug("session closed", "session", sess.id, "error", err)
	return err
}

// allocID returns the next session id, skipping 0 and ids still in use.
func (s *Server) allocID() uint32 {
	for {
		id := s.nextID.Add(1)
		if id == 0 {
			continue
		}
		s.mu.RLock()
		_, taken := s.sessions[id]
		s.mu.RUnlock()
		if !taken {
			return id
		}
	}
}

func (s *Server) remove(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.sessions[sess.id]; ok && cur == sess {
		delete(s.sessions, sess.id)
	}
}

// Session returns the live session with the given id.
func (s *Server) Session(id uint32) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Sessions returns the live sessions ordered by id.
func (s *Server) Sessions() []*Session {
	s.mu.RLock()
	list := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		list = append(list, sess)
	}
	s.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].id < list[j].id })
	return list
}

// Request sends a request to the worker on sessionID. For an unknown or
// departed session cb runs synchronously with CONNECTION_RESET and nothing
// is written.
func (s *Server) Request(sessionID uint32, kind protocol.RequestKind, body any, timeout time.Duration, cb rpc.Callback) uint32 {
	sess, ok := s.Session(sessionID)
	if !ok {
		cb(protocol.CodeConnectionReset, &message.ErrorResponse{Message: rpc.MessageConnectionReset}, nil)
		return 0
	}
	return sess.Request(kind, body, timeout, cb)
}

// Call sends a request to the worker on sessionID and waits for the outcome.
func (s *Server) Call(ctx context.Context, sessionID uint32, kind protocol.RequestKind, body any, timeout time.Duration) (any, error) {
	sess, ok := s.Session(sessionID)
	if !ok {
		return nil, rpc.NewError(protocol.CodeConnectionReset, rpc.MessageConnectionReset)
	}
	return sess.Call(ctx, kind, body, timeout)
}

// WebSocketHandler serves worker connections arriving over WebSocket.
func (s *Server) WebSocketHandler() http.Handler {
	return transport.WebSocketHandler(func(conn net.Conn) {
		s.ServeConn(conn)
	}, s.logger)
}

// Shutdown stops the server:
//  1. Deregister from the registry so workers stop picking this agent
//  2. Close the listeners
//  3. Close every session, resetting its pending requests
//  4. Wait for the sessions to reach Closed, at most timeout
func (s *Server) Shutdown(timeout time.Duration) error {
	if !s.shutdown.CompareAndSwap(false, true) {
		return nil
	}

	if s.opts.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := s.opts.registry.Deregister(ctx, s.opts.serviceName, s.opts.advertise); err != nil {
			s.logger.Warn("deregister failed", "service", s.opts.serviceName, "error", err)
		}
		cancel()
	}

	// sessions registered after this point see the shutdown flag
	s.mu.Lock()
	listeners := append([]*transport.Listener(nil), s.listeners...)
	s.mu.Unlock()
	for _, ln := range listeners {
		ln.Close()
	}

	for _, sess := range s.Sessions() {
		sess.Close()
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New("timeout waiting for sessions to close")
	}
}

func (s *Server) handleCredentials(_ context.Context, call *rpc.Call) {
	req := call.Request.(*message.CredentialsRequest)
	sess, ok := s.Session(call.SessionID)
	if !ok {
		call.Finish(protocol.CodeConnectionReset, nil, nil)
		return
	}
	if !s.opts.authenticator(req.Cred, req.Type) {
		s.logger.Info("credentials rejected", "session", call.SessionID, "type", req.Type)
		call.Finish(protocol.CodeClientError, nil, nil)
		return
	}
	sess.setCredential(Credential{Cred: req.Cred, Type: req.Type})
	s.logger.Debug("credentials accepted", "session", call.SessionID, "type", req.Type)
	call.Reply()
}

// gate rejects traffic from sessions that have not presented credentials.
func (s *Server) gate(next rpc.HandlerFunc) rpc.HandlerFunc {
	return func(ctx context.Context, call *rpc.Call) {
		if call.Kind != protocol.RequestKindCredentials {
			if sess, ok := s.Session(call.SessionID); !ok || !sess.Authenticated() {
				call.Fail(protocol.CodeClientError, MessageUnauthenticated)
				return
			}
		}
		next(ctx, call)
	}
}
