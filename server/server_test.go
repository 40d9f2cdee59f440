package server

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noslated-ipc/logging"
	"noslated-ipc/message"
	"noslated-ipc/protocol"
	"noslated-ipc/registry"
	"noslated-ipc/rpc"
	"noslated-ipc/transport"
)

func acceptFoobar(cred string, _ message.TargetType) bool {
	return cred == "foobar"
}

func startServer(t *testing.T, svc *rpc.Service, opts ...Option) (*Server, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sock")
	ln, err := transport.Listen("unix", path, logging.Nop())
	require.NoError(t, err)

	opts = append([]Option{LoggerOption(logging.Nop())}, opts...)
	srv := New(svc, opts...)
	go srv.Serve(context.Background(), ln)
	t.Cleanup(func() { srv.Shutdown(time.Second) })
	return srv, path
}

// dialWorker opens a raw worker endpoint serving svc.
func dialWorker(t *testing.T, path string, svc *rpc.Service) *rpc.Endpoint {
	t.Helper()
	conn, err := transport.Dial(context.Background(), "unix", path)
	require.NoError(t, err)
	e := rpc.NewEndpoint(conn, svc, nil, rpc.WithLogger(logging.Nop()))
	e.Start(context.Background())
	t.Cleanup(func() { e.Close() })
	return e
}

type result struct {
	code    protocol.Code
	errResp *message.ErrorResponse
	resp    any
}

func request(t *testing.T, e *rpc.Endpoint, kind protocol.RequestKind, body any) result {
	t.Helper()
	ch := make(chan result, 2)
	e.Request(kind, body, 0, func(code protocol.Code, errResp *message.ErrorResponse, resp any) {
		ch <- result{code, errResp, resp}
	})
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("no callback")
		return result{}
	}
}

func TestCredentialsHandshake(t *testing.T) {
	_, path := startServer(t, nil, WithAuthenticator(acceptFoobar))

	ok := dialWorker(t, path, nil)
	r := request(t, ok, protocol.RequestKindCredentials, &message.CredentialsRequest{Cred: "foobar"})
	assert.Equal(t, protocol.CodeOK, r.code)
	assert.Nil(t, r.errResp)
	assert.Equal(t, &message.CredentialsResponse{}, r.resp)

	bad := dialWorker(t, path, nil)
	start := time.Now()
	r = request(t, bad, protocol.RequestKindCredentials, &message.CredentialsRequest{Cred: "wrong"})
	assert.Equal(t, protocol.CodeClientError, r.code)
	assert.Nil(t, r.errResp)
	assert.Nil(t, r.resp)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSessionsAndRouting(t *testing.T) {
	srv, path := startServer(t, nil, WithAuthenticator(acceptFoobar))

	workerService := func(name string) *rpc.Service {
		svc := rpc.NewService()
		svc.Handle(protocol.RequestKindCollectMetrics, func(_ context.Context, call *rpc.Call) {
			resp := call.Response.(*message.CollectMetricsResponse)
			resp.IntegerRecords = []message.IntegerRecord{{Name: name, Value: 1}}
			call.Reply()
		})
		return svc
	}
	for _, name := range []string{"w1", "w2"} {
		e := dialWorker(t, path, workerService(name))
		require.Equal(t, protocol.CodeOK, request(t, e, protocol.RequestKindCredentials, &message.CredentialsRequest{Cred: "foobar"}).code)
	}

	sessions := srv.Sessions()
	require.Len(t, sessions, 2)
	assert.ElementsMatch(t, []uint32{1, 2}, []uint32{sessions[0].ID(), sessions[1].ID()})

	var names []string
	for _, sess := range sessions {
		assert.Equal(t, StateEstablished, sess.State())
		assert.True(t, sess.Authenticated())

		resp, err := srv.Call(context.Background(), sess.ID(), protocol.RequestKindCollectMetrics, nil, 0)
		require.NoError(t, err)
		names = append(names, resp.(*message.CollectMetricsResponse).IntegerRecords[0].Name)

		got, ok := srv.Session(sess.ID())
		require.True(t, ok)
		assert.Same(t, sess, got)
	}
	assert.ElementsMatch(t, []string{"w1", "w2"}, names)
}

func TestRequestUnknownSession(t *testing.T) {
	srv, _ := startServer(t, nil)

	called := false
	id := srv.Request(99, protocol.RequestKindTrigger, nil, time.Second, func(code protocol.Code, _ *message.ErrorResponse, _ any) {
		called = true
		assert.Equal(t, protocol.CodeConnectionReset, code)
	})
	assert.True(t, called)
	assert.Zero(t, id)

	_, err := srv.Call(context.Background(), 99, protocol.RequestKindTrigger, nil, time.Second)
	assert.Equal(t, protocol.CodeConnectionReset, rpc.CodeOf(err))
}

func TestSessionRemovedOnEOF(t *testing.T) {
	var mu sync.Mutex
	var closed []*Session
	srv, path := startServer(t, nil, WithAuthenticator(acceptFoobar), OnSessionClosed(func(s *Session) {
		mu.Lock()
		closed = append(closed, s)
		mu.Unlock()
	}))

	worker := dialWorker(t, path, nil)
	require.Equal(t, protocol.CodeOK, request(t, worker, protocol.RequestKindCredentials, &message.CredentialsRequest{Cred: "foobar"}).code)
	sess := srv.Sessions()[0]

	require.NoError(t, worker.Close())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(closed) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Empty(t, srv.Sessions())
	assert.Equal(t, StateClosed, sess.State())
	assert.Same(t, sess, closed[0])

	_, err := srv.Call(context.Background(), sess.ID(), protocol.RequestKindTrigger, nil, time.Second)
	assert.Equal(t, protocol.CodeConnectionReset, rpc.CodeOf(err))
}

func TestCredentialGate(t *testing.T) {
	srv, path := startServer(t, nil, WithAuthenticator(acceptFoobar), WithCredentialGate())
	worker := dialWorker(t, path, nil)

	r := request(t, worker, protocol.RequestKindFetch, &message.FetchRequest{URL: "http://early"})
	assert.Equal(t, protocol.CodeClientError, r.code)
	assert.Equal(t, MessageUnauthenticated, r.errResp.Message)
	assert.False(t, srv.Sessions()[0].Authenticated())

	require.Equal(t, protocol.CodeOK, request(t, worker, protocol.RequestKindCredentials, &message.CredentialsRequest{Cred: "foobar", Type: message.TargetTypeDiagnostics}).code)
	cred, ok := srv.Sessions()[0].Credentials()
	require.True(t, ok)
	assert.Equal(t, Credential{Cred: "foobar", Type: message.TargetTypeDiagnostics}, cred)

	r = request(t, worker, protocol.RequestKindFetch, &message.FetchRequest{URL: "http://late"})
	assert.Equal(t, protocol.CodeNotImplemented, r.code)
	assert.Equal(t, rpc.MessageNotImplemented, r.errResp.Message)
}

func TestShutdownResetsPending(t *testing.T) {
	srv, path := startServer(t, nil, WithAuthenticator(acceptFoobar))

	hung := rpc.NewService()
	hung.Handle(protocol.RequestKindTrigger, func(context.Context, *rpc.Call) {})
	worker := dialWorker(t, path, hung)
	require.Equal(t, protocol.CodeOK, request(t, worker, protocol.RequestKindCredentials, &message.CredentialsRequest{Cred: "foobar"}).code)

	ch := make(chan protocol.Code, 1)
	srv.Request(srv.Sessions()[0].ID(), protocol.RequestKindTrigger, &message.TriggerRequest{Method: "invoke"}, 10*time.Second,
		func(code protocol.Code, _ *message.ErrorResponse, _ any) { ch <- code })

	require.NoError(t, srv.Shutdown(2*time.Second))
	select {
	case code := <-ch:
		assert.Equal(t, protocol.CodeConnectionReset, code)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not reset")
	}
	<-worker.Closed()
	assert.Empty(t, srv.Sessions())
}

func TestRegistryAnnouncement(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	inst := registry.Instance{Network: "unix", Addr: "/run/agent.sock", Weight: 1}
	srv, _ := startServer(t, nil, WithRegistry(reg, "noslated-agent", inst, 5))

	require.Eventually(t, func() bool {
		list, _ := reg.Discover(context.Background(), "noslated-agent")
		return len(list) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, srv.Shutdown(time.Second))
	list, err := reg.Discover(context.Background(), "noslated-agent")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestWebSocketSession(t *testing.T) {
	srv := New(nil, LoggerOption(logging.Nop()), WithAuthenticator(acceptFoobar))
	hs := httptest.NewServer(srv.WebSocketHandler())
	defer hs.Close()
	defer srv.Shutdown(time.Second)

	conn, err := transport.DialWebSocket(context.Background(), "ws"+strings.TrimPrefix(hs.URL, "http"))
	require.NoError(t, err)
	worker := rpc.NewEndpoint(conn, nil, nil, rpc.WithLogger(logging.Nop()))
	worker.Start(context.Background())
	defer worker.Close()

	r := request(t, worker, protocol.RequestKindCredentials, &message.CredentialsRequest{Cred: "foobar"})
	assert.Equal(t, protocol.CodeOK, r.code)
	require.Len(t, srv.Sessions(), 1)
	assert.True(t, srv.Sessions()[0].Authenticated())
}

func TestServeAfterShutdown(t *testing.T) {
	srv := New(nil, LoggerOption(logging.Nop()))
	require.NoError(t, srv.Shutdown(time.Second))

	ln, err := transport.Listen("unix", filepath.Join(t.TempDir(), "late.sock"), logging.Nop())
	require.NoError(t, err)
	defer ln.Close()
	assert.ErrorIs(t, srv.Serve(context.Background(), ln), ErrServerClosed)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "Connecting", StateConnecting.String())
	assert.Equal(t, "Closed", StateClosed.String())
}
