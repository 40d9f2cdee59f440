package rpc

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noslated-ipc/logging"
	"noslated-ipc/message"
	"noslated-ipc/protocol"
)

type outcome struct {
	code    protocol.Code
	errResp *message.ErrorResponse
	resp    any
	at      time.Time
}

func collect() (Callback, <-chan outcome) {
	ch := make(chan outcome, 4)
	return func(code protocol.Code, errResp *message.ErrorResponse, resp any) {
		ch <- outcome{code: code, errResp: errResp, resp: resp, at: time.Now()}
	}, ch
}

func waitOutcome(t *testing.T, ch <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("callback not called")
		return outcome{}
	}
}

// pair connects a worker-side endpoint to an agent-side endpoint serving svc.
func pair(t *testing.T, svc *Service) (worker, agent *Endpoint) {
	t.Helper()
	a, b := net.Pipe()
	worker = NewEndpoint(a, nil, nil, WithLogger(logging.Nop()))
	agent = NewEndpoint(b, svc, nil, WithLogger(logging.Nop()), WithSessionID(1))
	worker.Start(context.Background())
	agent.Start(context.Background())
	t.Cleanup(func() {
		worker.Close()
		agent.Close()
	})
	return worker, agent
}

func waitRefs(t *testing.T, e *Endpoint, n int) {
	t.Helper()
	assert.Eventually(t, func() bool { return e.Conn().RefCount() == n }, time.Second, 5*time.Millisecond)
}

func TestOutOfOrderResponses(t *testing.T) {
	var mu sync.Mutex
	var calls []*Call
	svc := NewService()
	svc.Handle(protocol.RequestKindFetch, func(_ context.Context, call *Call) {
		mu.Lock()
		calls = append(calls, call)
		mu.Unlock()
	})
	worker, agent := pair(t, svc)

	cb1, ch1 := collect()
	cb2, ch2 := collect()
	id1 := worker.Request(protocol.RequestKindFetch, &message.FetchRequest{URL: "http://one"}, time.Second, cb1)
	id2 := worker.Request(protocol.RequestKindFetch, &message.FetchRequest{URL: "http://two"}, time.Second, cb2)
	assert.Equal(t, uint32(1), id1)
	assert.Equal(t, uint32(2), id2)
	assert.Equal(t, 2, worker.Pending())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 2
	}, time.Second, 5*time.Millisecond)

	// answer the second request first
	for i := len(calls) - 1; i >= 0; i-- {
		call := calls[i]
		call.Response.(*message.FetchResponse).Status = int32(200 + i)
		assert.Equal(t, uint32(1), call.SessionID)
		require.True(t, call.Reply())
	}

	o2 := waitOutcome(t, ch2)
	o1 := waitOutcome(t, ch1)
	assert.Equal(t, protocol.CodeOK, o1.code)
	assert.Equal(t, int32(200), o1.resp.(*message.FetchResponse).Status)
	assert.Equal(t, int32(201), o2.resp.(*message.FetchResponse).Status)

	assert.Equal(t, 0, worker.Pending())
	waitRefs(t, worker, 0)
	waitRefs(t, agent, 0)
}

func TestRequestTimeout(t *testing.T) {
	svc := NewService()
	svc.Handle(protocol.RequestKindFetch, func(context.Context, *Call) {})
	worker, _ := pair(t, svc)

	const timeout = 50 * time.Millisecond
	cb, ch := collect()
	start := time.Now()
	worker.Request(protocol.RequestKindFetch, nil, timeout, cb)
	assert.Equal(t, 1, worker.Conn().RefCount())

	o := waitOutcome(t, ch)
	assert.Equal(t, protocol.CodeTimeout, o.code)
	assert.Equal(t, MessageTimeout, o.errResp.Message)
	assert.GreaterOrEqual(t, o.at.Sub(start), timeout)
	assert.Equal(t, 0, worker.Pending())
	assert.Equal(t, 0, worker.Conn().RefCount())

	select {
	case extra := <-ch:
		t.Fatalf("second resolution: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNotImplemented(t *testing.T) {
	worker, agent := pair(t, NewService())

	_, err := worker.Call(context.Background(), protocol.RequestKindDaprInvoke, &message.DaprInvokeRequest{AppID: "a"}, time.Second)
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, protocol.CodeNotImplemented, rerr.Code)
	assert.Equal(t, MessageNotImplemented, rerr.Message)
	assert.Equal(t, protocol.CodeNotImplemented, CodeOf(err))
	waitRefs(t, agent, 0)
}

func TestNilServiceAnswersNotImplemented(t *testing.T) {
	a, b := net.Pipe()
	worker := NewEndpoint(a, nil, nil, WithLogger(logging.Nop()))
	peer := NewEndpoint(b, nil, nil, WithLogger(logging.Nop()))
	worker.Start(context.Background())
	peer.Start(context.Background())
	defer worker.Close()
	defer peer.Close()

	_, err := peer.Call(context.Background(), protocol.RequestKindTrigger, nil, time.Second)
	assert.Equal(t, protocol.CodeNotImplemented, CodeOf(err))
}

func TestTeardownResetsPending(t *testing.T) {
	svc := NewService()
	svc.Handle(protocol.RequestKindFetch, func(context.Context, *Call) {})
	worker, agent := pair(t, svc)

	cb1, ch1 := collect()
	cb2, ch2 := collect()
	assert.Equal(t, uint32(1), worker.Request(protocol.RequestKindFetch, nil, 10*time.Second, cb1))
	assert.Equal(t, uint32(2), worker.Request(protocol.RequestKindFetch, nil, 10*time.Second, cb2))

	agent.Close()

	for _, ch := range []<-chan outcome{ch1, ch2} {
		o := waitOutcome(t, ch)
		assert.Equal(t, protocol.CodeConnectionReset, o.code)
	}
	<-worker.Closed()
	assert.Equal(t, 0, worker.Pending())
	assert.Equal(t, 0, worker.Conn().RefCount())
}

func TestRequestOnClosedEndpoint(t *testing.T) {
	worker, _ := pair(t, NewService())
	require.NoError(t, worker.Close())
	<-worker.Closed()

	called := false
	id := worker.Request(protocol.RequestKindFetch, nil, time.Second, func(code protocol.Code, errResp *message.ErrorResponse, _ any) {
		called = true
		assert.Equal(t, protocol.CodeConnectionReset, code)
		assert.Equal(t, MessageConnectionReset, errResp.Message)
	})
	assert.True(t, called, "callback must run synchronously")
	assert.Zero(t, id)
}

func TestHandlerError(t *testing.T) {
	svc := NewService()
	svc.Handle(protocol.RequestKindResourcePut, func(_ context.Context, call *Call) {
		call.FailWith(Errorf(protocol.CodeClientError, "bad action %q", call.Request.(*message.ResourcePutRequest).Action))
	})
	worker, _ := pair(t, svc)

	_, err := worker.Call(context.Background(), protocol.RequestKindResourcePut, &message.ResourcePutRequest{Action: "steal"}, time.Second)
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, protocol.CodeClientError, rerr.Code)
	assert.Equal(t, `bad action "steal"`, rerr.Message)
}

func TestAsyncReply(t *testing.T) {
	svc := NewService()
	svc.Handle(protocol.RequestKindStreamOpen, func(_ context.Context, call *Call) {
		go func() {
			time.Sleep(10 * time.Millisecond)
			call.Response.(*message.StreamOpenResponse).Sid = 9
			call.Reply()
		}()
	})
	worker, _ := pair(t, svc)

	resp, err := worker.Call(context.Background(), protocol.RequestKindStreamOpen, nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint32(9), resp.(*message.StreamOpenResponse).Sid)
}

func TestCallContextCancel(t *testing.T) {
	svc := NewService()
	svc.Handle(protocol.RequestKindFetch, func(context.Context, *Call) {})
	worker, _ := pair(t, svc)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := worker.Call(ctx, protocol.RequestKindFetch, nil, time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLateResponseIgnored(t *testing.T) {
	var mu sync.Mutex
	var pending *Call
	svc := NewService()
	svc.Handle(protocol.RequestKindFetch, func(_ context.Context, call *Call) {
		mu.Lock()
		pending = call
		mu.Unlock()
	})
	worker, agent := pair(t, svc)

	cb, ch := collect()
	worker.Request(protocol.RequestKindFetch, nil, 30*time.Millisecond, cb)
	assert.Equal(t, protocol.CodeTimeout, waitOutcome(t, ch).code)

	mu.Lock()
	call := pending
	mu.Unlock()
	require.NotNil(t, call)
	require.True(t, call.Reply())
	waitRefs(t, agent, 0)

	select {
	case extra := <-ch:
		t.Fatalf("late response delivered: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMiddlewareOrder(t *testing.T) {
	var order []string
	trace := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, call *Call) {
				order = append(order, name)
				next(ctx, call)
			}
		}
	}
	svc := NewService()
	svc.Use(trace("outer"), trace("inner"))
	svc.Handle(protocol.RequestKindCollectMetrics, func(_ context.Context, call *Call) {
		order = append(order, "handler")
		call.Reply()
	})

	done := make(chan protocol.Code, 1)
	call := NewCall(1, 1, protocol.RequestKindCollectMetrics, &message.CollectMetricsRequest{}, func(code protocol.Code, _ *message.ErrorResponse, _ any) {
		done <- code
	}, logging.Nop())
	svc.Dispatch(context.Background(), call)

	assert.Equal(t, protocol.CodeOK, <-done)
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
	assert.True(t, svc.Handles(protocol.RequestKindCollectMetrics))
	assert.False(t, svc.Handles(protocol.RequestKindFetch))
}
