package client

import (
	"context"
	"testing"

	"noslated-ipc/logging"
	"noslated-ipc/message"
	"noslated-ipc/protocol"
	"noslated-ipc/rpc"
)

func benchConnector(b *testing.B) *Connector {
	b.Helper()
	svc := rpc.NewService()
	svc.Handle(protocol.RequestKindFetch, func(_ context.Context, call *rpc.Call) {
		call.Response.(*message.FetchResponse).Status = 200
		call.Reply()
	})
	_, path := startAgent(b, svc)

	c := New("foobar", message.TargetTypeData, WithAddress("unix", path), WithLogger(logging.Nop()))
	if err := c.Connect(context.Background()); err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { c.Close() })
	return c
}

// one goroutine, calls in series
func BenchmarkSerialCall(b *testing.B) {
	c := benchConnector(b)
	req := &message.FetchRequest{URL: "http://bench", Method: "GET"}
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := c.Call(context.Background(), protocol.RequestKindFetch, req, 0); err != nil {
			b.Fatal(err)
		}
	}
}

// many goroutines multiplexed over one connection
func BenchmarkParallelCall(b *testing.B) {
	c := benchConnector(b)
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		req := &message.FetchRequest{URL: "http://bench", Method: "GET"}
		for pb.Next() {
			if _, err := c.Call(context.Background(), protocol.RequestKindFetch, req, 0); err != nil {
				b.Error(err)
				return
			}
		}
	})
}
