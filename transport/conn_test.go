package transport

import (
	"context"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noslated-ipc/codec"
	"noslated-ipc/logging"
	"noslated-ipc/message"
	"noslated-ipc/protocol"
)

type recorder struct {
	messages chan *message.Envelope
	finished chan struct{}
	errs     chan error
	closed   chan error

	mu          sync.Mutex
	closedCalls int
}

func newRecorder() *recorder {
	return &recorder{
		messages: make(chan *message.Envelope, 16),
		finished: make(chan struct{}, 4),
		errs:     make(chan error, 4),
		closed:   make(chan error, 4),
	}
}

func (r *recorder) OnMessage(env *message.Envelope) { r.messages <- env }
func (r *recorder) OnFinished()                     { r.finished <- struct{}{} }
func (r *recorder) OnError(err error)               { r.errs <- err }
func (r *recorder) OnClosed(err error) {
	r.mu.Lock()
	r.closedCalls++
	r.mu.Unlock()
	r.closed <- err
}

func fetchFrame(t *testing.T, id uint32) []byte {
	t.Helper()
	frame, err := message.EncodeRequest(codec.Default(), id, protocol.RequestKindFetch, &message.FetchRequest{URL: "http://x", RequestID: id})
	require.NoError(t, err)
	return frame
}

func startConn(t *testing.T, opts ...Option) (*Conn, net.Conn, *recorder) {
	t.Helper()
	local, remote := net.Pipe()
	rec := newRecorder()
	opts = append([]Option{LoggerOption(logging.Nop())}, opts...)
	c := NewConn(local, rec, opts...)
	go c.Run(context.Background())
	t.Cleanup(func() {
		c.Close()
		remote.Close()
	})
	return c, remote, rec
}

func waitMessage(t *testing.T, rec *recorder) *message.Envelope {
	t.Helper()
	select {
	case env := <-rec.messages:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func waitClosed(t *testing.T, rec *recorder) error {
	t.Helper()
	select {
	case err := <-rec.closed:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close")
		return nil
	}
}

func TestConnDeliversFramesInOrder(t *testing.T) {
	_, remote, rec := startConn(t)

	var stream []byte
	for i := uint32(1); i <= 3; i++ {
		stream = append(stream, fetchFrame(t, i)...)
	}
	go func() {
		// two uneven writes so frames straddle reads
		remote.Write(stream[:40])
		remote.Write(stream[40:])
	}()

	for i := uint32(1); i <= 3; i++ {
		env := waitMessage(t, rec)
		assert.Equal(t, i, env.Header.RequestID)
	}
}

func TestConnWrite(t *testing.T) {
	c, remote, _ := startConn(t)

	frame := fetchFrame(t, 11)
	require.NoError(t, c.Write(frame))

	h, body, err := protocol.Read(remote)
	require.NoError(t, err)
	assert.Equal(t, uint32(11), h.RequestID)
	assert.Equal(t, frame[protocol.HeaderSize:], body)
}

func TestConnPeerEOF(t *testing.T) {
	c, remote, rec := startConn(t)

	remote.Close()
	select {
	case <-rec.finished:
	case <-time.After(2 * time.Second):
		t.Fatal("OnFinished not called")
	}
	assert.NoError(t, waitClosed(t, rec))
	assert.True(t, c.IsClosed())
	assert.ErrorIs(t, c.Write(fetchFrame(t, 1)), ErrConnectionClosed)
}

func TestConnProtocolErrorCloses(t *testing.T) {
	c, remote, rec := startConn(t)

	go remote.Write([]byte("this is not a frame at all, definitely"))
	select {
	case err := <-rec.errs:
		assert.ErrorIs(t, err, protocol.ErrInvalidMagic)
	case <-time.After(2 * time.Second):
		t.Fatal("OnError not called")
	}
	assert.Error(t, waitClosed(t, rec))
	assert.True(t, c.IsClosed())
}

func TestConnCloseIsFinal(t *testing.T) {
	c, remote, rec := startConn(t)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.NoError(t, waitClosed(t, rec))

	// the peer can no longer reach the decoder
	_, err := remote.Write(fetchFrame(t, 1))
	assert.Error(t, err)
	select {
	case env := <-rec.messages:
		t.Fatalf("unexpected message after close: %+v", env.Header)
	case <-time.After(50 * time.Millisecond):
	}

	rec.mu.Lock()
	assert.Equal(t, 1, rec.closedCalls)
	rec.mu.Unlock()
}

func TestConnRefCount(t *testing.T) {
	tracker := NewTracker()
	c, _, _ := startConn(t, LivenessOption(tracker))

	c.Ref()
	c.Ref()
	assert.Equal(t, 2, c.RefCount())
	assert.Equal(t, 1, tracker.Count())

	c.Unref()
	assert.Equal(t, 1, tracker.Count())
	c.Unref()
	assert.Equal(t, 0, c.RefCount())
	assert.Equal(t, 0, tracker.Count())

	// never negative
	c.Unref()
	assert.Equal(t, 0, c.RefCount())
	assert.Equal(t, 0, tracker.Count())
}

func TestTrackerWait(t *testing.T) {
	tracker := NewTracker()
	require.NoError(t, tracker.Wait(context.Background()))

	tracker.Ref()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, tracker.Wait(ctx), context.DeadlineExceeded)

	go func() {
		time.Sleep(10 * time.Millisecond)
		tracker.Unref()
	}()
	require.NoError(t, tracker.Wait(context.Background()))
	assert.Equal(t, 0, tracker.Count())
}

func TestListenerUnixSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.sock")
	ln, err := Listen("unix", path, logging.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	rec := newRecorder()
	go func() {
		served <- ln.Serve(ctx, func(raw net.Conn) {
			NewConn(raw, rec, LoggerOption(logging.Nop())).Run(ctx)
		})
	}()

	// a second listener on a live socket is refused
	_, err = Listen("unix", path, logging.Nop())
	assert.Error(t, err)

	conn, err := Dial(context.Background(), "unix", path)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write(fetchFrame(t, 5))
	require.NoError(t, err)
	assert.Equal(t, uint32(5), waitMessage(t, rec).Header.RequestID)

	cancel()
	select {
	case err := <-served:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestConnReleasesRefsOnClose(t *testing.T) {
	tracker := NewTracker()
	c, _, rec := startConn(t, LivenessOption(tracker))

	c.Ref()
	assert.Equal(t, 1, tracker.Count())
	require.NoError(t, c.Close())
	waitClosed(t, rec)

	assert.Eventually(t, func() bool { return tracker.Count() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, c.RefCount())

	// a late completion does not underflow
	c.Unref()
	assert.Equal(t, 0, tracker.Count())
}

func TestConnWriteDoesNotWaitForPeer(t *testing.T) {
	c, _, rec := startConn(t, SendQueueSizeOption(4))

	frames := make([][]byte, 200)
	for i := range frames {
		frames[i] = fetchFrame(t, uint32(i+1))
	}

	// the peer never reads, so the write loop stalls on its first socket write
	queued := make(chan error, 1)
	go func() {
		var err error
		for _, frame := range frames {
			if werr := c.Write(frame); werr != nil && err == nil {
				err = werr
			}
		}
		queued <- err
	}()
	select {
	case err := <-queued:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Write blocked on a peer that does not read")
	}

	require.NoError(t, c.Close())
	waitClosed(t, rec)
	assert.Equal(t, 0, c.Queued())
	assert.ErrorIs(t, c.Write(fetchFrame(t, 201)), ErrConnectionClosed)
}

func TestConnWriteKeepsOrder(t *testing.T) {
	c, remote, _ := startConn(t)

	for i := uint32(1); i <= 50; i++ {
		require.NoError(t, c.Write(fetchFrame(t, i)))
	}
	for i := uint32(1); i <= 50; i++ {
		h, _, err := protocol.Read(remote)
		require.NoError(t, err)
		assert.Equal(t, i, h.RequestID)
	}
}
