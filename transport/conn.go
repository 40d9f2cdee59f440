// Package transport moves frames over one persistent duplex byte stream.
//
// A Conn owns a net.Conn (Unix socket, TCP, or a WebSocket exposed as a byte
// stream), a read loop that feeds the incremental decoder, and a write loop
// that drains a queue of encoded frames:
//
//	socket ──Read──▶ decoder ──OnMessage──▶ Delegate
//	Write(frame) ──▶ sendQueue ──writeLoop──▶ socket
//
// Write never waits on the socket: frames are appended to an unbounded queue
// and the write loop drains it in order. Neither the read goroutine (handlers
// replying) nor a caller issuing a request can stall behind a slow peer.
// Events reach the Delegate in stream order from the read goroutine. The
// connection tears itself down on EOF, on a protocol-fatal decode error, on
// a write error, or on Close, and reports OnClosed exactly once.
package transport

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"noslated-ipc/codec"
	"noslated-ipc/decoder"
	"noslated-ipc/logging"
	"noslated-ipc/message"
)

// ErrConnectionClosed is returned when operating on a closed connection.
var ErrConnectionClosed = errors.New("connection closed")

// Delegate receives the events of one connection.
type Delegate interface {
	// OnMessage is called for each decoded frame, in stream order.
	OnMessage(env *message.Envelope)
	// OnFinished is called when the peer closed its side (EOF), after every
	// complete frame still buffered has been delivered.
	OnFinished()
	// OnError is called when the stream is corrupt; the connection closes next.
	OnError(err error)
	// OnClosed is called exactly once, after the socket is torn down.
	OnClosed(err error)
}

// Conn is one framed connection.
type Conn struct {
	id       string
	rawConn  net.Conn
	delegate Delegate
	decoder  *decoder.Decoder
	logger   logging.Logger

	opts options

	sendMu      sync.Mutex
	sendQueue   [][]byte
	sendReady   chan struct{} // cap 1, signalled when sendQueue goes non-empty
	sendBacklog bool          // above opts.sendQueueSize, warned once

	closing   chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
	running   atomic.Bool

	refMu sync.Mutex
	refs  int
}

// NewConn wraps c. Nothing is read or written until Run is called.
func NewConn(c net.Conn, delegate Delegate, opt ...Option) *Conn {
	opts := buildOptions(opt)
	id := uuid.NewString()
	return &Conn{
		id:        id,
		rawConn:   c,
		delegate:  delegate,
		decoder:   decoder.New(opts.codec, opts.maxContentLength),
		logger:    opts.logger,
		opts:      opts,
		sendQueue: make([][]byte, 0, opts.sendQueueSize),
		sendReady: make(chan struct{}, 1),
		closing:   make(chan struct{}),
	}
}

// ID returns a random identifier used to correlate log lines.
func (c *Conn) ID() string {
	return c.id
}

// Codec returns the body codec frames on this connection must use.
func (c *Conn) Codec() codec.Codec {
	return c.opts.codec
}

// Logger returns the connection's logger.
func (c *Conn) Logger() logging.Logger {
	return c.logger
}

// RemoteAddr returns the peer address, which is empty for most Unix sockets.
func (c *Conn) RemoteAddr() net.Addr {
	return c.rawConn.RemoteAddr()
}

// Run starts the read and write loops and blocks until the connection is
// torn down. It returns nil when the peer closed cleanly or Close was called.
func (c *Conn) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("transport: Run called twice")
	}
	c.logger.Info("connection established", "conn", c.id, "addr", c.RemoteAddr())

	group, child := errgroup.WithContext(ctx)
	group.Go(func() error {
		return c.readLoop()
	})
	group.Go(func() error {
		return c.writeLoop(child)
	})
	group.Go(func() error {
		// unblocks the read loop when the group is cancelled
		select {
		case <-child.Done():
		case <-c.closing:
		}
		c.Close()
		return nil
	})

	err := group.Wait()
	c.Close()

	if errors.Is(err, io.EOF) || errors.Is(err, ErrConnectionClosed) || errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		c.logger.Info("connection closed with error", "conn", c.id, "error", err)
	} else {
		c.logger.Info("connection closed", "conn", c.id)
	}
	c.delegate.OnClosed(err)
	c.releaseRefs()
	return err
}

// releaseRefs drops work that can no longer finish, such as inbound calls
// whose handler never answered, so a dead connection does not hold the
// Liveness hook.
func (c *Conn) releaseRefs() {
	c.refMu.Lock()
	held := c.refs > 0
	c.refs = 0
	c.refMu.Unlock()

	if held {
		c.logger.Debug("released outstanding work", "conn", c.id)
		c.opts.liveness.Unref()
	}
}

// Close tears the connection down. No frame is delivered after Close
// returns. Safe to call multiple times.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.sendMu.Lock()
		c.closed.Store(true)
		c.sendQueue = nil
		c.sendMu.Unlock()
		close(c.closing)
		err = c.rawConn.Close()
	})
	return err
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// Closing returns a channel closed when teardown begins.
func (c *Conn) Closing() <-chan struct{} {
	return c.closing
}

// Write queues an encoded frame and returns at once. It fails only when the
// connection is closing. A write that fails later on the socket is logged and
// ends the connection; it is never retried.
func (c *Conn) Write(frame []byte) error {
	c.sendMu.Lock()
	if c.closed.Load() {
		c.sendMu.Unlock()
		return ErrConnectionClosed
	}
	c.sendQueue = append(c.sendQueue, frame)
	queued := len(c.sendQueue)
	warn := !c.sendBacklog && queued > c.opts.sendQueueSize
	if warn {
		c.sendBacklog = true
	}
	c.sendMu.Unlock()

	if warn {
		c.logger.Warn("send queue backlog", "conn", c.id, "frames", queued)
	}
	select {
	case c.sendReady <- struct{}{}:
	default:
	}
	return nil
}

// Queued returns the number of frames waiting for the write loop.
func (c *Conn) Queued() int {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return len(c.sendQueue)
}

// takeQueue hands the pending frames to the write loop.
func (c *Conn) takeQueue() [][]byte {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	frames := c.sendQueue
	c.sendQueue = nil
	c.sendBacklog = false
	return frames
}

// Ref records one more unit of outstanding work. The Liveness hook is told
// on the transition from zero.
func (c *Conn) Ref() {
	c.refMu.Lock()
	c.refs++
	first := c.refs == 1
	c.refMu.Unlock()

	if first {
		c.opts.liveness.Ref()
	}
}

// Unref releases one unit of outstanding work. The Liveness hook is told on
// the transition to zero. The counter never goes negative.
func (c *Conn) Unref() {
	c.refMu.Lock()
	if c.refs == 0 {
		c.refMu.Unlock()
		// late completions after teardown are expected
		if !c.closed.Load() {
			c.logger.Warn("unref on idle connection", "conn", c.id)
		}
		return
	}
	c.refs--
	last := c.refs == 0
	c.refMu.Unlock()

	if last {
		c.opts.liveness.Unref()
	}
}

// RefCount returns the current amount of outstanding work.
func (c *Conn) RefCount() int {
	c.refMu.Lock()
	defer c.refMu.Unlock()
	return c.refs
}

// readLoop feeds the decoder until EOF, error or Close.
func (c *Conn) readLoop() error {
	buf := make([]byte, c.opts.readBufferSize)
	for {
		n, err := c.rawConn.Read(buf)
		if n > 0 {
			c.decoder.Insert(buf[:n])
			if derr := c.drain(); derr != nil {
				return derr
			}
		}
		if err == nil {
			continue
		}

		if c.closed.Load() {
			return ErrConnectionClosed
		}
		if errors.Is(err, io.EOF) {
			c.logger.Debug("peer finished", "conn", c.id, "buffered", c.decoder.Buffered())
			c.delegate.OnFinished()
			return io.EOF
		}
		c.logger.Debug("read error", "conn", c.id, "error", err)
		return errors.Wrap(err, "read")
	}
}

// drain hands every complete buffered frame to the delegate.
func (c *Conn) drain() error {
	for {
		switch c.decoder.Decode() {
		case decoder.More:
			return nil
		case decoder.OK:
			env := c.decoder.TakeContent()
			if c.closed.Load() {
				return ErrConnectionClosed
			}
			c.delegate.OnMessage(env)
		case decoder.Error:
			err := c.decoder.Err()
			c.logger.Error("protocol error", "conn", c.id, "error", err)
			c.delegate.OnError(err)
			return errors.Wrap(err, "decode")
		}
	}
}

// writeLoop sends queued frames to the socket in order.
func (c *Conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closing:
			return ErrConnectionClosed
		case <-c.sendReady:
		}
		for _, frame := range c.takeQueue() {
			if _, err := c.rawConn.Write(frame); err != nil {
				if c.closed.Load() {
					return ErrConnectionClosed
				}
				c.logger.Warn("write error", "conn", c.id, "error", err)
				return errors.Wrap(err, "write")
			}
		}
	}
}
