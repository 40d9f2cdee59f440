package transport

import (
	"context"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"

	"noslated-ipc/logging"
)

// Listener accepts connections and hands each one to a handler goroutine.
type Listener struct {
	listener net.Listener
	logger   logging.Logger

	mu       sync.Mutex
	shutdown bool
}

// Listen binds network/address. For Unix sockets a stale socket file left by
// a crashed agent is removed first; a live one is reported as in use.
func Listen(network, address string, logger logging.Logger) (*Listener, error) {
	if network == "unix" {
		if err := removeStaleSocket(address); err != nil {
			return nil, err
		}
	}
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s %s", network, address)
	}
	return NewListener(ln, logger), nil
}

// NewListener wraps an existing listener.
func NewListener(ln net.Listener, logger logging.Logger) *Listener {
	return &Listener{listener: ln, logger: logging.OrDefault(logger)}
}

func removeStaleSocket(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	conn, err := net.DialTimeout("unix", path, 100*time.Millisecond)
	if err == nil {
		conn.Close()
		return errors.Errorf("socket %s is in use", path)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove stale socket %s", path)
	}
	return nil
}

// Serve accepts connections until ctx is cancelled or Close is called, and
// runs handle for each in its own goroutine.
func (l *Listener) Serve(ctx context.Context, handle func(net.Conn)) error {
	l.logger.Info("listener started", "addr", l.listener.Addr())

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			l.Close()
		case <-stop:
		}
	}()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			l.mu.Lock()
			isShutdown := l.shutdown
			l.mu.Unlock()

			if isShutdown {
				l.logger.Info("listener stopped", "addr", l.listener.Addr())
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return nil
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			l.logger.Error("accept error", "error", err)
			return errors.Wrap(err, "accept")
		}

		l.logger.Debug("accepted connection", "addr", l.listener.Addr())
		go handle(conn)
	}
}

// Close stops accepting. Blocked Accept calls return immediately.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.shutdown {
		l.mu.Unlock()
		return nil
	}
	l.shutdown = true
	l.mu.Unlock()
	return l.listener.Close()
}

// Addr returns the listener's network address.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Dial connects to an agent socket.
func Dial(ctx context.Context, network, address string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s %s", network, address)
	}
	return conn, nil
}
