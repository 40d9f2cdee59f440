// Package client is the worker side: it dials the agent and completes the
// Credentials handshake before the connection carries anything else.
//
//	Connect: resolve address → dial → Credentials{cred, type} (1s)
//	  → OK: connected, idle connection holds no liveness ref
//	  → otherwise: connection discarded, ErrNotConnected
//
// A failed handshake is never retried here; the caller owns retry policy.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"noslated-ipc/logging"
	"noslated-ipc/message"
	"noslated-ipc/protocol"
	"noslated-ipc/registry"
	"noslated-ipc/rpc"
)

var (
	// ErrNotConnected is returned when no handshake-complete connection exists.
	ErrNotConnected = errors.New("not connected")
	// ErrAlreadyConnected is returned by Connect on a live connection.
	ErrAlreadyConnected = errors.New("already connected")
	// ErrNoAddress is returned when neither an address nor a resolver is set.
	ErrNoAddress = errors.New("no agent address configured")
)

// ConnectError is returned by Connect. It matches ErrNotConnected with
// errors.Is and unwraps to the cause, an *rpc.Error when the agent answered.
type ConnectError struct {
	Err error
}

func (e *ConnectError) Error() string {
	return ErrNotConnected.Error() + ": " + e.Err.Error()
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

func (e *ConnectError) Is(target error) bool {
	return target == ErrNotConnected
}

// Connector owns one worker→agent connection.
type Connector struct {
	cred   string
	target message.TargetType
	opts   options
	logger logging.Logger

	mu         sync.Mutex
	endpoint   *rpc.Endpoint
	instance   registry.Instance
	connecting bool
	connected  bool
}

// New returns a disconnected connector presenting cred for target.
func New(cred string, target message.TargetType, opt ...Option) *Connector {
	opts := buildOptions(opt)
	return &Connector{
		cred:   cred,
		target: target,
		opts:   opts,
		logger: opts.logger,
	}
}

// Target returns the channel type presented in the handshake.
func (c *Connector) Target() message.TargetType {
	return c.target
}

// resolve picks the agent instance to dial.
func (c *Connector) resolve(ctx context.Context) (registry.Instance, error) {
	if c.opts.registry == nil {
		if c.opts.address == "" {
			return registry.Instance{}, ErrNoAddress
		}
		return registry.Instance{Network: c.opts.network, Addr: c.opts.address}, nil
	}

	instances, err := c.opts.registry.Discover(ctx, c.opts.serviceName)
	if err != nil {
		return registry.Instance{}, errors.Wrapf(err, "discover %s", c.opts.serviceName)
	}
	inst, err := c.opts.balancer.Pick(c.cred, instances)
	if err != nil {
		return registry.Instance{}, errors.Wrapf(err, "pick %s", c.opts.serviceName)
	}
	if inst.Network == "" {
		inst.Network = "unix"
	}
	return *inst, nil
}

// Connect dials the agent and performs the handshake. It returns nil only
// once the agent accepted the credential.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected || c.connecting {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.connecting = true
	c.mu.Unlock()

	endpoint, inst, err := c.connect(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.connecting = false
	if err != nil {
		return err
	}
	// disconnected only reports endpoints stored here
	select {
	case <-endpoint.Closed():
		return &ConnectError{Err: errors.New("connection closed after handshake")}
	default:
	}
	c.endpoint = endpoint
	c.instance = inst
	c.connected = true
	c.logger.Info("connected", "network", inst.Network, "addr", inst.Addr, "type", c.target)
	return nil
}

func (c *Connector) connect(ctx context.Context) (*rpc.Endpoint, registry.Instance, error) {
	inst, err := c.resolve(ctx)
	if err != nil {
		return nil, inst, &ConnectError{Err: err}
	}

	conn, err := c.opts.dialer(ctx, inst.Network, inst.Addr)
	if err != nil {
		return nil, inst, &ConnectError{Err: err}
	}

	var endpoint *rpc.Endpoint
	endpoint = rpc.NewEndpoint(conn, c.opts.service, c.opts.transportOpts,
		rpc.WithLogger(c.logger),
		rpc.OnClosed(func(err error) {
			c.disconnected(endpoint, err)
		}),
	)
	endpoint.Start(context.Background())

	done := make(chan error, 1)
	endpoint.Request(protocol.RequestKindCredentials, &message.CredentialsRequest{Cred: c.cred, Type: c.target},
		message.TimeoutFor(protocol.RequestKindCredentials),
		func(code protocol.Code, errResp *message.ErrorResponse, _ any) {
			if code != protocol.CodeOK {
				done <- rpc.NewError(code, errMessage(errResp))
				return
			}
			done <- nil
		})

	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		endpoint.Close()
		<-endpoint.Closed()
		c.logger.Warn("handshake failed", "addr", inst.Addr, "type", c.target, "error", err)
		return nil, inst, &ConnectError{Err: errors.WithMessage(err, "credentials")}
	}
	return endpoint, inst, nil
}

func errMessage(errResp *message.ErrorResponse) string {
	if errResp == nil {
		return ""
	}
	return errResp.Message
}

func (c *Connector) disconnected(endpoint *rpc.Endpoint, err error) {
	c.mu.Lock()
	if c.endpoint != endpoint {
		// a handshake that never completed
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.mu.Unlock()

	c.logger.Info("disconnected", "addr", c.instance.Addr, "type", c.target, "error", err)
	if c.opts.onDisconnect != nil {
		c.opts.onDisconnect(err)
	}
}

// Connected reports whether the handshake completed and the connection is
// still up.
func (c *Connector) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Instance returns the agent instance of the current or last connection.
func (c *Connector) Instance() registry.Instance {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instance
}

// Endpoint returns the current endpoint, nil before the first Connect.
func (c *Connector) Endpoint() *rpc.Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint
}

func (c *Connector) live() *rpc.Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	return c.endpoint
}

// Request sends a request to the agent. Without a completed handshake cb
// runs synchronously with CONNECTION_RESET.
func (c *Connector) Request(kind protocol.RequestKind, body any, timeout time.Duration, cb rpc.Callback) uint32 {
	endpoint := c.live()
	if endpoint == nil {
		cb(protocol.CodeConnectionReset, &message.ErrorResponse{Message: rpc.MessageConnectionReset}, nil)
		return 0
	}
	return endpoint.Request(kind, body, timeout, cb)
}

// Call sends a request to the agent and waits for the outcome.
func (c *Connector) Call(ctx context.Context, kind protocol.RequestKind, body any, timeout time.Duration) (any, error) {
	endpoint := c.live()
	if endpoint == nil {
		return nil, rpc.NewError(protocol.CodeConnectionReset, rpc.MessageConnectionReset)
	}
	return endpoint.Call(ctx, kind, body, timeout)
}

// Close tears the connection down and waits until its pending requests
// have settled.
func (c *Connector) Close() error {
	endpoint := c.Endpoint()
	if endpoint == nil {
		return nil
	}
	err := endpoint.Close()
	<-endpoint.Closed()
	return err
}

// Closed returns a channel closed when the current connection ends. Before
// the first Connect it is already closed.
func (c *Connector) Closed() <-chan struct{} {
	endpoint := c.Endpoint()
	if endpoint == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return endpoint.Closed()
}
