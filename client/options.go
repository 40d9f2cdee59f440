package client

import (
	"context"
	"net"

	"noslated-ipc/loadbalance"
	"noslated-ipc/logging"
	"noslated-ipc/registry"
	"noslated-ipc/rpc"
	"noslated-ipc/transport"
)

// Dialer opens the byte stream to an agent.
type Dialer func(ctx context.Context, network, address string) (net.Conn, error)

// NetworkWebSocket selects DialWebSocket in the default dialer; the address
// is then a ws:// or wss:// URL.
const NetworkWebSocket = "ws"

type options struct {
	network string
	address string

	registry    registry.Registry
	balancer    loadbalance.Balancer
	serviceName string

	dialer        Dialer
	service       *rpc.Service
	logger        logging.Logger
	transportOpts []transport.Option
	onDisconnect  func(err error)
}

// Option configures a Connector.
type Option func(*options)

// WithAddress connects to a fixed agent address.
func WithAddress(network, address string) Option {
	return func(o *options) {
		o.network = network
		o.address = address
	}
}

// WithResolver discovers the agent in reg under serviceName on every
// Connect and lets bal choose among the instances, keyed by credential.
func WithResolver(reg registry.Registry, bal loadbalance.Balancer, serviceName string) Option {
	return func(o *options) {
		o.registry = reg
		o.balancer = bal
		o.serviceName = serviceName
	}
}

// WithDialer replaces the default dialer.
func WithDialer(d Dialer) Option {
	return func(o *options) {
		o.dialer = d
	}
}

// WithService serves agent-initiated requests with svc. Without it every
// such request is answered NOT_IMPLEMENTED.
func WithService(svc *rpc.Service) Option {
	return func(o *options) {
		o.service = svc
	}
}

// WithLiveness sets the hook told when the connection has outstanding work.
func WithLiveness(l transport.Liveness) Option {
	return func(o *options) {
		o.transportOpts = append(o.transportOpts, transport.LivenessOption(l))
	}
}

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithTransportOptions applies transport options to the connection.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(o *options) {
		o.transportOpts = append(o.transportOpts, opts...)
	}
}

// OnDisconnect sets a hook run when an established connection ends.
func OnDisconnect(fn func(err error)) Option {
	return func(o *options) {
		o.onDisconnect = fn
	}
}

func defaultDialer(ctx context.Context, network, address string) (net.Conn, error) {
	if network == NetworkWebSocket {
		return transport.DialWebSocket(ctx, address)
	}
	return transport.Dial(ctx, network, address)
}

func buildOptions(opt []Option) options {
	opts := options{network: "unix"}
	for _, o := range opt {
		o(&opts)
	}
	opts.logger = logging.OrDefault(opts.logger)
	if opts.dialer == nil {
		opts.dialer = defaultDialer
	}
	if opts.registry != nil && opts.balancer == nil {
		opts.balancer = &loadbalance.RoundRobinBalancer{}
	}
	return opts
}
