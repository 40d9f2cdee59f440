package server

import (
	"noslated-ipc/logging"
	"noslated-ipc/message"
	"noslated-ipc/registry"
	"noslated-ipc/transport"
)

// Authenticator decides whether a worker's credential is accepted.
type Authenticator func(cred string, target message.TargetType) bool

type options struct {
	logger          logging.Logger
	transportOpts   []transport.Option
	authenticator   Authenticator
	credentialGate  bool
	onSessionClosed func(s *Session)

	registry    registry.Registry
	serviceName string
	advertise   registry.Instance // announced in the registry, may differ from the bind address
	registryTTL int64
}

// Option configures a Server.
type Option func(*options)

// LoggerOption sets the logger used by the server and its sessions.
func LoggerOption(logger logging.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// TransportOption applies transport options to every accepted connection.
func TransportOption(opts ...transport.Option) Option {
	return func(o *options) {
		o.transportOpts = append(o.transportOpts, opts...)
	}
}

// WithAuthenticator installs a Credentials handler. Accepted credentials are
// recorded on the session and answered OK; rejected ones get CLIENT_ERROR
// with an empty body.
func WithAuthenticator(auth Authenticator) Option {
	return func(o *options) {
		o.authenticator = auth
	}
}

// WithCredentialGate rejects every request other than Credentials with
// CLIENT_ERROR until the session is authenticated.
func WithCredentialGate() Option {
	return func(o *options) {
		o.credentialGate = true
	}
}

// OnSessionClosed sets a hook run once for each session reaching Closed.
func OnSessionClosed(fn func(s *Session)) Option {
	return func(o *options) {
		o.onSessionClosed = fn
	}
}

// WithRegistry announces instance under serviceName while Serve runs. The
// entry lives for ttl seconds unless renewed and is removed on Shutdown.
func WithRegistry(reg registry.Registry, serviceName string, instance registry.Instance, ttl int64) Option {
	return func(o *options) {
		o.registry = reg
		o.serviceName = serviceName
		o.advertise = instance
		o.registryTTL = ttl
	}
}

func buildOptions(opt []Option) options {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	opts.logger = logging.OrDefault(opts.logger)
	if opts.registryTTL <= 0 {
		opts.registryTTL = 10
	}
	return opts
}
