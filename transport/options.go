package transport

import (
	"noslated-ipc/codec"
	"noslated-ipc/logging"
)

// options holds the configuration for a connection.
type options struct {
	codec    codec.Codec
	logger   logging.Logger
	liveness Liveness

	maxContentLength uint32 // largest body the decoder accepts
	sendQueueSize    int    // queued frames before a backlog warning
	readBufferSize   int    // bytes per socket read
}

// Option is a function that configures connection options.
type Option func(*options)

// CodecOption sets the body codec. Both peers must agree on it.
func CodecOption(c codec.Codec) Option {
	return func(o *options) {
		o.codec = c
	}
}

// LoggerOption sets the logger. Defaults to slog.Default().
func LoggerOption(logger logging.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// LivenessOption sets the hook told when the connection starts or stops
// having outstanding work.
func LivenessOption(l Liveness) Option {
	return func(o *options) {
		o.liveness = l
	}
}

// MaxContentLengthOption bounds the body of a single inbound frame.
// Larger frames are protocol-fatal.
func MaxContentLengthOption(n uint32) Option {
	return func(o *options) {
		o.maxContentLength = n
	}
}

// SendQueueSizeOption sets how many frames may wait for the writer before
// a backlog is logged. The queue itself is unbounded; Write never blocks.
func SendQueueSizeOption(size int) Option {
	return func(o *options) {
		o.sendQueueSize = size
	}
}

// ReadBufferSizeOption sets the size of each socket read.
func ReadBufferSizeOption(size int) Option {
	return func(o *options) {
		o.readBufferSize = size
	}
}

// Default configuration values.
const (
	defaultSendQueueSize  = 64
	defaultReadBufferSize = 64 * 1024
)

func buildOptions(opt []Option) options {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	if opts.codec == nil {
		opts.codec = codec.Default()
	}
	opts.logger = logging.OrDefault(opts.logger)
	if opts.liveness == nil {
		opts.liveness = nopLiveness{}
	}
	if opts.sendQueueSize <= 0 {
		opts.sendQueueSize = defaultSendQueueSize
	}
	if opts.readBufferSize <= 0 {
		opts.readBufferSize = defaultReadBufferSize
	}
	return opts
}
