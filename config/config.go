// Package config loads the settings shared by the agent and worker sides.
//
// Values come from a map (a parsed file, flags) or from NOSLATED_* environment
// variables, and are decoded weakly typed: "10s" is a duration, "a,b" a list,
// "64" a number.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"noslated-ipc/decoder"
	"noslated-ipc/loadbalance"
	"noslated-ipc/logging"
	"noslated-ipc/middleware"
	"noslated-ipc/registry"
	"noslated-ipc/rpc"
	"noslated-ipc/transport"
)

// EnvPrefix prefixes every environment variable read by FromEnv.
const EnvPrefix = "NOSLATED_"

// Config holds the agent and worker settings.
type Config struct {
	Network    string `mapstructure:"network"`
	SocketPath string `mapstructure:"socket_path"`
	Credential string `mapstructure:"credential"`

	DialTimeout      time.Duration `mapstructure:"dial_timeout"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
	MaxContentLength uint32        `mapstructure:"max_content_length"`
	SendQueueSize    int           `mapstructure:"send_queue_size"`

	RegistryEndpoints []string `mapstructure:"registry_endpoints"`
	ServiceName       string   `mapstructure:"service_name"`
	RegistryTTL       int64    `mapstructure:"registry_ttl"`
	Balancer          string   `mapstructure:"balancer"`

	// RateLimit is in calls per second; 0 disables limiting.
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Network:          "unix",
		SocketPath:       "/tmp/noslated.sock",
		DialTimeout:      time.Second,
		ShutdownTimeout:  5 * time.Second,
		MaxContentLength: decoder.DefaultMaxContentLength,
		SendQueueSize:    64,
		ServiceName:      "noslated-agent",
		RegistryTTL:      10,
		Balancer:         "RoundRobin",
	}
}

// Decode overlays src on the defaults.
func Decode(src map[string]any) (Config, error) {
	cfg := Default()
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return Config{}, errors.Wrap(err, "config decoder")
	}
	if err := dec.Decode(src); err != nil {
		return Config{}, errors.Wrap(err, "decode config")
	}
	return cfg, nil
}

// FromEnv decodes NOSLATED_* variables from environ, os.Environ() when nil.
// NOSLATED_SOCKET_PATH sets socket_path, and so on. Unknown NOSLATED_
// variables are an error.
func FromEnv(environ []string) (Config, error) {
	if environ == nil {
		environ = os.Environ()
	}
	src := make(map[string]any)
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, EnvPrefix) {
			continue
		}
		src[strings.ToLower(strings.TrimPrefix(key, EnvPrefix))] = value
	}
	return Decode(src)
}

// Validate reports the first unusable setting.
func (c Config) Validate() error {
	switch c.Network {
	case "unix", "tcp", "ws":
	default:
		return errors.Errorf("config: unsupported network %q", c.Network)
	}
	if c.SocketPath == "" {
		return errors.New("config: socket_path is required")
	}
	if c.DialTimeout <= 0 {
		return errors.New("config: dial_timeout must be positive")
	}
	if c.MaxContentLength == 0 {
		return errors.New("config: max_content_length must be positive")
	}
	if c.RateLimit < 0 || (c.RateLimit > 0 && c.RateBurst <= 0) {
		return errors.New("config: rate_limit needs a positive rate_burst")
	}
	if len(c.RegistryEndpoints) > 0 && c.ServiceName == "" {
		return errors.New("config: service_name is required with registry_endpoints")
	}
	return nil
}

// TransportOptions returns the connection options the settings imply.
func (c Config) TransportOptions(logger logging.Logger) []transport.Option {
	return []transport.Option{
		transport.LoggerOption(logger),
		transport.MaxContentLengthOption(c.MaxContentLength),
		transport.SendQueueSizeOption(c.SendQueueSize),
	}
}

// Middlewares returns the agent-side middleware stack: panic recovery,
// call logging and, when configured, rate limiting.
func (c Config) Middlewares(logger logging.Logger) []rpc.Middleware {
	mws := []rpc.Middleware{
		middleware.Recover(logger),
		middleware.Logging(logger),
	}
	if c.RateLimit > 0 {
		mws = append(mws, middleware.RateLimit(c.RateLimit, c.RateBurst))
	}
	return mws
}

// Registry connects to etcd when endpoints are configured and returns nil
// otherwise.
func (c Config) Registry(logger logging.Logger) (*registry.EtcdRegistry, error) {
	if len(c.RegistryEndpoints) == 0 {
		return nil, nil
	}
	return registry.NewEtcdRegistry(c.RegistryEndpoints, c.DialTimeout, logger)
}

// NewBalancer returns the configured instance selection strategy.
func (c Config) NewBalancer() loadbalance.Balancer {
	return loadbalance.New(c.Balancer)
}
