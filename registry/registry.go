// Package registry announces agent endpoints and lets workers discover them.
package registry

import (
	"context"
	"net/url"
)

// Instance is one reachable agent endpoint.
type Instance struct {
	Network string `json:"network"` // "unix" or "tcp"
	Addr    string `json:"addr"`
	Weight  int    `json:"weight,omitempty"` // Weight for load balancing
	Version string `json:"version,omitempty"`
}

// Key identifies the instance within a service.
func (i Instance) Key() string {
	network := i.Network
	if network == "" {
		network = "unix"
	}
	return network + "/" + url.PathEscape(i.Addr)
}

// Registry stores the instances of named services.
type Registry interface {
	// Register announces instance for ttl seconds, renewed until Deregister.
	Register(ctx context.Context, serviceName string, instance Instance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, instance Instance) error
	Discover(ctx context.Context, serviceName string) ([]Instance, error)
	// Watch emits the full instance list on every change until ctx ends.
	Watch(ctx context.Context, serviceName string) <-chan []Instance
}
