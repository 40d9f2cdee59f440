package registry

// etcd layout:
//
//	Key:   /noslated/{ServiceName}/{Network}/{escaped Addr}
//	Value: JSON-encoded Instance
//
// Registration uses TTL-based leases: if the agent dies, the lease expires
// and the entry is removed with it.

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"

	"noslated-ipc/logging"
)

// KeyPrefix roots every key this package writes.
const KeyPrefix = "/noslated/"

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // etcd client connection (thread-safe, shared across goroutines)
	logger logging.Logger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // key → lease, revoked on Deregister
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration, logger logging.Logger) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "etcd client")
	}
	return &EtcdRegistry{
		client: c,
		logger: logging.OrDefault(logger),
		leases: make(map[string]clientv3.LeaseID),
	}, nil
}

func servicePrefix(serviceName string) string {
	return KeyPrefix + serviceName + "/"
}

func instanceKey(serviceName string, instance Instance) string {
	return servicePrefix(serviceName) + instance.Key()
}

// Register puts instance under a lease of ttl seconds and keeps the lease
// alive in the background.
func (r *EtcdRegistry) Register(ctx context.Context, serviceName string, instance Instance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return errors.Wrap(err, "grant lease")
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return errors.Wrap(err, "marshal instance")
	}

	key := instanceKey(serviceName, instance)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return errors.Wrapf(err, "put %s", key)
	}

	// the keepalive outlives the caller's ctx; Revoke ends it
	ch, err := r.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return errors.Wrap(err, "keepalive")
	}
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keepalive stopped", "key", key)
	}()

	r.mu.Lock()
	r.leases[key] = lease.ID
	r.mu.Unlock()
	return nil
}

// Deregister removes instance and revokes its lease.
func (r *EtcdRegistry) Deregister(ctx context.Context, serviceName string, instance Instance) error {
	key := instanceKey(serviceName, instance)
	if _, err := r.client.Delete(ctx, key); err != nil {
		return errors.Wrapf(err, "delete %s", key)
	}

	r.mu.Lock()
	id, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()
	if ok {
		if _, err := r.client.Revoke(ctx, id); err != nil {
			return errors.Wrap(err, "revoke lease")
		}
	}
	return nil
}

// Discover returns all currently registered instances of a service.
func (r *EtcdRegistry) Discover(ctx context.Context, serviceName string) ([]Instance, error) {
	resp, err := r.client.Get(ctx, servicePrefix(serviceName), clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrapf(err, "get %s", serviceName)
	}

	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance Instance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn("skipping malformed instance", "key", string(kv.Key), "error", err)
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Watch re-reads the instance list whenever anything under the service
// prefix changes.
func (r *EtcdRegistry) Watch(ctx context.Context, serviceName string) <-chan []Instance {
	ch := make(chan []Instance, 1)

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, servicePrefix(serviceName), clientv3.WithPrefix())
		for range watchChan {
			instances, err := r.Discover(ctx, serviceName)
			if err != nil {
				r.logger.Warn("rediscover failed", "service", serviceName, "error", err)
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Close releases the etcd client.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
