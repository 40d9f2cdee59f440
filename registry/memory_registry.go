package registry

import (
	"context"
	"sort"
	"sync"
)

// MemoryRegistry is an in-process Registry. TTLs are ignored.
type MemoryRegistry struct {
	mu       sync.Mutex
	services map[string]map[string]Instance
	watchers map[string][]chan []Instance
}

// NewMemoryRegistry returns an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		services: make(map[string]map[string]Instance),
		watchers: make(map[string][]chan []Instance),
	}
}

func (r *MemoryRegistry) Register(_ context.Context, serviceName string, instance Instance, _ int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.services[serviceName] == nil {
		r.services[serviceName] = make(map[string]Instance)
	}
	r.services[serviceName][instance.Key()] = instance
	r.notify(serviceName)
	return nil
}

func (r *MemoryRegistry) Deregister(_ context.Context, serviceName string, instance Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services[serviceName], instance.Key())
	r.notify(serviceName)
	return nil
}

func (r *MemoryRegistry) Discover(_ context.Context, serviceName string) ([]Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list(serviceName), nil
}

func (r *MemoryRegistry) Watch(ctx context.Context, serviceName string) <-chan []Instance {
	ch := make(chan []Instance, 1)
	r.mu.Lock()
	r.watchers[serviceName] = append(r.watchers[serviceName], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		watchers := r.watchers[serviceName]
		for i, w := range watchers {
			if w == ch {
				r.watchers[serviceName] = append(watchers[:i], watchers[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

// list returns instances sorted by key. Callers hold r.mu.
func (r *MemoryRegistry) list(serviceName string) []Instance {
	keys := make([]string, 0, len(r.services[serviceName]))
	for k := range r.services[serviceName] {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	instances := make([]Instance, 0, len(keys))
	for _, k := range keys {
		instances = append(instances, r.services[serviceName][k])
	}
	return instances
}

// notify sends the latest list to each watcher, replacing a stale unread one.
// Callers hold r.mu.
func (r *MemoryRegistry) notify(serviceName string) {
	for _, ch := range r.watchers[serviceName] {
		instances := r.list(serviceName)
		select {
		case <-ch:
		default:
		}
		ch <- instances
	}
}
