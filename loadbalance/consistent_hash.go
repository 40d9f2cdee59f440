package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"noslated-ipc/registry"
)

// ConsistentHashBalancer maps worker credentials to agents on a hash ring,
// so a restarted worker returns to the agent it used before as long as the
// set of agents is unchanged. Each agent owns replicas virtual nodes.
type ConsistentHashBalancer struct {
	replicas int

	mu        sync.Mutex
	signature string // instance keys the ring was built from
	ring      []uint32
	nodes     map[uint32]int // hash → index into the instances slice
}

// NewConsistentHashBalancer creates a ring with 100 virtual nodes per instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{replicas: 100}
}

func (b *ConsistentHashBalancer) rebuild(instances []registry.Instance, signature string) {
	b.signature = signature
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]int, len(instances)*b.replicas)
	for idx, inst := range instances {
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", inst.Key(), i)))
			b.ring = append(b.ring, hash)
			b.nodes[hash] = idx
		}
	}
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

func (b *ConsistentHashBalancer) Pick(key string, instances []registry.Instance) (*registry.Instance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	keys := make([]string, len(instances))
	for i, inst := range instances {
		keys[i] = inst.Key()
	}
	signature := strings.Join(keys, ",")

	b.mu.Lock()
	defer b.mu.Unlock()
	if signature != b.signature || b.nodes == nil {
		b.rebuild(instances, signature)
	}

	hash := crc32.ChecksumIEEE([]byte(key))
	// first node clockwise from the key, wrapping past the end
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	return &instances[b.nodes[b.ring[idx]]], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
