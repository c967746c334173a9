package broker

import "sync"

const shardCount = 32

// Factory builds a broker for a tenant seen for the first time.
type Factory func(tenantID string) *Broker

// Registry holds the process-local set of tenant brokers, created lazily.
// Lookups are distributed across sharded locks so activity on one tenant
// never contends with another beyond its shard.
type Registry struct {
	factory Factory
	shards  [shardCount]registryShard
}

type registryShard struct {
	mu      sync.RWMutex
	brokers map[string]*Broker
}

// NewRegistry creates an empty registry.
func NewRegistry(factory Factory) *Registry {
	r := &Registry{factory: factory}
	for i := range r.shards {
		r.shards[i].brokers = make(map[string]*Broker)
	}
	return r
}

// Get returns the broker for the tenant, creating it on first use.
func (r *Registry) Get(tenantID string) *Broker {
	shard := &r.shards[shardIndex(tenantID)]

	shard.mu.RLock()
	b := shard.brokers[tenantID]
	shard.mu.RUnlock()
	if b != nil {
		return b
	}

	shard.mu.Lock()
	defer shard.mu.Unlock()
	if b = shard.brokers[tenantID]; b != nil {
		return b
	}
	b = r.factory(tenantID)
	shard.brokers[tenantID] = b
	return b
}

// shardIndex hashes the tenant id onto a shard. Empty keys go to shard 0.
func shardIndex(key string) int {
	if key == "" {
		return 0
	}
	var h uint32
	for i := 0; i < len(key); i++ {
		h = h*31 + uint32(key[i])
	}
	return int(h % shardCount)
}
