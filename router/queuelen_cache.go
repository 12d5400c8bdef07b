package router

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// defaultQueueLenStaleness stands in for "large, effectively unbounded" per
// §4.2: the expirable cache needs a finite TTL, and 5 minutes comfortably
// outlives any single routing decision's lifetime while still reclaiming
// entries for replicas that silently stopped reporting.
const defaultQueueLenStaleness = 5 * time.Minute

// QueueLengthCache maps ReplicaID to its last-known in-flight request count.
// Entries older than the configured staleness window read as absent (§4.2);
// expiry is enforced lazily by the underlying LRU on read, so no background
// sweep goroutine is needed.
type QueueLengthCache struct {
	cache *lru.LRU[ReplicaID, int]
}

// NewQueueLengthCache creates a cache whose entries expire after staleness.
// staleness <= 0 uses defaultQueueLenStaleness.
func NewQueueLengthCache(staleness time.Duration) *QueueLengthCache {
	if staleness <= 0 {
		staleness = defaultQueueLenStaleness
	}
	// Capacity bounds memory, not correctness: a cluster large enough to
	// exceed this would already be unusual for a single router instance.
	return &QueueLengthCache{cache: lru.NewLRU[ReplicaID, int](4096, nil, staleness)}
}

// Get returns the cached load for id and whether it was present and fresh.
func (c *QueueLengthCache) Get(id ReplicaID) (int, bool) {
	return c.cache.Get(id)
}

// Update records load as id's current in-flight request count. Load may rise
// or fall between updates; only the wall-clock write order is monotone.
func (c *QueueLengthCache) Update(id ReplicaID, load int) {
	c.cache.Add(id, load)
}

// Invalidate drops id's entry, if any.
func (c *QueueLengthCache) Invalidate(id ReplicaID) {
	c.cache.Remove(id)
}

// Decrement lowers id's cached load by one, clamped at zero. Returns false if
// id has no cache entry (caller should log and take no further action, per
// §4.5 on_request_completed).
func (c *QueueLengthCache) Decrement(id ReplicaID) bool {
	load, ok := c.cache.Get(id)
	if !ok {
		return false
	}
	if load > 0 {
		load--
	}
	c.cache.Add(id, load)
	return true
}

// Snapshot copies the current load for every id in ids, treating a missing or
// stale entry as load 0 (§4.5 step 5).
func (c *QueueLengthCache) Snapshot(ids []ReplicaID) map[ReplicaID]int {
	snap := make(map[ReplicaID]int, len(ids))
	for _, id := range ids {
		load, ok := c.cache.Get(id)
		if !ok {
			load = 0
		}
		snap[id] = load
	}
	return snap
}
