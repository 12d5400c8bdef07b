package router

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds CHWBL's tunables (§6 Router interface configuration struct).
type Config struct {
	// VirtualNodesPerReplica is the number of ring points each replica
	// contributes. Default 100.
	VirtualNodesPerReplica int
	// LoadFactor scales the mean load to produce the bounded-load threshold.
	// Default 1.25.
	LoadFactor float64
	// MaxUserMessagesForCache bounds how many user messages the cache-key
	// extractor captures. Default 2.
	MaxUserMessagesForCache int
	// QueueLenStalenessSecs is how long a load observation stays fresh.
	// <= 0 uses defaultQueueLenStaleness.
	QueueLenStalenessSecs float64
}

// DefaultConfig returns CHWBL's documented defaults (§4.5).
func DefaultConfig() Config {
	return Config{
		VirtualNodesPerReplica:  100,
		LoadFactor:              1.25,
		MaxUserMessagesForCache: 2,
	}
}

func (c Config) normalized() Config {
	if c.VirtualNodesPerReplica <= 0 {
		c.VirtualNodesPerReplica = 100
	}
	if c.LoadFactor <= 0 {
		c.LoadFactor = 1.25
	}
	if c.MaxUserMessagesForCache <= 0 {
		c.MaxUserMessagesForCache = 2
	}
	return c
}

func (c Config) queueLenStaleness() time.Duration {
	if c.QueueLenStalenessSecs <= 0 {
		return defaultQueueLenStaleness
	}
	return time.Duration(c.QueueLenStalenessSecs * float64(time.Second))
}

// CHWBLPolicy implements consistent hashing with bounded loads (§4.5): it
// prefers the consistent-hash successor of a request's cache key but skips
// (demotes) replicas that would be pushed over LoadFactor times the mean
// load, falling back to them only if nothing else is available.
//
// All ring, replica-map and queue-length-cache mutation happens under mu,
// the "routing lock" from §5; nothing inside a locked section suspends.
type CHWBLPolicy struct {
	cfg Config

	mu       sync.Mutex
	ring     *HashRing
	replicas map[ReplicaID]ReplicaHandle
	queueLen *QueueLengthCache
}

// NewCHWBLPolicy constructs a CHWBLPolicy. Zero-valued fields in cfg take
// CHWBL's documented defaults.
func NewCHWBLPolicy(cfg Config) *CHWBLPolicy {
	cfg = cfg.normalized()
	p := &CHWBLPolicy{
		cfg:      cfg,
		ring:     NewHashRing(),
		replicas: make(map[ReplicaID]ReplicaHandle),
		queueLen: NewQueueLengthCache(cfg.queueLenStaleness()),
	}
	logrus.Infof(
		"router: initialized CHWBL policy with %d virtual nodes/replica, load factor %.2f, max_user_messages=%d",
		cfg.VirtualNodesPerReplica, cfg.LoadFactor, cfg.MaxUserMessagesForCache,
	)
	return p
}

// UpdateReplicas implements Policy, reconciling the ring with the new set
// under the routing lock so readers never observe a half-updated ring (§5).
func (p *CHWBLPolicy) UpdateReplicas(replicas []ReplicaHandle) {
	p.mu.Lock()
	defer p.mu.Unlock()

	newSet := make(map[ReplicaID]ReplicaHandle, len(replicas))
	for _, r := range replicas {
		newSet[r.ID()] = r
	}

	for id := range p.replicas {
		if _, stillPresent := newSet[id]; !stillPresent {
			p.ring.RemoveReplica(id)
		}
	}
	for id := range newSet {
		if _, alreadyPresent := p.replicas[id]; !alreadyPresent {
			p.ring.AddReplica(id, p.cfg.VirtualNodesPerReplica)
		}
	}

	p.replicas = newSet
	logrus.Infof("router: updated replicas, total=%d ring_size=%d", len(p.replicas), p.ring.Len())
}

// OnReplicaActorDied implements Policy: eager ring removal (§7 Recovery).
func (p *CHWBLPolicy) OnReplicaActorDied(id ReplicaID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ring.RemoveReplica(id)
	delete(p.replicas, id)
	logrus.Warnf("router: replica %s died, removed from ring (remaining=%d)", id, len(p.replicas))
}

// OnReplicaActorUnavailable implements Policy: soft demotion via cache
// invalidation only, ring membership untouched (§7 Recovery).
func (p *CHWBLPolicy) OnReplicaActorUnavailable(id ReplicaID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queueLen.Invalidate(id)
	logrus.Warnf("router: replica %s unavailable, queue-length cache invalidated", id)
}

// OnNewQueueLenInfo implements Policy.
func (p *CHWBLPolicy) OnNewQueueLenInfo(id ReplicaID, load int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queueLen.Update(id, load)
}

// OnRequestCompleted implements Policy.
func (p *CHWBLPolicy) OnRequestCompleted(id ReplicaID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.queueLen.Decrement(id) {
		logrus.Warnf("router: OnRequestCompleted for untracked replica %s", id)
	}
}

// ChooseReplicas implements Policy, following §4.5's algorithm:
//
//  1. Empty candidates -> [[]].
//  2. No pending request -> a single group with all candidates.
//  3. Compute the cache key and its hash.
//  4. Empty ring -> a single group with all candidates.
//  5. Snapshot loads, compute the bounded-load threshold.
//  6. Walk the ring from the hash, collecting each first-seen candidate in
//     discovery order.
//  7. Append any candidates the ring walk never reached.
//  8. Split into two priority groups — under-threshold first, then
//     over-threshold — each preserving consistent-hash discovery order.
//     (This resolves the §9 Open Question: the reference implementation
//     emits one group per replica; this implementation groups by threshold,
//     which is the documented alternative and still satisfies every
//     invariant in §4.5 and P5.)
//  9. If nothing is under threshold, the first discovered candidate still
//     appears (it's simply in the over-threshold group), so a fallback
//     always exists.
func (p *CHWBLPolicy) ChooseReplicas(candidates []ReplicaHandle, pending *PendingRequest) []Group {
	if len(candidates) == 0 {
		return []Group{{}}
	}
	if pending == nil {
		return []Group{append(Group{}, candidates...)}
	}

	cacheKey := ExtractCacheKey(pending.Args, pending.Metadata.RequestID, p.cfg.MaxUserMessagesForCache)
	h := HashKey(cacheKey)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ring.Len() == 0 {
		return []Group{append(Group{}, candidates...)}
	}

	candidateMap := make(map[ReplicaID]ReplicaHandle, len(candidates))
	for _, c := range candidates {
		candidateMap[c.ID()] = c
	}

	ids := make([]ReplicaID, 0, len(candidates))
	for id := range candidateMap {
		ids = append(ids, id)
	}
	loadSnapshot := p.queueLen.Snapshot(ids)

	totalLoad := 0
	for _, l := range loadSnapshot {
		totalLoad += l
	}
	avg := float64(totalLoad+1) / float64(len(candidateMap))
	threshold := avg * p.cfg.LoadFactor

	var discovered []ReplicaID
	seen := make(map[ReplicaID]bool, len(candidateMap))
	for _, point := range p.ring.WalkFrom(h) {
		if len(seen) == len(candidateMap) {
			break
		}
		id, ok := p.ring.ReplicaAt(point)
		if !ok {
			continue
		}
		if seen[id] {
			continue
		}
		if _, isCandidate := candidateMap[id]; !isCandidate {
			continue
		}
		seen[id] = true
		discovered = append(discovered, id)
	}
	for id := range candidateMap {
		if !seen[id] {
			discovered = append(discovered, id)
		}
	}

	var underThreshold, overThreshold []ReplicaHandle
	for _, id := range discovered {
		load := loadSnapshot[id]
		replica := candidateMap[id]
		if float64(load+1) <= threshold {
			underThreshold = append(underThreshold, replica)
		} else {
			overThreshold = append(overThreshold, replica)
		}
		logrus.Debugf(
			"router: chwbl candidate=%s load=%d total_load=%d avg_load=%.2f threshold=%.2f",
			id, load, totalLoad, avg, threshold,
		)
	}

	result := make([]Group, 0, 2)
	if len(underThreshold) > 0 {
		result = append(result, Group(underThreshold))
	}
	if len(overThreshold) > 0 {
		result = append(result, Group(overThreshold))
	}
	if len(result) == 0 {
		// Not reached while candidates is non-empty: discovered holds every
		// candidate, so one of the groups above is non-empty. Kept so that a
		// usable group is always returned (§4.5 step 9).
		result = append(result, append(Group{}, candidates...))
	}
	return result
}
