package router

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// StaticHashPolicy deterministically routes a request to
// candidates[hash(cacheKey) mod len(candidates)], per §4.4. It keeps no ring
// and no per-replica state beyond the queue-length cache (kept for interface
// parity with Policy, even though static hashing never reads it).
type StaticHashPolicy struct {
	mu                      sync.Mutex
	queueLen                *QueueLengthCache
	maxUserMessagesForCache int
}

// NewStaticHashPolicy constructs a StaticHashPolicy. maxUserMessagesForCache
// <= 0 defaults to 2, matching CHWBL's default so the two policies extract
// identical cache keys for the same payload. queueLenStaleness <= 0 uses
// defaultQueueLenStaleness.
func NewStaticHashPolicy(maxUserMessagesForCache int, queueLenStaleness time.Duration) *StaticHashPolicy {
	if maxUserMessagesForCache <= 0 {
		maxUserMessagesForCache = 2
	}
	return &StaticHashPolicy{
		queueLen:                NewQueueLengthCache(queueLenStaleness),
		maxUserMessagesForCache: maxUserMessagesForCache,
	}
}

// ChooseReplicas implements Policy.
func (p *StaticHashPolicy) ChooseReplicas(candidates []ReplicaHandle, pending *PendingRequest) []Group {
	if len(candidates) == 0 {
		return []Group{{}}
	}
	if pending == nil {
		return []Group{append(Group{}, candidates...)}
	}

	cacheKey := ExtractCacheKey(pending.Args, pending.Metadata.RequestID, p.maxUserMessagesForCache)
	h := HashKey(cacheKey)
	idx := int(h % uint64(len(candidates)))
	return []Group{{candidates[idx]}}
}

// UpdateReplicas implements Policy. StaticHashPolicy has no ring to reconcile.
func (p *StaticHashPolicy) UpdateReplicas(_ []ReplicaHandle) {}

// OnNewQueueLenInfo implements Policy.
func (p *StaticHashPolicy) OnNewQueueLenInfo(id ReplicaID, load int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queueLen.Update(id, load)
}

// OnReplicaActorDied implements Policy. Static hashing has no ring membership
// to remove; the queue-length cache entry is left for OnReplicaActorUnavailable
// (or natural expiry) to clear, matching §4.5's distinction applied uniformly.
func (p *StaticHashPolicy) OnReplicaActorDied(_ ReplicaID) {}

// OnReplicaActorUnavailable implements Policy.
func (p *StaticHashPolicy) OnReplicaActorUnavailable(id ReplicaID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queueLen.Invalidate(id)
}

// OnRequestCompleted implements Policy.
func (p *StaticHashPolicy) OnRequestCompleted(id ReplicaID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.queueLen.Decrement(id) {
		logrus.Warnf("router: OnRequestCompleted for untracked replica %s", id)
	}
}
