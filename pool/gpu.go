package pool

import (
	"fmt"
	"sync"

	"github.com/neutree-ai/serve-router/router"
)

// GPUAllocator tracks slot -> owner (§4.6). A slot's owner names the replica
// whose allocation the slot belongs to; during the 1+1 overlap window a
// cooldown owner's slot may additionally host a sharing stage1/active
// replica, tracked in sharing, with the allocation map continuing to name
// the cooldown owner as in §3's GPU allocation map invariant.
type GPUAllocator struct {
	mu      sync.Mutex
	owner   []router.ReplicaID // "" = unassigned, index = slot
	sharing []router.ReplicaID // "" = no sharer on this slot
}

// NewGPUAllocator creates an allocator with numSlots slots, all unassigned.
func NewGPUAllocator(numSlots int) *GPUAllocator {
	if numSlots <= 0 {
		panic("pool: GPUAllocator requires numSlots > 0")
	}
	return &GPUAllocator{
		owner:   make([]router.ReplicaID, numSlots),
		sharing: make([]router.ReplicaID, numSlots),
	}
}

// Allocate returns the slot index assigned to replica, or (-1, false) if no
// slot is available. When shared is false, only a fully unassigned slot is
// taken. When shared is true and no unassigned slot exists, a slot whose
// current owner is in STAGE2_COOLDOWN may be shared: the new replica's
// gpu_id is recorded via sharing without overwriting owner (§4.6).
func (a *GPUAllocator) Allocate(replica router.ReplicaID, shared bool, ownerStage func(router.ReplicaID) Stage) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, owner := range a.owner {
		if owner == "" {
			a.owner[i] = replica
			return i, true
		}
	}

	if !shared {
		return -1, false
	}

	for i, owner := range a.owner {
		if owner == "" {
			continue
		}
		if a.sharing[i] != "" {
			continue // already shared once; the 1+1 window admits exactly one sharer
		}
		if ownerStage(owner) == Stage2Cooldown {
			a.sharing[i] = replica
			return i, true
		}
	}
	return -1, false
}

// Release clears slot's ownership entirely (owner and any sharer).
func (a *GPUAllocator) Release(slot int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.owner[slot] = ""
	a.sharing[slot] = ""
}

// RecycleOwner releases replica's ownership of slot. If a sharing replica is
// present, ownership transfers to it (§4.6 "On recycle of the cooldown
// owner, if a sharing replica exists, transfer ownership to it") and the
// slot is returned still allocated, now to the former sharer. If no sharer
// exists, the slot is released. Panics if replica does not own slot — a
// caller bug, since Manager tracks ownership itself before calling this.
func (a *GPUAllocator) RecycleOwner(slot int, replica router.ReplicaID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.owner[slot] != replica {
		panic(fmt.Sprintf("pool: RecycleOwner: slot %d is not owned by %s", slot, replica))
	}
	if a.sharing[slot] != "" {
		a.owner[slot] = a.sharing[slot]
		a.sharing[slot] = ""
		return
	}
	a.owner[slot] = ""
}

// Owner returns the replica that currently owns slot, or "" if unassigned.
func (a *GPUAllocator) Owner(slot int) router.ReplicaID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.owner[slot]
}

// Sharer returns the replica sharing slot with its cooldown owner, if any.
func (a *GPUAllocator) Sharer(slot int) (router.ReplicaID, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.sharing[slot]
	return s, s != ""
}

// AvailableSlots returns the count of fully unassigned slots.
func (a *GPUAllocator) AvailableSlots() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, owner := range a.owner {
		if owner == "" {
			n++
		}
	}
	return n
}

// TotalSlots returns the configured slot count.
func (a *GPUAllocator) TotalSlots() int {
	return len(a.owner)
}
