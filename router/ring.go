package router

import "sort"

// HashRing is a sorted keyed ring of virtual nodes used for consistent
// hashing. pointToReplica and sortedPoints are kept in lockstep per §3:
// sortedPoints is strictly non-decreasing and is exactly the key set of
// pointToReplica (duplicates permitted when virtual nodes collide).
//
// HashRing itself is not safe for concurrent use; callers (chwbl.go) guard it
// with their own mutex.
type HashRing struct {
	pointToReplica map[uint64]ReplicaID
	sortedPoints   []uint64
}

// NewHashRing returns an empty ring.
func NewHashRing() *HashRing {
	return &HashRing{
		pointToReplica: make(map[uint64]ReplicaID),
		sortedPoints:   nil,
	}
}

// AddReplica inserts v virtual nodes for id. Panics if v <= 0 — a replica
// contributing zero virtual nodes can never be found on the ring, which is
// always a caller bug rather than a runtime condition to recover from.
func (r *HashRing) AddReplica(id ReplicaID, v int) {
	if v <= 0 {
		panic("router: HashRing.AddReplica requires v > 0")
	}
	for i := 0; i < v; i++ {
		point := HashKey(virtualNodeKey(id, i))
		r.pointToReplica[point] = id
		idx := sort.Search(len(r.sortedPoints), func(j int) bool { return r.sortedPoints[j] >= point })
		r.sortedPoints = append(r.sortedPoints, 0)
		copy(r.sortedPoints[idx+1:], r.sortedPoints[idx:])
		r.sortedPoints[idx] = point
	}
}

// RemoveReplica deletes every point owned by id. Points left over from a
// colliding replica (two replicas mapping to the same point, last write
// wins) are left intact, since only id's own points are known to belong to
// it in pointToReplica.
func (r *HashRing) RemoveReplica(id ReplicaID) {
	var toRemove []uint64
	for point, owner := range r.pointToReplica {
		if owner == id {
			toRemove = append(toRemove, point)
		}
	}
	for _, point := range toRemove {
		delete(r.pointToReplica, point)
		idx := sort.Search(len(r.sortedPoints), func(j int) bool { return r.sortedPoints[j] >= point })
		if idx < len(r.sortedPoints) && r.sortedPoints[idx] == point {
			r.sortedPoints = append(r.sortedPoints[:idx], r.sortedPoints[idx+1:]...)
		}
	}
}

// Len returns the number of points currently on the ring.
func (r *HashRing) Len() int {
	return len(r.sortedPoints)
}

// ReplicaAt returns the replica owning point, and whether point is present.
func (r *HashRing) ReplicaAt(point uint64) (ReplicaID, bool) {
	id, ok := r.pointToReplica[point]
	return id, ok
}

// WalkFrom returns the ring points in traversal order starting at the first
// point >= keyHash, wrapping to index 0 at the end, covering the ring exactly
// once (§4.3). Returns nil if the ring is empty.
func (r *HashRing) WalkFrom(keyHash uint64) []uint64 {
	n := len(r.sortedPoints)
	if n == 0 {
		return nil
	}
	start := sort.Search(n, func(j int) bool { return r.sortedPoints[j] >= keyHash })
	if start == n {
		start = 0
	}
	ordered := make([]uint64, n)
	for i := 0; i < n; i++ {
		ordered[i] = r.sortedPoints[(start+i)%n]
	}
	return ordered
}
