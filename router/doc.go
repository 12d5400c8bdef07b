// Package router selects which replica serves an incoming inference request.
//
// # Reading Guide
//
// Start with these files:
//   - replica.go: ReplicaID, ReplicaHandle, PendingRequest — the data model
//   - hash.go / cachekey.go: the fingerprinting primitives every policy builds on
//   - ring.go: the hash-ring data structure CHWBL walks
//   - static_hash.go / chwbl.go: the two stateful routing policies
//
// # Architecture
//
// router depends only on the ReplicaHandle interface, never on the pool package
// that owns the replicas' engine lifecycle. Events are pushed in from outside
// (UpdateReplicas from the pool manager; OnRequestCompleted and
// OnReplicaActorUnavailable from the dispatcher); router never calls back
// into pool.
// This one-way dependency is what keeps the two packages from forming a cycle.
//
// All mutation of ring/cache/replica-map state happens under a single mutex per
// policy instance and never suspends (no channel ops, no I/O) while that mutex is
// held, so a routing decision is always computed from one consistent snapshot.
package router
