package router

import "fmt"

// ReplicaID uniquely identifies a replica across its lifetime.
// Uses a distinct type (not an alias) to prevent accidental string mixing,
// matching the cluster package's InstanceID convention.
type ReplicaID string

// String implements fmt.Stringer.
func (id ReplicaID) String() string {
	return string(id)
}

// ReplicaHandle is the one-way view router holds of a replica. It deliberately
// exposes nothing about engine lifecycle (stage transitions, GPU slots) beyond
// what routing decisions need — the pool manager owns that state and pushes
// load/death/availability events into the router through the Policy interface
// instead of router reaching back into pool.
type ReplicaHandle interface {
	// ID returns the replica's stable identity.
	ID() ReplicaID
}

// RequestMetadata carries request-scoped identity threaded alongside the
// unstructured payload.
type RequestMetadata struct {
	RequestID string
}

// PendingRequest is the request a routing decision is being made for.
// Args holds an unstructured, pre-decoded payload (map[string]any, []any, or a
// scalar) — see Design Notes on dynamic payloads. A nil PendingRequest is valid
// and signals "no specific request", handled explicitly by every policy.
type PendingRequest struct {
	Args     any
	Metadata RequestMetadata
}

// Group is a set of replicas of equal routing priority. Policy.ChooseReplicas
// returns an ordered slice of Groups; callers try groups, and members within a
// group, in the order given — CHWBL's groups preserve consistent-hash
// discovery order within each priority tier (see chwbl.go).
type Group []ReplicaHandle

// Policy is the interface the dispatcher consults for every routing decision.
type Policy interface {
	// ChooseReplicas returns priority-ordered replica groups for pending, given
	// the current candidate set. A nil pending request means "any candidate is
	// acceptable" and should return all candidates as one equal-priority group.
	// An empty candidates slice always returns a single empty group.
	ChooseReplicas(candidates []ReplicaHandle, pending *PendingRequest) []Group

	// UpdateReplicas reconciles internal state with the authoritative replica
	// set. Must be atomic with respect to concurrent ChooseReplicas calls:
	// readers observe either the old or the new state, never a partial one.
	UpdateReplicas(replicas []ReplicaHandle)

	// OnNewQueueLenInfo records a fresh load observation for id.
	OnNewQueueLenInfo(id ReplicaID, load int)

	// OnReplicaActorDied removes id from ring membership immediately. Its
	// cached load is left in place (cleared only by OnReplicaActorUnavailable
	// or expiry); a policy with no ring keeps no membership to remove.
	OnReplicaActorDied(id ReplicaID)

	// OnReplicaActorUnavailable invalidates cached load for id without removing
	// it from the ring — a soft demotion, distinct from OnReplicaActorDied.
	OnReplicaActorUnavailable(id ReplicaID)

	// OnRequestCompleted decrements id's cached load, clamped at zero. A no-op
	// (logged) if id has no cache entry.
	OnRequestCompleted(id ReplicaID)
}

// simpleReplica is the package's own minimal ReplicaHandle implementation, used
// where callers just need an identity without a richer wrapper (this
// package's tests and the dispatch package's tests).
type simpleReplica struct {
	id ReplicaID
}

// NewReplicaHandle wraps a bare ReplicaID as a ReplicaHandle.
func NewReplicaHandle(id ReplicaID) ReplicaHandle {
	return simpleReplica{id: id}
}

func (r simpleReplica) ID() ReplicaID { return r.id }

func (r simpleReplica) String() string {
	return fmt.Sprintf("replica(%s)", r.id)
}
