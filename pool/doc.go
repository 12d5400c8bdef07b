// Package pool manages the lifecycle of staged inference engines and
// dispatches generate/embed/rerank requests to them.
//
// # Reading Guide
//
//   - engine.go: Stage state machine, per-engine metrics, EngineRuntime (the
//     seam to the external embedded inference engine)
//   - gpu.go: GPU-slot allocator, including the 1+1 shared-slot overlap
//   - manager.go: Manager — creates/activates/cools/recycles engines, the
//     periodic lifecycle loop, and request dispatch
//   - errors.go: the {message, type, code} error shape callers receive
//
// # Architecture
//
// Manager owns all Engine and GPU-slot state and is the only writer of it.
// It talks to router via router.Policy's public UpdateReplicas method (load
// and failure events reach the router from the dispatch package) — never the
// reverse — so router has no dependency
// on this package (see router/doc.go's note on breaking the cyclic graph).
//
// The embedded inference engine itself (tensor math, batching, weight
// loading) is external; Manager drives it only through the EngineRuntime
// interface.
package pool
