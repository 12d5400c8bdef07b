package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/neutree-ai/serve-router/router"
)

// Stage is a state in an Engine's lifecycle finite-state machine (§3).
type Stage string

const (
	Uninitialized  Stage = "UNINITIALIZED"
	Stage1Ready    Stage = "STAGE1_READY"
	Stage2Active   Stage = "STAGE2_ACTIVE"
	Stage2Cooldown Stage = "STAGE2_COOLDOWN"
	StageError     Stage = "ERROR"
)

// legalTransitions enumerates the permitted non-failure transitions (§3).
// Any state may additionally transition to StageError; that edge is applied
// by Fail, which accepts any current state, so it doesn't have to be
// repeated for every row here.
var legalTransitions = map[Stage]Stage{
	Uninitialized:  Stage1Ready,
	Stage1Ready:    Stage2Active,
	Stage2Active:   Stage2Cooldown,
	Stage2Cooldown: "", // recycle destroys the engine rather than moving it
}

// EngineRuntime is the seam to the external embedded inference engine: the
// tensor math, batching, and weight loading the core does not model (§1).
// Manager calls these in the order the lifecycle loop and dispatch require;
// implementations are expected to block the calling goroutine for the
// duration of the underlying work, which Manager always invokes off its own
// locks (§5 "long operations must be off the router's critical section").
type EngineRuntime interface {
	// InitStage1 constructs the tokenizer/preprocessor without loading model
	// weights and without holding GPU memory.
	InitStage1(ctx context.Context) error
	// InitStage2 loads model weights and constructs serving components.
	InitStage2(ctx context.Context) error
	// Generate, Embed, Rerank perform the corresponding inference call.
	Generate(ctx context.Context, payload any) (any, error)
	Embed(ctx context.Context, payload any) (any, error)
	Rerank(ctx context.Context, payload any) (any, error)
	// Shutdown stops async wrappers and background loops gracefully. force is
	// true when recycling an engine in StageError.
	Shutdown(ctx context.Context, force bool) error
	// ReleaseGPUMemory empties the cache, synchronizes, and deletes the
	// engine/serving components. Called after Shutdown.
	ReleaseGPUMemory(ctx context.Context) error
}

// Metrics tracks lifecycle timestamps and request counters for one Engine
// (§3 Engine.metrics).
type Metrics struct {
	Stage1StartedAt   time.Time
	Stage1CompletedAt time.Time
	Stage2StartedAt   time.Time
	Stage2CompletedAt time.Time
	TotalRequests     int64
	LastRequestAt     time.Time
}

// Engine is a staged inference-runtime instance bound to one GPU slot.
//
// Thread-safety: Engine's own mutex guards Stage and the timestamp fields;
// ActiveRequests is a separate atomic counter since the dispatch hot path
// increments/decrements it far more often than the stage changes. Manager is
// the only intended caller of the mutating methods.
type Engine struct {
	ID      router.ReplicaID
	GPUID   int
	Runtime EngineRuntime

	mu              sync.Mutex
	stage           Stage
	metrics         Metrics
	cooldownStartAt time.Time
	activeRequests  int64

	// activationMu serializes the STAGE1_READY -> STAGE2_ACTIVE decision
	// across concurrent callers (Manager.ensureActive). It guards the
	// check-then-act window around Runtime.InitStage2, which transition's
	// own mutex cannot do since that only protects a single assignment, not
	// the decision of whether to make one.
	activationMu sync.Mutex
}

// NewEngine returns an Engine in stage UNINITIALIZED, bound to gpuID.
func NewEngine(id router.ReplicaID, gpuID int, runtime EngineRuntime) *Engine {
	return &Engine{
		ID:      id,
		GPUID:   gpuID,
		Runtime: runtime,
		stage:   Uninitialized,
	}
}

// Stage returns the engine's current lifecycle stage.
func (e *Engine) Stage() Stage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stage
}

// Metrics returns a copy of the engine's metrics.
func (e *Engine) Metrics() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.metrics
}

// ActiveRequests returns the current in-flight request count.
func (e *Engine) ActiveRequests() int64 {
	return atomic.LoadInt64(&e.activeRequests)
}

// CooldownStartAt returns when the engine entered STAGE2_COOLDOWN (zero value
// if it never has).
func (e *Engine) CooldownStartAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cooldownStartAt
}

// transition validates and applies a non-failure stage change. Panics on an
// illegal transition — a lifecycle bug in the caller, not a runtime
// condition, matching the teacher's own panic-on-invariant-violation style.
func (e *Engine) transition(to Stage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	want, ok := legalTransitions[e.stage]
	if !ok || want != to {
		panic(fmt.Sprintf("pool: illegal engine transition %s -> %s for %s", e.stage, to, e.ID))
	}
	e.stage = to
}

// MarkStage1Ready transitions UNINITIALIZED -> STAGE1_READY and records the
// stage1 timestamps. Callers must have already awaited Runtime.InitStage1.
func (e *Engine) MarkStage1Ready(now time.Time) {
	e.mu.Lock()
	e.metrics.Stage1StartedAt = now
	e.mu.Unlock()
	e.transition(Stage1Ready)
	e.mu.Lock()
	e.metrics.Stage1CompletedAt = now
	e.mu.Unlock()
}

// MarkStage2Active transitions STAGE1_READY -> STAGE2_ACTIVE. Callers must
// have already awaited Runtime.InitStage2.
func (e *Engine) MarkStage2Active(now time.Time) {
	e.mu.Lock()
	e.metrics.Stage2StartedAt = now
	e.mu.Unlock()
	e.transition(Stage2Active)
	e.mu.Lock()
	e.metrics.Stage2CompletedAt = now
	e.mu.Unlock()
}

// MarkCooldown transitions STAGE2_ACTIVE -> STAGE2_COOLDOWN and records
// cooldownStartAt = now. Only the pool manager calls this (§9 Open
// Questions: the spec fixes cooldownStartAt to be set exclusively here, so
// recycle timing is always well-defined).
func (e *Engine) MarkCooldown(now time.Time) {
	e.transition(Stage2Cooldown)
	e.mu.Lock()
	e.cooldownStartAt = now
	e.mu.Unlock()
}

// Fail transitions the engine to ERROR from any state. Unlike transition,
// this never panics — lifecycle/activation failure is an expected runtime
// condition (§4.7 Failure semantics), not a caller bug.
func (e *Engine) Fail() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stage = StageError
}

// IncrementActiveRequests records one more in-flight request.
func (e *Engine) IncrementActiveRequests() {
	atomic.AddInt64(&e.activeRequests, 1)
}

// DecrementActiveRequests records one fewer in-flight request. Safe to call
// on every exit path (success, error, cancellation) per §5 Cancellation.
func (e *Engine) DecrementActiveRequests() {
	atomic.AddInt64(&e.activeRequests, -1)
}

// RecordRequest bumps TotalRequests and LastRequestAt.
func (e *Engine) RecordRequest(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metrics.TotalRequests++
	e.metrics.LastRequestAt = now
}
