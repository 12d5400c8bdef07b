package pool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/neutree-ai/serve-router/router"
	"github.com/sirupsen/logrus"
)

// Config tunes the pool manager's lifecycle loop (§4.7).
type Config struct {
	TotalSlots    int
	CooldownDelay time.Duration
	RecycleDelay  time.Duration
	TickInterval  time.Duration
}

// DefaultConfig returns the spec's defaults: 60s cooldown, 30s recycle, a 2s
// lifecycle tick, and a single GPU slot.
func DefaultConfig() Config {
	return Config{
		TotalSlots:    1,
		CooldownDelay: 60 * time.Second,
		RecycleDelay:  30 * time.Second,
		TickInterval:  2 * time.Second,
	}
}

func (c Config) normalized() Config {
	if c.TotalSlots <= 0 {
		c.TotalSlots = 1
	}
	if c.CooldownDelay <= 0 {
		c.CooldownDelay = 60 * time.Second
	}
	if c.RecycleDelay <= 0 {
		c.RecycleDelay = 30 * time.Second
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 2 * time.Second
	}
	return c
}

// ModelSpec is a model the manager can serve: its id (matched against a
// request payload's "model" field), the owner to report in model listings,
// and a constructor for the EngineRuntime seam to the embedded inference
// engine bound to a given GPU id.
type ModelSpec struct {
	ID         string
	OwnedBy    string
	NewRuntime func(gpuID int) EngineRuntime
}

// InstanceStats is one engine's row of GetStats (§6).
type InstanceStats struct {
	Stage          Stage
	GPUID          int
	Stage1Time     time.Duration
	Stage2Time     time.Duration
	TotalRequests  int64
	ActiveRequests int64
}

// Stats is the response shape of GetStats (§6).
type Stats struct {
	ActiveInstances      int
	Stage1ReadyInstances int
	CooldownInstances    int
	AvailableGPUs        int
	AvgActivationTime    time.Duration
	CooldownDelay        time.Duration
	RecycleDelay         time.Duration
	Instances            map[router.ReplicaID]InstanceStats
}

// HealthStatus is the response shape of CheckHealth (§6).
type HealthStatus struct {
	Status    string
	Ready     bool
	Instances int
}

// Model is one entry of ShowAvailableModels' data list (§6).
type Model struct {
	ID      string
	Object  string
	Created int64
	OwnedBy string
}

// ModelList is the response shape of ShowAvailableModels (§6).
type ModelList struct {
	Object string
	Data   []Model
}

// Manager creates, activates, cools, and recycles Engines, and dispatches
// generate/embed/rerank requests to them (§4.7). It is the sole owner of
// Engine and GPU-slot state (pool/doc.go), and tells router about the
// replica set's membership via UpdateReplicas as engines come and go.
type Manager struct {
	cfg    Config
	policy router.Policy
	gpu    *GPUAllocator
	models map[string]ModelSpec

	mu            sync.Mutex
	engines       map[router.ReplicaID]*Engine
	slotOf        map[router.ReplicaID]int
	modelOfEngine map[router.ReplicaID]string

	now      func() time.Time
	bootTime time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager builds a Manager over the given models, with policy kept in
// sync with the live engine set.
func NewManager(cfg Config, policy router.Policy, models []ModelSpec) *Manager {
	cfg = cfg.normalized()
	modelMap := make(map[string]ModelSpec, len(models))
	for _, spec := range models {
		modelMap[spec.ID] = spec
	}
	return &Manager{
		cfg:           cfg,
		policy:        policy,
		gpu:           NewGPUAllocator(cfg.TotalSlots),
		models:        modelMap,
		engines:       make(map[router.ReplicaID]*Engine),
		slotOf:        make(map[router.ReplicaID]int),
		modelOfEngine: make(map[router.ReplicaID]string),
		now:           time.Now,
		bootTime:      time.Now(),
		stopCh:        make(chan struct{}),
	}
}

// Start launches the periodic lifecycle loop (§4.7) until ctx is done or
// Stop is called.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.tick(ctx)
			}
		}
	}()
}

// Stop halts the lifecycle loop and waits for it to exit.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// StartModel brings up an initial stage1-ready standby for modelID. Callers
// typically do this once per configured model at boot.
func (m *Manager) StartModel(ctx context.Context, modelID string) (*Engine, error) {
	return m.spawnStandby(ctx, modelID, false)
}

// spawnStandby mints a fresh engine for modelID, allocates it a GPU slot
// (sharing a cooldown owner's slot when shared is true), and brings it to
// STAGE1_READY.
func (m *Manager) spawnStandby(ctx context.Context, modelID string, shared bool) (*Engine, error) {
	engine, err := m.createEngine(modelID, shared)
	if err != nil {
		return nil, err
	}
	if err := engine.Runtime.InitStage1(ctx); err != nil {
		engine.Fail()
		m.refreshPolicy()
		return engine, InternalError("stage1 init failed", err)
	}
	engine.MarkStage1Ready(m.now())
	m.refreshPolicy()
	return engine, nil
}

func (m *Manager) createEngine(modelID string, shared bool) (*Engine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	spec, ok := m.models[modelID]
	if !ok {
		return nil, InvalidRequest(fmt.Sprintf("unknown model %q", modelID))
	}

	stages := make(map[router.ReplicaID]Stage, len(m.engines))
	for id, e := range m.engines {
		stages[id] = e.Stage()
	}

	id := router.ReplicaID(uuid.NewString())
	slot, ok := m.gpu.Allocate(id, shared, func(owner router.ReplicaID) Stage { return stages[owner] })
	if !ok {
		return nil, ServiceUnavailable("no GPU slot available", nil)
	}

	engine := NewEngine(id, slot, spec.NewRuntime(slot))
	m.engines[id] = engine
	m.slotOf[id] = slot
	m.modelOfEngine[id] = modelID
	return engine, nil
}

// activate transitions an engine from STAGE1_READY to STAGE2_ACTIVE, driven
// by the first request that requires it (§4.7, §9 Open Questions). Callers
// must hold engine.activationMu and have already confirmed the engine is
// still STAGE1_READY; see ensureActive.
func (m *Manager) activate(ctx context.Context, engine *Engine) error {
	if err := engine.Runtime.InitStage2(ctx); err != nil {
		engine.Fail()
		return ServiceUnavailable("stage2 activation failed", err)
	}
	engine.MarkStage2Active(m.now())
	return nil
}

// ensureActive brings engine to STAGE2_ACTIVE if it is still STAGE1_READY,
// serialized by engine.activationMu so that two concurrent requests landing
// on the same cold stand-by (the scenario the 1+1 overlap design exists to
// hide latency for, §1) activate it exactly once instead of racing two
// Runtime.InitStage2 calls into Engine.transition — Engine's own mutex only
// protects a single stage assignment, not the check-then-act decision of
// whether to make one, so without this lock the loser would observe
// STAGE2_ACTIVE already set and panic on an illegal STAGE2_ACTIVE ->
// STAGE2_ACTIVE transition (§5: router/pool state mutations must not
// interleave between read and write).
//
// The lock is held for the duration of Runtime.InitStage2 itself: a second
// caller arriving mid-activation waits for the first to finish rather than
// attempting its own, which is the desired behavior (one activation, many
// waiters) rather than a violation of "long operations must be off the
// critical section" — this is a narrow per-engine lock, not Manager's own mu.
func (m *Manager) ensureActive(ctx context.Context, engine *Engine) error {
	engine.activationMu.Lock()
	defer engine.activationMu.Unlock()

	switch engine.Stage() {
	case Stage1Ready:
		return m.activate(ctx, engine)
	case Stage2Active:
		return nil
	default:
		return ServiceUnavailable(fmt.Sprintf("engine %s is not available for activation", engine.ID), nil)
	}
}

// tick runs one pass of the periodic lifecycle loop (§4.7).
func (m *Manager) tick(ctx context.Context) {
	now := m.now()

	var toCooldown, toRecycle, toForceRecycle []*Engine
	m.mu.Lock()
	for _, e := range m.engines {
		switch e.Stage() {
		case Stage2Active:
			met := e.Metrics()
			lastActivity := met.LastRequestAt
			if met.Stage2CompletedAt.After(lastActivity) {
				lastActivity = met.Stage2CompletedAt
			}
			if e.ActiveRequests() == 0 && now.Sub(lastActivity) > m.cfg.CooldownDelay {
				toCooldown = append(toCooldown, e)
			}
		case Stage2Cooldown:
			if e.ActiveRequests() == 0 && now.Sub(e.CooldownStartAt()) > m.cfg.RecycleDelay {
				toRecycle = append(toRecycle, e)
			}
		case StageError:
			toForceRecycle = append(toForceRecycle, e)
		}
	}
	m.mu.Unlock()

	for _, e := range toCooldown {
		m.enterCooldown(ctx, e)
	}
	for _, e := range toRecycle {
		m.recycle(ctx, e, false)
	}
	for _, e := range toForceRecycle {
		m.recycle(ctx, e, true)
	}
}

// enterCooldown marks e cooling and pre-warms a stage1 standby sharing its
// GPU slot, so the slot is never without a ready replacement once recycling
// begins (§4.6 1+1 overlap, scenario S8).
func (m *Manager) enterCooldown(ctx context.Context, e *Engine) {
	e.MarkCooldown(m.now())
	logrus.Infof("pool: engine %s entering cooldown", e.ID)

	modelID := m.modelOf(e.ID)
	if _, err := m.spawnStandby(ctx, modelID, true); err != nil {
		logrus.Warnf("pool: failed to pre-warm standby for %s during cooldown: %v", e.ID, err)
	}
	m.refreshPolicy()
}

// recycle executes the 5-step teardown (§4.7) for e, then ensures the slot
// has a stage1-ready replacement.
func (m *Manager) recycle(ctx context.Context, e *Engine, force bool) {
	logrus.Infof("pool: recycling engine %s (force=%v)", e.ID, force)

	if err := e.Runtime.Shutdown(ctx, force); err != nil {
		logrus.Warnf("pool: shutdown error recycling %s: %v", e.ID, err)
	}
	if err := e.Runtime.ReleaseGPUMemory(ctx); err != nil {
		logrus.Warnf("pool: GPU release error recycling %s: %v", e.ID, err)
	}

	m.mu.Lock()
	slot := m.slotOf[e.ID]
	modelID := m.modelOfEngine[e.ID]
	delete(m.engines, e.ID)
	delete(m.slotOf, e.ID)
	delete(m.modelOfEngine, e.ID)
	m.mu.Unlock()

	m.gpu.RecycleOwner(slot, e.ID)
	m.refreshPolicy()

	if m.gpu.Owner(slot) == "" {
		if _, err := m.spawnStandby(ctx, modelID, false); err != nil {
			logrus.Warnf("pool: failed to start replacement standby for slot %d: %v", slot, err)
		}
	}
}

func (m *Manager) modelOf(id router.ReplicaID) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.modelOfEngine[id]
}

// refreshPolicy publishes the current engine set to the router (§2 "on
// lifecycle events, tells the router to add or remove them from the ring").
func (m *Manager) refreshPolicy() {
	if m.policy == nil {
		return
	}
	m.mu.Lock()
	handles := make([]router.ReplicaHandle, 0, len(m.engines))
	for _, e := range m.engines {
		handles = append(handles, Handle(e))
	}
	m.mu.Unlock()
	m.policy.UpdateReplicas(handles)
}

// ReplicaHandles returns the current engines for modelID as router handles,
// for a dispatcher that routes through a router.Policy before calling back
// into DispatchEngine.
func (m *Manager) ReplicaHandles(modelID string) []router.ReplicaHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []router.ReplicaHandle
	for id, e := range m.engines {
		if m.modelOfEngine[id] == modelID {
			out = append(out, Handle(e))
		}
	}
	return out
}

// DispatchEngine runs kind ("generate", "embed", "rerank") against the
// engine identified by id, activating it first if it is still stage1-ready.
// Used by dispatch.Dispatcher once router.Policy has named a specific
// replica to try.
func (m *Manager) DispatchEngine(ctx context.Context, id router.ReplicaID, kind string, payload any) (any, error) {
	m.mu.Lock()
	engine, ok := m.engines[id]
	m.mu.Unlock()
	if !ok {
		return nil, ServiceUnavailable(fmt.Sprintf("replica %s no longer exists", id), nil)
	}
	return m.runOnEngine(ctx, engine, kind, payload)
}

// selectEngine implements §4.7's stage-preference selection across all
// engines of modelID: least-loaded STAGE2_ACTIVE, else least-loaded
// STAGE2_COOLDOWN, else any STAGE1_READY (to be activated by the caller).
func (m *Manager) selectEngine(modelID string) (*Engine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var bestActive, bestCooldown, anyStage1 *Engine
	for id, e := range m.engines {
		if m.modelOfEngine[id] != modelID {
			continue
		}
		switch e.Stage() {
		case Stage2Active:
			if bestActive == nil || e.ActiveRequests() < bestActive.ActiveRequests() {
				bestActive = e
			}
		case Stage2Cooldown:
			if bestCooldown == nil || e.ActiveRequests() < bestCooldown.ActiveRequests() {
				bestCooldown = e
			}
		case Stage1Ready:
			if anyStage1 == nil {
				anyStage1 = e
			}
		}
	}
	if bestActive != nil {
		return bestActive, nil
	}
	if bestCooldown != nil {
		return bestCooldown, nil
	}
	if anyStage1 != nil {
		return anyStage1, nil
	}
	return nil, nil
}

func (m *Manager) runOnEngine(ctx context.Context, engine *Engine, kind string, payload any) (any, error) {
	if engine.Stage() == Stage1Ready {
		if err := m.ensureActive(ctx, engine); err != nil {
			return nil, err
		}
	}

	engine.IncrementActiveRequests()
	defer engine.DecrementActiveRequests()

	var resp any
	var err error
	switch kind {
	case "generate":
		resp, err = engine.Runtime.Generate(ctx, payload)
	case "embed":
		resp, err = engine.Runtime.Embed(ctx, payload)
	case "rerank":
		resp, err = engine.Runtime.Rerank(ctx, payload)
	default:
		return nil, InvalidRequest(fmt.Sprintf("unknown request kind %q", kind))
	}
	engine.RecordRequest(m.now())
	if err != nil {
		return nil, InternalError("engine call failed", err)
	}
	return resp, nil
}

func (m *Manager) dispatch(ctx context.Context, kind string, payload any) (any, error) {
	modelID, err := ModelIDFromPayload(payload)
	if err != nil {
		return nil, err
	}
	engine, err := m.selectEngine(modelID)
	if err != nil {
		return nil, err
	}
	if engine == nil {
		return nil, ServiceUnavailable(fmt.Sprintf("no engine available for model %q", modelID), nil)
	}
	return m.runOnEngine(ctx, engine, kind, payload)
}

// Generate implements the pool manager's generate(payload) interface (§6).
func (m *Manager) Generate(ctx context.Context, payload any) (any, error) {
	return m.dispatch(ctx, "generate", payload)
}

// GenerateEmbeddings implements generate_embeddings(payload) (§6).
func (m *Manager) GenerateEmbeddings(ctx context.Context, payload any) (any, error) {
	return m.dispatch(ctx, "embed", payload)
}

// Rerank implements rerank(payload) (§6).
func (m *Manager) Rerank(ctx context.Context, payload any) (any, error) {
	return m.dispatch(ctx, "rerank", payload)
}

// ModelIDFromPayload extracts the required "model" field from a request
// payload (§6 Payload recognition). Exported for dispatch.Dispatcher, which
// needs the model id before it can ask the pool manager for that model's
// replica handles.
func ModelIDFromPayload(payload any) (string, error) {
	body, ok := payload.(map[string]any)
	if !ok {
		return "", InvalidRequest("payload must be a JSON object")
	}
	v, ok := body["model"]
	if !ok {
		return "", InvalidRequest(`payload missing required "model" field`)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", InvalidRequest(`payload "model" field must be a non-empty string`)
	}
	return s, nil
}

// GetStats implements get_stats() (§6).
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{
		CooldownDelay: m.cfg.CooldownDelay,
		RecycleDelay:  m.cfg.RecycleDelay,
		Instances:     make(map[router.ReplicaID]InstanceStats, len(m.engines)),
		AvailableGPUs: m.gpu.AvailableSlots(),
	}

	var totalActivation time.Duration
	var activationCount int
	for id, e := range m.engines {
		stage := e.Stage()
		switch stage {
		case Stage2Active:
			stats.ActiveInstances++
		case Stage1Ready:
			stats.Stage1ReadyInstances++
		case Stage2Cooldown:
			stats.CooldownInstances++
		}

		met := e.Metrics()
		if !met.Stage1StartedAt.IsZero() && !met.Stage2CompletedAt.IsZero() {
			totalActivation += met.Stage2CompletedAt.Sub(met.Stage1StartedAt)
			activationCount++
		}
		stats.Instances[id] = InstanceStats{
			Stage:          stage,
			GPUID:          e.GPUID,
			Stage1Time:     met.Stage1CompletedAt.Sub(met.Stage1StartedAt),
			Stage2Time:     met.Stage2CompletedAt.Sub(met.Stage2StartedAt),
			TotalRequests:  met.TotalRequests,
			ActiveRequests: e.ActiveRequests(),
		}
	}
	if activationCount > 0 {
		stats.AvgActivationTime = totalActivation / time.Duration(activationCount)
	}
	return stats
}

// CheckHealth implements check_health() (§6).
func (m *Manager) CheckHealth() HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	ready := false
	for _, e := range m.engines {
		if s := e.Stage(); s == Stage2Active || s == Stage2Cooldown {
			ready = true
			break
		}
	}

	status := "ok"
	switch {
	case len(m.engines) == 0:
		status = "unavailable"
	case !ready:
		status = "degraded"
	}

	return HealthStatus{Status: status, Ready: ready, Instances: len(m.engines)}
}

// ShowAvailableModels implements show_available_models() (§6), reconstructing
// the OpenAI-compatible model list from the manager's configured models
// rather than any vLLM-specific serving types (§4 Supplemented features).
func (m *Manager) ShowAvailableModels() ModelList {
	data := make([]Model, 0, len(m.models))
	for id, spec := range m.models {
		data = append(data, Model{
			ID:      id,
			Object:  "model",
			Created: m.bootTime.Unix(),
			OwnedBy: spec.OwnedBy,
		})
	}
	sort.Slice(data, func(i, j int) bool { return data[i].ID < data[j].ID })
	return ModelList{Object: "list", Data: data}
}
