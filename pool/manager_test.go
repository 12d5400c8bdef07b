package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/neutree-ai/serve-router/internal/testutil"
	"github.com/neutree-ai/serve-router/router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, cfg Config, rt *testutil.FakeRuntime) (*Manager, *testutil.FakeClock) {
	t.Helper()
	clock := testutil.NewFakeClock(time.Unix(0, 0))
	models := []ModelSpec{{
		ID:      "test-model",
		OwnedBy: "acme",
		NewRuntime: func(gpuID int) EngineRuntime {
			return rt
		},
	}}
	m := NewManager(cfg, router.NewCHWBLPolicy(router.DefaultConfig()), models)
	m.now = clock.Now
	m.bootTime = clock.Now()
	return m, clock
}

func TestManager_StartModel_ReachesStage1Ready(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig(), &testutil.FakeRuntime{})
	e, err := m.StartModel(context.Background(), "test-model")
	require.NoError(t, err)
	assert.Equal(t, Stage1Ready, e.Stage())
}

func TestManager_StartModel_UnknownModel(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig(), &testutil.FakeRuntime{})
	_, err := m.StartModel(context.Background(), "ghost")
	require.Error(t, err)
	var poolErr *Error
	require.ErrorAs(t, err, &poolErr)
	assert.Equal(t, ErrorTypeInvalidRequest, poolErr.Type)
}

func TestManager_Generate_ActivatesStage1OnFirstRequest(t *testing.T) {
	rt := &testutil.FakeRuntime{GenerateResponse: "ok"}
	m, _ := newTestManager(t, DefaultConfig(), rt)
	_, err := m.StartModel(context.Background(), "test-model")
	require.NoError(t, err)

	resp, err := m.Generate(context.Background(), map[string]any{"model": "test-model"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
	assert.Equal(t, 1, rt.Stage2Calls)
}

func TestManager_Generate_MissingModelField(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig(), &testutil.FakeRuntime{})
	_, err := m.Generate(context.Background(), map[string]any{})
	require.Error(t, err)
	var poolErr *Error
	require.ErrorAs(t, err, &poolErr)
	assert.Equal(t, ErrorTypeInvalidRequest, poolErr.Type)
}

func TestManager_Generate_NoEngineAvailable(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig(), &testutil.FakeRuntime{})
	_, err := m.Generate(context.Background(), map[string]any{"model": "test-model"})
	require.Error(t, err)
	var poolErr *Error
	require.ErrorAs(t, err, &poolErr)
	assert.Equal(t, ErrorTypeServiceUnavailable, poolErr.Type)
}

func TestManager_Generate_ActivationFailureReturns503(t *testing.T) {
	rt := &testutil.FakeRuntime{InitStage2Err: assertErr}
	m, _ := newTestManager(t, DefaultConfig(), rt)
	_, err := m.StartModel(context.Background(), "test-model")
	require.NoError(t, err)

	_, err = m.Generate(context.Background(), map[string]any{"model": "test-model"})
	require.Error(t, err)
	var poolErr *Error
	require.ErrorAs(t, err, &poolErr)
	assert.Equal(t, ErrorTypeServiceUnavailable, poolErr.Type)
}

var assertErr = &Error{Message: "boom", Type: ErrorTypeInternal, Code: 500}

func TestManager_ActiveRequestsDecrementedOnError(t *testing.T) {
	rt := &testutil.FakeRuntime{GenerateErr: assertErr}
	m, _ := newTestManager(t, DefaultConfig(), rt)
	e, err := m.StartModel(context.Background(), "test-model")
	require.NoError(t, err)
	require.NoError(t, m.activate(context.Background(), e))

	_, err = m.Generate(context.Background(), map[string]any{"model": "test-model"})
	require.Error(t, err)
	assert.Equal(t, int64(0), e.ActiveRequests())
}

// S8: zero-downtime recycle — a cooldown engine's standby takes over its
// slot with no unassigned intermediate state, and serves successfully.
func TestManager_S8_ZeroDowntimeRecycle(t *testing.T) {
	rt := &testutil.FakeRuntime{GenerateResponse: "ok"}
	cfg := Config{TotalSlots: 1, CooldownDelay: time.Minute, RecycleDelay: time.Minute, TickInterval: time.Second}
	m, clock := newTestManager(t, cfg, rt)
	ctx := context.Background()

	e1, err := m.StartModel(ctx, "test-model")
	require.NoError(t, err)
	require.NoError(t, m.activate(ctx, e1))
	e1.RecordRequest(clock.Now())

	clock.Advance(2 * time.Minute)
	m.tick(ctx)
	assert.Equal(t, Stage2Cooldown, e1.Stage())

	// a standby should now exist, sharing e1's slot.
	m.mu.Lock()
	var standby *Engine
	for id, e := range m.engines {
		if id != e1.ID {
			standby = e
		}
	}
	m.mu.Unlock()
	require.NotNil(t, standby, "expected a pre-warmed standby during cooldown")
	assert.Equal(t, Stage1Ready, standby.Stage())
	assert.Equal(t, e1.GPUID, standby.GPUID)

	clock.Advance(2 * time.Minute)
	m.tick(ctx)

	m.mu.Lock()
	_, e1StillTracked := m.engines[e1.ID]
	m.mu.Unlock()
	assert.False(t, e1StillTracked, "recycled engine should be removed from the instance map")
	assert.Equal(t, router.ReplicaID(standby.ID), m.gpu.Owner(standby.GPUID))

	resp, err := m.Generate(ctx, map[string]any{"model": "test-model"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
	assert.Equal(t, Stage2Active, standby.Stage())
}

// Two concurrent requests landing on the same STAGE1_READY engine (the
// realistic cold-start case the 1+1 overlap design exists to hide latency
// for, §1) must activate it exactly once and never panic on a racing illegal
// transition (§5: router/pool state mutations must not interleave between
// read and write).
func TestManager_ConcurrentDispatch_ActivatesStage1EngineOnce(t *testing.T) {
	rt := &testutil.FakeRuntime{GenerateResponse: "ok", InitStage2Delay: 20 * time.Millisecond}
	m, _ := newTestManager(t, DefaultConfig(), rt)
	_, err := m.StartModel(context.Background(), "test-model")
	require.NoError(t, err)

	const concurrency = 8
	var wg sync.WaitGroup
	errs := make([]error, concurrency)
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Generate(context.Background(), map[string]any{"model": "test-model"})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, rt.Stage2Calls, "engine should activate exactly once under concurrent dispatch")
}

func TestManager_GetStats_CountsByStage(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig(), &testutil.FakeRuntime{})
	_, err := m.StartModel(context.Background(), "test-model")
	require.NoError(t, err)

	stats := m.GetStats()
	assert.Equal(t, 1, stats.Stage1ReadyInstances)
	assert.Equal(t, 0, stats.ActiveInstances)
	assert.Len(t, stats.Instances, 1)
}

func TestManager_CheckHealth_UnavailableWithNoEngines(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig(), &testutil.FakeRuntime{})
	h := m.CheckHealth()
	assert.Equal(t, "unavailable", h.Status)
	assert.False(t, h.Ready)
}

func TestManager_CheckHealth_ReadyWhenActive(t *testing.T) {
	rt := &testutil.FakeRuntime{}
	m, _ := newTestManager(t, DefaultConfig(), rt)
	e, err := m.StartModel(context.Background(), "test-model")
	require.NoError(t, err)
	require.NoError(t, m.activate(context.Background(), e))

	h := m.CheckHealth()
	assert.Equal(t, "ok", h.Status)
	assert.True(t, h.Ready)
}

func TestManager_ShowAvailableModels(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig(), &testutil.FakeRuntime{})
	list := m.ShowAvailableModels()
	assert.Equal(t, "list", list.Object)
	require.Len(t, list.Data, 1)
	assert.Equal(t, "test-model", list.Data[0].ID)
	assert.Equal(t, "acme", list.Data[0].OwnedBy)
}

// P7: stage only advances along the permitted transitions, even across a
// full create -> activate -> cooldown -> recycle cycle.
func TestManager_P7_LifecycleMonotonicity(t *testing.T) {
	rt := &testutil.FakeRuntime{}
	cfg := Config{TotalSlots: 1, CooldownDelay: time.Minute, RecycleDelay: time.Minute, TickInterval: time.Second}
	m, clock := newTestManager(t, cfg, rt)
	ctx := context.Background()

	e, err := m.StartModel(ctx, "test-model")
	require.NoError(t, err)
	assert.Equal(t, Stage1Ready, e.Stage())

	require.NoError(t, m.activate(ctx, e))
	assert.Equal(t, Stage2Active, e.Stage())

	e.RecordRequest(clock.Now())
	clock.Advance(2 * time.Minute)
	m.tick(ctx)
	assert.Equal(t, Stage2Cooldown, e.Stage())

	clock.Advance(2 * time.Minute)
	m.tick(ctx)
	m.mu.Lock()
	_, tracked := m.engines[e.ID]
	m.mu.Unlock()
	assert.False(t, tracked)
}
