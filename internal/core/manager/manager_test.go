package manager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simlabs/simbay/internal/config"
	"github.com/simlabs/simbay/internal/core/domain"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Addr:             ":0",
		MaxInstances:     4,
		Image:            "nvcr.io/nvidia/isaac-sim:5.1.0",
		ContainerPrefix:  "simbay-instance",
		HTTPPortBase:     8211,
		SignalPortBase:   8011,
		NativePortBase:   8899,
		MemoryLimit:      "8g",
		ShmSize:          "2g",
		DataRoot:         t.TempDir(),
		GPUEnabled:       true,
		StreamingEnabled: true,
		StopGraceSeconds: 1,
		// Zero grace so a running container reports running immediately.
		ReadyGraceSeconds: 0,
	}
}

func newTestManager(t *testing.T, engine *fakeEngine) *Manager {
	t.Helper()
	m, err := New(testConfig(t), engine, zerolog.Nop())
	require.NoError(t, err)
	return m
}

func TestNewRejectsBadLimits(t *testing.T) {
	cfg := testConfig(t)
	cfg.MemoryLimit = "lots"
	_, err := New(cfg, newFakeEngine(), zerolog.Nop())
	require.Error(t, err)
}

func TestStartFromAbsent(t *testing.T) {
	engine := newFakeEngine()
	m := newTestManager(t, engine)
	ctx := context.Background()

	st, err := m.Start(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRunning, st.State)
	assert.Equal(t, 8213, st.Ports.HTTP)
	assert.NotEmpty(t, st.ContainerID)
	assert.Len(t, st.ContainerID, 12)
	assert.Empty(t, st.Error)

	c := engine.containers["simbay-instance-2"]
	require.NotNil(t, c)
	assert.Equal(t, "host", c.spec.NetworkMode)
	assert.Equal(t, "nvidia", c.spec.Runtime)
	assert.Equal(t, "true", c.spec.Labels[domain.ManagedLabel])
	assert.Equal(t, "2", c.spec.Labels[domain.InstanceLabel])
	assert.Contains(t, c.spec.Cmd, "--enable-webrtc-streaming")
	assert.Contains(t, c.spec.Cmd, "--/exts/omni.services.transport.server.http/port=8213")
}

func TestStartOnRunningIsInvalid(t *testing.T) {
	engine := newFakeEngine()
	m := newTestManager(t, engine)
	ctx := context.Background()

	_, err := m.Start(ctx, 0)
	require.NoError(t, err)

	_, err = m.Start(ctx, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	assert.Equal(t, 1, engine.createCalls)
}

func TestStartAfterStoppedRecreates(t *testing.T) {
	engine := newFakeEngine()
	m := newTestManager(t, engine)
	ctx := context.Background()

	st, err := m.Start(ctx, 1)
	require.NoError(t, err)
	firstID := st.ContainerID

	_, err = m.Stop(ctx, 1)
	require.NoError(t, err)

	st, err = m.Start(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRunning, st.State)
	// Always recreate after stopped so configuration drift is picked up.
	assert.NotEqual(t, firstID, st.ContainerID)
}

func TestStartOutOfRange(t *testing.T) {
	m := newTestManager(t, newFakeEngine())
	for _, id := range []int{-1, 4, 99} {
		_, err := m.Start(context.Background(), id)
		assert.ErrorIs(t, err, domain.ErrNotFound, "id %d", id)
	}
}

func TestStartSurfacesDaemonDiagnostic(t *testing.T) {
	engine := newFakeEngine()
	engine.createErr = errors.New(`driver failed programming external connectivity: Bind for 0.0.0.0:8211 failed: port is already allocated`)
	m := newTestManager(t, engine)

	_, err := m.Start(context.Background(), 0)
	var ce *domain.CreateError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Diagnostic, "port is already allocated")

	// The failure stays attached to the slot until an operation succeeds.
	st, derr := m.Get(context.Background(), 0)
	require.NoError(t, derr)
	assert.Equal(t, domain.StateAbsent, st.State)
	assert.Contains(t, st.Error, "port is already allocated")

	engine.createErr = nil
	_, err = m.Start(context.Background(), 0)
	require.NoError(t, err)
	st, derr = m.Get(context.Background(), 0)
	require.NoError(t, derr)
	assert.Empty(t, st.Error)
}

func TestStopKeepsContainer(t *testing.T) {
	engine := newFakeEngine()
	m := newTestManager(t, engine)
	ctx := context.Background()

	_, err := m.Start(ctx, 2)
	require.NoError(t, err)

	st, err := m.Stop(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, domain.StateStopped, st.State)
	// Binding retained: logs stay inspectable after a stop.
	assert.NotEmpty(t, st.ContainerID)
	_, ok := engine.containers["simbay-instance-2"]
	assert.True(t, ok)
}

func TestStopOnAbsentAndStopped(t *testing.T) {
	engine := newFakeEngine()
	m := newTestManager(t, engine)
	ctx := context.Background()

	_, err := m.Stop(ctx, 0)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = m.Start(ctx, 0)
	require.NoError(t, err)
	_, err = m.Stop(ctx, 0)
	require.NoError(t, err)

	_, err = m.Stop(ctx, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestRemoveRequiresStopped(t *testing.T) {
	engine := newFakeEngine()
	m := newTestManager(t, engine)
	ctx := context.Background()

	_, err := m.Start(ctx, 3)
	require.NoError(t, err)

	err = m.Remove(ctx, 3)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	// Rejected with no side effect: the container is still there.
	_, ok := engine.containers["simbay-instance-3"]
	assert.True(t, ok)

	_, err = m.Stop(ctx, 3)
	require.NoError(t, err)
	require.NoError(t, m.Remove(ctx, 3))

	st, err := m.Get(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, domain.StateAbsent, st.State)
	assert.Empty(t, st.ContainerID)
}

func TestRemoveOnAbsentIsAck(t *testing.T) {
	m := newTestManager(t, newFakeEngine())
	assert.NoError(t, m.Remove(context.Background(), 0))
}

func TestRestartOnAbsentBehavesAsStart(t *testing.T) {
	engine := newFakeEngine()
	m := newTestManager(t, engine)

	st, err := m.Restart(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRunning, st.State)
	assert.Equal(t, 1, engine.createCalls)
}

func TestRestartYieldsNewIdentity(t *testing.T) {
	engine := newFakeEngine()
	m := newTestManager(t, engine)
	ctx := context.Background()

	first, err := m.Start(ctx, 1)
	require.NoError(t, err)

	second, err := m.Restart(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRunning, second.State)
	assert.NotEqual(t, first.ContainerID, second.ContainerID)
}

func TestConcurrentStartOneWins(t *testing.T) {
	engine := newFakeEngine()
	engine.createDelay = 300 * time.Millisecond
	m := newTestManager(t, engine)

	const callers = 4
	errs := make([]error, callers)
	var ready, wg sync.WaitGroup
	ready.Add(callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ready.Done()
			ready.Wait()
			_, errs[i] = m.Start(context.Background(), 0)
		}(i)
	}
	wg.Wait()

	ok, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrConflictInProgress):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, callers-1, conflicts)
	assert.Equal(t, 1, engine.createCalls)
}

func TestOperationsOnDifferentSlotsRunInParallel(t *testing.T) {
	engine := newFakeEngine()
	engine.createDelay = 80 * time.Millisecond
	m := newTestManager(t, engine)

	start := time.Now()
	var wg sync.WaitGroup
	for id := 0; id < 4; id++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			_, err := m.Start(context.Background(), id)
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()
	// Serialized execution would take at least 4x the delay.
	assert.Less(t, time.Since(start), 240*time.Millisecond)
}

func TestStatusReflectsExternalChanges(t *testing.T) {
	engine := newFakeEngine()
	m := newTestManager(t, engine)
	ctx := context.Background()

	_, err := m.Start(ctx, 0)
	require.NoError(t, err)

	// Someone runs `docker stop` behind the manager's back.
	engine.setStatus("simbay-instance-0", "exited")
	st, err := m.Get(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.StateStopped, st.State)

	// And then `docker rm`.
	delete(engine.containers, "simbay-instance-0")
	st, err = m.Get(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.StateAbsent, st.State)
}

func TestListCoversEverySlot(t *testing.T) {
	engine := newFakeEngine()
	m := newTestManager(t, engine)
	ctx := context.Background()

	_, err := m.Start(ctx, 1)
	require.NoError(t, err)

	all, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i, st := range all {
		assert.Equal(t, i, st.InstanceID)
		assert.Equal(t, 8211+i, st.Ports.HTTP)
		assert.Equal(t, 8011+i, st.Ports.Signal)
		assert.Equal(t, 8899+i, st.Ports.Native)
	}
	assert.Equal(t, domain.StateAbsent, all[0].State)
	assert.Equal(t, domain.StateRunning, all[1].State)
}

func TestCleanupAllIsolatesFailures(t *testing.T) {
	engine := newFakeEngine()
	m := newTestManager(t, engine)
	ctx := context.Background()

	for id := 0; id < 3; id++ {
		_, err := m.Start(ctx, id)
		require.NoError(t, err)
	}
	engine.stopErr["simbay-instance-1"] = errors.New("daemon timeout while stopping")

	results := m.CleanupAll(ctx)
	require.Len(t, results, 4)
	assert.True(t, results[0].Removed)
	assert.False(t, results[1].Removed)
	assert.Contains(t, results[1].Error, "daemon timeout")
	assert.True(t, results[2].Removed)
	assert.True(t, results[3].Removed, "absent slot cleans up as a no-op")

	_, ok := engine.containers["simbay-instance-0"]
	assert.False(t, ok)
	_, ok = engine.containers["simbay-instance-1"]
	assert.True(t, ok, "failed slot's container is untouched")
}

func TestCleanupAllReapsOrphans(t *testing.T) {
	engine := newFakeEngine()
	m := newTestManager(t, engine)
	ctx := context.Background()

	// A container left behind from a run with max_instances=8, plus an
	// unrelated container that happens to carry no recognizable suffix.
	engine.containers["simbay-instance-7"] = &fakeContainer{id: "orphan", status: "exited"}
	engine.containers["somebody-elses-db"] = &fakeContainer{id: "other", status: "running"}

	results := m.CleanupAll(ctx)
	assert.True(t, results[7].Removed)
	_, ok := engine.containers["simbay-instance-7"]
	assert.False(t, ok)
	_, ok = engine.containers["somebody-elses-db"]
	assert.True(t, ok, "containers without the deterministic name are left alone")
}

func TestLogs(t *testing.T) {
	engine := newFakeEngine()
	m := newTestManager(t, engine)
	ctx := context.Background()

	_, err := m.Logs(ctx, 0, 100)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = m.Start(ctx, 0)
	require.NoError(t, err)
	out, err := m.Logs(ctx, 0, 100)
	require.NoError(t, err)
	assert.Contains(t, out, "simbay-instance-0")
}

func TestHealth(t *testing.T) {
	engine := newFakeEngine()
	m := newTestManager(t, engine)

	h := m.Health(context.Background())
	assert.True(t, h.EngineReachable)

	engine.pingErr = domain.ErrEngineUnavailable
	h = m.Health(context.Background())
	assert.False(t, h.EngineReachable)
	assert.NotEmpty(t, h.Error)
}
