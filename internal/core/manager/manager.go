// Package manager owns the slot-to-container mapping and drives lifecycle
// transitions against the container engine. State is derived from the engine
// on every read; the only thing held in process is the per-slot error overlay
// and the per-slot operation locks.
package manager

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	units "github.com/docker/go-units"
	"github.com/rs/zerolog"

	"github.com/simlabs/simbay/internal/config"
	"github.com/simlabs/simbay/internal/core/domain"
	"github.com/simlabs/simbay/internal/core/ports"
	"github.com/simlabs/simbay/internal/metrics"
)

// Manager implements ports.InstanceService over a ContainerEngine.
type Manager struct {
	cfg    config.Config
	engine ports.ContainerEngine
	alloc  domain.PortAllocator
	log    zerolog.Logger

	memBytes int64
	shmBytes int64

	// One mutex per slot. Mutations TryLock so a concurrent caller gets an
	// immediate conflict instead of queueing behind a slow engine call.
	// Reads never take these.
	slots []sync.Mutex

	mu      sync.Mutex
	lastErr map[int]string
}

// New builds a Manager from configuration and an engine. The resource limit
// strings are parsed here so a bad limit fails at startup, not mid-create.
func New(cfg config.Config, engine ports.ContainerEngine, log zerolog.Logger) (*Manager, error) {
	mem, err := units.RAMInBytes(cfg.MemoryLimit)
	if err != nil {
		return nil, fmt.Errorf("invalid memory_limit %q: %w", cfg.MemoryLimit, err)
	}
	shm, err := units.RAMInBytes(cfg.ShmSize)
	if err != nil {
		return nil, fmt.Errorf("invalid shm_size %q: %w", cfg.ShmSize, err)
	}
	return &Manager{
		cfg:    cfg,
		engine: engine,
		alloc: domain.PortAllocator{
			HTTPBase:   cfg.HTTPPortBase,
			SignalBase: cfg.SignalPortBase,
			NativeBase: cfg.NativePortBase,
		},
		log:      log,
		memBytes: mem,
		shmBytes: shm,
		slots:    make([]sync.Mutex, cfg.MaxInstances),
		lastErr:  make(map[int]string),
	}, nil
}

func (m *Manager) validSlot(instanceID int) error {
	if instanceID < 0 || instanceID >= m.cfg.MaxInstances {
		return &domain.SlotError{InstanceID: instanceID, Kind: domain.ErrNotFound}
	}
	return nil
}

// Start brings the slot's container up. Valid only from absent or stopped;
// a stopped container is removed and recreated so configuration drift (image
// tag, limits) is picked up instead of silently reusing a stale container.
func (m *Manager) Start(ctx context.Context, instanceID int) (domain.InstanceStatus, error) {
	if err := m.validSlot(instanceID); err != nil {
		return domain.InstanceStatus{}, err
	}
	if !m.slots[instanceID].TryLock() {
		return domain.InstanceStatus{}, &domain.SlotError{InstanceID: instanceID, Kind: domain.ErrConflictInProgress}
	}
	defer m.slots[instanceID].Unlock()

	done := observe("start")
	st, err := m.derive(ctx, instanceID)
	if err != nil {
		return domain.InstanceStatus{}, done(err)
	}

	switch st.State {
	case domain.StateRunning, domain.StateStarting:
		return domain.InstanceStatus{}, done(&domain.SlotError{InstanceID: instanceID, Kind: domain.ErrInvalidState})
	case domain.StateStopped:
		name := m.cfg.ContainerName(instanceID)
		if err := m.engine.Remove(ctx, name, true); err != nil && !errors.Is(err, domain.ErrNotFound) {
			m.setErr(instanceID, err.Error())
			return domain.InstanceStatus{}, done(err)
		}
	}

	if err := m.create(ctx, instanceID); err != nil {
		return domain.InstanceStatus{}, done(err)
	}
	m.clearErr(instanceID)
	st, err = m.derive(ctx, instanceID)
	return st, done(err)
}

func (m *Manager) create(ctx context.Context, instanceID int) error {
	spec := m.buildCreateSpec(instanceID)
	m.log.Info().Int("instance", instanceID).Str("name", spec.Name).
		Str("image", spec.Image).Msg("creating container")

	id, err := m.engine.CreateAndStart(ctx, spec)
	if err != nil {
		if errors.Is(err, domain.ErrEngineUnavailable) {
			return err
		}
		m.setErr(instanceID, err.Error())
		// The daemon's diagnostic is the whole signal here; keep it intact.
		return &domain.CreateError{InstanceID: instanceID, Diagnostic: err.Error()}
	}
	m.log.Info().Int("instance", instanceID).Str("container_id", id).Msg("container started")
	return nil
}

// Stop gracefully stops the slot's container. Valid from running, or from
// starting to cancel a slow boot. The container is kept around so logs stay
// inspectable and a later Start recreates cleanly.
func (m *Manager) Stop(ctx context.Context, instanceID int) (domain.InstanceStatus, error) {
	if err := m.validSlot(instanceID); err != nil {
		return domain.InstanceStatus{}, err
	}
	if !m.slots[instanceID].TryLock() {
		return domain.InstanceStatus{}, &domain.SlotError{InstanceID: instanceID, Kind: domain.ErrConflictInProgress}
	}
	defer m.slots[instanceID].Unlock()

	done := observe("stop")
	st, err := m.derive(ctx, instanceID)
	if err != nil {
		return domain.InstanceStatus{}, done(err)
	}
	switch st.State {
	case domain.StateAbsent:
		return domain.InstanceStatus{}, done(&domain.SlotError{InstanceID: instanceID, Kind: domain.ErrNotFound})
	case domain.StateStopped:
		return domain.InstanceStatus{}, done(&domain.SlotError{InstanceID: instanceID, Kind: domain.ErrInvalidState})
	}

	if err := m.stopContainer(ctx, instanceID); err != nil {
		return domain.InstanceStatus{}, done(err)
	}
	m.clearErr(instanceID)
	st, err = m.derive(ctx, instanceID)
	return st, done(err)
}

func (m *Manager) stopContainer(ctx context.Context, instanceID int) error {
	name := m.cfg.ContainerName(instanceID)
	m.log.Info().Int("instance", instanceID).Dur("grace", m.cfg.StopGrace()).Msg("stopping container")
	err := m.engine.Stop(ctx, name, m.cfg.StopGrace())
	switch {
	case err == nil, errors.Is(err, domain.ErrNotFound):
		// Already gone counts as stopped.
		return nil
	case errors.Is(err, domain.ErrEngineUnavailable):
		return err
	default:
		m.setErr(instanceID, err.Error())
		return &domain.StopError{InstanceID: instanceID, Diagnostic: err.Error()}
	}
}

// Restart is stop followed by start under one slot lock. It is idempotent
// with respect to "get me a running container": on an absent slot it behaves
// as Start, on a live one it always yields a fresh container identity.
func (m *Manager) Restart(ctx context.Context, instanceID int) (domain.InstanceStatus, error) {
	if err := m.validSlot(instanceID); err != nil {
		return domain.InstanceStatus{}, err
	}
	if !m.slots[instanceID].TryLock() {
		return domain.InstanceStatus{}, &domain.SlotError{InstanceID: instanceID, Kind: domain.ErrConflictInProgress}
	}
	defer m.slots[instanceID].Unlock()

	done := observe("restart")
	st, err := m.derive(ctx, instanceID)
	if err != nil {
		return domain.InstanceStatus{}, done(err)
	}

	name := m.cfg.ContainerName(instanceID)
	if st.State == domain.StateRunning || st.State == domain.StateStarting {
		if err := m.stopContainer(ctx, instanceID); err != nil {
			return domain.InstanceStatus{}, done(err)
		}
	}
	if st.State != domain.StateAbsent {
		if err := m.engine.Remove(ctx, name, true); err != nil && !errors.Is(err, domain.ErrNotFound) {
			m.setErr(instanceID, err.Error())
			return domain.InstanceStatus{}, done(err)
		}
	}

	if err := m.create(ctx, instanceID); err != nil {
		return domain.InstanceStatus{}, done(err)
	}
	m.clearErr(instanceID)
	st, err = m.derive(ctx, instanceID)
	return st, done(err)
}

// Remove deletes the slot's container. Running or starting slots are
// rejected: destructive operations are explicit, Stop comes first. Removing
// an already-absent slot succeeds.
func (m *Manager) Remove(ctx context.Context, instanceID int) error {
	if err := m.validSlot(instanceID); err != nil {
		return err
	}
	if !m.slots[instanceID].TryLock() {
		return &domain.SlotError{InstanceID: instanceID, Kind: domain.ErrConflictInProgress}
	}
	defer m.slots[instanceID].Unlock()

	done := observe("remove")
	st, err := m.derive(ctx, instanceID)
	if err != nil {
		return done(err)
	}
	if st.State == domain.StateRunning || st.State == domain.StateStarting {
		return done(&domain.SlotError{InstanceID: instanceID, Kind: domain.ErrInvalidState})
	}

	name := m.cfg.ContainerName(instanceID)
	if err := m.engine.Remove(ctx, name, false); err != nil && !errors.Is(err, domain.ErrNotFound) {
		if !errors.Is(err, domain.ErrEngineUnavailable) {
			m.setErr(instanceID, err.Error())
		}
		return done(err)
	}
	m.log.Info().Int("instance", instanceID).Msg("container removed")
	m.clearErr(instanceID)
	return done(nil)
}

// Logs returns up to tail lines of the slot's container output.
func (m *Manager) Logs(ctx context.Context, instanceID int, tail int) (string, error) {
	if err := m.validSlot(instanceID); err != nil {
		return "", err
	}
	out, err := m.engine.Logs(ctx, m.cfg.ContainerName(instanceID), tail)
	if errors.Is(err, domain.ErrNotFound) {
		return "", &domain.SlotError{InstanceID: instanceID, Kind: domain.ErrNotFound}
	}
	return out, err
}

// CleanupAll stops and removes every slot's container, best effort. One
// slot's failure never blocks the others; each slot reports its own outcome.
// Managed containers outside the current slot range (left behind by an
// earlier, larger max_instances) are reaped as well, found via the
// ownership label.
func (m *Manager) CleanupAll(ctx context.Context) map[int]domain.CleanupResult {
	m.log.Info().Int("slots", m.cfg.MaxInstances).Msg("cleaning up all instances")
	results := make(map[int]domain.CleanupResult, m.cfg.MaxInstances)
	for id := 0; id < m.cfg.MaxInstances; id++ {
		results[id] = m.cleanupSlot(ctx, id)
	}
	m.reapOrphans(ctx, results)
	return results
}

func (m *Manager) cleanupSlot(ctx context.Context, instanceID int) domain.CleanupResult {
	res := domain.CleanupResult{InstanceID: instanceID}
	if !m.slots[instanceID].TryLock() {
		res.Error = domain.ErrConflictInProgress.Error()
		return res
	}
	defer m.slots[instanceID].Unlock()

	name := m.cfg.ContainerName(instanceID)
	exists, err := m.engine.Exists(ctx, name)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	if !exists {
		res.Removed = true
		return res
	}

	if err := m.removeByName(ctx, name); err != nil {
		m.log.Warn().Int("instance", instanceID).Err(err).Msg("cleanup failed")
		res.Error = err.Error()
		return res
	}
	m.clearErr(instanceID)
	res.Removed = true
	return res
}

func (m *Manager) reapOrphans(ctx context.Context, results map[int]domain.CleanupResult) {
	names, err := m.engine.ListManaged(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("cleanup: could not list managed containers")
		return
	}
	prefix := m.cfg.ContainerPrefix + "-"
	for _, name := range names {
		id, err := strconv.Atoi(strings.TrimPrefix(name, prefix))
		if err != nil || (id >= 0 && id < m.cfg.MaxInstances) {
			// In-range slots were handled above; foreign names, even
			// labeled ones, are left alone.
			continue
		}
		res := domain.CleanupResult{InstanceID: id}
		if err := m.removeByName(ctx, name); err != nil {
			m.log.Warn().Str("name", name).Err(err).Msg("cleanup: orphan removal failed")
			res.Error = err.Error()
		} else {
			m.log.Info().Str("name", name).Msg("cleanup: removed orphaned container")
			res.Removed = true
		}
		results[id] = res
	}
}

func (m *Manager) removeByName(ctx context.Context, name string) error {
	if err := m.engine.Stop(ctx, name, m.cfg.StopGrace()); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	if err := m.engine.Remove(ctx, name, true); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return nil
}

// Health reports engine reachability.
func (m *Manager) Health(ctx context.Context) domain.Health {
	if err := m.engine.Ping(ctx); err != nil {
		return domain.Health{EngineReachable: false, Error: err.Error()}
	}
	return domain.Health{EngineReachable: true}
}

// Allocator exposes the port scheme, e.g. for the streaming-client proxy.
func (m *Manager) Allocator() domain.PortAllocator { return m.alloc }

func (m *Manager) buildCreateSpec(instanceID int) domain.CreateSpec {
	p := m.alloc.PortsFor(instanceID)
	instanceRoot := filepath.Join(m.cfg.DataRoot, fmt.Sprintf("instance-%d", instanceID))

	// Cache and config directories the simulator expects, one tree per
	// slot so instances never share shader caches.
	binds := []string{
		instanceRoot + "/cache/main:/isaac-sim/.cache",
		instanceRoot + "/cache/computecache:/isaac-sim/.nv/ComputeCache",
		instanceRoot + "/logs:/isaac-sim/.nvidia-omniverse/logs",
		instanceRoot + "/config:/isaac-sim/.nvidia-omniverse/config",
		instanceRoot + "/data:/isaac-sim/.local/share/ov/data",
		instanceRoot + "/pkg:/isaac-sim/.local/share/ov/pkg",
	}

	cmd := []string{"./runheadless.sh", "-v"}
	if m.cfg.StreamingEnabled {
		cmd = append(cmd,
			"--enable-webrtc-streaming",
			fmt.Sprintf("--/exts/omni.services.transport.server.http/port=%d", p.HTTP),
			fmt.Sprintf("--/exts/omni.kit.streamsdk.plugins/rtcServerPort=%d", p.Signal),
		)
	}

	runtime := ""
	if m.cfg.GPUEnabled {
		runtime = "nvidia"
	}

	return domain.CreateSpec{
		Name:  m.cfg.ContainerName(instanceID),
		Image: m.cfg.Image,
		Env: []string{
			"ACCEPT_EULA=Y",
			"PRIVACY_CONSENT=Y",
			// The RTX renderer wants a display even headless.
			"DISPLAY=:0",
		},
		Cmd:   cmd,
		Binds: binds,
		Labels: map[string]string{
			domain.ManagedLabel:  "true",
			domain.InstanceLabel: strconv.Itoa(instanceID),
		},
		User:        "1234:1234",
		NetworkMode: "host",
		Runtime:     runtime,
		MemoryBytes: m.memBytes,
		ShmBytes:    m.shmBytes,
		GPUEnabled:  m.cfg.GPUEnabled,
		Ports:       p,
	}
}

func (m *Manager) setErr(instanceID int, msg string) {
	m.mu.Lock()
	m.lastErr[instanceID] = msg
	m.mu.Unlock()
}

func (m *Manager) clearErr(instanceID int) {
	m.mu.Lock()
	delete(m.lastErr, instanceID)
	m.mu.Unlock()
}

func (m *Manager) overlayErr(instanceID int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr[instanceID]
}

// observe returns a closure that records the operation's duration and
// outcome when called with the final error.
func observe(op string) func(error) error {
	start := time.Now()
	return func(err error) error {
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.LifecycleOps.WithLabelValues(op, result).Inc()
		metrics.LifecycleDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		return err
	}
}
