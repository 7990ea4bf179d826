package manager

import (
	"context"
	"errors"
	"time"

	"github.com/simlabs/simbay/internal/core/domain"
)

// Get returns the slot's status, re-derived from the engine. Reads take no
// slot lock, so they may observe an in-flight transition mid-way; that is an
// accurate answer, not a race.
func (m *Manager) Get(ctx context.Context, instanceID int) (domain.InstanceStatus, error) {
	if err := m.validSlot(instanceID); err != nil {
		return domain.InstanceStatus{}, err
	}
	return m.derive(ctx, instanceID)
}

// List returns the status of every slot.
func (m *Manager) List(ctx context.Context) ([]domain.InstanceStatus, error) {
	out := make([]domain.InstanceStatus, 0, m.cfg.MaxInstances)
	for id := 0; id < m.cfg.MaxInstances; id++ {
		st, err := m.derive(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// derive asks the engine for the truth about one slot and translates it into
// the manager's vocabulary. Nothing here is cached: the engine is the single
// source of state, which is what lets the manager survive engine restarts and
// containers stopped behind its back.
func (m *Manager) derive(ctx context.Context, instanceID int) (domain.InstanceStatus, error) {
	st := domain.InstanceStatus{
		InstanceID: instanceID,
		State:      domain.StateAbsent,
		Ports:      m.alloc.PortsFor(instanceID),
		Error:      m.overlayErr(instanceID),
	}
	if m.cfg.StreamingEnabled {
		st.StreamURL = m.alloc.StreamURL(instanceID)
	}

	rs, err := m.engine.Inspect(ctx, m.cfg.ContainerName(instanceID))
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return st, nil
	case err != nil:
		return domain.InstanceStatus{}, err
	}

	st.State = stateFor(rs, time.Now(), m.cfg.ReadyGrace())
	st.ContainerID = shortID(rs.ContainerID)
	if !rs.StartedAt.IsZero() && (st.State == domain.StateRunning || st.State == domain.StateStarting) {
		started := rs.StartedAt
		st.StartedAt = &started
	}
	return st, nil
}

// stateFor maps the engine's status vocabulary onto the manager's. A running
// container is still "starting" until its uptime clears the readiness grace:
// the simulator compiles shaders long after its process is up, and reporting
// "running" before the stream endpoint can answer misleads operators.
// Anything unrecognized maps to absent, never to a false "running".
func stateFor(rs domain.RuntimeStatus, now time.Time, readyGrace time.Duration) domain.InstanceState {
	switch rs.Status {
	case "created", "restarting":
		return domain.StateStarting
	case "running":
		if now.Sub(rs.StartedAt) < readyGrace {
			return domain.StateStarting
		}
		return domain.StateRunning
	case "paused", "exited", "dead":
		return domain.StateStopped
	default:
		return domain.StateAbsent
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
