package domain

import "time"

// InstanceState is the manager's view of a slot, derived from engine truth
// on every query and never cached.
type InstanceState string

const (
	// StateAbsent means no container with the slot's deterministic name exists.
	StateAbsent InstanceState = "absent"
	// StateStarting means a container exists and is booting (created, restarting,
	// or running but still inside the readiness grace period).
	StateStarting InstanceState = "starting"
	// StateRunning means the engine reports the container running and the
	// readiness grace period has elapsed.
	StateRunning InstanceState = "running"
	// StateStopped means the container exists but is not running (exited,
	// paused, or dead).
	StateStopped InstanceState = "stopped"
)

// InstanceStatus is the externally visible view of one slot. It is rebuilt
// from the engine on every read; Error carries the overlay from the last
// failed lifecycle operation, if any.
type InstanceStatus struct {
	InstanceID  int            `json:"instance_id"`
	State       InstanceState  `json:"state"`
	Ports       InstancePorts  `json:"ports"`
	StreamURL   string         `json:"stream_url,omitempty"`
	ContainerID string         `json:"container_id,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// RuntimeStatus is what the container engine reports about a container,
// in the engine's own vocabulary (created, running, paused, exited, dead).
type RuntimeStatus struct {
	ContainerID string
	Status      string
	ExitCode    int
	StartedAt   time.Time
	CreatedAt   time.Time
}

// Health reports whether the container engine can be reached at all.
type Health struct {
	EngineReachable bool   `json:"engine_reachable"`
	Error           string `json:"error,omitempty"`
}

// CleanupResult is the per-slot outcome of a best-effort cleanup pass.
type CleanupResult struct {
	InstanceID int    `json:"instance_id"`
	Removed    bool   `json:"removed"`
	Error      string `json:"error,omitempty"`
}
