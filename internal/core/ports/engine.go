package ports

import (
	"context"
	"time"

	"github.com/simlabs/simbay/internal/core/domain"
)

// ContainerEngine is the only doorway to the container runtime. This
// interface allows us to switch between Docker, Podman, or a fake engine in
// tests without changing the lifecycle logic.
type ContainerEngine interface {
	// Ping reports whether the runtime is reachable.
	Ping(ctx context.Context) error

	// Exists reports whether a container with the given name exists,
	// running or not.
	Exists(ctx context.Context, name string) (bool, error)

	// CreateAndStart creates and starts a container from spec, returning
	// the engine's container ID. Failures carry the runtime's diagnostic.
	CreateAndStart(ctx context.Context, spec domain.CreateSpec) (string, error)

	// Stop gracefully stops the named container, force-killing after the
	// grace period. Returns domain.ErrNotFound if no such container exists.
	Stop(ctx context.Context, name string, grace time.Duration) error

	// Remove deletes the named container. Returns domain.ErrNotFound if no
	// such container exists.
	Remove(ctx context.Context, name string, force bool) error

	// Inspect returns the runtime's current view of the named container.
	// Returns domain.ErrNotFound if no such container exists.
	Inspect(ctx context.Context, name string) (domain.RuntimeStatus, error)

	// Logs returns up to tail lines of the container's output.
	Logs(ctx context.Context, name string, tail int) (string, error)

	// ListManaged returns the names of containers carrying the manager's
	// ownership label. Unrelated containers are never touched.
	ListManaged(ctx context.Context) ([]string, error)
}
