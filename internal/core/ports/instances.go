package ports

import (
	"context"

	"github.com/simlabs/simbay/internal/core/domain"
)

// InstanceService is the contract the HTTP layer consumes. The lifecycle
// manager implements it; handlers never reach past it to the engine.
type InstanceService interface {
	List(ctx context.Context) ([]domain.InstanceStatus, error)
	Get(ctx context.Context, instanceID int) (domain.InstanceStatus, error)
	Start(ctx context.Context, instanceID int) (domain.InstanceStatus, error)
	Stop(ctx context.Context, instanceID int) (domain.InstanceStatus, error)
	Restart(ctx context.Context, instanceID int) (domain.InstanceStatus, error)
	Remove(ctx context.Context, instanceID int) error
	Logs(ctx context.Context, instanceID int, tail int) (string, error)
	CleanupAll(ctx context.Context) map[int]domain.CleanupResult
	Health(ctx context.Context) domain.Health
}
