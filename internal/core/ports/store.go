package ports

import (
	"context"

	"github.com/melih/breakwater/internal/core/domain"
)

// Store is the narrow persistence interface the control plane writes
// through. The in-memory registries are fully rebuildable from it after a
// restart, so this is the only durable state in the system.
type Store interface {
	PutApp(ctx context.Context, app domain.App) error
	GetApp(ctx context.Context, id string) (domain.App, error)
	ListApps(ctx context.Context) ([]domain.App, error)
	DeleteApp(ctx context.Context, id string) error

	PutInstance(ctx context.Context, inst domain.Instance) error
	GetInstance(ctx context.Context, id string) (domain.Instance, error)
	// ListInstances returns instances for one App, or every instance when
	// appID is empty.
	ListInstances(ctx context.Context, appID string) ([]domain.Instance, error)
	DeleteInstance(ctx context.Context, id string) error
}
