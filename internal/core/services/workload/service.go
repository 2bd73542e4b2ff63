package workload

import (
	"context"

	"gitlab.com/vmfleet.net/internal/domain"
)

// View is a workload together with its public ingress route, if any.
type View struct {
	*domain.Workload
	Route *domain.Route `json:"route,omitempty"`
}

// IWorkloadService is the user-facing workload API. Every call is scoped to
// ownerID; an empty ownerID is an operator call that sees everything. A
// workload owned by someone else is reported as not found.
type IWorkloadService interface {
	Create(ctx context.Context, ownerID string, spec domain.WorkloadSpec) (*View, error)
	Get(ctx context.Context, ownerID, workloadID string) (*View, error)
	List(ctx context.Context, ownerID string, states []domain.WorkloadState) ([]*View, error)
	Delete(ctx context.Context, ownerID, workloadID string) (*View, error)
	Start(ctx context.Context, ownerID, workloadID string) (*View, error)
	Stop(ctx context.Context, ownerID, workloadID string) (*View, error)
	Reconfigure(ctx context.Context, ownerID, workloadID string, res domain.Resources) (*View, error)
	Commands(ctx context.Context, ownerID, workloadID string) ([]*domain.Command, error)
}
