package secondary

import (
	"context"

	"gitlab.com/vmfleet.net/internal/domain"
)

type WorkloadRepository interface {
	CreateWorkload(ctx context.Context, workload *domain.Workload) error

	// GetWorkload returns nil, nil when the workload is unknown.
	GetWorkload(ctx context.Context, workloadID string) (*domain.Workload, error)

	ListWorkloads(ctx context.Context, filter domain.WorkloadFilter) ([]*domain.Workload, error)

	// UpdateWorkload persists workload only if the stored version equals
	// expectedVersion, otherwise it returns errs.ErrStaleWrite. The billed
	// version is not written.
	UpdateWorkload(ctx context.Context, workload *domain.Workload, expectedVersion int64) error

	// MarkBilled raises the billed version; it never lowers it.
	MarkBilled(ctx context.Context, workloadID string, version int64) error
}
