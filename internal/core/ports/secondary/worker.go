package secondary

import (
	"context"
	"time"

	"gitlab.com/vmfleet.net/internal/domain"
)

type WorkerRepository interface {
	// SaveWorker upserts registration data. Committed capacity is never
	// overwritten by a save.
	SaveWorker(ctx context.Context, worker *domain.Worker) error

	// GetWorker returns nil, nil when the worker is unknown.
	GetWorker(ctx context.Context, workerID string) (*domain.Worker, error)

	GetAllWorkers(ctx context.Context) ([]*domain.Worker, error)

	// UpdateWorkerHeartbeat records a check-in, metrics and observed capacity.
	UpdateWorkerHeartbeat(ctx context.Context, workerID string, metrics domain.WorkerMetrics, observed *domain.Resources, at time.Time) error

	SetWorkerStatus(ctx context.Context, workerID string, status domain.WorkerStatus) error

	// ReserveCapacity adds delta to committed only if the result stays within
	// limit in every dimension. It reports whether the reserve was applied.
	ReserveCapacity(ctx context.Context, workerID string, delta, limit domain.Resources) (bool, error)

	// ReleaseCapacity subtracts amount from committed, flooring at zero.
	ReleaseCapacity(ctx context.Context, workerID string, amount domain.Resources) error

	SetCommittedCapacity(ctx context.Context, workerID string, committed domain.Resources) error

	// GetStaleWorkers returns online workers whose last check-in is before cutoff.
	GetStaleWorkers(ctx context.Context, cutoff time.Time) ([]*domain.Worker, error)
}

// PresenceRepository is a short-lived cache of which workers checked in recently.
type PresenceRepository interface {
	Touch(ctx context.Context, workerID string, at time.Time) error
	IsPresent(ctx context.Context, workerID string) (bool, error)
}
