package worker

import (
	"context"

	"gitlab.com/vmfleet.net/internal/domain"
)

// IWorkerRegistrationService manages the worker registry.
type IWorkerRegistrationService interface {
	// RegisterWorker upserts a worker's registration data. Committed
	// capacity is never touched by a registration.
	RegisterWorker(ctx context.Context, worker *domain.Worker) (*domain.Worker, error)

	// RetireWorker takes a worker out of scheduling for good. Workers are
	// never hard-deleted.
	RetireWorker(ctx context.Context, workerID string) error

	GetWorker(ctx context.Context, workerID string) (*domain.Worker, error)

	// GetAllWorkers returns every worker annotated with recent presence.
	GetAllWorkers(ctx context.Context) ([]*domain.Worker, error)
}
