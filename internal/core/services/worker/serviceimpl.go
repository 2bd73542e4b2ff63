package worker

import (
	"context"
	"fmt"
	"time"

	"gitlab.com/vmfleet.net/internal/core/ports/primary"
	"gitlab.com/vmfleet.net/internal/core/ports/secondary"
	"gitlab.com/vmfleet.net/internal/core/services/lifecycle"
	"gitlab.com/vmfleet.net/internal/domain"
	"gitlab.com/vmfleet.net/internal/static/errs"
)

var _ IWorkerRegistrationService = &WorkerRegistrationService{}

// Degrader moves a running workload to degraded.
type Degrader interface {
	MarkDegraded(ctx context.Context, workloadID string, trigger lifecycle.Trigger, reason string) (bool, error)
}

// WorkerRegistrationService implements the IWorkerRegistrationService interface
type WorkerRegistrationService struct {
	workerRepo   secondary.WorkerRepository
	workloadRepo secondary.WorkloadRepository
	presence     secondary.PresenceRepository
	health       Degrader
	logger       primary.Logger
	now          func() time.Time
}

// NewWorkerRegistrationService creates a new worker registration service
func NewWorkerRegistrationService(
	workerRepo secondary.WorkerRepository,
	workloadRepo secondary.WorkloadRepository,
	presence secondary.PresenceRepository,
	health Degrader,
	logger primary.Logger,
) *WorkerRegistrationService {
	return &WorkerRegistrationService{
		workerRepo:   workerRepo,
		workloadRepo: workloadRepo,
		presence:     presence,
		health:       health,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (s *WorkerRegistrationService) RegisterWorker(ctx context.Context, worker *domain.Worker) (*domain.Worker, error) {
	if worker.ID == "" {
		return nil, fmt.Errorf("worker id is required: %w", errs.ErrInvalidArgument)
	}
	if err := worker.Advertised.Validate(); err != nil {
		return nil, fmt.Errorf("invalid advertised capacity: %v: %w", err, errs.ErrInvalidArgument)
	}
	s.logger.Info("Registering worker", "workerId", worker.ID, "address", worker.Address, "advertised", worker.Advertised.String())

	existing, err := s.workerRepo.GetWorker(ctx, worker.ID)
	if err != nil {
		s.logger.Error("Failed to get worker", "workerId", worker.ID, "error", err)
		return nil, fmt.Errorf("failed to get worker: %w", err)
	}
	if existing != nil && existing.Status == domain.WorkerRetired {
		return nil, fmt.Errorf("worker %s: %w", worker.ID, errs.ErrWorkerRetired)
	}

	now := s.now()
	w := worker.Clone()
	w.Status = domain.WorkerOnline
	w.UpdatedAt = now
	w.LastCheckIn = now
	w.RegisteredAt = now
	if existing != nil {
		w.RegisteredAt = existing.RegisteredAt
	}
	if w.Connectivity == "" {
		w.Connectivity = domain.ConnectivityDirect
	}

	if err := s.workerRepo.SaveWorker(ctx, w); err != nil {
		s.logger.Error("Failed to save worker", "workerId", w.ID, "error", err)
		return nil, fmt.Errorf("failed to register worker: %w", err)
	}
	return s.workerRepo.GetWorker(ctx, w.ID)
}

// RetireWorker stops scheduling onto the worker and rejects its heartbeats.
// Its running workloads are degraded, since nothing will report on them
// again. Retiring twice degrades whatever is still running.
func (s *WorkerRegistrationService) RetireWorker(ctx context.Context, workerID string) error {
	w, err := s.GetWorker(ctx, workerID)
	if err != nil {
		return err
	}
	if w.Status != domain.WorkerRetired {
		if err := s.workerRepo.SetWorkerStatus(ctx, workerID, domain.WorkerRetired); err != nil {
			s.logger.Error("Failed to retire worker", "workerId", workerID, "error", err)
			return fmt.Errorf("failed to retire worker: %w", err)
		}
		s.logger.Info("Worker retired", "workerId", workerID, "committed", w.Committed.String())
	}
	return s.degradeRunning(ctx, workerID)
}

func (s *WorkerRegistrationService) degradeRunning(ctx context.Context, workerID string) error {
	if s.health == nil || s.workloadRepo == nil {
		return nil
	}
	running, err := s.workloadRepo.ListWorkloads(ctx, domain.WorkloadFilter{
		WorkerID: workerID,
		States:   []domain.WorkloadState{domain.StateRunning},
	})
	if err != nil {
		s.logger.Error("Failed to list workloads of retired worker", "workerId", workerID, "error", err)
		return fmt.Errorf("failed to list workloads: %w", err)
	}
	for _, wl := range running {
		if _, err := s.health.MarkDegraded(ctx, wl.ID, lifecycle.TriggerAPI, "worker retired"); err != nil {
			s.logger.Error("Failed to degrade workload", "workerId", workerID, "workloadId", wl.ID, "error", err)
			return fmt.Errorf("failed to degrade workload %s: %w", wl.ID, err)
		}
	}
	return nil
}

func (s *WorkerRegistrationService) GetWorker(ctx context.Context, workerID string) (*domain.Worker, error) {
	w, err := s.workerRepo.GetWorker(ctx, workerID)
	if err != nil {
		s.logger.Error("Failed to get worker", "workerId", workerID, "error", err)
		return nil, fmt.Errorf("failed to get worker: %w", err)
	}
	if w == nil {
		return nil, fmt.Errorf("worker %s: %w", workerID, errs.ErrNotFound)
	}
	s.annotate(ctx, w)
	return w, nil
}

func (s *WorkerRegistrationService) GetAllWorkers(ctx context.Context) ([]*domain.Worker, error) {
	s.logger.Debug("Getting all workers")

	workers, err := s.workerRepo.GetAllWorkers(ctx)
	if err != nil {
		s.logger.Error("Failed to get all workers", "error", err)
		return nil, fmt.Errorf("failed to get all workers: %w", err)
	}
	for _, w := range workers {
		s.annotate(ctx, w)
	}
	return workers, nil
}

// annotate sets IsActive from the presence cache, without modifying the
// stored worker.
func (s *WorkerRegistrationService) annotate(ctx context.Context, w *domain.Worker) {
	if s.presence == nil {
		w.IsActive = w.Status == domain.WorkerOnline
		return
	}
	present, err := s.presence.IsPresent(ctx, w.ID)
	if err != nil {
		s.logger.Warn("Failed to read worker presence", "workerId", w.ID, "error", err)
		w.IsActive = w.Status == domain.WorkerOnline
		return
	}
	w.IsActive = present && w.Status == domain.WorkerOnline
}
