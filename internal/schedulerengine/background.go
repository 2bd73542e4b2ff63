// Package schedulerengine runs the coordinator's periodic work: worker
// liveness, command delivery timeouts, reconciliation and registry archival.
package schedulerengine

import (
	"context"
	"sync"
	"time"

	"gitlab.com/vmfleet.net/internal/config"
	"gitlab.com/vmfleet.net/internal/core/ports/primary"
	"gitlab.com/vmfleet.net/internal/core/ports/secondary"
	"gitlab.com/vmfleet.net/internal/core/services/lifecycle"
	"gitlab.com/vmfleet.net/internal/core/services/outbox"
	"gitlab.com/vmfleet.net/internal/domain"
	"gitlab.com/vmfleet.net/internal/metrics"
)

type SchedulerEngine struct {
	cfg       *config.CoordinatorConfig
	workers   secondary.WorkerRepository
	workloads secondary.WorkloadRepository
	manager   *lifecycle.Manager
	outbox    *outbox.Outbox
	logger    primary.Logger
	metrics   *metrics.Collector
	now       func() time.Time
	wg        sync.WaitGroup
}

func NewSchedulerEngine(
	cfg *config.CoordinatorConfig,
	workers secondary.WorkerRepository,
	workloads secondary.WorkloadRepository,
	manager *lifecycle.Manager,
	ob *outbox.Outbox,
	logger primary.Logger,
	m *metrics.Collector,
) *SchedulerEngine {
	return &SchedulerEngine{
		cfg:       cfg,
		workers:   workers,
		workloads: workloads,
		manager:   manager,
		outbox:    ob,
		logger:    logger,
		metrics:   m,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source.
func (s *SchedulerEngine) SetClock(now func() time.Time) {
	s.now = now
}

// Start reconciles once, then runs every loop until ctx is done.
func (s *SchedulerEngine) Start(ctx context.Context) {
	s.Reconcile(ctx)

	s.every(ctx, s.cfg.HeartbeatInterval, s.CheckLiveness)
	s.every(ctx, s.cfg.SweepInterval, s.SweepDeliveries)
	s.every(ctx, s.cfg.ReconcileInterval, s.Reconcile)
	s.every(ctx, time.Hour, s.ArchiveCommands)
	s.logger.Info("Scheduler engine started", "livenessTimeout", s.cfg.LivenessTimeout(),
		"deliveryTimeout", s.cfg.DeliveryTimeout, "reconcileInterval", s.cfg.ReconcileInterval)
}

// Wait blocks until every loop has returned.
func (s *SchedulerEngine) Wait() {
	s.wg.Wait()
}

func (s *SchedulerEngine) every(ctx context.Context, interval time.Duration, run func(context.Context)) {
	if interval <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run(ctx)
			}
		}
	}()
}

// CheckLiveness marks workers that missed too many heartbeats offline and
// degrades their running workloads. Nothing is deleted; a worker that
// comes back recovers them.
func (s *SchedulerEngine) CheckLiveness(ctx context.Context) {
	cutoff := s.now().Add(-s.cfg.LivenessTimeout())
	stale, err := s.workers.GetStaleWorkers(ctx, cutoff)
	if err != nil {
		s.logger.Error("Failed to get stale workers", "error", err)
		return
	}

	for _, w := range stale {
		if err := s.workers.SetWorkerStatus(ctx, w.ID, domain.WorkerOffline); err != nil {
			s.logger.Error("Failed to mark worker offline", "workerId", w.ID, "error", err)
			continue
		}
		s.logger.Warn("Worker marked offline", "workerId", w.ID, "lastCheckIn", w.LastCheckIn)

		running, err := s.workloads.ListWorkloads(ctx, domain.WorkloadFilter{
			WorkerID: w.ID,
			States:   []domain.WorkloadState{domain.StateRunning},
		})
		if err != nil {
			s.logger.Error("Failed to list workloads of offline worker", "workerId", w.ID, "error", err)
			continue
		}
		for _, wl := range running {
			if _, err := s.manager.MarkDegraded(ctx, wl.ID, lifecycle.TriggerLiveness, "worker offline"); err != nil {
				s.logger.Error("Failed to degrade workload", "workerId", w.ID, "workloadId", wl.ID, "error", err)
			}
		}
	}

	s.recordOnline(ctx)
}

func (s *SchedulerEngine) recordOnline(ctx context.Context) {
	all, err := s.workers.GetAllWorkers(ctx)
	if err != nil {
		s.logger.Error("Failed to count online workers", "error", err)
		return
	}
	online := 0
	for _, w := range all {
		if w.Status == domain.WorkerOnline {
			online++
		}
	}
	s.metrics.SetWorkersOnline(online)
}

// SweepDeliveries times out commands left unresolved past the delivery
// timeout and notifies the lifecycle manager of each.
func (s *SchedulerEngine) SweepDeliveries(ctx context.Context) {
	expired, err := s.outbox.ExpireUndelivered(ctx, s.cfg.DeliveryTimeout)
	if err != nil {
		s.logger.Error("Failed to expire commands", "error", err)
		return
	}
	for _, cmd := range expired {
		if err := s.manager.HandleDeliveryFailure(ctx, cmd); err != nil {
			s.logger.Error("Failed to handle delivery failure", "token", cmd.Token, "workloadId", cmd.WorkloadID, "error", err)
		}
	}
}

func (s *SchedulerEngine) Reconcile(ctx context.Context) {
	if _, err := s.manager.Reconcile(ctx); err != nil {
		s.logger.Error("Reconciliation failed", "error", err)
	}
}

func (s *SchedulerEngine) ArchiveCommands(ctx context.Context) {
	if _, err := s.outbox.Archive(ctx, s.cfg.AuditWindow); err != nil {
		s.logger.Error("Failed to archive commands", "error", err)
	}
}
