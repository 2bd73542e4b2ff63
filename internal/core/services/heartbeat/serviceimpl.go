package heartbeat

import (
	"context"
	"fmt"
	"time"

	"gitlab.com/vmfleet.net/internal/core/ports/primary"
	"gitlab.com/vmfleet.net/internal/core/ports/secondary"
	"gitlab.com/vmfleet.net/internal/core/services/correlate"
	"gitlab.com/vmfleet.net/internal/core/services/lifecycle"
	"gitlab.com/vmfleet.net/internal/core/services/outbox"
	"gitlab.com/vmfleet.net/internal/domain"
	"gitlab.com/vmfleet.net/internal/metrics"
	"gitlab.com/vmfleet.net/internal/static/errs"
)

var _ IHeartbeatService = &HeartbeatService{}

// HealthMarker applies worker-reported workload health. Only the
// Running/Degraded edges are ever taken from a report.
type HealthMarker interface {
	MarkDegraded(ctx context.Context, workloadID string, trigger lifecycle.Trigger, reason string) (bool, error)
	MarkRecovered(ctx context.Context, workloadID string, trigger lifecycle.Trigger) (bool, error)
}

type HeartbeatService struct {
	workers    secondary.WorkerRepository
	workloads  secondary.WorkloadRepository
	presence   secondary.PresenceRepository
	schedCfg   secondary.SchedulingConfigRepository
	correlator *correlate.Correlator
	health     HealthMarker
	outbox     *outbox.Outbox
	logger     primary.Logger
	metrics    *metrics.Collector
	now        func() time.Time
}

func NewHeartbeatService(
	workers secondary.WorkerRepository,
	workloads secondary.WorkloadRepository,
	presence secondary.PresenceRepository,
	schedCfg secondary.SchedulingConfigRepository,
	correlator *correlate.Correlator,
	health HealthMarker,
	ob *outbox.Outbox,
	logger primary.Logger,
	m *metrics.Collector,
) *HeartbeatService {
	return &HeartbeatService{
		workers:    workers,
		workloads:  workloads,
		presence:   presence,
		schedCfg:   schedCfg,
		correlator: correlator,
		health:     health,
		outbox:     ob,
		logger:     logger,
		metrics:    m,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source.
func (s *HeartbeatService) SetClock(now func() time.Time) {
	s.now = now
}

func (s *HeartbeatService) Handle(ctx context.Context, req domain.HeartbeatRequest) (*domain.HeartbeatResponse, error) {
	started := time.Now()
	defer func() { s.metrics.ObserveHeartbeat(time.Since(started).Seconds()) }()

	worker, err := s.workers.GetWorker(ctx, req.WorkerID)
	if err != nil {
		s.logger.Error("Failed to get worker for heartbeat", "workerId", req.WorkerID, "error", err)
		return nil, fmt.Errorf("failed to get worker: %w", err)
	}
	if worker == nil {
		return nil, fmt.Errorf("worker %s: %w", req.WorkerID, errs.ErrNotFound)
	}
	if worker.Status == domain.WorkerRetired {
		s.logger.Warn("Heartbeat from retired worker rejected", "workerId", worker.ID)
		return nil, fmt.Errorf("worker %s: %w", worker.ID, errs.ErrWorkerRetired)
	}

	// Acknowledgments go first so that resolved commands are not handed
	// back in this same response.
	for _, ack := range req.Acks {
		if _, err := s.correlator.Correlate(ctx, worker.ID, ack); err != nil {
			s.logger.Error("Failed to correlate acknowledgment", "workerId", worker.ID,
				"token", ack.CommandToken, "workloadId", ack.WorkloadID, "error", err)
		}
	}

	now := s.now()
	if err := s.workers.UpdateWorkerHeartbeat(ctx, worker.ID, req.Metrics, req.ObservedCapacity, now); err != nil {
		s.logger.Error("Failed to update worker heartbeat", "workerId", worker.ID, "error", err)
		return nil, fmt.Errorf("failed to update worker heartbeat: %w", err)
	}
	rejoined := worker.Status == domain.WorkerOffline
	if rejoined {
		if err := s.workers.SetWorkerStatus(ctx, worker.ID, domain.WorkerOnline); err != nil {
			s.logger.Error("Failed to mark worker online", "workerId", worker.ID, "error", err)
			return nil, fmt.Errorf("failed to mark worker online: %w", err)
		}
		s.logger.Info("Worker back online", "workerId", worker.ID, "lastCheckIn", worker.LastCheckIn)
	}
	if s.presence != nil {
		if err := s.presence.Touch(ctx, worker.ID, now); err != nil {
			s.logger.Warn("Failed to refresh worker presence", "workerId", worker.ID, "error", err)
		}
	}

	s.applyReportedWorkloads(ctx, worker.ID, req.ActiveWorkloads, rejoined)

	queued, err := s.outbox.Drain(ctx, worker.ID)
	if err != nil {
		return nil, err
	}
	resp := &domain.HeartbeatResponse{
		Acknowledged:    true,
		PendingCommands: make([]domain.CommandEnvelope, 0, len(queued)),
	}
	for _, cmd := range queued {
		resp.PendingCommands = append(resp.PendingCommands, cmd.Envelope())
	}

	cfg, err := s.schedCfg.GetCurrent(ctx)
	if err != nil {
		// Commands still go out; the worker asks again next time.
		s.logger.Warn("Failed to read scheduling config", "workerId", worker.ID, "error", err)
		resp.ConfigVersion = req.KnownConfigVersion
		return resp, nil
	}
	resp.ConfigVersion = cfg.Version
	if req.KnownConfigVersion < cfg.Version {
		resp.SchedulingConfig = cfg.Body
	}

	s.logger.Debug("Heartbeat handled", "workerId", worker.ID, "acks", len(req.Acks),
		"delivered", len(resp.PendingCommands), "configVersion", resp.ConfigVersion)
	return resp, nil
}

// applyReportedWorkloads compares the worker's report against the workloads
// assigned to it. A nil report says nothing, except that a worker coming
// back from offline recovers the workloads the liveness monitor degraded.
func (s *HeartbeatService) applyReportedWorkloads(ctx context.Context, workerID string, reported []string, rejoined bool) {
	if reported == nil && !rejoined {
		return
	}
	assigned, err := s.workloads.ListWorkloads(ctx, domain.WorkloadFilter{
		WorkerID: workerID,
		States:   []domain.WorkloadState{domain.StateRunning, domain.StateDegraded},
	})
	if err != nil {
		s.logger.Error("Failed to list workloads for heartbeat", "workerId", workerID, "error", err)
		return
	}

	present := make(map[string]struct{}, len(reported))
	for _, id := range reported {
		present[id] = struct{}{}
	}
	for _, wl := range assigned {
		_, ok := present[wl.ID]
		if reported == nil {
			ok = true
		}
		var err error
		switch {
		case wl.State == domain.StateRunning && !ok:
			_, err = s.health.MarkDegraded(ctx, wl.ID, lifecycle.TriggerHeartbeat, "not reported by worker")
		case wl.State == domain.StateDegraded && ok:
			_, err = s.health.MarkRecovered(ctx, wl.ID, lifecycle.TriggerHeartbeat)
		}
		if err != nil {
			s.logger.Error("Failed to apply reported workload state", "workerId", workerID, "workloadId", wl.ID, "error", err)
		}
	}

	if len(reported) > 0 {
		known := make(map[string]struct{}, len(assigned))
		for _, wl := range assigned {
			known[wl.ID] = struct{}{}
		}
		for _, id := range reported {
			if _, ok := known[id]; !ok {
				s.logger.Debug("Worker reports workload not running on it", "workerId", workerID, "workloadId", id)
			}
		}
	}
}
