package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"gitlab.com/vmfleet.net/internal/core/ports/primary"
	"gitlab.com/vmfleet.net/internal/core/ports/secondary"
	"gitlab.com/vmfleet.net/internal/core/services/ledger"
	"gitlab.com/vmfleet.net/internal/domain"
	"gitlab.com/vmfleet.net/internal/metrics"
	"gitlab.com/vmfleet.net/internal/static/errs"
)

var _ ISchedulerService = &SchedulerService{}

const (
	reasonNoWorkers  = "no workers online"
	reasonCapability = "capability"
	reasonOffline    = "worker offline"
	reasonTier       = "tier"
)

// SchedulerService implements the ISchedulerService interface
type SchedulerService struct {
	workerRepo secondary.WorkerRepository
	ledger     *ledger.Ledger
	logger     primary.Logger
	metrics    *metrics.Collector
}

// NewSchedulerService creates a new scheduler service
func NewSchedulerService(
	workerRepo secondary.WorkerRepository,
	ledger *ledger.Ledger,
	logger primary.Logger,
	metrics *metrics.Collector,
) *SchedulerService {
	return &SchedulerService{
		workerRepo: workerRepo,
		ledger:     ledger,
		logger:     logger,
		metrics:    metrics,
	}
}

// Schedule tries candidates best first. A candidate that loses a race for
// its capacity is skipped and the next one is tried.
func (s *SchedulerService) Schedule(ctx context.Context, req Request) (*domain.Worker, error) {
	if err := req.Resources.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", err.Error(), errs.ErrInvalidArgument)
	}
	if _, ok := s.ledger.Policy().Ratio(req.Tier); !ok {
		return nil, fmt.Errorf("unknown tier %q: %w", req.Tier, errs.ErrInvalidArgument)
	}

	candidates, reason, err := s.Candidates(ctx, req)
	if err != nil {
		return nil, err
	}

	for _, c := range candidates {
		err := s.ledger.Reserve(ctx, c.Worker.ID, req.Tier, req.Resources)
		if err == nil {
			s.logger.Info("Workload placed", "workerId", c.Worker.ID, "score", c.Score, "request", req.Resources.String())
			return c.Worker, nil
		}
		var noCap *errs.NoCapacityError
		if !errors.As(err, &noCap) {
			return nil, err
		}
		s.logger.Debug("Candidate lost capacity race", "workerId", c.Worker.ID, "reason", noCap.Reason)
		reason = noCap.Reason
	}

	s.metrics.RecordSchedulingFailure(reason)
	s.logger.Warn("No capacity for request", "reason", reason, "tier", req.Tier, "request", req.Resources.String())
	return nil, errs.NoCapacity(reason)
}

// Candidates filters and scores workers. When none qualify the second return
// value names the most common limiting reason.
func (s *SchedulerService) Candidates(ctx context.Context, req Request) ([]Candidate, string, error) {
	workers, err := s.workerRepo.GetAllWorkers(ctx)
	if err != nil {
		s.logger.Error("Failed to list workers", "error", err)
		return nil, "", fmt.Errorf("failed to list workers: %w", err)
	}

	rejections := make(map[string]int)
	candidates := make([]Candidate, 0, len(workers))
	for _, w := range workers {
		if req.TargetWorker != "" && w.ID != req.TargetWorker {
			continue
		}
		if !w.Schedulable() {
			rejections[reasonOffline]++
			continue
		}
		if !w.HasCapabilities(req.Capabilities) {
			rejections[reasonCapability]++
			continue
		}
		if ok, dim := s.ledger.Fits(w, req.Tier, req.Resources); !ok {
			rejections[dim]++
			continue
		}
		limit, err := s.ledger.Limits(w, req.Tier)
		if err != nil {
			rejections[reasonTier]++
			continue
		}
		candidates = append(candidates, Candidate{
			Worker: w,
			Score:  headroomScore(limit, w.Committed.Add(req.Resources)),
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Worker.ID < candidates[j].Worker.ID
	})

	if len(candidates) > 0 {
		return candidates, "", nil
	}
	return nil, dominantReason(rejections), nil
}

// headroomScore is the mean free fraction of cpu, memory and disk after
// placement. Dimensions a worker does not advertise are skipped.
func headroomScore(limit, after domain.Resources) float64 {
	var sum float64
	n := 0
	add := func(limit, used float64) {
		if limit <= 0 {
			return
		}
		sum += (limit - used) / limit
		n++
	}
	add(float64(limit.Cores), float64(after.Cores))
	add(float64(limit.MemoryMB), float64(after.MemoryMB))
	add(float64(limit.DiskGB), float64(after.DiskGB))
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func dominantReason(rejections map[string]int) string {
	if len(rejections) == 0 {
		return reasonNoWorkers
	}
	best, count := "", -1
	for reason, n := range rejections {
		if n > count || (n == count && reason < best) {
			best, count = reason, n
		}
	}
	return best
}
