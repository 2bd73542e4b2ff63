package schedule

import (
	"context"

	"gitlab.com/vmfleet.net/internal/domain"
)

// Request describes what a workload needs from a worker.
type Request struct {
	Resources    domain.Resources
	Tier         domain.Tier
	Capabilities []string
	// TargetWorker restricts placement to one worker when set.
	TargetWorker string
}

func RequestFromSpec(spec domain.WorkloadSpec) Request {
	return Request{
		Resources:    spec.Resources,
		Tier:         spec.Tier,
		Capabilities: spec.Capabilities,
		TargetWorker: spec.TargetWorker,
	}
}

// Candidate is an eligible worker with its placement score.
type Candidate struct {
	Worker *domain.Worker
	Score  float64
}

// ISchedulerService places workloads onto workers
type ISchedulerService interface {
	// Schedule picks a worker and reserves capacity on it atomically. The
	// caller owns the reservation from then on.
	Schedule(ctx context.Context, req Request) (*domain.Worker, error)

	// Candidates lists eligible workers best first without reserving.
	Candidates(ctx context.Context, req Request) ([]Candidate, string, error)
}
