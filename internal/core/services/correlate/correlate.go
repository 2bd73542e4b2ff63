// Package correlate matches worker acknowledgments to issued commands.
//
// Matching runs in tiers, most precise first:
//
//	1. exact command token
//	2. the single pending command with the same workload and type
//	3. the latest command of the workload, if its type matches and the
//	   workload is still waiting on it
//
// An acknowledgment no tier matches is logged and discarded. A command is
// resolved at most once, so replayed acknowledgments change nothing.
package correlate

import (
	"context"
	"fmt"
	"strconv"

	"gitlab.com/vmfleet.net/internal/core/ports/primary"
	"gitlab.com/vmfleet.net/internal/core/ports/secondary"
	"gitlab.com/vmfleet.net/internal/core/services/outbox"
	"gitlab.com/vmfleet.net/internal/domain"
	"gitlab.com/vmfleet.net/internal/metrics"
)

const (
	TierUnmatched = 0
	TierToken     = 1
	TierFallback  = 2
	TierLatest    = 3
)

// Applier applies a resolved command outcome to its workload.
type Applier interface {
	ApplyAcknowledgment(ctx context.Context, cmd *domain.Command, ack domain.Acknowledgment) error
}

// Resolution is what the correlator did with one acknowledgment.
type Resolution struct {
	Tier      int
	Command   *domain.Command
	Duplicate bool
}

func (r Resolution) Matched() bool {
	return r.Tier != TierUnmatched
}

type Correlator struct {
	outbox    *outbox.Outbox
	workloads secondary.WorkloadRepository
	applier   Applier
	logger    primary.Logger
	metrics   *metrics.Collector
}

func New(ob *outbox.Outbox, workloads secondary.WorkloadRepository, applier Applier, logger primary.Logger, m *metrics.Collector) *Correlator {
	return &Correlator{
		outbox:    ob,
		workloads: workloads,
		applier:   applier,
		logger:    logger,
		metrics:   m,
	}
}

// Correlate resolves ack from workerID. Errors are infrastructure failures;
// an unmatched acknowledgment is not an error.
func (c *Correlator) Correlate(ctx context.Context, workerID string, ack domain.Acknowledgment) (Resolution, error) {
	cmd, tier, err := c.match(ctx, workerID, ack)
	if err != nil {
		return Resolution{}, err
	}
	if cmd == nil {
		c.metrics.RecordCorrelation("unmatched")
		c.logger.Warn("Unmatched acknowledgment discarded", "workerId", workerID, "token", ack.CommandToken,
			"workloadId", ack.WorkloadID, "type", ack.CommandType, "success", ack.Success)
		return Resolution{Tier: TierUnmatched}, nil
	}

	if !cmd.Pending() {
		c.metrics.RecordCorrelation("duplicate")
		c.logger.Debug("Duplicate acknowledgment ignored", "token", cmd.Token, "outcome", cmd.Outcome)
		return Resolution{Tier: tier, Command: cmd, Duplicate: true}, nil
	}

	applied, err := c.outbox.Resolve(ctx, cmd.Token, ack.Success, tier, ack.Result)
	if err != nil {
		return Resolution{}, err
	}
	if !applied {
		c.metrics.RecordCorrelation("duplicate")
		return Resolution{Tier: tier, Command: cmd, Duplicate: true}, nil
	}

	c.metrics.RecordCorrelation(strconv.Itoa(tier))
	c.logger.Info("Acknowledgment correlated", "token", cmd.Token, "tier", tier, "type", cmd.Type,
		"workloadId", cmd.WorkloadID, "success", ack.Success)

	cmd.Outcome = domain.OutcomeFailed
	if ack.Success {
		cmd.Outcome = domain.OutcomeSucceeded
	}
	cmd.ResolvedTier = tier
	cmd.InOutbox = false
	if err := c.applier.ApplyAcknowledgment(ctx, cmd, ack); err != nil {
		// The command is resolved; reconciliation applies the transition
		// from the registry if this fails.
		c.logger.Error("Failed to apply acknowledgment", "token", cmd.Token, "workloadId", cmd.WorkloadID, "error", err)
		return Resolution{Tier: tier, Command: cmd}, fmt.Errorf("failed to apply acknowledgment: %w", err)
	}
	return Resolution{Tier: tier, Command: cmd}, nil
}

func (c *Correlator) match(ctx context.Context, workerID string, ack domain.Acknowledgment) (*domain.Command, int, error) {
	if ack.CommandToken != "" {
		cmd, err := c.outbox.Get(ctx, ack.CommandToken)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to look up command: %w", err)
		}
		if cmd != nil && cmd.WorkerID == workerID && consistent(cmd, ack) {
			return cmd, TierToken, nil
		}
	}

	if ack.WorkloadID == "" || !ack.CommandType.Valid() {
		return nil, TierUnmatched, nil
	}

	history, err := c.outbox.History(ctx, ack.WorkloadID)
	if err != nil {
		return nil, 0, err
	}

	var candidates []*domain.Command
	for _, cmd := range history {
		if cmd.Pending() && cmd.Type == ack.CommandType && cmd.WorkerID == workerID {
			candidates = append(candidates, cmd)
		}
	}
	if len(candidates) == 1 {
		return candidates[0], TierFallback, nil
	}

	if len(history) == 0 {
		return nil, TierUnmatched, nil
	}
	latest := history[len(history)-1]
	if !latest.Pending() || latest.Type != ack.CommandType || latest.WorkerID != workerID {
		return nil, TierUnmatched, nil
	}
	wl, err := c.workloads.GetWorkload(ctx, ack.WorkloadID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load workload: %w", err)
	}
	if wl == nil || !awaiting(wl, latest.Type) {
		return nil, TierUnmatched, nil
	}
	return latest, TierLatest, nil
}

// consistent rejects a token whose command contradicts the rest of the ack.
func consistent(cmd *domain.Command, ack domain.Acknowledgment) bool {
	if ack.WorkloadID != "" && ack.WorkloadID != cmd.WorkloadID {
		return false
	}
	if ack.CommandType != "" && ack.CommandType != cmd.Type {
		return false
	}
	return true
}

func awaiting(wl *domain.Workload, t domain.CommandType) bool {
	if t == domain.CommandReconfigure {
		return wl.PendingSpec != nil
	}
	want, ok := wl.State.AwaitedCommand()
	return ok && want == t
}
