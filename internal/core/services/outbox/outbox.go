// Package outbox queues commands per worker and tracks them in the command
// registry until they resolve.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gitlab.com/vmfleet.net/internal/core/ports/primary"
	"gitlab.com/vmfleet.net/internal/core/ports/secondary"
	"gitlab.com/vmfleet.net/internal/domain"
	"gitlab.com/vmfleet.net/internal/metrics"
	"gitlab.com/vmfleet.net/internal/static/errs"
)

// Outbox delivers commands at least once. A command stays queued, and is
// returned on every heartbeat of its worker, until it is resolved.
type Outbox struct {
	commands secondary.CommandRepository
	logger   primary.Logger
	metrics  *metrics.Collector
	now      func() time.Time
}

func New(commands secondary.CommandRepository, logger primary.Logger, m *metrics.Collector) *Outbox {
	return &Outbox{
		commands: commands,
		logger:   logger,
		metrics:  m,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source.
func (o *Outbox) SetClock(now func() time.Time) {
	o.now = now
}

// Issue registers a command and queues it for the worker.
func (o *Outbox) Issue(ctx context.Context, workerID string, wl *domain.Workload, t domain.CommandType, payload interface{}) (*domain.Command, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	seq, err := o.commands.NextCommandSeq(ctx)
	if err != nil {
		o.logger.Error("Failed to allocate command token", "workloadId", wl.ID, "error", err)
		return nil, fmt.Errorf("failed to allocate command token: %w", err)
	}

	cmd := &domain.Command{
		Token:           domain.TokenFromSeq(seq),
		Seq:             seq,
		WorkerID:        workerID,
		WorkloadID:      wl.ID,
		WorkloadVersion: wl.Version,
		Type:            t,
		Payload:         body,
		PayloadDigest:   domain.PayloadDigest(body),
		IssuedAt:        o.now(),
		Outcome:         domain.OutcomePending,
		InOutbox:        true,
	}
	if err := o.commands.InsertCommand(ctx, cmd); err != nil {
		o.logger.Error("Failed to insert command", "token", cmd.Token, "workloadId", wl.ID, "error", err)
		return nil, fmt.Errorf("failed to insert command: %w", err)
	}

	o.metrics.RecordCommandIssued(string(t))
	o.logger.Info("Command issued", "token", cmd.Token, "type", t, "workloadId", wl.ID, "workerId", workerID)
	return cmd, nil
}

// Drain returns every queued command for a worker and records the delivery.
// Nothing is removed; only resolution takes a command out of the queue.
func (o *Outbox) Drain(ctx context.Context, workerID string) ([]*domain.Command, error) {
	queued, err := o.commands.ListOutbox(ctx, workerID)
	if err != nil {
		o.logger.Error("Failed to list outbox", "workerId", workerID, "error", err)
		return nil, fmt.Errorf("failed to list outbox: %w", err)
	}
	if len(queued) == 0 {
		return nil, nil
	}

	tokens := make([]string, 0, len(queued))
	for _, c := range queued {
		tokens = append(tokens, c.Token)
	}
	if err := o.commands.MarkDelivered(ctx, tokens, o.now()); err != nil {
		// Delivery bookkeeping is informational; the commands still go out.
		o.logger.Warn("Failed to record delivery", "workerId", workerID, "error", err)
	}
	o.metrics.RecordCommandsDelivered(len(queued))
	return queued, nil
}

// Outstanding returns the pending commands of a workload.
func (o *Outbox) Outstanding(ctx context.Context, workloadID string) ([]*domain.Command, error) {
	all, err := o.commands.ListCommandsByWorkload(ctx, workloadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list commands: %w", err)
	}
	pending := all[:0]
	for _, c := range all {
		if c.Pending() {
			pending = append(pending, c)
		}
	}
	return pending, nil
}

// History returns all live commands of a workload in issue order.
func (o *Outbox) History(ctx context.Context, workloadID string) ([]*domain.Command, error) {
	return o.commands.ListCommandsByWorkload(ctx, workloadID)
}

// CheckConflict returns ErrConflict when a command of type t may not be
// issued because of an outstanding one on the same workload.
func (o *Outbox) CheckConflict(ctx context.Context, workloadID string, t domain.CommandType) error {
	pending, err := o.Outstanding(ctx, workloadID)
	if err != nil {
		return err
	}
	for _, c := range pending {
		if domain.ClassesConflict(c.Type.Class(), t.Class()) {
			return fmt.Errorf("%s outstanding (%s) blocks %s: %w", c.Type, c.Token, t, errs.ErrConflict)
		}
	}
	return nil
}

func (o *Outbox) Get(ctx context.Context, token string) (*domain.Command, error) {
	return o.commands.GetCommand(ctx, token)
}

// Resolve records an acknowledgment outcome. It reports false when the
// command was already resolved.
func (o *Outbox) Resolve(ctx context.Context, token string, success bool, tier int, result json.RawMessage) (bool, error) {
	outcome := domain.OutcomeFailed
	if success {
		outcome = domain.OutcomeSucceeded
	}
	applied, err := o.commands.ResolveCommand(ctx, token, outcome, tier, result, o.now())
	if err != nil {
		o.logger.Error("Failed to resolve command", "token", token, "error", err)
		return false, fmt.Errorf("failed to resolve command: %w", err)
	}
	return applied, nil
}

// ExpireUndelivered marks commands that stayed pending longer than timeout
// as timed out and returns the ones this call expired.
func (o *Outbox) ExpireUndelivered(ctx context.Context, timeout time.Duration) ([]*domain.Command, error) {
	stale, err := o.commands.ListPendingIssuedBefore(ctx, o.now().Add(-timeout))
	if err != nil {
		return nil, fmt.Errorf("failed to list stale commands: %w", err)
	}
	expired := make([]*domain.Command, 0, len(stale))
	for _, c := range stale {
		applied, err := o.commands.ResolveCommand(ctx, c.Token, domain.OutcomeTimedOut, 0, nil, o.now())
		if err != nil {
			o.logger.Error("Failed to expire command", "token", c.Token, "error", err)
			continue
		}
		if !applied {
			continue
		}
		o.metrics.RecordCommandTimedOut()
		o.logger.Warn("Command timed out", "token", c.Token, "type", c.Type, "workloadId", c.WorkloadID,
			"workerId", c.WorkerID, "deliveries", c.DeliveryCount)
		c.Outcome = domain.OutcomeTimedOut
		c.InOutbox = false
		expired = append(expired, c)
	}
	return expired, nil
}

// Archive moves commands resolved more than window ago out of the live registry.
func (o *Outbox) Archive(ctx context.Context, window time.Duration) (int, error) {
	n, err := o.commands.ArchiveResolved(ctx, o.now().Add(-window))
	if err != nil {
		return 0, fmt.Errorf("failed to archive commands: %w", err)
	}
	if n > 0 {
		o.logger.Info("Archived resolved commands", "count", n)
	}
	return n, nil
}
