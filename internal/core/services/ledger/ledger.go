// Package ledger owns per-worker committed capacity.
package ledger

import (
	"context"
	"fmt"
	"sync"

	"gitlab.com/vmfleet.net/internal/core/keylock"
	"gitlab.com/vmfleet.net/internal/core/ports/primary"
	"gitlab.com/vmfleet.net/internal/core/ports/secondary"
	"gitlab.com/vmfleet.net/internal/domain"
	"gitlab.com/vmfleet.net/internal/static/errs"
)

// Ledger reserves and releases capacity. Every mutation for a worker runs
// under that worker's lock and ends in a conditional store write, so
// committed never exceeds advertised x ratio.
type Ledger struct {
	workers   secondary.WorkerRepository
	workloads secondary.WorkloadRepository
	policy    domain.TierPolicy
	locks     *keylock.KeyedMutex
	logger    primary.Logger

	// inflight holds reservations not yet recorded on a workload row.
	// Recompute adds them so a concurrent placement is never undercounted.
	mu       sync.Mutex
	inflight map[string]domain.Resources
}

func New(workers secondary.WorkerRepository, workloads secondary.WorkloadRepository, policy domain.TierPolicy, logger primary.Logger) *Ledger {
	return &Ledger{
		workers:   workers,
		workloads: workloads,
		policy:    policy,
		locks:     keylock.New(),
		logger:    logger,
		inflight:  make(map[string]domain.Resources),
	}
}

func (l *Ledger) Policy() domain.TierPolicy {
	return l.policy
}

// Limits is advertised capacity scaled by the ratio for tier on w.
func (l *Ledger) Limits(w *domain.Worker, tier domain.Tier) (domain.Resources, error) {
	ratio, ok := w.Ratio(tier, l.policy)
	if !ok {
		return domain.Resources{}, fmt.Errorf("unknown tier %q: %w", tier, errs.ErrInvalidArgument)
	}
	return w.Advertised.Scale(ratio), nil
}

// Fits reports whether req fits on w right now, and the limiting dimension
// when it does not.
func (l *Ledger) Fits(w *domain.Worker, tier domain.Tier, req domain.Resources) (bool, string) {
	limit, err := l.Limits(w, tier)
	if err != nil {
		return false, "tier"
	}
	if dim := w.Committed.Add(req).Exceeds(limit); dim != "" {
		return false, dim
	}
	return true, ""
}

// Reserve commits req on the worker or returns a NoCapacityError. The
// reservation is held in flight until Confirm or Cancel.
func (l *Ledger) Reserve(ctx context.Context, workerID string, tier domain.Tier, req domain.Resources) error {
	unlock := l.locks.Lock(workerID)
	defer unlock()

	w, err := l.workers.GetWorker(ctx, workerID)
	if err != nil {
		l.logger.Error("Failed to load worker for reserve", "workerId", workerID, "error", err)
		return fmt.Errorf("failed to load worker: %w", err)
	}
	if w == nil {
		return fmt.Errorf("worker %s: %w", workerID, errs.ErrNotFound)
	}
	if !w.Schedulable() {
		return errs.NoCapacity("worker " + string(w.Status))
	}
	limit, err := l.Limits(w, tier)
	if err != nil {
		return err
	}
	if dim := w.Committed.Add(req).Exceeds(limit); dim != "" {
		return errs.NoCapacity(dim)
	}

	ok, err := l.workers.ReserveCapacity(ctx, workerID, req, limit)
	if err != nil {
		l.logger.Error("Failed to reserve capacity", "workerId", workerID, "error", err)
		return fmt.Errorf("failed to reserve capacity: %w", err)
	}
	if !ok {
		return errs.NoCapacity("capacity changed concurrently")
	}

	l.mu.Lock()
	l.inflight[workerID] = l.inflight[workerID].Add(req)
	l.mu.Unlock()

	l.logger.Debug("Capacity reserved", "workerId", workerID, "tier", tier, "amount", req.String())
	return nil
}

// Confirm marks an in-flight reservation as recorded on its workload.
func (l *Ledger) Confirm(workerID string, amount domain.Resources) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.settleLocked(workerID, amount)
}

func (l *Ledger) settleLocked(workerID string, amount domain.Resources) {
	rest := l.inflight[workerID].Sub(amount).FloorZero()
	if rest.IsZero() {
		delete(l.inflight, workerID)
		return
	}
	l.inflight[workerID] = rest
}

// Cancel drops an in-flight reservation and returns the capacity. Both happen
// under the worker lock so Sync and Recompute never observe one without the
// other. Cancelling more than is committed floors at zero.
func (l *Ledger) Cancel(ctx context.Context, workerID string, amount domain.Resources) error {
	unlock := l.locks.Lock(workerID)
	defer unlock()

	l.mu.Lock()
	l.settleLocked(workerID, amount)
	l.mu.Unlock()

	if amount.IsZero() {
		return nil
	}
	if err := l.workers.ReleaseCapacity(ctx, workerID, amount); err != nil {
		l.logger.Error("Failed to release capacity", "workerId", workerID, "error", err)
		return fmt.Errorf("failed to release capacity: %w", err)
	}
	l.logger.Debug("Reservation cancelled", "workerId", workerID, "amount", amount.String())
	return nil
}

// Sync sets committed capacity of a worker to the reservations recorded on
// its workloads plus those in flight. Capacity held by a workload is
// returned this way once its row no longer carries the reservation, so a
// concurrent Recompute can never cause the same amount to be returned twice.
func (l *Ledger) Sync(ctx context.Context, workerID string) error {
	_, err := l.recompute(ctx, workerID, false)
	return err
}

// Recompute rebuilds committed capacity of a worker from the reservations
// recorded on its workloads. It reports whether the stored value changed.
func (l *Ledger) Recompute(ctx context.Context, workerID string) (bool, error) {
	return l.recompute(ctx, workerID, true)
}

func (l *Ledger) recompute(ctx context.Context, workerID string, drift bool) (bool, error) {
	unlock := l.locks.Lock(workerID)
	defer unlock()

	w, err := l.workers.GetWorker(ctx, workerID)
	if err != nil {
		return false, fmt.Errorf("failed to load worker: %w", err)
	}
	if w == nil {
		return false, fmt.Errorf("worker %s: %w", workerID, errs.ErrNotFound)
	}
	workloads, err := l.workloads.ListWorkloads(ctx, domain.WorkloadFilter{WorkerID: workerID})
	if err != nil {
		return false, fmt.Errorf("failed to list workloads: %w", err)
	}

	var want domain.Resources
	for _, wl := range workloads {
		want = want.Add(wl.Reservation)
	}
	l.mu.Lock()
	want = want.Add(l.inflight[workerID])
	l.mu.Unlock()

	if want == w.Committed {
		return false, nil
	}
	if err := l.workers.SetCommittedCapacity(ctx, workerID, want); err != nil {
		l.logger.Error("Failed to set committed capacity", "workerId", workerID, "error", err)
		return false, fmt.Errorf("failed to set committed capacity: %w", err)
	}
	if drift {
		l.logger.Warn("Ledger drift repaired", "workerId", workerID, "was", w.Committed.String(), "now", want.String())
	} else {
		l.logger.Debug("Capacity released", "workerId", workerID, "was", w.Committed.String(), "now", want.String())
	}
	return true, nil
}
