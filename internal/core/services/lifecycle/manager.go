// Package lifecycle is the only writer of workload state. Every transition
// is validated against the state graph, persisted with a compare-and-set on
// the workload version, and only then followed by its side effects.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gitlab.com/vmfleet.net/internal/core/keylock"
	"gitlab.com/vmfleet.net/internal/core/ports/primary"
	"gitlab.com/vmfleet.net/internal/core/ports/secondary"
	"gitlab.com/vmfleet.net/internal/core/services/correlate"
	"gitlab.com/vmfleet.net/internal/core/services/ledger"
	"gitlab.com/vmfleet.net/internal/core/services/outbox"
	"gitlab.com/vmfleet.net/internal/core/services/schedule"
	"gitlab.com/vmfleet.net/internal/domain"
	"gitlab.com/vmfleet.net/internal/metrics"
	"gitlab.com/vmfleet.net/internal/static/errs"
)

var _ correlate.Applier = (*Manager)(nil)

// Trigger records what caused a transition.
type Trigger string

const (
	TriggerAPI       Trigger = "api"
	TriggerAck       Trigger = "ack"
	TriggerHeartbeat Trigger = "heartbeat"
	TriggerLiveness  Trigger = "liveness"
	TriggerTimeout   Trigger = "timeout"
	TriggerReconcile Trigger = "reconcile"
)

// Deps are the collaborators of a Manager.
type Deps struct {
	Workloads secondary.WorkloadRepository
	Workers   secondary.WorkerRepository
	Scheduler schedule.ISchedulerService
	Ledger    *ledger.Ledger
	Outbox    *outbox.Outbox
	Ingress   secondary.IngressRouter
	Billing   secondary.BillingSink
	Logger    primary.Logger
	Metrics   *metrics.Collector
	// SchedulingGrace is how long a workload may sit in scheduling before
	// reconciliation treats the placement as interrupted.
	SchedulingGrace time.Duration
}

type Manager struct {
	workloads secondary.WorkloadRepository
	workers   secondary.WorkerRepository
	scheduler schedule.ISchedulerService
	ledger    *ledger.Ledger
	outbox    *outbox.Outbox
	ingress   secondary.IngressRouter
	billing   secondary.BillingSink
	logger    primary.Logger
	metrics   *metrics.Collector

	locks           *keylock.KeyedMutex
	effects         *effectRegistry
	schedulingGrace time.Duration
	now             func() time.Time
	// skipEffects persists transitions without running side effects.
	skipEffects bool
}

func NewManager(d Deps) *Manager {
	grace := d.SchedulingGrace
	if grace <= 0 {
		grace = time.Minute
	}
	m := &Manager{
		workloads:       d.Workloads,
		workers:         d.Workers,
		scheduler:       d.Scheduler,
		ledger:          d.Ledger,
		outbox:          d.Outbox,
		ingress:         d.Ingress,
		billing:         d.Billing,
		logger:          d.Logger,
		metrics:         d.Metrics,
		locks:           keylock.New(),
		schedulingGrace: grace,
		now:             func() time.Time { return time.Now().UTC() },
	}
	m.effects = m.registerEffects()
	return m
}

// SetClock replaces the time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Transition moves a workload to state to. It returns an
// InvalidTransitionError, leaving the record untouched, when the edge is
// not in the state graph.
func (m *Manager) Transition(ctx context.Context, workloadID string, to domain.WorkloadState, trigger Trigger, reason string) (*domain.Workload, error) {
	unlock := m.locks.Lock(workloadID)
	defer unlock()

	wl, err := m.load(ctx, workloadID)
	if err != nil {
		return nil, err
	}
	return m.transitionLocked(ctx, wl, to, trigger, reason, nil)
}

func (m *Manager) load(ctx context.Context, workloadID string) (*domain.Workload, error) {
	wl, err := m.workloads.GetWorkload(ctx, workloadID)
	if err != nil {
		m.logger.Error("Failed to load workload", "workloadId", workloadID, "error", err)
		return nil, fmt.Errorf("failed to load workload: %w", err)
	}
	if wl == nil {
		return nil, fmt.Errorf("workload %s: %w", workloadID, errs.ErrNotFound)
	}
	return wl, nil
}

// transitionLocked must be called with the workload lock held. On any
// error the returned workload is the unchanged input.
func (m *Manager) transitionLocked(
	ctx context.Context,
	wl *domain.Workload,
	to domain.WorkloadState,
	trigger Trigger,
	reason string,
	mutate func(*domain.Workload),
) (*domain.Workload, error) {
	from := wl.State
	if !domain.ValidTransition(from, to) {
		m.metrics.RecordTransitionRejected()
		m.logger.Warn("Invalid transition rejected", "workloadId", wl.ID, "from", from, "to", to, "trigger", trigger)
		return wl, &errs.InvalidTransitionError{WorkloadID: wl.ID, From: string(from), To: string(to)}
	}

	next := wl.Clone()
	next.PrevState = from
	next.State = to
	next.Version = wl.Version + 1
	next.StateReason = reason
	next.UpdatedAt = m.now()
	if !to.HoldsCapacity() {
		next.Reservation = domain.Resources{}
		next.PendingSpec = nil
	}
	if kind, ok := domain.BillingKindFor(from, to); ok && kind == domain.BillingTerminated && next.TerminatedVersion == 0 {
		next.TerminatedVersion = next.Version
	}
	if mutate != nil {
		mutate(next)
	}

	if err := m.workloads.UpdateWorkload(ctx, next, wl.Version); err != nil {
		if errors.Is(err, errs.ErrStaleWrite) {
			m.metrics.RecordTransitionRejected()
		}
		m.logger.Error("Failed to persist transition", "workloadId", wl.ID, "from", from, "to", to, "error", err)
		return wl, fmt.Errorf("failed to persist transition: %w", err)
	}

	m.metrics.RecordTransition(string(from), string(to))
	m.logger.Info("Workload transitioned", "workloadId", wl.ID, "from", from, "to", to,
		"version", next.Version, "trigger", trigger, "reason", reason)

	m.runEffects(ctx, Change{From: from, To: to, Before: wl, After: next, Trigger: trigger})
	return next, nil
}

// updateLocked persists a change that keeps the state, bumping the version.
func (m *Manager) updateLocked(ctx context.Context, wl *domain.Workload, mutate func(*domain.Workload)) (*domain.Workload, error) {
	next := wl.Clone()
	next.Version = wl.Version + 1
	next.UpdatedAt = m.now()
	mutate(next)
	if err := m.workloads.UpdateWorkload(ctx, next, wl.Version); err != nil {
		m.logger.Error("Failed to update workload", "workloadId", wl.ID, "error", err)
		return wl, fmt.Errorf("failed to update workload: %w", err)
	}
	return next, nil
}
