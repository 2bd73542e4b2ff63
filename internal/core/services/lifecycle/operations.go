package lifecycle

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"gitlab.com/vmfleet.net/internal/core/services/schedule"
	"gitlab.com/vmfleet.net/internal/domain"
	"gitlab.com/vmfleet.net/internal/static/errs"
)

// Create records a workload and places it. A placement failure leaves the
// workload in error and returns a NoCapacityError with the limiting reason.
func (m *Manager) Create(ctx context.Context, ownerID string, spec domain.WorkloadSpec) (*domain.Workload, error) {
	if spec.Tier == "" {
		spec.Tier = domain.TierStandard
	}
	if err := spec.Resources.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", err.Error(), errs.ErrInvalidArgument)
	}
	if _, ok := m.ledger.Policy().Ratio(spec.Tier); !ok {
		return nil, fmt.Errorf("unknown tier %q: %w", spec.Tier, errs.ErrInvalidArgument)
	}

	now := m.now()
	wl := &domain.Workload{
		ID:        "vm-" + uuid.NewString(),
		OwnerID:   ownerID,
		Spec:      spec,
		State:     domain.StatePending,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	unlock := m.locks.Lock(wl.ID)
	defer unlock()

	if err := m.workloads.CreateWorkload(ctx, wl); err != nil {
		m.logger.Error("Failed to create workload", "workloadId", wl.ID, "error", err)
		return nil, fmt.Errorf("failed to create workload: %w", err)
	}
	m.logger.Info("Workload created", "workloadId", wl.ID, "ownerId", ownerID, "tier", spec.Tier)

	wl, err := m.transitionLocked(ctx, wl, domain.StateScheduling, TriggerAPI, "", nil)
	if err != nil {
		return wl, err
	}

	worker, err := m.scheduler.Schedule(ctx, schedule.RequestFromSpec(spec))
	if err != nil {
		failed, terr := m.transitionLocked(ctx, wl, domain.StateError, TriggerAPI, err.Error(), nil)
		if terr != nil {
			m.logger.Error("Failed to record scheduling failure", "workloadId", wl.ID, "error", terr)
		}
		return failed, err
	}

	placed, err := m.transitionLocked(ctx, wl, domain.StateProvisioning, TriggerAPI, "", func(n *domain.Workload) {
		n.WorkerID = worker.ID
		n.Reservation = spec.Resources
	})
	if err != nil {
		if cerr := m.ledger.Cancel(ctx, worker.ID, spec.Resources); cerr != nil {
			m.logger.Error("Failed to return reservation", "workloadId", wl.ID, "workerId", worker.ID, "error", cerr)
		}
		return wl, err
	}
	m.ledger.Confirm(worker.ID, spec.Resources)
	return placed, nil
}

// Delete is idempotent: deleting a deleting or deleted workload returns it
// unchanged and issues nothing.
func (m *Manager) Delete(ctx context.Context, workloadID string) (*domain.Workload, error) {
	unlock := m.locks.Lock(workloadID)
	defer unlock()

	wl, err := m.load(ctx, workloadID)
	if err != nil {
		return nil, err
	}
	if wl.State == domain.StateDeleting || wl.State == domain.StateDeleted {
		return wl, nil
	}
	if err := m.outbox.CheckConflict(ctx, wl.ID, domain.CommandDelete); err != nil {
		return wl, err
	}

	next, err := m.transitionLocked(ctx, wl, domain.StateDeleting, TriggerAPI, "", nil)
	if err != nil {
		return wl, err
	}
	if next.WorkerID == "" {
		return m.transitionLocked(ctx, next, domain.StateDeleted, TriggerAPI, "never placed", nil)
	}
	return next, nil
}

func (m *Manager) Start(ctx context.Context, workloadID string) (*domain.Workload, error) {
	return m.power(ctx, workloadID, domain.CommandStart, domain.StateStarting)
}

func (m *Manager) Stop(ctx context.Context, workloadID string) (*domain.Workload, error) {
	return m.power(ctx, workloadID, domain.CommandStop, domain.StateStopping)
}

// power moves a workload into transitional state via. Unlike Delete it is
// not idempotent: a power action already in progress or done is not an edge
// of the state graph and is rejected.
func (m *Manager) power(ctx context.Context, workloadID string, t domain.CommandType, via domain.WorkloadState) (*domain.Workload, error) {
	unlock := m.locks.Lock(workloadID)
	defer unlock()

	wl, err := m.load(ctx, workloadID)
	if err != nil {
		return nil, err
	}
	if !domain.ValidTransition(wl.State, via) {
		m.metrics.RecordTransitionRejected()
		return wl, &errs.InvalidTransitionError{WorkloadID: wl.ID, From: string(wl.State), To: string(via)}
	}
	if err := m.outbox.CheckConflict(ctx, wl.ID, t); err != nil {
		return wl, err
	}
	return m.transitionLocked(ctx, wl, via, TriggerAPI, "", nil)
}

// Reconfigure resizes a stopped workload. Growth is reserved up front; the
// new spec is committed when the worker acknowledges, and the reservation
// rolled back if it fails.
func (m *Manager) Reconfigure(ctx context.Context, workloadID string, res domain.Resources) (*domain.Workload, error) {
	if err := res.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", err.Error(), errs.ErrInvalidArgument)
	}

	unlock := m.locks.Lock(workloadID)
	defer unlock()

	wl, err := m.load(ctx, workloadID)
	if err != nil {
		return nil, err
	}
	if wl.State != domain.StateStopped {
		m.metrics.RecordTransitionRejected()
		return wl, &errs.InvalidTransitionError{WorkloadID: wl.ID, From: string(wl.State), To: "reconfigure"}
	}
	if wl.PendingSpec != nil {
		return wl, fmt.Errorf("reconfigure already pending: %w", errs.ErrConflict)
	}
	if err := m.outbox.CheckConflict(ctx, wl.ID, domain.CommandReconfigure); err != nil {
		return wl, err
	}

	spec := wl.Spec
	spec.Resources = res
	grow := res.Sub(wl.Spec.Resources).Positive()
	if !grow.IsZero() {
		if err := m.ledger.Reserve(ctx, wl.WorkerID, wl.Spec.Tier, grow); err != nil {
			return wl, err
		}
	}

	next, err := m.updateLocked(ctx, wl, func(n *domain.Workload) {
		n.PendingSpec = &spec
		n.Reservation = n.Reservation.Add(grow)
	})
	if err != nil {
		if !grow.IsZero() {
			if cerr := m.ledger.Cancel(ctx, wl.WorkerID, grow); cerr != nil {
				m.logger.Error("Failed to return reservation", "workloadId", wl.ID, "error", cerr)
			}
		}
		return wl, err
	}
	m.ledger.Confirm(wl.WorkerID, grow)

	if _, err := m.issueCommand(ctx, next, domain.CommandReconfigure); err != nil {
		// Reconciliation reissues it from the pending spec.
		m.metrics.RecordSideEffectFailure("issue-" + string(domain.CommandReconfigure))
		m.logger.Error("Failed to issue reconfigure", "workloadId", wl.ID, "error", err)
	}
	m.logger.Info("Reconfigure requested", "workloadId", wl.ID, "from", wl.Spec.Resources.String(), "to", res.String())
	return next, nil
}
