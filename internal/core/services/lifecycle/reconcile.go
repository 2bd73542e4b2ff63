package lifecycle

import (
	"context"
	"fmt"

	"gitlab.com/vmfleet.net/internal/domain"
)

// ReconcileReport counts what one reconciliation pass repaired.
type ReconcileReport struct {
	Workloads   int
	Commands    int
	Transitions int
	Routes      int
	Billing     int
	Ledger      int
	Errors      int
}

func (r ReconcileReport) Repairs() int {
	return r.Commands + r.Transitions + r.Routes + r.Billing + r.Ledger
}

// Reconcile re-derives every side effect from persisted state: missing
// commands are reissued, resolved but unapplied outcomes applied, ingress
// routes and billing events brought in line with state, and each worker's
// committed capacity recomputed from its workloads. Running it after a
// crash at any point between persist and side effect restores the state an
// uninterrupted run would have reached. Running it twice changes nothing.
func (m *Manager) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	workloads, err := m.workloads.ListWorkloads(ctx, domain.WorkloadFilter{})
	if err != nil {
		m.logger.Error("Failed to list workloads for reconciliation", "error", err)
		return report, fmt.Errorf("failed to list workloads: %w", err)
	}
	for _, wl := range workloads {
		report.Workloads++
		if err := m.reconcileWorkload(ctx, wl.ID, &report); err != nil {
			report.Errors++
			m.logger.Error("Failed to reconcile workload", "workloadId", wl.ID, "error", err)
		}
	}

	workers, err := m.workers.GetAllWorkers(ctx)
	if err != nil {
		m.logger.Error("Failed to list workers for reconciliation", "error", err)
		return report, fmt.Errorf("failed to list workers: %w", err)
	}
	for _, w := range workers {
		changed, err := m.ledger.Recompute(ctx, w.ID)
		if err != nil {
			report.Errors++
			m.logger.Error("Failed to recompute ledger", "workerId", w.ID, "error", err)
			continue
		}
		if changed {
			report.Ledger++
			m.metrics.RecordReconcileRepair("ledger")
		}
	}

	if report.Repairs() > 0 {
		m.logger.Info("Reconciliation repaired state", "commands", report.Commands, "transitions", report.Transitions,
			"routes", report.Routes, "billing", report.Billing, "ledger", report.Ledger)
	}
	return report, nil
}

func (m *Manager) reconcileWorkload(ctx context.Context, workloadID string, report *ReconcileReport) error {
	unlock := m.locks.Lock(workloadID)
	defer unlock()

	wl, err := m.load(ctx, workloadID)
	if err != nil {
		return err
	}

	if _, err := m.reconcileCommandsLocked(ctx, wl, report); err != nil {
		return err
	}
	// Effects of a repaired transition may have billed it already.
	if wl, err = m.load(ctx, workloadID); err != nil {
		return err
	}
	if err := m.reconcileRouteLocked(ctx, wl, report); err != nil {
		return err
	}
	if _, ok := wl.BillingKind(); ok && wl.BilledVersion < wl.Version {
		if err := m.emitBilling(ctx, wl); err != nil {
			return err
		}
		report.Billing++
		m.metrics.RecordReconcileRepair("billing")
	}
	return nil
}

func (m *Manager) reconcileCommandsLocked(ctx context.Context, wl *domain.Workload, report *ReconcileReport) (*domain.Workload, error) {
	if wl.State == domain.StateScheduling {
		if m.now().Sub(wl.UpdatedAt) < m.schedulingGrace {
			return wl, nil
		}
		report.Transitions++
		m.metrics.RecordReconcileRepair("transition")
		return m.transitionLocked(ctx, wl, domain.StateError, TriggerReconcile, "placement interrupted", nil)
	}
	if wl.State == domain.StateDeleting && wl.WorkerID == "" {
		report.Transitions++
		m.metrics.RecordReconcileRepair("transition")
		return m.transitionLocked(ctx, wl, domain.StateDeleted, TriggerReconcile, "never placed", nil)
	}

	want, ok := wl.State.AwaitedCommand()
	if wl.PendingSpec != nil {
		want, ok = domain.CommandReconfigure, true
	}
	if !ok || wl.WorkerID == "" {
		return wl, nil
	}

	history, err := m.outbox.History(ctx, wl.ID)
	if err != nil {
		return wl, err
	}
	var cmd *domain.Command
	for _, c := range history {
		if c.Type == want && c.WorkloadVersion == wl.Version {
			cmd = c
		}
	}

	switch {
	case cmd == nil:
		if _, err := m.issueCommand(ctx, wl, want); err != nil {
			return wl, err
		}
		report.Commands++
		m.metrics.RecordReconcileRepair("command")
		return wl, nil
	case cmd.Pending():
		return wl, nil
	case cmd.Outcome == domain.OutcomeTimedOut:
		report.Transitions++
		m.metrics.RecordReconcileRepair("transition")
		reason := fmt.Sprintf("%s command %s not acknowledged in time", cmd.Type, cmd.Token)
		if want == domain.CommandReconfigure {
			return m.finishReconfigureLocked(ctx, wl, false, reason)
		}
		return m.transitionLocked(ctx, wl, domain.StateError, TriggerReconcile, reason, nil)
	default:
		report.Transitions++
		m.metrics.RecordReconcileRepair("transition")
		ack := domain.Acknowledgment{
			CommandToken: cmd.Token,
			WorkloadID:   cmd.WorkloadID,
			CommandType:  cmd.Type,
			Success:      cmd.Outcome == domain.OutcomeSucceeded,
			Result:       cmd.Result,
		}
		return m.applyOutcomeLocked(ctx, wl, cmd, ack, TriggerReconcile)
	}
}

func (m *Manager) reconcileRouteLocked(ctx context.Context, wl *domain.Workload, report *ReconcileReport) error {
	route, err := m.ingress.GetRoute(ctx, wl.ID)
	if err != nil {
		return fmt.Errorf("failed to read route: %w", err)
	}
	desired := wl.State.RouteDesired()
	switch {
	case desired && (route == nil || route.WorkerID != wl.WorkerID || (wl.NetworkAddress != "" && route.Address != wl.NetworkAddress)):
		if err := m.ensureRoute(ctx, wl); err != nil {
			return err
		}
	case !desired && route != nil:
		if err := m.ingress.RemoveRoute(ctx, wl.ID); err != nil {
			return fmt.Errorf("failed to remove route: %w", err)
		}
	default:
		return nil
	}
	report.Routes++
	m.metrics.RecordReconcileRepair("route")
	return nil
}
