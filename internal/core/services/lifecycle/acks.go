package lifecycle

import (
	"context"
	"fmt"

	"gitlab.com/vmfleet.net/internal/domain"
)

// ApplyAcknowledgment drives the transition a resolved command implies. An
// outcome for a workload that has already moved on is logged and ignored.
func (m *Manager) ApplyAcknowledgment(ctx context.Context, cmd *domain.Command, ack domain.Acknowledgment) error {
	unlock := m.locks.Lock(cmd.WorkloadID)
	defer unlock()

	wl, err := m.workloads.GetWorkload(ctx, cmd.WorkloadID)
	if err != nil {
		return fmt.Errorf("failed to load workload: %w", err)
	}
	if wl == nil {
		m.logger.Warn("Acknowledgment for unknown workload", "workloadId", cmd.WorkloadID, "token", cmd.Token)
		return nil
	}
	_, err = m.applyOutcomeLocked(ctx, wl, cmd, ack, TriggerAck)
	return err
}

func (m *Manager) applyOutcomeLocked(ctx context.Context, wl *domain.Workload, cmd *domain.Command, ack domain.Acknowledgment, trigger Trigger) (*domain.Workload, error) {
	if cmd.Type == domain.CommandReconfigure {
		return m.finishReconfigureLocked(ctx, wl, ack.Success, ack.Error)
	}

	from, to, ok := domain.AckTarget(cmd.Type, ack.Success)
	if !ok {
		return wl, nil
	}
	if wl.State != from {
		m.logger.Info("Outcome no longer applies", "workloadId", wl.ID, "token", cmd.Token,
			"type", cmd.Type, "state", wl.State)
		return wl, nil
	}

	reason := ""
	if !ack.Success {
		reason = ack.Error
		if reason == "" {
			reason = fmt.Sprintf("%s command failed", cmd.Type)
		}
	}
	return m.transitionLocked(ctx, wl, to, trigger, reason, func(n *domain.Workload) {
		if cmd.Type == domain.CommandCreate && ack.Success {
			r := ack.ParseResult()
			n.NetworkAddress = r.IPAddress
			n.Port = r.Port
		}
	})
}

func (m *Manager) finishReconfigureLocked(ctx context.Context, wl *domain.Workload, success bool, reason string) (*domain.Workload, error) {
	if wl.PendingSpec == nil {
		return wl, nil
	}
	pending := *wl.PendingSpec
	delta := pending.Resources.Sub(wl.Spec.Resources)

	if success {
		shrink := delta.Negative()
		next, err := m.updateLocked(ctx, wl, func(n *domain.Workload) {
			n.Spec = pending
			n.PendingSpec = nil
			n.Reservation = n.Reservation.Sub(shrink).FloorZero()
			n.StateReason = ""
		})
		if err != nil {
			return wl, err
		}
		m.releaseQuietly(ctx, wl.WorkerID, shrink, wl.ID)
		m.logger.Info("Reconfigure applied", "workloadId", wl.ID, "resources", pending.Resources.String())
		return next, nil
	}

	grow := delta.Positive()
	if reason == "" {
		reason = "reconfigure failed"
	}
	next, err := m.updateLocked(ctx, wl, func(n *domain.Workload) {
		n.PendingSpec = nil
		n.Reservation = n.Reservation.Sub(grow).FloorZero()
		n.StateReason = reason
	})
	if err != nil {
		return wl, err
	}
	m.releaseQuietly(ctx, wl.WorkerID, grow, wl.ID)
	m.logger.Warn("Reconfigure rolled back", "workloadId", wl.ID, "reason", reason)
	return next, nil
}

// releaseQuietly returns capacity already cleared from the workload row; a
// failure is left for reconciliation.
func (m *Manager) releaseQuietly(ctx context.Context, workerID string, amount domain.Resources, workloadID string) {
	if workerID == "" || amount.IsZero() {
		return
	}
	if err := m.ledger.Sync(ctx, workerID); err != nil {
		m.metrics.RecordSideEffectFailure("release-capacity")
		m.logger.Error("Failed to release capacity", "workloadId", workloadID, "workerId", workerID, "error", err)
	}
}

// HandleDeliveryFailure moves the workload to error when the timed-out
// command is the one its current state is waiting on.
func (m *Manager) HandleDeliveryFailure(ctx context.Context, cmd *domain.Command) error {
	unlock := m.locks.Lock(cmd.WorkloadID)
	defer unlock()

	wl, err := m.workloads.GetWorkload(ctx, cmd.WorkloadID)
	if err != nil {
		return fmt.Errorf("failed to load workload: %w", err)
	}
	if wl == nil || cmd.WorkloadVersion != wl.Version {
		return nil
	}
	reason := fmt.Sprintf("%s command %s not acknowledged in time", cmd.Type, cmd.Token)
	if cmd.Type == domain.CommandReconfigure {
		_, err := m.finishReconfigureLocked(ctx, wl, false, reason)
		return err
	}
	if want, ok := wl.State.AwaitedCommand(); !ok || want != cmd.Type {
		return nil
	}
	_, err = m.transitionLocked(ctx, wl, domain.StateError, TriggerTimeout, reason, nil)
	return err
}

// MarkDegraded moves a running workload to degraded. It reports whether a
// transition happened.
func (m *Manager) MarkDegraded(ctx context.Context, workloadID string, trigger Trigger, reason string) (bool, error) {
	return m.moveIf(ctx, workloadID, domain.StateRunning, domain.StateDegraded, trigger, reason)
}

// MarkRecovered moves a degraded workload back to running.
func (m *Manager) MarkRecovered(ctx context.Context, workloadID string, trigger Trigger) (bool, error) {
	return m.moveIf(ctx, workloadID, domain.StateDegraded, domain.StateRunning, trigger, "")
}

func (m *Manager) moveIf(ctx context.Context, workloadID string, from, to domain.WorkloadState, trigger Trigger, reason string) (bool, error) {
	unlock := m.locks.Lock(workloadID)
	defer unlock()

	wl, err := m.load(ctx, workloadID)
	if err != nil {
		return false, err
	}
	if wl.State != from {
		return false, nil
	}
	if _, err := m.transitionLocked(ctx, wl, to, trigger, reason, nil); err != nil {
		return false, err
	}
	return true, nil
}
