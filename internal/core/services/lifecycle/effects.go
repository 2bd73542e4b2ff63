package lifecycle

import (
	"context"
	"fmt"

	"gitlab.com/vmfleet.net/internal/domain"
)

// Change is a persisted transition handed to side effects.
type Change struct {
	From    domain.WorkloadState
	To      domain.WorkloadState
	Before  *domain.Workload
	After   *domain.Workload
	Trigger Trigger
}

// Effect is one side effect of a transition. Effects must be idempotent:
// reconciliation may re-derive them from persisted state.
type Effect struct {
	Name string
	Run  func(ctx context.Context, ch Change) error
}

const anyState domain.WorkloadState = "*"

type edge struct {
	from domain.WorkloadState
	to   domain.WorkloadState
}

type effectRegistry struct {
	byEdge map[edge][]Effect
}

func (r *effectRegistry) on(from, to domain.WorkloadState, effects ...Effect) {
	k := edge{from: from, to: to}
	r.byEdge[k] = append(r.byEdge[k], effects...)
}

func (r *effectRegistry) lookup(from, to domain.WorkloadState) []Effect {
	out := append([]Effect(nil), r.byEdge[edge{from: anyState, to: to}]...)
	return append(out, r.byEdge[edge{from: from, to: to}]...)
}

func (m *Manager) registerEffects() *effectRegistry {
	r := &effectRegistry{byEdge: make(map[edge][]Effect)}

	r.on(anyState, domain.StateProvisioning, m.issueEffect(domain.CommandCreate))
	r.on(anyState, domain.StateStarting, m.issueEffect(domain.CommandStart))
	r.on(anyState, domain.StateStopping, m.issueEffect(domain.CommandStop), m.removeRouteEffect())
	r.on(anyState, domain.StateDeleting, m.issueEffect(domain.CommandDelete), m.removeRouteEffect())
	r.on(anyState, domain.StateRunning, m.ensureRouteEffect(), m.billingEffect())
	r.on(anyState, domain.StateStopped, m.removeRouteEffect(), m.billingEffect())
	r.on(anyState, domain.StateDeleted, m.releaseEffect(), m.removeRouteEffect(), m.billingEffect())
	r.on(anyState, domain.StateError, m.releaseEffect(), m.removeRouteEffect(), m.billingEffect())
	return r
}

func (m *Manager) runEffects(ctx context.Context, ch Change) {
	if m.skipEffects {
		return
	}
	for _, e := range m.effects.lookup(ch.From, ch.To) {
		m.runEffect(ctx, e, ch)
	}
}

// runEffect isolates one effect: failures and panics are logged and
// counted, never propagated, and the transition is not rolled back.
func (m *Manager) runEffect(ctx context.Context, e Effect, ch Change) {
	defer func() {
		if r := recover(); r != nil {
			m.metrics.RecordSideEffectFailure(e.Name)
			m.logger.Error("Side effect panicked", "effect", e.Name, "workloadId", ch.After.ID,
				"from", ch.From, "to", ch.To, "panic", fmt.Sprint(r))
		}
	}()
	if err := e.Run(ctx, ch); err != nil {
		m.metrics.RecordSideEffectFailure(e.Name)
		m.logger.Error("Side effect failed", "effect", e.Name, "workloadId", ch.After.ID,
			"from", ch.From, "to", ch.To, "error", err)
	}
}

func (m *Manager) issueEffect(t domain.CommandType) Effect {
	return Effect{
		Name: "issue-" + string(t),
		Run: func(ctx context.Context, ch Change) error {
			if ch.After.WorkerID == "" {
				return nil
			}
			_, err := m.issueCommand(ctx, ch.After, t)
			return err
		},
	}
}

func (m *Manager) issueCommand(ctx context.Context, wl *domain.Workload, t domain.CommandType) (*domain.Command, error) {
	payload := domain.CommandPayload{Spec: wl.Spec}
	if t == domain.CommandReconfigure && wl.PendingSpec != nil {
		prev := wl.Spec.Resources
		payload = domain.CommandPayload{Spec: *wl.PendingSpec, Previous: &prev}
	}
	return m.outbox.Issue(ctx, wl.WorkerID, wl, t, payload)
}

func (m *Manager) ensureRouteEffect() Effect {
	return Effect{Name: "ensure-route", Run: func(ctx context.Context, ch Change) error {
		return m.ensureRoute(ctx, ch.After)
	}}
}

func (m *Manager) ensureRoute(ctx context.Context, wl *domain.Workload) error {
	addr := wl.NetworkAddress
	if addr == "" {
		w, err := m.workers.GetWorker(ctx, wl.WorkerID)
		if err != nil {
			return fmt.Errorf("failed to load worker: %w", err)
		}
		if w != nil {
			addr = w.Address
		}
	}
	route, err := m.ingress.EnsureRoute(ctx, domain.Route{
		WorkloadID: wl.ID,
		WorkerID:   wl.WorkerID,
		Address:    addr,
		Port:       wl.Port,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure route: %w", err)
	}
	m.logger.Debug("Ingress route ensured", "workloadId", wl.ID, "publicPort", route.PublicPort)
	return nil
}

func (m *Manager) removeRouteEffect() Effect {
	return Effect{Name: "remove-route", Run: func(ctx context.Context, ch Change) error {
		return m.ingress.RemoveRoute(ctx, ch.After.ID)
	}}
}

// releaseEffect returns what the workload held before the transition
// cleared its reservation. The ledger is synced from persisted rows rather
// than decremented, so the release is correct however it interleaves with
// reconciliation.
func (m *Manager) releaseEffect() Effect {
	return Effect{Name: "release-capacity", Run: func(ctx context.Context, ch Change) error {
		if ch.Before.WorkerID == "" || ch.Before.Reservation.IsZero() {
			return nil
		}
		return m.ledger.Sync(ctx, ch.Before.WorkerID)
	}}
}

func (m *Manager) billingEffect() Effect {
	return Effect{Name: "billing", Run: func(ctx context.Context, ch Change) error {
		return m.emitBilling(ctx, ch.After)
	}}
}

// emitBilling sends the event for the workload's last transition, if it is
// billable and not yet billed.
func (m *Manager) emitBilling(ctx context.Context, wl *domain.Workload) error {
	kind, ok := wl.BillingKind()
	if !ok || wl.BilledVersion >= wl.Version {
		return nil
	}
	var price int64
	if wl.WorkerID != "" {
		if w, err := m.workers.GetWorker(ctx, wl.WorkerID); err == nil && w != nil {
			price = w.PricePerHourCents
		}
	}
	event := domain.BillingEvent{
		ID:                domain.BillingEventID(wl.ID, wl.Version),
		WorkloadID:        wl.ID,
		OwnerID:           wl.OwnerID,
		WorkerID:          wl.WorkerID,
		Kind:              kind,
		Version:           wl.Version,
		Resources:         wl.Spec.Resources,
		PricePerHourCents: price,
		At:                wl.UpdatedAt,
	}
	if err := m.billing.Emit(ctx, event); err != nil {
		return fmt.Errorf("failed to emit billing event: %w", err)
	}
	return m.workloads.MarkBilled(ctx, wl.ID, wl.Version)
}
