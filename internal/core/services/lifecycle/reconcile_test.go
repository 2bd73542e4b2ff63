package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/vmfleet.net/internal/domain"
)

// observable is everything a client or worker could see of one workload.
type observable struct {
	State        domain.WorkloadState
	WorkerID     string
	Reservation  domain.Resources
	Committed    domain.Resources
	PendingTypes []domain.CommandType
	HasRoute     bool
	Billing      []domain.BillingKind
}

func (h *harness) observe(workloadID string) observable {
	h.t.Helper()
	wl := h.workload(workloadID)
	o := observable{
		State:       wl.State,
		WorkerID:    wl.WorkerID,
		Reservation: wl.Reservation,
		Committed:   h.committed("A"),
	}
	for _, c := range h.pending(workloadID) {
		o.PendingTypes = append(o.PendingTypes, c.Type)
	}
	route, err := h.ingress.GetRoute(context.Background(), workloadID)
	require.NoError(h.t, err)
	o.HasRoute = route != nil
	for _, e := range h.billing.Events() {
		o.Billing = append(o.Billing, e.Kind)
	}
	return o
}

func TestCrashBeforeCommandIssueRecoversByReconcile(t *testing.T) {
	ctx := context.Background()

	ref := newHarness(t, onlineWorker("A", 8))
	refWl, err := ref.mgr.Create(ctx, "owner-1", smallSpec())
	require.NoError(t, err)

	crashed := newHarness(t, onlineWorker("A", 8))
	crashed.mgr.skipEffects = true
	wl, err := crashed.mgr.Create(ctx, "owner-1", smallSpec())
	require.NoError(t, err)
	require.Empty(t, crashed.pending(wl.ID))

	crashed.rebuild()
	report, err := crashed.mgr.Reconcile(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Commands)
	assert.Equal(t, ref.observe(refWl.ID), crashed.observe(wl.ID))
}

func TestCrashBetweenResolveAndApply(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, onlineWorker("A", 8))
	wl, err := h.mgr.Create(ctx, "owner-1", smallSpec())
	require.NoError(t, err)
	cmd := h.pending(wl.ID)[0]

	applied, err := h.outbox.Resolve(ctx, cmd.Token, true, 1, []byte(`{"ipAddress":"192.168.10.9","port":2222}`))
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, domain.StateProvisioning, h.workload(wl.ID).State)

	h.rebuild()
	report, err := h.mgr.Reconcile(ctx)
	require.NoError(t, err)

	got := h.workload(wl.ID)
	assert.Equal(t, 1, report.Transitions)
	assert.Equal(t, domain.StateRunning, got.State)
	assert.Equal(t, "192.168.10.9", got.NetworkAddress)
	route, _ := h.ingress.GetRoute(ctx, wl.ID)
	require.NotNil(t, route)
	assert.Equal(t, 2222, route.Port)
	assert.Len(t, h.billing.Events(), 1)
}

func TestCrashBeforeRouteAndBilling(t *testing.T) {
	ctx := context.Background()

	ref := newHarness(t, onlineWorker("A", 8))
	refWl := ref.running()

	crashed := newHarness(t, onlineWorker("A", 8))
	wl, err := crashed.mgr.Create(ctx, "owner-1", smallSpec())
	require.NoError(t, err)
	crashed.mgr.skipEffects = true
	crashed.ack(wl.ID, true, `{"ipAddress":"192.168.10.5","port":22}`)
	route, _ := crashed.ingress.GetRoute(ctx, wl.ID)
	require.Nil(t, route)

	crashed.rebuild()
	report, err := crashed.mgr.Reconcile(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Routes)
	assert.Equal(t, 1, report.Billing)
	assert.Equal(t, ref.observe(refWl.ID), crashed.observe(wl.ID))
}

func TestCrashBeforeCapacityRelease(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, onlineWorker("A", 8))
	wl := h.running()
	_, err := h.mgr.Delete(ctx, wl.ID)
	require.NoError(t, err)

	h.mgr.skipEffects = true
	h.ack(wl.ID, true, "")
	require.Equal(t, domain.StateDeleted, h.workload(wl.ID).State)
	require.Equal(t, smallSpec().Resources, h.committed("A"))

	h.rebuild()
	report, err := h.mgr.Reconcile(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Ledger)
	assert.Equal(t, domain.Resources{}, h.committed("A"))
	events := h.billing.Events()
	assert.Equal(t, domain.BillingTerminated, events[len(events)-1].Kind)
}

func TestReconcileTwiceChangesNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, onlineWorker("A", 8))
	h.mgr.skipEffects = true
	wl, err := h.mgr.Create(ctx, "owner-1", smallSpec())
	require.NoError(t, err)
	h.rebuild()

	first, err := h.mgr.Reconcile(ctx)
	require.NoError(t, err)
	require.Greater(t, first.Repairs(), 0)
	before := h.observe(wl.ID)

	second, err := h.mgr.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Repairs())
	assert.Equal(t, before, h.observe(wl.ID))
}

func TestReconcileAppliesTimedOutCommand(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, onlineWorker("A", 8))
	wl := h.running()
	_, err := h.mgr.Stop(ctx, wl.ID)
	require.NoError(t, err)

	expired, err := h.outbox.ExpireUndelivered(ctx, -time.Second)
	require.NoError(t, err)
	require.Len(t, expired, 1)

	_, err = h.mgr.Reconcile(ctx)
	require.NoError(t, err)

	got := h.workload(wl.ID)
	assert.Equal(t, domain.StateError, got.State)
	assert.Equal(t, domain.Resources{}, h.committed("A"))
}

func TestReconcileFailsInterruptedScheduling(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, onlineWorker("A", 8))
	stale := time.Now().Add(-10 * time.Minute)
	require.NoError(t, h.store.CreateWorkload(ctx, &domain.Workload{
		ID: "vm-stuck", State: domain.StateScheduling, Version: 2, Spec: smallSpec(),
		CreatedAt: stale, UpdatedAt: stale,
	}))

	_, err := h.mgr.Reconcile(ctx)
	require.NoError(t, err)

	got := h.workload("vm-stuck")
	assert.Equal(t, domain.StateError, got.State)
	assert.Equal(t, "placement interrupted", got.StateReason)
}
