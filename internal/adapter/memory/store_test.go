package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/vmfleet.net/internal/domain"
	"gitlab.com/vmfleet.net/internal/static/errs"
)

func TestReserveCapacityIsConditional(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.SaveWorker(ctx, &domain.Worker{ID: "w-1", Advertised: domain.Resources{Cores: 4, MemoryMB: 4096}}))
	limit := domain.Resources{Cores: 4, MemoryMB: 4096}

	ok, err := s.ReserveCapacity(ctx, "w-1", domain.Resources{Cores: 3, MemoryMB: 1024}, limit)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ReserveCapacity(ctx, "w-1", domain.Resources{Cores: 2, MemoryMB: 1024}, limit)
	require.NoError(t, err)
	assert.False(t, ok)

	w, _ := s.GetWorker(ctx, "w-1")
	assert.Equal(t, domain.Resources{Cores: 3, MemoryMB: 1024}, w.Committed)
}

func TestSaveWorkerKeepsCommitted(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.SaveWorker(ctx, &domain.Worker{ID: "w-1"}))
	require.NoError(t, s.SetCommittedCapacity(ctx, "w-1", domain.Resources{Cores: 2}))

	require.NoError(t, s.SaveWorker(ctx, &domain.Worker{ID: "w-1", Address: "10.0.0.2"}))

	w, _ := s.GetWorker(ctx, "w-1")
	assert.Equal(t, 2, w.Committed.Cores)
	assert.Equal(t, "10.0.0.2", w.Address)
}

func TestUpdateWorkloadCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	wl := &domain.Workload{ID: "vm-1", State: domain.StatePending, Version: 1}
	require.NoError(t, s.CreateWorkload(ctx, wl))

	next := wl.Clone()
	next.State, next.Version = domain.StateScheduling, 2
	require.NoError(t, s.UpdateWorkload(ctx, next, 1))

	stale := wl.Clone()
	stale.State, stale.Version = domain.StateError, 2
	err := s.UpdateWorkload(ctx, stale, 1)
	assert.True(t, errors.Is(err, errs.ErrStaleWrite))

	got, _ := s.GetWorkload(ctx, "vm-1")
	assert.Equal(t, domain.StateScheduling, got.State)
}

func TestResolveCommandOnlyOnce(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.InsertCommand(ctx, &domain.Command{Token: "tok-1", Seq: 1, WorkerID: "w-1", Outcome: domain.OutcomePending, InOutbox: true}))

	applied, err := s.ResolveCommand(ctx, "tok-1", domain.OutcomeSucceeded, 1, nil, time.Now())
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = s.ResolveCommand(ctx, "tok-1", domain.OutcomeFailed, 2, nil, time.Now())
	require.NoError(t, err)
	assert.False(t, applied)

	out, _ := s.ListOutbox(ctx, "w-1")
	assert.Empty(t, out)
}

func TestArchiveResolvedKeepsLookup(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	old := time.Now().Add(-100 * time.Hour)
	require.NoError(t, s.InsertCommand(ctx, &domain.Command{Token: "tok-1", Seq: 1, Outcome: domain.OutcomeSucceeded, ResolvedAt: &old}))
	require.NoError(t, s.InsertCommand(ctx, &domain.Command{Token: "tok-2", Seq: 2, Outcome: domain.OutcomePending}))

	n, err := s.ArchiveResolved(ctx, time.Now().Add(-72*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	live, _ := s.ListCommandsByWorkload(ctx, "")
	assert.Len(t, live, 1)
	archived, _ := s.GetCommand(ctx, "tok-1")
	require.NotNil(t, archived)
}

func TestIngressRouterReusesPort(t *testing.T) {
	ctx := context.Background()
	r := NewIngressRouter(30000, 30001)

	a, err := r.EnsureRoute(ctx, domain.Route{WorkloadID: "vm-1", Port: 22})
	require.NoError(t, err)
	again, err := r.EnsureRoute(ctx, domain.Route{WorkloadID: "vm-1", Port: 22})
	require.NoError(t, err)
	assert.Equal(t, a.PublicPort, again.PublicPort)

	_, err = r.EnsureRoute(ctx, domain.Route{WorkloadID: "vm-2"})
	require.NoError(t, err)
	_, err = r.EnsureRoute(ctx, domain.Route{WorkloadID: "vm-3"})
	assert.Error(t, err)

	require.NoError(t, r.RemoveRoute(ctx, "vm-1"))
	_, err = r.EnsureRoute(ctx, domain.Route{WorkloadID: "vm-3"})
	assert.NoError(t, err)
}

func TestSchedulingConfigVersions(t *testing.T) {
	ctx := context.Background()
	s := NewSchedulingConfigStore()

	cur, _ := s.GetCurrent(ctx)
	assert.Equal(t, int64(0), cur.Version)

	c, err := s.Publish(ctx, []byte(`{"maxVms":10}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Version)
	c, _ = s.Publish(ctx, []byte(`{"maxVms":12}`))
	assert.Equal(t, int64(2), c.Version)
}
