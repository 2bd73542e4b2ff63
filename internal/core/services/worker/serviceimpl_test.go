package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/vmfleet.net/internal/adapter/logging"
	"gitlab.com/vmfleet.net/internal/adapter/memory"
	"gitlab.com/vmfleet.net/internal/core/services/lifecycle"
	"gitlab.com/vmfleet.net/internal/domain"
	"gitlab.com/vmfleet.net/internal/static/errs"
)

func newService() (*WorkerRegistrationService, *memory.Store, *memory.Presence) {
	store := memory.NewStore()
	presence := memory.NewPresence(time.Minute)
	return NewWorkerRegistrationService(store, store, presence, nil, logging.NewNopLogger()), store, presence
}

type recordingDegrader struct {
	store    *memory.Store
	degraded []string
}

func (d *recordingDegrader) MarkDegraded(ctx context.Context, workloadID string, _ lifecycle.Trigger, reason string) (bool, error) {
	wl, err := d.store.GetWorkload(ctx, workloadID)
	if err != nil || wl == nil || wl.State != domain.StateRunning {
		return false, err
	}
	next := wl.Clone()
	next.PrevState, next.State, next.StateReason = wl.State, domain.StateDegraded, reason
	next.Version++
	if err := d.store.UpdateWorkload(ctx, next, wl.Version); err != nil {
		return false, err
	}
	d.degraded = append(d.degraded, workloadID)
	return true, nil
}

func host(id string) *domain.Worker {
	return &domain.Worker{
		ID:         id,
		Address:    "10.1.0.4",
		Advertised: domain.Resources{Cores: 16, MemoryMB: 65536, DiskGB: 1000},
	}
}

func TestRegisterWorker(t *testing.T) {
	svc, _, _ := newService()

	w, err := svc.RegisterWorker(context.Background(), host("w-1"))
	require.NoError(t, err)

	assert.Equal(t, domain.WorkerOnline, w.Status)
	assert.Equal(t, domain.ConnectivityDirect, w.Connectivity)
	assert.False(t, w.RegisteredAt.IsZero())
}

func TestRegisterWorkerKeepsCommittedCapacity(t *testing.T) {
	svc, store, _ := newService()
	ctx := context.Background()
	_, err := svc.RegisterWorker(ctx, host("w-1"))
	require.NoError(t, err)
	ok, err := store.ReserveCapacity(ctx, "w-1", domain.Resources{Cores: 4}, domain.Resources{Cores: 16})
	require.NoError(t, err)
	require.True(t, ok)

	update := host("w-1")
	update.Advertised.Cores = 32
	w, err := svc.RegisterWorker(ctx, update)
	require.NoError(t, err)

	assert.Equal(t, 32, w.Advertised.Cores)
	assert.Equal(t, 4, w.Committed.Cores)
}

func TestRegisterWorkerValidation(t *testing.T) {
	svc, _, _ := newService()

	_, err := svc.RegisterWorker(context.Background(), &domain.Worker{Advertised: domain.Resources{Cores: 1, MemoryMB: 1}})
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)

	_, err = svc.RegisterWorker(context.Background(), &domain.Worker{ID: "w-1"})
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestRetireWorker(t *testing.T) {
	svc, _, _ := newService()
	ctx := context.Background()
	_, err := svc.RegisterWorker(ctx, host("w-1"))
	require.NoError(t, err)

	require.NoError(t, svc.RetireWorker(ctx, "w-1"))
	require.NoError(t, svc.RetireWorker(ctx, "w-1"))

	w, err := svc.GetWorker(ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkerRetired, w.Status)
	assert.False(t, w.Schedulable())

	_, err = svc.RegisterWorker(ctx, host("w-1"))
	assert.ErrorIs(t, err, errs.ErrWorkerRetired)

	assert.ErrorIs(t, svc.RetireWorker(ctx, "w-404"), errs.ErrNotFound)
}

func TestRetireWorkerDegradesRunningWorkloads(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	degrader := &recordingDegrader{store: store}
	svc := NewWorkerRegistrationService(store, store, nil, degrader, logging.NewNopLogger())
	_, err := svc.RegisterWorker(ctx, host("w-1"))
	require.NoError(t, err)
	for _, wl := range []*domain.Workload{
		{ID: "vm-1", WorkerID: "w-1", State: domain.StateRunning, Version: 1},
		{ID: "vm-2", WorkerID: "w-1", State: domain.StateStopped, Version: 1},
		{ID: "vm-3", WorkerID: "w-2", State: domain.StateRunning, Version: 1},
	} {
		require.NoError(t, store.CreateWorkload(ctx, wl))
	}

	require.NoError(t, svc.RetireWorker(ctx, "w-1"))
	require.NoError(t, svc.RetireWorker(ctx, "w-1"))

	assert.Equal(t, []string{"vm-1"}, degrader.degraded)
	wl, err := store.GetWorkload(ctx, "vm-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateDegraded, wl.State)
	assert.Equal(t, "worker retired", wl.StateReason)
}

func TestGetAllWorkersAnnotatesPresence(t *testing.T) {
	svc, _, presence := newService()
	ctx := context.Background()
	_, err := svc.RegisterWorker(ctx, host("w-1"))
	require.NoError(t, err)
	_, err = svc.RegisterWorker(ctx, host("w-2"))
	require.NoError(t, err)
	require.NoError(t, presence.Touch(ctx, "w-2", time.Now()))

	workers, err := svc.GetAllWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 2)

	assert.False(t, workers[0].IsActive)
	assert.True(t, workers[1].IsActive)
}
