package workloadrepository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/vmfleet.net/internal/adapter/logging"
	"gitlab.com/vmfleet.net/internal/adapter/postgres/pgtest"
	"gitlab.com/vmfleet.net/internal/domain"
	"gitlab.com/vmfleet.net/internal/static/errs"
)

func newRepo(t *testing.T) *WorkloadRepository {
	return NewWorkloadRepository(pgtest.Open(t), logging.NewNopLogger(), "")
}

func sampleWorkload(id, owner string, state domain.WorkloadState, created time.Time) *domain.Workload {
	return &domain.Workload{
		ID:      id,
		OwnerID: owner,
		Spec: domain.WorkloadSpec{
			Resources: domain.Resources{Cores: 2, MemoryMB: 2048},
			Tier:      domain.TierStandard,
		},
		WorkerID:  "w-1",
		State:     state,
		Version:   1,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestCreateGetAndCompareAndSet(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()
	wl := sampleWorkload("vm-1", "alice", domain.StatePending, now)
	require.NoError(t, repo.CreateWorkload(ctx, wl))

	got, err := repo.GetWorkload(ctx, "vm-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 2, got.Spec.Resources.Cores)
	assert.Nil(t, got.PendingSpec)

	next := got.Clone()
	next.State = domain.StateScheduling
	next.PrevState = domain.StatePending
	next.Version = 2
	next.PendingSpec = &domain.WorkloadSpec{Resources: domain.Resources{Cores: 4}}
	require.NoError(t, repo.UpdateWorkload(ctx, next, 1))

	stale := got.Clone()
	stale.Version = 2
	err = repo.UpdateWorkload(ctx, stale, 1)
	assert.ErrorIs(t, err, errs.ErrStaleWrite)

	missing := sampleWorkload("vm-404", "alice", domain.StatePending, now)
	assert.ErrorIs(t, repo.UpdateWorkload(ctx, missing, 1), errs.ErrNotFound)

	got, err = repo.GetWorkload(ctx, "vm-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateScheduling, got.State)
	require.NotNil(t, got.PendingSpec)
	assert.Equal(t, 4, got.PendingSpec.Resources.Cores)

	none, err := repo.GetWorkload(ctx, "vm-404")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestMarkBilledNeverLowers(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.CreateWorkload(ctx, sampleWorkload("vm-1", "alice", domain.StateRunning, time.Now().UTC())))

	require.NoError(t, repo.MarkBilled(ctx, "vm-1", 5))
	require.NoError(t, repo.MarkBilled(ctx, "vm-1", 3))
	got, err := repo.GetWorkload(ctx, "vm-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.BilledVersion)

	// A state write leaves the billed version alone.
	next := got.Clone()
	next.BilledVersion = 0
	next.Version = 2
	require.NoError(t, repo.UpdateWorkload(ctx, next, 1))
	got, err = repo.GetWorkload(ctx, "vm-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.BilledVersion)
}

func TestListWorkloadsFilters(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	base := time.Now().UTC()
	require.NoError(t, repo.CreateWorkload(ctx, sampleWorkload("vm-1", "alice", domain.StateRunning, base)))
	require.NoError(t, repo.CreateWorkload(ctx, sampleWorkload("vm-2", "alice", domain.StateStopped, base.Add(time.Second))))
	require.NoError(t, repo.CreateWorkload(ctx, sampleWorkload("vm-3", "bob", domain.StateRunning, base.Add(2*time.Second))))

	all, err := repo.ListWorkloads(ctx, domain.WorkloadFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, "vm-1", all[0].ID)

	alice, err := repo.ListWorkloads(ctx, domain.WorkloadFilter{OwnerID: "alice"})
	require.NoError(t, err)
	assert.Len(t, alice, 2)

	running, err := repo.ListWorkloads(ctx, domain.WorkloadFilter{
		OwnerID: "alice",
		States:  []domain.WorkloadState{domain.StateRunning, domain.StateDegraded},
	})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "vm-1", running[0].ID)

	onWorker, err := repo.ListWorkloads(ctx, domain.WorkloadFilter{WorkerID: "w-1", States: []domain.WorkloadState{domain.StateRunning}})
	require.NoError(t, err)
	assert.Len(t, onWorker, 2)
}
