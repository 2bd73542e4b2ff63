package workerrepository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/vmfleet.net/internal/adapter/logging"
	"gitlab.com/vmfleet.net/internal/adapter/postgres/pgtest"
	"gitlab.com/vmfleet.net/internal/domain"
	"gitlab.com/vmfleet.net/internal/static/errs"
)

func newRepo(t *testing.T) *WorkerRepository {
	return NewWorkerRepository(pgtest.Open(t), logging.NewNopLogger())
}

func sampleWorker(id string, now time.Time) *domain.Worker {
	return &domain.Worker{
		ID:           id,
		Address:      "10.0.0.1:9000",
		Advertised:   domain.Resources{Cores: 8, MemoryMB: 16384, DiskGB: 200},
		Capabilities: []string{"kvm"},
		Connectivity: domain.ConnectivityDirect,
		Status:       domain.WorkerOnline,
		Overcommit:   map[domain.Tier]domain.OvercommitRatio{domain.TierStandard: {CPU: 2, Memory: 1}},
		LastCheckIn:  now,
		RegisteredAt: now,
		UpdatedAt:    now,
	}
}

func TestSaveAndGetWorker(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, repo.SaveWorker(ctx, sampleWorker("w-1", now)))
	got, err := repo.GetWorker(ctx, "w-1")
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, 8, got.Advertised.Cores)
	assert.Equal(t, []string{"kvm"}, got.Capabilities)
	assert.Equal(t, 2.0, got.Overcommit[domain.TierStandard].CPU)
	assert.Nil(t, got.Observed)
	assert.True(t, now.Equal(got.LastCheckIn))

	missing, err := repo.GetWorker(ctx, "w-404")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSaveWorkerKeepsCommitted(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()
	w := sampleWorker("w-1", now)
	require.NoError(t, repo.SaveWorker(ctx, w))
	require.NoError(t, repo.SetCommittedCapacity(ctx, "w-1", domain.Resources{Cores: 3}))

	w.Address = "10.0.0.2:9000"
	w.Committed = domain.Resources{}
	require.NoError(t, repo.SaveWorker(ctx, w))

	got, err := repo.GetWorker(ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:9000", got.Address)
	assert.Equal(t, 3, got.Committed.Cores)
}

func TestReserveCapacityIsConditional(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.SaveWorker(ctx, sampleWorker("w-1", time.Now().UTC())))
	limit := domain.Resources{Cores: 8, MemoryMB: 16384, DiskGB: 200}

	ok, err := repo.ReserveCapacity(ctx, "w-1", domain.Resources{Cores: 6, MemoryMB: 1024}, limit)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.ReserveCapacity(ctx, "w-1", domain.Resources{Cores: 4}, limit)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = repo.ReserveCapacity(ctx, "w-404", domain.Resources{Cores: 1}, limit)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	require.NoError(t, repo.ReleaseCapacity(ctx, "w-1", domain.Resources{Cores: 10, MemoryMB: 512}))
	got, err := repo.GetWorker(ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, domain.Resources{MemoryMB: 512}, got.Committed)
}

func TestConcurrentReservesNeverOvershoot(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.SaveWorker(ctx, sampleWorker("w-1", time.Now().UTC())))
	limit := domain.Resources{Cores: 8, MemoryMB: 16384, DiskGB: 200}

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.ReserveCapacity(ctx, "w-1", domain.Resources{Cores: 1}, limit)
			if err == nil && ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 8, granted)
	got, err := repo.GetWorker(ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, 8, got.Committed.Cores)
}

func TestHeartbeatAndStaleWorkers(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, repo.SaveWorker(ctx, sampleWorker("w-1", base)))
	require.NoError(t, repo.SaveWorker(ctx, sampleWorker("w-2", base)))

	observed := &domain.Resources{Cores: 6}
	require.NoError(t, repo.UpdateWorkerHeartbeat(ctx, "w-1", domain.WorkerMetrics{CPUUtilization: 0.5}, observed, base.Add(50*time.Minute)))
	require.NoError(t, repo.UpdateWorkerHeartbeat(ctx, "w-1", domain.WorkerMetrics{CPUUtilization: 0.6}, nil, base.Add(55*time.Minute)))

	got, err := repo.GetWorker(ctx, "w-1")
	require.NoError(t, err)
	require.NotNil(t, got.Observed)
	assert.Equal(t, 6, got.Observed.Cores)
	assert.Equal(t, 0.6, got.Metrics.CPUUtilization)

	stale, err := repo.GetStaleWorkers(ctx, base.Add(30*time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "w-2", stale[0].ID)

	require.NoError(t, repo.SetWorkerStatus(ctx, "w-2", domain.WorkerOffline))
	stale, err = repo.GetStaleWorkers(ctx, base.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, stale)

	assert.ErrorIs(t, repo.SetWorkerStatus(ctx, "w-404", domain.WorkerOffline), errs.ErrNotFound)
}
