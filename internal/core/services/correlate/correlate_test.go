package correlate

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/vmfleet.net/internal/adapter/logging"
	"gitlab.com/vmfleet.net/internal/adapter/memory"
	"gitlab.com/vmfleet.net/internal/core/services/outbox"
	"gitlab.com/vmfleet.net/internal/domain"
	"gitlab.com/vmfleet.net/internal/metrics"
)

type recordingApplier struct {
	mu      sync.Mutex
	applied []string
	err     error
}

func (r *recordingApplier) ApplyAcknowledgment(_ context.Context, cmd *domain.Command, _ domain.Acknowledgment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = append(r.applied, cmd.Token)
	return r.err
}

type fixture struct {
	store   *memory.Store
	outbox  *outbox.Outbox
	applier *recordingApplier
	corr    *Correlator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore()
	logger := logging.NewNopLogger()
	m := metrics.NewCollector(prometheus.NewRegistry())
	ob := outbox.New(store, logger, m)
	applier := &recordingApplier{}
	return &fixture{
		store:   store,
		outbox:  ob,
		applier: applier,
		corr:    New(ob, store, applier, logger, m),
	}
}

func (f *fixture) workload(t *testing.T, id string, state domain.WorkloadState) *domain.Workload {
	t.Helper()
	wl := &domain.Workload{ID: id, WorkerID: "w-1", State: state, Version: 3}
	require.NoError(t, f.store.CreateWorkload(context.Background(), wl))
	return wl
}

func (f *fixture) issue(t *testing.T, wl *domain.Workload, ct domain.CommandType) *domain.Command {
	t.Helper()
	cmd, err := f.outbox.Issue(context.Background(), "w-1", wl, ct, domain.CommandPayload{})
	require.NoError(t, err)
	return cmd
}

func TestTierOneExactToken(t *testing.T) {
	f := newFixture(t)
	wl := f.workload(t, "vm-42", domain.StateProvisioning)
	cmd := f.issue(t, wl, domain.CommandCreate)

	res, err := f.corr.Correlate(context.Background(), "w-1", domain.Acknowledgment{
		CommandToken: cmd.Token, WorkloadID: "vm-42", CommandType: domain.CommandCreate, Success: true,
	})
	require.NoError(t, err)

	assert.Equal(t, TierToken, res.Tier)
	assert.Equal(t, []string{cmd.Token}, f.applier.applied)
	stored, _ := f.outbox.Get(context.Background(), cmd.Token)
	assert.Equal(t, domain.OutcomeSucceeded, stored.Outcome)
	assert.Equal(t, TierToken, stored.ResolvedTier)
}

func TestTierTwoOnCorruptedToken(t *testing.T) {
	f := newFixture(t)
	wl := f.workload(t, "vm-42", domain.StateProvisioning)
	cmd := f.issue(t, wl, domain.CommandCreate)

	res, err := f.corr.Correlate(context.Background(), "w-1", domain.Acknowledgment{
		CommandToken: "tok-X", WorkloadID: "vm-42", CommandType: domain.CommandCreate, Success: true,
	})
	require.NoError(t, err)

	assert.Equal(t, TierFallback, res.Tier)
	assert.Equal(t, cmd.Token, res.Command.Token)
}

func TestTokenContradictingAckFallsThrough(t *testing.T) {
	f := newFixture(t)
	a := f.issue(t, f.workload(t, "vm-1", domain.StateProvisioning), domain.CommandCreate)
	b := f.issue(t, f.workload(t, "vm-2", domain.StateProvisioning), domain.CommandCreate)

	res, err := f.corr.Correlate(context.Background(), "w-1", domain.Acknowledgment{
		CommandToken: a.Token, WorkloadID: "vm-2", CommandType: domain.CommandCreate, Success: true,
	})
	require.NoError(t, err)

	assert.Equal(t, TierFallback, res.Tier)
	assert.Equal(t, b.Token, res.Command.Token)
}

func TestTierThreeWhenFallbackIsAmbiguous(t *testing.T) {
	f := newFixture(t)
	wl := f.workload(t, "vm-7", domain.StateStopping)
	f.issue(t, wl, domain.CommandStop)
	latest := f.issue(t, wl, domain.CommandStop)

	res, err := f.corr.Correlate(context.Background(), "w-1", domain.Acknowledgment{
		WorkloadID: "vm-7", CommandType: domain.CommandStop, Success: true,
	})
	require.NoError(t, err)

	assert.Equal(t, TierLatest, res.Tier)
	assert.Equal(t, latest.Token, res.Command.Token)
}

func TestTierThreeRequiresAwaitingState(t *testing.T) {
	f := newFixture(t)
	wl := f.workload(t, "vm-7", domain.StateRunning)
	f.issue(t, wl, domain.CommandStop)
	f.issue(t, wl, domain.CommandStop)

	res, err := f.corr.Correlate(context.Background(), "w-1", domain.Acknowledgment{
		WorkloadID: "vm-7", CommandType: domain.CommandStop, Success: true,
	})
	require.NoError(t, err)

	assert.False(t, res.Matched())
	assert.Empty(t, f.applier.applied)
}

func TestUnmatchedAcknowledgments(t *testing.T) {
	f := newFixture(t)
	wl := f.workload(t, "vm-1", domain.StateProvisioning)
	f.issue(t, wl, domain.CommandCreate)

	for name, ack := range map[string]domain.Acknowledgment{
		"unknown workload": {WorkloadID: "vm-404", CommandType: domain.CommandCreate},
		"wrong type":       {WorkloadID: "vm-1", CommandType: domain.CommandStart},
		"no type":          {WorkloadID: "vm-1"},
	} {
		t.Run(name, func(t *testing.T) {
			res, err := f.corr.Correlate(context.Background(), "w-1", ack)
			require.NoError(t, err)
			assert.False(t, res.Matched())
		})
	}

	res, err := f.corr.Correlate(context.Background(), "w-2", domain.Acknowledgment{WorkloadID: "vm-1", CommandType: domain.CommandCreate})
	require.NoError(t, err)
	assert.False(t, res.Matched(), "another worker cannot resolve the command")
	assert.Empty(t, f.applier.applied)
}

func TestDuplicateAcknowledgmentAppliesOnce(t *testing.T) {
	f := newFixture(t)
	wl := f.workload(t, "vm-1", domain.StateProvisioning)
	cmd := f.issue(t, wl, domain.CommandCreate)
	ack := domain.Acknowledgment{CommandToken: cmd.Token, WorkloadID: "vm-1", CommandType: domain.CommandCreate, Success: true}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.corr.Correlate(context.Background(), "w-1", ack)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, []string{cmd.Token}, f.applier.applied)
}

func TestApplyFailureStillResolves(t *testing.T) {
	f := newFixture(t)
	f.applier.err = errors.New("store unavailable")
	wl := f.workload(t, "vm-1", domain.StateProvisioning)
	cmd := f.issue(t, wl, domain.CommandCreate)

	_, err := f.corr.Correlate(context.Background(), "w-1", domain.Acknowledgment{CommandToken: cmd.Token, Success: true})
	require.Error(t, err)

	stored, _ := f.outbox.Get(context.Background(), cmd.Token)
	assert.Equal(t, domain.OutcomeSucceeded, stored.Outcome)
}
