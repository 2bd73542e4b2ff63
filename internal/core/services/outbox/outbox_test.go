package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/vmfleet.net/internal/adapter/logging"
	"gitlab.com/vmfleet.net/internal/adapter/memory"
	"gitlab.com/vmfleet.net/internal/domain"
	"gitlab.com/vmfleet.net/internal/metrics"
	"gitlab.com/vmfleet.net/internal/static/errs"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newOutbox(t *testing.T) (*Outbox, *memory.Store, *clock) {
	t.Helper()
	store := memory.NewStore()
	o := New(store, logging.NewNopLogger(), metrics.NewCollector(prometheus.NewRegistry()))
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	o.SetClock(c.now)
	return o, store, c
}

func workload(id string) *domain.Workload {
	return &domain.Workload{ID: id, Version: 3}
}

func TestIssueAssignsSequentialTokens(t *testing.T) {
	ctx := context.Background()
	o, _, _ := newOutbox(t)

	a, err := o.Issue(ctx, "w-1", workload("vm-1"), domain.CommandCreate, domain.CommandPayload{})
	require.NoError(t, err)
	b, err := o.Issue(ctx, "w-1", workload("vm-2"), domain.CommandCreate, domain.CommandPayload{})
	require.NoError(t, err)

	assert.Equal(t, "tok-1", a.Token)
	assert.Equal(t, "tok-2", b.Token)
	assert.Equal(t, int64(3), a.WorkloadVersion)
	assert.Equal(t, domain.PayloadDigest(a.Payload), a.PayloadDigest)
}

func TestDrainRedeliversUntilResolved(t *testing.T) {
	ctx := context.Background()
	o, _, clk := newOutbox(t)
	cmd, err := o.Issue(ctx, "w-1", workload("vm-1"), domain.CommandStart, domain.CommandPayload{})
	require.NoError(t, err)

	first, err := o.Drain(ctx, "w-1")
	require.NoError(t, err)
	require.Len(t, first, 1)

	clk.advance(15 * time.Second)
	second, err := o.Drain(ctx, "w-1")
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, cmd.Token, second[0].Token)

	stored, _ := o.Get(ctx, cmd.Token)
	assert.Equal(t, 2, stored.DeliveryCount)
	assert.True(t, stored.LastDeliveredAt.After(*stored.DeliveredAt))

	applied, err := o.Resolve(ctx, cmd.Token, true, 1, nil)
	require.NoError(t, err)
	assert.True(t, applied)

	third, err := o.Drain(ctx, "w-1")
	require.NoError(t, err)
	assert.Empty(t, third)
}

func TestDrainIsPerWorker(t *testing.T) {
	ctx := context.Background()
	o, _, _ := newOutbox(t)
	_, err := o.Issue(ctx, "w-1", workload("vm-1"), domain.CommandStop, nil)
	require.NoError(t, err)

	other, err := o.Drain(ctx, "w-2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestCheckConflict(t *testing.T) {
	ctx := context.Background()
	o, _, _ := newOutbox(t)
	_, err := o.Issue(ctx, "w-1", workload("vm-1"), domain.CommandStop, nil)
	require.NoError(t, err)

	assert.True(t, errors.Is(o.CheckConflict(ctx, "vm-1", domain.CommandStart), errs.ErrConflict))
	assert.NoError(t, o.CheckConflict(ctx, "vm-1", domain.CommandDelete))
	assert.NoError(t, o.CheckConflict(ctx, "vm-2", domain.CommandStart))

	_, err = o.Issue(ctx, "w-1", workload("vm-1"), domain.CommandDelete, nil)
	require.NoError(t, err)
	assert.True(t, errors.Is(o.CheckConflict(ctx, "vm-1", domain.CommandReconfigure), errs.ErrConflict))
}

func TestExpireUndelivered(t *testing.T) {
	ctx := context.Background()
	o, _, clk := newOutbox(t)
	old, err := o.Issue(ctx, "w-1", workload("vm-1"), domain.CommandCreate, nil)
	require.NoError(t, err)
	clk.advance(4 * time.Minute)
	fresh, err := o.Issue(ctx, "w-1", workload("vm-2"), domain.CommandCreate, nil)
	require.NoError(t, err)
	clk.advance(2 * time.Minute)

	expired, err := o.ExpireUndelivered(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, old.Token, expired[0].Token)

	queued, _ := o.Drain(ctx, "w-1")
	require.Len(t, queued, 1)
	assert.Equal(t, fresh.Token, queued[0].Token)

	again, err := o.ExpireUndelivered(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestArchive(t *testing.T) {
	ctx := context.Background()
	o, _, clk := newOutbox(t)
	cmd, _ := o.Issue(ctx, "w-1", workload("vm-1"), domain.CommandCreate, nil)
	_, err := o.Resolve(ctx, cmd.Token, true, 1, nil)
	require.NoError(t, err)

	clk.advance(73 * time.Hour)
	n, err := o.Archive(ctx, 72*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	history, _ := o.History(ctx, "vm-1")
	assert.Empty(t, history)
}
