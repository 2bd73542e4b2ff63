package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"gitlab.com/vmfleet.net/internal/adapter/logging"
	"gitlab.com/vmfleet.net/internal/adapter/memory"
	"gitlab.com/vmfleet.net/internal/core/ports/secondary"
	"gitlab.com/vmfleet.net/internal/core/services/correlate"
	"gitlab.com/vmfleet.net/internal/core/services/ledger"
	"gitlab.com/vmfleet.net/internal/core/services/outbox"
	"gitlab.com/vmfleet.net/internal/core/services/schedule"
	"gitlab.com/vmfleet.net/internal/domain"
	"gitlab.com/vmfleet.net/internal/metrics"
)

type harness struct {
	t       *testing.T
	store   *memory.Store
	// workloads overrides the store as the workload repository when set.
	workloads secondary.WorkloadRepository
	ingress   *memory.IngressRouter
	billing   *memory.BillingRecorder
	ledger    *ledger.Ledger
	outbox    *outbox.Outbox
	mgr       *Manager
	corr      *correlate.Correlator
	metrics   *metrics.Collector
	reg       *prometheus.Registry
}

func newHarness(t *testing.T, workers ...*domain.Worker) *harness {
	t.Helper()
	store := memory.NewStore()
	for _, w := range workers {
		require.NoError(t, store.SaveWorker(context.Background(), w))
	}
	h := &harness{
		t:       t,
		store:   store,
		ingress: memory.NewIngressRouter(30000, 30099),
		billing: memory.NewBillingRecorder(),
		reg:     prometheus.NewRegistry(),
	}
	h.metrics = metrics.NewCollector(h.reg)
	h.rebuild()
	return h
}

// rebuild wires fresh services over the same persisted state, as a restart would.
func (h *harness) rebuild() {
	logger := logging.NewNopLogger()
	workloads := h.workloads
	if workloads == nil {
		workloads = h.store
	}
	h.ledger = ledger.New(h.store, workloads, domain.DefaultTierPolicy(), logger)
	h.outbox = outbox.New(h.store, logger, h.metrics)
	sched := schedule.NewSchedulerService(h.store, h.ledger, logger, h.metrics)
	h.mgr = NewManager(Deps{
		Workloads: workloads,
		Workers:   h.store,
		Scheduler: sched,
		Ledger:    h.ledger,
		Outbox:    h.outbox,
		Ingress:   h.ingress,
		Billing:   h.billing,
		Logger:    logger,
		Metrics:   h.metrics,
	})
	h.corr = correlate.New(h.outbox, h.store, h.mgr, logger, h.metrics)
}

// hookedWorkloads calls after once a workload row is saved in state on.
type hookedWorkloads struct {
	secondary.WorkloadRepository
	on    domain.WorkloadState
	after func()
}

func (r *hookedWorkloads) UpdateWorkload(ctx context.Context, wl *domain.Workload, expectedVersion int64) error {
	if err := r.WorkloadRepository.UpdateWorkload(ctx, wl, expectedVersion); err != nil {
		return err
	}
	if wl.State == r.on && r.after != nil {
		r.after()
	}
	return nil
}

func onlineWorker(id string, cores int) *domain.Worker {
	return &domain.Worker{
		ID:          id,
		Address:     "10.0.0.1",
		Status:      domain.WorkerOnline,
		Advertised:  domain.Resources{Cores: cores, MemoryMB: 16384, DiskGB: 200},
		LastCheckIn: time.Now(),
	}
}

func smallSpec() domain.WorkloadSpec {
	return domain.WorkloadSpec{
		Resources: domain.Resources{Cores: 2, MemoryMB: 4096, DiskGB: 20},
		Tier:      domain.TierStandard,
		Image:     "ubuntu-24.04",
	}
}

func (h *harness) workload(id string) *domain.Workload {
	h.t.Helper()
	wl, err := h.store.GetWorkload(context.Background(), id)
	require.NoError(h.t, err)
	require.NotNil(h.t, wl)
	return wl
}

func (h *harness) committed(workerID string) domain.Resources {
	h.t.Helper()
	w, err := h.store.GetWorker(context.Background(), workerID)
	require.NoError(h.t, err)
	return w.Committed
}

func (h *harness) pending(workloadID string) []*domain.Command {
	h.t.Helper()
	cmds, err := h.outbox.Outstanding(context.Background(), workloadID)
	require.NoError(h.t, err)
	return cmds
}

// ack acknowledges the single pending command of a workload by token.
func (h *harness) ack(workloadID string, success bool, result string) correlate.Resolution {
	h.t.Helper()
	cmds := h.pending(workloadID)
	require.Len(h.t, cmds, 1)
	a := domain.Acknowledgment{
		CommandToken: cmds[0].Token,
		WorkloadID:   workloadID,
		CommandType:  cmds[0].Type,
		Success:      success,
	}
	if result != "" {
		a.Result = []byte(result)
	}
	res, err := h.corr.Correlate(context.Background(), cmds[0].WorkerID, a)
	require.NoError(h.t, err)
	return res
}

func (h *harness) running() *domain.Workload {
	h.t.Helper()
	wl, err := h.mgr.Create(context.Background(), "owner-1", smallSpec())
	require.NoError(h.t, err)
	h.ack(wl.ID, true, `{"ipAddress":"192.168.10.5","port":22}`)
	return h.workload(wl.ID)
}

func (h *harness) stopped() *domain.Workload {
	h.t.Helper()
	wl := h.running()
	_, err := h.mgr.Stop(context.Background(), wl.ID)
	require.NoError(h.t, err)
	h.ack(wl.ID, true, "")
	return h.workload(wl.ID)
}

// counter reads a counter series from the registry by name and labels.
func counter(t *testing.T, g prometheus.Gatherer, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := g.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			matched := 0
			for _, lp := range m.GetLabel() {
				if v, ok := labels[lp.GetName()]; ok && v == lp.GetValue() {
					matched++
				}
			}
			if matched == len(labels) {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}
