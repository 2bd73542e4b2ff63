// Package app wires the coordinator services over a set of stores.
package app

import (
	"github.com/prometheus/client_golang/prometheus"

	"gitlab.com/vmfleet.net/internal/adapter/memory"
	"gitlab.com/vmfleet.net/internal/config"
	"gitlab.com/vmfleet.net/internal/core/ports/primary"
	"gitlab.com/vmfleet.net/internal/core/ports/secondary"
	"gitlab.com/vmfleet.net/internal/core/services/correlate"
	"gitlab.com/vmfleet.net/internal/core/services/heartbeat"
	"gitlab.com/vmfleet.net/internal/core/services/ledger"
	"gitlab.com/vmfleet.net/internal/core/services/lifecycle"
	"gitlab.com/vmfleet.net/internal/core/services/outbox"
	"gitlab.com/vmfleet.net/internal/core/services/schedule"
	"gitlab.com/vmfleet.net/internal/core/services/worker"
	"gitlab.com/vmfleet.net/internal/core/services/workload"
	"gitlab.com/vmfleet.net/internal/domain"
	"gitlab.com/vmfleet.net/internal/metrics"
	"gitlab.com/vmfleet.net/internal/schedulerengine"
)

// Stores are the persistence and side-effect adapters the services run on.
type Stores struct {
	Workers     secondary.WorkerRepository
	Workloads   secondary.WorkloadRepository
	Commands    secondary.CommandRepository
	Presence    secondary.PresenceRepository
	SchedConfig secondary.SchedulingConfigRepository
	Ingress     secondary.IngressRouter
	Billing     secondary.BillingSink
}

// MemoryStores keeps everything in process. State is lost on exit.
func MemoryStores(cfg *config.CoordinatorConfig) Stores {
	store := memory.NewStore()
	return Stores{
		Workers:     store,
		Workloads:   store,
		Commands:    store,
		Presence:    memory.NewPresence(cfg.LivenessTimeout()),
		SchedConfig: memory.NewSchedulingConfigStore(),
		Ingress:     memory.NewIngressRouter(cfg.IngressPortFirst, cfg.IngressPortLast),
		Billing:     memory.NewBillingRecorder(),
	}
}

// App holds the wired services.
type App struct {
	Stores     Stores
	Metrics    *metrics.Collector
	Ledger     *ledger.Ledger
	Outbox     *outbox.Outbox
	Lifecycle  *lifecycle.Manager
	Heartbeats *heartbeat.HeartbeatService
	Workers    *worker.WorkerRegistrationService
	Workloads  *workload.WorkloadService
	Engine     *schedulerengine.SchedulerEngine
	Tokens     primary.TokenService
	Logger     primary.Logger
}

func New(cfg *config.CoordinatorConfig, policy domain.TierPolicy, stores Stores, tokens primary.TokenService, logger primary.Logger, reg prometheus.Registerer) *App {
	m := metrics.NewCollector(reg)
	led := ledger.New(stores.Workers, stores.Workloads, policy, logger)
	ob := outbox.New(stores.Commands, logger, m)
	mgr := lifecycle.NewManager(lifecycle.Deps{
		Workloads:       stores.Workloads,
		Workers:         stores.Workers,
		Scheduler:       schedule.NewSchedulerService(stores.Workers, led, logger, m),
		Ledger:          led,
		Outbox:          ob,
		Ingress:         stores.Ingress,
		Billing:         stores.Billing,
		Logger:          logger,
		Metrics:         m,
		SchedulingGrace: cfg.SchedulingGrace,
	})
	corr := correlate.New(ob, stores.Workloads, mgr, logger, m)

	return &App{
		Stores:     stores,
		Metrics:    m,
		Ledger:     led,
		Outbox:     ob,
		Lifecycle:  mgr,
		Heartbeats: heartbeat.NewHeartbeatService(stores.Workers, stores.Workloads, stores.Presence, stores.SchedConfig, corr, mgr, ob, logger, m),
		Workers:    worker.NewWorkerRegistrationService(stores.Workers, stores.Workloads, stores.Presence, mgr, logger),
		Workloads:  workload.NewWorkloadService(mgr, stores.Workloads, ob, stores.Ingress, logger),
		Engine:     schedulerengine.NewSchedulerEngine(cfg, stores.Workers, stores.Workloads, mgr, ob, logger, m),
		Tokens:     tokens,
		Logger:     logger,
	}
}
