// Package metrics exposes the coordinator's Prometheus series.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every coordinator series. A nil *Collector is valid and
// records nothing.
type Collector struct {
	correlations       *prometheus.CounterVec
	transitions        *prometheus.CounterVec
	transitionsReject  prometheus.Counter
	commandsIssued     *prometheus.CounterVec
	commandsDelivered  prometheus.Counter
	commandsTimedOut   prometheus.Counter
	sideEffectFailures *prometheus.CounterVec
	schedulingFailures *prometheus.CounterVec
	reconcileRepairs   *prometheus.CounterVec
	workersOnline      prometheus.Gauge
	heartbeatLatency   prometheus.Histogram
}

// NewCollector creates the series and registers them on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		correlations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coord_correlation_resolutions_total",
			Help: "Acknowledgments by the correlation tier that resolved them",
		}, []string{"tier"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coord_transitions_total",
			Help: "Persisted workload state transitions",
		}, []string{"from", "to"}),
		transitionsReject: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coord_transitions_rejected_total",
			Help: "Transitions rejected as invalid or stale",
		}),
		commandsIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coord_commands_issued_total",
			Help: "Commands enqueued for workers",
		}, []string{"type"}),
		commandsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coord_commands_delivered_total",
			Help: "Command deliveries in heartbeat responses, redeliveries included",
		}),
		commandsTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coord_commands_timed_out_total",
			Help: "Commands that were not acknowledged within the delivery timeout",
		}),
		sideEffectFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coord_side_effect_failures_total",
			Help: "Failed or panicking transition side effects",
		}, []string{"effect"}),
		schedulingFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coord_scheduling_failures_total",
			Help: "Scheduling attempts that found no capacity",
		}, []string{"reason"}),
		reconcileRepairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coord_reconcile_repairs_total",
			Help: "Derived state repaired by reconciliation",
		}, []string{"kind"}),
		workersOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coord_workers_online",
			Help: "Workers currently considered online",
		}),
		heartbeatLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "coord_heartbeat_duration_seconds",
			Help:    "Time spent handling one heartbeat",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.correlations,
		c.transitions,
		c.transitionsReject,
		c.commandsIssued,
		c.commandsDelivered,
		c.commandsTimedOut,
		c.sideEffectFailures,
		c.schedulingFailures,
		c.reconcileRepairs,
		c.workersOnline,
		c.heartbeatLatency,
	)
	return c
}

func (c *Collector) RecordCorrelation(tier string) {
	if c == nil {
		return
	}
	c.correlations.WithLabelValues(tier).Inc()
}

func (c *Collector) RecordTransition(from, to string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(from, to).Inc()
}

func (c *Collector) RecordTransitionRejected() {
	if c == nil {
		return
	}
	c.transitionsReject.Inc()
}

func (c *Collector) RecordCommandIssued(commandType string) {
	if c == nil {
		return
	}
	c.commandsIssued.WithLabelValues(commandType).Inc()
}

func (c *Collector) RecordCommandsDelivered(n int) {
	if c == nil {
		return
	}
	c.commandsDelivered.Add(float64(n))
}

func (c *Collector) RecordCommandTimedOut() {
	if c == nil {
		return
	}
	c.commandsTimedOut.Inc()
}

func (c *Collector) RecordSideEffectFailure(effect string) {
	if c == nil {
		return
	}
	c.sideEffectFailures.WithLabelValues(effect).Inc()
}

func (c *Collector) RecordSchedulingFailure(reason string) {
	if c == nil {
		return
	}
	c.schedulingFailures.WithLabelValues(reason).Inc()
}

func (c *Collector) RecordReconcileRepair(kind string) {
	if c == nil {
		return
	}
	c.reconcileRepairs.WithLabelValues(kind).Inc()
}

func (c *Collector) SetWorkersOnline(n int) {
	if c == nil {
		return
	}
	c.workersOnline.Set(float64(n))
}

func (c *Collector) ObserveHeartbeat(seconds float64) {
	if c == nil {
		return
	}
	c.heartbeatLatency.Observe(seconds)
}

// Handler serves the series registered on g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
