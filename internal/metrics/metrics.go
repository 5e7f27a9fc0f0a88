// Package metrics exposes the runtime's prometheus instruments on a
// registry owned by the engine
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every instrument the runtime updates
type Metrics struct {
	Registry *prometheus.Registry

	Admitted         *prometheus.CounterVec
	Outcomes         *prometheus.CounterVec
	Restarts         *prometheus.CounterVec
	Conflicts        *prometheus.CounterVec
	ExecutionTime    *prometheus.HistogramVec
	LeaseRenewals    prometheus.Counter
	LeaseEvictions   prometheus.Counter
	LeasesTracked    *prometheus.GaugeVec
	ReplicaEvictions prometheus.Counter
	Replicas         prometheus.Gauge
	ReplicaOffset    prometheus.Gauge
	FrameworkErrors  *prometheus.CounterVec
}

const namespace = "stalwart"

// Restart causes
const (
	CauseCrashed   = "crashed"
	CausePostponed = "postponed"
	CauseLocal     = "local"
)

// New creates a Metrics bound to a fresh registry that also carries the Go
// runtime and process collectors
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

// NewWithRegistry creates a Metrics whose instruments are registered with
// reg
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		Admitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flows",
			Name:      "admitted_total",
			Help:      "Flows admitted for first execution",
		}, []string{"type"}),
		Outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flows",
			Name:      "outcomes_total",
			Help:      "Persisted execution outcomes by status",
		}, []string{"type", "status"}),
		Restarts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flows",
			Name:      "restarts_total",
			Help:      "Flows re-admitted under a new epoch",
		}, []string{"type", "cause"}),
		Conflicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flows",
			Name:      "conflicts_total",
			Help:      "Persists or restarts rejected by an epoch mismatch",
		}, []string{"type"}),
		ExecutionTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "flows",
			Name:      "execution_seconds",
			Help:      "Time spent in flow bodies",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		LeaseRenewals: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "leases",
			Name:      "renewals_total",
			Help:      "Leases extended in the store",
		}),
		LeaseEvictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "leases",
			Name:      "evictions_total",
			Help:      "Tracked leases dropped after losing ownership",
		}),
		LeasesTracked: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "leases",
			Name:      "tracked",
			Help:      "Leases currently renewed by this replica",
		}, []string{"lease_length"}),
		ReplicaEvictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replicas",
			Name:      "evictions_total",
			Help:      "Peer replicas evicted for missing heartbeats",
		}),
		Replicas: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "replicas",
			Name:      "count",
			Help:      "Live replicas in the cluster",
		}),
		ReplicaOffset: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "replicas",
			Name:      "offset",
			Help:      "This replica's ordinal among live replicas",
		}),
		FrameworkErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "framework_errors_total",
			Help:      "Errors absorbed by background loops",
		}, []string{"component"}),
	}
}

// Handler serves the registry in the prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{
		Registry: m.Registry,
	})
}

// ObserveExecution records the time a flow body ran for
func (m *Metrics) ObserveExecution(typ string, d time.Duration) {
	m.ExecutionTime.WithLabelValues(typ).Observe(d.Seconds())
}
