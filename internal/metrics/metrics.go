// Package metrics exposes the gateway's Prometheus instrumentation. It is a
// passive collector used by every other package; nothing in this package
// drives behavior.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SubsystemsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nvmeof_gw_subsystems_total",
		Help: "Total number of subsystems known to this gateway's state map",
	})

	NamespacesTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nvmeof_gw_namespaces_total",
		Help: "Total number of namespaces by subsystem",
	}, []string{"nqn"})

	ANAOptimizedGroups = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nvmeof_gw_ana_optimized_groups",
		Help: "Number of ANA groups this gateway currently advertises as optimized",
	})

	GatewayHealthy = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nvmeof_gw_healthy",
		Help: "Whether this gateway considers itself healthy (1) or degraded (0)",
	})

	APIRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nvmeof_gw_api_requests_total",
		Help: "Total number of gRPC requests by method and canonical error kind",
	}, []string{"method", "kind"})

	APIRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nvmeof_gw_api_request_duration_seconds",
		Help:    "gRPC handler duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	StateMapCASConflictsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nvmeof_gw_statemap_cas_conflicts_total",
		Help: "Total number of compare-and-set conflicts on the state map by key prefix",
	}, []string{"prefix"})

	StateMapWatchLag = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nvmeof_gw_statemap_watch_lag",
		Help: "Number of buffered, unconsumed watch events for the reconciler",
	})

	StateMapWatchDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nvmeof_gw_statemap_watch_dropped_total",
		Help: "Total number of watch events dropped due to a full subscriber buffer, forcing a resnapshot",
	})

	TGTRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nvmeof_gw_tgt_request_duration_seconds",
		Help:    "Duration of a single TGT JSON-RPC call in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	TGTRequestErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nvmeof_gw_tgt_request_errors_total",
		Help: "Total number of TGT JSON-RPC errors by method",
	}, []string{"method"})

	TGTReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nvmeof_gw_tgt_reconnects_total",
		Help: "Total number of TGT socket reconnect attempts",
	})

	ReconciliationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "nvmeof_gw_reconciliation_duration_seconds",
		Help:    "Time taken to converge local TGT state to one state-map change batch",
		Buckets: prometheus.DefBuckets,
	})

	ReconciliationCyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nvmeof_gw_reconciliation_cycles_total",
		Help: "Total number of reconciliation cycles completed",
	})

	ANATransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nvmeof_gw_ana_transitions_total",
		Help: "Total number of ANA group state transitions by target state",
	}, []string{"state"})

	MonitorHeartbeatsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nvmeof_gw_monitor_heartbeats_total",
		Help: "Total number of heartbeats sent to the ANA controller",
	})
)

func init() {
	prometheus.MustRegister(
		SubsystemsTotal,
		NamespacesTotal,
		ANAOptimizedGroups,
		GatewayHealthy,
		APIRequestsTotal,
		APIRequestDuration,
		StateMapCASConflictsTotal,
		StateMapWatchLag,
		StateMapWatchDroppedTotal,
		TGTRequestDuration,
		TGTRequestErrorsTotal,
		TGTReconnectsTotal,
		ReconciliationDuration,
		ReconciliationCyclesTotal,
		ANATransitionsTotal,
		MonitorHeartbeatsTotal,
	)
}

// Handler returns the Prometheus scrape handler. cmd/nvmeof-gw always
// mounts it at /metrics on 127.0.0.1:9100; no configuration key turns it
// off or moves it.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an operation's wall-clock duration.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) ObserveDurationVec(h prometheus.ObserverVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
