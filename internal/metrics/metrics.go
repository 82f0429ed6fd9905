// Package metrics exposes Prometheus collectors for the control plane.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "xray_control"

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	nodeStatus        *prometheus.GaugeVec
	nodeOperations    *prometheus.CounterVec
	usageBytes        *prometheus.CounterVec
	usageCycle        prometheus.Histogram
	persistRetries    prometheus.Counter
	persistFailures   prometheus.Counter
	userTransitions   *prometheus.CounterVec
	bufferedBatches   prometheus.Gauge
	collectorFailures *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		nodeStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "node_status",
			Help:      "1 for the node's current status, 0 otherwise.",
		}, []string{"node", "status"}),
		nodeOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_operations_total",
			Help:      "Node operations by kind and result.",
		}, []string{"operation", "result"}),
		usageBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_bytes_total",
			Help:      "Traffic accounted by the usage reconciler.",
		}, []string{"source", "direction"}),
		usageCycle: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "usage_cycle_seconds",
			Help:      "Duration of a full usage reconciliation cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
		persistRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_persist_retries_total",
			Help:      "Retried usage transactions.",
		}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_persist_failures_total",
			Help:      "Usage batches that could not be persisted.",
		}),
		userTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "user_status_transitions_total",
			Help:      "User status changes by new status.",
		}, []string{"status"}),
		bufferedBatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "usage_backup_pending",
			Help:      "1 while usage backups are waiting to be committed.",
		}),
		collectorFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stats_collect_failures_total",
			Help:      "Failed stats queries by source.",
		}, []string{"source"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.nodeStatus, m.nodeOperations, m.usageBytes, m.usageCycle,
		m.persistRetries, m.persistFailures, m.userTransitions,
		m.bufferedBatches, m.collectorFailures,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

var nodeStatuses = []string{"disabled", "connecting", "connected", "error", "limited"}

// SetNodeStatus marks status as the node's only current status.
func (m *Metrics) SetNodeStatus(node, status string) {
	if m == nil {
		return
	}
	for _, s := range nodeStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		m.nodeStatus.WithLabelValues(node, s).Set(v)
	}
}

func (m *Metrics) ForgetNode(node string) {
	if m == nil {
		return
	}
	for _, s := range nodeStatuses {
		m.nodeStatus.DeleteLabelValues(node, s)
	}
}

func (m *Metrics) NodeOperation(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.nodeOperations.WithLabelValues(op, result).Inc()
}

func (m *Metrics) AddUsage(source string, uplink, downlink int64) {
	if m == nil {
		return
	}
	if uplink > 0 {
		m.usageBytes.WithLabelValues(source, "uplink").Add(float64(uplink))
	}
	if downlink > 0 {
		m.usageBytes.WithLabelValues(source, "downlink").Add(float64(downlink))
	}
}

func (m *Metrics) ObserveUsageCycle(d time.Duration) {
	if m == nil {
		return
	}
	m.usageCycle.Observe(d.Seconds())
}

func (m *Metrics) PersistRetry() {
	if m == nil {
		return
	}
	m.persistRetries.Inc()
}

func (m *Metrics) PersistFailure() {
	if m == nil {
		return
	}
	m.persistFailures.Inc()
}

func (m *Metrics) UserTransition(status string) {
	if m == nil {
		return
	}
	m.userTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) SetBackupPending(pending bool) {
	if m == nil {
		return
	}
	if pending {
		m.bufferedBatches.Set(1)
	} else {
		m.bufferedBatches.Set(0)
	}
}

func (m *Metrics) CollectFailure(source string) {
	if m == nil {
		return
	}
	m.collectorFailures.WithLabelValues(source).Inc()
}
