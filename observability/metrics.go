package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	PushOK        = "ok"
	PushRetry     = "retry"
	PushExhausted = "exhausted"
	PushOverflow  = "overflow"
)

// Metrics exposes the hub counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	appended          prometheus.Counter
	pushes            *prometheus.CounterVec
	pushDuration      prometheus.Histogram
	replayed          prometheus.Counter
	activeConnections prometheus.Gauge
	bindFailures      prometheus.Counter
	archived          prometheus.Counter
	processRSS        prometheus.Gauge
	processCPU        prometheus.Gauge
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &Metrics{
		appended: factory.NewCounter(prometheus.CounterOpts{
			Name: "serverhub_notifications_appended_total",
			Help: "Total number of notification records appended",
		}),
		pushes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "serverhub_pushes_total",
				Help: "Push attempts per outcome",
			},
			[]string{"result"},
		),
		pushDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "serverhub_push_duration_seconds",
			Help:    "Duration of a single push attempt in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2},
		}),
		replayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "serverhub_notifications_replayed_total",
			Help: "Records enqueued by reconciliation on connect",
		}),
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "serverhub_active_connections",
			Help: "Current number of registered connections",
		}),
		bindFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "serverhub_bind_failures_total",
			Help: "Connections refused by the session binder",
		}),
		archived: factory.NewCounter(prometheus.CounterOpts{
			Name: "serverhub_notifications_archived_total",
			Help: "Records moved past the retention window",
		}),
		processRSS: factory.NewGauge(prometheus.GaugeOpts{
			Name: "serverhub_process_rss_bytes",
			Help: "Resident memory of the hub process",
		}),
		processCPU: factory.NewGauge(prometheus.GaugeOpts{
			Name: "serverhub_process_cpu_percent",
			Help: "CPU usage of the hub process",
		}),
	}
}

func (m *Metrics) IncAppended() {
	if m == nil {
		return
	}
	m.appended.Inc()
}

func (m *Metrics) ObservePush(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.pushes.WithLabelValues(result).Inc()
	if result == PushOK || result == PushRetry {
		m.pushDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) AddReplayed(n int) {
	if m == nil {
		return
	}
	m.replayed.Add(float64(n))
}

func (m *Metrics) SetActiveConnections(n int) {
	if m == nil {
		return
	}
	m.activeConnections.Set(float64(n))
}

func (m *Metrics) IncBindFailures() {
	if m == nil {
		return
	}
	m.bindFailures.Inc()
}

func (m *Metrics) AddArchived(n int) {
	if m == nil {
		return
	}
	m.archived.Add(float64(n))
}

func (m *Metrics) SetProcessStats(rss uint64, cpu float64) {
	if m == nil {
		return
	}
	m.processRSS.Set(float64(rss))
	m.processCPU.Set(cpu)
}
