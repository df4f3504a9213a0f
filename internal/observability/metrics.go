package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	hitsSent     *prometheus.CounterVec
	hitsDropped  *prometheus.CounterVec
	sendDuration *prometheus.HistogramVec
	filterErrors *prometheus.CounterVec

	storeWrites     *prometheus.CounterVec
	externalChanges *prometheus.CounterVec

	sessionsStarted *prometheus.CounterVec
	activePlugins   *prometheus.GaugeVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			hitsSent: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "autotrack_hits_sent_total",
					Help: "Total hits handed to the transport by hit type.",
				},
				[]string{"hit_type"},
			),
			hitsDropped: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "autotrack_hits_dropped_total",
					Help: "Total hits not sent by reason.",
				},
				[]string{"reason"},
			),
			sendDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "autotrack_send_duration_seconds",
					Help:    "Send pipeline duration in seconds by hit type.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"hit_type"},
			),
			filterErrors: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "autotrack_filter_errors_total",
					Help: "Total hit filter failures by plugin.",
				},
				[]string{"plugin"},
			),
			storeWrites: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "autotrack_store_writes_total",
					Help: "Total store writes by namespace.",
				},
				[]string{"namespace"},
			),
			externalChanges: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "autotrack_store_external_changes_total",
					Help: "Total store changes received from other tabs by namespace.",
				},
				[]string{"namespace"},
			),
			sessionsStarted: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "autotrack_sessions_started_total",
					Help: "Total sessions started by reason.",
				},
				[]string{"reason"},
			),
			activePlugins: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "autotrack_active_plugins",
					Help: "Current active plugin instances by plugin name.",
				},
				[]string{"plugin"},
			),
		}

		prometheus.MustRegister(
			m.hitsSent,
			m.hitsDropped,
			m.sendDuration,
			m.filterErrors,
			m.storeWrites,
			m.externalChanges,
			m.sessionsStarted,
			m.activePlugins,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordHitSent(hitType string, duration time.Duration) {
	m := getMetrics()
	m.hitsSent.WithLabelValues(hitType).Inc()
	m.sendDuration.WithLabelValues(hitType).Observe(duration.Seconds())
}

// Drop reasons.
const (
	DropCancelled   = "cancelled"
	DropFilterError = "filter_error"
	DropRateLimited = "rate_limited"
	DropTransport   = "transport_error"
	DropTaskError   = "task_error"
)

func RecordHitDropped(reason string) {
	getMetrics().hitsDropped.WithLabelValues(reason).Inc()
}

func RecordFilterError(plugin string) {
	getMetrics().filterErrors.WithLabelValues(plugin).Inc()
}

func RecordStoreWrite(namespace string) {
	getMetrics().storeWrites.WithLabelValues(namespace).Inc()
}

func RecordExternalChange(namespace string) {
	getMetrics().externalChanges.WithLabelValues(namespace).Inc()
}

func RecordSessionStarted(reason string) {
	getMetrics().sessionsStarted.WithLabelValues(reason).Inc()
}

func PluginActivated(plugin string) {
	getMetrics().activePlugins.WithLabelValues(plugin).Inc()
}

func PluginRemoved(plugin string) {
	getMetrics().activePlugins.WithLabelValues(plugin).Dec()
}
