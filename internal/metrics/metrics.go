package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wallet"

// Metrics holds the ledger's Prometheus collectors.
// A nil *Metrics is valid and records nothing, so services can run without it in tests.
type Metrics struct {
	registry *prometheus.Registry

	creditsTotal         *prometheus.CounterVec
	debitsTotal          *prometheus.CounterVec
	withdrawalsTotal     *prometheus.CounterVec
	withdrawalRejections *prometheus.CounterVec
	reconcileTotal       *prometheus.CounterVec
	webhooksTotal        *prometheus.CounterVec
	dispatchFailures     *prometheus.CounterVec
	txDuration           *prometheus.HistogramVec
	httpRequests         *prometheus.CounterVec
	httpLatency          *prometheus.HistogramVec
}

// New registers collectors on a fresh registry, plus Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		creditsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "credits_total",
			Help:      "Credit attempts partitioned by provider and result.",
		}, []string{"provider", "result"}),
		debitsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "debits_total",
			Help:      "Debit attempts partitioned by reason and result.",
		}, []string{"reason", "result"}),
		withdrawalsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "withdrawal",
			Name:      "transitions_total",
			Help:      "Withdrawal workflow calls partitioned by action and outcome.",
		}, []string{"action", "outcome"}),
		withdrawalRejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "withdrawal",
			Name:      "rejections_total",
			Help:      "Withdrawal requests rejected at creation, by reason.",
		}, []string{"reason"}),
		reconcileTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "payments_total",
			Help:      "Verified payments processed partitioned by provider, source and outcome.",
		}, []string{"provider", "source", "outcome"}),
		webhooksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "webhooks_total",
			Help:      "Inbound provider webhooks partitioned by provider and result.",
		}, []string{"provider", "result"}),
		dispatchFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "failures_total",
			Help:      "Post-commit tasks that exhausted their retries, by task kind.",
		}, []string{"kind"}),
		txDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "tx_duration_seconds",
			Help:      "Ledger transaction latency including lock waits.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"op"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests partitioned by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Credit(provider, result string) {
	if m == nil {
		return
	}
	m.creditsTotal.WithLabelValues(provider, result).Inc()
}

func (m *Metrics) Debit(reason, result string) {
	if m == nil {
		return
	}
	m.debitsTotal.WithLabelValues(reason, result).Inc()
}

func (m *Metrics) Withdrawal(action, outcome string) {
	if m == nil {
		return
	}
	m.withdrawalsTotal.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) WithdrawalRejected(reason string) {
	if m == nil {
		return
	}
	m.withdrawalRejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) Reconciled(provider, source, outcome string) {
	if m == nil {
		return
	}
	m.reconcileTotal.WithLabelValues(provider, source, outcome).Inc()
}

func (m *Metrics) Webhook(provider, result string) {
	if m == nil {
		return
	}
	m.webhooksTotal.WithLabelValues(provider, result).Inc()
}

func (m *Metrics) DispatchFailed(kind string) {
	if m == nil {
		return
	}
	m.dispatchFailures.WithLabelValues(kind).Inc()
}

// ObserveTx records how long a ledger transaction took, starting at start.
func (m *Metrics) ObserveTx(op string, start time.Time) {
	if m == nil {
		return
	}
	m.txDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) HTTPRequest(method, route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, status).Inc()
	m.httpLatency.WithLabelValues(method, route).Observe(d.Seconds())
}
