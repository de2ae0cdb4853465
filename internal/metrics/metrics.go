package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lending"

// Metrics holds the service's Prometheus collectors. A nil *Metrics is valid
// and records nothing, so components can run without instrumentation.
type Metrics struct {
	borrows        *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	lateMarked     prometheus.Counter
	availability   prometheus.Counter
	requestSeconds *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them on reg
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		borrows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "borrow_total",
			Help:      "Borrow workflow outcomes by result.",
		}, []string{"result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Transaction status transitions by target status.",
		}, []string{"status"}),
		lateMarked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "late_marked_total",
			Help:      "Transactions flagged late by the return sweeper.",
		}),
		availability: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "availability_queries_total",
			Help:      "Locker availability lookups.",
		}),
		requestSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "code"}),
		gatherer: reg,
	}

	reg.MustRegister(m.borrows, m.transitions, m.lateMarked, m.availability, m.requestSeconds)
	return m
}

// BorrowResult counts one borrow attempt, e.g. "success", "validation", "unavailable", "error"
func (m *Metrics) BorrowResult(result string) {
	if m == nil {
		return
	}
	m.borrows.WithLabelValues(result).Inc()
}

// Transition counts a status change
func (m *Metrics) Transition(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status).Inc()
}

// LateMarked adds n transactions flagged late
func (m *Metrics) LateMarked(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.lateMarked.Add(float64(n))
}

// AvailabilityQueried counts a locker availability lookup
func (m *Metrics) AvailabilityQueried() {
	if m == nil {
		return
	}
	m.availability.Inc()
}

// ObserveRequest records the latency of one HTTP request
func (m *Metrics) ObserveRequest(method, route, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.requestSeconds.WithLabelValues(method, route, code).Observe(d.Seconds())
}

// Handler exposes the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
