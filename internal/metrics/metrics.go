// Package metrics exposes Prometheus collectors for the realtime layer and the session engine.
// All methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rollcall"

// Metrics holds the registered collectors
type Metrics struct {
	gatherer prometheus.Gatherer

	connections    *prometheus.GaugeVec
	inbound        *prometheus.CounterVec
	rejections     *prometheus.CounterVec
	sessionEvents  *prometheus.CounterVec
	marks          *prometheus.CounterVec
	commits        *prometheus.CounterVec
	commitDuration prometheus.Histogram
	activeSession  prometheus.Gauge
	broadcasts     *prometheus.CounterVec
}

// New registers the collectors on reg. A nil reg uses a private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		gatherer: reg,
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Open realtime connections by role.",
		}, []string{"role"}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "Inbound realtime messages by event and outcome.",
		}, []string{"event", "outcome"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_rejections_total",
			Help:      "Session engine operations rejected by operation and error kind.",
		}, []string{"op", "kind"}),
		sessionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Session lifecycle transitions.",
		}, []string{"transition"}),
		marks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "marks_total",
			Help:      "Attendance marks applied during live sessions.",
		}, []string{"status"}),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "Session commits by result.",
		}, []string{"result"}),
		commitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "commit_duration_seconds",
			Help:      "Time spent reconciling and persisting a session.",
			Buckets:   prometheus.DefBuckets,
		}),
		activeSession: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_active",
			Help:      "1 while a live session exists.",
		}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Broadcast envelopes by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.connections,
		m.inbound,
		m.rejections,
		m.sessionEvents,
		m.marks,
		m.commits,
		m.commitDuration,
		m.activeSession,
		m.broadcasts,
	)
	return m
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ConnectionOpened counts an authenticated connection
func (m *Metrics) ConnectionOpened(role string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(role).Inc()
}

// ConnectionClosed releases an authenticated connection
func (m *Metrics) ConnectionClosed(role string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(role).Dec()
}

// MessageHandled counts one inbound frame
func (m *Metrics) MessageHandled(event, outcome string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(event, outcome).Inc()
}

// Rejected counts an engine operation refused with kind
func (m *Metrics) Rejected(op, kind string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(op, kind).Inc()
}

// SessionStarted records a new live session
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessionEvents.WithLabelValues("started").Inc()
	m.activeSession.Set(1)
}

// SessionStopped records a session discarded without commit
func (m *Metrics) SessionStopped() {
	if m == nil {
		return
	}
	m.sessionEvents.WithLabelValues("stopped").Inc()
	m.activeSession.Set(0)
}

// Marked counts one applied mark
func (m *Metrics) Marked(status string) {
	if m == nil {
		return
	}
	m.marks.WithLabelValues(status).Inc()
}

// Committed records a commit outcome and its duration
func (m *Metrics) Committed(ok bool, d time.Duration) {
	if m == nil {
		return
	}
	m.commitDuration.Observe(d.Seconds())
	if !ok {
		m.commits.WithLabelValues("failed").Inc()
		return
	}
	m.commits.WithLabelValues("ok").Inc()
	m.sessionEvents.WithLabelValues("committed").Inc()
	m.activeSession.Set(0)
}

// Broadcast counts one broadcast envelope by result
func (m *Metrics) Broadcast(result string) {
	if m == nil {
		return
	}
	m.broadcasts.WithLabelValues(result).Inc()
}
