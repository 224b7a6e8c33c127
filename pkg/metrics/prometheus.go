// Package metrics exposes Prometheus collectors for matchmaking and match settlement.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Manager owns every collector of the service. A nil *Manager is valid and records nothing.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	registry         *prometheus.Registry

	joins           *prometheus.CounterVec
	matchesCreated  prometheus.Counter
	matchesFinished *prometheus.CounterVec
	answers         *prometheus.CounterVec
	payouts         prometheus.Counter
	payoutAmount    prometheus.Counter
	refunds         prometheus.Counter
	storeConflicts  prometheus.Counter
	submitLatency   prometheus.Histogram
	connections     prometheus.Gauge
	waitingRemovals *prometheus.CounterVec
}

// NewManager creates a Manager with its own registry unless WithRegistry is given.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "battlequiz",
		subsystem:        "match",
		histogramBuckets: []float64{0.5, 1, 2.5, 5, 10, 25, 50, 100, 250},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		m.registry = prometheus.NewRegistry()
	}
	m.init()
	return m
}

func (m *Manager) init() {
	auto := promauto.With(m.registry)

	m.joins = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "joins_total",
		Help:      "Join requests by outcome (waiting, matched, rejected reason)",
	}, []string{"result"})

	m.matchesCreated = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "created_total",
		Help:      "Matches created by pairing two waiting participants",
	})

	m.matchesFinished = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "finished_total",
		Help:      "Matches finished by reason",
	}, []string{"reason"})

	m.answers = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "answers_total",
		Help:      "Answer submissions by outcome",
	}, []string{"result"})

	m.payouts = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "payouts_total",
		Help:      "Prize credits applied to winners",
	})

	m.payoutAmount = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "payout_amount_total",
		Help:      "Sum of prize amounts credited",
	})

	m.refunds = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "refunds_total",
		Help:      "Entry fee refunds (timeouts, cancels, voided matches)",
	})

	m.storeConflicts = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "store_conflicts_total",
		Help:      "Optimistic update conflicts retried by the state store",
	})

	m.submitLatency = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "submit_latency_milliseconds",
		Help:      "Latency of answer submission including settlement",
		Buckets:   m.histogramBuckets,
	})

	m.connections = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: "gateway",
		Name:      "connections",
		Help:      "Open websocket connections",
	})

	m.waitingRemovals = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "waiting_removed_total",
		Help:      "Participants removed from the waiting pool without a match",
	}, []string{"reason"})
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Manager) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (tests gather from it).
func (m *Manager) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Manager) RecordJoin(result string) {
	if m == nil {
		return
	}
	m.joins.WithLabelValues(result).Inc()
}

func (m *Manager) RecordMatchCreated() {
	if m == nil {
		return
	}
	m.matchesCreated.Inc()
}

func (m *Manager) RecordMatchFinished(reason string) {
	if m == nil {
		return
	}
	m.matchesFinished.WithLabelValues(reason).Inc()
}

func (m *Manager) RecordAnswer(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.answers.WithLabelValues(result).Inc()
	m.submitLatency.Observe(float64(elapsed.Microseconds()) / 1000)
}

func (m *Manager) RecordPayout(amount float64) {
	if m == nil {
		return
	}
	m.payouts.Inc()
	m.payoutAmount.Add(amount)
}

func (m *Manager) RecordRefund() {
	if m == nil {
		return
	}
	m.refunds.Inc()
}

func (m *Manager) RecordStoreConflict() {
	if m == nil {
		return
	}
	m.storeConflicts.Inc()
}

func (m *Manager) RecordWaitingRemoved(reason string) {
	if m == nil {
		return
	}
	m.waitingRemovals.WithLabelValues(reason).Inc()
}

func (m *Manager) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Manager) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}
