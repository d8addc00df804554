// Package metrics owns the Prometheus collectors for the round watcher and
// the request-facing operations.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	Ticks          prometheus.Counter
	SkippedTicks   prometheus.Counter
	TickDuration   prometheus.Histogram
	Transitions    *prometheus.CounterVec
	Seals          *prometheus.CounterVec
	Submissions    *prometheus.CounterVec
	AuthAttempts   *prometheus.CounterVec
	DeadLetters    *prometheus.CounterVec
	HTTPRequests   *prometheus.CounterVec
	ActiveRooms    prometheus.Gauge
	LiveSubscriber prometheus.Gauge
}

// New registers every collector on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roundtable_watcher_ticks_total",
			Help: "Watcher ticks that ran to completion",
		}),
		SkippedTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roundtable_watcher_skipped_ticks_total",
			Help: "Watcher ticks skipped because the previous tick was still running",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "roundtable_watcher_tick_duration_seconds",
			Help:    "Duration of watcher ticks",
			Buckets: prometheus.DefBuckets,
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roundtable_round_transitions_total",
			Help: "Round phase transitions applied",
		}, []string{"action"}),
		Seals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roundtable_journal_seals_total",
			Help: "Journal seal attempts by outcome",
		}, []string{"outcome"}),
		Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roundtable_submissions_total",
			Help: "Submission intake results",
		}, []string{"result"}),
		AuthAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roundtable_auth_verifications_total",
			Help: "Challenge verifications by result",
		}, []string{"result"}),
		DeadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roundtable_dead_letters_total",
			Help: "Dead-letter queue activity",
		}, []string{"event"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roundtable_http_requests_total",
			Help: "HTTP requests by method and status",
		}, []string{"method", "status"}),
		ActiveRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "roundtable_active_rooms",
			Help: "Rooms with an open round as of the last tick",
		}),
		LiveSubscriber: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "roundtable_live_subscribers",
			Help: "Open live event streams",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Ticks,
		m.SkippedTicks,
		m.TickDuration,
		m.Transitions,
		m.Seals,
		m.Submissions,
		m.AuthAttempts,
		m.DeadLetters,
		m.HTTPRequests,
		m.ActiveRooms,
		m.LiveSubscriber,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
