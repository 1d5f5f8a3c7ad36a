// Package metrics holds the prometheus collectors of the broadcaster and the
// optional HTTP server exposing them.
//
// Labels are kept bounded: queue is "immediate"|"deferred", result is
// "sent"|"failed", state is the worker state name.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "rassilka"

// Metrics is nil-safe: every method on a nil *Metrics is a no-op, so
// components can run without instrumentation.
type Metrics struct {
	Registry *prometheus.Registry

	sends       *prometheus.CounterVec
	rateLimited prometheus.Counter
	campaigns   prometheus.Counter
	sendLatency prometheus.Histogram
	pacing      prometheus.Histogram
	queueDepth  *prometheus.GaugeVec
	state       *prometheus.GaugeVec
	sentHour    prometheus.Gauge
	sentDay     prometheus.Gauge
	tasks       prometheus.Gauge
	restarts    prometheus.Gauge
}

var states = []string{"idle", "running", "paused", "stopped"}

// New builds collectors on a private registry (plus Go/process collectors).
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Send attempts by result.",
		}, []string{"result"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Items rescheduled because the hourly or daily budget was exhausted.",
		}),
		campaigns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "campaigns_created_total",
			Help:      "Campaigns materialized into the queues.",
		}),
		sendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_duration_seconds",
			Help:      "Transport send latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		pacing: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pacing_delay_seconds",
			Help:      "Pacing delay (pattern + typing) slept before each send.",
			Buckets:   []float64{1, 2, 3, 4, 5, 6, 8, 10, 15, 20, 30, 60},
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Items waiting per queue.",
		}, []string{"queue"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_state",
			Help:      "1 for the current worker state, 0 otherwise.",
		}, []string{"state"}),
		sentHour: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "limiter_sent_this_hour",
			Help:      "Sends counted in the current hour window.",
		}),
		sentDay: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "limiter_sent_today",
			Help:      "Sends counted in the current day window.",
		}),
		tasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "supervised_goroutines",
			Help:      "Goroutines running under the app supervisor.",
		}),
		restarts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "supervised_restarts",
			Help:      "Restarts of supervised goroutines since start.",
		}),
	}
	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sends, m.rateLimited, m.campaigns, m.sendLatency, m.pacing,
		m.queueDepth, m.state, m.sentHour, m.sentDay, m.tasks, m.restarts,
	)
	for _, s := range states {
		m.state.WithLabelValues(s).Set(0)
	}
	m.state.WithLabelValues("idle").Set(1)
	return m
}

func (m *Metrics) ObserveSend(ok bool, took time.Duration) {
	if m == nil {
		return
	}
	result := "sent"
	if !ok {
		result = "failed"
	}
	m.sends.WithLabelValues(result).Inc()
	m.sendLatency.Observe(took.Seconds())
}

func (m *Metrics) ObservePacing(d time.Duration) {
	if m == nil {
		return
	}
	m.pacing.Observe(d.Seconds())
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) CampaignCreated() {
	if m == nil {
		return
	}
	m.campaigns.Inc()
}

func (m *Metrics) SetQueue(immediate, deferred int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues("immediate").Set(float64(immediate))
	m.queueDepth.WithLabelValues("deferred").Set(float64(deferred))
}

func (m *Metrics) SetState(state string) {
	if m == nil {
		return
	}
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		m.state.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) SetLimiter(sentThisHour, sentToday int) {
	if m == nil {
		return
	}
	m.sentHour.Set(float64(sentThisHour))
	m.sentDay.Set(float64(sentToday))
}

func (m *Metrics) SetSupervisor(active int64, restarts uint64) {
	if m == nil {
		return
	}
	m.tasks.Set(float64(active))
	m.restarts.Set(float64(restarts))
}
