package metrics

import (
	"github.com/lk2023060901/ai-chat-stream/internal/pkg/workerpool"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chat"

// Metrics holds the stream and persistence collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	streamsStarted  prometheus.Counter
	outcomes        *prometheus.CounterVec
	background      prometheus.Gauge
	transitions     *prometheus.CounterVec
	titles          *prometheus.CounterVec
	persistFailures prometheus.Counter
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		streamsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_started_total",
			Help:      "Number of stream sessions started.",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_outcomes_total",
			Help:      "Stream session outcomes by kind and placement.",
		}, []string{"outcome", "placement"}),
		background: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "background_streams",
			Help:      "Stream sessions currently running in the background.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_transitions_total",
			Help:      "Detach, reattach and abort transitions.",
		}, []string{"transition"}),
		titles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "title_generations_total",
			Help:      "Title generation attempts by result.",
		}, []string{"result"}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "Failed writes to the thread store.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.streamsStarted, m.outcomes, m.background, m.transitions, m.titles, m.persistFailures)
	}
	return m
}

func (m *Metrics) StreamStarted() {
	if m == nil {
		return
	}
	m.streamsStarted.Inc()
}

func (m *Metrics) StreamFinished(outcome, placement string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(outcome, placement).Inc()
}

// SetBackground records the size of the background registry
func (m *Metrics) SetBackground(n int) {
	if m == nil {
		return
	}
	m.background.Set(float64(n))
}

func (m *Metrics) Detached() {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues("detach").Inc()
}

func (m *Metrics) Reattached() {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues("reattach").Inc()
}

func (m *Metrics) Aborted() {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues("abort").Inc()
}

// Title records a title attempt result: generated, fallback or failed
func (m *Metrics) Title(result string) {
	if m == nil {
		return
	}
	m.titles.WithLabelValues(result).Inc()
}

func (m *Metrics) PersistFailed() {
	if m == nil {
		return
	}
	m.persistFailures.Inc()
}

// RegisterPool exposes the counters of a worker pool, read on every scrape
func RegisterPool(reg prometheus.Registerer, name string, stats func() workerpool.Statistics) {
	labels := prometheus.Labels{"pool": name}
	reg.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "pool_tasks_submitted_total",
			Help:        "Tasks submitted to the worker pool.",
			ConstLabels: labels,
		}, func() float64 { return float64(stats().Submitted) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "pool_tasks_failed_total",
			Help:        "Tasks that panicked or could not be submitted.",
			ConstLabels: labels,
		}, func() float64 { return float64(stats().Failed) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "pool_tasks_running",
			Help:        "Tasks currently running in the worker pool.",
			ConstLabels: labels,
		}, func() float64 { return float64(stats().Running) }),
	)
}
