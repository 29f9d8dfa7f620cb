package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stockworks/internal/game"
)

// Metrics implements game.Observer and game.Notifier on its own registry.
type Metrics struct {
	reg *prometheus.Registry

	submissions *prometheus.CounterVec
	resolutions *prometheus.HistogramVec
	events      *prometheus.CounterVec
	failures    *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stockworks",
			Name:      "submissions_total",
			Help:      "Player submissions by action kind and outcome.",
		}, []string{"kind", "outcome"}),
		resolutions: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stockworks",
			Name:      "phase_resolution_seconds",
			Help:      "Time spent resolving a phase transition.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"phase"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stockworks",
			Name:      "phase_resolution_failures_total",
			Help:      "Failed phase resolutions; config failures stop the game.",
		}, []string{"phase", "class"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stockworks",
			Name:      "events_published_total",
			Help:      "Game events published after commit, by kind.",
		}, []string{"kind"}),
	}
	m.reg.MustRegister(
		m.submissions, m.resolutions, m.failures, m.events,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Submitted(kind game.ActionKind, err error) {
	m.submissions.WithLabelValues(string(kind), outcome(err)).Inc()
}

func (m *Metrics) Resolved(phase game.PhaseName, took time.Duration, err error) {
	m.resolutions.WithLabelValues(string(phase)).Observe(took.Seconds())
	if err == nil {
		return
	}
	class := "retry"
	if errors.Is(err, game.ErrConfig) {
		class = "config"
	}
	m.failures.WithLabelValues(string(phase), class).Inc()
}

func (m *Metrics) Publish(_ string, ev game.Event) {
	m.events.WithLabelValues(string(ev.Kind)).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, game.ErrGameBusy):
		return "busy"
	case game.IsValidationError(err):
		return "rejected"
	default:
		return "error"
	}
}
