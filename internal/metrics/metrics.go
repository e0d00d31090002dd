// Package metrics exposes Prometheus collectors for the guard and gate.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	// Gate metrics
	Challenges *prometheus.CounterVec

	// Guard metrics
	Transitions  *prometheus.CounterVec
	Releases     *prometheus.CounterVec
	FilterErrors prometheus.Counter
	Watched      prometheus.Gauge
	Active       prometheus.Gauge
}

// New creates a metrics collector on its own registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Challenges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_challenges_total",
				Help: "Authentication challenges by outcome",
			},
			[]string{"outcome"},
		),
		Transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_guard_transitions_total",
				Help: "Foreground guard state transitions",
			},
			[]string{"to"},
		),
		Releases: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_guard_releases_total",
				Help: "Sessions released by reason",
			},
			[]string{"reason"},
		),
		FilterErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_filter_errors_total",
				Help: "Failed event source reconfigurations",
			},
		),
		Watched: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "warden_watched_packages",
				Help: "Number of locked packages",
			},
		),
		Active: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "warden_active_session",
				Help: "1 while an authenticated app session is active",
			},
		),
	}
}

// Registry returns the registry the collectors live on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the collected metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
