// Package metrics collects Prometheus metrics for provider calls and logins.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Recorder is what the auth and calendar packages report to.
type Recorder interface {
	RecordLogin(outcome string)
	RecordRefresh(outcome string)
	RecordProviderCall(operation, outcome string, d time.Duration)
}

// Nop discards everything. Tests and callers without a registry use it.
type Nop struct{}

func (Nop) RecordLogin(string)                                {}
func (Nop) RecordRefresh(string)                              {}
func (Nop) RecordProviderCall(string, string, time.Duration) {}

// Collector is the Prometheus-backed Recorder.
type Collector struct {
	logins          *prometheus.CounterVec
	refreshes       *prometheus.CounterVec
	providerCalls   *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
}

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calproxy_logins_total",
			Help: "Completed OAuth callbacks by outcome.",
		}, []string{"outcome"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calproxy_token_refresh_total",
			Help: "Access token refreshes by outcome.",
		}, []string{"outcome"}),
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calproxy_provider_calls_total",
			Help: "Calendar API calls by operation and outcome.",
		}, []string{"operation", "outcome"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "calproxy_provider_call_seconds",
			Help:    "Calendar API call latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}

	reg.MustRegister(c.logins, c.refreshes, c.providerCalls, c.providerLatency)
	return c
}

// RecordLogin counts a finished callback.
func (c *Collector) RecordLogin(outcome string) {
	c.logins.WithLabelValues(outcome).Inc()
}

// RecordRefresh counts a token refresh attempt.
func (c *Collector) RecordRefresh(outcome string) {
	c.refreshes.WithLabelValues(outcome).Inc()
}

// RecordProviderCall counts a calendar API call and observes its latency.
func (c *Collector) RecordProviderCall(operation, outcome string, d time.Duration) {
	c.providerCalls.WithLabelValues(operation, outcome).Inc()
	c.providerLatency.WithLabelValues(operation).Observe(d.Seconds())
}

// Handler exposes the metrics registered in gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
