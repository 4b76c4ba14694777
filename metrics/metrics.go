// Package metrics exports prometheus instruments for finished bb84 sessions.
package metrics

import (
	"math"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alan-christopher/bb84sim/bb84"
)

// Collector records every session result it observes. It implements
// bb84.Observer and prometheus.Collector.
type Collector struct {
	sessions    *prometheus.CounterVec
	siftedBits  prometheus.Histogram
	keyBits     prometheus.Histogram
	errorRate   prometheus.Summary
	intercepted prometheus.Counter
	messages    prometheus.Counter
	bytesSent   prometheus.Counter
}

var _ bb84.Observer = (*Collector)(nil)

// NewCollector returns a Collector whose metric names start with namespace.
func NewCollector(namespace string) *Collector {
	return &Collector{
		sessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_total",
				Help:      "Number of finished sessions",
			},
			[]string{"outcome", "reason"},
		),
		siftedBits: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sifted_key_bits",
				Help:      "Length of the sifted key",
				Buckets:   prometheus.ExponentialBuckets(8, 2, 14),
			},
		),
		keyBits: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "final_key_bits",
				Help:      "Length of finalized keys",
				Buckets:   prometheus.ExponentialBuckets(8, 2, 8),
			},
		),
		errorRate: prometheus.NewSummary(
			prometheus.SummaryOpts{
				Namespace:  namespace,
				Name:       "sample_error_rate",
				Help:       "Error rate observed on the disclosed sample",
				Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
			},
		),
		intercepted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "intercepted_qubits_total",
				Help:      "Number of qubits measured by a simulated eavesdropper",
			},
		),
		messages: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "classical_messages_total",
				Help:      "Number of classical channel announcements",
			},
		),
		bytesSent: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "classical_bytes_total",
				Help:      "Bytes sent on the classical channel",
			},
		),
	}
}

func (c *Collector) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.sessions, c.siftedBits, c.keyBits, c.errorRate,
		c.intercepted, c.messages, c.bytesSent,
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.collectors() {
		m.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, m := range c.collectors() {
		m.Collect(ch)
	}
}

// Observe implements bb84.Observer.
func (c *Collector) Observe(r bb84.Result) {
	c.sessions.WithLabelValues(r.Outcome.String(), r.Reason.String()).Inc()
	c.siftedBits.Observe(float64(r.SiftedLen))
	if r.Outcome == bb84.KeyFinalized {
		c.keyBits.Observe(float64(r.Key.Size()))
	}
	if !math.IsNaN(r.Check.ErrorRate) {
		c.errorRate.Observe(r.Check.ErrorRate)
	}
	c.intercepted.Add(float64(r.Stats.Intercepted))
	c.messages.Add(float64(r.Stats.MessagesSent))
	c.bytesSent.Add(float64(r.Stats.BytesSent))
}

// Handler returns an HTTP handler exposing the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
