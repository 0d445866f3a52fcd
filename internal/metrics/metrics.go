// Package metrics exposes the dispatcher's Prometheus collectors and the small
// operational HTTP server that serves them alongside health probes.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dispatcher"

// Delivery outcome labels.
const (
	OutcomeSent   = "sent"
	OutcomeFailed = "failed"
)

// Metrics groups the collectors recorded by the worker and the delivery
// service. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry       *prometheus.Registry
	received       *prometheus.CounterVec
	decodeFailures prometheus.Counter
	deliveries     *prometheus.CounterVec
	latency        prometheus.Histogram
}

// New registers every collector on a private registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Bus messages handed to the dispatch callback.",
		}, []string{"topic"}),
		decodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_failures_total",
			Help:      "Bus messages dropped because the payload could not be decoded.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Per-recipient delivery attempts by outcome.",
		}, []string{"outcome"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Duration of a single SMTP session.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}

	m.registry.MustRegister(
		m.received,
		m.decodeFailures,
		m.deliveries,
		m.latency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// MessageReceived counts one message delivered to the callback for topic.
func (m *Metrics) MessageReceived(topic string) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(topic).Inc()
}

// DecodeFailed counts one dropped payload.
func (m *Metrics) DecodeFailed() {
	if m == nil {
		return
	}
	m.decodeFailures.Inc()
}

// DeliveryObserved records the outcome and duration of one delivery attempt.
func (m *Metrics) DeliveryObserved(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(outcome).Inc()
	m.latency.Observe(elapsed.Seconds())
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
