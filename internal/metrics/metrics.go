// Package metrics holds the kernel's Prometheus instruments, exposed at
// /metrics by the gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the kernel.
type Metrics struct {
	RequestTotal    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	LoopTicks    *prometheus.CounterVec
	RecordWrites *prometheus.CounterVec

	WSSessions  prometheus.Gauge
	EventsTotal *prometheus.CounterVec
}

// New creates and registers the kernel metrics on a fresh registry, returned
// alongside so the gateway can serve it. A private registry keeps tests from
// colliding on duplicate registration.
func New() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	m := &Metrics{
		RequestTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "weave_requests_total",
				Help: "HTTP requests handled by the gateway",
			},
			[]string{"route", "method", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "weave_request_duration_seconds",
				Help:    "Gateway request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
		LoopTicks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "weave_loop_ticks_total",
				Help: "Scheduled think-loop ticks by outcome",
			},
			[]string{"outcome"},
		),
		RecordWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "weave_record_writes_total",
				Help: "Record store writes by collection",
			},
			[]string{"collection"},
		),
		WSSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "weave_ws_sessions",
				Help: "Attached websocket sessions",
			},
		),
		EventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "weave_events_total",
				Help: "Observability events published",
			},
			[]string{"event_type", "outcome"},
		),
	}
	return m, reg
}

// Event counts one published observability event.
func (m *Metrics) Event(eventType, outcome string) {
	m.EventsTotal.WithLabelValues(eventType, outcome).Inc()
	switch eventType {
	case "loop.started", "loop.sleep", "loop.error":
		m.LoopTicks.WithLabelValues(outcome).Inc()
	}
}
