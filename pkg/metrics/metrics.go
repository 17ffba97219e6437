// Package metrics exposes the Prometheus instrumentation of the fabric.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector registered by the process. One instance is
// created at startup and threaded to the components that record into it.
type Metrics struct {
	Registry *prometheus.Registry

	EventsEmitted    *prometheus.CounterVec
	EventsDropped    *prometheus.CounterVec
	TurnsFinished    *prometheus.CounterVec
	TurnDuration     prometheus.Histogram
	TurnMessages     prometheus.Histogram
	SupersedeTotal   *prometheus.CounterVec
	ToolExecutions   *prometheus.CounterVec
	WebhookDelivery  *prometheus.CounterVec
	WebhookLatency   prometheus.Histogram
	WSConnections    prometheus.Gauge
	RunningTurns     prometheus.Gauge
	OrphansRecovered prometheus.Counter
	Relocalizations  prometheus.Counter
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		EventsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ruche_events_emitted_total",
			Help: "Events emitted through the router, by event type.",
		}, []string{"type"}),
		EventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ruche_events_dropped_total",
			Help: "Events dropped by the router, by tenant and reason.",
		}, []string{"tenant", "reason"}),
		TurnsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ruche_turns_finished_total",
			Help: "Logical turns reaching a terminal state, by state.",
		}, []string{"state"}),
		TurnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ruche_turn_duration_seconds",
			Help:    "Wall time from turn claim to terminal state.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		TurnMessages: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ruche_turn_messages",
			Help:    "Messages aggregated into one logical turn.",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
		}),
		SupersedeTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ruche_supersedes_total",
			Help: "Supersede requests, by decision.",
		}, []string{"decision"}),
		ToolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ruche_tool_executions_total",
			Help: "Tool executions, by tool id and status.",
		}, []string{"tool", "status"}),
		WebhookDelivery: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ruche_webhook_deliveries_total",
			Help: "Webhook delivery attempts, by outcome.",
		}, []string{"outcome"}),
		WebhookLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ruche_webhook_delivery_seconds",
			Help:    "Webhook endpoint response time.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		WSConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ruche_ws_connections",
			Help: "Active WebSocket connections on this pod.",
		}),
		RunningTurns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ruche_running_turns",
			Help: "Turns currently running on this pod.",
		}),
		OrphansRecovered: factory.NewCounter(prometheus.CounterOpts{
			Name: "ruche_orphan_turns_recovered_total",
			Help: "Orphaned turns failed and requeued by the sweeper.",
		}),
		Relocalizations: factory.NewCounter(prometheus.CounterOpts{
			Name: "ruche_relocalizations_total",
			Help: "Scenario re-localization attempts.",
		}),
	}
}

// ObserveEvent records router-level counters for an emitted event.
func (m *Metrics) ObserveEvent(eventType string) {
	if m == nil {
		return
	}
	m.EventsEmitted.WithLabelValues(eventType).Inc()
}

// ObserveDrop records a router drop.
func (m *Metrics) ObserveDrop(tenantID, reason string) {
	if m == nil {
		return
	}
	m.EventsDropped.WithLabelValues(tenantID, reason).Inc()
}
