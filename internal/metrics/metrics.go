// Package metrics exposes the bridge's Prometheus collectors. Collectors
// register on the default registry at init; the server serves them on
// /metrics via promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EnvelopesTotal counts envelopes entering the handler chain, by direction.
	EnvelopesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_envelopes_total",
		Help: "Envelopes routed through the handler chain.",
	}, []string{"direction"})

	// InterceptsTotal counts intercept-stage outcomes: enriched, passthrough,
	// triage_failed, disabled.
	InterceptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_intercepts_total",
		Help: "Intercept handler outcomes.",
	}, []string{"result"})

	// ToolDispatchTotal counts correlation outcomes: resolved, timeout,
	// no_executor, duplicate, unknown_id.
	ToolDispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_tool_dispatch_total",
		Help: "Tool dispatch correlation outcomes.",
	}, []string{"outcome"})

	// DispatchSessionsTotal counts autonomous session outcomes: success,
	// tests_failed, timeout, error, plus the pre-session decisions escalated,
	// queued, refused_capacity, disabled.
	DispatchSessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_dispatch_sessions_total",
		Help: "Autonomous dispatch decisions and session outcomes.",
	}, []string{"outcome"})

	// ActiveSessions tracks live autonomous sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_active_sessions",
		Help: "Autonomous dispatch sessions currently running.",
	})

	// ConnectedClients tracks registered client connections.
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_connected_clients",
		Help: "Client socket connections currently registered.",
	})

	// AssemblyLatency observes end-to-end context assembly time.
	AssemblyLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bridge_assembly_latency_seconds",
		Help:    "Context assembly latency including the triage call.",
		Buckets: prometheus.DefBuckets,
	})
)
