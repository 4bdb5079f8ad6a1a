// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and tracing for the session gateway.
//
// # Description
//
// Metrics cover the three moving parts of the gateway:
//   - Agent connections (connected hosts gauge, connect/replace/disconnect events)
//   - Agent reports (applied by status, discarded by reason)
//   - Renter operations (commands by action and result, session queries by state)
//
// plus the chain lookups the gateway depends on.
//
// # Integration
//
// Metrics are exposed via /metrics. *Metrics implements the observer
// interfaces of the registry, agent, dispatch, status and chain packages so
// components never import Prometheus directly.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/ComputeGateway/services/gateway/protocol"
	"github.com/AleutianAI/ComputeGateway/services/gateway/status"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "ucgw"

// Connection event labels.
const (
	EventConnected    = "connected"
	EventReplaced     = "replaced"
	EventDisconnected = "disconnected"
	EventRejected     = "rejected"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	// ConnectedHosts is the number of hosts with a live channel.
	ConnectedHosts prometheus.Gauge

	// AgentConnectionsTotal counts connection lifecycle events.
	// Labels: event (connected, replaced, disconnected, rejected)
	AgentConnectionsTotal *prometheus.CounterVec

	// AgentMessagesTotal counts applied agent reports.
	// Labels: status (session_ready, stats_update, session_stopped, session_error)
	AgentMessagesTotal *prometheus.CounterVec

	// AgentMessagesDiscardedTotal counts dropped agent reports.
	// Labels: reason (malformed, incomplete, unresolvable, no_session, unknown_status)
	AgentMessagesDiscardedTotal *prometheus.CounterVec

	// CommandsTotal counts start/stop requests.
	// Labels: action, result
	CommandsTotal *prometheus.CounterVec

	// SessionQueriesTotal counts session queries by reported state.
	// Labels: status (pending, ready, error)
	SessionQueriesTotal *prometheus.CounterVec

	// ChainRequestsTotal counts node lookups.
	// Labels: result (ok, not_found, error)
	ChainRequestsTotal *prometheus.CounterVec

	// ChainRequestDuration measures node lookup latency.
	ChainRequestDuration prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg.
//
// # Description
//
// Passing a fresh prometheus.NewRegistry() keeps tests isolated. The gateway
// uses its own registry too, so two gateways in one process never collide.
//
// # Limitations
//
//   - Panics if the same registry is used twice (duplicate registration).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectedHosts: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connected_hosts",
			Help:      "Number of host agents with a live connection",
		}),
		AgentConnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "agent_connections_total",
			Help:      "Host agent connection lifecycle events",
		}, []string{"event"}),
		AgentMessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "agent_messages_total",
			Help:      "Agent reports applied to the session cache by status",
		}, []string{"status"}),
		AgentMessagesDiscardedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "agent_messages_discarded_total",
			Help:      "Agent reports dropped without effect by reason",
		}, []string{"reason"}),
		CommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "commands_total",
			Help:      "Start and stop requests by action and result",
		}, []string{"action", "result"}),
		SessionQueriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "session_queries_total",
			Help:      "Session status queries by reported state",
		}, []string{"status"}),
		ChainRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "chain_requests_total",
			Help:      "Aptos node view requests by result",
		}, []string{"result"}),
		ChainRequestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "chain_request_duration_seconds",
			Help:      "Aptos node view request latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
	}
}

// =============================================================================
// Observer implementations
// =============================================================================

// HostConnected implements registry.Observer. A replacement leaves the host
// count unchanged.
func (m *Metrics) HostConnected(replaced bool) {
	if replaced {
		m.AgentConnectionsTotal.WithLabelValues(EventReplaced).Inc()
		return
	}
	m.AgentConnectionsTotal.WithLabelValues(EventConnected).Inc()
	m.ConnectedHosts.Inc()
}

// HostDisconnected implements registry.Observer.
func (m *Metrics) HostDisconnected() {
	m.AgentConnectionsTotal.WithLabelValues(EventDisconnected).Inc()
	m.ConnectedHosts.Dec()
}

// AgentRejected records a connection refused before upgrade.
func (m *Metrics) AgentRejected() {
	m.AgentConnectionsTotal.WithLabelValues(EventRejected).Inc()
}

// MessageApplied implements agent.Observer.
func (m *Metrics) MessageApplied(s protocol.Status) {
	m.AgentMessagesTotal.WithLabelValues(string(s)).Inc()
}

// MessageDiscarded implements agent.Observer.
func (m *Metrics) MessageDiscarded(reason string) {
	m.AgentMessagesDiscardedTotal.WithLabelValues(reason).Inc()
}

// CommandIssued implements dispatch.Observer.
func (m *Metrics) CommandIssued(action protocol.Action, result string) {
	m.CommandsTotal.WithLabelValues(string(action), result).Inc()
}

// SessionQueried implements status.Observer.
func (m *Metrics) SessionQueried(state status.State) {
	m.SessionQueriesTotal.WithLabelValues(string(state)).Inc()
}

// ChainRequest implements chain.RequestObserver.
func (m *Metrics) ChainRequest(result string, elapsed time.Duration) {
	m.ChainRequestsTotal.WithLabelValues(result).Inc()
	m.ChainRequestDuration.Observe(elapsed.Seconds())
}
