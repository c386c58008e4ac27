// Package metrics provides Prometheus instrumentation for the matchmaking
// server. It exposes gauges for connection, queue and pair counts, and
// counters for relayed and dropped messages.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsOnline tracks the current number of registered connections.
	ConnectionsOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "strangetalk_connections_online",
		Help: "Current number of registered WebSocket connections",
	})

	// SearchQueueDepth tracks the current length of the search queue,
	// including stale entries awaiting lazy invalidation.
	SearchQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "strangetalk_search_queue_depth",
		Help: "Current number of entries in the partner search queue",
	})

	// ActivePairs tracks the current number of established pairings.
	ActivePairs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "strangetalk_active_pairs",
		Help: "Current number of active partner pairings",
	})

	// RelayedMessages counts messages forwarded to partners, labeled by
	// message type (chat-message, voice-offer, game_rps, ...).
	RelayedMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "strangetalk_relayed_messages_total",
		Help: "Total number of messages relayed between partners",
	}, []string{"type"})

	// DroppedMessages counts relay-eligible messages that were dropped,
	// labeled by reason ("no_partner", "send_failed", "invalid").
	DroppedMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "strangetalk_dropped_messages_total",
		Help: "Total number of relay messages dropped",
	}, []string{"reason"})

	// PairsFormed counts pairings established since server start.
	PairsFormed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "strangetalk_pairs_formed_total",
		Help: "Total number of pairings established",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsOnline,
		SearchQueueDepth,
		ActivePairs,
		RelayedMessages,
		DroppedMessages,
		PairsFormed,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
