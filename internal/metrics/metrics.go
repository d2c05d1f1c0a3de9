// Package metrics provides Prometheus instrumentation for the FlavoursTalk
// chat core. It exposes gauges for connection and session counts, counters
// for message and match throughput, and histograms for latency tracking.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flavourstalk_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts the total number of chat messages processed,
	// labeled by outcome: "sent", "delivered", "rejected", or "dropped".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flavourstalk_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"outcome"})

	// MessageLatency records message processing latency in seconds.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "flavourstalk_message_latency_seconds",
		Help:    "Message processing latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// MatchDuration records the time a session spent waiting before a match.
	MatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "flavourstalk_match_duration_seconds",
		Help:    "Time from find-match request to pairing",
		Buckets: []float64{1, 2, 5, 10, 15, 20, 25, 30},
	})

	// MatchAttemptsTotal counts matchmaking attempts by result: "paired",
	// "no_match", "timeout", or "conflict".
	MatchAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flavourstalk_match_attempts_total",
		Help: "Matchmaking attempts by result",
	}, []string{"result"})

	// MatchScore records the compatibility score of successful pairings.
	MatchScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "flavourstalk_match_score",
		Help:    "Compatibility score of successful pairings",
		Buckets: []float64{0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
	})

	// ActivePairs tracks the current number of live conversation pairs.
	ActivePairs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flavourstalk_active_pairs",
		Help: "Current number of live conversation pairs",
	})

	// WaitingPoolSize tracks the current number of sessions in the waiting pool.
	WaitingPoolSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flavourstalk_waiting_pool_size",
		Help: "Current number of sessions in the waiting pool",
	})

	// SessionsEndedTotal counts ended sessions by cause: "ended", "skipped",
	// "blocked", or "timeout".
	SessionsEndedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flavourstalk_sessions_ended_total",
		Help: "Sessions ended by cause",
	}, []string{"cause"})

	// ReportsTotal counts abuse reports filed, labeled by reason.
	ReportsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flavourstalk_reports_total",
		Help: "Abuse reports filed, by reason",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		MessageLatency,
		MatchDuration,
		MatchAttemptsTotal,
		MatchScore,
		ActivePairs,
		WaitingPoolSize,
		SessionsEndedTotal,
		ReportsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
