// Package metrics provides Prometheus instrumentation for the Whisper video
// server. Gauges mirror the matchmaking engine's live counters; counters
// track throughput of matches, relayed signals, departures and reports.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsActive tracks the current number of registered connections.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "whisper_connections_active",
		Help: "Current number of registered WebSocket connections",
	})

	// ConnectionsTotal counts every connection ever registered.
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "whisper_connections_total",
		Help: "Total number of connections registered since start",
	})

	// ActiveRooms tracks the current number of two-party rooms.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "whisper_active_rooms",
		Help: "Current number of active rooms",
	})

	// MatchQueueSize tracks the current number of profiles in the waiting pool.
	MatchQueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "whisper_match_queue_size",
		Help: "Current number of profiles waiting for a partner",
	})

	// MatchesTotal counts created rooms by the path that created them:
	// "preferences", "next" or "requeue".
	MatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "whisper_matches_total",
		Help: "Total number of rooms created",
	}, []string{"trigger"})

	// MatchWait records how long the waiting side of a match sat in the pool.
	MatchWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "whisper_match_wait_seconds",
		Help:    "Time the matched waiting profile spent in the pool",
		Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 120, 300},
	})

	// SignalsTotal counts signaling messages by kind and outcome
	// ("relayed" or "dropped").
	SignalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "whisper_signals_total",
		Help: "Signaling messages handled by the relay",
	}, []string{"kind", "outcome"})

	// PartnerLeftTotal counts room teardowns by reason.
	PartnerLeftTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "whisper_partner_left_total",
		Help: "Room teardowns by leave reason",
	}, []string{"reason"})

	// ReportsTotal counts report-user events by forwarding outcome.
	ReportsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "whisper_reports_total",
		Help: "Abuse reports received",
	}, []string{"outcome"})

	// RateLimitedTotal counts rejected events by rule.
	RateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "whisper_rate_limited_total",
		Help: "Events rejected by the rate limiter",
	}, []string{"rule"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		ConnectionsTotal,
		ActiveRooms,
		MatchQueueSize,
		MatchesTotal,
		MatchWait,
		SignalsTotal,
		PartnerLeftTotal,
		ReportsTotal,
		RateLimitedTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
