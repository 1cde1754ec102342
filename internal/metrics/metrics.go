// Package metrics provides Prometheus instrumentation for the seat chat
// server: connection and presence gauges, request and message counters, and
// relay latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "seatchat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// SeatsOnline tracks seats registered on this instance.
	SeatsOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "seatchat_seats_online",
		Help: "Current number of seats joined on this instance",
	})

	// MessagesTotal counts chat messages by outcome: "sent", "delivered",
	// "blocked" or "rejected".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "seatchat_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"type"})

	// ChatRequestsTotal counts request lifecycle events: "sent", "accepted",
	// "declined".
	ChatRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "seatchat_chat_requests_total",
		Help: "Total number of chat request events",
	}, []string{"event"})

	// MessageLatency records send_message handling latency in seconds.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "seatchat_message_latency_seconds",
		Help:    "Message processing latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// RoomMembers tracks open (connection, seat, room) memberships on this
	// instance.
	RoomMembers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "seatchat_room_members",
		Help: "Current number of connection room memberships",
	})

	// RateLimitedTotal counts actions rejected by the rate limiter.
	RateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "seatchat_rate_limited_total",
		Help: "Total number of rate limited actions",
	}, []string{"action"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		SeatsOnline,
		MessagesTotal,
		ChatRequestsTotal,
		MessageLatency,
		RoomMembers,
		RateLimitedTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
