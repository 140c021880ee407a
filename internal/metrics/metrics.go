// Package metrics holds the process-wide Prometheus collectors.
// Labels are bounded; nothing is labeled per peer or per address.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	tickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gridclash_tick_duration_seconds",
		Help:    "Time spent in one server tick",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05},
	})

	peersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gridclash_peers_active",
		Help: "Peers in the Active state",
	})

	cellsOwned = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gridclash_cells_owned",
		Help: "Owned cells on the authoritative grid",
	})

	claimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridclash_claims_total",
		Help: "Claims resolved, by outcome",
	}, []string{"outcome"}) // accepted, already_owned, out_of_bounds, unknown_player

	gamesFinished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gridclash_games_finished_total",
		Help: "Games that reached GAME_OVER",
	})

	// Wire metrics
	datagramsIn = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridclash_datagrams_received_total",
		Help: "Decoded datagrams, by message type",
	}, []string{"type"})

	datagramsOut = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridclash_datagrams_sent_total",
		Help: "Sent datagrams, by message type",
	}, []string{"type"})

	datagramsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridclash_datagrams_dropped_total",
		Help: "Datagrams dropped before processing",
	}, []string{"reason"}) // malformed, queue_full, rate_limit, tick_cap, violation

	snapshotsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridclash_snapshots_sent_total",
		Help: "Snapshots sent, by kind",
	}, []string{"kind"}) // full, delta

	retransmits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gridclash_retransmits_total",
		Help: "Reliable items resent after their deadline",
	})

	nacksReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gridclash_nacks_received_total",
		Help: "SNAPSHOT_NACK resync requests",
	})

	sendErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gridclash_send_errors_total",
		Help: "Transport send failures",
	})

	// Event log metrics
	eventLogTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gridclash_event_log_total",
		Help: "Total events logged",
	})

	eventLogDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gridclash_event_log_dropped_total",
		Help: "Events dropped due to rate limiting or buffer full",
	})

	// HTTP metrics with bounded labels
	connectionRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "connection_rejected_total",
		Help: "Connections rejected by rate limiter or origin check",
	}, []string{"reason"}) // rate_limit, origin, ws_limit

	requestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint"}) // endpoint is the route pattern

	requestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	wsConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "websocket_connections_active",
		Help: "Currently active WebSocket connections",
	})

	wsMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "websocket_messages_total",
		Help: "Total WebSocket messages sent",
	})
)

func RecordTick(d time.Duration) { tickDuration.Observe(d.Seconds()) }
func SetPeersActive(n int) { peersActive.Set(float64(n)) }
func SetCellsOwned(n int) { cellsOwned.Set(float64(n)) }
func RecordClaim(outcome string) { claimsTotal.WithLabelValues(outcome).Inc() }
func RecordGameFinished() { gamesFinished.Inc() }
func RecordReceived(msgType string) { datagramsIn.WithLabelValues(msgType).Inc() }
func RecordSent(msgType string) { datagramsOut.WithLabelValues(msgType).Inc() }
func RecordRetransmit() { retransmits.Inc() }
func RecordNack() { nacksReceived.Inc() }
func RecordSendError() { sendErrors.Inc() }
func RecordConnectionRejected(r string) { connectionRejected.WithLabelValues(r).Inc() }

// RecordDropped counts a datagram discarded before it reached the session.
// reason must be one of: "malformed", "queue_full", "rate_limit",
// "tick_cap", "violation", "read_error".
func RecordDropped(reason string) {
	datagramsDropped.WithLabelValues(reason).Inc()
}

// RecordSnapshot counts one snapshot datagram.
func RecordSnapshot(full bool) {
	if full {
		snapshotsSent.WithLabelValues("full").Inc()
		return
	}
	snapshotsSent.WithLabelValues("delta").Inc()
}

// RecordEventLogged counts an event handed to the log writer.
func RecordEventLogged() { eventLogTotal.Inc() }

// RecordEventDropped counts an event the log could not keep.
func RecordEventDropped() { eventLogDropped.Inc() }

// RecordRequest records HTTP request metrics
func RecordRequest(method, endpoint string, status int, duration time.Duration) {
	requestLatency.WithLabelValues(method, endpoint).Observe(duration.Seconds())
	requestTotal.WithLabelValues(method, endpoint, http.StatusText(status)).Inc()
}

// UpdateWSConnections updates WebSocket connection count
func UpdateWSConnections(count int) { wsConnectionsActive.Set(float64(count)) }

// IncrementWSMessages increments WebSocket message counter
func IncrementWSMessages() { wsMessagesTotal.Inc() }
