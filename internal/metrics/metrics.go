// Package metrics registers the Prometheus collectors shared across the
// engine. Collectors are package-level promauto vars so any layer can
// record without carrying a registry around; the status server exposes
// them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// REST / transport

	RestRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptobots_rest_requests_total",
			Help: "REST requests by venue, method and outcome",
		},
		[]string{"venue", "method", "outcome"},
	)

	SchedulerWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cryptobots_scheduler_wait_seconds",
			Help:    "Time spent waiting for rate-limit admission",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"venue"},
	)

	WSFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptobots_ws_frames_total",
			Help: "Inbound WebSocket frames by venue and channel",
		},
		[]string{"venue", "channel"},
	)

	ConnectionStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cryptobots_connection_status",
			Help: "Venue connection status (1=connected, 0=disconnected)",
		},
		[]string{"venue"},
	)

	Reconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptobots_reconnects_total",
			Help: "Venue reconnection attempts",
		},
		[]string{"venue"},
	)

	// Order books

	BookUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptobots_book_updates_total",
			Help: "Order book updates applied",
		},
		[]string{"venue", "market"},
	)

	BookStaleDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptobots_book_stale_drops_total",
			Help: "Order book updates dropped as stale or pre-snapshot duplicates",
		},
		[]string{"venue", "market"},
	)

	BookChecksumFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptobots_book_checksum_failures_total",
			Help: "Order book checksum mismatches forcing resubscribe",
		},
		[]string{"venue", "market"},
	)

	// Account

	FillsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptobots_fills_applied_total",
			Help: "Fill events applied to account state",
		},
		[]string{"venue"},
	)

	FillsParked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptobots_fills_parked_total",
			Help: "Fills received before their order and parked for replay",
		},
		[]string{"venue"},
	)

	AccountRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptobots_account_refreshes_total",
			Help: "Full REST account refreshes by reason",
		},
		[]string{"venue", "reason"},
	)

	// Trading

	OrdersPlaced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptobots_orders_placed_total",
			Help: "Orders submitted by venue, type and outcome",
		},
		[]string{"venue", "type", "outcome"},
	)

	RebalanceLegs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptobots_rebalance_legs_total",
			Help: "Rebalance legs by direction and outcome",
		},
		[]string{"direction", "outcome"},
	)

	SlippageBps = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cryptobots_slippage_bps",
			Help:    "Achieved VWAP vs pre-trade mid, basis points",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 25, 50, 100, 250},
		},
		[]string{"venue", "side"},
	)

	// Risk

	RiskTrips = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cryptobots_risk_trips_total",
			Help: "Times the pre-trade guard tripped and paused trading",
		},
	)

	// Publisher

	PublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptobots_publish_errors_total",
			Help: "Redis stream publish errors",
		},
		[]string{"stream"},
	)
)
