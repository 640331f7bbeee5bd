package api

import (
	"time"

	"cryptobots/pkg/types"
)

// Event is the wrapper for everything pushed on the status stream: the
// initial snapshot, fills, order transitions, rebalance results and venue
// connection changes.
type Event struct {
	Type      string    `json:"type"` // "snapshot", "fill", "order", "rebalance", "connection"
	Timestamp time.Time `json:"timestamp"`
	Venue     string    `json:"venue,omitempty"`
	Data      any       `json:"data"`
}

// FillEvent is one execution against our orders.
type FillEvent struct {
	FillID  string             `json:"fill_id"`
	OrderID string             `json:"order_id"`
	Pair    string             `json:"pair"`
	Side    string             `json:"side"`
	Price   float64            `json:"price"`
	Volume  float64            `json:"volume"`
	Fees    map[string]float64 `json:"fees,omitempty"`
}

// NewFillEvent wraps a fill for the stream.
func NewFillEvent(venue string, f *types.Fill) Event {
	return Event{
		Type:      "fill",
		Timestamp: time.Now(),
		Venue:     venue,
		Data: FillEvent{
			FillID:  f.ID,
			OrderID: f.OrderID,
			Pair:    f.Pair.String(),
			Side:    string(f.Side),
			Price:   f.Price,
			Volume:  f.Volume,
			Fees:    f.Fees,
		},
	}
}

// NewOrderEvent wraps an order placement, update or close for the stream.
func NewOrderEvent(venue string, o types.Order) Event {
	return Event{
		Type:      "order",
		Timestamp: time.Now(),
		Venue:     venue,
		Data:      NewOrderStatus(o),
	}
}

// ConnectionEvent reports a venue going up or down.
type ConnectionEvent struct {
	State string `json:"state"` // "connected" or "disconnected"
	Error string `json:"error,omitempty"`
}

// NewConnectionEvent wraps a connection transition for the stream.
func NewConnectionEvent(venue, state string, err error) Event {
	ev := ConnectionEvent{State: state}
	if err != nil {
		ev.Error = err.Error()
	}
	return Event{
		Type:      "connection",
		Timestamp: time.Now(),
		Venue:     venue,
		Data:      ev,
	}
}

// RebalanceLeg is the execution summary of one completed rebalance hop.
type RebalanceLeg struct {
	Pair        string  `json:"pair"`
	Side        string  `json:"side"`
	VWAP        float64 `json:"vwap"`
	Volume      float64 `json:"volume"`
	SlippageBps float64 `json:"slippage_bps"`
}

// RebalanceEvent reports the outcome of one trade-to-portfolio pass.
type RebalanceEvent struct {
	Quote     string             `json:"quote"`
	Portfolio map[string]float64 `json:"portfolio,omitempty"` // holdings after all fills
	Legs      []RebalanceLeg     `json:"legs,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// NewRebalanceEvent wraps a rebalance result for the stream.
func NewRebalanceEvent(venue, quote string, portfolio map[string]float64, legs []RebalanceLeg, err error) Event {
	ev := RebalanceEvent{Quote: quote, Portfolio: portfolio, Legs: legs}
	if err != nil {
		ev.Error = err.Error()
	}
	return Event{
		Type:      "rebalance",
		Timestamp: time.Now(),
		Venue:     venue,
		Data:      ev,
	}
}
