package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure kinds callers branch on with errors.Is.
var (
	// ErrTransport reports an underlying socket or HTTP failure; the engine
	// reacts by reconnecting the venue.
	ErrTransport = errors.New("transport failure")
	// ErrWSClosed reports a send or wait against a closed venue socket.
	ErrWSClosed = errors.New("websocket closed")
	// ErrNotInitialized reports a read against an order book that has not
	// received its first snapshot.
	ErrNotInitialized = errors.New("order book not initialized")
	// ErrOrderClosed reports a mutation of an order already terminal at the
	// venue. Callers treat it as success.
	ErrOrderClosed = errors.New("order already closed")
	// ErrRateLimitExhausted reports a request whose weight can never be
	// admitted within the venue's windows.
	ErrRateLimitExhausted = errors.New("rate limit exhausted")
	// ErrAuthFailed reports a rejected signature or WS login.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrInvariantViolation reports an internal consistency failure; state
	// is forcibly refreshed from REST after it is logged.
	ErrInvariantViolation = errors.New("invariant violation")
)

// HTTPStatusError is a non-2xx venue response with the body preserved, so
// callers can inspect venue-specific error text (e.g. "Order already closed").
type HTTPStatusError struct {
	Status   int
	Endpoint string
	Body     []byte
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("http %d from %s: %s", e.Status, e.Endpoint, string(e.Body))
}

// OrderPlacementError wraps any failure from the order-submission RPC.
type OrderPlacementError struct {
	Venue string
	Pair  Pair
	Side  Side
	Cause error
}

func (e *OrderPlacementError) Error() string {
	return fmt.Sprintf("%s: place %s %s: %v", e.Venue, e.Side, e.Pair, e.Cause)
}

func (e *OrderPlacementError) Unwrap() error { return e.Cause }

// UnknownMarketError reports a subscribe or order against a pair absent from
// the venue's exchange info.
type UnknownMarketError struct {
	Venue string
	Pair  Pair
}

func (e *UnknownMarketError) Error() string {
	return fmt.Sprintf("%s: unknown market %s (venue connect may not have run)", e.Venue, e.Pair)
}
