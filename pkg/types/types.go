// Package types defines the shared data structures used across all packages.
//
// This package is the common vocabulary for the engine: markets, orders,
// fills, positions, tickers, and the user-event payloads that venue adapters
// feed into the account. It has no dependencies on internal packages, so it
// can be imported by any layer.
package types

import (
	"fmt"
	"time"
)

// Side represents the direction of an order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Sign returns +1 for buys and -1 for sells, the multiplier applied to
// base-asset balance changes and futures position deltas.
func (s Side) Sign() float64 {
	if s == Sell {
		return -1
	}
	return 1
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// ParseSide normalizes a venue side string ("BUY", "sell", ...).
func ParseSide(s string) (Side, error) {
	switch s {
	case "buy", "BUY", "Buy":
		return Buy, nil
	case "sell", "SELL", "Sell":
		return Sell, nil
	}
	return "", fmt.Errorf("unknown side %q", s)
}

// OrderType enumerates the supported order kinds.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderStatus is the local lifecycle state of an order. Venue statuses are
// folded down to this set by the adapters: partial fills stay open, and
// canceled/filled/rejected all collapse to closed.
type OrderStatus string

const (
	OrderNew    OrderStatus = "new"
	OrderOpen   OrderStatus = "open"
	OrderClosed OrderStatus = "closed"
	// OrderRequestedCancellation marks an order whose cancel has been sent
	// but not yet confirmed by a venue event.
	OrderRequestedCancellation OrderStatus = "requested_cancellation"
)

// MarketKind distinguishes spot pairs from perpetual futures.
type MarketKind string

const (
	KindSpot   MarketKind = "spot"
	KindFuture MarketKind = "future"
)

// Pair identifies a market as (base, quote). Perpetual futures use the
// underlying as base and the literal "PERP" as quote, e.g. (BTC, PERP).
type Pair struct {
	Base  string
	Quote string
}

// PerpQuote is the synthetic quote symbol for perpetual futures pairs.
const PerpQuote = "PERP"

// Perp builds the pair for a perpetual future on the given underlying.
func Perp(underlying string) Pair { return Pair{Base: underlying, Quote: PerpQuote} }

// IsPerp reports whether the pair names a perpetual future.
func (p Pair) IsPerp() bool { return p.Quote == PerpQuote }

func (p Pair) String() string {
	if p.IsPerp() {
		return p.Base + "-PERP"
	}
	return p.Base + "/" + p.Quote
}

// Market is the immutable venue metadata for one trading pair, populated
// from exchange info at connect time. Volume and price formatting rules
// (increments and precisions) live here; see render.go.
type Market struct {
	Kind MarketKind
	Pair Pair
	Name string // venue symbol, e.g. "BTCUSDT" or "BTC-PERP"

	// Underlying is set for futures; equal to Pair.Base.
	Underlying string

	PriceIncrement float64 // tick size
	SizeIncrement  float64 // lot step size
	MinProvideSize float64 // minimum order volume in base units
	MinQuoteVolume float64 // minimum order notional in quote units

	BasePrecision  int // decimals for volume rendering
	QuotePrecision int // decimals for quote amounts
	PricePrecision int // decimals for price rendering

	Enabled bool
}

// BookTicker is the venue's best bid/ask view, updated from best-of-book
// streams. Time is the venue event time used for stale-drop.
type BookTicker struct {
	BidPrice  float64
	BidVolume float64
	AskPrice  float64
	AskVolume float64
	Time      int64 // venue event time, ms
}

// MidPrice returns the midpoint of the best bid and ask.
func (t BookTicker) MidPrice() float64 { return (t.BidPrice + t.AskPrice) / 2 }

// Fill is a single execution against one of our orders. Immutable once
// constructed. Fees maps fee asset to fee amount; a fill can be charged in
// an asset that is neither base nor quote (e.g. BNB discounts).
type Fill struct {
	ID      string
	OrderID string
	Time    time.Time
	Pair    Pair
	Side    Side
	Volume  float64
	Price   float64
	Fees    map[string]float64
}

// Notional returns price * volume.
func (f *Fill) Notional() float64 { return f.Price * f.Volume }

// Order is the wire-level order state as reported by a venue, either from a
// WebSocket execution report or synthesized from an immediate REST response.
// The account package wraps it with local bookkeeping (recorded fills,
// reservation accounting, completion events).
type Order struct {
	ID       string
	ClientID string // our uuid, echoed back by venues that support it
	Pair     Pair
	Side     Side
	Type     OrderType
	Price    float64 // 0 for market orders until fills arrive
	Volume   float64
	// FilledVolume is the venue-reported cumulative filled quantity.
	FilledVolume float64
	Status       OrderStatus
}

// Position is an open perpetual-futures position. Side is +1 long, -1 short.
// Volume stays positive while the position is tracked; crossing through zero
// flips Side and re-anchors EntryPrice.
type Position struct {
	Pair       Pair
	Side       float64
	Volume     float64
	EntryPrice float64
	Margin     float64 // initial margin committed to the position
	PnL        float64 // unrealized, venue-reported where available
}

// Notional returns entry_price * volume.
func (p *Position) Notional() float64 { return p.EntryPrice * p.Volume }

// AccountInfo is the REST snapshot of futures account state.
type AccountInfo struct {
	Positions      []*Position
	Leverage       float64
	FreeCollateral float64
	MakerFee       float64
	TakerFee       float64
}

// Candle is one OHLCV bar.
type Candle struct {
	Time        time.Time
	Open        float64
	High        float64
	Low         float64
	Close       float64
	BaseVolume  float64
	QuoteVolume float64
}

// Credentials carry the API key pair and optional subaccount selector.
// The core receives them by parameter and never reads the environment.
type Credentials struct {
	Key        string
	Secret     string
	Subaccount string
}

// UserEventKind tags entries on the user-event queue.
type UserEventKind string

const (
	// UserEventOrder carries an order placement/update/close.
	UserEventOrder UserEventKind = "order_update"
	// UserEventFill carries a single execution.
	UserEventFill UserEventKind = "fill_update"
	// UserEventAuth signals WS login completion (Err set on rejection).
	UserEventAuth UserEventKind = "auth"
)

// UserEvent is one entry on the adapter -> account queue. Exactly one of
// Order/Fill is set for the order/fill kinds.
type UserEvent struct {
	Kind  UserEventKind
	Order *Order
	Fill  *Fill
	Err   error
}

// MarketOrderRequest describes a market order. Exactly one of Volume
// (base units) or QuoteVolume (quote units) must be positive; venues that
// lack native quote-volume orders convert via the live book.
type MarketOrderRequest struct {
	Pair        Pair
	Side        Side
	Volume      float64
	QuoteVolume float64
}

// Validate enforces the exclusive volume union.
func (r MarketOrderRequest) Validate() error {
	if (r.Volume > 0) == (r.QuoteVolume > 0) {
		return fmt.Errorf("market order %s %s: exactly one of volume or quote_volume must be set", r.Pair, r.Side)
	}
	return nil
}

// LimitOrderRequest describes a limit order. PostOnly and IOC are passed
// through on venues that support them.
type LimitOrderRequest struct {
	Pair     Pair
	Side     Side
	Price    float64
	Volume   float64
	PostOnly bool
	IOC      bool
}

// Validate checks price and volume are positive.
func (r LimitOrderRequest) Validate() error {
	if r.Volume <= 0 {
		return fmt.Errorf("limit order %s %s: non-positive volume %v", r.Pair, r.Side, r.Volume)
	}
	if r.Price <= 0 {
		return fmt.Errorf("limit order %s %s: non-positive price %v", r.Pair, r.Side, r.Price)
	}
	return nil
}
