// Package binance implements the spot and USD-M perpetual adapters. Both
// venues share one REST/WS dialect: weighted rate limits from
// exchangeInfo, string-encoded depth levels, listen-key user streams and
// query-parameter request signing. A single client drives both, switched
// by the futures flag where the wire formats genuinely differ.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"cryptobots/internal/transport"
	"cryptobots/internal/venue"
	"cryptobots/pkg/types"
)

const (
	SpotREST    = "https://api.binance.com"
	SpotWS      = "wss://stream.binance.com:9443/stream"
	FuturesREST = "https://fapi.binance.com"
	FuturesWS   = "wss://fstream.binance.com/stream"

	keyHeader         = "X-MBX-APIKEY"
	listenKeyInterval = 30 * time.Minute
	eventQueueSize    = 1024
)

// paths are the venue endpoints, differing between /api/v3 and /fapi.
type paths struct {
	ping         string
	exchangeInfo string
	depth        string
	bookTicker   string
	klines       string
	order        string
	openOrders   string
	cancelAll    string
	fills        string
	balances     string
	account      string
	listenKey    string
	leverage     string
}

var spotPaths = paths{
	ping:         "/api/v3/ping",
	exchangeInfo: "/api/v3/exchangeInfo",
	depth:        "/api/v3/depth",
	bookTicker:   "/api/v3/ticker/bookTicker",
	klines:       "/api/v3/klines",
	order:        "/api/v3/order",
	openOrders:   "/api/v3/openOrders",
	cancelAll:    "/api/v3/openOrders",
	fills:        "/api/v3/myTrades",
	balances:     "/api/v3/account",
	account:      "/api/v3/account",
	listenKey:    "/api/v3/userDataStream",
}

var futuresPaths = paths{
	ping:         "/fapi/v1/ping",
	exchangeInfo: "/fapi/v1/exchangeInfo",
	depth:        "/fapi/v1/depth",
	bookTicker:   "/fapi/v1/ticker/bookTicker",
	klines:       "/fapi/v1/klines",
	order:        "/fapi/v1/order",
	openOrders:   "/fapi/v1/openOrders",
	cancelAll:    "/fapi/v1/allOpenOrders",
	fills:        "/fapi/v1/userTrades",
	balances:     "/fapi/v2/balance",
	account:      "/fapi/v2/account",
	listenKey:    "/fapi/v1/listenKey",
	leverage:     "/fapi/v1/leverage",
}

type client struct {
	name    string
	futures bool
	paths   paths
	conn    *transport.Conn

	// connection lock serializing subscribe/unsubscribe sequences
	mu sync.Mutex

	marketsMu   sync.RWMutex
	markets     map[types.Pair]*types.Market
	marketNames map[string]types.Pair

	books   *venue.BookSet
	tickers *venue.TickerTable

	events chan types.UserEvent
	done   chan struct{}

	// streamCtx scopes everything tied to one transport session: the ws
	// parse task, book run loops and the listen-key keep-alive.
	streamCtx    context.Context
	streamCancel context.CancelFunc

	userMu        sync.Mutex
	userCreds     types.Credentials
	userKey       string
	hasUser       bool
	tickerPairs   []types.Pair
	tickersActive bool

	logger *slog.Logger
}

// Spot is the Binance spot adapter.
type Spot struct{ *client }

// Futures is the Binance USD-M perpetual adapter.
type Futures struct{ *client }

// NewSpot builds a spot adapter over the given transport connection.
func NewSpot(conn *transport.Conn, logger *slog.Logger) *Spot {
	return &Spot{newClient("binance", false, spotPaths, conn, logger)}
}

// NewFutures builds a USD-M perpetual adapter.
func NewFutures(conn *transport.Conn, logger *slog.Logger) *Futures {
	return &Futures{newClient("binance-futures", true, futuresPaths, conn, logger)}
}

func newClient(name string, futures bool, p paths, conn *transport.Conn, logger *slog.Logger) *client {
	return &client{
		name:        name,
		futures:     futures,
		paths:       p,
		conn:        conn,
		markets:     make(map[types.Pair]*types.Market),
		marketNames: make(map[string]types.Pair),
		books:       venue.NewBookSet(),
		tickers:     venue.NewTickerTable(),
		events:      make(chan types.UserEvent, eventQueueSize),
		done:        make(chan struct{}),
		logger:      logger.With("component", "venue", "venue", name),
	}
}

func (c *client) Name() string { return c.name }

// Connect fetches exchange info, fills the market tables, registers the
// venue rate-limit windows, dials the WebSocket and starts the parse task.
func (c *client) Connect(ctx context.Context) error {
	raw, err := c.conn.Get(ctx, c.paths.exchangeInfo, transport.Request{Weights: readWeights(10)})
	if err != nil {
		return fmt.Errorf("exchange info: %w", err)
	}
	if err := c.loadMarkets(raw); err != nil {
		return err
	}
	if err := c.registerRateLimits(raw); err != nil {
		return err
	}
	if err := c.conn.Connect(ctx); err != nil {
		return err
	}

	c.streamCtx, c.streamCancel = context.WithCancel(context.Background())
	go c.wsParse(c.streamCtx, c.conn.Inbound())

	c.logger.Info("connected", "markets", len(c.markets))
	return nil
}

// Close stops the parse task, the books and the transport. The user-event
// queue stays open so a draining account does not block.
func (c *client) Close() error {
	if c.streamCancel != nil {
		c.streamCancel()
	}
	c.books.CloseAll()
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	return c.conn.Close()
}

// Reconnect rebuilds the session: transport and books are torn down in
// order, then the previous market + user subscriptions are restored.
func (c *client) Reconnect(ctx context.Context) error {
	pairs := c.books.Pairs()

	c.userMu.Lock()
	hasUser, creds := c.hasUser, c.userCreds
	tickersActive, tickerPairs := c.tickersActive, c.tickerPairs
	c.userMu.Unlock()

	if c.streamCancel != nil {
		c.streamCancel()
	}
	c.conn.Close()
	c.books.CloseAll()

	if err := c.Connect(ctx); err != nil {
		return err
	}
	if len(pairs) > 0 {
		if err := c.SubscribeOrderBooks(ctx, pairs...); err != nil {
			return err
		}
	}
	if tickersActive {
		if err := c.SubscribeBookTickers(ctx, tickerPairs...); err != nil {
			return err
		}
	}
	if hasUser {
		if err := c.SubscribeUserData(ctx, creds); err != nil {
			return err
		}
	}
	c.logger.Info("reconnected", "books", len(pairs), "user_stream", hasUser)
	return nil
}

// CheckConnection probes REST and the WebSocket concurrently.
func (c *client) CheckConnection(ctx context.Context) error {
	return c.conn.CheckConnection(ctx, c.paths.ping, 10*time.Second)
}

// Markets returns a copy of the market table.
func (c *client) Markets() map[types.Pair]*types.Market {
	c.marketsMu.RLock()
	defer c.marketsMu.RUnlock()
	out := make(map[types.Pair]*types.Market, len(c.markets))
	for p, m := range c.markets {
		out[p] = m
	}
	return out
}

func (c *client) Market(pair types.Pair) (*types.Market, bool) {
	c.marketsMu.RLock()
	defer c.marketsMu.RUnlock()
	m, ok := c.markets[pair]
	return m, ok
}

func (c *client) pairFor(symbol string) (types.Pair, bool) {
	c.marketsMu.RLock()
	defer c.marketsMu.RUnlock()
	p, ok := c.marketNames[symbol]
	return p, ok
}

type symbolInfo struct {
	Symbol         string `json:"symbol"`
	Status         string `json:"status"`
	BaseAsset      string `json:"baseAsset"`
	QuoteAsset     string `json:"quoteAsset"`
	BasePrecision  int    `json:"baseAssetPrecision"`
	QuotePrecision int    `json:"quotePrecision"`
	PricePrecision int    `json:"pricePrecision"` // futures only
	ContractType   string `json:"contractType"`   // futures only
	UnderlyingType string `json:"underlyingType"` // futures only
	Filters        []struct {
		FilterType  string `json:"filterType"`
		TickSize    string `json:"tickSize"`
		StepSize    string `json:"stepSize"`
		MinQty      string `json:"minQty"`
		MinNotional string `json:"minNotional"` // spot NOTIONAL filter
		Notional    string `json:"notional"`    // futures MIN_NOTIONAL filter
	} `json:"filters"`
}

func (c *client) loadMarkets(raw json.RawMessage) error {
	var info struct {
		Symbols []symbolInfo `json:"symbols"`
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		return fmt.Errorf("decode exchange info: %w", err)
	}

	markets := make(map[types.Pair]*types.Market, len(info.Symbols))
	names := make(map[string]types.Pair, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		m, ok, err := c.buildMarket(s)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		markets[m.Pair] = m
		names[m.Name] = m.Pair
	}

	c.marketsMu.Lock()
	c.markets = markets
	c.marketNames = names
	c.marketsMu.Unlock()
	return nil
}

func (c *client) buildMarket(s symbolInfo) (*types.Market, bool, error) {
	m := &types.Market{
		Name:           s.Symbol,
		BasePrecision:  s.BasePrecision,
		QuotePrecision: s.QuotePrecision,
		Enabled:        true,
	}
	if c.futures {
		// Only USDT-margined perpetuals on plain coins are tradable here.
		if s.QuoteAsset != "USDT" || s.ContractType != "PERPETUAL" || s.UnderlyingType != "COIN" {
			return nil, false, nil
		}
		m.Kind = types.KindFuture
		m.Pair = types.Perp(s.BaseAsset)
		m.Underlying = s.BaseAsset
		m.PricePrecision = s.PricePrecision
	} else {
		m.Kind = types.KindSpot
		m.Pair = types.Pair{Base: s.BaseAsset, Quote: s.QuoteAsset}
		// Spot exchange info carries no price precision; quote precision
		// bounds the tick rendering.
		m.PricePrecision = s.QuotePrecision
	}

	for _, f := range s.Filters {
		switch f.FilterType {
		case "PRICE_FILTER":
			v, err := strconv.ParseFloat(f.TickSize, 64)
			if err != nil {
				return nil, false, fmt.Errorf("%s tick size: %w", s.Symbol, err)
			}
			m.PriceIncrement = v
		case "LOT_SIZE":
			step, err := strconv.ParseFloat(f.StepSize, 64)
			if err != nil {
				return nil, false, fmt.Errorf("%s step size: %w", s.Symbol, err)
			}
			minQty, err := strconv.ParseFloat(f.MinQty, 64)
			if err != nil {
				return nil, false, fmt.Errorf("%s min qty: %w", s.Symbol, err)
			}
			m.SizeIncrement = step
			m.MinProvideSize = minQty
		case "NOTIONAL":
			v, err := strconv.ParseFloat(f.MinNotional, 64)
			if err != nil {
				return nil, false, fmt.Errorf("%s min notional: %w", s.Symbol, err)
			}
			m.MinQuoteVolume = v
		case "MIN_NOTIONAL":
			v, err := strconv.ParseFloat(f.Notional, 64)
			if err != nil {
				return nil, false, fmt.Errorf("%s min notional: %w", s.Symbol, err)
			}
			m.MinQuoteVolume = v
		}
	}
	return m, true, nil
}

// registerRateLimits installs the venue's weight windows on the scheduler.
func (c *client) registerRateLimits(raw json.RawMessage) error {
	var info struct {
		RateLimits []struct {
			Type        string `json:"rateLimitType"`
			Interval    string `json:"interval"`
			IntervalNum int64  `json:"intervalNum"`
			Limit       int    `json:"limit"`
		} `json:"rateLimits"`
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		return fmt.Errorf("decode rate limits: %w", err)
	}

	sched := c.conn.Scheduler()
	for _, rl := range info.RateLimits {
		var unit time.Duration
		switch rl.Interval {
		case "SECOND":
			unit = time.Second
		case "MINUTE":
			unit = time.Minute
		case "HOUR":
			unit = time.Hour
		case "DAY":
			unit = 24 * time.Hour
		default:
			c.logger.Warn("unknown rate limit interval", "interval", rl.Interval)
			continue
		}
		sched.RegisterWindow(rl.Type, time.Duration(rl.IntervalNum)*unit, rl.Limit)
	}
	return nil
}

// readWeights charges a read request against the request-weight and
// raw-request windows.
func readWeights(weight int) transport.Weights {
	return transport.Weights{"REQUEST_WEIGHT": weight, "RAW_REQUESTS": 1}
}

// orderWeights additionally charges the order-count windows.
func orderWeights() transport.Weights {
	return transport.Weights{"ORDERS": 1, "REQUEST_WEIGHT": 1, "RAW_REQUESTS": 1}
}

// emit puts one event on the user queue, blocking for backpressure.
func (c *client) emit(ev types.UserEvent) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// UserEvents is the adapter's single outbound queue toward the account.
func (c *client) UserEvents() <-chan types.UserEvent { return c.events }

func symbolLower(m *types.Market) string { return strings.ToLower(m.Name) }
