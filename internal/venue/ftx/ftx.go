// Package ftx adapts the unified spot+derivatives venue. One socket
// carries market data and, after a signed login frame, the private order
// and fill channels; REST requests are authenticated with signed headers
// and an optional subaccount header.
package ftx

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"cryptobots/internal/transport"
	"cryptobots/internal/venue"
	"cryptobots/pkg/types"
)

const (
	RestURL = "https://ftx.com"
	WSURL   = "wss://ftx.com/ws/"

	headerPrefix = "FTX"

	// The venue drops sockets idle for 15 minutes; the application-level
	// ping keeps well inside that.
	appPingInterval = 14 * time.Minute

	authTimeout    = 10 * time.Second
	eventQueueSize = 1024
	requestLimit   = 30 // per second, per IP
)

// Client is the venue adapter. It satisfies venue.Adapter.
type Client struct {
	name string
	conn *transport.Conn

	// mu serializes subscription changes against connect/close.
	mu sync.Mutex

	marketsMu   sync.RWMutex
	markets     map[types.Pair]*types.Market
	marketNames map[string]types.Pair

	books   *venue.BookSet
	tickers *venue.TickerTable

	events chan types.UserEvent
	done   chan struct{}

	streamCtx    context.Context
	streamCancel context.CancelFunc

	userMu        sync.Mutex
	userCreds     types.Credentials
	hasUser       bool
	tickerPairs   []types.Pair
	tickersActive bool

	authMu      sync.Mutex
	authPending map[string]bool
	authDone    chan error

	logger *slog.Logger
}

func New(conn *transport.Conn, logger *slog.Logger) *Client {
	return &Client{
		name:        "ftx",
		conn:        conn,
		markets:     make(map[types.Pair]*types.Market),
		marketNames: make(map[string]types.Pair),
		books:       venue.NewBookSet(),
		tickers:     venue.NewTickerTable(),
		events:      make(chan types.UserEvent, eventQueueSize),
		done:        make(chan struct{}),
		logger:      logger.With("component", "venue", "venue", "ftx"),
	}
}

func (c *Client) Name() string { return c.name }

// Connect loads the market table, registers the per-IP request window,
// dials the socket and starts the parse and keep-alive tasks.
func (c *Client) Connect(ctx context.Context) error {
	raw, err := c.conn.Get(ctx, "/api/markets", transport.Request{Weights: restWeights()})
	if err != nil {
		return fmt.Errorf("markets: %w", err)
	}
	if err := c.loadMarkets(raw); err != nil {
		return err
	}
	c.conn.Scheduler().RegisterWindow("REQUESTS", time.Second, requestLimit)

	if err := c.conn.Connect(ctx); err != nil {
		return err
	}
	c.streamCtx, c.streamCancel = context.WithCancel(context.Background())
	go c.wsParse(c.streamCtx, c.conn.Inbound())
	go c.appPing(c.streamCtx)

	c.logger.Info("connected", "markets", len(c.markets))
	return nil
}

// Close stops the parse task, the books and the transport. The user-event
// queue stays open so a draining account does not block.
func (c *Client) Close() error {
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

// Reconnect rebuilds the session and restores the previous book, ticker
// and user-stream subscriptions.
func (c *Client) Reconnect(ctx context.Context) error {
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

// CheckConnection probes REST and the WebSocket concurrently. The venue
// has no dedicated ping endpoint; the market list is the cheapest read.
func (c *Client) CheckConnection(ctx context.Context) error {
	return c.conn.CheckConnection(ctx, "/api/markets", 10*time.Second)
}

func (c *Client) Markets() map[types.Pair]*types.Market {
	c.marketsMu.RLock()
	defer c.marketsMu.RUnlock()
	out := make(map[types.Pair]*types.Market, len(c.markets))
	for p, m := range c.markets {
		out[p] = m
	}
	return out
}

func (c *Client) Market(pair types.Pair) (*types.Market, bool) {
	c.marketsMu.RLock()
	defer c.marketsMu.RUnlock()
	m, ok := c.markets[pair]
	return m, ok
}

func (c *Client) pairFor(name string) (types.Pair, bool) {
	c.marketsMu.RLock()
	defer c.marketsMu.RUnlock()
	p, ok := c.marketNames[name]
	return p, ok
}

func (c *Client) UserEvents() <-chan types.UserEvent { return c.events }

type marketRow struct {
	Name           string  `json:"name"`
	Type           string  `json:"type"`
	Enabled        bool    `json:"enabled"`
	PostOnly       bool    `json:"postOnly"`
	Restricted     bool    `json:"restricted"`
	BaseCurrency   string  `json:"baseCurrency"`
	QuoteCurrency  string  `json:"quoteCurrency"`
	Underlying     string  `json:"underlying"`
	PriceIncrement float64 `json:"priceIncrement"`
	SizeIncrement  float64 `json:"sizeIncrement"`
	MinProvideSize float64 `json:"minProvideSize"`
}

func (c *Client) loadMarkets(raw json.RawMessage) error {
	rows, err := unwrap[[]marketRow](raw)
	if err != nil {
		return fmt.Errorf("decode markets: %w", err)
	}

	markets := make(map[types.Pair]*types.Market, len(rows))
	names := make(map[string]types.Pair, len(rows))
	for _, r := range rows {
		if !r.Enabled || r.Restricted {
			continue
		}
		m, ok := buildMarket(r)
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

func buildMarket(r marketRow) (*types.Market, bool) {
	m := &types.Market{
		Name:           r.Name,
		PriceIncrement: r.PriceIncrement,
		SizeIncrement:  r.SizeIncrement,
		MinProvideSize: r.MinProvideSize,
		BasePrecision:  precisionOf(r.SizeIncrement),
		PricePrecision: precisionOf(r.PriceIncrement),
		Enabled:        true,
	}
	switch r.Type {
	case "spot":
		m.Kind = types.KindSpot
		m.Pair = types.Pair{Base: r.BaseCurrency, Quote: r.QuoteCurrency}
		m.QuotePrecision = precisionOf(r.PriceIncrement)
	case "future":
		// Futures are keyed by underlying and the expiry tag after the
		// last dash, so "BTC-PERP" becomes the BTC perpetual.
		tag := r.Name[strings.LastIndex(r.Name, "-")+1:]
		m.Kind = types.KindFuture
		m.Pair = types.Pair{Base: r.Underlying, Quote: tag}
		m.Underlying = r.Underlying
		m.QuotePrecision = precisionOf(r.PriceIncrement)
	default:
		return nil, false
	}
	return m, true
}

// precisionOf derives decimal places from an increment, since the venue
// publishes increments rather than precisions.
func precisionOf(increment float64) int {
	if increment <= 0 {
		return 8
	}
	d := decimal.NewFromFloat(increment)
	if exp := d.Exponent(); exp < 0 {
		return int(-exp)
	}
	return 0
}

func restWeights() transport.Weights {
	return transport.Weights{"REQUESTS": 1}
}

// emit puts one event on the user queue, blocking for backpressure.
func (c *Client) emit(ev types.UserEvent) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// unwrap peels the venue's {"success": ..., "result": ...} envelope.
func unwrap[T any](raw json.RawMessage) (T, error) {
	var env struct {
		Success bool            `json:"success"`
		Result  json.RawMessage `json:"result"`
		Error   string          `json:"error"`
	}
	var zero T
	if err := json.Unmarshal(raw, &env); err != nil {
		return zero, err
	}
	if !env.Success {
		return zero, fmt.Errorf("venue error: %s", env.Error)
	}
	var out T
	if len(env.Result) == 0 {
		return zero, nil
	}
	if err := json.Unmarshal(env.Result, &out); err != nil {
		return zero, err
	}
	return out, nil
}
