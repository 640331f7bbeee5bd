package binance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/buger/jsonparser"
	"github.com/google/uuid"

	"cryptobots/internal/transport"
	"cryptobots/internal/venue"
	"cryptobots/pkg/types"
)

// signed signs the request with per-call credentials and issues it. A 401 or
// 403 means the venue rejected the key or signature and is surfaced as an
// authentication failure rather than a plain status error.
func (c *client) signed(ctx context.Context, method, endpoint string, creds types.Credentials, params map[string]string, weights transport.Weights) (json.RawMessage, error) {
	signer := venue.NewQuerySigner(creds, keyHeader)
	signedParams, headers, err := signer.Sign(method, endpoint, params, nil, time.Now())
	if err != nil {
		return nil, err
	}
	req := transport.Request{Params: signedParams, Headers: headers, Weights: weights}

	var raw json.RawMessage
	switch method {
	case "GET":
		raw, err = c.conn.Get(ctx, endpoint, req)
	case "POST":
		raw, err = c.conn.Post(ctx, endpoint, req)
	case "PUT":
		raw, err = c.conn.Put(ctx, endpoint, req)
	case "DELETE":
		raw, err = c.conn.Delete(ctx, endpoint, req)
	default:
		return nil, fmt.Errorf("unsupported method %s", method)
	}
	if err != nil {
		var httpErr *types.HTTPStatusError
		if errors.As(err, &httpErr) && (httpErr.Status == 401 || httpErr.Status == 403) {
			return nil, fmt.Errorf("%s %s: %w: %s", method, endpoint, types.ErrAuthFailed, httpErr.Body)
		}
		return nil, err
	}
	return raw, nil
}

// SubscribeUserData acquires a listen key, joins its stream on the shared
// socket and starts the keep-alive task. The listen-key request is keyed but
// not signed.
func (c *client) SubscribeUserData(ctx context.Context, creds types.Credentials) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	signer := venue.NewQuerySigner(creds, keyHeader)
	raw, err := c.conn.Post(ctx, c.paths.listenKey, transport.Request{
		Headers: signer.KeyHeader(),
		Weights: readWeights(1),
	})
	if err != nil {
		var httpErr *types.HTTPStatusError
		if errors.As(err, &httpErr) && (httpErr.Status == 401 || httpErr.Status == 403) {
			return fmt.Errorf("listen key: %w", types.ErrAuthFailed)
		}
		return fmt.Errorf("listen key: %w", err)
	}
	key, err := jsonparser.GetString(raw, "listenKey")
	if err != nil {
		return fmt.Errorf("decode listen key: %w", err)
	}

	c.userMu.Lock()
	c.userCreds = creds
	c.userKey = key
	c.hasUser = true
	c.userMu.Unlock()

	if err := c.conn.WSSend(ctx, map[string]any{"method": "SUBSCRIBE", "params": []string{key}}); err != nil {
		return fmt.Errorf("subscribe user stream: %w", err)
	}
	go c.keepListenKeyAlive(c.streamCtx, creds, key)

	c.emit(types.UserEvent{Kind: types.UserEventAuth})
	c.logger.Info("user data stream subscribed")
	return nil
}

// Listen keys expire after an hour unless refreshed.
func (c *client) keepListenKeyAlive(ctx context.Context, creds types.Credentials, key string) {
	signer := venue.NewQuerySigner(creds, keyHeader)
	ticker := time.NewTicker(listenKeyInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := c.conn.Put(ctx, c.paths.listenKey, transport.Request{
				Params:  map[string]string{"listenKey": key},
				Headers: signer.KeyHeader(),
				Weights: readWeights(1),
			})
			if err != nil {
				c.logger.Warn("listen key keep-alive failed", "error", err)
			}
		}
	}
}

// execReport carries the order fields shared by the spot executionReport
// payload and the futures ORDER_TRADE_UPDATE inner object.
type execReport struct {
	Symbol    string  `json:"s"`
	Side      string  `json:"S"`
	Volume    string  `json:"q"`
	Price     string  `json:"p"`
	Type      string  `json:"o"`
	Status    string  `json:"X"`
	Filled    string  `json:"z"`
	ExecType  string  `json:"x"`
	OrderID   int64   `json:"i"`
	ClientID  string  `json:"c"`
	TradeID   int64   `json:"t"`
	FillVol   string  `json:"l"`
	FillPrice string  `json:"L"`
	FeeAsset  *string `json:"N"`
	Fee       string  `json:"n"`
	EventTime int64   `json:"E"`
	TradeTime int64   `json:"T"`
}

// handleUserFrame routes one user-stream payload. Parse failures are not
// swallowed: an event with Err set tells the account that it may have missed
// an update and must resynchronize over REST.
func (c *client) handleUserFrame(data json.RawMessage) {
	event, err := jsonparser.GetString(data, "e")
	if err != nil {
		c.logger.Debug("user frame without event type")
		return
	}
	switch event {
	case "executionReport":
		// Spot reports are flat; the fill timestamp is the event time.
		c.handleExecReport(data, false)
	case "ORDER_TRADE_UPDATE":
		inner, _, _, err := jsonparser.Get(data, "o")
		if err != nil {
			c.logger.Error("order trade update without order object", "error", err)
			c.emit(types.UserEvent{Kind: types.UserEventOrder, Err: err})
			return
		}
		c.handleExecReport(inner, true)
	case "outboundAccountPosition", "balanceUpdate", "ACCOUNT_UPDATE":
		// Balance echoes. Fills already carry the deltas.
	case "listenKeyExpired":
		c.logger.Warn("listen key expired, user stream is stale until reconnect")
	default:
		c.logger.Debug("unhandled user event", "event", event)
	}
}

func (c *client) handleExecReport(raw []byte, futures bool) {
	var ev execReport
	if err := json.Unmarshal(raw, &ev); err != nil {
		c.logger.Error("malformed execution report", "error", err)
		c.emit(types.UserEvent{Kind: types.UserEventOrder, Err: err})
		return
	}
	pair, ok := c.pairFor(ev.Symbol)
	if !ok {
		c.logger.Debug("execution report for unknown symbol", "symbol", ev.Symbol)
		return
	}

	order, err := execToOrder(ev, pair)
	if err != nil {
		c.logger.Error("malformed execution report", "error", err)
		c.emit(types.UserEvent{Kind: types.UserEventOrder, Err: err})
		return
	}
	c.emit(types.UserEvent{Kind: types.UserEventOrder, Order: order})

	if ev.ExecType != "TRADE" {
		return
	}
	fill, err := execToFill(ev, pair, order, futures)
	if err != nil {
		c.logger.Error("malformed fill report", "error", err)
		c.emit(types.UserEvent{Kind: types.UserEventFill, Err: err})
		return
	}
	c.emit(types.UserEvent{Kind: types.UserEventFill, Fill: fill})
}

func execToOrder(ev execReport, pair types.Pair) (*types.Order, error) {
	side, err := types.ParseSide(ev.Side)
	if err != nil {
		return nil, err
	}
	volume, err := strconv.ParseFloat(ev.Volume, 64)
	if err != nil {
		return nil, fmt.Errorf("order volume %q: %w", ev.Volume, err)
	}
	price, err := strconv.ParseFloat(ev.Price, 64)
	if err != nil {
		return nil, fmt.Errorf("order price %q: %w", ev.Price, err)
	}
	filled, err := strconv.ParseFloat(ev.Filled, 64)
	if err != nil {
		return nil, fmt.Errorf("filled volume %q: %w", ev.Filled, err)
	}
	return &types.Order{
		ID:           strconv.FormatInt(ev.OrderID, 10),
		ClientID:     ev.ClientID,
		Pair:         pair,
		Side:         side,
		Type:         types.OrderType(strings.ToLower(ev.Type)),
		Price:        price,
		Volume:       volume,
		FilledVolume: filled,
		Status:       foldStatus(ev.Status),
	}, nil
}

func execToFill(ev execReport, pair types.Pair, order *types.Order, futures bool) (*types.Fill, error) {
	volume, err := strconv.ParseFloat(ev.FillVol, 64)
	if err != nil {
		return nil, fmt.Errorf("fill volume %q: %w", ev.FillVol, err)
	}
	price, err := strconv.ParseFloat(ev.FillPrice, 64)
	if err != nil {
		return nil, fmt.Errorf("fill price %q: %w", ev.FillPrice, err)
	}
	ts := ev.EventTime
	if futures {
		ts = ev.TradeTime
	}
	fill := &types.Fill{
		ID:      strconv.FormatInt(ev.TradeID, 10),
		OrderID: order.ID,
		Time:    time.UnixMilli(ts),
		Pair:    pair,
		Side:    order.Side,
		Volume:  volume,
		Price:   price,
		Fees:    map[string]float64{},
	}
	if ev.FeeAsset != nil && *ev.FeeAsset != "" {
		fee := 0.0
		if ev.Fee != "" {
			fee, err = strconv.ParseFloat(ev.Fee, 64)
			if err != nil {
				return nil, fmt.Errorf("fee %q: %w", ev.Fee, err)
			}
		}
		fill.Fees[*ev.FeeAsset] = fee
	}
	return fill, nil
}

// foldStatus maps the venue's order states onto the local lifecycle.
// Partially filled orders stay open; every terminal state is closed.
func foldStatus(status string) types.OrderStatus {
	switch strings.ToUpper(status) {
	case "NEW":
		return types.OrderNew
	case "PARTIALLY_FILLED":
		return types.OrderOpen
	case "PENDING_CANCEL":
		return types.OrderRequestedCancellation
	case "FILLED", "CANCELED", "REJECTED", "EXPIRED", "EXPIRED_IN_MATCH":
		return types.OrderClosed
	default:
		return types.OrderOpen
	}
}

// restOrder is the order shape shared by the order, cancel and open-orders
// endpoints.
type restOrder struct {
	OrderID  int64  `json:"orderId"`
	ClientID string `json:"clientOrderId"`
	Symbol   string `json:"symbol"`
	Status   string `json:"status"`
	Side     string `json:"side"`
	Type     string `json:"type"`
	Price    string `json:"price"`
	OrigQty  string `json:"origQty"`
	Executed string `json:"executedQty"`
}

func (c *client) restToOrder(r restOrder, pair types.Pair) (*types.Order, error) {
	side, err := types.ParseSide(r.Side)
	if err != nil {
		return nil, err
	}
	price, err := strconv.ParseFloat(r.Price, 64)
	if err != nil {
		return nil, fmt.Errorf("order price %q: %w", r.Price, err)
	}
	volume, err := strconv.ParseFloat(r.OrigQty, 64)
	if err != nil {
		return nil, fmt.Errorf("order volume %q: %w", r.OrigQty, err)
	}
	filled, err := strconv.ParseFloat(r.Executed, 64)
	if err != nil {
		return nil, fmt.Errorf("filled volume %q: %w", r.Executed, err)
	}
	return &types.Order{
		ID:           strconv.FormatInt(r.OrderID, 10),
		ClientID:     r.ClientID,
		Pair:         pair,
		Side:         side,
		Type:         types.OrderType(strings.ToLower(r.Type)),
		Price:        price,
		Volume:       volume,
		FilledVolume: filled,
		Status:       foldStatus(r.Status),
	}, nil
}

func (c *client) decodeRESTOrder(raw json.RawMessage, pair types.Pair) (*types.Order, error) {
	var r restOrder
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode order response: %w", err)
	}
	return c.restToOrder(r, pair)
}

// MarketOrder places a market order. Exactly one of Volume and QuoteVolume
// is set; quote-volume orders use the venue's native quoteOrderQty on spot
// and are converted through the local book on futures, which means the book
// must already be subscribed there.
func (c *client) MarketOrder(ctx context.Context, creds types.Credentials, req types.MarketOrderRequest) (*types.Order, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	m, ok := c.Market(req.Pair)
	if !ok {
		return nil, &types.UnknownMarketError{Venue: c.name, Pair: req.Pair}
	}

	params := map[string]string{
		"symbol":           m.Name,
		"side":             strings.ToUpper(string(req.Side)),
		"type":             "MARKET",
		"newClientOrderId": uuid.NewString(),
	}
	switch {
	case req.QuoteVolume > 0 && !c.futures:
		if req.QuoteVolume < m.MinQuoteVolume {
			return nil, fmt.Errorf("quote volume %v below market minimum %v for %s", req.QuoteVolume, m.MinQuoteVolume, m.Name)
		}
		params["quoteOrderQty"] = m.RenderQuoteVolume(req.QuoteVolume)
	case req.QuoteVolume > 0:
		volume, err := c.volumeFromQuote(req.Pair, req.Side, req.QuoteVolume)
		if err != nil {
			return nil, err
		}
		if volume < m.MinProvideSize {
			return nil, fmt.Errorf("volume %v below market minimum %v for %s", volume, m.MinProvideSize, m.Name)
		}
		params["quantity"] = m.RenderVolume(volume)
	default:
		if req.Volume < m.MinProvideSize {
			return nil, fmt.Errorf("volume %v below market minimum %v for %s", req.Volume, m.MinProvideSize, m.Name)
		}
		params["quantity"] = m.RenderVolume(req.Volume)
	}

	raw, err := c.signed(ctx, "POST", c.paths.order, creds, params, orderWeights())
	if err != nil {
		return nil, &types.OrderPlacementError{Venue: c.name, Pair: req.Pair, Side: req.Side, Cause: err}
	}
	order, err := c.decodeRESTOrder(raw, req.Pair)
	if err != nil {
		return nil, &types.OrderPlacementError{Venue: c.name, Pair: req.Pair, Side: req.Side, Cause: err}
	}
	c.emit(types.UserEvent{Kind: types.UserEventOrder, Order: order})
	return order, nil
}

// volumeFromQuote converts a quote notional to base volume at the book's
// quote-volume walk price.
func (c *client) volumeFromQuote(pair types.Pair, side types.Side, quote float64) (float64, error) {
	b, ok := c.books.Get(pair)
	if !ok {
		return 0, fmt.Errorf("no order book for %s: %w", pair, types.ErrNotInitialized)
	}
	var price float64
	var err error
	if side == types.Buy {
		price, err = b.MarketBuyPriceQuote(quote)
	} else {
		price, err = b.MarketSellPriceQuote(quote)
	}
	if err != nil {
		return 0, fmt.Errorf("quote conversion for %s: %w", pair, err)
	}
	return quote / price, nil
}

// LimitOrder places a limit order, GTC unless the request narrows it.
func (c *client) LimitOrder(ctx context.Context, creds types.Credentials, req types.LimitOrderRequest) (*types.Order, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	m, ok := c.Market(req.Pair)
	if !ok {
		return nil, &types.UnknownMarketError{Venue: c.name, Pair: req.Pair}
	}
	if req.Volume < m.MinProvideSize {
		return nil, fmt.Errorf("volume %v below market minimum %v for %s", req.Volume, m.MinProvideSize, m.Name)
	}

	params := map[string]string{
		"symbol":           m.Name,
		"side":             strings.ToUpper(string(req.Side)),
		"type":             "LIMIT",
		"timeInForce":      "GTC",
		"price":            m.RenderPrice(req.Price, req.Side),
		"quantity":         m.RenderVolume(req.Volume),
		"newClientOrderId": uuid.NewString(),
	}
	switch {
	case req.PostOnly && c.futures:
		params["timeInForce"] = "GTX"
	case req.PostOnly:
		// Spot expresses post-only as a distinct type without timeInForce.
		params["type"] = "LIMIT_MAKER"
		delete(params, "timeInForce")
	case req.IOC:
		params["timeInForce"] = "IOC"
	}

	raw, err := c.signed(ctx, "POST", c.paths.order, creds, params, orderWeights())
	if err != nil {
		return nil, &types.OrderPlacementError{Venue: c.name, Pair: req.Pair, Side: req.Side, Cause: err}
	}
	order, err := c.decodeRESTOrder(raw, req.Pair)
	if err != nil {
		return nil, &types.OrderPlacementError{Venue: c.name, Pair: req.Pair, Side: req.Side, Cause: err}
	}
	c.emit(types.UserEvent{Kind: types.UserEventOrder, Order: order})
	return order, nil
}

// Cancel of an order that already left the venue's book answers with these
// error codes.
var closedOrderCodes = [][]byte{[]byte("-2011"), []byte("-2013")}

// CancelOrder cancels one order. A venue answer that the order is already
// gone maps to ErrOrderClosed so callers can treat the race as success.
func (c *client) CancelOrder(ctx context.Context, creds types.Credentials, pair types.Pair, orderID string) error {
	m, ok := c.Market(pair)
	if !ok {
		return &types.UnknownMarketError{Venue: c.name, Pair: pair}
	}
	params := map[string]string{"symbol": m.Name, "orderId": orderID}
	raw, err := c.signed(ctx, "DELETE", c.paths.order, creds, params, readWeights(1))
	if err != nil {
		var httpErr *types.HTTPStatusError
		if errors.As(err, &httpErr) {
			for _, code := range closedOrderCodes {
				if bytes.Contains(httpErr.Body, code) {
					return fmt.Errorf("cancel %s: %w", orderID, types.ErrOrderClosed)
				}
			}
		}
		return fmt.Errorf("cancel %s: %w", orderID, err)
	}
	order, err := c.decodeRESTOrder(raw, pair)
	if err != nil {
		return fmt.Errorf("cancel %s: %w", orderID, err)
	}
	c.emit(types.UserEvent{Kind: types.UserEventOrder, Order: order})
	return nil
}

// CancelAllOrders cancels every open order, symbol by symbol since the venue
// has no account-wide call. Orders confirmed gone are echoed as closed.
func (c *client) CancelAllOrders(ctx context.Context, creds types.Credentials) error {
	open, err := c.GetOpenOrders(ctx, creds)
	if err != nil {
		return err
	}
	bySymbol := make(map[string][]*types.Order)
	for _, o := range open {
		m, ok := c.Market(o.Pair)
		if !ok {
			continue
		}
		bySymbol[m.Name] = append(bySymbol[m.Name], o)
	}
	for symbol, orders := range bySymbol {
		params := map[string]string{"symbol": symbol}
		if _, err := c.signed(ctx, "DELETE", c.paths.cancelAll, creds, params, readWeights(1)); err != nil {
			return fmt.Errorf("cancel all %s: %w", symbol, err)
		}
		for _, o := range orders {
			closed := *o
			closed.Status = types.OrderClosed
			c.emit(types.UserEvent{Kind: types.UserEventOrder, Order: &closed})
		}
	}
	return nil
}

// GetOpenOrders fetches every open order and echoes each one on the user
// queue so the account table converges even if stream updates were lost.
func (c *client) GetOpenOrders(ctx context.Context, creds types.Credentials) ([]*types.Order, error) {
	raw, err := c.signed(ctx, "GET", c.paths.openOrders, creds, nil, readWeights(40))
	if err != nil {
		return nil, err
	}
	var rows []restOrder
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}
	orders := make([]*types.Order, 0, len(rows))
	for _, r := range rows {
		pair, ok := c.pairFor(r.Symbol)
		if !ok {
			continue
		}
		o, err := c.restToOrder(r, pair)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
		c.emit(types.UserEvent{Kind: types.UserEventOrder, Order: o})
	}
	return orders, nil
}

type tradeRow struct {
	ID         int64  `json:"id"`
	OrderID    int64  `json:"orderId"`
	Price      string `json:"price"`
	Qty        string `json:"qty"`
	Commission string `json:"commission"`
	FeeAsset   string `json:"commissionAsset"`
	Time       int64  `json:"time"`
	IsBuyer    bool   `json:"isBuyer"`
}

// GetFills fetches the trades of one order and echoes each on the user
// queue. Futures ignores the orderId filter server side, so filtering is
// repeated locally on both venues.
func (c *client) GetFills(ctx context.Context, creds types.Credentials, pair types.Pair, orderID string) ([]*types.Fill, error) {
	m, ok := c.Market(pair)
	if !ok {
		return nil, &types.UnknownMarketError{Venue: c.name, Pair: pair}
	}
	params := map[string]string{"symbol": m.Name}
	if !c.futures {
		params["orderId"] = orderID
	}
	raw, err := c.signed(ctx, "GET", c.paths.fills, creds, params, readWeights(10))
	if err != nil {
		return nil, err
	}
	var rows []tradeRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("decode fills: %w", err)
	}

	fills := make([]*types.Fill, 0, len(rows))
	for _, r := range rows {
		if strconv.FormatInt(r.OrderID, 10) != orderID {
			continue
		}
		price, err := strconv.ParseFloat(r.Price, 64)
		if err != nil {
			return nil, fmt.Errorf("fill price %q: %w", r.Price, err)
		}
		volume, err := strconv.ParseFloat(r.Qty, 64)
		if err != nil {
			return nil, fmt.Errorf("fill volume %q: %w", r.Qty, err)
		}
		side := types.Sell
		if r.IsBuyer {
			side = types.Buy
		}
		fill := &types.Fill{
			ID:      strconv.FormatInt(r.ID, 10),
			OrderID: orderID,
			Time:    time.UnixMilli(r.Time),
			Pair:    pair,
			Side:    side,
			Volume:  volume,
			Price:   price,
			Fees:    map[string]float64{},
		}
		if r.FeeAsset != "" {
			fee, err := strconv.ParseFloat(r.Commission, 64)
			if err != nil {
				return nil, fmt.Errorf("fee %q: %w", r.Commission, err)
			}
			fill.Fees[r.FeeAsset] = fee
		}
		fills = append(fills, fill)
		c.emit(types.UserEvent{Kind: types.UserEventFill, Fill: fill})
	}
	return fills, nil
}

// GetAccountBalances returns total and withdrawable balances per asset,
// zero balances filtered out.
func (c *client) GetAccountBalances(ctx context.Context, creds types.Credentials) (map[string]float64, map[string]float64, error) {
	if c.futures {
		raw, err := c.signed(ctx, "GET", c.paths.balances, creds, nil, readWeights(5))
		if err != nil {
			return nil, nil, err
		}
		var rows []struct {
			Asset     string `json:"asset"`
			Balance   string `json:"balance"`
			Available string `json:"availableBalance"`
		}
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, nil, fmt.Errorf("decode balances: %w", err)
		}
		total := make(map[string]float64)
		available := make(map[string]float64)
		for _, r := range rows {
			bal, err := strconv.ParseFloat(r.Balance, 64)
			if err != nil {
				return nil, nil, fmt.Errorf("balance %q: %w", r.Balance, err)
			}
			avail, err := strconv.ParseFloat(r.Available, 64)
			if err != nil {
				return nil, nil, fmt.Errorf("balance %q: %w", r.Available, err)
			}
			if bal > 0 {
				total[r.Asset] = bal
			}
			if avail > 0 {
				available[r.Asset] = avail
			}
		}
		return total, available, nil
	}

	raw, err := c.signed(ctx, "GET", c.paths.balances, creds, nil, readWeights(10))
	if err != nil {
		return nil, nil, err
	}
	var acct struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(raw, &acct); err != nil {
		return nil, nil, fmt.Errorf("decode balances: %w", err)
	}
	total := make(map[string]float64)
	available := make(map[string]float64)
	for _, r := range acct.Balances {
		free, err := strconv.ParseFloat(r.Free, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("balance %q: %w", r.Free, err)
		}
		locked, err := strconv.ParseFloat(r.Locked, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("balance %q: %w", r.Locked, err)
		}
		if free+locked > 0 {
			total[r.Asset] = free + locked
		}
		if free > 0 {
			available[r.Asset] = free
		}
	}
	return total, available, nil
}

type futuresAccount struct {
	AvailableBalance string `json:"availableBalance"`
	Positions        []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		InitialMargin    string `json:"initialMargin"`
		UnrealizedProfit string `json:"unrealizedProfit"`
		Leverage         string `json:"leverage"`
	} `json:"positions"`
}

func (c *client) fetchFuturesAccount(ctx context.Context, creds types.Credentials) (*futuresAccount, error) {
	raw, err := c.signed(ctx, "GET", c.paths.account, creds, nil, readWeights(5))
	if err != nil {
		return nil, err
	}
	var acct futuresAccount
	if err := json.Unmarshal(raw, &acct); err != nil {
		return nil, fmt.Errorf("decode account: %w", err)
	}
	return &acct, nil
}

func (c *client) accountPositions(acct *futuresAccount) ([]*types.Position, error) {
	var positions []*types.Position
	for _, p := range acct.Positions {
		amt, err := strconv.ParseFloat(p.PositionAmt, 64)
		if err != nil {
			return nil, fmt.Errorf("position amount %q: %w", p.PositionAmt, err)
		}
		if amt == 0 {
			continue
		}
		pair, ok := c.pairFor(p.Symbol)
		if !ok {
			continue
		}
		entry, err := strconv.ParseFloat(p.EntryPrice, 64)
		if err != nil {
			return nil, fmt.Errorf("entry price %q: %w", p.EntryPrice, err)
		}
		margin, err := strconv.ParseFloat(p.InitialMargin, 64)
		if err != nil {
			return nil, fmt.Errorf("margin %q: %w", p.InitialMargin, err)
		}
		pnl, err := strconv.ParseFloat(p.UnrealizedProfit, 64)
		if err != nil {
			return nil, fmt.Errorf("unrealized pnl %q: %w", p.UnrealizedProfit, err)
		}
		side := 1.0
		if amt < 0 {
			side = -1.0
			amt = -amt
		}
		positions = append(positions, &types.Position{
			Pair:       pair,
			Side:       side,
			Volume:     amt,
			EntryPrice: entry,
			Margin:     margin,
			PnL:        pnl,
		})
	}
	return positions, nil
}

// GetPositions returns open futures positions. Spot has none.
func (c *client) GetPositions(ctx context.Context, creds types.Credentials) ([]*types.Position, error) {
	if !c.futures {
		return nil, nil
	}
	acct, err := c.fetchFuturesAccount(ctx, creds)
	if err != nil {
		return nil, err
	}
	return c.accountPositions(acct)
}

// GetAccountInfo returns positions, account leverage and free collateral.
// Leverage is the most conservative setting across symbols. Spot accounts
// report the zero value.
func (c *client) GetAccountInfo(ctx context.Context, creds types.Credentials) (*types.AccountInfo, error) {
	if !c.futures {
		return &types.AccountInfo{}, nil
	}
	acct, err := c.fetchFuturesAccount(ctx, creds)
	if err != nil {
		return nil, err
	}
	positions, err := c.accountPositions(acct)
	if err != nil {
		return nil, err
	}
	leverage := 0.0
	for _, p := range acct.Positions {
		lev, err := strconv.ParseFloat(p.Leverage, 64)
		if err != nil {
			continue
		}
		if leverage == 0 || lev < leverage {
			leverage = lev
		}
	}
	if leverage == 0 {
		leverage = 1
	}
	free, err := strconv.ParseFloat(acct.AvailableBalance, 64)
	if err != nil {
		return nil, fmt.Errorf("available balance %q: %w", acct.AvailableBalance, err)
	}
	return &types.AccountInfo{
		Positions:      positions,
		Leverage:       leverage,
		FreeCollateral: free,
	}, nil
}

// SetLeverage configures the per-symbol leverage on futures.
func (c *client) SetLeverage(ctx context.Context, creds types.Credentials, pair types.Pair, leverage int) error {
	if !c.futures {
		return fmt.Errorf("%s: leverage not supported on spot", c.name)
	}
	m, ok := c.Market(pair)
	if !ok {
		return &types.UnknownMarketError{Venue: c.name, Pair: pair}
	}
	params := map[string]string{"symbol": m.Name, "leverage": strconv.Itoa(leverage)}
	if _, err := c.signed(ctx, "POST", c.paths.leverage, creds, params, readWeights(1)); err != nil {
		return fmt.Errorf("set leverage %s: %w", m.Name, err)
	}
	return nil
}

var klineIntervals = map[time.Duration]string{
	time.Minute:      "1m",
	5 * time.Minute:  "5m",
	15 * time.Minute: "15m",
	time.Hour:        "1h",
	4 * time.Hour:    "4h",
	24 * time.Hour:   "1d",
}

// GetCandles fetches up to 1000 klines of the given resolution.
func (c *client) GetCandles(ctx context.Context, pair types.Pair, start, end time.Time, resolution time.Duration) ([]types.Candle, error) {
	m, ok := c.Market(pair)
	if !ok {
		return nil, &types.UnknownMarketError{Venue: c.name, Pair: pair}
	}
	interval, ok := klineIntervals[resolution]
	if !ok {
		return nil, fmt.Errorf("unsupported candle resolution %s", resolution)
	}
	params := map[string]string{
		"symbol":    m.Name,
		"interval":  interval,
		"startTime": strconv.FormatInt(start.UnixMilli(), 10),
		"endTime":   strconv.FormatInt(end.UnixMilli(), 10),
		"limit":     "1000",
	}
	raw, err := c.conn.Get(ctx, c.paths.klines, transport.Request{Params: params, Weights: readWeights(2)})
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var rows [][]any
	if err := dec.Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}
	candles := make([]types.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 8 {
			return nil, fmt.Errorf("kline row has %d fields", len(row))
		}
		openTime, err := intField(row[0])
		if err != nil {
			return nil, fmt.Errorf("kline time: %w", err)
		}
		fields := make([]float64, 0, 5)
		for _, idx := range []int{1, 2, 3, 4, 5} {
			f, err := floatField(row[idx])
			if err != nil {
				return nil, fmt.Errorf("kline field %d: %w", idx, err)
			}
			fields = append(fields, f)
		}
		quote, err := floatField(row[7])
		if err != nil {
			return nil, fmt.Errorf("kline quote volume: %w", err)
		}
		candles = append(candles, types.Candle{
			Time:        time.UnixMilli(openTime),
			Open:        fields[0],
			High:        fields[1],
			Low:         fields[2],
			Close:       fields[3],
			BaseVolume:  fields[4],
			QuoteVolume: quote,
		})
	}
	return candles, nil
}

func intField(v any) (int64, error) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, fmt.Errorf("unexpected field type %T", v)
	}
	return n.Int64()
}

func floatField(v any) (float64, error) {
	switch x := v.(type) {
	case json.Number:
		return x.Float64()
	case string:
		return strconv.ParseFloat(x, 64)
	}
	return 0, fmt.Errorf("unexpected field type %T", v)
}
