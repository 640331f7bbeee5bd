package ftx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"cryptobots/internal/transport"
	"cryptobots/internal/venue"
	"cryptobots/pkg/types"
)

// signedDo signs the request headers over ts+method+path+body and issues
// it. GET paths must already contain their encoded query, since the query
// is part of the signed payload.
func (c *Client) signedDo(ctx context.Context, method, path string, creds types.Credentials, payload any) (json.RawMessage, error) {
	var body []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = b
	}
	signer := venue.NewHeaderSigner(creds, headerPrefix)
	_, headers, err := signer.Sign(method, path, nil, body, time.Now())
	if err != nil {
		return nil, err
	}
	req := transport.Request{Headers: headers, Body: body, Weights: restWeights()}

	var raw json.RawMessage
	switch method {
	case "GET":
		raw, err = c.conn.Get(ctx, path, req)
	case "POST":
		raw, err = c.conn.Post(ctx, path, req)
	case "DELETE":
		raw, err = c.conn.Delete(ctx, path, req)
	default:
		return nil, fmt.Errorf("unsupported method %s", method)
	}
	if err != nil {
		var httpErr *types.HTTPStatusError
		if errors.As(err, &httpErr) && (httpErr.Status == 401 || httpErr.Status == 403) {
			return nil, fmt.Errorf("%s %s: %w: %s", method, path, types.ErrAuthFailed, httpErr.Body)
		}
		return nil, err
	}
	return raw, nil
}

// SubscribeUserData logs the socket in and subscribes the order and fill
// channels, then waits for the venue to confirm both. Rejected logins
// surface as an error frame and map to ErrAuthFailed.
func (c *Client) SubscribeUserData(ctx context.Context, creds types.Credentials) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.authMu.Lock()
	c.authPending = map[string]bool{"orders": true, "fills": true}
	c.authDone = make(chan error, 1)
	done := c.authDone
	c.authMu.Unlock()

	signer := venue.NewHeaderSigner(creds, headerPrefix)
	if err := c.conn.WSSendRaw(ctx, map[string]any{"op": "login", "args": signer.LoginArgs(time.Now())}); err != nil {
		return fmt.Errorf("ws login: %w", err)
	}
	for _, channel := range []string{"orders", "fills"} {
		if err := c.conn.WSSendRaw(ctx, map[string]any{"op": "subscribe", "channel": channel}); err != nil {
			return fmt.Errorf("subscribe %s: %w", channel, err)
		}
	}

	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(authTimeout):
		return fmt.Errorf("user channel confirmation timed out: %w", types.ErrAuthFailed)
	}

	c.userMu.Lock()
	c.userCreds = creds
	c.hasUser = true
	c.userMu.Unlock()

	c.emit(types.UserEvent{Kind: types.UserEventAuth})
	c.logger.Info("user channels subscribed")
	return nil
}

func (c *Client) authArrived(channel string) {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	if c.authPending == nil {
		return
	}
	delete(c.authPending, channel)
	if len(c.authPending) == 0 {
		c.authPending = nil
		select {
		case c.authDone <- nil:
		default:
		}
	}
}

func (c *Client) wsError(frame wsFrame) {
	c.logger.Error("websocket error frame", "code", frame.Code, "msg", frame.Msg)
	c.authMu.Lock()
	defer c.authMu.Unlock()
	if c.authPending != nil {
		c.authPending = nil
		select {
		case c.authDone <- fmt.Errorf("%s: %w", frame.Msg, types.ErrAuthFailed):
		default:
		}
	}
}

// orderRow is the order shape shared by the orders channel and the REST
// order endpoints. Market orders have a null price.
type orderRow struct {
	ID         int64    `json:"id"`
	ClientID   *string  `json:"clientId"`
	Market     string   `json:"market"`
	Type       string   `json:"type"`
	Side       string   `json:"side"`
	Size       float64  `json:"size"`
	Price      *float64 `json:"price"`
	Status     string   `json:"status"`
	FilledSize float64  `json:"filledSize"`
}

func (c *Client) rowToOrder(r orderRow) (*types.Order, error) {
	pair, ok := c.pairFor(r.Market)
	if !ok {
		return nil, fmt.Errorf("order for unknown market %q", r.Market)
	}
	side, err := types.ParseSide(r.Side)
	if err != nil {
		return nil, err
	}
	order := &types.Order{
		ID:           strconv.FormatInt(r.ID, 10),
		Pair:         pair,
		Side:         side,
		Type:         types.OrderType(r.Type),
		Volume:       r.Size,
		FilledVolume: r.FilledSize,
		Status:       foldStatus(r.Status),
	}
	if r.ClientID != nil {
		order.ClientID = *r.ClientID
	}
	if r.Price != nil {
		order.Price = *r.Price
	}
	return order, nil
}

// The venue's order states already match the local lifecycle.
func foldStatus(status string) types.OrderStatus {
	switch status {
	case "new":
		return types.OrderNew
	case "open":
		return types.OrderOpen
	case "closed":
		return types.OrderClosed
	default:
		return types.OrderOpen
	}
}

type fillRow struct {
	TradeID     int64   `json:"tradeId"`
	OrderID     int64   `json:"orderId"`
	Market      string  `json:"market"`
	Side        string  `json:"side"`
	Size        float64 `json:"size"`
	Price       float64 `json:"price"`
	Fee         float64 `json:"fee"`
	FeeCurrency string  `json:"feeCurrency"`
	Time        string  `json:"time"`
}

func (c *Client) rowToFill(r fillRow) (*types.Fill, error) {
	pair, ok := c.pairFor(r.Market)
	if !ok {
		return nil, fmt.Errorf("fill for unknown market %q", r.Market)
	}
	side, err := types.ParseSide(r.Side)
	if err != nil {
		return nil, err
	}
	ts, err := time.Parse(time.RFC3339Nano, r.Time)
	if err != nil {
		return nil, fmt.Errorf("fill time %q: %w", r.Time, err)
	}
	return &types.Fill{
		ID:      strconv.FormatInt(r.TradeID, 10),
		OrderID: strconv.FormatInt(r.OrderID, 10),
		Time:    ts,
		Pair:    pair,
		Side:    side,
		Volume:  r.Size,
		Price:   r.Price,
		Fees:    map[string]float64{r.FeeCurrency: r.Fee},
	}, nil
}

// handleOrder and handleFill feed the account queue. Parse failures emit
// an event with Err set so the account can resynchronize over REST.
func (c *Client) handleOrder(frame wsFrame) {
	var row orderRow
	if err := json.Unmarshal(frame.Data, &row); err != nil {
		c.logger.Error("malformed order update", "error", err)
		c.emit(types.UserEvent{Kind: types.UserEventOrder, Err: err})
		return
	}
	order, err := c.rowToOrder(row)
	if err != nil {
		c.logger.Error("malformed order update", "error", err)
		c.emit(types.UserEvent{Kind: types.UserEventOrder, Err: err})
		return
	}
	c.emit(types.UserEvent{Kind: types.UserEventOrder, Order: order})
}

func (c *Client) handleFill(frame wsFrame) {
	var row fillRow
	if err := json.Unmarshal(frame.Data, &row); err != nil {
		c.logger.Error("malformed fill update", "error", err)
		c.emit(types.UserEvent{Kind: types.UserEventFill, Err: err})
		return
	}
	fill, err := c.rowToFill(row)
	if err != nil {
		c.logger.Error("malformed fill update", "error", err)
		c.emit(types.UserEvent{Kind: types.UserEventFill, Err: err})
		return
	}
	c.emit(types.UserEvent{Kind: types.UserEventFill, Fill: fill})
}

// MarketOrder places a market order. Quote-volume requests are converted
// to base volume through the local book, subscribing it on demand.
func (c *Client) MarketOrder(ctx context.Context, creds types.Credentials, req types.MarketOrderRequest) (*types.Order, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	m, ok := c.Market(req.Pair)
	if !ok {
		return nil, &types.UnknownMarketError{Venue: c.name, Pair: req.Pair}
	}

	volume := req.Volume
	if req.QuoteVolume > 0 {
		v, err := c.volumeFromQuote(ctx, req.Pair, req.Side, req.QuoteVolume)
		if err != nil {
			return nil, err
		}
		volume = v
	}
	volume = m.FloorVolume(volume)
	if volume < m.MinProvideSize {
		return nil, fmt.Errorf("volume %v below market minimum %v for %s", volume, m.MinProvideSize, m.Name)
	}

	payload := map[string]any{
		"market": m.Name,
		"side":   string(req.Side),
		"type":   "market",
		"size":   volume,
		"price":  nil,
	}
	raw, err := c.signedDo(ctx, "POST", "/api/orders", creds, payload)
	if err != nil {
		return nil, &types.OrderPlacementError{Venue: c.name, Pair: req.Pair, Side: req.Side, Cause: err}
	}
	return c.placedOrder(raw, req.Pair, req.Side)
}

func (c *Client) volumeFromQuote(ctx context.Context, pair types.Pair, side types.Side, quote float64) (float64, error) {
	b, ok := c.books.Get(pair)
	if !ok {
		if err := c.SubscribeOrderBooks(ctx, pair); err != nil {
			return 0, fmt.Errorf("quote conversion for %s: %w", pair, err)
		}
		b, ok = c.books.Get(pair)
		if !ok {
			return 0, fmt.Errorf("quote conversion for %s: %w", pair, types.ErrNotInitialized)
		}
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

// LimitOrder places a limit order; postOnly and ioc map to the venue's
// native flags.
func (c *Client) LimitOrder(ctx context.Context, creds types.Credentials, req types.LimitOrderRequest) (*types.Order, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	m, ok := c.Market(req.Pair)
	if !ok {
		return nil, &types.UnknownMarketError{Venue: c.name, Pair: req.Pair}
	}
	volume := m.FloorVolume(req.Volume)
	if volume < m.MinProvideSize {
		return nil, fmt.Errorf("volume %v below market minimum %v for %s", volume, m.MinProvideSize, m.Name)
	}

	payload := map[string]any{
		"market":   m.Name,
		"side":     string(req.Side),
		"type":     "limit",
		"size":     volume,
		"price":    m.SnapPrice(req.Price, req.Side),
		"postOnly": req.PostOnly,
		"ioc":      req.IOC,
	}
	raw, err := c.signedDo(ctx, "POST", "/api/orders", creds, payload)
	if err != nil {
		return nil, &types.OrderPlacementError{Venue: c.name, Pair: req.Pair, Side: req.Side, Cause: err}
	}
	return c.placedOrder(raw, req.Pair, req.Side)
}

func (c *Client) placedOrder(raw json.RawMessage, pair types.Pair, side types.Side) (*types.Order, error) {
	row, err := unwrap[orderRow](raw)
	if err != nil {
		return nil, &types.OrderPlacementError{Venue: c.name, Pair: pair, Side: side, Cause: err}
	}
	order, err := c.rowToOrder(row)
	if err != nil {
		return nil, &types.OrderPlacementError{Venue: c.name, Pair: pair, Side: side, Cause: err}
	}
	c.emit(types.UserEvent{Kind: types.UserEventOrder, Order: order})
	return order, nil
}

var closedOrderAnswers = [][]byte{
	[]byte("Order already closed"),
	[]byte("Order already queued for cancellation"),
}

// CancelOrder cancels by id. The venue's "already closed" and "already
// queued" answers map to ErrOrderClosed so the race reads as success.
func (c *Client) CancelOrder(ctx context.Context, creds types.Credentials, pair types.Pair, orderID string) error {
	raw, err := c.signedDo(ctx, "DELETE", "/api/orders/"+orderID, creds, nil)
	if err != nil {
		var httpErr *types.HTTPStatusError
		if errors.As(err, &httpErr) {
			for _, answer := range closedOrderAnswers {
				if bytes.Contains(httpErr.Body, answer) {
					return fmt.Errorf("cancel %s: %w", orderID, types.ErrOrderClosed)
				}
			}
		}
		return fmt.Errorf("cancel %s: %w", orderID, err)
	}
	if _, err := unwrap[json.RawMessage](raw); err != nil {
		return fmt.Errorf("cancel %s: %w", orderID, err)
	}
	return nil
}

// CancelAllOrders cancels every open order account-wide in one call.
func (c *Client) CancelAllOrders(ctx context.Context, creds types.Credentials) error {
	raw, err := c.signedDo(ctx, "DELETE", "/api/orders", creds, nil)
	if err != nil {
		return err
	}
	if _, err := unwrap[json.RawMessage](raw); err != nil {
		return err
	}
	return nil
}

func (c *Client) GetOpenOrders(ctx context.Context, creds types.Credentials) ([]*types.Order, error) {
	raw, err := c.signedDo(ctx, "GET", "/api/orders", creds, nil)
	if err != nil {
		return nil, err
	}
	rows, err := unwrap[[]orderRow](raw)
	if err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}
	orders := make([]*types.Order, 0, len(rows))
	for _, r := range rows {
		o, err := c.rowToOrder(r)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
		c.emit(types.UserEvent{Kind: types.UserEventOrder, Order: o})
	}
	return orders, nil
}

func (c *Client) GetFills(ctx context.Context, creds types.Credentials, pair types.Pair, orderID string) ([]*types.Fill, error) {
	raw, err := c.signedDo(ctx, "GET", "/api/fills?orderId="+orderID, creds, nil)
	if err != nil {
		return nil, err
	}
	rows, err := unwrap[[]fillRow](raw)
	if err != nil {
		return nil, fmt.Errorf("decode fills: %w", err)
	}
	fills := make([]*types.Fill, 0, len(rows))
	for _, r := range rows {
		if strconv.FormatInt(r.OrderID, 10) != orderID {
			continue
		}
		fill, err := c.rowToFill(r)
		if err != nil {
			return nil, err
		}
		fills = append(fills, fill)
		c.emit(types.UserEvent{Kind: types.UserEventFill, Fill: fill})
	}
	return fills, nil
}

func (c *Client) GetAccountBalances(ctx context.Context, creds types.Credentials) (map[string]float64, map[string]float64, error) {
	raw, err := c.signedDo(ctx, "GET", "/api/wallet/balances", creds, nil)
	if err != nil {
		return nil, nil, err
	}
	rows, err := unwrap[[]struct {
		Coin      string  `json:"coin"`
		Total     float64 `json:"total"`
		Available float64 `json:"availableWithoutBorrow"`
	}](raw)
	if err != nil {
		return nil, nil, fmt.Errorf("decode balances: %w", err)
	}
	total := make(map[string]float64)
	available := make(map[string]float64)
	for _, r := range rows {
		if r.Total > 0 {
			total[r.Coin] = r.Total
		}
		if r.Available > 0 {
			available[r.Coin] = r.Available
		}
	}
	return total, available, nil
}

type positionRow struct {
	Future        string   `json:"future"`
	Side          string   `json:"side"`
	Size          float64  `json:"size"`
	OpenSize      float64  `json:"openSize"`
	EntryPrice    *float64 `json:"entryPrice"`
	MarginFrac    float64  `json:"initialMarginRequirement"`
	UnrealizedPnl float64  `json:"unrealizedPnl"`
}

func (c *Client) rowToPosition(r positionRow) (*types.Position, bool) {
	pair, ok := c.pairFor(r.Future)
	if !ok || r.Size == 0 {
		return nil, false
	}
	side := 1.0
	if r.Side == "sell" {
		side = -1.0
	}
	entry := 0.0
	if r.EntryPrice != nil {
		entry = *r.EntryPrice
	}
	return &types.Position{
		Pair:       pair,
		Side:       side,
		Volume:     r.Size,
		EntryPrice: entry,
		// The venue reports the margin fraction; the held margin is the
		// entry notional scaled by it.
		Margin: entry * r.Size * r.MarginFrac,
		PnL:    r.UnrealizedPnl,
	}, true
}

func (c *Client) GetPositions(ctx context.Context, creds types.Credentials) ([]*types.Position, error) {
	raw, err := c.signedDo(ctx, "GET", "/api/positions", creds, nil)
	if err != nil {
		return nil, err
	}
	rows, err := unwrap[[]positionRow](raw)
	if err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	var positions []*types.Position
	for _, r := range rows {
		if r.OpenSize == 0 {
			continue
		}
		if p, ok := c.rowToPosition(r); ok {
			positions = append(positions, p)
		}
	}
	return positions, nil
}

func (c *Client) GetAccountInfo(ctx context.Context, creds types.Credentials) (*types.AccountInfo, error) {
	raw, err := c.signedDo(ctx, "GET", "/api/account", creds, nil)
	if err != nil {
		return nil, err
	}
	acct, err := unwrap[struct {
		Positions      []positionRow `json:"positions"`
		Leverage       float64       `json:"leverage"`
		FreeCollateral float64       `json:"freeCollateral"`
		MakerFee       float64       `json:"makerFee"`
		TakerFee       float64       `json:"takerFee"`
	}](raw)
	if err != nil {
		return nil, fmt.Errorf("decode account: %w", err)
	}
	var positions []*types.Position
	for _, r := range acct.Positions {
		if p, ok := c.rowToPosition(r); ok {
			positions = append(positions, p)
		}
	}
	return &types.AccountInfo{
		Positions:      positions,
		Leverage:       acct.Leverage,
		FreeCollateral: acct.FreeCollateral,
		MakerFee:       acct.MakerFee,
		TakerFee:       acct.TakerFee,
	}, nil
}

// SetLeverage configures account-wide leverage; the venue has no
// per-market setting, so pair is ignored.
func (c *Client) SetLeverage(ctx context.Context, creds types.Credentials, pair types.Pair, leverage int) error {
	_, err := c.signedDo(ctx, "POST", "/api/account/leverage", creds, map[string]any{"leverage": leverage})
	if err != nil {
		return fmt.Errorf("set leverage: %w", err)
	}
	return nil
}

// Resolutions the venue accepts, in seconds.
var candleResolutions = map[int64]bool{
	15: true, 60: true, 300: true, 900: true, 3600: true, 14400: true, 86400: true,
}

type candleRow struct {
	Time   float64 `json:"time"` // ms
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// GetCandles fetches historical candles. The venue reports volume in
// quote units only, so BaseVolume stays zero.
func (c *Client) GetCandles(ctx context.Context, pair types.Pair, start, end time.Time, resolution time.Duration) ([]types.Candle, error) {
	m, ok := c.Market(pair)
	if !ok {
		return nil, &types.UnknownMarketError{Venue: c.name, Pair: pair}
	}
	secs := int64(resolution / time.Second)
	if !candleResolutions[secs] {
		return nil, fmt.Errorf("unsupported candle resolution %s", resolution)
	}
	path := fmt.Sprintf("/api/markets/%s/candles?resolution=%d&start_time=%d&end_time=%d",
		m.Name, secs, start.Unix(), end.Unix())
	raw, err := c.conn.Get(ctx, path, transport.Request{Weights: restWeights()})
	if err != nil {
		return nil, err
	}
	rows, err := unwrap[[]candleRow](raw)
	if err != nil {
		return nil, fmt.Errorf("decode candles: %w", err)
	}
	candles := make([]types.Candle, 0, len(rows))
	for _, r := range rows {
		candles = append(candles, types.Candle{
			Time:        time.UnixMilli(int64(r.Time)),
			Open:        r.Open,
			High:        r.High,
			Low:         r.Low,
			Close:       r.Close,
			QuoteVolume: r.Volume,
		})
	}
	return candles, nil
}
