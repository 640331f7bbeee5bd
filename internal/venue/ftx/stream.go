package ftx

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cryptobots/internal/book"
	"cryptobots/internal/metrics"
	"cryptobots/internal/venue"
	"cryptobots/pkg/types"
)

// wsFrame is the envelope every stream message shares. Error frames carry
// code and msg instead of channel data.
type wsFrame struct {
	Channel string          `json:"channel"`
	Market  string          `json:"market"`
	Type    string          `json:"type"`
	Code    int             `json:"code"`
	Msg     string          `json:"msg"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) wsParse(ctx context.Context, inbound <-chan json.RawMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-inbound:
			if !ok {
				c.logger.Warn("websocket stream ended")
				return
			}
			c.dispatch(ctx, raw)
		}
	}
}

func (c *Client) dispatch(ctx context.Context, raw json.RawMessage) {
	var frame wsFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.logger.Warn("malformed frame", "error", err)
		return
	}

	switch frame.Type {
	case "error":
		c.wsError(frame)
		return
	case "pong":
		return
	case "subscribed":
		c.subscribed(frame.Channel)
		return
	case "unsubscribed":
		return
	}

	switch frame.Channel {
	case "orderbook":
		metrics.WSFrames.WithLabelValues(c.name, "orderbook").Inc()
		c.handleBook(ctx, frame)
	case "ticker":
		metrics.WSFrames.WithLabelValues(c.name, "ticker").Inc()
		c.handleTicker(frame)
	case "orders":
		metrics.WSFrames.WithLabelValues(c.name, "orders").Inc()
		c.handleOrder(frame)
	case "fills":
		metrics.WSFrames.WithLabelValues(c.name, "fills").Inc()
		c.handleFill(frame)
	default:
		c.logger.Debug("unrecognized channel", "channel", frame.Channel)
	}
}

func (c *Client) subscribed(channel string) {
	switch channel {
	case "orders", "fills":
		c.authArrived(channel)
	}
}

// appPing keeps the venue-level heartbeat going; the transport's protocol
// pings do not count against the venue's idle timer.
func (c *Client) appPing(ctx context.Context) {
	ticker := time.NewTicker(appPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.WSSendRaw(ctx, map[string]any{"op": "ping"}); err != nil {
				c.logger.Warn("app ping failed", "error", err)
			}
		}
	}
}

type bookData struct {
	Time     float64     `json:"time"`
	Checksum int64       `json:"checksum"`
	Bids     [][]float64 `json:"bids"`
	Asks     [][]float64 `json:"asks"`
}

// handleBook forwards one partial or delta to the book queue. The venue
// stamps frames with fractional seconds; microseconds keep the ordering.
func (c *Client) handleBook(ctx context.Context, frame wsFrame) {
	pair, ok := c.pairFor(frame.Market)
	if !ok {
		return
	}
	b, ok := c.books.Get(pair)
	if !ok {
		return
	}

	var data bookData
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		c.logger.Error("malformed book data", "market", frame.Market, "error", err)
		b.Fail("malformed book data")
		return
	}
	bids, err := floatLevels(data.Bids)
	if err == nil {
		var asks []book.Level
		asks, err = floatLevels(data.Asks)
		if err == nil {
			u := book.Update{
				Time:        int64(data.Time * 1e6),
				Bids:        bids,
				Asks:        asks,
				Initial:     frame.Type == "partial",
				Checksum:    uint32(data.Checksum),
				HasChecksum: frame.Type != "partial",
			}
			select {
			case b.Updates() <- u:
			case <-ctx.Done():
			}
			return
		}
	}
	c.logger.Error("malformed book levels", "market", frame.Market, "error", err)
	b.Fail("malformed book levels")
}

func floatLevels(raw [][]float64) ([]book.Level, error) {
	levels := make([]book.Level, 0, len(raw))
	for _, l := range raw {
		if len(l) < 2 {
			return nil, fmt.Errorf("level with %d fields", len(l))
		}
		levels = append(levels, book.Level{Price: l[0], Volume: l[1]})
	}
	return levels, nil
}

type tickerData struct {
	Bid     *float64 `json:"bid"`
	Ask     *float64 `json:"ask"`
	BidSize float64  `json:"bidSize"`
	AskSize float64  `json:"askSize"`
	Time    float64  `json:"time"`
}

func (c *Client) handleTicker(frame wsFrame) {
	pair, ok := c.pairFor(frame.Market)
	if !ok {
		return
	}
	var data tickerData
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		c.logger.Warn("malformed ticker", "market", frame.Market, "error", err)
		return
	}
	// One-sided books have null bid or ask; nothing useful to record.
	if data.Bid == nil || data.Ask == nil {
		return
	}
	c.tickers.Put(pair, types.BookTicker{
		BidPrice:  *data.Bid,
		BidVolume: data.BidSize,
		AskPrice:  *data.Ask,
		AskVolume: data.AskSize,
		Time:      int64(data.Time * 1000),
	})
}

// SubscribeOrderBooks subscribes the orderbook channel per market. The
// venue answers each subscribe with a partial snapshot on the same socket,
// so no REST fetch is involved.
func (c *Client) SubscribeOrderBooks(ctx context.Context, pairs ...types.Pair) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var fresh []types.Pair
	for _, p := range pairs {
		if !c.books.Has(p) {
			fresh = append(fresh, p)
		}
	}
	if len(fresh) == 0 {
		return nil
	}

	newBooks := make([]*book.Book, 0, len(fresh))
	for _, p := range fresh {
		m, ok := c.Market(p)
		if !ok {
			c.dropBooks(fresh)
			return &types.UnknownMarketError{Venue: c.name, Pair: p}
		}
		b := book.New(c.name, m.Name, c.logger)
		runCtx := c.books.Add(c.streamCtx, p, b)
		go c.watchBook(runCtx, p, b)
		newBooks = append(newBooks, b)

		if err := c.conn.WSSendRaw(ctx, map[string]any{"op": "subscribe", "channel": "orderbook", "market": m.Name}); err != nil {
			c.dropBooks(fresh)
			return err
		}
	}

	if err := venue.WaitReady(ctx, venue.DefaultBookInitTimeout, newBooks...); err != nil {
		c.dropBooks(fresh)
		return err
	}
	return nil
}

func (c *Client) dropBooks(pairs []types.Pair) {
	for _, p := range pairs {
		c.books.Remove(p)
	}
}

func (c *Client) UnsubscribeOrderBooks(ctx context.Context, pairs ...types.Pair) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range pairs {
		if !c.books.Has(p) {
			continue
		}
		if m, ok := c.Market(p); ok {
			if err := c.conn.WSSendRaw(ctx, map[string]any{"op": "unsubscribe", "channel": "orderbook", "market": m.Name}); err != nil {
				c.logger.Warn("unsubscribe send failed", "market", m.Name, "error", err)
			}
		}
		c.books.Remove(p)
	}
	return nil
}

func (c *Client) Book(pair types.Pair) (*book.Book, bool) { return c.books.Get(pair) }

// watchBook resubscribes a book that failed integrity checks, checksum
// mismatches included.
func (c *Client) watchBook(runCtx context.Context, pair types.Pair, b *book.Book) {
	select {
	case <-runCtx.Done():
		return
	case <-b.Failed():
	}
	c.books.Remove(pair)
	if c.streamCtx.Err() != nil {
		return
	}
	c.logger.Warn("resubscribing failed order book", "market", pair.String())
	time.Sleep(time.Second)
	if err := c.SubscribeOrderBooks(c.streamCtx, pair); err != nil {
		c.logger.Error("order book resubscribe failed", "market", pair.String(), "error", err)
	}
}

// SubscribeBookTickers subscribes the per-market best-of-book channel.
// The venue pushes the current ticker right after subscribing, so no REST
// seed is needed.
func (c *Client) SubscribeBookTickers(ctx context.Context, pairs ...types.Pair) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range pairs {
		m, ok := c.Market(p)
		if !ok {
			return &types.UnknownMarketError{Venue: c.name, Pair: p}
		}
		if err := c.conn.WSSendRaw(ctx, map[string]any{"op": "subscribe", "channel": "ticker", "market": m.Name}); err != nil {
			return err
		}
	}

	c.userMu.Lock()
	c.tickersActive = true
	c.tickerPairs = pairs
	c.userMu.Unlock()
	return nil
}

func (c *Client) BookTicker(pair types.Pair) (types.BookTicker, bool) {
	return c.tickers.Get(pair)
}
