package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/buger/jsonparser"
	"golang.org/x/sync/errgroup"

	"cryptobots/internal/book"
	"cryptobots/internal/metrics"
	"cryptobots/internal/transport"
	"cryptobots/internal/venue"
	"cryptobots/pkg/types"
)

// wsParse is the adapter's single dispatch task: it drains the transport's
// decoded-frame queue and routes each frame by its combined-stream name.
// It exits when the transport closes the queue or the session ends.
func (c *client) wsParse(ctx context.Context, inbound <-chan json.RawMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-inbound:
			if !ok {
				c.logger.Warn("websocket stream ended")
				return
			}
			c.dispatch(ctx, frame)
		}
	}
}

func (c *client) dispatch(ctx context.Context, frame json.RawMessage) {
	// Subscribe acks look like {"result":null,"id":N}.
	if _, _, _, err := jsonparser.Get(frame, "result"); err == nil {
		return
	}
	stream, err := jsonparser.GetString(frame, "stream")
	if err != nil {
		c.logger.Debug("frame without stream tag", "frame", string(frame))
		return
	}
	data, _, _, err := jsonparser.Get(frame, "data")
	if err != nil {
		c.logger.Warn("frame without data", "stream", stream)
		return
	}

	switch {
	case strings.Contains(stream, "@depth"):
		metrics.WSFrames.WithLabelValues(c.name, "depth").Inc()
		c.handleDepth(ctx, data)
	case stream == "!bookTicker" || strings.HasSuffix(stream, "@bookTicker"):
		metrics.WSFrames.WithLabelValues(c.name, "bookTicker").Inc()
		c.handleTicker(data)
	case c.isUserStream(stream):
		metrics.WSFrames.WithLabelValues(c.name, "user").Inc()
		c.handleUserFrame(data)
	default:
		c.logger.Debug("unrecognized stream", "stream", stream)
	}
}

func (c *client) isUserStream(stream string) bool {
	c.userMu.Lock()
	defer c.userMu.Unlock()
	return c.hasUser && stream == c.userKey
}

type depthEvent struct {
	Symbol string     `json:"s"`
	Final  int64      `json:"u"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
}

func (c *client) handleDepth(ctx context.Context, data json.RawMessage) {
	var ev depthEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		c.logger.Error("malformed depth event", "error", err)
		return
	}
	pair, ok := c.pairFor(ev.Symbol)
	if !ok {
		return
	}
	b, ok := c.books.Get(pair)
	if !ok {
		return
	}

	bids, err := parseLevels(ev.Bids)
	if err == nil {
		var asks []book.Level
		asks, err = parseLevels(ev.Asks)
		if err == nil {
			select {
			case b.Updates() <- book.Update{Time: ev.Final, Bids: bids, Asks: asks}:
			case <-ctx.Done():
			}
			return
		}
	}
	// Malformed levels poison the whole ladder; the watcher resubscribes.
	c.logger.Error("malformed depth levels", "market", pair.String(), "error", err)
	b.Fail("malformed depth levels")
}

func parseLevels(raw [][]string) ([]book.Level, error) {
	levels := make([]book.Level, 0, len(raw))
	for _, l := range raw {
		if len(l) < 2 {
			return nil, fmt.Errorf("level with %d fields", len(l))
		}
		price, err := strconv.ParseFloat(l[0], 64)
		if err != nil {
			return nil, fmt.Errorf("level price %q: %w", l[0], err)
		}
		volume, err := strconv.ParseFloat(l[1], 64)
		if err != nil {
			return nil, fmt.Errorf("level volume %q: %w", l[1], err)
		}
		levels = append(levels, book.Level{Price: price, Volume: volume})
	}
	return levels, nil
}

type tickerEvent struct {
	Symbol   string `json:"s"`
	Bid      string `json:"b"`
	BidQty   string `json:"B"`
	Ask      string `json:"a"`
	AskQty   string `json:"A"`
	UpdateID int64  `json:"u"`
	Event    int64  `json:"E"` // absent on spot frames
	Trade    int64  `json:"T"` // futures transaction time
}

func (c *client) handleTicker(data json.RawMessage) {
	var ev tickerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		c.logger.Warn("malformed ticker event", "error", err)
		return
	}
	pair, ok := c.pairFor(ev.Symbol)
	if !ok {
		return
	}
	bt, err := ev.toBookTicker()
	if err != nil {
		c.logger.Warn("malformed ticker fields", "symbol", ev.Symbol, "error", err)
		return
	}
	c.tickers.Put(pair, bt)
}

func (ev tickerEvent) toBookTicker() (types.BookTicker, error) {
	bid, err := strconv.ParseFloat(ev.Bid, 64)
	if err != nil {
		return types.BookTicker{}, err
	}
	bidQty, err := strconv.ParseFloat(ev.BidQty, 64)
	if err != nil {
		return types.BookTicker{}, err
	}
	ask, err := strconv.ParseFloat(ev.Ask, 64)
	if err != nil {
		return types.BookTicker{}, err
	}
	askQty, err := strconv.ParseFloat(ev.AskQty, 64)
	if err != nil {
		return types.BookTicker{}, err
	}
	ts := ev.Trade
	if ts == 0 {
		ts = ev.Event
	}
	if ts == 0 {
		ts = ev.UpdateID
	}
	return types.BookTicker{BidPrice: bid, BidVolume: bidQty, AskPrice: ask, AskVolume: askQty, Time: ts}, nil
}

// SubscribeOrderBooks follows the venue's snapshot protocol: under the
// connection lock, start books, send one batched SUBSCRIBE, fetch REST
// snapshots in parallel and wait for every book to initialize.
func (c *client) SubscribeOrderBooks(ctx context.Context, pairs ...types.Pair) error {
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

	streams := make([]string, 0, len(fresh))
	newBooks := make([]*book.Book, 0, len(fresh))
	for _, p := range fresh {
		m, ok := c.Market(p)
		if !ok {
			return &types.UnknownMarketError{Venue: c.name, Pair: p}
		}
		b := book.New(c.name, m.Name, c.logger)
		runCtx := c.books.Add(c.streamCtx, p, b)
		go c.watchBook(runCtx, p, b)
		newBooks = append(newBooks, b)
		streams = append(streams, symbolLower(m)+"@depth@100ms")
	}

	if err := c.conn.WSSend(ctx, map[string]any{"method": "SUBSCRIBE", "params": streams}); err != nil {
		c.dropBooks(fresh)
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range fresh {
		g.Go(func() error { return c.fetchSnapshot(gctx, p) })
	}
	if err := g.Wait(); err != nil {
		c.dropBooks(fresh)
		return err
	}
	if err := venue.WaitReady(ctx, venue.DefaultBookInitTimeout, newBooks...); err != nil {
		c.dropBooks(fresh)
		return err
	}
	return nil
}

func (c *client) dropBooks(pairs []types.Pair) {
	for _, p := range pairs {
		c.books.Remove(p)
	}
}

// UnsubscribeOrderBooks sends the batched UNSUBSCRIBE and stops the books.
func (c *client) UnsubscribeOrderBooks(ctx context.Context, pairs ...types.Pair) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	streams := make([]string, 0, len(pairs))
	for _, p := range pairs {
		if !c.books.Has(p) {
			continue
		}
		if m, ok := c.Market(p); ok {
			streams = append(streams, symbolLower(m)+"@depth@100ms")
		}
	}
	if len(streams) == 0 {
		return nil
	}
	if err := c.conn.WSSend(ctx, map[string]any{"method": "UNSUBSCRIBE", "params": streams}); err != nil {
		c.logger.Warn("unsubscribe send failed", "error", err)
	}
	for _, p := range pairs {
		c.books.Remove(p)
	}
	return nil
}

func (c *client) Book(pair types.Pair) (*book.Book, bool) { return c.books.Get(pair) }

func (c *client) fetchSnapshot(ctx context.Context, pair types.Pair) error {
	m, ok := c.Market(pair)
	if !ok {
		return &types.UnknownMarketError{Venue: c.name, Pair: pair}
	}
	raw, err := c.conn.Get(ctx, c.paths.depth, transport.Request{
		Params:  map[string]string{"symbol": m.Name, "limit": "100"},
		Weights: readWeights(1),
	})
	if err != nil {
		return fmt.Errorf("depth snapshot %s: %w", m.Name, err)
	}

	var snap struct {
		LastUpdateID int64      `json:"lastUpdateId"`
		Bids         [][]string `json:"bids"`
		Asks         [][]string `json:"asks"`
	}
	if err := json.Unmarshal(raw, &snap); err != nil {
		return fmt.Errorf("decode depth snapshot %s: %w", m.Name, err)
	}
	bids, err := parseLevels(snap.Bids)
	if err != nil {
		return fmt.Errorf("snapshot bids %s: %w", m.Name, err)
	}
	asks, err := parseLevels(snap.Asks)
	if err != nil {
		return fmt.Errorf("snapshot asks %s: %w", m.Name, err)
	}

	b, ok := c.books.Get(pair)
	if !ok {
		return nil
	}
	select {
	case b.Updates() <- book.Update{Time: snap.LastUpdateID, Bids: bids, Asks: asks, Initial: true}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// watchBook resubscribes a book that failed integrity checks. The session
// context gates the retry so shutdown does not race a resubscribe.
func (c *client) watchBook(runCtx context.Context, pair types.Pair, b *book.Book) {
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

// SubscribeBookTickers starts the best-of-book feed. Futures use the
// venue-wide combined stream seeded from REST; spot subscribes per symbol.
func (c *client) SubscribeBookTickers(ctx context.Context, pairs ...types.Pair) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.futures {
		if err := c.seedTickers(ctx); err != nil {
			return err
		}
		if err := c.conn.WSSend(ctx, map[string]any{"method": "SUBSCRIBE", "params": []string{"!bookTicker"}}); err != nil {
			return err
		}
	} else {
		streams := make([]string, 0, len(pairs))
		for _, p := range pairs {
			m, ok := c.Market(p)
			if !ok {
				return &types.UnknownMarketError{Venue: c.name, Pair: p}
			}
			streams = append(streams, symbolLower(m)+"@bookTicker")
		}
		if len(streams) == 0 {
			return nil
		}
		if err := c.conn.WSSend(ctx, map[string]any{"method": "SUBSCRIBE", "params": streams}); err != nil {
			return err
		}
	}

	c.userMu.Lock()
	c.tickersActive = true
	c.tickerPairs = pairs
	c.userMu.Unlock()
	return nil
}

// seedTickers primes the table from REST so consumers see prices before
// the first stream tick.
func (c *client) seedTickers(ctx context.Context) error {
	raw, err := c.conn.Get(ctx, c.paths.bookTicker, transport.Request{Weights: readWeights(2)})
	if err != nil {
		return fmt.Errorf("ticker seed: %w", err)
	}
	var rows []struct {
		Symbol string `json:"symbol"`
		Bid    string `json:"bidPrice"`
		BidQty string `json:"bidQty"`
		Ask    string `json:"askPrice"`
		AskQty string `json:"askQty"`
		Time   int64  `json:"time"`
	}
	if err := json.Unmarshal(raw, &rows); err != nil {
		return fmt.Errorf("decode ticker seed: %w", err)
	}
	for _, r := range rows {
		pair, ok := c.pairFor(r.Symbol)
		if !ok {
			continue
		}
		ev := tickerEvent{Symbol: r.Symbol, Bid: r.Bid, BidQty: r.BidQty, Ask: r.Ask, AskQty: r.AskQty, Trade: r.Time}
		bt, err := ev.toBookTicker()
		if err != nil {
			continue
		}
		c.tickers.Put(pair, bt)
	}
	return nil
}

func (c *client) BookTicker(pair types.Pair) (types.BookTicker, bool) {
	return c.tickers.Get(pair)
}
