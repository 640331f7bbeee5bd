// Package book maintains local order books reconstructed from venue depth
// streams.
//
// Each book is fed by a single queue of normalized updates pushed by the
// venue adapter's parse task. Deltas that arrive before the REST snapshot
// are buffered and replayed once the snapshot lands; late deltas are
// dropped by sequence time. Pricing reads (mid, VWAP walks) take a read
// lock and never block the feed for long.
package book

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"cryptobots/internal/metrics"
	"cryptobots/pkg/types"
)

const (
	queueSize     = 256
	checksumDepth = 100
	// A subscription whose snapshot never arrives is torn down and
	// resubscribed by the owning adapter.
	snapshotTimeout = 30 * time.Second
)

// ErrInsufficientDepth is returned by the VWAP walks when the resting
// liquidity cannot absorb the requested volume. The returned price is the
// VWAP of what was consumed.
var ErrInsufficientDepth = errors.New("insufficient book depth")

// Level is one price level of a depth message.
type Level struct {
	Price  float64 `json:"price"`
	Volume float64 `json:"volume"`
}

// Update is a normalized depth message. Initial marks a full snapshot that
// replaces the book. Venues that publish integrity checksums set
// HasChecksum; Checksum is CRC32 over the top levels.
type Update struct {
	Time        int64
	Bids        []Level
	Asks        []Level
	Initial     bool
	Checksum    uint32
	HasChecksum bool
}

// Book is one market's local depth ladder.
type Book struct {
	venue  string
	market string

	mu          sync.RWMutex
	bids        map[float64]float64
	asks        map[float64]float64
	lastTime    int64
	initialized bool
	pending     []Update
	changed     chan struct{}

	updates  chan Update
	ready    chan struct{}
	failed   chan struct{}
	initOnce sync.Once
	failOnce sync.Once

	logger *slog.Logger
}

// New creates an uninitialized book. The caller starts Run and feeds
// Updates; reads fail with ErrNotInitialized until the snapshot applies.
func New(venue, market string, logger *slog.Logger) *Book {
	return &Book{
		venue:   venue,
		market:  market,
		bids:    make(map[float64]float64),
		asks:    make(map[float64]float64),
		changed: make(chan struct{}),
		updates: make(chan Update, queueSize),
		ready:   make(chan struct{}),
		failed:  make(chan struct{}),
		logger:  logger.With("component", "book", "venue", venue, "market", market),
	}
}

// Updates is the feed side, written by the venue adapter's parse task.
func (b *Book) Updates() chan<- Update { return b.updates }

// Ready is closed once the initial snapshot has been applied.
func (b *Book) Ready() <-chan struct{} { return b.ready }

// Failed is closed when the book can no longer be trusted (checksum
// mismatch, malformed level, missing snapshot). The owner must drop the
// book and resubscribe.
func (b *Book) Failed() <-chan struct{} { return b.failed }

// Changed returns a channel closed on the next applied update. Pricing
// consumers grab it, read the book, and wait for the close to re-read.
func (b *Book) Changed() <-chan struct{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.changed
}

// Initialized reports whether the snapshot has been applied.
func (b *Book) Initialized() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.initialized
}

// LastTime returns the sequence time of the last applied update.
func (b *Book) LastTime() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastTime
}

// Run consumes the update queue until the context is cancelled or the
// book fails. It must be started before the subscription is sent.
func (b *Book) Run(ctx context.Context) {
	timeout := time.NewTimer(snapshotTimeout)
	defer timeout.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timeout.C:
			if !b.Initialized() {
				b.Fail("snapshot timeout")
				return
			}
		case u, ok := <-b.updates:
			if !ok {
				return
			}
			if err := b.apply(u); err != nil {
				b.Fail(err.Error())
				return
			}
		}
	}
}

// Fail marks the book untrustworthy. Owners call it when the feed itself
// is corrupt (unparseable levels); internal checks call it on checksum or
// snapshot failures. Idempotent.
func (b *Book) Fail(reason string) {
	b.failOnce.Do(func() {
		b.logger.Error("order book failed", "reason", reason)
		close(b.failed)
	})
}

func (b *Book) apply(u Update) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if u.Initial {
		b.bids = make(map[float64]float64, len(u.Bids))
		b.asks = make(map[float64]float64, len(u.Asks))
		if err := b.setLevelsLocked(u); err != nil {
			return err
		}
		b.lastTime = u.Time
		b.initialized = true

		// Replay deltas that raced ahead of the snapshot; anything at or
		// before the snapshot time is already reflected in it.
		pending := b.pending
		b.pending = nil
		for _, d := range pending {
			if d.Time > u.Time && d.Time >= b.lastTime {
				if err := b.setLevelsLocked(d); err != nil {
					return err
				}
				b.lastTime = d.Time
			}
		}
		b.initOnce.Do(func() { close(b.ready) })
		b.notifyLocked()
		return nil
	}

	if !b.initialized {
		b.pending = append(b.pending, u)
		return nil
	}
	if u.Time < b.lastTime {
		metrics.BookStaleDrops.WithLabelValues(b.venue, b.market).Inc()
		return nil
	}
	if err := b.setLevelsLocked(u); err != nil {
		return err
	}
	b.lastTime = u.Time

	if u.HasChecksum {
		if got := b.checksumLocked(); got != u.Checksum {
			metrics.BookChecksumFailures.WithLabelValues(b.venue, b.market).Inc()
			return fmt.Errorf("checksum mismatch at %d: computed %d, venue sent %d", u.Time, got, u.Checksum)
		}
	}
	b.notifyLocked()
	metrics.BookUpdates.WithLabelValues(b.venue, b.market).Inc()
	return nil
}

func (b *Book) setLevelsLocked(u Update) error {
	for _, l := range u.Bids {
		if err := setLevel(b.bids, l); err != nil {
			return err
		}
	}
	for _, l := range u.Asks {
		if err := setLevel(b.asks, l); err != nil {
			return err
		}
	}
	return nil
}

func setLevel(side map[float64]float64, l Level) error {
	if l.Price <= 0 || l.Volume < 0 {
		return fmt.Errorf("malformed level %v/%v", l.Price, l.Volume)
	}
	if l.Volume == 0 {
		delete(side, l.Price)
		return nil
	}
	side[l.Price] = l.Volume
	return nil
}

func (b *Book) notifyLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// checksumLocked folds the top levels into the venue's bid:size:ask:size
// string form and CRC32s it.
func (b *Book) checksumLocked() uint32 {
	bids := sortedKeys(b.bids, true)
	asks := sortedKeys(b.asks, false)

	parts := make([]string, 0, 4*checksumDepth)
	for i := 0; i < checksumDepth; i++ {
		if i < len(bids) {
			parts = append(parts, formatLevel(bids[i]), formatLevel(b.bids[bids[i]]))
		}
		if i < len(asks) {
			parts = append(parts, formatLevel(asks[i]), formatLevel(b.asks[asks[i]]))
		}
	}
	return crc32.ChecksumIEEE([]byte(strings.Join(parts, ":")))
}

func formatLevel(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func sortedKeys(side map[float64]float64, descending bool) []float64 {
	keys := make([]float64, 0, len(side))
	for k := range side {
		keys = append(keys, k)
	}
	if descending {
		sort.Sort(sort.Reverse(sort.Float64Slice(keys)))
	} else {
		sort.Float64s(keys)
	}
	return keys
}

// MidPrice is the midpoint of best bid and best ask.
func (b *Book) MidPrice() (float64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.initialized || len(b.bids) == 0 || len(b.asks) == 0 {
		return 0, types.ErrNotInitialized
	}
	return (sortedKeys(b.bids, true)[0] + sortedKeys(b.asks, false)[0]) / 2, nil
}

// MarketBuyPrice returns the VWAP of lifting volume from the asks. A zero
// volume returns the best ask. When depth runs out the VWAP of the
// consumed levels is returned along with ErrInsufficientDepth.
func (b *Book) MarketBuyPrice(volume float64) (float64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.initialized || len(b.asks) == 0 {
		return 0, types.ErrNotInitialized
	}
	asks := sortedKeys(b.asks, false)
	if volume == 0 {
		return asks[0], nil
	}

	remaining, bought, spent := volume, 0.0, 0.0
	for _, price := range asks {
		avail := b.asks[price]
		if avail < remaining {
			remaining -= avail
			bought += avail
			spent += price * avail
		} else {
			bought += remaining
			spent += price * remaining
			remaining = 0
			break
		}
	}
	if remaining > 0 {
		return spent / bought, ErrInsufficientDepth
	}
	return spent / volume, nil
}

// MarketSellPrice returns the VWAP of hitting the bids with volume. A zero
// volume returns the best bid.
func (b *Book) MarketSellPrice(volume float64) (float64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.initialized || len(b.bids) == 0 {
		return 0, types.ErrNotInitialized
	}
	bids := sortedKeys(b.bids, true)
	if volume == 0 {
		return bids[0], nil
	}

	remaining, sold, received := volume, 0.0, 0.0
	for _, price := range bids {
		avail := b.bids[price]
		if avail < remaining {
			remaining -= avail
			sold += avail
			received += price * avail
		} else {
			sold += remaining
			received += price * remaining
			remaining = 0
			break
		}
	}
	if remaining > 0 {
		return received / sold, ErrInsufficientDepth
	}
	return received / volume, nil
}

// MarketBuyPriceQuote returns the effective price of spending quoteVolume
// against the asks.
func (b *Book) MarketBuyPriceQuote(quoteVolume float64) (float64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.initialized || len(b.asks) == 0 {
		return 0, types.ErrNotInitialized
	}
	asks := sortedKeys(b.asks, false)
	if quoteVolume == 0 {
		return asks[0], nil
	}

	remaining, bought, spent := quoteVolume, 0.0, 0.0
	for _, price := range asks {
		offered := b.asks[price] * price
		if offered < remaining {
			remaining -= offered
			bought += b.asks[price]
			spent += offered
		} else {
			bought += remaining / price
			spent += remaining
			remaining = 0
			break
		}
	}
	if remaining > 0 {
		return spent / bought, ErrInsufficientDepth
	}
	return quoteVolume / bought, nil
}

// MarketSellPriceQuote returns the effective price of selling into the
// bids until quoteVolume has been received.
func (b *Book) MarketSellPriceQuote(quoteVolume float64) (float64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.initialized || len(b.bids) == 0 {
		return 0, types.ErrNotInitialized
	}
	bids := sortedKeys(b.bids, true)
	if quoteVolume == 0 {
		return bids[0], nil
	}

	remaining, sold, received := quoteVolume, 0.0, 0.0
	for _, price := range bids {
		offered := b.bids[price] * price
		if offered < remaining {
			remaining -= offered
			sold += b.bids[price]
			received += offered
		} else {
			sold += remaining / price
			received += remaining
			remaining = 0
			break
		}
	}
	if remaining > 0 {
		return received / sold, ErrInsufficientDepth
	}
	return quoteVolume / sold, nil
}

// Snapshot returns the top depth levels of each side, best first.
func (b *Book) Snapshot(depth int) (bids, asks []Level, err error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.initialized {
		return nil, nil, types.ErrNotInitialized
	}
	for _, p := range sortedKeys(b.bids, true) {
		if len(bids) == depth {
			break
		}
		bids = append(bids, Level{Price: p, Volume: b.bids[p]})
	}
	for _, p := range sortedKeys(b.asks, false) {
		if len(asks) == depth {
			break
		}
		asks = append(asks, Level{Price: p, Volume: b.asks[p]})
	}
	return bids, asks, nil
}
