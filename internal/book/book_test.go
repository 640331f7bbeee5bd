package book

import (
	"context"
	"errors"
	"hash/crc32"
	"log/slog"
	"math"
	"os"
	"testing"
	"time"

	"cryptobots/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newRunningBook(t *testing.T) *Book {
	t.Helper()
	b := New("test", "BTC/USDT", testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go b.Run(ctx)
	return b
}

// mustApply feeds one update and waits until it has been applied.
func mustApply(t *testing.T, b *Book, u Update) {
	t.Helper()
	ch := b.Changed()
	b.Updates() <- u
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("update was not applied")
	}
}

func seedBook(t *testing.T, b *Book, tm int64, bids, asks []Level) {
	t.Helper()
	b.Updates() <- Update{Time: tm, Bids: bids, Asks: asks, Initial: true}
	select {
	case <-b.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("book did not initialize")
	}
}

func levelsEqual(a, b []Level) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSnapshotThenDeltas(t *testing.T) {
	t.Parallel()
	b := newRunningBook(t)
	seedBook(t, b, 1,
		[]Level{{100, 1}, {99, 2}},
		[]Level{{101, 1.5}, {102, 3}})

	mustApply(t, b, Update{Time: 2,
		Bids: []Level{{100, 0}}, // delete
		Asks: []Level{{101, 2}}, // overwrite
	})

	bids, asks, err := b.Snapshot(10)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if !levelsEqual(bids, []Level{{99, 2}}) {
		t.Errorf("bids = %v, want [{99 2}]", bids)
	}
	if !levelsEqual(asks, []Level{{101, 2}, {102, 3}}) {
		t.Errorf("asks = %v, want [{101 2} {102 3}]", asks)
	}
}

func TestBufferedDeltasReplayedAroundSnapshot(t *testing.T) {
	t.Parallel()
	b := newRunningBook(t)

	// Deltas race ahead of the snapshot: 7 is newer and must be replayed,
	// 5 is already reflected in the snapshot and must be discarded.
	b.Updates() <- Update{Time: 7, Bids: []Level{{100, 5}}}
	b.Updates() <- Update{Time: 5, Asks: []Level{{101, 9}}}
	seedBook(t, b, 6, []Level{{100, 1}}, []Level{{101, 2}})

	bids, asks, err := b.Snapshot(10)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if !levelsEqual(bids, []Level{{100, 5}}) {
		t.Errorf("bids = %v, want [{100 5}] (buffered delta 7 applied)", bids)
	}
	if !levelsEqual(asks, []Level{{101, 2}}) {
		t.Errorf("asks = %v, want [{101 2}] (buffered delta 5 discarded)", asks)
	}
	if got := b.LastTime(); got != 7 {
		t.Errorf("LastTime = %d, want 7", got)
	}
}

func TestStaleDeltaDropped(t *testing.T) {
	t.Parallel()
	b := newRunningBook(t)
	seedBook(t, b, 10, []Level{{100, 1}}, []Level{{101, 1}})

	mustApply(t, b, Update{Time: 12, Bids: []Level{{100, 2}}})
	b.Updates() <- Update{Time: 11, Bids: []Level{{100, 9}}} // stale
	mustApply(t, b, Update{Time: 13, Asks: []Level{{101, 3}}})

	bids, _, err := b.Snapshot(10)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if !levelsEqual(bids, []Level{{100, 2}}) {
		t.Errorf("bids = %v, stale delta must not apply", bids)
	}
	if got := b.LastTime(); got != 13 {
		t.Errorf("LastTime = %d, want 13", got)
	}
}

func TestDuplicateDeltaIdempotent(t *testing.T) {
	t.Parallel()
	b := newRunningBook(t)
	seedBook(t, b, 1, []Level{{100, 1}}, []Level{{101, 1}})

	u := Update{Time: 2, Bids: []Level{{99, 4}}, Asks: []Level{{102, 0}}}
	mustApply(t, b, u)
	mustApply(t, b, u)

	bids, asks, err := b.Snapshot(10)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if !levelsEqual(bids, []Level{{100, 1}, {99, 4}}) {
		t.Errorf("bids = %v after duplicate delta", bids)
	}
	if !levelsEqual(asks, []Level{{101, 1}}) {
		t.Errorf("asks = %v after duplicate delta", asks)
	}
}

func TestReadsBeforeSnapshot(t *testing.T) {
	t.Parallel()
	b := newRunningBook(t)

	if _, err := b.MidPrice(); !errors.Is(err, types.ErrNotInitialized) {
		t.Errorf("MidPrice = %v, want ErrNotInitialized", err)
	}
	if _, err := b.MarketBuyPrice(1); !errors.Is(err, types.ErrNotInitialized) {
		t.Errorf("MarketBuyPrice = %v, want ErrNotInitialized", err)
	}
	if _, _, err := b.Snapshot(5); !errors.Is(err, types.ErrNotInitialized) {
		t.Errorf("Snapshot = %v, want ErrNotInitialized", err)
	}
}

func TestMidPrice(t *testing.T) {
	t.Parallel()
	b := newRunningBook(t)
	seedBook(t, b, 1, []Level{{100, 1}, {98, 5}}, []Level{{101, 1}, {105, 5}})

	mid, err := b.MidPrice()
	if err != nil {
		t.Fatalf("MidPrice: %v", err)
	}
	if mid != 100.5 {
		t.Errorf("MidPrice = %v, want 100.5", mid)
	}
}

func TestMarketPriceZeroVolume(t *testing.T) {
	t.Parallel()
	b := newRunningBook(t)
	seedBook(t, b, 1, []Level{{100, 1}, {99, 2}}, []Level{{101, 1}, {102, 2}})

	if p, err := b.MarketBuyPrice(0); err != nil || p != 101 {
		t.Errorf("MarketBuyPrice(0) = %v, %v, want best ask 101", p, err)
	}
	if p, err := b.MarketSellPrice(0); err != nil || p != 100 {
		t.Errorf("MarketSellPrice(0) = %v, %v, want best bid 100", p, err)
	}
}

func TestMarketBuyPriceWalksLevels(t *testing.T) {
	t.Parallel()
	b := newRunningBook(t)
	seedBook(t, b, 1, []Level{{100, 1}}, []Level{{101, 1}, {102, 2}})

	// 1 @ 101 and 1 @ 102: (101+102)/2
	p, err := b.MarketBuyPrice(2)
	if err != nil {
		t.Fatalf("MarketBuyPrice: %v", err)
	}
	if p != 101.5 {
		t.Errorf("MarketBuyPrice(2) = %v, want 101.5", p)
	}
}

func TestMarketSellPriceWalksLevels(t *testing.T) {
	t.Parallel()
	b := newRunningBook(t)
	seedBook(t, b, 1, []Level{{100, 1}, {99, 2}}, []Level{{101, 1}})

	// 1 @ 100 and 1 @ 99: (100+99)/2
	p, err := b.MarketSellPrice(2)
	if err != nil {
		t.Fatalf("MarketSellPrice: %v", err)
	}
	if p != 99.5 {
		t.Errorf("MarketSellPrice(2) = %v, want 99.5", p)
	}
}

func TestMarketBuyPriceInsufficientDepth(t *testing.T) {
	t.Parallel()
	b := newRunningBook(t)
	seedBook(t, b, 1, []Level{{100, 1}}, []Level{{101, 1}})

	p, err := b.MarketBuyPrice(5)
	if !errors.Is(err, ErrInsufficientDepth) {
		t.Fatalf("err = %v, want ErrInsufficientDepth", err)
	}
	if p != 101 {
		t.Errorf("partial VWAP = %v, want 101", p)
	}
}

func TestMarketBuyPriceQuote(t *testing.T) {
	t.Parallel()
	b := newRunningBook(t)
	seedBook(t, b, 1, []Level{{90, 1}}, []Level{{100, 1}, {102, 1}})

	// 100 quote buys level one, remaining 51 buys 0.5 of level two:
	// 151 spent for 1.5 base.
	p, err := b.MarketBuyPriceQuote(151)
	if err != nil {
		t.Fatalf("MarketBuyPriceQuote: %v", err)
	}
	if want := 151.0 / 1.5; math.Abs(p-want) > 1e-9 {
		t.Errorf("MarketBuyPriceQuote(151) = %v, want %v", p, want)
	}
}

func TestMarketSellPriceQuote(t *testing.T) {
	t.Parallel()
	b := newRunningBook(t)
	seedBook(t, b, 1, []Level{{100, 2}}, []Level{{110, 1}})

	// Receiving 150 quote sells 1.5 base at 100.
	p, err := b.MarketSellPriceQuote(150)
	if err != nil {
		t.Fatalf("MarketSellPriceQuote: %v", err)
	}
	if p != 100 {
		t.Errorf("MarketSellPriceQuote(150) = %v, want 100", p)
	}
}

func TestChecksumMatchKeepsBook(t *testing.T) {
	t.Parallel()
	b := newRunningBook(t)
	seedBook(t, b, 1, []Level{{100, 1}}, []Level{{101, 1.5}})

	// After the delta the book is bids {100:1}, asks {101:2}.
	sum := crc32.ChecksumIEEE([]byte("100:1:101:2"))
	mustApply(t, b, Update{Time: 2, Asks: []Level{{101, 2}}, Checksum: sum, HasChecksum: true})

	select {
	case <-b.Failed():
		t.Fatal("book failed on a matching checksum")
	default:
	}
}

func TestChecksumMismatchFailsBook(t *testing.T) {
	t.Parallel()
	b := newRunningBook(t)
	seedBook(t, b, 1, []Level{{100, 1}}, []Level{{101, 1}})

	b.Updates() <- Update{Time: 2, Asks: []Level{{101, 2}}, Checksum: 12345, HasChecksum: true}

	select {
	case <-b.Failed():
	case <-time.After(2 * time.Second):
		t.Fatal("book did not fail on checksum mismatch")
	}
}

func TestMalformedLevelFailsBook(t *testing.T) {
	t.Parallel()
	b := newRunningBook(t)
	seedBook(t, b, 1, []Level{{100, 1}}, []Level{{101, 1}})

	b.Updates() <- Update{Time: 2, Bids: []Level{{-1, 5}}}

	select {
	case <-b.Failed():
	case <-time.After(2 * time.Second):
		t.Fatal("book did not fail on malformed level")
	}
}
