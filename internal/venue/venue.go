// Package venue defines the adapter contract every exchange integration
// implements, plus the signing strategies and book bookkeeping the
// concrete adapters share.
//
// An adapter owns one transport connection, the order books it has
// subscribed, and a single user-event queue. All account-facing results
// flow through that queue even when they were obtained over REST, so the
// account's ingest path stays the only writer of account state.
package venue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cryptobots/internal/book"
	"cryptobots/pkg/types"
)

// DefaultBookInitTimeout bounds how long a subscribe call waits for the
// snapshots of freshly subscribed books.
const DefaultBookInitTimeout = 30 * time.Second

// Adapter is the full capability set of one venue.
type Adapter interface {
	// Name identifies the venue in logs, metrics and journal rows.
	Name() string

	// Connect dials the transport, fetches exchange info, populates the
	// market tables and registers the venue's rate-limit windows.
	Connect(ctx context.Context) error
	Close() error
	// Reconnect tears down the transport and every subscribed book, then
	// rebuilds the previous subscription state.
	Reconnect(ctx context.Context) error
	// CheckConnection probes REST and WebSocket concurrently.
	CheckConnection(ctx context.Context) error

	Markets() map[types.Pair]*types.Market
	Market(pair types.Pair) (*types.Market, bool)

	SubscribeOrderBooks(ctx context.Context, pairs ...types.Pair) error
	UnsubscribeOrderBooks(ctx context.Context, pairs ...types.Pair) error
	Book(pair types.Pair) (*book.Book, bool)

	SubscribeBookTickers(ctx context.Context, pairs ...types.Pair) error
	BookTicker(pair types.Pair) (types.BookTicker, bool)

	// SubscribeUserData starts the authenticated order/fill stream for
	// one credential set. Completion of venue-side authentication is
	// signalled with a UserEventAuth on the event queue.
	SubscribeUserData(ctx context.Context, creds types.Credentials) error
	UserEvents() <-chan types.UserEvent

	MarketOrder(ctx context.Context, creds types.Credentials, req types.MarketOrderRequest) (*types.Order, error)
	LimitOrder(ctx context.Context, creds types.Credentials, req types.LimitOrderRequest) (*types.Order, error)
	CancelOrder(ctx context.Context, creds types.Credentials, pair types.Pair, orderID string) error
	CancelAllOrders(ctx context.Context, creds types.Credentials) error

	GetOpenOrders(ctx context.Context, creds types.Credentials) ([]*types.Order, error)
	GetFills(ctx context.Context, creds types.Credentials, pair types.Pair, orderID string) ([]*types.Fill, error)
	GetAccountBalances(ctx context.Context, creds types.Credentials) (total, available map[string]float64, err error)
	GetPositions(ctx context.Context, creds types.Credentials) ([]*types.Position, error)
	GetAccountInfo(ctx context.Context, creds types.Credentials) (*types.AccountInfo, error)
	SetLeverage(ctx context.Context, creds types.Credentials, pair types.Pair, leverage int) error

	GetCandles(ctx context.Context, pair types.Pair, start, end time.Time, resolution time.Duration) ([]types.Candle, error)
}

// BookSet tracks the live order books of one adapter together with the
// cancel functions of their run loops.
type BookSet struct {
	mu     sync.Mutex
	books  map[types.Pair]*book.Book
	cancel map[types.Pair]context.CancelFunc
}

func NewBookSet() *BookSet {
	return &BookSet{
		books:  make(map[types.Pair]*book.Book),
		cancel: make(map[types.Pair]context.CancelFunc),
	}
}

// Add registers a book and starts its run loop. The returned context ends
// when the book is removed, so owners can scope watcher goroutines to it.
func (s *BookSet) Add(ctx context.Context, pair types.Pair, b *book.Book) context.Context {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.books[pair] = b
	s.cancel[pair] = cancel
	s.mu.Unlock()
	go b.Run(runCtx)
	return runCtx
}

func (s *BookSet) Get(pair types.Pair) (*book.Book, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.books[pair]
	return b, ok
}

// Has reports whether the pair is currently subscribed.
func (s *BookSet) Has(pair types.Pair) bool {
	_, ok := s.Get(pair)
	return ok
}

// Remove stops and forgets one book.
func (s *BookSet) Remove(pair types.Pair) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.cancel[pair]; ok {
		cancel()
	}
	delete(s.books, pair)
	delete(s.cancel, pair)
}

// Pairs lists the subscribed pairs.
func (s *BookSet) Pairs() []types.Pair {
	s.mu.Lock()
	defer s.mu.Unlock()
	pairs := make([]types.Pair, 0, len(s.books))
	for p := range s.books {
		pairs = append(pairs, p)
	}
	return pairs
}

// CloseAll stops every book and clears the set. Used on reconnect: books
// rebuilt from fresh snapshots must not inherit stale ladders.
func (s *BookSet) CloseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pair, cancel := range s.cancel {
		cancel()
		delete(s.books, pair)
		delete(s.cancel, pair)
	}
}

// WaitReady blocks until every book has applied its initial snapshot. A
// book that fails first, or a timeout, aborts the wait.
func WaitReady(ctx context.Context, timeout time.Duration, books ...*book.Book) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for _, b := range books {
		select {
		case <-b.Ready():
		case <-b.Failed():
			return fmt.Errorf("order book failed before initialization")
		case <-ctx.Done():
			return fmt.Errorf("order book initialization: %w", ctx.Err())
		}
	}
	return nil
}

// TickerTable is the shared best-bid/ask cache fed by ticker streams.
type TickerTable struct {
	mu      sync.RWMutex
	tickers map[types.Pair]types.BookTicker
}

func NewTickerTable() *TickerTable {
	return &TickerTable{tickers: make(map[types.Pair]types.BookTicker)}
}

// Put stores a ticker unless a newer one is already present.
func (t *TickerTable) Put(pair types.Pair, bt types.BookTicker) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.tickers[pair]; ok && cur.Time > bt.Time {
		return
	}
	t.tickers[pair] = bt
}

func (t *TickerTable) Get(pair types.Pair) (types.BookTicker, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	bt, ok := t.tickers[pair]
	return bt, ok
}
