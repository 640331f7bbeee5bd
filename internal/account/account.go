// Package account maintains the authoritative local model of one user's
// holdings, positions and open orders on one venue. A single ingest
// goroutine consumes the adapter's user-event queue and applies order and
// fill updates; fills arriving before their order are parked and replayed,
// duplicates are suppressed by fill id, and a REST resync runs after
// stream parse failures or prolonged silence.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"cryptobots/internal/metrics"
	"cryptobots/internal/venue"
	"cryptobots/pkg/types"
)

// defaultRefreshInterval is how long the account tolerates user-stream
// silence before re-pulling balances, positions and open orders.
const defaultRefreshInterval = 5 * time.Minute

// Journal is an optional append-only sink for orders and fills.
type Journal interface {
	RecordOrder(ctx context.Context, venueName string, o *types.Order) error
	RecordFill(ctx context.Context, venueName string, f *types.Fill) error
}

// Publisher is an optional fan-out for fills, e.g. a Redis stream mirror.
type Publisher interface {
	PublishFill(ctx context.Context, venueName string, f *types.Fill) error
}

// Account tracks balances, positions and orders for one credential set on
// one venue. It owns the adapter's user-event queue; nothing else may
// consume it.
type Account struct {
	venue  venue.Adapter
	creds  types.Credentials
	logger *slog.Logger

	journal   Journal
	publisher Publisher
	onEvent   func(types.UserEvent)

	refreshInterval time.Duration

	mu             sync.RWMutex
	balance        map[string]float64
	available      map[string]float64
	positions      map[types.Pair]*types.Position
	orders         map[string]*Order
	open           map[string]*Order
	unhandled      map[string][]*types.Fill
	leverage       float64
	freeCollateral float64
	makerFee       float64
	takerFee       float64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(v venue.Adapter, creds types.Credentials, logger *slog.Logger) *Account {
	return &Account{
		venue:           v,
		creds:           creds,
		logger:          logger.With("component", "account", "venue", v.Name()),
		refreshInterval: defaultRefreshInterval,
		balance:         make(map[string]float64),
		available:       make(map[string]float64),
		positions:       make(map[types.Pair]*types.Position),
		orders:          make(map[string]*Order),
		open:            make(map[string]*Order),
		unhandled:       make(map[string][]*types.Fill),
		leverage:        1,
	}
}

// SetJournal attaches an order/fill journal. Call before Start.
func (a *Account) SetJournal(j Journal) { a.journal = j }

// SetPublisher attaches a fill publisher. Call before Start.
func (a *Account) SetPublisher(p Publisher) { a.publisher = p }

// SetEventHook registers a callback invoked after each processed user
// event, for the status server's live stream. Call before Start.
func (a *Account) SetEventHook(fn func(types.UserEvent)) { a.onEvent = fn }

// SetRefreshInterval overrides the silence-refresh interval.
func (a *Account) SetRefreshInterval(d time.Duration) { a.refreshInterval = d }

// Start launches the ingest goroutine. Stop cancels and waits for it.
func (a *Account) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go a.ingest(ctx)
}

func (a *Account) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
}

// Sync pulls the full account state over REST: positions and account
// info, then open orders, then balances. Run once after
// SubscribeUserData. Balances land last because the venue's available
// figures already exclude its holds for open orders; replacing them
// after the orders are tracked keeps local reservations and venue holds
// aligned.
func (a *Account) Sync(ctx context.Context) error {
	positions, err := a.venue.GetPositions(ctx, a.creds)
	if err != nil {
		return fmt.Errorf("sync positions: %w", err)
	}
	info, err := a.venue.GetAccountInfo(ctx, a.creds)
	if err != nil {
		return fmt.Errorf("sync account info: %w", err)
	}

	a.mu.Lock()
	a.positions = make(map[types.Pair]*types.Position, len(positions))
	for _, p := range positions {
		cp := *p
		a.positions[p.Pair] = &cp
	}
	if info.Leverage > 0 {
		a.leverage = info.Leverage
	}
	a.makerFee = info.MakerFee
	a.takerFee = info.TakerFee
	a.mu.Unlock()

	orders, err := a.venue.GetOpenOrders(ctx, a.creds)
	if err != nil {
		return fmt.Errorf("sync open orders: %w", err)
	}
	for _, o := range orders {
		a.applyOrder(ctx, o)
	}

	total, available, err := a.venue.GetAccountBalances(ctx, a.creds)
	if err != nil {
		return fmt.Errorf("sync balances: %w", err)
	}
	a.mu.Lock()
	a.balance = total
	a.available = available
	a.freeCollateral = info.FreeCollateral
	a.mu.Unlock()

	a.logger.Info("account synchronized",
		"assets", len(total), "positions", len(positions), "open_orders", len(orders))
	return nil
}

// SeedFillIDs marks journal-known fill ids as already applied, so a warm
// start does not double-count fills the loaded balances already reflect.
func (a *Account) SeedFillIDs(fillIDs map[string][]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for orderID, ids := range fillIDs {
		ord, ok := a.orders[orderID]
		if !ok {
			continue
		}
		for _, id := range ids {
			ord.markSeen(id)
		}
	}
}

func (a *Account) ingest(ctx context.Context) {
	defer a.wg.Done()
	timer := time.NewTimer(a.refreshInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-a.venue.UserEvents():
			if !ok {
				return
			}
			a.handleEvent(ctx, ev)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(a.refreshInterval)
		case <-timer.C:
			a.refresh(ctx)
			timer.Reset(a.refreshInterval)
		}
	}
}

func (a *Account) handleEvent(ctx context.Context, ev types.UserEvent) {
	if ev.Err != nil {
		a.resyncAfterParseError(ctx, ev.Err)
		return
	}
	switch ev.Kind {
	case types.UserEventOrder:
		if ev.Order != nil {
			a.applyOrder(ctx, ev.Order)
		}
	case types.UserEventFill:
		if ev.Fill != nil {
			a.applyFillEvent(ctx, ev.Fill)
		}
	case types.UserEventAuth:
		a.logger.Debug("user stream authenticated")
	}
	if a.onEvent != nil {
		a.onEvent(ev)
	}
}

// applyOrder runs the order branch of the state machine. First sight of
// an order replays any fills that arrived before it.
func (a *Account) applyOrder(ctx context.Context, vo *types.Order) {
	var replayed []*types.Fill

	a.mu.Lock()
	ord, known := a.orders[vo.ID]
	if !known {
		ord = newOrder(vo)
		a.orders[vo.ID] = ord
		if vo.Status == types.OrderNew || vo.Status == types.OrderOpen {
			a.open[vo.ID] = ord
			a.reserveLocked(ord)
		}
		if parked := a.unhandled[vo.ID]; len(parked) > 0 {
			delete(a.unhandled, vo.ID)
			for _, f := range parked {
				if a.applyFillLocked(ord, f) {
					replayed = append(replayed, f)
				}
			}
		}
		if vo.Status == types.OrderClosed {
			ord.close(vo.FilledVolume)
		}
		a.settleLocked(ord)
	} else {
		if vo.Status == types.OrderClosed {
			ord.close(vo.FilledVolume)
		} else {
			ord.update(vo.Status, vo.FilledVolume)
			if _, isOpen := a.open[vo.ID]; isOpen {
				a.reserveLocked(ord)
			}
		}
		a.settleLocked(ord)
	}
	a.mu.Unlock()

	a.recordOrder(ctx, vo)
	for _, f := range replayed {
		a.recordFill(ctx, f)
	}
}

func (a *Account) applyFillEvent(ctx context.Context, f *types.Fill) {
	a.mu.Lock()
	ord, known := a.orders[f.OrderID]
	if !known {
		a.unhandled[f.OrderID] = append(a.unhandled[f.OrderID], f)
		a.mu.Unlock()
		metrics.FillsParked.WithLabelValues(a.venue.Name()).Inc()
		a.logger.Debug("parked fill for unseen order", "order_id", f.OrderID, "fill_id", f.ID)
		return
	}
	applied := a.applyFillLocked(ord, f)
	a.settleLocked(ord)
	a.mu.Unlock()

	if applied {
		a.recordFill(ctx, f)
	}
}

// applyFillLocked applies one fill's balance or position effect. Caller
// holds a.mu. Returns false for duplicate fills.
func (a *Account) applyFillLocked(ord *Order, f *types.Fill) bool {
	if !ord.applyFill(f) {
		return false
	}
	if a.isFutures(f.Pair) {
		a.applyFuturesFillLocked(f)
	} else {
		a.applySpotFillLocked(f)
	}
	if _, isOpen := a.open[ord.ID]; isOpen {
		a.reserveLocked(ord)
	}
	metrics.FillsApplied.WithLabelValues(a.venue.Name()).Inc()
	return true
}

func (a *Account) isFutures(pair types.Pair) bool {
	if m, ok := a.venue.Market(pair); ok {
		return m.Kind == types.KindFuture
	}
	return pair.IsPerp()
}

func (a *Account) applySpotFillLocked(f *types.Fill) {
	sign := f.Side.Sign()
	a.addBalanceLocked(f.Pair.Base, sign*f.Volume)
	a.addBalanceLocked(f.Pair.Quote, -sign*f.Volume*f.Price)
	for asset, fee := range f.Fees {
		a.addBalanceLocked(asset, -fee)
		if a.balance[asset] < 0 {
			a.logger.Warn("fee debit drove balance negative",
				"asset", asset, "balance", a.balance[asset], "fee", fee)
		}
	}
}

// addBalanceLocked mutates total and available together, creating zero
// entries for assets not seen before (fee currencies in particular).
func (a *Account) addBalanceLocked(asset string, delta float64) {
	a.balance[asset] += delta
	a.available[asset] += delta
}

// applyFuturesFillLocked runs the position rules: create, same-side
// average-in, opposite-side realization with proportional margin release,
// and flip with entry re-anchor when the fill crosses through zero.
func (a *Account) applyFuturesFillLocked(f *types.Fill) {
	sign := f.Side.Sign()
	lev := a.leverage
	if lev < 1 {
		lev = 1
	}

	pos := a.positions[f.Pair]
	switch {
	case pos == nil:
		margin := f.Volume * f.Price / lev
		a.positions[f.Pair] = &types.Position{
			Pair: f.Pair, Side: sign, Volume: f.Volume, EntryPrice: f.Price, Margin: margin,
		}
		a.freeCollateral -= margin

	case pos.Side == sign:
		newVolume := pos.Volume + f.Volume
		pos.EntryPrice = (pos.EntryPrice*pos.Volume + f.Price*f.Volume) / newVolume
		pos.Volume = newVolume
		margin := f.Volume * f.Price / lev
		pos.Margin += margin
		a.freeCollateral -= margin

	default:
		closed := math.Min(f.Volume, pos.Volume)
		a.freeCollateral += pos.Side * (f.Price - pos.EntryPrice) * closed
		if f.Volume < pos.Volume-volumeEps {
			released := pos.Margin * f.Volume / pos.Volume
			pos.Margin -= released
			pos.Volume -= f.Volume
			a.freeCollateral += released
		} else {
			a.freeCollateral += pos.Margin
			delete(a.positions, f.Pair)
			if rest := f.Volume - closed; rest > volumeEps {
				margin := rest * f.Price / lev
				a.positions[f.Pair] = &types.Position{
					Pair: f.Pair, Side: sign, Volume: rest, EntryPrice: f.Price, Margin: margin,
				}
				a.freeCollateral -= margin
			}
		}
	}

	for _, fee := range f.Fees {
		a.freeCollateral -= fee
	}
}

// reserveLocked recomputes the order's hold against available balances:
// limit buys hold remaining*price of quote, limit sells hold the
// remaining base, futures limit orders hold margin when they would grow
// the position. Market orders reserve nothing.
func (a *Account) reserveLocked(ord *Order) {
	if ord.Type != types.OrderTypeLimit {
		return
	}
	a.releaseLocked(ord)
	remaining := ord.Remaining()
	if remaining <= volumeEps {
		return
	}

	if a.isFutures(ord.Pair) {
		pos := a.positions[ord.Pair]
		if pos != nil && pos.Side != ord.Side.Sign() {
			return // reduces the position, nothing extra at risk
		}
		lev := a.leverage
		if lev < 1 {
			lev = 1
		}
		margin := remaining * ord.Price / lev
		ord.setMarginReservation(margin)
		a.freeCollateral -= margin
		return
	}

	if ord.Side == types.Buy {
		amount := remaining * ord.Price
		ord.setReservation(ord.Pair.Quote, amount)
		a.available[ord.Pair.Quote] -= amount
	} else {
		ord.setReservation(ord.Pair.Base, remaining)
		a.available[ord.Pair.Base] -= remaining
	}
}

func (a *Account) releaseLocked(ord *Order) {
	for asset, amount := range ord.takeReservation() {
		a.available[asset] += amount
	}
	a.freeCollateral += ord.takeMarginReservation()
}

// settleLocked removes a fully accounted order from the open set and
// fires its close event. Safe to call at any point; it only acts once
// the order's fills cover its (possibly collapsed) volume.
func (a *Account) settleLocked(ord *Order) {
	if _, isOpen := a.open[ord.ID]; !isOpen {
		if ord.Status() == types.OrderClosed && ord.settled() {
			ord.markClosed()
		}
		return
	}
	if !ord.settled() {
		return
	}
	delete(a.open, ord.ID)
	a.releaseLocked(ord)
	ord.markClosed()
}

// resyncAfterParseError is the guard for adapter-side parse failures:
// the stream may have dropped an order or fill, so re-pull open orders
// and re-request fills for every known open order. Duplicate suppression
// makes the replay idempotent.
func (a *Account) resyncAfterParseError(ctx context.Context, cause error) {
	a.logger.Error("user stream parse failure, resynchronizing", "error", cause)
	metrics.AccountRefreshes.WithLabelValues(a.venue.Name(), "parse_error").Inc()

	if _, err := a.venue.GetOpenOrders(ctx, a.creds); err != nil {
		a.logger.Error("open order refresh failed", "error", err)
	}

	a.mu.RLock()
	type target struct {
		id   string
		pair types.Pair
	}
	targets := make([]target, 0, len(a.open))
	for id, ord := range a.open {
		targets = append(targets, target{id: id, pair: ord.Pair})
	}
	a.mu.RUnlock()

	for _, tg := range targets {
		if _, err := a.venue.GetFills(ctx, a.creds, tg.pair, tg.id); err != nil {
			a.logger.Error("fill refetch failed", "order_id", tg.id, "error", err)
		}
	}
}

// refresh reconciles local state against REST after user-stream silence.
// Balances and positions are replaced wholesale (missed fills are already
// reflected in the venue's numbers, so nothing is replayed), divergence
// is logged, and open orders the venue no longer lists are force-closed.
func (a *Account) refresh(ctx context.Context) {
	metrics.AccountRefreshes.WithLabelValues(a.venue.Name(), "silence").Inc()
	a.logger.Info("no user events within refresh interval, reconciling over REST")

	total, available, err := a.venue.GetAccountBalances(ctx, a.creds)
	if err != nil {
		a.logger.Error("balance refresh failed", "error", err)
		return
	}
	positions, perr := a.venue.GetPositions(ctx, a.creds)
	if perr != nil {
		a.logger.Error("position refresh failed", "error", perr)
	}
	venueOrders, oerr := a.venue.GetOpenOrders(ctx, a.creds)
	if oerr != nil {
		a.logger.Error("open order refresh failed", "error", oerr)
	}

	a.mu.Lock()
	// Reconcile the open set first: force-closing a stale order releases
	// its hold, and the balance replacement below supersedes that release
	// with the venue's own figures.
	if oerr == nil {
		venueOpen := make(map[string]struct{}, len(venueOrders))
		for _, o := range venueOrders {
			venueOpen[o.ID] = struct{}{}
		}
		var stale []*Order
		for id, ord := range a.open {
			if _, still := venueOpen[id]; !still {
				a.logger.Warn("open order unknown to venue, closing", "order_id", id)
				ord.forceClose()
				stale = append(stale, ord)
			}
		}
		for _, ord := range stale {
			a.settleLocked(ord)
		}
	}

	for asset, v := range total {
		if cur := a.balance[asset]; math.Abs(cur-v) > 1e-8 {
			a.logger.Warn("balance divergence", "asset", asset, "local", cur, "venue", v)
		}
	}
	a.balance = total
	a.available = available

	if perr == nil {
		next := make(map[types.Pair]*types.Position, len(positions))
		for _, p := range positions {
			cp := *p
			next[p.Pair] = &cp
			if cur, ok := a.positions[p.Pair]; !ok || math.Abs(cur.Volume*cur.Side-p.Volume*p.Side) > volumeEps {
				a.logger.Warn("position divergence", "pair", p.Pair.String(), "venue_volume", p.Volume)
			}
		}
		a.positions = next
	}
	a.mu.Unlock()
}

// MarketOrder places a market order and returns the tracked local order.
// The caller can wait on its Filled channel.
func (a *Account) MarketOrder(ctx context.Context, req types.MarketOrderRequest) (*Order, error) {
	vo, err := a.venue.MarketOrder(ctx, a.creds, req)
	if err != nil {
		metrics.OrdersPlaced.WithLabelValues(a.venue.Name(), "market", "error").Inc()
		return nil, err
	}
	metrics.OrdersPlaced.WithLabelValues(a.venue.Name(), "market", "ok").Inc()
	return a.track(ctx, vo), nil
}

// LimitOrder places a limit order and returns the tracked local order.
func (a *Account) LimitOrder(ctx context.Context, req types.LimitOrderRequest) (*Order, error) {
	vo, err := a.venue.LimitOrder(ctx, a.creds, req)
	if err != nil {
		metrics.OrdersPlaced.WithLabelValues(a.venue.Name(), "limit", "error").Inc()
		return nil, err
	}
	metrics.OrdersPlaced.WithLabelValues(a.venue.Name(), "limit", "ok").Inc()
	return a.track(ctx, vo), nil
}

// track inserts the placement response synchronously, so callers hold a
// live order before the stream echoes it. The later stream event lands on
// the update path and is harmless.
func (a *Account) track(ctx context.Context, vo *types.Order) *Order {
	a.mu.RLock()
	ord, known := a.orders[vo.ID]
	a.mu.RUnlock()
	if known {
		return ord
	}
	a.applyOrder(ctx, vo)
	a.mu.RLock()
	ord = a.orders[vo.ID]
	a.mu.RUnlock()
	return ord
}

// CancelOrder requests cancellation. A venue answer of "already closed"
// counts as success: the order is force-removed from the open set and nil
// is returned. A second cancel on an already-requested order re-fetches
// fills instead, the recovery path for a missed closure.
func (a *Account) CancelOrder(ctx context.Context, orderID string) error {
	a.mu.RLock()
	ord, ok := a.orders[orderID]
	a.mu.RUnlock()
	if !ok {
		return fmt.Errorf("cancel: unknown order %s", orderID)
	}

	if ord.Status() == types.OrderRequestedCancellation {
		if _, err := a.venue.GetFills(ctx, a.creds, ord.Pair, orderID); err != nil {
			return fmt.Errorf("cancel recovery for %s: %w", orderID, err)
		}
		return nil
	}
	ord.requestCancel()

	err := a.venue.CancelOrder(ctx, a.creds, ord.Pair, orderID)
	if errors.Is(err, types.ErrOrderClosed) {
		a.mu.Lock()
		ord.forceClose()
		a.settleLocked(ord)
		a.mu.Unlock()
		return nil
	}
	return err
}

// CancelAllOrders cancels everything open; closures arrive as events.
func (a *Account) CancelAllOrders(ctx context.Context) error {
	return a.venue.CancelAllOrders(ctx, a.creds)
}

// SetLeverage updates venue leverage and the local margin divisor.
func (a *Account) SetLeverage(ctx context.Context, pair types.Pair, leverage int) error {
	if err := a.venue.SetLeverage(ctx, a.creds, pair, leverage); err != nil {
		return err
	}
	a.mu.Lock()
	a.leverage = float64(leverage)
	a.mu.Unlock()
	return nil
}

func (a *Account) Balances() map[string]float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]float64, len(a.balance))
	for k, v := range a.balance {
		out[k] = v
	}
	return out
}

func (a *Account) Available() map[string]float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]float64, len(a.available))
	for k, v := range a.available {
		out[k] = v
	}
	return out
}

func (a *Account) Positions() []*types.Position {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*types.Position, 0, len(a.positions))
	for _, p := range a.positions {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

func (a *Account) Order(id string) (*Order, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ord, ok := a.orders[id]
	return ord, ok
}

func (a *Account) OpenOrders() []*Order {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*Order, 0, len(a.open))
	for _, ord := range a.open {
		out = append(out, ord)
	}
	return out
}

func (a *Account) FreeCollateral() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.freeCollateral
}

func (a *Account) Leverage() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.leverage
}

// Fees returns the maker and taker rates from the last account sync.
func (a *Account) Fees() (maker, taker float64) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.makerFee, a.takerFee
}

// Venue exposes the adapter for components that need market metadata or
// book access alongside the account.
func (a *Account) Venue() venue.Adapter { return a.venue }

func (a *Account) recordOrder(ctx context.Context, vo *types.Order) {
	if a.journal == nil {
		return
	}
	if err := a.journal.RecordOrder(ctx, a.venue.Name(), vo); err != nil {
		a.logger.Warn("journal order write failed", "order_id", vo.ID, "error", err)
	}
}

func (a *Account) recordFill(ctx context.Context, f *types.Fill) {
	if a.journal != nil {
		if err := a.journal.RecordFill(ctx, a.venue.Name(), f); err != nil {
			a.logger.Warn("journal fill write failed", "fill_id", f.ID, "error", err)
		}
	}
	if a.publisher != nil {
		if err := a.publisher.PublishFill(ctx, a.venue.Name(), f); err != nil {
			a.logger.Warn("fill publish failed", "fill_id", f.ID, "error", err)
		}
	}
}
