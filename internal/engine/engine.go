// Package engine wires configured venues into running trading sessions
// and supervises them.
//
// For each enabled venue the engine builds the transport stack
// (scheduler, connection, adapter), an account fed by the venue's user
// stream, and a trader sharing one risk guard. A watchdog probes every
// connection and reconnects with exponential backoff, and an optional
// loop rebalances toward the configured target weights. Fills and order
// transitions stream to the status API, the trade journal and the Redis
// mirror when those are enabled.
//
// Lifecycle: New() → Start(ctx) → [runs until signal] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"cryptobots/internal/account"
	"cryptobots/internal/api"
	"cryptobots/internal/config"
	"cryptobots/internal/metrics"
	"cryptobots/internal/publish"
	"cryptobots/internal/risk"
	"cryptobots/internal/store"
	"cryptobots/internal/trader"
	"cryptobots/internal/transport"
	"cryptobots/internal/venue"
	"cryptobots/internal/venue/binance"
	"cryptobots/internal/venue/ftx"
	"cryptobots/pkg/types"
)

const (
	defaultCheckInterval = 15 * time.Second
	shutdownTimeout      = 10 * time.Second
)

// Session bundles everything the engine runs for one venue: the adapter
// with its transport stack, the account consuming its user stream, and
// the trader acting on both.
type Session struct {
	cfg   config.VenueConfig
	creds types.Credentials

	adapter venue.Adapter
	sched   *transport.Scheduler
	account *account.Account
	trader  *trader.Trader

	connected atomic.Bool
}

func (s *Session) Name() string                   { return s.adapter.Name() }
func (s *Session) Adapter() venue.Adapter         { return s.adapter }
func (s *Session) Account() *account.Account      { return s.account }
func (s *Session) Trader() *trader.Trader         { return s.trader }
func (s *Session) Connected() bool                { return s.connected.Load() }
func (s *Session) Usage() []transport.WindowUsage { return s.sched.Usage() }

// Engine orchestrates all venue sessions plus the shared risk guard,
// journal and publisher.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	sessions  []*Session
	guard     *risk.Guard
	journal   *store.Store
	publisher *publish.Publisher

	// events feeds the status API's WebSocket hub; nil when the API is
	// disabled. Emission never blocks.
	events chan api.Event

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewVenue builds the transport stack and adapter for one venue config.
// Empty URL overrides fall back to the venue's production endpoints.
func NewVenue(vc config.VenueConfig, logger *slog.Logger) (venue.Adapter, *transport.Scheduler, error) {
	rest, ws := vc.RestURL, vc.WSURL
	switch vc.Name {
	case "binance_spot":
		if rest == "" {
			rest = binance.SpotREST
		}
		if ws == "" {
			ws = binance.SpotWS
		}
		sched := transport.NewScheduler("binance", logger)
		return binance.NewSpot(transport.New("binance", rest, ws, sched, logger), logger), sched, nil
	case "binance_futures":
		if rest == "" {
			rest = binance.FuturesREST
		}
		if ws == "" {
			ws = binance.FuturesWS
		}
		sched := transport.NewScheduler("binance-futures", logger)
		return binance.NewFutures(transport.New("binance-futures", rest, ws, sched, logger), logger), sched, nil
	case "ftx":
		if rest == "" {
			rest = ftx.RestURL
		}
		if ws == "" {
			ws = ftx.WSURL
		}
		sched := transport.NewScheduler("ftx", logger)
		return ftx.New(transport.New("ftx", rest, ws, sched, logger), logger), sched, nil
	}
	return nil, nil, fmt.Errorf("unsupported venue %q", vc.Name)
}

// New creates and wires all engine components. Nothing connects until
// Start.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	e := &Engine{
		cfg:    cfg,
		logger: logger.With("component", "engine"),
		guard:  risk.NewGuard(cfg.Risk, logger),
	}

	if cfg.Journal.Path != "" {
		st, err := store.Open(cfg.Journal.Path)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		e.journal = st
	}
	if cfg.Redis.Enabled {
		pub, err := publish.New(cfg.Redis, logger)
		if err != nil {
			return nil, fmt.Errorf("connect publisher: %w", err)
		}
		e.publisher = pub
	}
	if cfg.API.Enabled {
		e.events = make(chan api.Event, 256)
	}

	for _, vc := range cfg.Venues {
		if !vc.Enabled {
			continue
		}
		s, err := e.buildSession(vc, logger)
		if err != nil {
			return nil, err
		}
		e.sessions = append(e.sessions, s)
	}
	if len(e.sessions) == 0 {
		return nil, fmt.Errorf("no venues enabled")
	}
	return e, nil
}

func (e *Engine) buildSession(vc config.VenueConfig, logger *slog.Logger) (*Session, error) {
	adapter, sched, err := NewVenue(vc, logger)
	if err != nil {
		return nil, err
	}

	creds := types.Credentials{Key: vc.Key, Secret: vc.Secret, Subaccount: vc.Subaccount}
	acct := account.New(adapter, creds, logger)
	if e.cfg.Account.RefreshInterval > 0 {
		acct.SetRefreshInterval(e.cfg.Account.RefreshInterval)
	}
	if e.journal != nil {
		acct.SetJournal(e.journal)
	}
	if e.publisher != nil {
		acct.SetPublisher(e.publisher)
	}
	if e.events != nil {
		name := adapter.Name()
		acct.SetEventHook(func(ev types.UserEvent) { e.emitUserEvent(name, ev) })
	}

	tr := trader.New(acct, adapter, traderConfig(e.cfg.Trader), logger)
	tr.SetRiskGuard(e.guard)

	return &Session{
		cfg:     vc,
		creds:   creds,
		adapter: adapter,
		sched:   sched,
		account: acct,
		trader:  tr,
	}, nil
}

func traderConfig(tc config.TraderConfig) trader.Config {
	return trader.Config{
		Assets:        tc.Assets,
		Quotes:        tc.Quotes,
		RouteBases:    tc.RouteBases,
		FillTimeout:   tc.FillTimeout,
		RepegInterval: tc.RepegInterval,
		MaxSlippage:   tc.MaxSlippage,
		LimitTimeout:  tc.LimitTimeout,
	}
}

// Start connects every session in parallel, then launches the watchdog,
// rebalance and ticker-mirror loops.
func (e *Engine) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)

	var g errgroup.Group
	for _, s := range e.sessions {
		s := s
		g.Go(func() error { return e.startSession(ctx, s) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, s := range e.sessions {
		s := s
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.watch(ctx, s)
		}()
		if e.cfg.Trader.Interval > 0 && len(e.cfg.Trader.Targets) > 0 {
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.rebalanceLoop(ctx, s)
			}()
		}
		if e.publisher != nil {
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.mirrorTickers(ctx, s)
			}()
		}
	}

	e.logger.Info("engine started", "venues", len(e.sessions))
	return nil
}

// startSession brings one venue fully up: connect, user stream, account
// sync, journal warm start, leverage, trader book subscriptions.
func (e *Engine) startSession(ctx context.Context, s *Session) error {
	name := s.adapter.Name()
	if err := s.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", name, err)
	}
	s.connected.Store(true)
	metrics.ConnectionStatus.WithLabelValues(name).Set(1)

	s.account.Start(ctx)
	if err := s.adapter.SubscribeUserData(ctx, s.creds); err != nil {
		return fmt.Errorf("subscribe user data %s: %w", name, err)
	}
	if err := s.account.Sync(ctx); err != nil {
		return fmt.Errorf("sync account %s: %w", name, err)
	}
	if e.journal != nil {
		ids, err := e.journal.FillIDs(ctx, name)
		if err != nil {
			e.logger.Warn("journal warm start failed", "venue", name, "error", err)
		} else {
			s.account.SeedFillIDs(ids)
		}
	}
	e.applyLeverage(ctx, s)

	if err := s.trader.Prepare(ctx); err != nil {
		return fmt.Errorf("prepare trader %s: %w", name, err)
	}
	e.emit(api.NewConnectionEvent(name, "connected", nil))
	return nil
}

// applyLeverage sets the configured leverage on every tradable perpetual.
// Failures are logged; a venue refusing a leverage change is not fatal.
func (e *Engine) applyLeverage(ctx context.Context, s *Session) {
	if s.cfg.Leverage <= 0 {
		return
	}
	for pair := range s.adapter.Markets() {
		if !pair.IsPerp() || !contains(e.cfg.Trader.Assets, pair.Base) || !contains(e.cfg.Trader.Quotes, pair.Quote) {
			continue
		}
		if err := s.adapter.SetLeverage(ctx, s.creds, pair, s.cfg.Leverage); err != nil {
			e.logger.Warn("set leverage failed",
				"venue", s.adapter.Name(), "pair", pair.String(), "error", err)
		}
	}
}

// watch probes the session's connection every check interval and drives
// the reconnect loop when a probe fails.
func (e *Engine) watch(ctx context.Context, s *Session) {
	interval := e.cfg.Engine.CheckInterval
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	name := s.adapter.Name()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, interval)
			err := s.adapter.CheckConnection(checkCtx)
			cancel()
			if err == nil {
				continue
			}
			s.connected.Store(false)
			metrics.ConnectionStatus.WithLabelValues(name).Set(0)
			e.logger.Warn("connection check failed", "venue", name, "error", err)
			e.emit(api.NewConnectionEvent(name, "disconnected", err))
			e.reconnect(ctx, s)
		}
	}
}

// reconnect retries Reconnect with exponential backoff until it succeeds
// or the engine stops. Waits are jittered so venues sharing an outage do
// not retry in lockstep.
func (e *Engine) reconnect(ctx context.Context, s *Session) {
	name := s.adapter.Name()
	wait := e.cfg.Engine.ReconnectMinWait
	if wait <= 0 {
		wait = time.Second
	}
	maxWait := e.cfg.Engine.ReconnectMaxWait
	if maxWait < wait {
		maxWait = wait
	}

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter(wait)):
		}
		metrics.Reconnects.WithLabelValues(name).Inc()
		if err := s.adapter.Reconnect(ctx); err != nil {
			e.logger.Warn("reconnect failed",
				"venue", name, "attempt", attempt, "error", err)
			wait *= 2
			if wait > maxWait {
				wait = maxWait
			}
			continue
		}
		s.connected.Store(true)
		metrics.ConnectionStatus.WithLabelValues(name).Set(1)
		e.logger.Info("venue reconnected", "venue", name, "attempts", attempt)
		e.emit(api.NewConnectionEvent(name, "connected", nil))
		return
	}
}

// jitter spreads a wait over [d/2, 3d/2).
func jitter(d time.Duration) time.Duration {
	return d/2 + time.Duration(rand.Int63n(int64(d)))
}

func (e *Engine) rebalanceLoop(ctx context.Context, s *Session) {
	ticker := time.NewTicker(e.cfg.Trader.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.rebalanceOnce(ctx, s)
		}
	}
}

func (e *Engine) rebalanceOnce(ctx context.Context, s *Session) {
	name := s.adapter.Name()
	if !s.connected.Load() {
		e.logger.Warn("rebalance skipped while disconnected", "venue", name)
		return
	}
	quote := e.cfg.Trader.Quote
	drift := e.drift(s, quote)
	if drift < e.cfg.Trader.MinDrift {
		e.logger.Debug("rebalance skipped", "venue", name, "drift", drift)
		return
	}

	start := time.Now()
	run := s.trader.TradeToPortfolio
	if e.cfg.Trader.UseLimit {
		run = s.trader.TradeToPortfolioLimit
	}
	executed, err := run(ctx, e.cfg.Trader.Targets, quote)
	if err != nil {
		e.logger.Error("rebalance failed", "venue", name, "error", err)
	} else {
		e.logger.Info("rebalance complete",
			"venue", name, "drift", drift, "portfolio", executed)
	}
	e.emit(api.NewRebalanceEvent(name, quote, executed, legsSince(s.trader.Quality().Reports(), start), err))
}

// Rebalance runs one trade-to-portfolio pass on every session. Per-venue
// errors do not stop the other venues; the joined error is returned.
func (e *Engine) Rebalance(ctx context.Context, targets map[string]float64, useLimit bool) (map[string]map[string]float64, error) {
	quote := e.cfg.Trader.Quote
	results := make(map[string]map[string]float64, len(e.sessions))

	var mu sync.Mutex
	var g errgroup.Group
	for _, s := range e.sessions {
		s := s
		g.Go(func() error {
			run := s.trader.TradeToPortfolio
			if useLimit {
				run = s.trader.TradeToPortfolioLimit
			}
			executed, err := run(ctx, targets, quote)
			if err != nil {
				return fmt.Errorf("%s: %w", s.adapter.Name(), err)
			}
			mu.Lock()
			results[s.adapter.Name()] = executed
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	return results, err
}

// drift sums the absolute differences between normalized target weights
// and current portfolio weights over the target's assets.
func (e *Engine) drift(s *Session, quote string) float64 {
	targets := e.cfg.Trader.Targets
	var total float64
	for _, w := range targets {
		total += w
	}
	if total <= 0 {
		return 0
	}
	current := s.trader.WeightedPortfolio(quote)
	var drift float64
	for asset, w := range targets {
		drift += math.Abs(w/total - current[asset])
	}
	return drift
}

// mirrorTickers subscribes the tradable pairs' best-of-book streams and
// samples them once a second onto the Redis ticker stream. Observations
// already published (by event time) are skipped.
func (e *Engine) mirrorTickers(ctx context.Context, s *Session) {
	name := s.adapter.Name()
	pairs := s.trader.TradingPairs()
	if len(pairs) == 0 {
		return
	}
	if err := s.adapter.SubscribeBookTickers(ctx, pairs...); err != nil {
		e.logger.Warn("ticker subscribe failed", "venue", name, "error", err)
		return
	}

	last := make(map[types.Pair]int64, len(pairs))
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, pair := range pairs {
				bt, ok := s.adapter.BookTicker(pair)
				if !ok || bt.Time <= last[pair] {
					continue
				}
				last[pair] = bt.Time
				if err := e.publisher.PublishTicker(ctx, name, pair, bt); err != nil {
					e.logger.Warn("ticker publish failed",
						"venue", name, "pair", pair.String(), "error", err)
				}
			}
		}
	}
}

// Stop shuts down in dependency order: trading loops first, then any
// leftover orders, the accounts, and finally the transports, journal and
// publisher.
func (e *Engine) Stop() {
	e.logger.Info("shutting down")
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()

	for _, s := range e.sessions {
		name := s.adapter.Name()
		if len(s.account.OpenOrders()) > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := s.adapter.CancelAllOrders(ctx, s.creds); err != nil {
				e.logger.Warn("cancel open orders on shutdown", "venue", name, "error", err)
			}
			cancel()
		}
		s.account.Stop()
		if err := s.adapter.Close(); err != nil {
			e.logger.Warn("close venue", "venue", name, "error", err)
		}
		metrics.ConnectionStatus.WithLabelValues(name).Set(0)
	}

	if e.events != nil {
		close(e.events)
	}
	if e.journal != nil {
		e.journal.Close()
	}
	if e.publisher != nil {
		e.publisher.Close()
	}
	e.logger.Info("shutdown complete")
}

// Sessions returns the venue sessions in configuration order.
func (e *Engine) Sessions() []*Session { return e.sessions }

// Journal returns the trade journal, nil when disabled.
func (e *Engine) Journal() *store.Store { return e.journal }

// Events returns the status event stream consumed by the api server.
// Nil when the API is disabled.
func (e *Engine) Events() <-chan api.Event { return e.events }

// RiskState reports the shared guard's current state.
func (e *Engine) RiskState() risk.Snapshot { return e.guard.GetSnapshot() }

// VenueStatuses builds the per-venue blocks of the status snapshot.
func (e *Engine) VenueStatuses() []api.VenueStatus {
	out := make([]api.VenueStatus, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, e.venueStatus(s))
	}
	return out
}

func (e *Engine) venueStatus(s *Session) api.VenueStatus {
	vs := api.VenueStatus{
		Name:           s.adapter.Name(),
		Connected:      s.connected.Load(),
		Balances:       s.account.Balances(),
		Available:      s.account.Available(),
		FreeCollateral: s.account.FreeCollateral(),
		Leverage:       s.account.Leverage(),
		Limits:         s.sched.Usage(),
		AvgSlippageBps: s.trader.Quality().AverageSlippage(),
	}
	for _, p := range s.account.Positions() {
		vs.Positions = append(vs.Positions, api.NewPositionStatus(p))
	}
	for _, o := range s.account.OpenOrders() {
		vs.OpenOrders = append(vs.OpenOrders, api.NewOrderStatus(o.Snapshot()))
	}
	for _, pair := range s.trader.TradingPairs() {
		b, ok := s.adapter.Book(pair)
		if !ok {
			continue
		}
		bids, asks, err := b.Snapshot(1)
		if err != nil || len(bids) == 0 || len(asks) == 0 {
			continue
		}
		vs.Books = append(vs.Books, api.BookTop{
			Pair:      pair.String(),
			BidPrice:  bids[0].Price,
			BidVolume: bids[0].Volume,
			AskPrice:  asks[0].Price,
			AskVolume: asks[0].Volume,
			MidPrice:  (bids[0].Price + asks[0].Price) / 2,
		})
	}
	return vs
}

// emitUserEvent forwards account events to the status stream.
func (e *Engine) emitUserEvent(name string, ev types.UserEvent) {
	switch ev.Kind {
	case types.UserEventFill:
		if ev.Fill != nil {
			e.emit(api.NewFillEvent(name, ev.Fill))
		}
	case types.UserEventOrder:
		if ev.Order != nil {
			e.emit(api.NewOrderEvent(name, *ev.Order))
		}
	}
}

// emit forwards an event to the status hub, dropping it when the
// consumer lags.
func (e *Engine) emit(ev api.Event) {
	if e.events == nil {
		return
	}
	select {
	case e.events <- ev:
	default:
	}
}

func legsSince(reports []trader.LegReport, since time.Time) []api.RebalanceLeg {
	var legs []api.RebalanceLeg
	for _, r := range reports {
		if r.Time.Before(since) {
			continue
		}
		legs = append(legs, api.RebalanceLeg{
			Pair:        r.Pair.String(),
			Side:        string(r.Side),
			VWAP:        r.VWAP,
			Volume:      r.Volume,
			SlippageBps: r.Slippage,
		})
	}
	return legs
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
