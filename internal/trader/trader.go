// Package trader rebalances an account's spot portfolio toward target
// weights. It intersects a configured asset universe with the venue's
// markets, prices every holding through live order books (direct,
// inverse, or two-hop routes), and converts weight deltas into market or
// repegged limit orders: sells first, then buys clamped to the quote
// proceeds.
package trader

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"cryptobots/internal/account"
	"cryptobots/internal/venue"
	"cryptobots/pkg/types"
)

// Config carries the rebalancer's universe and execution tuning. Route
// bases must appear in Assets (and their pairs in Quotes) to be
// subscribed and therefore routable.
type Config struct {
	Assets     []string
	Quotes     []string
	RouteBases []string // tried in order when no direct or inverse pair exists

	// FillTimeout bounds the wait for one market order's fills.
	FillTimeout time.Duration

	// Limit-variant tuning.
	RepegInterval time.Duration
	MaxSlippage   float64 // fraction of the initial mid, e.g. 0.002
	LimitTimeout  time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.FillTimeout <= 0 {
		out.FillTimeout = 2 * time.Minute
	}
	if out.RepegInterval <= 0 {
		out.RepegInterval = time.Second
	}
	if out.MaxSlippage <= 0 {
		out.MaxSlippage = 0.002
	}
	if out.LimitTimeout <= 0 {
		out.LimitTimeout = time.Minute
	}
	return out
}

// RiskGuard is consulted before each rebalance leg. Implementations veto
// legs that exceed notional or turnover limits, or shut trading down
// after repeated placement failures.
type RiskGuard interface {
	AllowLeg(pair types.Pair, side types.Side, notional float64) error
	RecordOutcome(err error)
}

// Trader converts target portfolio weights into venue orders.
type Trader struct {
	account *account.Account
	venue   venue.Adapter
	cfg     Config
	logger  *slog.Logger
	guard   RiskGuard
	quality *Quality

	mu      sync.RWMutex
	pairs   []types.Pair
	pairSet map[types.Pair]bool
	sales   map[string][]*TradingSale
}

func New(acct *account.Account, v venue.Adapter, cfg Config, logger *slog.Logger) *Trader {
	return &Trader{
		account: acct,
		venue:   v,
		cfg:     cfg.withDefaults(),
		logger:  logger.With("component", "trader", "venue", v.Name()),
		quality: NewQuality(defaultQualityWindow),
		pairSet: make(map[types.Pair]bool),
		sales:   make(map[string][]*TradingSale),
	}
}

// SetRiskGuard installs a pre-trade guard consulted on every leg.
func (t *Trader) SetRiskGuard(g RiskGuard) { t.guard = g }

// Quality exposes the per-leg execution reports.
func (t *Trader) Quality() *Quality { return t.quality }

// Prepare intersects the configured universe with the venue's markets,
// subscribes the order books of the usable pairs, and builds the two
// directional sale views per pair.
func (t *Trader) Prepare(ctx context.Context) error {
	var pairs []types.Pair
	for pair := range t.venue.Markets() {
		if contains(t.cfg.Assets, pair.Base) && contains(t.cfg.Quotes, pair.Quote) {
			pairs = append(pairs, pair)
		}
	}
	if len(pairs) == 0 {
		return fmt.Errorf("no tradable pairs for assets %v quotes %v", t.cfg.Assets, t.cfg.Quotes)
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].String() < pairs[j].String() })

	if err := t.venue.SubscribeOrderBooks(ctx, pairs...); err != nil {
		return fmt.Errorf("subscribe trading books: %w", err)
	}

	pairSet := make(map[types.Pair]bool, len(pairs))
	sales := make(map[string][]*TradingSale)
	for _, pair := range pairs {
		m, ok := t.venue.Market(pair)
		if !ok {
			continue
		}
		b, ok := t.venue.Book(pair)
		if !ok {
			continue
		}
		pairSet[pair] = true
		sales[pair.Base] = append(sales[pair.Base], &TradingSale{
			SellAsset: pair.Base, BuyAsset: pair.Quote, Pair: pair, book: b, market: m,
		})
		sales[pair.Quote] = append(sales[pair.Quote], &TradingSale{
			SellAsset: pair.Quote, BuyAsset: pair.Base, Pair: pair, book: b, market: m,
		})
	}

	t.mu.Lock()
	t.pairs = pairs
	t.pairSet = pairSet
	t.sales = sales
	t.mu.Unlock()

	t.logger.Info("trading universe prepared", "pairs", len(pairs))
	return nil
}

// TradingPairs lists the usable pairs established by Prepare.
func (t *Trader) TradingPairs() []types.Pair {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]types.Pair(nil), t.pairs...)
}

func (t *Trader) hasPair(pair types.Pair) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pairSet[pair]
}

// midPrice reads the mid of a usable pair's book, false when the pair is
// not traded or the book is not initialized.
func (t *Trader) midPrice(pair types.Pair) (float64, bool) {
	if !t.hasPair(pair) {
		return 0, false
	}
	b, ok := t.venue.Book(pair)
	if !ok {
		return 0, false
	}
	mid, err := b.MidPrice()
	if err != nil {
		return 0, false
	}
	return mid, true
}

// Prices resolves each asset to a price in the quote asset: direct
// market mid, else inverse, else the arithmetic mean of all two-hop
// routes through currently held assets. Unroutable assets price at 0.
func (t *Trader) Prices(assets []string, quote string) map[string]float64 {
	held := t.account.Balances()
	out := make(map[string]float64, len(assets))
	for _, asset := range assets {
		out[asset] = t.priceOf(asset, quote, held)
	}
	return out
}

func (t *Trader) priceOf(asset, quote string, held map[string]float64) float64 {
	if asset == quote {
		return 1
	}
	if mid, ok := t.midPrice(types.Pair{Base: asset, Quote: quote}); ok {
		return mid
	}
	if mid, ok := t.midPrice(types.Pair{Base: quote, Quote: asset}); ok && mid > 0 {
		return 1 / mid
	}

	var sum float64
	var n int
	for middle := range held {
		a2m, hasA2M := t.midPrice(types.Pair{Base: asset, Quote: middle})
		m2a, hasM2A := t.midPrice(types.Pair{Base: middle, Quote: asset})
		m2q, hasM2Q := t.midPrice(types.Pair{Base: middle, Quote: quote})
		q2m, hasQ2M := t.midPrice(types.Pair{Base: quote, Quote: middle})

		if hasA2M && hasM2Q {
			sum += a2m * m2q
			n++
		}
		if hasA2M && hasQ2M && q2m > 0 {
			sum += a2m / q2m
			n++
		}
		if hasM2A && m2a > 0 && hasM2Q {
			sum += m2q / m2a
			n++
		}
		if hasM2A && m2a > 0 && hasQ2M && q2m > 0 {
			sum += 1 / (m2a * q2m)
			n++
		}
	}
	if n > 0 {
		return sum / float64(n)
	}
	t.logger.Warn("no price route", "asset", asset, "quote", quote)
	return 0
}

// PortfolioValues prices a holdings map into quote terms.
func (t *Trader) PortfolioValues(portfolio map[string]float64, quote string) map[string]float64 {
	assets := make([]string, 0, len(portfolio))
	for asset := range portfolio {
		assets = append(assets, asset)
	}
	prices := t.Prices(assets, quote)
	out := make(map[string]float64, len(portfolio))
	for asset, amount := range portfolio {
		out[asset] = amount * prices[asset]
	}
	return out
}

// WeightedPortfolio returns the account's current holdings as weights
// normalized to unit sum.
func (t *Trader) WeightedPortfolio(quote string) map[string]float64 {
	values := t.PortfolioValues(t.account.Balances(), quote)
	var total float64
	for _, v := range values {
		total += v
	}
	out := make(map[string]float64, len(values))
	if total == 0 {
		return out
	}
	for asset, v := range values {
		out[asset] = v / total
	}
	return out
}

// minSellVolume is the smallest viable sale of an asset across any of
// its markets, in asset units. Zero when no view can answer yet.
func (t *Trader) minSellVolume(asset string) float64 {
	t.mu.RLock()
	views := t.sales[asset]
	t.mu.RUnlock()

	best := 0.0
	for _, s := range views {
		v, err := s.MinMarketOrder()
		if err != nil {
			continue
		}
		if best == 0 || v < best {
			best = v
		}
	}
	return best
}

// minBuyNotional is the smallest viable quote spend acquiring the asset.
func (t *Trader) minBuyNotional(asset, quote string) float64 {
	t.mu.RLock()
	views := t.sales[quote]
	t.mu.RUnlock()

	for _, s := range views {
		if s.BuyAsset != asset {
			continue
		}
		v, err := s.MinMarketOrder()
		if err != nil {
			return 0
		}
		return v
	}
	return t.minSellVolume(quote)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
