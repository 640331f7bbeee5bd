package trader

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"cryptobots/internal/account"
	"cryptobots/internal/metrics"
	"cryptobots/pkg/types"
)

// hop is one market-order conversion of a route. The spend amount is in
// the sold asset's units: base volume for sells, quote volume for buys.
// A carry hop spends whatever the previous hop acquired in carryAsset.
type hop struct {
	pair       types.Pair
	side       types.Side
	amount     float64
	carry      bool
	carryAsset string
}

// convertHop resolves a single conversion of amount `from` into `to`,
// preferring the direct pair and falling back to the inverse.
func (t *Trader) convertHop(from, to string, amount float64) (hop, bool) {
	if direct := (types.Pair{Base: from, Quote: to}); t.hasPair(direct) {
		return hop{pair: direct, side: types.Sell, amount: amount}, true
	}
	if inverse := (types.Pair{Base: to, Quote: from}); t.hasPair(inverse) {
		return hop{pair: inverse, side: types.Buy, amount: amount}, true
	}
	return hop{}, false
}

// route plans the conversion of amount of `from` into `to`: direct or
// inverse pair first, then two hops through the configured route bases.
func (t *Trader) route(from, to string, amount float64) ([]hop, bool) {
	if h, ok := t.convertHop(from, to, amount); ok {
		return []hop{h}, true
	}
	for _, mid := range t.cfg.RouteBases {
		if mid == from || mid == to {
			continue
		}
		first, ok := t.convertHop(from, mid, amount)
		if !ok {
			continue
		}
		second, ok := t.convertHop(mid, to, 0)
		if !ok {
			continue
		}
		second.carry = true
		second.carryAsset = mid
		return []hop{first, second}, true
	}
	return nil, false
}

// leg is one planned rebalance conversion with its execution results.
type leg struct {
	asset     string
	direction string // "sell" or "buy"
	amount    float64
	hops      []hop
	orders    []*account.Order
	err       error
	blocked   bool
}

// legExec executes one planned leg and returns every order it placed.
type legExec func(ctx context.Context, l *leg) ([]*account.Order, error)

// TradeToPortfolio rebalances the account toward the target weights
// using market orders: sells first, await fills, then buys sized from
// the post-sell portfolio value and clamped to the quote proceeds.
// Per-leg failures are logged and the remaining legs continue. The
// returned map is the locally tracked portfolio after all fills.
func (t *Trader) TradeToPortfolio(ctx context.Context, target map[string]float64, quote string) (map[string]float64, error) {
	return t.rebalance(ctx, target, quote, t.executeRoute)
}

func (t *Trader) rebalance(ctx context.Context, target map[string]float64, quote string, exec legExec) (map[string]float64, error) {
	assets, targetW, err := normalizeTarget(target)
	if err != nil {
		return nil, err
	}

	portfolio := t.account.Balances()
	for _, asset := range assets {
		if _, ok := portfolio[asset]; !ok {
			portfolio[asset] = 0
		}
	}

	values := t.PortfolioValues(portfolio, quote)
	total := sumValues(values)
	if total == 0 {
		t.logger.Warn("portfolio has no value, nothing to trade", "quote", quote)
		return portfolio, nil
	}

	current := make(map[string]float64, len(assets))
	for _, asset := range assets {
		current[asset] = values[asset] / total
	}

	// Sells: convert negative weight deltas to asset volumes against the
	// current holdings.
	var sells []*leg
	for _, asset := range assets {
		delta := targetW[asset] - current[asset]
		if delta >= 0 || current[asset] <= 0 {
			continue
		}
		volume := portfolio[asset] * -delta / current[asset]
		if minVol := t.minSellVolume(asset); volume < minVol {
			t.logger.Info("sell below minimum, skipping",
				"asset", asset, "volume", volume, "min", minVol)
			metrics.RebalanceLegs.WithLabelValues("sell", "below_min").Inc()
			continue
		}
		hops, ok := t.route(asset, quote, volume)
		if !ok {
			t.logger.Warn("no trading route for sell", "asset", asset, "quote", quote)
			metrics.RebalanceLegs.WithLabelValues("sell", "no_route").Inc()
			continue
		}
		sells = append(sells, &leg{asset: asset, direction: "sell", amount: volume, hops: hops})
	}

	t.logger.Info("rebalancing: selling into quote", "legs", len(sells), "quote", quote)
	t.executeLegs(ctx, sells, exec)
	for _, l := range sells {
		for _, ord := range l.orders {
			applyFills(portfolio, ord)
		}
	}
	if err := ctx.Err(); err != nil {
		return portfolio, err
	}

	// Buys: weight deltas against the pre-trade weights, sized by the
	// post-sell value, cumulatively clamped to the quote proceeds.
	values = t.PortfolioValues(portfolio, quote)
	total = sumValues(values)
	availableQuote := portfolio[quote]
	spent := 0.0

	var buys []*leg
	for _, asset := range assets {
		if asset == quote {
			continue
		}
		delta := targetW[asset] - current[asset]
		if delta <= 0 {
			continue
		}
		notional := delta * total
		if spent+notional > availableQuote {
			notional = availableQuote - spent
		}
		if notional <= 0 {
			continue
		}
		if minNotional := t.minBuyNotional(asset, quote); notional < minNotional {
			t.logger.Info("buy below minimum, skipping",
				"asset", asset, "notional", notional, "min", minNotional)
			metrics.RebalanceLegs.WithLabelValues("buy", "below_min").Inc()
			continue
		}
		hops, ok := t.route(quote, asset, notional)
		if !ok {
			t.logger.Warn("no trading route for buy", "asset", asset, "quote", quote)
			metrics.RebalanceLegs.WithLabelValues("buy", "no_route").Inc()
			continue
		}
		spent += notional
		buys = append(buys, &leg{asset: asset, direction: "buy", amount: notional, hops: hops})
	}

	t.logger.Info("rebalancing: buying targets", "legs", len(buys))
	t.executeLegs(ctx, buys, exec)
	for _, l := range buys {
		for _, ord := range l.orders {
			applyFills(portfolio, ord)
		}
	}

	t.logger.Info("rebalance complete",
		"sells", len(sells), "buys", len(buys))
	return portfolio, ctx.Err()
}

// executeLegs runs the legs in parallel. Each leg's outcome lands on the
// leg itself; a failed leg never aborts its siblings.
func (t *Trader) executeLegs(ctx context.Context, legs []*leg, exec legExec) {
	var g errgroup.Group
	for _, l := range legs {
		g.Go(func() error {
			l.orders, l.err = exec(ctx, l)
			outcome := "ok"
			switch {
			case l.blocked:
				outcome = "blocked"
				t.logger.Warn("rebalance leg blocked by risk guard",
					"direction", l.direction, "asset", l.asset, "error", l.err)
			case l.err != nil:
				outcome = "error"
				t.logger.Error("rebalance leg failed",
					"direction", l.direction, "asset", l.asset, "error", l.err)
			}
			metrics.RebalanceLegs.WithLabelValues(l.direction, outcome).Inc()
			return nil
		})
	}
	g.Wait()
}

// executeRoute places the hops of one leg in order, feeding each carry
// hop with the amount the previous hop actually acquired. All placed
// orders are returned so the caller can apply their fills.
func (t *Trader) executeRoute(ctx context.Context, l *leg) ([]*account.Order, error) {
	var placed []*account.Order
	carried := 0.0

	for i, h := range l.hops {
		amount := h.amount
		if h.carry {
			amount = carried
			if amount <= 0 {
				return placed, fmt.Errorf("route hop %d: nothing acquired to carry", i)
			}
		}

		req := types.MarketOrderRequest{Pair: h.pair, Side: h.side}
		if h.side == types.Sell {
			req.Volume = amount
		} else {
			req.QuoteVolume = amount
		}

		preMid, _ := t.midPrice(h.pair)
		notional := amount
		if h.side == types.Sell && preMid > 0 {
			notional = amount * preMid
		}
		if err := t.allowLeg(h.pair, h.side, notional); err != nil {
			l.blocked = true
			return placed, err
		}

		ord, err := t.account.MarketOrder(ctx, req)
		t.recordOutcome(err)
		if err != nil {
			return placed, err
		}
		placed = append(placed, ord)

		if err := t.awaitFill(ctx, ord); err != nil {
			return placed, err
		}
		t.reportLeg(h.pair, h.side, preMid, ord)

		if i+1 < len(l.hops) {
			carried = acquiredAmount(ord, l.hops[i+1].carryAsset)
		}
	}
	return placed, nil
}

// awaitFill blocks until the order's fills cover its volume, the
// configured timeout passes, or the context ends. A timeout is not an
// error: the caller proceeds with whatever was filled.
func (t *Trader) awaitFill(ctx context.Context, ord *account.Order) error {
	select {
	case <-ord.Filled():
		return nil
	case <-time.After(t.cfg.FillTimeout):
		t.logger.Warn("timed out waiting for fills",
			"order_id", ord.ID, "recorded", ord.Recorded())
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Trader) allowLeg(pair types.Pair, side types.Side, notional float64) error {
	if t.guard == nil {
		return nil
	}
	return t.guard.AllowLeg(pair, side, notional)
}

func (t *Trader) recordOutcome(err error) {
	if t.guard != nil {
		t.guard.RecordOutcome(err)
	}
}

// reportLeg records execution quality for one completed hop.
func (t *Trader) reportLeg(pair types.Pair, side types.Side, preMid float64, ord *account.Order) {
	vwap := ord.ExecutedPrice()
	if preMid <= 0 || vwap <= 0 {
		return
	}
	t.quality.Record(t.venue.Name(), LegReport{
		Pair:   pair,
		Side:   side,
		PreMid: preMid,
		VWAP:   vwap,
		Volume: ord.Recorded(),
		Time:   time.Now(),
	})
}

// applyFills folds an order's executions into the local portfolio copy:
// base gains, quote outlay, and fee debits per fee asset.
func applyFills(portfolio map[string]float64, ord *account.Order) {
	for _, f := range ord.Fills() {
		sign := f.Side.Sign()
		portfolio[f.Pair.Base] += sign * f.Volume
		portfolio[f.Pair.Quote] -= sign * f.Volume * f.Price
		for asset, fee := range f.Fees {
			portfolio[asset] -= fee
		}
	}
}

// acquiredAmount is the net change an order's fills produce in one
// asset, fees included.
func acquiredAmount(ord *account.Order, asset string) float64 {
	var total float64
	for _, f := range ord.Fills() {
		sign := f.Side.Sign()
		if f.Pair.Base == asset {
			total += sign * f.Volume
		}
		if f.Pair.Quote == asset {
			total -= sign * f.Volume * f.Price
		}
		total -= f.Fees[asset]
	}
	return total
}

func normalizeTarget(target map[string]float64) ([]string, map[string]float64, error) {
	assets := make([]string, 0, len(target))
	var sum float64
	for asset, w := range target {
		if w < 0 {
			return nil, nil, fmt.Errorf("negative target weight for %s", asset)
		}
		assets = append(assets, asset)
		sum += w
	}
	if sum <= 0 {
		return nil, nil, fmt.Errorf("target weights sum to zero")
	}
	sort.Strings(assets)
	out := make(map[string]float64, len(target))
	for asset, w := range target {
		out[asset] = w / sum
	}
	return assets, out, nil
}

func sumValues(values map[string]float64) float64 {
	var total float64
	for _, v := range values {
		total += v
	}
	return total
}
