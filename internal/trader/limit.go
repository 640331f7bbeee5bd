package trader

import (
	"context"
	"fmt"
	"math"
	"time"

	"cryptobots/internal/account"
	"cryptobots/internal/book"
	"cryptobots/pkg/types"
)

const cancelConfirmTimeout = 10 * time.Second

// TradeToPortfolioLimit rebalances with repegged limit orders instead of
// market orders. Each leg starts at its own side's best price and is
// cancel-replaced every repeg interval, stepping halfway toward the
// current mid but never beyond the slippage bound from the initial mid.
// Whatever remains unfilled at the leg timeout is cancelled.
func (t *Trader) TradeToPortfolioLimit(ctx context.Context, target map[string]float64, quote string) (map[string]float64, error) {
	return t.rebalance(ctx, target, quote, t.executeLimitRoute)
}

func (t *Trader) executeLimitRoute(ctx context.Context, l *leg) ([]*account.Order, error) {
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

		orders, err := t.execLimitHop(ctx, l, h, amount)
		placed = append(placed, orders...)
		if err != nil {
			return placed, err
		}

		if i+1 < len(l.hops) {
			carried = 0
			for _, ord := range orders {
				carried += acquiredAmount(ord, l.hops[i+1].carryAsset)
			}
		}
	}
	return placed, nil
}

// execLimitHop works one hop down to completion: place at the own-side
// best, then cancel-replace toward the mid until filled, out of price
// room, or timed out.
func (t *Trader) execLimitHop(ctx context.Context, l *leg, h hop, amount float64) ([]*account.Order, error) {
	b, ok := t.venue.Book(h.pair)
	if !ok {
		return nil, fmt.Errorf("no book for %s", h.pair.String())
	}
	m, ok := t.venue.Market(h.pair)
	if !ok {
		return nil, fmt.Errorf("no market for %s", h.pair.String())
	}

	// Buy hops spend quote units; size the base volume through the book.
	volume := amount
	if h.side == types.Buy {
		walk, err := b.MarketBuyPriceQuote(amount)
		if err != nil && walk <= 0 {
			return nil, fmt.Errorf("size %s buy: %w", h.pair.String(), err)
		}
		volume = amount / walk
	}

	initialMid, err := b.MidPrice()
	if err != nil {
		return nil, fmt.Errorf("mid for %s: %w", h.pair.String(), err)
	}
	var bound float64
	if h.side == types.Buy {
		bound = initialMid * (1 + t.cfg.MaxSlippage)
	} else {
		bound = initialMid * (1 - t.cfg.MaxSlippage)
	}

	if err := t.allowLeg(h.pair, h.side, volume*initialMid); err != nil {
		l.blocked = true
		return nil, err
	}

	deadline := time.NewTimer(t.cfg.LimitTimeout)
	defer deadline.Stop()

	var placed []*account.Order
	price := ownSideBest(b, h.side, initialMid)
	remaining := volume

	for remaining >= m.MinProvideSize {
		ord, err := t.account.LimitOrder(ctx, types.LimitOrderRequest{
			Pair: h.pair, Side: h.side, Price: price, Volume: remaining,
		})
		t.recordOutcome(err)
		if err != nil {
			return placed, err
		}
		placed = append(placed, ord)

		repeg := time.NewTicker(t.cfg.RepegInterval)
		replaced := false
		for !replaced {
			select {
			case <-ord.Filled():
				repeg.Stop()
				t.reportLeg(h.pair, h.side, initialMid, ord)
				return placed, nil

			case <-deadline.C:
				repeg.Stop()
				err := t.cancelAndConfirm(ctx, ord)
				t.reportLeg(h.pair, h.side, initialMid, ord)
				return placed, err

			case <-ctx.Done():
				repeg.Stop()
				cleanup, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelConfirmTimeout)
				if err := t.cancelAndConfirm(cleanup, ord); err != nil {
					t.logger.Warn("cleanup cancel failed", "order_id", ord.ID, "error", err)
				}
				cancel()
				return placed, ctx.Err()

			case <-repeg.C:
				mid, err := b.MidPrice()
				if err != nil {
					continue
				}
				next := price + (mid-price)/2
				if h.side == types.Buy {
					next = math.Min(next, bound)
				} else {
					next = math.Max(next, bound)
				}
				if m.SnapPrice(next, h.side) == m.SnapPrice(price, h.side) {
					continue // not a full tick of movement yet
				}
				repeg.Stop()
				if err := t.cancelAndConfirm(ctx, ord); err != nil {
					return placed, err
				}
				t.reportLeg(h.pair, h.side, initialMid, ord)
				remaining -= ord.Recorded()
				price = next
				replaced = true
			}
		}
	}
	return placed, nil
}

// cancelAndConfirm cancels the order and waits for its close event, so a
// replacement cannot overlap with fills still arriving for the old one.
func (t *Trader) cancelAndConfirm(ctx context.Context, ord *account.Order) error {
	if err := t.account.CancelOrder(ctx, ord.ID); err != nil {
		return err
	}
	select {
	case <-ord.Closed():
		return nil
	case <-time.After(cancelConfirmTimeout):
		return fmt.Errorf("order %s: cancellation not confirmed", ord.ID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func ownSideBest(b *book.Book, side types.Side, fallback float64) float64 {
	bids, asks, err := b.Snapshot(1)
	if err != nil {
		return fallback
	}
	if side == types.Buy {
		if len(bids) > 0 {
			return bids[0].Price
		}
	} else if len(asks) > 0 {
		return asks[0].Price
	}
	return fallback
}
