package trader

import (
	"math"

	"cryptobots/internal/book"
	"cryptobots/pkg/types"
)

// TradingSale is a directional view of one market: selling SellAsset to
// acquire BuyAsset. Each usable pair yields two views (base seller and
// quote seller), so volume minimums can be answered in the units of
// whichever asset is being sold.
type TradingSale struct {
	SellAsset string
	BuyAsset  string
	Pair      types.Pair

	book   *book.Book
	market *types.Market
}

// MinMarketOrder returns the minimum viable market-order volume in sell
// asset units: whichever binds of the venue's notional floor or lot
// floor, converted through the live book.
func (s *TradingSale) MinMarketOrder() (float64, error) {
	if s.Pair.Quote == s.SellAsset {
		// Selling the quote: express the lot floor as a notional via the
		// cost of buying the minimum lot.
		price, err := s.book.MarketSellPrice(s.market.MinProvideSize)
		if err != nil {
			return 0, err
		}
		return math.Max(s.market.MinQuoteVolume, s.market.MinProvideSize*price), nil
	}
	// Selling the base: express the notional floor in base units.
	price, err := s.book.MarketBuyPriceQuote(s.market.MinQuoteVolume)
	if err != nil {
		return 0, err
	}
	if price <= 0 {
		return s.market.MinProvideSize, nil
	}
	return math.Max(s.market.MinQuoteVolume/price, s.market.MinProvideSize), nil
}
