package types

import (
	"github.com/shopspring/decimal"
)

// renderEps absorbs binary-float noise before snapping to a tick: a value
// that lands a hair under a tick boundary (2.9999999998 ticks) must still
// render as the intended tick. Expressed in tick units, so it is far below
// any real half-tick distance.
var renderEps = decimal.New(1, -9) // 1e-9

// snapSteps converts value into a whole number of increments, biased by
// side: buys round down (never pay above the intended price), sells round
// up. Zero increment leaves the value untouched.
func snapSteps(value, increment float64, side Side) decimal.Decimal {
	d := decimal.NewFromFloat(value)
	if increment <= 0 {
		return d
	}
	inc := decimal.NewFromFloat(increment)
	steps := d.Div(inc)
	if side == Sell {
		steps = steps.Sub(renderEps).Ceil()
	} else {
		steps = steps.Add(renderEps).Floor()
	}
	return steps.Mul(inc)
}

// snapDown floors value to a whole number of increments. Used for volumes,
// which are always truncated so an order can never exceed the funds that
// back it.
func snapDown(value, increment float64) decimal.Decimal {
	d := decimal.NewFromFloat(value)
	if increment <= 0 {
		return d
	}
	inc := decimal.NewFromFloat(increment)
	return d.Div(inc).Add(renderEps).Floor().Mul(inc)
}

// RenderVolume formats a base-asset volume for the venue: floored to the
// lot step, fixed to the market's base precision.
func (m *Market) RenderVolume(v float64) string {
	return snapDown(v, m.SizeIncrement).StringFixed(int32(m.BasePrecision))
}

// RenderQuoteVolume formats a quote-asset notional at quote precision.
func (m *Market) RenderQuoteVolume(q float64) string {
	return decimal.NewFromFloat(q).RoundDown(int32(m.QuotePrecision)).StringFixed(int32(m.QuotePrecision))
}

// RenderPrice formats a limit price for the venue: snapped to the tick,
// floored for buys and ceiled for sells, fixed to the market's price
// precision.
func (m *Market) RenderPrice(p float64, side Side) string {
	return snapSteps(p, m.PriceIncrement, side).StringFixed(int32(m.PricePrecision))
}

// FloorVolume returns the largest tradable volume not exceeding v, as a
// float for sizing math before the final render.
func (m *Market) FloorVolume(v float64) float64 {
	f, _ := snapDown(v, m.SizeIncrement).Float64()
	return f
}

// SnapPrice snaps a price to the tick with the same side bias as
// RenderPrice, as a float for venues that take numeric JSON bodies.
func (m *Market) SnapPrice(p float64, side Side) float64 {
	f, _ := snapSteps(p, m.PriceIncrement, side).Float64()
	return f
}
