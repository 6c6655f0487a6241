// Package amm implements the automated market maker math for binary
// outcome markets: the share-ratio pricing function and the bounded
// price-impact function used by the trading engine.
//
// All values use shopspring/decimal — never float64 for money. Every
// returned price is rounded to PriceScale decimal places and clamped to
// [MinPrice, MaxPrice].
package amm

import (
	"github.com/shopspring/decimal"
)

var (
	// MinPrice is the probability floor. Prevents degenerate markets where
	// shares become worthless.
	MinPrice = decimal.NewFromFloat(0.01)

	// MaxPrice is the probability ceiling. Prevents markets where an
	// outcome appears "certain".
	MaxPrice = decimal.NewFromFloat(0.99)

	// halfRange normalizes available room: 0.49 is the distance from the
	// midpoint 0.5 to either bound.
	halfRange = decimal.NewFromFloat(0.49)

	// depthFactor scales liquidity into AMM depth: base impact is
	// quantity / (liquidity × 10).
	depthFactor = decimal.NewFromInt(10)

	one  = decimal.NewFromInt(1)
	half = decimal.NewFromFloat(0.5)
)

// PriceScale is the number of decimal places every price carries.
const PriceScale int32 = 4

// Direction is which bound an impact pushes a price toward.
type Direction int

const (
	// PushUp moves a price toward MaxPrice. Buying a side pushes that
	// side's price up.
	PushUp Direction = iota

	// PushDown moves a price toward MinPrice. Selling a side pushes that
	// side's price down, whichever side it is.
	PushDown
)

// Price computes prices from cumulative opposite-side share totals:
// yesPrice = noShares / (yesShares + noShares), clamped and rounded, with
// noPrice derived as 1 − yesPrice. Zero totals return (0.5, 0.5).
//
// Pure function. Note that live trade execution prices off Impact, not off
// this function; it is kept as the conceptual/initial pricing rule and its
// tests pin that split.
func Price(yesShares, noShares int64) (yesPrice, noPrice decimal.Decimal) {
	total := yesShares + noShares
	if total == 0 {
		return half, half
	}

	yesPrice = decimal.NewFromInt(noShares).
		Div(decimal.NewFromInt(total)).
		Round(PriceScale)
	yesPrice = Clamp(yesPrice)
	return yesPrice, Opposite(yesPrice)
}

// Impact returns the new price after a trade of quantity shares against a
// market with the given liquidity. The marginal impact diminishes as the
// price approaches its bound:
//
//	base   = quantity / (liquidity × 10)
//	room   = (bound − price) toward the push direction
//	impact = base × (room / 0.49)
//
// The result is clamped to [MinPrice, MaxPrice] and rounded to PriceScale.
func Impact(quantity int64, liquidity, current decimal.Decimal, dir Direction) decimal.Decimal {
	base := decimal.NewFromInt(quantity).Div(liquidity.Mul(depthFactor))

	var next decimal.Decimal
	if dir == PushUp {
		room := MaxPrice.Sub(current)
		next = current.Add(base.Mul(room).Div(halfRange))
		if next.GreaterThan(MaxPrice) {
			next = MaxPrice
		}
	} else {
		room := current.Sub(MinPrice)
		next = current.Sub(base.Mul(room).Div(halfRange))
		if next.LessThan(MinPrice) {
			next = MinPrice
		}
	}
	return next.Round(PriceScale)
}

// Opposite derives the other side's price as 1 − price, rounded. The
// opposite price is always derived, never stored independently; this is
// what keeps the two sides summing to 1.
func Opposite(price decimal.Decimal) decimal.Decimal {
	return one.Sub(price).Round(PriceScale)
}

// Clamp bounds a price to [MinPrice, MaxPrice].
func Clamp(price decimal.Decimal) decimal.Decimal {
	if price.LessThan(MinPrice) {
		return MinPrice
	}
	if price.GreaterThan(MaxPrice) {
		return MaxPrice
	}
	return price
}
