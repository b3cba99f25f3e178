package math

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// SplitInputs carries the pre-redemption state of the two assets sharing a
// cross-asset redemption. "Target" is the asset picked by the deviation scan,
// "Quote" is the asset the redemption was requested against.
type SplitInputs struct {
	Amount uint64

	TargetPrice       decimal.Decimal
	TargetReserve     uint64
	TargetCirculation uint64

	QuotePrice       decimal.Decimal
	QuoteReserve     uint64 // after the quote payout
	QuoteCirculation uint64

	// Gaps as computed by the engine. GapTarget is the current gap of the target
	// asset, GapQuotePost the hypothetical gap of the quote asset.
	GapTarget    decimal.Decimal
	GapQuotePost decimal.Decimal
}

// LinearAdjustment returns the share of the redemption the target asset absorbs:
//
//	adj = amount * (gapTarget - gapQuotePost) / (gapTarget + gapQuotePost)
//
// The result is not rounded.
func LinearAdjustment(in SplitInputs) (decimal.Decimal, error) {
	denom := in.GapTarget.Add(in.GapQuotePost)
	if denom.IsZero() {
		return decimal.Zero, fmt.Errorf("linear split: %w (gaps cancel)", ErrDivisionByZero)
	}
	num := decimal.NewFromUint64(in.Amount).Mul(in.GapTarget.Sub(in.GapQuotePost))
	return num.DivRound(denom, DivisionScale), nil
}

// QuadraticAdjustment solves for the adjustment x that leaves both assets with the
// same post-redemption gap, where the target asset absorbs x and the quote asset
// absorbs amount-x:
//
//	targetPrice - targetReserve/(targetCirc - x) = quotePrice - quoteReserve/(v + x)
//	v = quoteCirc - amount
//
// which expands to A*x^2 + B*x + C = 0 with
//
//	p = quotePrice - targetPrice
//	A = -p
//	B = p*(targetCirc - v) + targetReserve + quoteReserve
//	C = p*targetCirc*v + targetReserve*v - quoteReserve*targetCirc
//
// QuoteReserve must already reflect the quote payout. The smallest non-negative
// root is returned, unrounded. When the prices are equal the equation is linear.
func QuadraticAdjustment(in SplitInputs) (decimal.Decimal, error) {
	amt := decimal.NewFromUint64(in.Amount)
	fc := decimal.NewFromUint64(in.TargetCirculation)
	fr := decimal.NewFromUint64(in.TargetReserve)
	sc := decimal.NewFromUint64(in.QuoteCirculation)
	sr := decimal.NewFromUint64(in.QuoteReserve)
	v := sc.Sub(amt)

	p := in.QuotePrice.Sub(in.TargetPrice)
	a := p.Neg()
	b := p.Mul(fc.Sub(v)).Add(fr).Add(sr)
	c := p.Mul(fc).Mul(v).Add(fr.Mul(v)).Sub(sr.Mul(fc))

	if a.IsZero() {
		if b.IsZero() {
			return decimal.Zero, fmt.Errorf("quadratic split: %w (degenerate equation)", ErrDivisionByZero)
		}
		return Div(c.Neg(), b)
	}

	disc := b.Mul(b).Sub(decimal.NewFromInt(4).Mul(a).Mul(c))
	root, err := Sqrt(disc)
	if err != nil {
		return decimal.Zero, fmt.Errorf("quadratic split: no real solution: %w", err)
	}

	twoA := Two.Mul(a)
	r1, err := Div(b.Neg().Add(root), twoA)
	if err != nil {
		return decimal.Zero, err
	}
	r2, err := Div(b.Neg().Sub(root), twoA)
	if err != nil {
		return decimal.Zero, err
	}

	switch {
	case r1.IsNegative() && r2.IsNegative():
		return decimal.Zero, fmt.Errorf("quadratic split: no non-negative root (%s, %s)", r1, r2)
	case r1.IsNegative():
		return r2, nil
	case r2.IsNegative():
		return r1, nil
	default:
		return decimal.Min(r1, r2), nil
	}
}
