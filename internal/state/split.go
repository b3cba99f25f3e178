package state

import (
	"fmt"
	"strings"

	fpmath "IrmaLedger/internal/math"

	"github.com/shopspring/decimal"
)

// SplitStrategy computes how much of a cross-asset redemption the scan target
// absorbs. The result is unrounded; the engine rounds up and bounds-checks it.
type SplitStrategy interface {
	Name() string
	Adjustment(in fpmath.SplitInputs) (decimal.Decimal, error)
}

const (
	SplitLinear    = "linear"
	SplitQuadratic = "quadratic"
)

// LinearSplit splits by the ratio of the two gaps.
type LinearSplit struct{}

func (LinearSplit) Name() string { return SplitLinear }

func (LinearSplit) Adjustment(in fpmath.SplitInputs) (decimal.Decimal, error) {
	return fpmath.LinearAdjustment(in)
}

// QuadraticSplit solves for the adjustment that equalizes both post-redemption
// gaps. When the two target prices are within FallbackSpread it uses the linear
// ratio instead.
type QuadraticSplit struct {
	FallbackSpread decimal.Decimal
}

func (QuadraticSplit) Name() string { return SplitQuadratic }

func (s QuadraticSplit) Adjustment(in fpmath.SplitInputs) (decimal.Decimal, error) {
	if in.QuotePrice.Sub(in.TargetPrice).Abs().LessThan(s.FallbackSpread) {
		return fpmath.LinearAdjustment(in)
	}
	return fpmath.QuadraticAdjustment(in)
}

// ParseSplitStrategy resolves a configured strategy name.
func ParseSplitStrategy(name string, p RedemptionParams) (SplitStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", SplitLinear:
		return LinearSplit{}, nil
	case SplitQuadratic:
		return QuadraticSplit{FallbackSpread: p.QuadraticFallbackSpread}, nil
	default:
		return nil, fmt.Errorf("unknown split strategy %q", name)
	}
}
