package state

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// RedemptionParams bounds and tunes redemptions. All fields are part of the
// replicated state transition and must be identical on every replica.
type RedemptionParams struct {
	MaxRedeemPerCall   uint64          // absolute cap per redemption
	SupplyDivisor      uint64          // cap of circulation/SupplyDivisor per redemption
	DeviationThreshold decimal.Decimal // gap deviation that moves the scan target
	// QuadraticFallbackSpread: below this target price spread the quadratic split
	// uses the linear formula.
	QuadraticFallbackSpread decimal.Decimal
}

// OracleParams controls how inflation readings become mint prices
type OracleParams struct {
	InflationFloorPercent decimal.Decimal // readings below this keep the price at 1
}

var (
	DefaultRedemptionParams = RedemptionParams{
		MaxRedeemPerCall:        100_000,
		SupplyDivisor:           10,
		DeviationThreshold:      decimal.RequireFromString("0.1"),
		QuadraticFallbackSpread: decimal.RequireFromString("0.01"),
	}

	DefaultOracleParams = OracleParams{
		InflationFloorPercent: decimal.NewFromInt(2),
	}
)

// ValidateRedemptionParams checks that redemption parameters are usable.
func ValidateRedemptionParams(p RedemptionParams) error {
	if p.MaxRedeemPerCall == 0 {
		return fmt.Errorf("max_redeem_per_call must be > 0")
	}
	if p.SupplyDivisor == 0 {
		return fmt.Errorf("supply_divisor must be > 0")
	}
	if !p.DeviationThreshold.IsPositive() {
		return fmt.Errorf("deviation_threshold must be > 0, got %s", p.DeviationThreshold)
	}
	if p.QuadraticFallbackSpread.IsNegative() {
		return fmt.Errorf("quadratic_fallback_spread must be >= 0, got %s", p.QuadraticFallbackSpread)
	}
	return nil
}

// ValidateOracleParams checks that oracle parameters are usable.
func ValidateOracleParams(p OracleParams) error {
	if p.InflationFloorPercent.IsNegative() {
		return fmt.Errorf("inflation_floor_percent must be >= 0, got %s", p.InflationFloorPercent)
	}
	return nil
}

// RedeemLimit returns min(MaxRedeemPerCall, circulation/SupplyDivisor).
func (p RedemptionParams) RedeemLimit(circulation uint64) uint64 {
	limit := circulation / p.SupplyDivisor
	if limit > p.MaxRedeemPerCall {
		return p.MaxRedeemPerCall
	}
	return limit
}
