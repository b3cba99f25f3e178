package state

import (
	"fmt"

	"IrmaLedger/internal/ledger"
	fpmath "IrmaLedger/internal/math"

	"github.com/shopspring/decimal"
)

// ValidatePriceSet checks a mint price update: the asset must be enabled and the
// price positive. The update itself is an unconditional overwrite.
func ValidatePriceSet(view LedgerView, a ledger.AssetID, price decimal.Decimal) error {
	if err := view.RequireEnabled(a); err != nil {
		return err
	}
	if !price.IsPositive() {
		return fmt.Errorf("%w: mint price must be > 0, got %s", ledger.ErrInvalidAmount, price)
	}
	return nil
}

// DeriveMintPrice maps an oracle reading to a mint price:
// referencePriceUSD * (1 + inflation/100) when inflation reaches the floor,
// otherwise 1.
func DeriveMintPrice(p OracleParams, inflationPercent, referencePriceUSD decimal.Decimal) decimal.Decimal {
	if inflationPercent.LessThan(p.InflationFloorPercent) {
		return fpmath.One
	}
	factor := fpmath.One.Add(inflationPercent.DivRound(fpmath.Hundred, fpmath.DivisionScale))
	return referencePriceUSD.Mul(factor)
}
