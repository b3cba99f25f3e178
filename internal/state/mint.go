package state

import (
	"errors"
	"fmt"

	"IrmaLedger/internal/ledger"
	fpmath "IrmaLedger/internal/math"

	"github.com/shopspring/decimal"
)

// MintResult is the outcome of a validated mint: reserve credited and supply
// issued against it.
type MintResult struct {
	Asset     ledger.AssetID
	Price     decimal.Decimal
	ReserveIn uint64
	SupplyOut uint64
}

// ComputeMint validates a mint against the current state and returns the
// amounts to apply: reserve += amount, supply += ceil(amount / mint price).
func ComputeMint(view LedgerView, a ledger.AssetID, amount uint64) (MintResult, error) {
	if err := view.RequireEnabled(a); err != nil {
		return MintResult{}, err
	}
	if amount == 0 {
		return MintResult{}, fmt.Errorf("%w: mint amount must be > 0", ledger.ErrInvalidAmount)
	}

	price, err := view.MintPrice(a)
	if err != nil {
		return MintResult{}, err
	}
	if !price.IsPositive() {
		return MintResult{}, fmt.Errorf("%w: %s", ledger.ErrPriceNotSet, a)
	}

	supply, err := fpmath.DivUnits(amount, price, fpmath.RoundUp)
	if err != nil {
		if errors.Is(err, fpmath.ErrUnitsOverflow) {
			return MintResult{}, fmt.Errorf("%w: supply for %d %s at %s", ledger.ErrArithmeticOverflow, amount, a, price)
		}
		return MintResult{}, err
	}

	return MintResult{
		Asset:     a,
		Price:     price,
		ReserveIn: amount,
		SupplyOut: supply,
	}, nil
}
