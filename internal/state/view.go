package state

import (
	"IrmaLedger/internal/ledger"

	"github.com/shopspring/decimal"
)

// LedgerView is the read side of the ledger the operations plan against.
// *ledger.ReserveTracker implements it.
type LedgerView interface {
	Enabled(a ledger.AssetID) bool
	RequireEnabled(a ledger.AssetID) error
	MintPrice(a ledger.AssetID) (decimal.Decimal, error)
	Reserve(a ledger.AssetID) (uint64, error)
	Circulation(a ledger.AssetID) (uint64, error)
	RedemptionPrice(a ledger.AssetID) (decimal.Decimal, error)
	PriceGap(a ledger.AssetID) (decimal.Decimal, error)
}

var _ LedgerView = (*ledger.ReserveTracker)(nil)
