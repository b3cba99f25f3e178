package ledger

import (
	"encoding/binary"
	"fmt"
	"math"

	fpmath "IrmaLedger/internal/math"

	"github.com/shopspring/decimal"
)

// State is the persisted ledger record: four parallel fixed-length arrays indexed
// by AssetID plus one structural byte.
type State struct {
	MintPrice   [AssetCount]decimal.Decimal `json:"mint_price"`
	Reserve     [AssetCount]uint64          `json:"reserve"`
	Circulation [AssetCount]uint64          `json:"circulation"`
	Precision   [AssetCount]uint8           `json:"precision"`
	Bump        uint8                       `json:"bump"`
	Initialized bool                        `json:"initialized"`
}

// ReserveTracker owns the in-memory ledger state. It is not safe for concurrent
// use; the core serializes all access.
type ReserveTracker struct {
	state     State
	validator *InvariantValidator
}

func NewReserveTracker(precision PrecisionTable, bump uint8) *ReserveTracker {
	rt := &ReserveTracker{validator: NewInvariantValidator()}
	rt.state.Precision = precision
	rt.state.Bump = bump
	return rt
}

// ApplyBatch applies every entry of the batch or none of them. Entries are applied
// to a scratch copy, then the post-state invariants are checked for each touched
// asset before the copy replaces the live state.
func (rt *ReserveTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	next := rt.state
	for _, e := range batch.Entries {
		if err := applyEntry(&next, e); err != nil {
			return fmt.Errorf("batch %s: %w", batch.BatchID, err)
		}
	}

	if err := rt.validator.ValidateAssets(&next, batch.Touched()); err != nil {
		return fmt.Errorf("batch %s: %w", batch.BatchID, err)
	}

	rt.state = next
	return nil
}

// Apply folds one entry into the state without invariant checks. Read models
// use it to rebuild state from a stored journal.
func (st *State) Apply(e Entry) error {
	return applyEntry(st, e)
}

func applyEntry(st *State, e Entry) error {
	a := e.Asset

	if e.EntryType == EntryTypeGenesis {
		st.MintPrice[a] = fpmath.One
		st.Reserve[a] = 0
		st.Circulation[a] = 1
		st.Initialized = true
		return nil
	}

	if st.Precision[a] == 0 {
		return invalidAsset(a)
	}

	switch e.EntryType {
	case EntryTypePriceSet:
		st.MintPrice[a] = e.Price
	case EntryTypeReserveCredit:
		if st.Reserve[a] > math.MaxUint64-e.Amount {
			return fmt.Errorf("%w: reserve %s + %d", ErrArithmeticOverflow, a, e.Amount)
		}
		st.Reserve[a] += e.Amount
	case EntryTypeReserveDebit:
		if st.Reserve[a] < e.Amount {
			return fmt.Errorf("%w: %s has %d, debit %d", ErrInsufficientReserve, a, st.Reserve[a], e.Amount)
		}
		st.Reserve[a] -= e.Amount
	case EntryTypeSupplyIssue:
		if st.Circulation[a] > math.MaxUint64-e.Amount {
			return fmt.Errorf("%w: circulation %s + %d", ErrArithmeticOverflow, a, e.Amount)
		}
		st.Circulation[a] += e.Amount
	case EntryTypeSupplyBurn:
		if st.Circulation[a] < e.Amount {
			return fmt.Errorf("%w: %s has %d, burn %d", ErrInsufficientSupply, a, st.Circulation[a], e.Amount)
		}
		st.Circulation[a] -= e.Amount
	}
	return nil
}

// === Accessors (bounds-checked) ===

func (rt *ReserveTracker) Initialized() bool {
	return rt.state.Initialized
}

func (rt *ReserveTracker) Bump() uint8 {
	return rt.state.Bump
}

func (rt *ReserveTracker) Precision(a AssetID) (uint8, error) {
	if !a.Valid() {
		return 0, invalidAsset(a)
	}
	return rt.state.Precision[a], nil
}

// Enabled reports whether a is in range and has non-zero precision.
func (rt *ReserveTracker) Enabled(a AssetID) bool {
	return a.Valid() && rt.state.Precision[a] > 0
}

// RequireEnabled returns ErrInvalidAsset for out-of-range or disabled assets.
func (rt *ReserveTracker) RequireEnabled(a AssetID) error {
	if !rt.Enabled(a) {
		return invalidAsset(a)
	}
	return nil
}

func (rt *ReserveTracker) MintPrice(a AssetID) (decimal.Decimal, error) {
	if !a.Valid() {
		return decimal.Zero, invalidAsset(a)
	}
	return rt.state.MintPrice[a], nil
}

func (rt *ReserveTracker) Reserve(a AssetID) (uint64, error) {
	if !a.Valid() {
		return 0, invalidAsset(a)
	}
	return rt.state.Reserve[a], nil
}

func (rt *ReserveTracker) Circulation(a AssetID) (uint64, error) {
	if !a.Valid() {
		return 0, invalidAsset(a)
	}
	return rt.state.Circulation[a], nil
}

// RedemptionPrice returns reserve / circulation.
func (rt *ReserveTracker) RedemptionPrice(a AssetID) (decimal.Decimal, error) {
	if !a.Valid() {
		return decimal.Zero, invalidAsset(a)
	}
	rp, err := fpmath.Ratio(rt.state.Reserve[a], rt.state.Circulation[a])
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s has zero circulation", ErrInsufficientSupply, a)
	}
	return rp, nil
}

// PriceGap returns mint price minus redemption price.
func (rt *ReserveTracker) PriceGap(a AssetID) (decimal.Decimal, error) {
	rp, err := rt.RedemptionPrice(a)
	if err != nil {
		return decimal.Zero, err
	}
	return rt.state.MintPrice[a].Sub(rp), nil
}

// Snapshot returns a copy of the full state
func (rt *ReserveTracker) Snapshot() State {
	return rt.state
}

// Restore replaces the state after checking every enabled asset's invariants.
func (rt *ReserveTracker) Restore(st State) error {
	if err := rt.validator.ValidateAssets(&st, AllAssets()); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	rt.state = st
	return nil
}

// Digest returns a canonical byte encoding of the state for hashing. Prices are
// encoded as fixed-scale decimal strings so the bytes do not depend on how a value
// was constructed.
func (rt *ReserveTracker) Digest() []byte {
	buf := make([]byte, 0, int(AssetCount)*48+2)
	var u [8]byte
	for i := 0; i < int(AssetCount); i++ {
		buf = append(buf, byte(i), rt.state.Precision[i])
		buf = append(buf, rt.state.MintPrice[i].StringFixed(fpmath.DivisionScale)...)
		binary.BigEndian.PutUint64(u[:], rt.state.Reserve[i])
		buf = append(buf, u[:]...)
		binary.BigEndian.PutUint64(u[:], rt.state.Circulation[i])
		buf = append(buf, u[:]...)
	}
	buf = append(buf, rt.state.Bump)
	if rt.state.Initialized {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf
}
