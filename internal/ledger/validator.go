package ledger

import (
	"fmt"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct{}

func NewInvariantValidator() *InvariantValidator {
	return &InvariantValidator{}
}

// ValidateAssets checks the per-asset invariants for the given slots. Disabled
// assets carry no invariants. Before genesis every slot must still be empty.
func (v *InvariantValidator) ValidateAssets(st *State, assets []AssetID) error {
	if !st.Initialized {
		return v.ValidatePristine(st)
	}
	for _, a := range assets {
		if err := v.ValidateAsset(st, a); err != nil {
			return err
		}
	}
	return nil
}

// ValidateAsset checks circulation >= 1 and mint price > 0 for an enabled asset.
// reserve >= 0 holds by type; underflow is rejected when entries are applied.
func (v *InvariantValidator) ValidateAsset(st *State, a AssetID) error {
	if !a.Valid() {
		return invalidAsset(a)
	}
	if st.Precision[a] == 0 {
		return nil
	}
	if st.Circulation[a] < 1 {
		return fmt.Errorf("%w: %s circulation would drop to %d", ErrInsufficientSupply, a, st.Circulation[a])
	}
	if !st.MintPrice[a].IsPositive() {
		return fmt.Errorf("%w: %s has mint price %s", ErrPriceNotSet, a, st.MintPrice[a])
	}
	return nil
}

// ValidatePristine checks that an uninitialized ledger holds nothing: no price,
// no reserve and no supply in any slot.
func (v *InvariantValidator) ValidatePristine(st *State) error {
	for _, a := range AllAssets() {
		if !st.MintPrice[a].IsZero() || st.Reserve[a] != 0 || st.Circulation[a] != 0 {
			return fmt.Errorf("%w: %s modified before genesis", ErrNotInitialized, a)
		}
	}
	return nil
}
