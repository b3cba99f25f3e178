package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EntryType represents the purpose of a journal entry
type EntryType int32

const (
	EntryTypeGenesis EntryType = iota
	EntryTypePriceSet
	EntryTypeReserveCredit
	EntryTypeReserveDebit
	EntryTypeSupplyIssue
	EntryTypeSupplyBurn
)

func (t EntryType) String() string {
	switch t {
	case EntryTypeGenesis:
		return "genesis"
	case EntryTypePriceSet:
		return "price_set"
	case EntryTypeReserveCredit:
		return "reserve_credit"
	case EntryTypeReserveDebit:
		return "reserve_debit"
	case EntryTypeSupplyIssue:
		return "supply_issue"
	case EntryTypeSupplyBurn:
		return "supply_burn"
	default:
		return "unknown"
	}
}

// ParseEntryType is the inverse of EntryType.String.
func ParseEntryType(s string) (EntryType, error) {
	for t := EntryTypeGenesis; t <= EntryTypeSupplyBurn; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown entry type %q", s)
}

// Entry is a single field mutation of one asset slot
type Entry struct {
	EntryID   uuid.UUID
	BatchID   uuid.UUID
	EventRef  string // Idempotency key of source event
	Sequence  int64  // Global event sequence
	Asset     AssetID
	EntryType EntryType
	Amount    uint64          // reserve or supply units; 0 for genesis and price entries
	Price     decimal.Decimal // new target price, EntryTypePriceSet only
	Timestamp int64           // epoch microseconds
}

// Batch is the full set of mutations produced by one event. It is applied
// all-or-nothing.
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Entries   []Entry
}

// Validate ensures the batch is well-formed. It does not look at ledger state;
// state checks happen in ReserveTracker.ApplyBatch.
func (b *Batch) Validate() error {
	if len(b.Entries) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, e := range b.Entries {
		if e.BatchID != b.BatchID {
			return fmt.Errorf("entry %s has mismatched batch_id", e.EntryID)
		}
		if !e.Asset.Valid() {
			return fmt.Errorf("entry %s: %w", e.EntryID, invalidAsset(e.Asset))
		}

		switch e.EntryType {
		case EntryTypeGenesis:
		case EntryTypePriceSet:
			if !e.Price.IsPositive() {
				return fmt.Errorf("entry %s: %w: price %s", e.EntryID, ErrInvalidAmount, e.Price)
			}
		case EntryTypeReserveCredit, EntryTypeReserveDebit, EntryTypeSupplyIssue, EntryTypeSupplyBurn:
			if e.Amount == 0 {
				return fmt.Errorf("entry %s: %w: zero %s", e.EntryID, ErrInvalidAmount, e.EntryType)
			}
		default:
			return fmt.Errorf("entry %s has unknown type %d", e.EntryID, e.EntryType)
		}
	}

	return nil
}

// Touched returns the distinct assets the batch mutates, in index order.
func (b *Batch) Touched() []AssetID {
	var seen [AssetCount]bool
	for _, e := range b.Entries {
		if e.Asset.Valid() {
			seen[e.Asset] = true
		}
	}
	var out []AssetID
	for i, ok := range seen {
		if ok {
			out = append(out, AssetID(i))
		}
	}
	return out
}
