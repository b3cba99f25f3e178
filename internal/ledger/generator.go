package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventRef identifies the source event of a batch
type EventRef struct {
	Key       string // idempotency key
	Sequence  int64  // core sequence assigned to the event
	Timestamp int64  // epoch microseconds
}

// SupplyBurn is one leg of a redemption's supply reduction
type SupplyBurn struct {
	Asset  AssetID
	Amount uint64
}

func newBatch(ref EventRef, capacity int) *Batch {
	return &Batch{
		BatchID:   uuid.New(),
		EventRef:  ref.Key,
		Sequence:  ref.Sequence,
		Timestamp: ref.Timestamp,
		Entries:   make([]Entry, 0, capacity),
	}
}

func (b *Batch) add(a AssetID, t EntryType, amount uint64, price decimal.Decimal) {
	b.Entries = append(b.Entries, Entry{
		EntryID:   uuid.New(),
		BatchID:   b.BatchID,
		EventRef:  b.EventRef,
		Sequence:  b.Sequence,
		Asset:     a,
		EntryType: t,
		Amount:    amount,
		Price:     price,
		Timestamp: b.Timestamp,
	})
}

// GenerateGenesis resets every slot to mint price 1, reserve 0, circulation 1.
func GenerateGenesis(ref EventRef) *Batch {
	batch := newBatch(ref, int(AssetCount))
	for _, a := range AllAssets() {
		batch.add(a, EntryTypeGenesis, 0, decimal.Zero)
	}
	return batch
}

// GeneratePriceSet overwrites one asset's mint price.
func GeneratePriceSet(ref EventRef, a AssetID, price decimal.Decimal) *Batch {
	batch := newBatch(ref, 1)
	batch.add(a, EntryTypePriceSet, 0, price)
	return batch
}

// GenerateMint credits the deposited reserve and issues supply against it.
func GenerateMint(ref EventRef, a AssetID, reserveIn, supplyOut uint64) (*Batch, error) {
	if reserveIn == 0 || supplyOut == 0 {
		return nil, fmt.Errorf("%w: mint %s reserve=%d supply=%d", ErrInvalidAmount, a, reserveIn, supplyOut)
	}
	batch := newBatch(ref, 2)
	batch.add(a, EntryTypeReserveCredit, reserveIn, decimal.Zero)
	batch.add(a, EntryTypeSupplyIssue, supplyOut, decimal.Zero)
	return batch, nil
}

// GenerateRedemption debits the quote asset's reserve and burns supply across one
// or two assets. Zero-amount legs are skipped. Returns nil when nothing moves.
func GenerateRedemption(ref EventRef, quote AssetID, reserveOut uint64, burns []SupplyBurn) *Batch {
	batch := newBatch(ref, 1+len(burns))
	if reserveOut > 0 {
		batch.add(quote, EntryTypeReserveDebit, reserveOut, decimal.Zero)
	}
	for _, b := range burns {
		if b.Amount > 0 {
			batch.add(b.Asset, EntryTypeSupplyBurn, b.Amount, decimal.Zero)
		}
	}
	if len(batch.Entries) == 0 {
		return nil
	}
	return batch
}
