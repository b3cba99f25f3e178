package persistence

import (
	"encoding/json"
	"fmt"

	"IrmaLedger/internal/core"
	"IrmaLedger/internal/ledger"

	"github.com/shopspring/decimal"
)

// Record is everything one decided event writes to the event log.
type Record struct {
	Event      EventRow
	Entries    []EntryRow
	Redemption *RedemptionRow
}

type burnJSON struct {
	Asset  string `json:"asset"`
	Amount uint64 `json:"amount"`
}

// NewRecord converts a core output into its event log rows. payload is the wire
// JSON of the event, so replay can parse it like live traffic.
func NewRecord(out core.CoreOutput, payload []byte) (Record, error) {
	env := out.Envelope
	if env == nil {
		return Record{}, fmt.Errorf("core output without envelope")
	}

	rec := Record{
		Event: EventRow{
			Sequence:       env.Sequence,
			EventType:      env.EventType.String(),
			IdempotencyKey: env.IdempotencyKey,
			Partition:      env.Partition,
			SourceSequence: env.SourceSequence,
			Payload:        payload,
			StateHash:      append([]byte(nil), env.StateHash[:]...),
			PrevHash:       append([]byte(nil), env.PrevHash[:]...),
			Timestamp:      env.Timestamp,
		},
	}
	if out.Rejected() {
		code, reason := out.Rejection, out.RejectReason
		rec.Event.Rejection = &code
		rec.Event.RejectReason = &reason
	}

	if out.Batch != nil {
		rec.Entries = make([]EntryRow, 0, len(out.Batch.Entries))
		for _, e := range out.Batch.Entries {
			row := EntryRow{
				EntryID:   e.EntryID.String(),
				BatchID:   e.BatchID.String(),
				EventRef:  e.EventRef,
				Sequence:  e.Sequence,
				Asset:     e.Asset.String(),
				EntryType: e.EntryType.String(),
				Amount:    e.Amount,
				Timestamp: e.Timestamp,
			}
			if e.EntryType == ledger.EntryTypePriceSet {
				row.Price = decimal.NewNullDecimal(e.Price)
			}
			rec.Entries = append(rec.Entries, row)
		}
	}

	if r := out.Redemption; r != nil {
		burns := make([]burnJSON, 0, len(r.Burns))
		for _, b := range r.Burns {
			burns = append(burns, burnJSON{Asset: b.Asset.String(), Amount: b.Amount})
		}
		burnData, err := json.Marshal(burns)
		if err != nil {
			return Record{}, fmt.Errorf("marshal burns: %w", err)
		}
		rec.Redemption = &RedemptionRow{
			Sequence:       env.Sequence,
			IdempotencyKey: env.IdempotencyKey,
			Quote:          r.Quote.String(),
			Amount:         r.Amount,
			Regime:         r.Regime.String(),
			Path:           r.Path.String(),
			FirstTarget:    r.FirstTarget.String(),
			AverageGap:     r.AverageGap,
			MaxGap:         r.MaxGap,
			PayoutPrice:    r.PayoutPrice,
			ReserveOut:     r.ReserveOut,
			Adjustment:     r.Adjustment,
			Strategy:       r.Strategy,
			Burns:          burnData,
			Timestamp:      env.Timestamp,
		}
	}

	return rec, nil
}
