package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// execer is satisfied by *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// EventLogWriter writes events, entries and redemptions to Postgres using
// multi-row INSERTs inside one transaction per batch.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Partition      string
	SourceSequence int64
	Payload        []byte // wire JSON of the event
	Rejection      *string
	RejectReason   *string
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

// EntryRow represents a row in event_log.entries
type EntryRow struct {
	EntryID   string
	BatchID   string
	EventRef  string
	Sequence  int64
	Asset     string
	EntryType string
	Amount    uint64
	Price     decimal.NullDecimal
	Timestamp int64
}

// RedemptionRow represents a row in event_log.redemptions
type RedemptionRow struct {
	Sequence       int64
	IdempotencyKey string
	Quote          string
	Amount         uint64
	Regime         string
	Path           string
	FirstTarget    string
	AverageGap     decimal.Decimal
	MaxGap         decimal.Decimal
	PayoutPrice    decimal.Decimal
	ReserveOut     uint64
	Adjustment     uint64
	Strategy       string
	Burns          []byte // JSON [{asset, amount}]
	Timestamp      time.Time
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteBatch writes all rows of the records in a single transaction.
func (w *EventLogWriter) WriteBatch(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	events := make([]EventRow, 0, len(records))
	var entries []EntryRow
	var redemptions []RedemptionRow
	for _, r := range records {
		events = append(events, r.Event)
		entries = append(entries, r.Entries...)
		if r.Redemption != nil {
			redemptions = append(redemptions, *r.Redemption)
		}
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return &WriteError{Kind: "tx_begin", Err: err}
	}
	defer tx.Rollback()

	if err := writeEventBatch(ctx, tx, events); err != nil {
		return &WriteError{Kind: "write_events", Err: err}
	}
	if err := writeEntryBatch(ctx, tx, entries); err != nil {
		return &WriteError{Kind: "write_entries", Err: err}
	}
	if err := writeRedemptionBatch(ctx, tx, redemptions); err != nil {
		return &WriteError{Kind: "write_redemptions", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &WriteError{Kind: "tx_commit", Err: err}
	}
	return nil
}

// WriteError labels a failed write with the stage that failed.
type WriteError struct {
	Kind string
	Err  error
}

func (e *WriteError) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *WriteError) Unwrap() error { return e.Err }

func writeEventBatch(ctx context.Context, x execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	const cols = 11
	query := `INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, partition_key, source_sequence, payload,
		 rejection, reject_reason, state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*cols)
	for i, e := range events {
		values = append(values, placeholders(i*cols, cols))
		// JSONB goes as text; lib/pq sends []byte as bytea
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.Partition, e.SourceSequence, string(e.Payload),
			e.Rejection, e.RejectReason, e.StateHash, e.PrevHash, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := x.ExecContext(ctx, query, args...)
	return err
}

func writeEntryBatch(ctx context.Context, x execer, entries []EntryRow) error {
	if len(entries) == 0 {
		return nil
	}

	const cols = 9
	query := `INSERT INTO event_log.entries
		(entry_id, batch_id, event_ref, sequence, asset, entry_type, amount, price, timestamp)
		VALUES `

	values := make([]string, 0, len(entries))
	args := make([]interface{}, 0, len(entries)*cols)
	for i, e := range entries {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			e.EntryID, e.BatchID, e.EventRef, e.Sequence, e.Asset, e.EntryType,
			units(e.Amount), e.Price, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (entry_id) DO NOTHING"

	_, err := x.ExecContext(ctx, query, args...)
	return err
}

func writeRedemptionBatch(ctx context.Context, x execer, rows []RedemptionRow) error {
	if len(rows) == 0 {
		return nil
	}

	const cols = 15
	query := `INSERT INTO event_log.redemptions
		(sequence, idempotency_key, quote_asset, amount, regime, path, first_target,
		 average_gap, max_gap, payout_price, reserve_out, adjustment, strategy, burns, timestamp)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*cols)
	for i, r := range rows {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			r.Sequence, r.IdempotencyKey, r.Quote, units(r.Amount), r.Regime, r.Path, r.FirstTarget,
			r.AverageGap, r.MaxGap, r.PayoutPrice, units(r.ReserveOut), units(r.Adjustment),
			r.Strategy, string(r.Burns), r.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := x.ExecContext(ctx, query, args...)
	return err
}

// placeholders renders "($base+1, ..., $base+n)".
func placeholders(base, n int) string {
	var b strings.Builder
	b.WriteByte('(')
	for i := 1; i <= n; i++ {
		if i > 1 {
			b.WriteString(", ")
		}
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(base + i))
	}
	b.WriteByte(')')
	return b.String()
}

// units encodes a token amount for a NUMERIC(20,0) column. database/sql rejects
// uint64 values above MaxInt64.
func units(v uint64) string {
	return strconv.FormatUint(v, 10)
}
