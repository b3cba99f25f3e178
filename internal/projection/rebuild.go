package projection

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"IrmaLedger/internal/ledger"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// RebuildProjections rebuilds all projection tables from the event log. Asset
// rows are folded from journal entries; redemption rows are copied from the
// event log with the fill id and trader taken from the stored payload.
func RebuildProjections(ctx context.Context, db *sql.DB, precision ledger.PrecisionTable, log zerolog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`TRUNCATE projections.asset_state`,
		`TRUNCATE projections.redemptions`,
		`DELETE FROM projections.watermark WHERE projection_name = 'ledger'`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	st, lastSeq, err := foldEntries(ctx, tx, precision)
	if err != nil {
		return err
	}
	if lastSeq == 0 {
		log.Info().Msg("event log empty, nothing to rebuild")
		return tx.Commit()
	}

	for _, a := range precision.Enabled() {
		if err := upsertAsset(ctx, tx, AssetRowFromState(&st, a), lastSeq); err != nil {
			return fmt.Errorf("rebuild asset %s: %w", a, err)
		}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO projections.redemptions
			(sequence, fill_id, trader, quote_asset, amount, regime, path,
			 first_target, reserve_out, burns, timestamp)
		SELECT r.sequence,
		       COALESCE(e.payload->>'fill_id', ''),
		       COALESCE(e.payload->>'trader', ''),
		       r.quote_asset, r.amount, r.regime, r.path,
		       r.first_target, r.reserve_out, r.burns, r.timestamp
		FROM event_log.redemptions r
		JOIN event_log.events e ON e.sequence = r.sequence
	`)
	if err != nil {
		return fmt.Errorf("rebuild redemptions: %w", err)
	}
	redemptions, _ := res.RowsAffected()

	if err := setWatermark(ctx, tx, lastSeq); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	log.Info().
		Int64("last_sequence", lastSeq).
		Int64("redemptions", redemptions).
		Msg("projection rebuild complete")
	return nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// foldEntries replays every journal entry of the event log into a ledger state.
func foldEntries(ctx context.Context, q querier, precision ledger.PrecisionTable) (ledger.State, int64, error) {
	var st ledger.State
	st.Precision = precision

	rows, err := q.QueryContext(ctx, `
		SELECT sequence, asset, entry_type, amount::TEXT, price
		FROM event_log.entries
		ORDER BY sequence ASC, entry_id ASC
	`)
	if err != nil {
		return st, 0, fmt.Errorf("load entries: %w", err)
	}
	defer rows.Close()

	var lastSeq int64
	for rows.Next() {
		var (
			seq       int64
			symbol    string
			entryType string
			amountStr string
			price     decimal.NullDecimal
		)
		if err := rows.Scan(&seq, &symbol, &entryType, &amountStr, &price); err != nil {
			return st, 0, err
		}
		a, err := ledger.ParseAsset(symbol)
		if err != nil {
			return st, 0, fmt.Errorf("entry at seq %d: %w", seq, err)
		}
		amount, err := strconv.ParseUint(amountStr, 10, 64)
		if err != nil {
			return st, 0, fmt.Errorf("entry at seq %d: amount %q: %w", seq, amountStr, err)
		}
		t, err := ledger.ParseEntryType(entryType)
		if err != nil {
			return st, 0, fmt.Errorf("entry at seq %d: %w", seq, err)
		}
		if t == ledger.EntryTypePriceSet && !price.Valid {
			return st, 0, fmt.Errorf("price entry at seq %d without price", seq)
		}
		e := ledger.Entry{Sequence: seq, Asset: a, EntryType: t, Amount: amount, Price: price.Decimal}
		if err := st.Apply(e); err != nil {
			return st, 0, fmt.Errorf("entry at seq %d: %w", seq, err)
		}
		if seq > lastSeq {
			lastSeq = seq
		}
	}
	if err := rows.Err(); err != nil {
		return st, 0, err
	}

	// rejected events carry no entries but still advance the watermark
	var maxSeq sql.NullInt64
	r, err := q.QueryContext(ctx, `SELECT MAX(sequence) FROM event_log.events`)
	if err != nil {
		return st, 0, err
	}
	defer r.Close()
	if r.Next() {
		if err := r.Scan(&maxSeq); err != nil {
			return st, 0, err
		}
	}
	if maxSeq.Valid && maxSeq.Int64 > lastSeq {
		lastSeq = maxSeq.Int64
	}
	return st, lastSeq, r.Err()
}
