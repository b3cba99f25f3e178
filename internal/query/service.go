package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"IrmaLedger/internal/ledger"

	"github.com/shopspring/decimal"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// QueryService provides read-only access to projection tables. Every
// response carries as_of_sequence, the projection watermark it was read at.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetLedger returns every projected asset in index order.
func (qs *QueryService) GetLedger(ctx context.Context) (*LedgerResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT asset, asset_index, decimals, mint_price, reserve::TEXT, circulation::TEXT,
		       redemption_price, price_gap, last_sequence
		FROM projections.asset_state
		ORDER BY asset_index
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp := &LedgerResponse{Assets: []AssetResponse{}, AsOfSequence: asOfSeq}
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		a.AsOfSequence = asOfSeq
		resp.Assets = append(resp.Assets, a)
	}
	return resp, rows.Err()
}

// GetAsset returns one asset slot. Unknown symbols yield ledger.ErrInvalidAsset;
// known but unprojected ones yield ErrNotFound.
func (qs *QueryService) GetAsset(ctx context.Context, symbol string) (*AssetResponse, error) {
	id, err := ledger.ParseAsset(symbol)
	if err != nil {
		return nil, err
	}
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	row := qs.db.QueryRowContext(ctx, `
		SELECT asset, asset_index, decimals, mint_price, reserve::TEXT, circulation::TEXT,
		       redemption_price, price_gap, last_sequence
		FROM projections.asset_state
		WHERE asset = $1
	`, id.String())
	a, err := scanAsset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: asset %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	a.AsOfSequence = asOfSeq
	return &a, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAsset(s scanner) (AssetResponse, error) {
	var a AssetResponse
	var decimals int16
	err := s.Scan(&a.Asset, &a.Index, &decimals, &a.MintPrice, &a.Reserve, &a.Circulation,
		&a.RedemptionPrice, &a.PriceGap, &a.LastSequence)
	a.Decimals = uint8(decimals)
	return a, err
}

// NormalizeFilter validates a redemption filter and fills in the page size.
func NormalizeFilter(f RedemptionFilter) (RedemptionFilter, error) {
	if f.Quote != "" {
		id, err := ledger.ParseAsset(f.Quote)
		if err != nil {
			return f, err
		}
		f.Quote = id.String()
	}
	switch {
	case f.Limit < 0:
		return f, fmt.Errorf("%w: limit must not be negative", ErrInvalidArgument)
	case f.Limit == 0:
		f.Limit = DefaultPageSize
	case f.Limit > MaxPageSize:
		f.Limit = MaxPageSize
	}
	if f.BeforeSequence != nil && *f.BeforeSequence <= 0 {
		return f, fmt.Errorf("%w: cursor must be positive", ErrInvalidArgument)
	}
	return f, nil
}

// buildRedemptionQuery renders the history query for a normalized filter.
func buildRedemptionQuery(f RedemptionFilter) (string, []interface{}) {
	var (
		b    strings.Builder
		args []interface{}
	)
	b.WriteString(`
		SELECT sequence, fill_id, trader, quote_asset, amount::TEXT, regime, path,
		       first_target, reserve_out::TEXT, burns, timestamp
		FROM projections.redemptions
		WHERE TRUE`)

	if f.Quote != "" {
		args = append(args, f.Quote)
		fmt.Fprintf(&b, " AND quote_asset = $%d", len(args))
	}
	if f.Trader != "" {
		args = append(args, f.Trader)
		fmt.Fprintf(&b, " AND trader = $%d", len(args))
	}
	if f.BeforeSequence != nil {
		args = append(args, *f.BeforeSequence)
		fmt.Fprintf(&b, " AND sequence < $%d", len(args))
	}

	args = append(args, f.Limit)
	fmt.Fprintf(&b, " ORDER BY sequence DESC LIMIT $%d", len(args))
	return b.String(), args
}

// GetRedemptions returns redemption history, newest first, with cursor-based
// pagination on the event sequence.
func (qs *QueryService) GetRedemptions(ctx context.Context, filter RedemptionFilter) (*RedemptionPage, error) {
	f, err := NormalizeFilter(filter)
	if err != nil {
		return nil, err
	}
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query, args := buildRedemptionQuery(f)
	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	page := &RedemptionPage{Redemptions: []RedemptionResponse{}, AsOfSequence: asOfSeq}
	for rows.Next() {
		var r RedemptionResponse
		var burns []byte
		if err := rows.Scan(
			&r.Sequence, &r.FillID, &r.Trader, &r.QuoteAsset, &r.Amount, &r.Regime, &r.Path,
			&r.FirstTarget, &r.ReserveOut, &burns, &r.Timestamp,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(burns, &r.Burns); err != nil {
			return nil, fmt.Errorf("redemption %d burns: %w", r.Sequence, err)
		}
		page.Redemptions = append(page.Redemptions, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if n := len(page.Redemptions); n == f.Limit {
		cursor := page.Redemptions[n-1].Sequence
		page.NextCursor = &cursor
	}
	return page, nil
}

// GetJournalHistory returns the journal entries of one asset with pagination.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	symbol string,
	limit int,
	beforeSequence *int64,
) ([]JournalEntry, error) {
	id, err := ledger.ParseAsset(symbol)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > MaxPageSize {
		limit = DefaultPageSize
	}

	query := `
		SELECT entry_id, batch_id, event_ref, sequence, asset, entry_type,
		       amount::TEXT, price, timestamp
		FROM event_log.entries
		WHERE asset = $1
	`
	args := []interface{}{id.String()}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []JournalEntry{}
	for rows.Next() {
		var e JournalEntry
		var price decimal.NullDecimal
		if err := rows.Scan(
			&e.EntryID, &e.BatchID, &e.EventRef, &e.Sequence, &e.Asset,
			&e.EntryType, &e.Amount, &price, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		if price.Valid {
			e.Price = &price.Decimal
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the hash chain of the event log and compares every
// projected asset with the totals of its journal.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	driftRows, err := qs.db.QueryContext(ctx, `
		WITH journal AS (
			SELECT asset,
			       COALESCE(SUM(amount) FILTER (WHERE entry_type = 'reserve_credit'), 0)
			     - COALESCE(SUM(amount) FILTER (WHERE entry_type = 'reserve_debit'), 0) AS reserve,
			       COUNT(*) FILTER (WHERE entry_type = 'genesis')
			     + COALESCE(SUM(amount) FILTER (WHERE entry_type = 'supply_issue'), 0)
			     - COALESCE(SUM(amount) FILTER (WHERE entry_type = 'supply_burn'), 0) AS circulation
			FROM event_log.entries
			GROUP BY asset
		)
		SELECT p.asset, p.reserve::TEXT, COALESCE(j.reserve, 0)::TEXT,
		       p.circulation::TEXT, COALESCE(j.circulation, 0)::TEXT
		FROM projections.asset_state p
		LEFT JOIN journal j ON j.asset = p.asset
		WHERE p.reserve != COALESCE(j.reserve, 0) OR p.circulation != COALESCE(j.circulation, 0)
		ORDER BY p.asset_index
	`)
	if err != nil {
		return nil, err
	}
	defer driftRows.Close()

	for driftRows.Next() {
		var d AssetDrift
		if err := driftRows.Scan(&d.Asset, &d.ProjectedReserve, &d.JournalReserve,
			&d.ProjectedCirculation, &d.JournalCirculation); err != nil {
			return nil, err
		}
		report.DriftedAssets = append(report.DriftedAssets, d)
	}
	if err := driftRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.DriftedAssets) == 0
	return report, nil
}

// Watermark returns the last sequence the projections reflect.
func (qs *QueryService) Watermark(ctx context.Context) (int64, error) {
	return qs.getWatermark(ctx)
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE projection_name = 'ledger'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}
