package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"IrmaLedger/internal/core"
	"IrmaLedger/internal/event"
	"IrmaLedger/internal/ledger"
	fpmath "IrmaLedger/internal/math"
	"IrmaLedger/internal/observability"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// projectionName keys the watermark row of this worker
const projectionName = "ledger"

// AssetRow is one row of projections.asset_state.
type AssetRow struct {
	Asset           string
	Index           int
	Decimals        uint8
	MintPrice       decimal.Decimal
	Reserve         uint64
	Circulation     uint64
	RedemptionPrice decimal.Decimal // zero while circulation is zero
	PriceGap        decimal.Decimal
}

// RedemptionRow is one row of projections.redemptions.
type RedemptionRow struct {
	Sequence    int64
	FillID      string
	Trader      string
	Quote       string
	Amount      uint64
	Regime      string
	Path        string
	FirstTarget string
	ReserveOut  uint64
	Burns       []byte
	Timestamp   time.Time
}

// Update is what one core output changes in the read model.
type Update struct {
	Sequence   int64
	Assets     []AssetRow
	Redemption *RedemptionRow
}

// NewUpdate derives the projection update of a core output. Rejected events
// only move the watermark.
func NewUpdate(out core.CoreOutput) (Update, error) {
	if out.Envelope == nil {
		return Update{}, fmt.Errorf("core output without envelope")
	}
	u := Update{Sequence: out.Envelope.Sequence}
	if out.Rejected() || out.Batch == nil {
		return u, nil
	}

	for _, a := range out.Batch.Touched() {
		if out.Ledger.Precision[a] == 0 {
			continue
		}
		u.Assets = append(u.Assets, AssetRowFromState(&out.Ledger, a))
	}

	if r := out.Redemption; r != nil {
		row := &RedemptionRow{
			Sequence:    out.Envelope.Sequence,
			Quote:       r.Quote.String(),
			Amount:      r.Amount,
			Regime:      r.Regime.String(),
			Path:        r.Path.String(),
			FirstTarget: r.FirstTarget.String(),
			ReserveOut:  r.ReserveOut,
			Timestamp:   out.Envelope.Timestamp,
		}
		if sold, ok := out.Event.(*event.IrmaSold); ok {
			row.FillID = sold.FillID
			row.Trader = sold.Trader
		}
		burns := make([]burn, 0, len(r.Burns))
		for _, b := range r.Burns {
			burns = append(burns, burn{Asset: b.Asset.String(), Amount: b.Amount})
		}
		data, err := json.Marshal(burns)
		if err != nil {
			return Update{}, fmt.Errorf("marshal burns: %w", err)
		}
		row.Burns = data
		u.Redemption = row
	}
	return u, nil
}

type burn struct {
	Asset  string `json:"asset"`
	Amount uint64 `json:"amount"`
}

// AssetRowFromState reads one asset slot out of a ledger state.
func AssetRowFromState(st *ledger.State, a ledger.AssetID) AssetRow {
	row := AssetRow{
		Asset:           a.String(),
		Index:           a.Index(),
		Decimals:        st.Precision[a],
		MintPrice:       st.MintPrice[a],
		Reserve:         st.Reserve[a],
		Circulation:     st.Circulation[a],
		RedemptionPrice: decimal.Zero,
		PriceGap:        decimal.Zero,
	}
	if rp, err := fpmath.Ratio(row.Reserve, row.Circulation); err == nil {
		row.RedemptionPrice = rp
		row.PriceGap = row.MintPrice.Sub(rp)
	}
	return row
}

// Store applies projection updates.
type Store interface {
	Apply(ctx context.Context, u Update) error
}

// ProjectionWorker updates projection tables from processed events.
// The core feeds it through a non-blocking channel that drops when full;
// projections that fall behind are rebuilt from the event log.
type ProjectionWorker struct {
	store     Store
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	log       zerolog.Logger
	lastSeq   int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, log zerolog.Logger) *ProjectionWorker {
	return newProjectionWorker(NewPostgresStore(db), inputChan, metrics, log)
}

func newProjectionWorker(store Store, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, log zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		store:     store,
		inputChan: inputChan,
		metrics:   metrics,
		log:       log.With().Str("component", "projection").Logger(),
	}
}

// LastSequence returns the sequence of the last output the worker handled.
// Only safe from the worker goroutine or after Run returns.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			start := time.Now()
			if err := pw.processOutput(ctx, output); err != nil {
				// eventually consistent: skip and keep going
				pw.log.Warn().Err(err).Msg("projection update failed")
				continue
			}
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.Observe(time.Since(start).Seconds())
			}
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output core.CoreOutput) error {
	u, err := NewUpdate(output)
	if err != nil {
		return err
	}
	if u.Sequence <= pw.lastSeq {
		return nil
	}
	if err := pw.store.Apply(ctx, u); err != nil {
		return fmt.Errorf("seq %d: %w", u.Sequence, err)
	}
	pw.lastSeq = u.Sequence
	return nil
}

// PostgresStore writes updates to the projections schema.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Apply writes one update and the watermark in a single transaction.
func (s *PostgresStore) Apply(ctx context.Context, u Update) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, a := range u.Assets {
		if err := upsertAsset(ctx, tx, a, u.Sequence); err != nil {
			return fmt.Errorf("asset projection %s: %w", a.Asset, err)
		}
	}

	if r := u.Redemption; r != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.redemptions
				(sequence, fill_id, trader, quote_asset, amount, regime, path,
				 first_target, reserve_out, burns, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (sequence) DO NOTHING
		`, r.Sequence, r.FillID, r.Trader, r.Quote, units(r.Amount), r.Regime, r.Path,
			r.FirstTarget, units(r.ReserveOut), string(r.Burns), r.Timestamp); err != nil {
			return fmt.Errorf("redemption projection: %w", err)
		}
	}

	if err := setWatermark(ctx, tx, u.Sequence); err != nil {
		return err
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func upsertAsset(ctx context.Context, ex execer, a AssetRow, seq int64) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO projections.asset_state
			(asset, asset_index, decimals, mint_price, reserve, circulation,
			 redemption_price, price_gap, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (asset) DO UPDATE SET
			decimals = $3, mint_price = $4, reserve = $5, circulation = $6,
			redemption_price = $7, price_gap = $8, last_sequence = $9, updated_at = NOW()
		WHERE projections.asset_state.last_sequence <= $9
	`, a.Asset, a.Index, int(a.Decimals), a.MintPrice, units(a.Reserve), units(a.Circulation),
		a.RedemptionPrice, a.PriceGap, seq)
	return err
}

func setWatermark(ctx context.Context, ex execer, seq int64) error {
	if _, err := ex.ExecContext(ctx, `
		INSERT INTO projections.watermark (projection_name, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (projection_name) DO UPDATE SET last_sequence = $2, updated_at = NOW()
		WHERE projections.watermark.last_sequence < $2
	`, projectionName, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return nil
}

// units renders token units for NUMERIC(20,0) columns
func units(v uint64) string {
	return strconv.FormatUint(v, 10)
}
