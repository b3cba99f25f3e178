package projection

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"IrmaLedger/internal/core"
	"IrmaLedger/internal/event"
	"IrmaLedger/internal/ledger"
	"IrmaLedger/internal/observability"
	"IrmaLedger/internal/persistence"
	"IrmaLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func projectedOutputs(t *testing.T) []core.CoreOutput {
	t.Helper()
	cfg := core.DefaultCoreConfig()
	cfg.Precision = ledger.PrecisionTable{ledger.AssetUSDT: 6, ledger.AssetUSDC: 6}
	cfg.IdempotencyLRUCapacity = 64

	proj := make(chan core.CoreOutput, 16)
	c, err := core.NewDeterministicCore(cfg, nil, proj, nil, nil, zerolog.Nop())
	require.NoError(t, err)

	events := []event.Event{
		&event.LedgerInitialize{RequestID: uuid.New(), Sequence: 1, Timestamp: 1},
		&event.IrmaBought{FillID: "b1", Trader: "alice", QuoteToken: "USDT", Amount: 999, FillSequence: 1, Timestamp: 2},
		&event.IrmaBought{FillID: "b2", Trader: "alice", QuoteToken: "USDC", Amount: 999, FillSequence: 1, Timestamp: 3},
		&event.MintPriceSet{RequestID: uuid.New(), Asset: "USDC", Price: decimal.RequireFromString("1.5"), Sequence: 2, Timestamp: 4},
		&event.IrmaSold{FillID: "s1", Trader: "bob", QuoteToken: "USDT", IrmaAmount: 50, FillSequence: 2, Timestamp: 5},
		&event.IrmaSold{FillID: "s2", Trader: "bob", QuoteToken: "USDT", IrmaAmount: 5000, FillSequence: 3, Timestamp: 6},
	}
	for _, evt := range events {
		_, err := c.ProcessEvent(evt)
		require.NoError(t, err)
	}

	outs := make([]core.CoreOutput, 0, len(events))
	for range events {
		outs = append(outs, <-proj)
	}
	return outs
}

func TestNewUpdate(t *testing.T) {
	outs := projectedOutputs(t)

	genesis, err := NewUpdate(outs[0])
	require.NoError(t, err)
	require.Len(t, genesis.Assets, 2, "only enabled slots are projected")
	assert.Equal(t, "USDT", genesis.Assets[0].Asset)
	assert.Equal(t, "USDC", genesis.Assets[1].Asset)
	assert.Nil(t, genesis.Redemption)

	mint, err := NewUpdate(outs[1])
	require.NoError(t, err)
	require.Len(t, mint.Assets, 1)
	usdt := mint.Assets[0]
	assert.Equal(t, int64(2), mint.Sequence)
	assert.Equal(t, uint8(6), usdt.Decimals)
	assert.Equal(t, outs[1].Ledger.Reserve[ledger.AssetUSDT], usdt.Reserve)
	assert.Equal(t, outs[1].Ledger.Circulation[ledger.AssetUSDT], usdt.Circulation)
	assert.True(t, usdt.PriceGap.Equal(usdt.MintPrice.Sub(usdt.RedemptionPrice)))

	sold, err := NewUpdate(outs[4])
	require.NoError(t, err)
	require.NotNil(t, sold.Redemption)
	assert.Equal(t, "s1", sold.Redemption.FillID)
	assert.Equal(t, "bob", sold.Redemption.Trader)
	assert.Equal(t, "USDT", sold.Redemption.Quote)
	assert.Equal(t, uint64(50), sold.Redemption.Amount)
	var burns []burn
	require.NoError(t, json.Unmarshal(sold.Redemption.Burns, &burns))
	assert.NotEmpty(t, burns)
	assert.NotEmpty(t, sold.Assets)

	rejected, err := NewUpdate(outs[5])
	require.NoError(t, err)
	assert.Equal(t, int64(6), rejected.Sequence)
	assert.Empty(t, rejected.Assets)
	assert.Nil(t, rejected.Redemption)

	_, err = NewUpdate(core.CoreOutput{})
	assert.Error(t, err)
}

func TestAssetRowFromState_ZeroCirculation(t *testing.T) {
	var st ledger.State
	st.Precision[ledger.AssetUSDC] = 6
	st.MintPrice[ledger.AssetUSDC] = decimal.RequireFromString("1.2")
	st.Reserve[ledger.AssetUSDC] = 10

	row := AssetRowFromState(&st, ledger.AssetUSDC)
	assert.True(t, row.RedemptionPrice.IsZero())
	assert.True(t, row.PriceGap.IsZero())

	st.Circulation[ledger.AssetUSDC] = 4
	row = AssetRowFromState(&st, ledger.AssetUSDC)
	assert.True(t, row.RedemptionPrice.Equal(decimal.RequireFromString("2.5")))
	assert.True(t, row.PriceGap.Equal(decimal.RequireFromString("-1.3")))
}

func TestStateApply_FoldsJournalLikeTracker(t *testing.T) {
	outs := projectedOutputs(t)

	var st ledger.State
	st.Precision = outs[0].Ledger.Precision
	for _, out := range outs {
		if out.Batch == nil {
			continue
		}
		for _, e := range out.Batch.Entries {
			typ, err := ledger.ParseEntryType(e.EntryType.String())
			require.NoError(t, err)
			require.Equal(t, e.EntryType, typ)
			require.NoError(t, st.Apply(e))
		}
	}
	final := outs[len(outs)-1].Ledger
	assert.Equal(t, final.Reserve, st.Reserve)
	assert.Equal(t, final.Circulation, st.Circulation)

	_, err := ledger.ParseEntryType("funding")
	assert.Error(t, err)
}

type fakeStore struct {
	mu      sync.Mutex
	applied []int64
	fail    map[int64]bool
}

func (s *fakeStore) Apply(_ context.Context, u Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[u.Sequence] {
		return errors.New("deadlock detected")
	}
	s.applied = append(s.applied, u.Sequence)
	return nil
}

func TestProjectionWorker_Run(t *testing.T) {
	outs := projectedOutputs(t)
	store := &fakeStore{fail: map[int64]bool{3: true}}
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	in := make(chan core.CoreOutput, len(outs)+2)
	for _, out := range outs {
		in <- out
	}
	in <- outs[1] // stale
	in <- core.CoreOutput{}
	close(in)

	pw := newProjectionWorker(store, in, metrics, zerolog.Nop())
	require.NoError(t, pw.Run(context.Background()))

	assert.Equal(t, []int64{1, 2, 4, 5, 6}, store.applied)
	assert.Equal(t, int64(6), pw.LastSequence())
	var m dto.Metric
	require.NoError(t, metrics.ProjectionUpdateDur.Write(&m))
	assert.Equal(t, uint64(5), m.GetHistogram().GetSampleCount())
}

func TestProjectionWorker_StopsOnCancel(t *testing.T) {
	pw := newProjectionWorker(&fakeStore{}, make(chan core.CoreOutput), nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pw.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestPostgres_ApplyAndRebuild(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	require.NoError(t, persistence.NewMigrator(db, testutil.MigrationsDir(t), zerolog.Nop()).Up(ctx))

	outs := projectedOutputs(t)
	records := make([]persistence.Record, 0, len(outs))
	for _, out := range outs {
		payload := []byte(`{}`)
		if sold, ok := out.Event.(*event.IrmaSold); ok {
			var err error
			payload, err = json.Marshal(map[string]string{"fill_id": sold.FillID, "trader": sold.Trader})
			require.NoError(t, err)
		}
		rec, err := persistence.NewRecord(out, payload)
		require.NoError(t, err)
		records = append(records, rec)
	}
	require.NoError(t, persistence.NewEventLogWriter(db).WriteBatch(ctx, records))

	store := NewPostgresStore(db)
	for _, out := range outs {
		u, err := NewUpdate(out)
		require.NoError(t, err)
		require.NoError(t, store.Apply(ctx, u))
	}

	readLive := func() (string, string, int64) {
		var reserve, circulation string
		var watermark int64
		require.NoError(t, db.QueryRowContext(ctx,
			`SELECT reserve::TEXT, circulation::TEXT FROM projections.asset_state WHERE asset = 'USDT'`,
		).Scan(&reserve, &circulation))
		require.NoError(t, db.QueryRowContext(ctx,
			`SELECT last_sequence FROM projections.watermark WHERE projection_name = 'ledger'`,
		).Scan(&watermark))
		return reserve, circulation, watermark
	}
	reserve, circulation, watermark := readLive()
	assert.Equal(t, int64(6), watermark)

	precision := ledger.PrecisionTable{ledger.AssetUSDT: 6, ledger.AssetUSDC: 6}
	require.NoError(t, RebuildProjections(ctx, db, precision, zerolog.Nop()))

	r2, c2, w2 := readLive()
	assert.Equal(t, reserve, r2)
	assert.Equal(t, circulation, c2)
	assert.Equal(t, watermark, w2)

	var trader string
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT trader FROM projections.redemptions WHERE fill_id = 's1'`).Scan(&trader))
	assert.Equal(t, "bob", trader)
}
