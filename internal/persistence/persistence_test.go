package persistence

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

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// decidedOutputs runs a small two-asset history through a core and returns
// every decided output: genesis, two mints, a price set, a cross-asset
// redemption and a rejected sell.
func decidedOutputs(t *testing.T) ([]core.CoreOutput, *core.DeterministicCore) {
	t.Helper()
	cfg := core.DefaultCoreConfig()
	cfg.Precision = ledger.PrecisionTable{ledger.AssetUSDT: 6, ledger.AssetUSDC: 6}
	cfg.IdempotencyLRUCapacity = 64

	persist := make(chan core.CoreOutput, 16)
	c, err := core.NewDeterministicCore(cfg, persist, nil, nil, nil, zerolog.Nop())
	require.NoError(t, err)

	events := []event.Event{
		&event.LedgerInitialize{RequestID: uuid.New(), Sequence: 1, Timestamp: 1},
		&event.IrmaBought{FillID: "b1", QuoteToken: "USDT", Amount: 999, FillSequence: 1, Timestamp: 2},
		&event.IrmaBought{FillID: "b2", QuoteToken: "USDC", Amount: 999, FillSequence: 1, Timestamp: 3},
		&event.MintPriceSet{RequestID: uuid.New(), Asset: "USDC", Price: decimal.RequireFromString("1.5"), Sequence: 2, Timestamp: 4},
		&event.IrmaSold{FillID: "s1", QuoteToken: "USDT", IrmaAmount: 50, FillSequence: 2, Timestamp: 5},
		&event.IrmaSold{FillID: "s2", QuoteToken: "USDT", IrmaAmount: 5000, FillSequence: 3, Timestamp: 6},
	}
	for _, evt := range events {
		_, err := c.ProcessEvent(evt)
		require.NoError(t, err)
	}

	outs := make([]core.CoreOutput, 0, len(events))
	for range events {
		outs = append(outs, <-persist)
	}
	return outs, c
}

func TestNewRecord(t *testing.T) {
	outs, _ := decidedOutputs(t)

	genesis, err := NewRecord(outs[0], []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1), genesis.Event.Sequence)
	assert.Equal(t, "LedgerInitialize", genesis.Event.EventType)
	assert.Equal(t, event.PartitionAdmin, genesis.Event.Partition)
	assert.Len(t, genesis.Event.StateHash, 32)
	assert.Nil(t, genesis.Event.Rejection)
	assert.Nil(t, genesis.Redemption)
	assert.Len(t, genesis.Entries, int(ledger.AssetCount))

	priceSet, err := NewRecord(outs[3], []byte(`{}`))
	require.NoError(t, err)
	require.Len(t, priceSet.Entries, 1)
	assert.Equal(t, "price_set", priceSet.Entries[0].EntryType)
	assert.True(t, priceSet.Entries[0].Price.Valid)
	assert.True(t, priceSet.Entries[0].Price.Decimal.Equal(decimal.RequireFromString("1.5")))

	sold, err := NewRecord(outs[4], []byte(`{}`))
	require.NoError(t, err)
	require.NotNil(t, sold.Redemption)
	assert.Equal(t, "USDT", sold.Redemption.Quote)
	assert.Equal(t, uint64(50), sold.Redemption.Amount)
	assert.Equal(t, uint64(50), sold.Redemption.ReserveOut)
	var burns []burnJSON
	require.NoError(t, json.Unmarshal(sold.Redemption.Burns, &burns))
	assert.NotEmpty(t, burns)
	for _, e := range sold.Entries {
		assert.False(t, e.Price.Valid, "only price entries carry a price")
		assert.Equal(t, sold.Event.Sequence, e.Sequence)
	}

	rejected, err := NewRecord(outs[5], []byte(`{}`))
	require.NoError(t, err)
	require.NotNil(t, rejected.Event.Rejection)
	assert.Equal(t, "InvalidRedeemAmount", *rejected.Event.Rejection)
	assert.Empty(t, rejected.Entries)
	assert.Nil(t, rejected.Redemption)

	_, err = NewRecord(core.CoreOutput{}, nil)
	assert.Error(t, err)
}

func TestPlaceholdersAndUnits(t *testing.T) {
	assert.Equal(t, "($1, $2, $3)", placeholders(0, 3))
	assert.Equal(t, "($12, $13)", placeholders(11, 2))
	assert.Equal(t, "18446744073709551615", units(^uint64(0)))
}

func TestExtractVersion(t *testing.T) {
	assert.Equal(t, "000001", extractVersion("000001_event_log.up.sql"))
	assert.Equal(t, "noversion.sql", extractVersion("noversion.sql"))
}

type fakeWriter struct {
	mu       sync.Mutex
	batches  [][]int64
	failures int
}

func (w *fakeWriter) WriteBatch(_ context.Context, records []Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failures > 0 {
		w.failures--
		return &WriteError{Kind: "write_events", Err: errors.New("connection reset")}
	}
	seqs := make([]int64, 0, len(records))
	for _, r := range records {
		seqs = append(seqs, r.Event.Sequence)
	}
	w.batches = append(w.batches, seqs)
	return nil
}

func record(seq int64, entries int) Record {
	return Record{Event: EventRow{Sequence: seq}, Entries: make([]EntryRow, entries)}
}

func TestPersistenceWorker_BatchesAndDrainsOnClose(t *testing.T) {
	w := &fakeWriter{}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	in := make(chan Record, 8)
	pw := newPersistenceWorker(w, in, 2, time.Hour, metrics, zerolog.Nop())

	for seq := int64(1); seq <= 5; seq++ {
		in <- record(seq, 2)
	}
	close(in)

	require.NoError(t, pw.Run(context.Background()))
	assert.Equal(t, [][]int64{{1, 2}, {3, 4}, {5}}, w.batches)
	assert.Equal(t, 5.0, testutil.ToFloat64(metrics.PersistEventsWritten))
	assert.Equal(t, 10.0, testutil.ToFloat64(metrics.PersistEntriesWritten))
	assert.Equal(t, 5.0, testutil.ToFloat64(metrics.PersistLastSequence))
}

func TestPersistenceWorker_FlushesOnTimeout(t *testing.T) {
	w := &fakeWriter{}
	in := make(chan Record, 1)
	pw := newPersistenceWorker(w, in, 100, 5*time.Millisecond, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pw.Run(ctx) }()

	in <- record(7, 0)
	require.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return len(w.batches) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestPersistenceWorker_RetriesUntilWritten(t *testing.T) {
	w := &fakeWriter{failures: 2}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	in := make(chan Record, 1)
	pw := newPersistenceWorker(w, in, 1, time.Hour, metrics, zerolog.Nop())
	pw.initialBackoff = time.Millisecond

	in <- record(1, 0)
	close(in)

	require.NoError(t, pw.Run(context.Background()))
	assert.Equal(t, [][]int64{{1}}, w.batches)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.PersistErrors.WithLabelValues("write_events")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.PersistRetry))
}

func TestSnapshotData_RoundTrip(t *testing.T) {
	_, c := decidedOutputs(t)
	snap := SnapshotFromCore(c.CreateSnapshotState(), time.Unix(1_700_000_000, 0).UTC())

	data, err := json.Marshal(snap)
	require.NoError(t, err)
	var decoded SnapshotData
	require.NoError(t, json.Unmarshal(data, &decoded))

	state, err := decoded.CoreState()
	require.NoError(t, err)
	assert.Equal(t, int64(6), state.Sequence)
	assert.Equal(t, c.GetStateHash(), state.StateHash)
	assert.Equal(t, c.Ledger().Reserve, state.Ledger.Reserve)
	assert.Equal(t, c.Ledger().Circulation, state.Ledger.Circulation)
	assert.True(t, state.Ledger.MintPrice[ledger.AssetUSDC].Equal(decimal.RequireFromString("1.5")))
	assert.Equal(t, int64(4), state.SequenceState[event.VenuePartition("USDT")])

	decoded.StateHash = decoded.StateHash[:4]
	_, err = decoded.CoreState()
	assert.Error(t, err)
}
