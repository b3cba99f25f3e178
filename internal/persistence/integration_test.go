package persistence

import (
	"context"
	"testing"
	"time"

	"IrmaLedger/internal/testutil"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgres_EventLogRoundTrip(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	migrator := NewMigrator(db, testutil.MigrationsDir(t), zerolog.Nop())
	require.NoError(t, migrator.Up(ctx))
	status, err := migrator.Status(ctx)
	require.NoError(t, err)
	for _, s := range status {
		assert.True(t, s.Applied, s.Filename)
	}

	outs, c := decidedOutputs(t)
	records := make([]Record, 0, len(outs))
	for _, out := range outs {
		rec, err := NewRecord(out, []byte(`{"k":1}`))
		require.NoError(t, err)
		records = append(records, rec)
	}

	writer := NewEventLogWriter(db)
	require.NoError(t, writer.WriteBatch(ctx, records))
	// rewriting the same batch is a no-op
	require.NoError(t, writer.WriteBatch(ctx, records))

	snapMgr := NewSnapshotManager(db)
	latest, err := snapMgr.GetLatestSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(len(outs)), latest)

	loaded, err := snapMgr.LoadEventsFrom(ctx, 5, 10)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, records[4].Event.IdempotencyKey, loaded[0].IdempotencyKey)
	assert.Equal(t, records[4].Event.StateHash, loaded[0].StateHash)
	assert.Nil(t, loaded[0].Rejection)
	require.NotNil(t, loaded[1].Rejection)
	assert.Equal(t, "InvalidRedeemAmount", *loaded[1].Rejection)

	checker := NewPostgresIdempotencyChecker(db, time.Second)
	dup, err := checker.IsDuplicate(records[1].Event.EventType, records[1].Event.IdempotencyKey)
	require.NoError(t, err)
	assert.True(t, dup)
	dup, err = checker.IsDuplicate("IrmaBought", "buy:never-seen")
	require.NoError(t, err)
	assert.False(t, dup)

	// unverified snapshots are never loaded
	snap := SnapshotFromCore(c.CreateSnapshotState(), time.Now().UTC())
	size, err := snapMgr.SaveSnapshot(ctx, snap)
	require.NoError(t, err)
	assert.Positive(t, size)
	none, err := snapMgr.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, snapMgr.MarkVerified(ctx, snap.Sequence))
	got, err := snapMgr.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, snap.Sequence, got.Sequence)
	assert.Equal(t, snap.Ledger.Reserve, got.Ledger.Reserve)
}
