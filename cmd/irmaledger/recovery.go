package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"IrmaLedger/internal/core"
	"IrmaLedger/internal/ingestion"
	"IrmaLedger/internal/observability"
	"IrmaLedger/internal/persistence"

	"github.com/rs/zerolog"
)

const replayBatchSize = 1000

// recoverCore restores the latest verified snapshot, if any, and replays every
// later event from the log. Each replayed event must reproduce the state hash
// stored with it.
func recoverCore(
	ctx context.Context,
	snapMgr *persistence.SnapshotManager,
	deterministicCore *core.DeterministicCore,
	metrics *observability.Metrics,
	log zerolog.Logger,
) error {
	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to load snapshot, replaying from genesis")
		snap = nil
	}

	if snap != nil {
		if err := verifySnapshotAgainstLog(ctx, snapMgr, snap); err != nil {
			return err
		}
		coreSnap, err := snap.CoreState()
		if err != nil {
			return err
		}
		if err := deterministicCore.RestoreFromSnapshot(coreSnap); err != nil {
			return fmt.Errorf("restore snapshot %d: %w", snap.Sequence, err)
		}
		log.Info().
			Int64("sequence", snap.Sequence).
			Int("idempotency_keys", len(snap.IdempotencyKeys)).
			Msg("restored state from snapshot")
	} else {
		log.Info().Msg("no snapshot found, cold start")
	}

	replayed, err := replayEventsFromLog(ctx, snapMgr, deterministicCore, metrics)
	if err != nil {
		return err
	}
	log.Info().
		Int64("replayed", replayed).
		Int64("sequence", deterministicCore.GetSequence()-1).
		Hex("state_hash", hashBytes(deterministicCore.GetStateHash())).
		Msg("replay complete")
	return nil
}

// verifySnapshotAgainstLog checks that the snapshot's hash is the one the log
// recorded at the same sequence.
func verifySnapshotAgainstLog(ctx context.Context, snapMgr *persistence.SnapshotManager, snap *persistence.SnapshotData) error {
	rows, err := snapMgr.LoadEventsFrom(ctx, snap.Sequence, 1)
	if err != nil {
		return fmt.Errorf("load event %d: %w", snap.Sequence, err)
	}
	if len(rows) == 0 || rows[0].Sequence != snap.Sequence {
		return fmt.Errorf("snapshot %d is ahead of the event log", snap.Sequence)
	}
	if !bytes.Equal(rows[0].StateHash, snap.StateHash) {
		return fmt.Errorf("snapshot %d: state hash %x does not match event log %x",
			snap.Sequence, snap.StateHash, rows[0].StateHash)
	}
	return nil
}

// replayEventsFromLog re-applies events from the core's next sequence to the
// head of the log. Replay mode keeps replayed events out of the output pipeline.
func replayEventsFromLog(
	ctx context.Context,
	snapMgr *persistence.SnapshotManager,
	deterministicCore *core.DeterministicCore,
	metrics *observability.Metrics,
) (int64, error) {
	deterministicCore.SetReplaying(true)
	defer deterministicCore.SetReplaying(false)

	var total int64
	from := deterministicCore.GetSequence()
	for {
		rows, err := snapMgr.LoadEventsFrom(ctx, from, replayBatchSize)
		if err != nil {
			return total, fmt.Errorf("load events from seq %d: %w", from, err)
		}
		if len(rows) == 0 {
			return total, nil
		}

		for _, row := range rows {
			if err := replayOne(deterministicCore, row); err != nil {
				return total, err
			}
			total++
			if metrics != nil {
				metrics.ReplayEventsTotal.Inc()
			}
		}
		from = rows[len(rows)-1].Sequence + 1
	}
}

func replayOne(deterministicCore *core.DeterministicCore, row persistence.EventRow) error {
	if want := deterministicCore.GetSequence(); row.Sequence != want {
		return fmt.Errorf("event log gap: expected sequence %d, found %d", want, row.Sequence)
	}

	evt, err := ingestion.ParseRawEvent(ingestion.RawEvent{
		Subject:   row.EventType,
		Data:      row.Payload,
		Timestamp: row.Timestamp,
	}, row.EventType)
	if err != nil {
		return fmt.Errorf("parse event %d: %w", row.Sequence, err)
	}

	out, err := deterministicCore.ProcessEvent(evt)
	if err != nil {
		return fmt.Errorf("replay event %d: %w", row.Sequence, err)
	}
	if out == nil {
		return fmt.Errorf("replay event %d (%s) was not decided", row.Sequence, row.IdempotencyKey)
	}
	if !bytes.Equal(out.Envelope.StateHash[:], row.StateHash) {
		return fmt.Errorf("state hash mismatch at sequence %d: replay %x, log %x",
			row.Sequence, out.Envelope.StateHash, row.StateHash)
	}
	return nil
}

// runSnapshotWriter saves snapshots cut by the core loop. A snapshot is only
// written once the event log has caught up with it.
func runSnapshotWriter(
	ctx context.Context,
	snapshots <-chan *core.SnapshotState,
	snapMgr *persistence.SnapshotManager,
	metrics *observability.Metrics,
	log zerolog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-snapshots:
			if err := waitPersisted(ctx, snapMgr, s.Sequence); err != nil {
				log.Warn().Err(err).Int64("sequence", s.Sequence).Msg("snapshot skipped")
				continue
			}
			if err := saveSnapshot(ctx, snapMgr, s, metrics); err != nil {
				log.Warn().Err(err).Int64("sequence", s.Sequence).Msg("periodic snapshot failed")
				continue
			}
			log.Info().Int64("sequence", s.Sequence).Msg("periodic snapshot saved")
		}
	}
}

var errSnapshotWaitTimeout = errors.New("event log did not reach snapshot sequence")

func waitPersisted(ctx context.Context, snapMgr *persistence.SnapshotManager, sequence int64) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(time.Minute)

	for {
		head, err := snapMgr.GetLatestSequence(ctx)
		if err != nil {
			return err
		}
		if head >= sequence {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return errSnapshotWaitTimeout
		case <-ticker.C:
		}
	}
}

// saveSnapshot persists s and marks it verified; it was cut from live state
// whose events are already in the log.
func saveSnapshot(ctx context.Context, snapMgr *persistence.SnapshotManager, s *core.SnapshotState, metrics *observability.Metrics) error {
	start := time.Now()

	data := persistence.SnapshotFromCore(s, time.Now().UTC())
	size, err := snapMgr.SaveSnapshot(ctx, data)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	if err := snapMgr.MarkVerified(ctx, data.Sequence); err != nil {
		return fmt.Errorf("mark snapshot verified: %w", err)
	}

	if metrics != nil {
		metrics.SnapshotTaken.Inc()
		metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		metrics.SnapshotSizeBytes.Set(float64(size))
		metrics.SnapshotLastSeq.Set(float64(data.Sequence))
	}
	return nil
}

func hashBytes(h [32]byte) []byte {
	return h[:]
}
