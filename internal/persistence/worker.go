package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"IrmaLedger/internal/observability"

	"github.com/rs/zerolog"
)

// BatchWriter persists a batch of records atomically.
type BatchWriter interface {
	WriteBatch(ctx context.Context, records []Record) error
}

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The core sends to that channel with a blocking send, so if this worker falls
// behind the core stalls and no decided event is lost.
type PersistenceWorker struct {
	writer       BatchWriter
	inputChan    <-chan Record
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	log          zerolog.Logger

	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan Record,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *PersistenceWorker {
	return newPersistenceWorker(NewEventLogWriter(db), inputChan, batchSize, flushTimeout, metrics, log)
}

func newPersistenceWorker(
	writer BatchWriter,
	inputChan <-chan Record,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &PersistenceWorker{
		writer:         writer,
		inputChan:      inputChan,
		batchSize:      batchSize,
		flushTimeout:   flushTimeout,
		metrics:        metrics,
		log:            log,
		initialBackoff: 100 * time.Millisecond,
		maxBackoff:     30 * time.Second,
	}
}

// Run batches incoming records and flushes either when the batch is full or
// the flush timeout expires. It returns once the input channel is closed and
// drained, or ctx is cancelled.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := make([]Record, 0, pw.batchSize)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	flush := func(ctx context.Context, reason string) {
		if len(batch) == 0 {
			return
		}
		if err := pw.flushWithRetry(ctx, batch); err != nil {
			pw.log.Error().Err(err).Str("reason", reason).Int("events", len(batch)).Msg("batch flush failed")
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: flush what we hold with a fresh context
			flush(context.Background(), "shutdown")
			return ctx.Err()

		case rec, ok := <-pw.inputChan:
			if !ok {
				flush(context.Background(), "closed")
				return nil
			}

			batch = append(batch, rec)
			if len(batch) >= pw.batchSize {
				flush(ctx, "full")
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			flush(ctx, "timeout")
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds.
// On cancellation it makes one last attempt with a background context rather
// than drop the batch.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, records []Record) error {
	backoff := pw.initialBackoff

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(records)).
				Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}

			select {
			case <-ctx.Done():
				return pw.flush(context.Background(), records)
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > pw.maxBackoff {
				backoff = pw.maxBackoff
			}
		}

		err := pw.flush(ctx, records)
		if err == nil {
			if attempt > 0 {
				pw.log.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		pw.log.Warn().Err(err).Msg("persistence flush failed")
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, records []Record) error {
	start := time.Now()

	if err := pw.writer.WriteBatch(ctx, records); err != nil {
		if pw.metrics != nil {
			kind := "unknown"
			var we *WriteError
			if errors.As(err, &we) {
				kind = we.Kind
			}
			pw.metrics.PersistErrors.WithLabelValues(kind).Inc()
		}
		return err
	}

	if pw.metrics != nil {
		entries := 0
		for _, r := range records {
			entries += len(r.Entries)
		}
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(records)))
		pw.metrics.PersistEventsWritten.Add(float64(len(records)))
		pw.metrics.PersistEntriesWritten.Add(float64(entries))
		pw.metrics.PersistLastSequence.Set(float64(records[len(records)-1].Event.Sequence))
	}
	return nil
}
