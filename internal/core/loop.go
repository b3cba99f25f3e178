package core

import (
	"context"
	"errors"

	"IrmaLedger/internal/event"

	"github.com/rs/zerolog"
)

// ErrLoopStopped is returned to submitters once the core loop has exited.
var ErrLoopStopped = errors.New("core loop stopped")

// Submission is one event handed to the core loop. Reply, when set, receives
// exactly one result and must be buffered.
type Submission struct {
	Event event.Event
	Reply chan<- SubmitResult
}

type SubmitResult struct {
	Output *CoreOutput // nil for duplicates and stale readings
	Err    error
}

// Submit sends evt to the core loop and waits for the decision.
func Submit(ctx context.Context, in chan<- Submission, evt event.Event) (*CoreOutput, error) {
	reply := make(chan SubmitResult, 1)
	select {
	case in <- Submission{Event: evt, Reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-reply:
		return res.Output, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Loop is the only goroutine that touches the DeterministicCore. Every ingestion
// path funnels into its input channel. Snapshots are cut inside the loop every
// snapshotEvery sequences, so they always describe a state between two events.
type Loop struct {
	core          *DeterministicCore
	in            <-chan Submission
	snapshotEvery int64
	onSnapshot    func(*SnapshotState)
	log           zerolog.Logger
}

func NewLoop(core *DeterministicCore, in <-chan Submission, snapshotEvery int64, onSnapshot func(*SnapshotState), log zerolog.Logger) *Loop {
	return &Loop{
		core:          core,
		in:            in,
		snapshotEvery: snapshotEvery,
		onSnapshot:    onSnapshot,
		log:           log,
	}
}

// Run processes submissions until ctx is cancelled or the input is closed.
func (l *Loop) Run(ctx context.Context) error {
	lastSnapshot := l.core.GetSequence() - 1

	for {
		select {
		case <-ctx.Done():
			l.drain()
			return nil
		case sub, ok := <-l.in:
			if !ok {
				return nil
			}
			out, err := l.core.ProcessEvent(sub.Event)
			if err != nil {
				l.log.Warn().
					Err(err).
					Str("event_type", sub.Event.EventType().String()).
					Str("key", sub.Event.IdempotencyKey()).
					Msg("event not applied")
			}
			if sub.Reply != nil {
				sub.Reply <- SubmitResult{Output: out, Err: err}
			}

			last := l.core.GetSequence() - 1
			if l.onSnapshot != nil && l.snapshotEvery > 0 && last-lastSnapshot >= l.snapshotEvery {
				l.onSnapshot(l.core.CreateSnapshotState())
				lastSnapshot = last
			}
		}
	}
}

// drain fails every queued submission so no submitter blocks forever.
func (l *Loop) drain() {
	for {
		select {
		case sub, ok := <-l.in:
			if !ok {
				return
			}
			if sub.Reply != nil {
				sub.Reply <- SubmitResult{Err: ErrLoopStopped}
			}
		default:
			return
		}
	}
}
