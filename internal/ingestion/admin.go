package ingestion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"IrmaLedger/internal/core"
	"IrmaLedger/internal/event"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// AdminIngestService injects operator requests into the core loop. Admin requests
// have no upstream feed, so the service stamps the admin partition sequence and
// the versioned timestamp itself. It is meant for low-volume manual operations;
// fills and oracle readings arrive over NATS.
type AdminIngestService struct {
	in  chan<- core.Submission
	log zerolog.Logger

	mu      sync.Mutex
	nextSeq int64
	// pending is the reply of a handed-over request whose caller gave up
	// before the core decided it.
	pending chan core.SubmitResult
}

// NewAdminIngestService starts numbering at nextSeq, the admin partition's
// expected sequence after recovery.
func NewAdminIngestService(in chan<- core.Submission, nextSeq int64, log zerolog.Logger) *AdminIngestService {
	if nextSeq < core.FirstSourceSequence {
		nextSeq = core.FirstSourceSequence
	}
	return &AdminIngestService{
		in:      in,
		log:     log,
		nextSeq: nextSeq,
	}
}

// Initialize requests ledger genesis. requestID may be uuid.Nil, in which case a
// fresh one is generated; a retried request with the same id is a duplicate.
func (s *AdminIngestService) Initialize(ctx context.Context, requestID uuid.UUID) (*core.CoreOutput, error) {
	return s.submitAdmin(ctx, func(seq, ts int64) event.Event {
		return &event.LedgerInitialize{
			RequestID: orNewID(requestID),
			Sequence:  seq,
			Timestamp: ts,
		}
	})
}

// SetMintPrice overwrites one asset's mint price.
func (s *AdminIngestService) SetMintPrice(ctx context.Context, requestID uuid.UUID, asset string, price decimal.Decimal) (*core.CoreOutput, error) {
	if asset == "" {
		return nil, fmt.Errorf("asset is required")
	}
	return s.submitAdmin(ctx, func(seq, ts int64) event.Event {
		return &event.MintPriceSet{
			RequestID: orNewID(requestID),
			Asset:     asset,
			Price:     price,
			Sequence:  seq,
			Timestamp: ts,
		}
	})
}

// ReportInflation injects an oracle reading by hand. Readings carry their own
// per-asset sequence, so the admin counter is not involved.
func (s *AdminIngestService) ReportInflation(
	ctx context.Context,
	asset string,
	inflationPercent decimal.Decimal,
	referencePriceUSD decimal.Decimal,
	readingSequence int64,
) (*core.CoreOutput, error) {
	if asset == "" {
		return nil, fmt.Errorf("asset is required")
	}
	if readingSequence <= 0 {
		return nil, fmt.Errorf("reading sequence must be > 0")
	}

	evt := &event.OracleInflationReported{
		Asset:             asset,
		InflationPercent:  inflationPercent,
		ReferencePriceUSD: referencePriceUSD,
		ReadingSequence:   readingSequence,
		Timestamp:         time.Now().UnixMicro(),
	}
	return core.Submit(ctx, s.in, evt)
}

// submitAdmin holds the lock for the whole round trip so admin sequences reach
// the core in the order they were stamped.
func (s *AdminIngestService) submitAdmin(ctx context.Context, build func(seq, ts int64) event.Event) (*core.CoreOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// An abandoned request still owns the current sequence until it is decided.
	if s.pending != nil {
		select {
		case res := <-s.pending:
			s.pending = nil
			s.settle(res)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	evt := build(s.nextSeq, time.Now().UnixMicro())
	reply := make(chan core.SubmitResult, 1)

	select {
	case s.in <- core.Submission{Event: evt, Reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-reply:
		s.settle(res)
		if res.Err != nil {
			s.log.Warn().Err(res.Err).Str("key", evt.IdempotencyKey()).Int64("sequence", evt.SourceSequence()).Msg("admin request not applied")
		}
		return res.Output, res.Err
	case <-ctx.Done():
		s.pending = reply
		s.log.Warn().Err(ctx.Err()).Str("key", evt.IdempotencyKey()).Int64("sequence", evt.SourceSequence()).Msg("admin request abandoned before decision")
		return nil, ctx.Err()
	}
}

// settle advances the counter when the core decided the request.
func (s *AdminIngestService) settle(res core.SubmitResult) {
	if res.Err == nil && res.Output != nil {
		s.nextSeq++
	}
}

// NextSequence returns the admin sequence the next request will carry.
func (s *AdminIngestService) NextSequence() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSeq
}

func orNewID(id uuid.UUID) uuid.UUID {
	if id == uuid.Nil {
		return uuid.New()
	}
	return id
}
