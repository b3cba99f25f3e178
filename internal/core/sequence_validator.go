package core

import (
	"errors"
	"fmt"
	"strings"

	"IrmaLedger/internal/event"
	"IrmaLedger/internal/observability"
)

var (
	// ErrSequenceGap means an earlier source event has not arrived yet. The
	// event can be retried later.
	ErrSequenceGap = errors.New("sequence gap")
	// ErrOutOfOrder means a new event arrived behind the partition head. It can
	// never be accepted.
	ErrOutOfOrder = errors.New("out-of-order event")
)

// FirstSourceSequence is the first sequence expected on a strict partition
const FirstSourceSequence int64 = 1

// SequenceValidator validates source sequences per partition. Venue and admin
// partitions are strict. Oracle partitions tolerate gaps and drop stale readings.
// Not thread-safe; only the core goroutine touches it.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
	metrics         *observability.Metrics
}

func NewSequenceValidator(metrics *observability.Metrics) *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		metrics:         metrics,
	}
}

func isGapTolerant(partition string) bool {
	return strings.HasPrefix(partition, event.OraclePartition(""))
}

// ValidateSequence checks a source sequence without advancing the partition.
// It returns (false, nil) for a stale oracle reading that should be skipped.
func (sv *SequenceValidator) ValidateSequence(partition string, sourceSequence int64, isDuplicate bool) (bool, error) {
	expected := sv.GetExpectedSequence(partition)

	if isGapTolerant(partition) {
		if sourceSequence < expected {
			return false, nil
		}
		if sourceSequence > expected && sv.metrics != nil {
			sv.metrics.EventSequenceGap.WithLabelValues(partition).Inc()
		}
		return true, nil
	}

	switch {
	case sourceSequence == expected:
		return true, nil
	case sourceSequence < expected:
		if isDuplicate {
			return false, nil
		}
		if sv.metrics != nil {
			sv.metrics.EventOutOfOrder.WithLabelValues(partition).Inc()
		}
		return false, fmt.Errorf("%w: partition=%s, expected=%d, got=%d",
			ErrOutOfOrder, partition, expected, sourceSequence)
	default:
		if sv.metrics != nil {
			sv.metrics.EventSequenceGap.WithLabelValues(partition).Inc()
		}
		return false, fmt.Errorf("%w: partition=%s, expected=%d, got=%d",
			ErrSequenceGap, partition, expected, sourceSequence)
	}
}

// Advance records sourceSequence as consumed on partition.
func (sv *SequenceValidator) Advance(partition string, sourceSequence int64) {
	if next := sourceSequence + 1; next > sv.GetExpectedSequence(partition) {
		sv.expectedNextSeq[partition] = next
	}
}

// GetExpectedSequence returns the next expected sequence for a partition
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	if seq, ok := sv.expectedNextSeq[partition]; ok {
		return seq
	}
	return FirstSourceSequence
}

// RestorePartition sets the expected sequence during recovery.
func (sv *SequenceValidator) RestorePartition(partition string, nextSeq int64) {
	sv.expectedNextSeq[partition] = nextSeq
}

// GetAllPartitions returns a copy of the partition state for snapshots.
func (sv *SequenceValidator) GetAllPartitions() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for k, v := range sv.expectedNextSeq {
		out[k] = v
	}
	return out
}
