package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeLedgerInitialize
	EventTypeMintPriceSet
	EventTypeIrmaBought
	EventTypeIrmaSold
	EventTypeOracleInflation
)

// Sequence partitions. Venue and oracle feeds are ordered per asset; admin
// requests share one global partition.
const (
	PartitionAdmin  = "admin"
	partitionVenue  = "venue:"
	partitionOracle = "oracle:"
)

func VenuePartition(asset string) string  { return partitionVenue + asset }
func OraclePartition(asset string) string { return partitionOracle + asset }

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Sequence partition of the source feed
	Partition string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Partition returns the sequence partition of the source feed
	Partition() string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64

	// TimestampMicros returns the versioned input timestamp in epoch microseconds
	TimestampMicros() int64
}

func (et EventType) String() string {
	switch et {
	case EventTypeLedgerInitialize:
		return "LedgerInitialize"
	case EventTypeMintPriceSet:
		return "MintPriceSet"
	case EventTypeIrmaBought:
		return "IrmaBought"
	case EventTypeIrmaSold:
		return "IrmaSold"
	case EventTypeOracleInflation:
		return "OracleInflationReported"
	default:
		return "Unknown"
	}
}
