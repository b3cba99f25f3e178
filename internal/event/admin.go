package event

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LedgerInitialize resets every slot to its genesis values. Re-sending it to an
// initialized ledger is accepted and changes nothing.
type LedgerInitialize struct {
	RequestID uuid.UUID
	Sequence  int64 // admin partition sequence
	Timestamp int64 // Epoch microseconds (versioned input)
}

func (l *LedgerInitialize) IdempotencyKey() string {
	return "admin:" + l.RequestID.String()
}

func (l *LedgerInitialize) EventType() EventType {
	return EventTypeLedgerInitialize
}

func (l *LedgerInitialize) Partition() string {
	return PartitionAdmin
}

func (l *LedgerInitialize) SourceSequence() int64 {
	return l.Sequence
}

func (l *LedgerInitialize) TimestampMicros() int64 {
	return l.Timestamp
}

// MintPriceSet overwrites one asset's mint price.
type MintPriceSet struct {
	RequestID uuid.UUID
	Asset     string
	Price     decimal.Decimal
	Sequence  int64
	Timestamp int64
}

func (m *MintPriceSet) IdempotencyKey() string {
	return "admin:" + m.RequestID.String()
}

func (m *MintPriceSet) EventType() EventType {
	return EventTypeMintPriceSet
}

func (m *MintPriceSet) Partition() string {
	return PartitionAdmin
}

func (m *MintPriceSet) SourceSequence() int64 {
	return m.Sequence
}

func (m *MintPriceSet) TimestampMicros() int64 {
	return m.Timestamp
}
