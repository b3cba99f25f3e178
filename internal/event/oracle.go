package event

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// OracleInflationReported is a periodic inflation reading for one asset's
// currency. The core derives the asset's mint price from it.
type OracleInflationReported struct {
	Asset             string
	InflationPercent  decimal.Decimal
	ReferencePriceUSD decimal.Decimal
	ReadingSequence   int64 // Monotonic per asset
	Timestamp         int64 // Epoch microseconds (versioned input)
}

func (o *OracleInflationReported) IdempotencyKey() string {
	return fmt.Sprintf("oracle:%s:%d", o.Asset, o.ReadingSequence)
}

func (o *OracleInflationReported) EventType() EventType {
	return EventTypeOracleInflation
}

func (o *OracleInflationReported) Partition() string {
	return OraclePartition(o.Asset)
}

func (o *OracleInflationReported) SourceSequence() int64 {
	return o.ReadingSequence
}

func (o *OracleInflationReported) TimestampMicros() int64 {
	return o.Timestamp
}
