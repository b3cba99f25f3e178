package event

// IrmaBought is a venue fill where a trader paid Amount units of QuoteToken for
// IRMA. It maps to a mint. The trader is recorded for audit only.
// Idempotency key: fill_id from the venue.
type IrmaBought struct {
	FillID       string
	Trader       string
	QuoteToken   string // stablecoin symbol
	Amount       uint64 // native units of QuoteToken deposited
	FillSequence int64  // per quote token market
	Timestamp    int64  // Epoch microseconds (versioned input)
}

func (b *IrmaBought) IdempotencyKey() string {
	return "buy:" + b.FillID
}

func (b *IrmaBought) EventType() EventType {
	return EventTypeIrmaBought
}

func (b *IrmaBought) Partition() string {
	return VenuePartition(b.QuoteToken)
}

func (b *IrmaBought) SourceSequence() int64 {
	return b.FillSequence
}

func (b *IrmaBought) TimestampMicros() int64 {
	return b.Timestamp
}

// IrmaSold is a venue fill where a trader sold IrmaAmount IRMA for QuoteToken.
// It maps to a redemption against QuoteToken.
type IrmaSold struct {
	FillID       string
	Trader       string
	QuoteToken   string
	IrmaAmount   uint64
	FillSequence int64
	Timestamp    int64
}

func (s *IrmaSold) IdempotencyKey() string {
	return "sell:" + s.FillID
}

func (s *IrmaSold) EventType() EventType {
	return EventTypeIrmaSold
}

func (s *IrmaSold) Partition() string {
	return VenuePartition(s.QuoteToken)
}

func (s *IrmaSold) SourceSequence() int64 {
	return s.FillSequence
}

func (s *IrmaSold) TimestampMicros() int64 {
	return s.Timestamp
}
