package ingestion_test

import (
	"encoding/json"
	"testing"
	"time"

	"IrmaLedger/internal/event"
	"IrmaLedger/internal/ingestion"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawFromJSON(t *testing.T, v interface{}) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return ingestion.RawEvent{
		Subject:   "test",
		Data:      data,
		Timestamp: time.Now(),
	}
}

func TestParseIrmaBought(t *testing.T) {
	payload := map[string]interface{}{
		"fill_id":       "fill-1",
		"trader":        "trader-a",
		"quote_token":   "USDT",
		"amount":        uint64(999),
		"fill_sequence": int64(42),
		"timestamp_us":  int64(1700000000000000),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), ingestion.TypeIrmaBought)
	require.NoError(t, err)

	b, ok := evt.(*event.IrmaBought)
	require.True(t, ok, "expected *event.IrmaBought, got %T", evt)
	assert.Equal(t, "USDT", b.QuoteToken)
	assert.Equal(t, uint64(999), b.Amount)
	assert.Equal(t, int64(42), b.FillSequence)
	assert.Equal(t, event.VenuePartition("USDT"), b.Partition())
	assert.Equal(t, event.EventTypeIrmaBought, b.EventType())
}

func TestParseIrmaSold(t *testing.T) {
	payload := map[string]interface{}{
		"fill_id":       "fill-2",
		"trader":        "trader-b",
		"quote_token":   "USDC",
		"irma_amount":   uint64(50),
		"fill_sequence": int64(7),
		"timestamp_us":  int64(1700000000000001),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), ingestion.TypeIrmaSold)
	require.NoError(t, err)

	s, ok := evt.(*event.IrmaSold)
	require.True(t, ok, "expected *event.IrmaSold, got %T", evt)
	assert.Equal(t, uint64(50), s.IrmaAmount)
	assert.Equal(t, int64(7), s.SourceSequence())
}

func TestParseMintPriceSet(t *testing.T) {
	payload := map[string]interface{}{
		"request_id":   "550e8400-e29b-41d4-a716-446655440000",
		"asset":        "USDC",
		"price":        "1.5",
		"sequence":     int64(3),
		"timestamp_us": int64(1700000000000000),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), ingestion.TypeMintPriceSet)
	require.NoError(t, err)

	m := evt.(*event.MintPriceSet)
	assert.True(t, m.Price.Equal(decimal.RequireFromString("1.5")), "price %s", m.Price)
	assert.Equal(t, event.PartitionAdmin, m.Partition())
	assert.Equal(t, "admin:550e8400-e29b-41d4-a716-446655440000", m.IdempotencyKey())
}

func TestParseOracleInflation(t *testing.T) {
	payload := map[string]interface{}{
		"asset":               "USDT",
		"inflation_percent":   "3",
		"reference_price_usd": "1",
		"reading_sequence":    int64(5),
		"timestamp_us":        int64(1700000000000000),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), ingestion.TypeOracleInflation)
	require.NoError(t, err)

	o := evt.(*event.OracleInflationReported)
	assert.True(t, o.InflationPercent.Equal(decimal.NewFromInt(3)), "inflation %s", o.InflationPercent)
	assert.Equal(t, "oracle:USDT:5", o.IdempotencyKey())
}

func TestParseRejectsMalformed(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		payload   map[string]interface{}
	}{
		{"missing fill id", ingestion.TypeIrmaBought, map[string]interface{}{"quote_token": "USDT", "amount": 1, "fill_sequence": 1}},
		{"missing quote token", ingestion.TypeIrmaSold, map[string]interface{}{"fill_id": "f", "irma_amount": 1, "fill_sequence": 1}},
		{"zero fill sequence", ingestion.TypeIrmaBought, map[string]interface{}{"fill_id": "f", "quote_token": "USDT", "amount": 1}},
		{"bad request id", ingestion.TypeLedgerInitialize, map[string]interface{}{"request_id": "nope", "sequence": 1}},
		{"missing asset", ingestion.TypeMintPriceSet, map[string]interface{}{"request_id": uuid.NewString(), "price": "1", "sequence": 1}},
		{"negative reading", ingestion.TypeOracleInflation, map[string]interface{}{"asset": "USDT", "reading_sequence": -1}},
		{"unknown type", "FundingSettled", map[string]interface{}{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ingestion.ParseRawEvent(rawFromJSON(t, tt.payload), tt.eventType)
			assert.Error(t, err)
		})
	}

	_, err := ingestion.ParseRawEvent(ingestion.RawEvent{Data: []byte("{not json")}, ingestion.TypeIrmaBought)
	assert.Error(t, err, "invalid JSON")
}

// Zero amounts parse; the core rejects them so the rejection is sequenced.
func TestParseLeavesDomainChecksToCore(t *testing.T) {
	payload := map[string]interface{}{
		"fill_id":       "fill-3",
		"quote_token":   "XYZ",
		"amount":        0,
		"fill_sequence": 1,
	}
	_, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), ingestion.TypeIrmaBought)
	require.NoError(t, err)
}

func TestEncodeEventRoundTrip(t *testing.T) {
	events := []event.Event{
		&event.LedgerInitialize{RequestID: uuid.New(), Sequence: 1, Timestamp: 10},
		&event.MintPriceSet{RequestID: uuid.New(), Asset: "USDS", Price: decimal.RequireFromString("1.08"), Sequence: 2, Timestamp: 11},
		&event.IrmaBought{FillID: "f1", Trader: "t", QuoteToken: "USDT", Amount: 999, FillSequence: 1, Timestamp: 12},
		&event.IrmaSold{FillID: "f2", Trader: "t", QuoteToken: "USDT", IrmaAmount: 50, FillSequence: 2, Timestamp: 13},
		&event.OracleInflationReported{Asset: "USDT", InflationPercent: decimal.NewFromInt(3), ReferencePriceUSD: decimal.NewFromInt(1), ReadingSequence: 9, Timestamp: 14},
	}

	for _, evt := range events {
		data, err := ingestion.EncodeEvent(evt)
		require.NoError(t, err, "encode %s", evt.EventType())
		back, err := ingestion.ParseRawEvent(ingestion.RawEvent{Data: data}, evt.EventType().String())
		require.NoError(t, err, "parse %s", evt.EventType())
		assert.Equal(t, evt.IdempotencyKey(), back.IdempotencyKey())
		assert.Equal(t, evt.SourceSequence(), back.SourceSequence())
		assert.Equal(t, evt.TimestampMicros(), back.TimestampMicros())
	}
}

func TestResolveEventType(t *testing.T) {
	tests := []struct {
		subject string
		want    string
		wantErr bool
	}{
		{ingestion.VenueSubject("USDT", true), ingestion.TypeIrmaBought, false},
		{ingestion.VenueSubject("USDT", false), ingestion.TypeIrmaSold, false},
		{ingestion.OracleSubject("EURC"), ingestion.TypeOracleInflation, false},
		{"irma.venue.USDT", "", true},
		{"irma.oracle.USDT.deflation", "", true},
		{"perp.venue.USDT.buy", "", true},
	}
	for _, tt := range tests {
		got, err := ingestion.ResolveEventType(tt.subject)
		if tt.wantErr {
			assert.Error(t, err, tt.subject)
			continue
		}
		require.NoError(t, err, tt.subject)
		assert.Equal(t, tt.want, got, tt.subject)
	}
}
