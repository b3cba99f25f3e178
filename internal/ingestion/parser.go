package ingestion

import (
	"encoding/json"
	"fmt"
	"strings"

	"IrmaLedger/internal/event"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Event type names as they appear on the wire and in the event log.
const (
	TypeLedgerInitialize = "LedgerInitialize"
	TypeMintPriceSet     = "MintPriceSet"
	TypeIrmaBought       = "IrmaBought"
	TypeIrmaSold         = "IrmaSold"
	TypeOracleInflation  = "OracleInflationReported"
)

// ParseRawEvent converts JSON bytes of the given event type into a typed event.
// Only structure is checked here; domain validation belongs to the core so that
// rejections are sequenced and replayable.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch eventType {
	case TypeLedgerInitialize:
		return parseLedgerInitialize(raw.Data)
	case TypeMintPriceSet:
		return parseMintPriceSet(raw.Data)
	case TypeIrmaBought:
		return parseIrmaBought(raw.Data)
	case TypeIrmaSold:
		return parseIrmaSold(raw.Data)
	case TypeOracleInflation:
		return parseOracleInflation(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers.

type ledgerInitializeJSON struct {
	RequestID   string `json:"request_id"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

type mintPriceSetJSON struct {
	RequestID   string          `json:"request_id"`
	Asset       string          `json:"asset"`
	Price       decimal.Decimal `json:"price"`
	Sequence    int64           `json:"sequence"`
	TimestampUs int64           `json:"timestamp_us"`
}

type irmaBoughtJSON struct {
	FillID       string `json:"fill_id"`
	Trader       string `json:"trader"`
	QuoteToken   string `json:"quote_token"`
	Amount       uint64 `json:"amount"`
	FillSequence int64  `json:"fill_sequence"`
	TimestampUs  int64  `json:"timestamp_us"`
}

type irmaSoldJSON struct {
	FillID       string `json:"fill_id"`
	Trader       string `json:"trader"`
	QuoteToken   string `json:"quote_token"`
	IrmaAmount   uint64 `json:"irma_amount"`
	FillSequence int64  `json:"fill_sequence"`
	TimestampUs  int64  `json:"timestamp_us"`
}

type oracleInflationJSON struct {
	Asset             string          `json:"asset"`
	InflationPercent  decimal.Decimal `json:"inflation_percent"`
	ReferencePriceUSD decimal.Decimal `json:"reference_price_usd"`
	ReadingSequence   int64           `json:"reading_sequence"`
	TimestampUs       int64           `json:"timestamp_us"`
}

func parseLedgerInitialize(data []byte) (*event.LedgerInitialize, error) {
	var j ledgerInitializeJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse LedgerInitialize: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	if err := requireSequence("sequence", j.Sequence); err != nil {
		return nil, err
	}
	return &event.LedgerInitialize{
		RequestID: requestID,
		Sequence:  j.Sequence,
		Timestamp: j.TimestampUs,
	}, nil
}

func parseMintPriceSet(data []byte) (*event.MintPriceSet, error) {
	var j mintPriceSetJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse MintPriceSet: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	if err := requireField("asset", j.Asset); err != nil {
		return nil, err
	}
	if err := requireSequence("sequence", j.Sequence); err != nil {
		return nil, err
	}
	return &event.MintPriceSet{
		RequestID: requestID,
		Asset:     j.Asset,
		Price:     j.Price,
		Sequence:  j.Sequence,
		Timestamp: j.TimestampUs,
	}, nil
}

func parseIrmaBought(data []byte) (*event.IrmaBought, error) {
	var j irmaBoughtJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse IrmaBought: %w", err)
	}
	if err := requireField("fill_id", j.FillID); err != nil {
		return nil, err
	}
	if err := requireField("quote_token", j.QuoteToken); err != nil {
		return nil, err
	}
	if err := requireSequence("fill_sequence", j.FillSequence); err != nil {
		return nil, err
	}
	return &event.IrmaBought{
		FillID:       j.FillID,
		Trader:       j.Trader,
		QuoteToken:   j.QuoteToken,
		Amount:       j.Amount,
		FillSequence: j.FillSequence,
		Timestamp:    j.TimestampUs,
	}, nil
}

func parseIrmaSold(data []byte) (*event.IrmaSold, error) {
	var j irmaSoldJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse IrmaSold: %w", err)
	}
	if err := requireField("fill_id", j.FillID); err != nil {
		return nil, err
	}
	if err := requireField("quote_token", j.QuoteToken); err != nil {
		return nil, err
	}
	if err := requireSequence("fill_sequence", j.FillSequence); err != nil {
		return nil, err
	}
	return &event.IrmaSold{
		FillID:       j.FillID,
		Trader:       j.Trader,
		QuoteToken:   j.QuoteToken,
		IrmaAmount:   j.IrmaAmount,
		FillSequence: j.FillSequence,
		Timestamp:    j.TimestampUs,
	}, nil
}

func parseOracleInflation(data []byte) (*event.OracleInflationReported, error) {
	var j oracleInflationJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse OracleInflationReported: %w", err)
	}
	if err := requireField("asset", j.Asset); err != nil {
		return nil, err
	}
	if err := requireSequence("reading_sequence", j.ReadingSequence); err != nil {
		return nil, err
	}
	return &event.OracleInflationReported{
		Asset:             j.Asset,
		InflationPercent:  j.InflationPercent,
		ReferencePriceUSD: j.ReferencePriceUSD,
		ReadingSequence:   j.ReadingSequence,
		Timestamp:         j.TimestampUs,
	}, nil
}

func requireField(name, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("missing %s", name)
	}
	return nil
}

func requireSequence(name string, v int64) error {
	if v <= 0 {
		return fmt.Errorf("%s must be > 0, got %d", name, v)
	}
	return nil
}

// EncodeEvent produces the wire JSON of evt. The event log stores this form so
// replay goes through ParseRawEvent like live traffic.
func EncodeEvent(evt event.Event) ([]byte, error) {
	switch e := evt.(type) {
	case *event.LedgerInitialize:
		return json.Marshal(ledgerInitializeJSON{
			RequestID:   e.RequestID.String(),
			Sequence:    e.Sequence,
			TimestampUs: e.Timestamp,
		})
	case *event.MintPriceSet:
		return json.Marshal(mintPriceSetJSON{
			RequestID:   e.RequestID.String(),
			Asset:       e.Asset,
			Price:       e.Price,
			Sequence:    e.Sequence,
			TimestampUs: e.Timestamp,
		})
	case *event.IrmaBought:
		return json.Marshal(irmaBoughtJSON{
			FillID:       e.FillID,
			Trader:       e.Trader,
			QuoteToken:   e.QuoteToken,
			Amount:       e.Amount,
			FillSequence: e.FillSequence,
			TimestampUs:  e.Timestamp,
		})
	case *event.IrmaSold:
		return json.Marshal(irmaSoldJSON{
			FillID:       e.FillID,
			Trader:       e.Trader,
			QuoteToken:   e.QuoteToken,
			IrmaAmount:   e.IrmaAmount,
			FillSequence: e.FillSequence,
			TimestampUs:  e.Timestamp,
		})
	case *event.OracleInflationReported:
		return json.Marshal(oracleInflationJSON{
			Asset:             e.Asset,
			InflationPercent:  e.InflationPercent,
			ReferencePriceUSD: e.ReferencePriceUSD,
			ReadingSequence:   e.ReadingSequence,
			TimestampUs:       e.Timestamp,
		})
	default:
		return nil, fmt.Errorf("unknown event type: %T", evt)
	}
}
