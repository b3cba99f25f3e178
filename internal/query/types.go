package query

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when the requested row is not projected (yet).
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
)

// AssetResponse is one asset slot of the ledger read model.
type AssetResponse struct {
	Asset           string          `json:"asset"`
	Index           int             `json:"index"`
	Decimals        uint8           `json:"decimals"`
	MintPrice       decimal.Decimal `json:"mint_price"`
	Reserve         string          `json:"reserve"`     // token units
	Circulation     string          `json:"circulation"` // token units
	RedemptionPrice decimal.Decimal `json:"redemption_price"`
	PriceGap        decimal.Decimal `json:"price_gap"`
	LastSequence    int64           `json:"last_sequence"`
	AsOfSequence    int64           `json:"as_of_sequence"`
}

// LedgerResponse lists every enabled asset.
type LedgerResponse struct {
	Assets       []AssetResponse `json:"assets"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

// Burn is one circulation burn of a redemption.
type Burn struct {
	Asset  string `json:"asset"`
	Amount uint64 `json:"amount"`
}

// RedemptionResponse represents a settled redemption for API queries.
type RedemptionResponse struct {
	Sequence    int64     `json:"sequence"`
	FillID      string    `json:"fill_id"`
	Trader      string    `json:"trader"`
	QuoteAsset  string    `json:"quote_asset"`
	Amount      string    `json:"amount"`
	Regime      string    `json:"regime"`
	Path        string    `json:"path"`
	FirstTarget string    `json:"first_target"`
	ReserveOut  string    `json:"reserve_out"`
	Burns       []Burn    `json:"burns"`
	Timestamp   time.Time `json:"timestamp"`
}

// RedemptionFilter selects redemption history. BeforeSequence is the cursor of
// the previous page.
type RedemptionFilter struct {
	Quote          string
	Trader         string
	BeforeSequence *int64
	Limit          int
}

// RedemptionPage is one page of redemption history, newest first.
type RedemptionPage struct {
	Redemptions  []RedemptionResponse `json:"redemptions"`
	NextCursor   *int64               `json:"next_cursor,omitempty"`
	AsOfSequence int64                `json:"as_of_sequence"`
}

// JournalEntry represents a journal entry for API queries.
type JournalEntry struct {
	EntryID   string           `json:"entry_id"`
	BatchID   string           `json:"batch_id"`
	EventRef  string           `json:"event_ref"`
	Sequence  int64            `json:"sequence"`
	Asset     string           `json:"asset"`
	EntryType string           `json:"entry_type"`
	Amount    string           `json:"amount"`
	Price     *decimal.Decimal `json:"price,omitempty"`
	Timestamp int64            `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool         `json:"is_healthy"`
	HashChainBreaks []int64      `json:"hash_chain_breaks,omitempty"`
	DriftedAssets   []AssetDrift `json:"drifted_assets,omitempty"`
}

// AssetDrift is an asset whose projected fields disagree with its journal.
type AssetDrift struct {
	Asset                string `json:"asset"`
	ProjectedReserve     string `json:"projected_reserve"`
	JournalReserve       string `json:"journal_reserve"`
	ProjectedCirculation string `json:"projected_circulation"`
	JournalCirculation   string `json:"journal_circulation"`
}
