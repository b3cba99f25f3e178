package state

import (
	"fmt"

	"IrmaLedger/internal/ledger"
	fpmath "IrmaLedger/internal/math"

	"github.com/shopspring/decimal"
)

// Regime is the redemption handling path chosen by the deviation scan
type Regime uint8

const (
	RegimeNone        Regime = iota // nothing priced, redemption is a no-op
	RegimeSingleAsset               // only the quote asset is touched
	RegimeCrossAsset                // quote pays reserve, supply reduction may move to the scan target
)

func (r Regime) String() string {
	switch r {
	case RegimeNone:
		return "none"
	case RegimeSingleAsset:
		return "single_asset"
	case RegimeCrossAsset:
		return "cross_asset"
	default:
		return "unknown"
	}
}

// Path is the concrete branch taken inside a regime
type Path uint8

const (
	PathNoop         Path = iota
	PathProportional      // single asset: burn quote supply, pay redemption price
	PathDeflationCap      // single asset: pay mint price, supply untouched
	PathQuoteOnly         // cross asset: quote supply absorbs everything
	PathTargetOnly        // cross asset: target supply absorbs everything
	PathSplit             // cross asset: split by SplitStrategy
)

func (p Path) String() string {
	switch p {
	case PathNoop:
		return "noop"
	case PathProportional:
		return "proportional"
	case PathDeflationCap:
		return "deflation_cap"
	case PathQuoteOnly:
		return "quote_only"
	case PathTargetOnly:
		return "target_only"
	case PathSplit:
		return "split"
	default:
		return "unknown"
	}
}

// GapScan is the result of the deviation scan over all counted assets
type GapScan struct {
	Gaps        [ledger.AssetCount]decimal.Decimal // 0 for uncounted slots
	Counted     [ledger.AssetCount]bool
	Count       int
	AverageGap  decimal.Decimal
	FirstTarget ledger.AssetID
	MaxGap      decimal.Decimal
}

// Redemption is a fully validated redemption plan. Nothing has been applied yet.
type Redemption struct {
	Quote       ledger.AssetID
	Amount      uint64
	Regime      Regime
	Path        Path
	FirstTarget ledger.AssetID
	AverageGap  decimal.Decimal
	MaxGap      decimal.Decimal
	PayoutPrice decimal.Decimal // price per redeemed unit used for the reserve payout
	ReserveOut  uint64          // debited from the quote asset
	Burns       []ledger.SupplyBurn
	Adjustment  uint64 // PathSplit: share burned from FirstTarget
	Strategy    string // PathSplit only
}

// RedemptionEngine plans redemptions. It only reads the ledger; the caller turns
// the plan into a journal batch and applies it atomically.
type RedemptionEngine struct {
	params   RedemptionParams
	strategy SplitStrategy
}

func NewRedemptionEngine(params RedemptionParams, strategy SplitStrategy) *RedemptionEngine {
	if strategy == nil {
		strategy = LinearSplit{}
	}
	return &RedemptionEngine{params: params, strategy: strategy}
}

func (e *RedemptionEngine) Params() RedemptionParams {
	return e.params
}

func (e *RedemptionEngine) Strategy() SplitStrategy {
	return e.strategy
}

// CheckRateLimit enforces amount <= min(MaxRedeemPerCall, circulation/SupplyDivisor).
func (e *RedemptionEngine) CheckRateLimit(view LedgerView, q ledger.AssetID, amount uint64) error {
	circ, err := view.Circulation(q)
	if err != nil {
		return err
	}
	if limit := e.params.RedeemLimit(circ); amount > limit {
		return fmt.Errorf("%w: %d %s exceeds limit %d", ledger.ErrInvalidRedeemAmount, amount, q, limit)
	}
	return nil
}

// Scan computes the gap of every enabled, priced asset, their average, and runs
// the sequential deviation scan. The scan walks counted assets in index order with
// a reference that starts at the average; each asset whose gap deviates from the
// current reference by more than the threshold becomes the new reference and
// target. The target is therefore the last material deviation, not the largest.
func (e *RedemptionEngine) Scan(view LedgerView, q ledger.AssetID) (GapScan, error) {
	scan := GapScan{FirstTarget: q}

	sum := decimal.Zero
	for _, a := range ledger.AllAssets() {
		if !view.Enabled(a) {
			continue
		}
		price, err := view.MintPrice(a)
		if err != nil {
			return scan, err
		}
		if !price.IsPositive() {
			continue
		}
		gap, err := view.PriceGap(a)
		if err != nil {
			return scan, err
		}
		scan.Gaps[a] = gap
		scan.Counted[a] = true
		scan.Count++
		sum = sum.Add(gap)
	}

	if scan.Count == 0 {
		return scan, nil
	}

	avg, err := fpmath.Div(sum, decimal.NewFromInt(int64(scan.Count)))
	if err != nil {
		return scan, err
	}
	scan.AverageGap = avg

	reference := avg
	for _, a := range ledger.AllAssets() {
		if !scan.Counted[a] {
			continue
		}
		if scan.Gaps[a].Sub(reference).Abs().GreaterThan(e.params.DeviationThreshold) {
			reference = scan.Gaps[a]
			scan.FirstTarget = a
		}
	}
	scan.MaxGap = reference

	return scan, nil
}

// SelectRegime picks the regime for a scan against quote asset q.
func (e *RedemptionEngine) SelectRegime(scan GapScan, q ledger.AssetID) Regime {
	if scan.Count == 0 {
		return RegimeNone
	}
	if scan.FirstTarget == q ||
		scan.MaxGap.Sub(scan.AverageGap).Abs().LessThanOrEqual(e.params.DeviationThreshold) ||
		scan.AverageGap.IsNegative() {
		return RegimeSingleAsset
	}
	return RegimeCrossAsset
}

// Plan validates a redemption of amount against quote asset q and returns the
// reserve payout and supply burns. All reads are of the pre-redemption state.
func (e *RedemptionEngine) Plan(view LedgerView, q ledger.AssetID, amount uint64) (*Redemption, error) {
	if err := view.RequireEnabled(q); err != nil {
		return nil, err
	}
	if amount == 0 {
		return nil, fmt.Errorf("%w: redeem amount must be > 0", ledger.ErrInvalidAmount)
	}
	if err := e.CheckRateLimit(view, q, amount); err != nil {
		return nil, err
	}

	scan, err := e.Scan(view, q)
	if err != nil {
		return nil, err
	}

	r := &Redemption{
		Quote:       q,
		Amount:      amount,
		Regime:      e.SelectRegime(scan, q),
		FirstTarget: scan.FirstTarget,
		AverageGap:  scan.AverageGap,
		MaxGap:      scan.MaxGap,
	}

	if r.Regime == RegimeNone {
		r.Path = PathNoop
		return r, nil
	}
	if !scan.Counted[q] {
		return nil, fmt.Errorf("%w: %s", ledger.ErrPriceNotSet, q)
	}

	if r.Regime == RegimeSingleAsset {
		err = e.planSingleAsset(view, scan, r)
	} else {
		err = e.planCrossAsset(view, scan, r)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (e *RedemptionEngine) planSingleAsset(view LedgerView, scan GapScan, r *Redemption) error {
	q := r.Quote
	rp, err := view.RedemptionPrice(q)
	if err != nil {
		return err
	}

	if scan.Gaps[q].IsPositive() || scan.FirstTarget == q {
		circ, _ := view.Circulation(q)
		if r.Amount >= circ {
			return fmt.Errorf("%w: %s circulation %d, redeem %d", ledger.ErrInsufficientSupply, q, circ, r.Amount)
		}
		r.Path = PathProportional
		r.PayoutPrice = rp
		r.Burns = []ledger.SupplyBurn{{Asset: q, Amount: r.Amount}}
		return e.setPayout(view, r)
	}

	// Backing is already richer than target: pay out at the mint price and leave
	// supply alone.
	price, _ := view.MintPrice(q)
	if !price.LessThan(rp) {
		return fmt.Errorf("%w: %s mint price %s not below redemption price %s", ledger.ErrInvalidBacking, q, price, rp)
	}
	r.Path = PathDeflationCap
	r.PayoutPrice = price
	return e.setPayout(view, r)
}

func (e *RedemptionEngine) planCrossAsset(view LedgerView, scan GapScan, r *Redemption) error {
	q, ft := r.Quote, r.FirstTarget

	rp, err := view.RedemptionPrice(q)
	if err != nil {
		return err
	}
	r.PayoutPrice = rp
	if err := e.setPayout(view, r); err != nil {
		return err
	}

	qCirc, _ := view.Circulation(q)
	ftCirc, _ := view.Circulation(ft)
	if r.Amount >= ftCirc || r.Amount >= qCirc {
		return fmt.Errorf("%w: redeem %d, %s circulation %d, %s circulation %d",
			ledger.ErrInsufficientSupply, r.Amount, q, qCirc, ft, ftCirc)
	}

	qPrice, _ := view.MintPrice(q)
	qReserve, _ := view.Reserve(q)
	ftPrice, _ := view.MintPrice(ft)
	ftReserve, _ := view.Reserve(ft)
	amount := decimal.NewFromUint64(r.Amount)

	gapFirst := scan.Gaps[ft]

	// quote gap if nothing further changes there
	redeemedAtPrice, err := fpmath.Div(amount, qPrice)
	if err != nil {
		return err
	}
	qPostRP, err := fpmath.Div(decimal.NewFromUint64(qReserve).Sub(redeemedAtPrice), decimal.NewFromUint64(qCirc))
	if err != nil {
		return err
	}
	gapQuotePost := qPrice.Sub(qPostRP)

	// target gap if it alone absorbed the reduction
	ftPostRP, err := fpmath.Ratio(ftReserve, ftCirc-r.Amount)
	if err != nil {
		return err
	}
	gapFirstPost := ftPrice.Sub(ftPostRP)

	switch {
	case gapFirst.LessThanOrEqual(gapFirstPost):
		r.Path = PathQuoteOnly
		r.Burns = []ledger.SupplyBurn{{Asset: q, Amount: r.Amount}}
		return nil
	case gapFirstPost.LessThanOrEqual(gapQuotePost):
		r.Path = PathTargetOnly
		r.Burns = []ledger.SupplyBurn{{Asset: ft, Amount: r.Amount}}
		return nil
	}

	raw, err := e.strategy.Adjustment(fpmath.SplitInputs{
		Amount:            r.Amount,
		TargetPrice:       ftPrice,
		TargetReserve:     ftReserve,
		TargetCirculation: ftCirc,
		QuotePrice:        qPrice,
		QuoteReserve:      qReserve - r.ReserveOut,
		QuoteCirculation:  qCirc,
		GapTarget:         gapFirst,
		GapQuotePost:      gapQuotePost,
	})
	if err != nil {
		return fmt.Errorf("%w: %s split: %v", ledger.ErrInvalidAmount, e.strategy.Name(), err)
	}
	if !raw.IsPositive() || raw.GreaterThan(amount) {
		return fmt.Errorf("%w: %s split adjustment %s outside (0, %d]", ledger.ErrInvalidAmount, e.strategy.Name(), raw, r.Amount)
	}
	// ceil of a value in (0, amount] stays in [1, amount]
	adj, err := fpmath.ToUnits(raw, fpmath.RoundUp)
	if err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrInvalidAmount, err)
	}

	r.Path = PathSplit
	r.Strategy = e.strategy.Name()
	r.Adjustment = adj
	r.Burns = []ledger.SupplyBurn{
		{Asset: ft, Amount: adj},
		{Asset: q, Amount: r.Amount - adj},
	}
	return nil
}

// setPayout sets ReserveOut = round(amount * PayoutPrice) and checks it against
// the quote reserve.
func (e *RedemptionEngine) setPayout(view LedgerView, r *Redemption) error {
	out, err := fpmath.MulUnits(r.Amount, r.PayoutPrice, fpmath.RoundHalfUp)
	if err != nil {
		return fmt.Errorf("%w: payout for %d %s: %v", ledger.ErrInsufficientReserve, r.Amount, r.Quote, err)
	}
	reserve, err := view.Reserve(r.Quote)
	if err != nil {
		return err
	}
	if out > reserve {
		return fmt.Errorf("%w: %s reserve %d, payout %d", ledger.ErrInsufficientReserve, r.Quote, reserve, out)
	}
	r.ReserveOut = out
	return nil
}
