package ledger_test

import (
	"errors"
	"fmt"
	"testing"

	"IrmaLedger/internal/ledger"

	"github.com/shopspring/decimal"
)

var ref = ledger.EventRef{Key: "evt-1", Sequence: 1, Timestamp: 1_700_000_000_000_000}

func newInitializedTracker(t *testing.T) *ledger.ReserveTracker {
	t.Helper()
	rt := ledger.NewReserveTracker(ledger.DefaultPrecisions(), 255)
	if err := rt.ApplyBatch(ledger.GenerateGenesis(ref)); err != nil {
		t.Fatalf("genesis: %v", err)
	}
	return rt
}

func mustMint(t *testing.T, rt *ledger.ReserveTracker, a ledger.AssetID, reserve, supply uint64) {
	t.Helper()
	b, err := ledger.GenerateMint(ref, a, reserve, supply)
	if err != nil {
		t.Fatalf("generate mint: %v", err)
	}
	if err := rt.ApplyBatch(b); err != nil {
		t.Fatalf("apply mint: %v", err)
	}
}

// ============================================================================
// Test: Asset registry
// ============================================================================

func TestParseAsset_Known(t *testing.T) {
	a, err := ledger.ParseAsset("usdc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a != ledger.AssetUSDC {
		t.Errorf("got %s, want USDC", a)
	}
}

func TestParseAsset_Unknown(t *testing.T) {
	_, err := ledger.ParseAsset("DOGE")
	if !errors.Is(err, ledger.ErrInvalidAsset) {
		t.Errorf("expected ErrInvalidAsset, got %v", err)
	}
}

func TestAssetFromIndex_Bounds(t *testing.T) {
	if _, err := ledger.AssetFromIndex(int(ledger.AssetCount)); !errors.Is(err, ledger.ErrInvalidAsset) {
		t.Errorf("index == count should be rejected, got %v", err)
	}
	if _, err := ledger.AssetFromIndex(-1); !errors.Is(err, ledger.ErrInvalidAsset) {
		t.Errorf("negative index should be rejected, got %v", err)
	}
	a, err := ledger.AssetFromIndex(12)
	if err != nil || a != ledger.AssetUSD1 {
		t.Errorf("index 12: got %s, %v", a, err)
	}
}

func TestAssetID_StringRoundTrip(t *testing.T) {
	for _, a := range ledger.AllAssets() {
		parsed, err := ledger.ParseAsset(a.String())
		if err != nil || parsed != a {
			t.Errorf("%s: parsed %s, err %v", a, parsed, err)
		}
	}
	if got := ledger.AssetCount.String(); got != "INVALID(13)" {
		t.Errorf("sentinel string: got %q", got)
	}
}

func TestDefaultPrecisions_EnabledSet(t *testing.T) {
	enabled := ledger.DefaultPrecisions().Enabled()
	want := []ledger.AssetID{ledger.AssetUSDT, ledger.AssetUSDC, ledger.AssetUSDS}
	if len(enabled) != len(want) {
		t.Fatalf("got %v, want %v", enabled, want)
	}
	for i := range want {
		if enabled[i] != want[i] {
			t.Errorf("slot %d: got %s, want %s", i, enabled[i], want[i])
		}
	}
}

// ============================================================================
// Test: ReserveTracker
// ============================================================================

func TestGenesis_SetsEverySlot(t *testing.T) {
	rt := newInitializedTracker(t)

	for _, a := range ledger.AllAssets() {
		price, _ := rt.MintPrice(a)
		reserve, _ := rt.Reserve(a)
		circ, _ := rt.Circulation(a)
		if !price.Equal(decimal.NewFromInt(1)) || reserve != 0 || circ != 1 {
			t.Errorf("%s: price=%s reserve=%d circ=%d", a, price, reserve, circ)
		}
	}
	if !rt.Initialized() {
		t.Error("tracker should be initialized")
	}
}

func TestApplyBatch_Mint(t *testing.T) {
	rt := newInitializedTracker(t)
	mustMint(t, rt, ledger.AssetUSDT, 1000, 99)

	reserve, _ := rt.Reserve(ledger.AssetUSDT)
	circ, _ := rt.Circulation(ledger.AssetUSDT)
	if reserve != 1000 || circ != 100 {
		t.Errorf("got reserve=%d circ=%d, want 1000/100", reserve, circ)
	}

	rp, _ := rt.RedemptionPrice(ledger.AssetUSDT)
	if !rp.Equal(decimal.NewFromInt(10)) {
		t.Errorf("redemption price: got %s, want 10", rp)
	}
	gap, _ := rt.PriceGap(ledger.AssetUSDT)
	if !gap.Equal(decimal.NewFromInt(-9)) {
		t.Errorf("price gap: got %s, want -9", gap)
	}
}

func TestApplyBatch_DisabledAssetRejected(t *testing.T) {
	rt := newInitializedTracker(t)
	b, _ := ledger.GenerateMint(ref, ledger.AssetDAI, 10, 10)

	err := rt.ApplyBatch(b)
	if !errors.Is(err, ledger.ErrInvalidAsset) {
		t.Fatalf("expected ErrInvalidAsset, got %v", err)
	}
	circ, _ := rt.Circulation(ledger.AssetDAI)
	if circ != 1 {
		t.Errorf("disabled asset circulation changed: %d", circ)
	}
}

func TestApplyBatch_AllOrNothing(t *testing.T) {
	rt := newInitializedTracker(t)
	mustMint(t, rt, ledger.AssetUSDT, 1000, 99)
	before := rt.Snapshot()

	// first leg is fine, second overdraws the reserve
	b := ledger.GenerateRedemption(ref, ledger.AssetUSDT, 5000, []ledger.SupplyBurn{
		{Asset: ledger.AssetUSDT, Amount: 10},
	})
	err := rt.ApplyBatch(b)
	if !errors.Is(err, ledger.ErrInsufficientReserve) {
		t.Fatalf("expected ErrInsufficientReserve, got %v", err)
	}
	if rt.Snapshot() != before {
		t.Error("state mutated by rejected batch")
	}
}

func TestApplyBatch_CirculationFloor(t *testing.T) {
	rt := newInitializedTracker(t)
	mustMint(t, rt, ledger.AssetUSDC, 100, 9)

	b := ledger.GenerateRedemption(ref, ledger.AssetUSDC, 0, []ledger.SupplyBurn{
		{Asset: ledger.AssetUSDC, Amount: 10},
	})
	if err := rt.ApplyBatch(b); !errors.Is(err, ledger.ErrInsufficientSupply) {
		t.Fatalf("burning to zero should fail with ErrInsufficientSupply, got %v", err)
	}
}

func TestApplyBatch_ReserveOverflow(t *testing.T) {
	rt := newInitializedTracker(t)
	mustMint(t, rt, ledger.AssetUSDT, ^uint64(0)-1, 1)

	b, _ := ledger.GenerateMint(ref, ledger.AssetUSDT, 2, 1)
	if err := rt.ApplyBatch(b); !errors.Is(err, ledger.ErrArithmeticOverflow) {
		t.Fatalf("expected ErrArithmeticOverflow, got %v", err)
	}
}

func TestApplyBatch_PriceSet(t *testing.T) {
	rt := newInitializedTracker(t)
	price := decimal.RequireFromString("1.025")

	if err := rt.ApplyBatch(ledger.GeneratePriceSet(ref, ledger.AssetUSDS, price)); err != nil {
		t.Fatalf("price set: %v", err)
	}
	got, _ := rt.MintPrice(ledger.AssetUSDS)
	if !got.Equal(price) {
		t.Errorf("got %s, want %s", got, price)
	}

	bad := ledger.GeneratePriceSet(ref, ledger.AssetUSDS, decimal.Zero)
	if err := rt.ApplyBatch(bad); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Errorf("zero price should fail with ErrInvalidAmount, got %v", err)
	}
}

func TestGenerateRedemption_NothingMoves(t *testing.T) {
	if b := ledger.GenerateRedemption(ref, ledger.AssetUSDT, 0, nil); b != nil {
		t.Errorf("expected nil batch, got %d entries", len(b.Entries))
	}
}

func TestAccessors_OutOfRange(t *testing.T) {
	rt := newInitializedTracker(t)
	if _, err := rt.Reserve(ledger.AssetCount); !errors.Is(err, ledger.ErrInvalidAsset) {
		t.Errorf("Reserve: expected ErrInvalidAsset, got %v", err)
	}
	if _, err := rt.MintPrice(ledger.AssetID(200)); !errors.Is(err, ledger.ErrInvalidAsset) {
		t.Errorf("MintPrice: expected ErrInvalidAsset, got %v", err)
	}
	if rt.Enabled(ledger.AssetCount) {
		t.Error("sentinel must not be enabled")
	}
}

func TestDigest_Deterministic(t *testing.T) {
	a := newInitializedTracker(t)
	b := newInitializedTracker(t)

	// same value built two different ways
	p1 := decimal.RequireFromString("2.50")
	p2 := decimal.NewFromInt(5).Div(decimal.NewFromInt(2))
	_ = a.ApplyBatch(ledger.GeneratePriceSet(ref, ledger.AssetUSDT, p1))
	_ = b.ApplyBatch(ledger.GeneratePriceSet(ref, ledger.AssetUSDT, p2))

	if string(a.Digest()) != string(b.Digest()) {
		t.Error("digests differ for equal states")
	}

	mustMint(t, b, ledger.AssetUSDT, 10, 4)
	if string(a.Digest()) == string(b.Digest()) {
		t.Error("digests equal for different states")
	}
}

func TestApplyBatch_RejectsBeforeGenesis(t *testing.T) {
	rt := ledger.NewReserveTracker(ledger.DefaultPrecisions(), 255)

	price := ledger.GeneratePriceSet(ref, ledger.AssetUSDT, decimal.NewFromInt(1))
	if err := rt.ApplyBatch(price); !errors.Is(err, ledger.ErrNotInitialized) {
		t.Fatalf("price set before genesis: got %v", err)
	}
	mint, err := ledger.GenerateMint(ref, ledger.AssetUSDT, 1000, 1000)
	if err != nil {
		t.Fatalf("generate mint: %v", err)
	}
	if err := rt.ApplyBatch(mint); !errors.Is(err, ledger.ErrNotInitialized) {
		t.Fatalf("mint before genesis: got %v", err)
	}

	// nothing leaked into the state, so genesis still finds an empty ledger
	if err := rt.ApplyBatch(ledger.GenerateGenesis(ref)); err != nil {
		t.Fatalf("genesis: %v", err)
	}
	mustMint(t, rt, ledger.AssetUSDT, 1000, 1000)
	if reserve, _ := rt.Reserve(ledger.AssetUSDT); reserve != 1000 {
		t.Errorf("reserve: got %d, want 1000", reserve)
	}
}

func TestRestore_UninitializedMustBeEmpty(t *testing.T) {
	rt := ledger.NewReserveTracker(ledger.DefaultPrecisions(), 255)
	if err := rt.Restore(rt.Snapshot()); err != nil {
		t.Fatalf("empty pre-genesis state: %v", err)
	}

	st := rt.Snapshot()
	st.Reserve[ledger.AssetUSDC] = 5
	if err := rt.Restore(st); !errors.Is(err, ledger.ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestRestore_RejectsBrokenInvariant(t *testing.T) {
	rt := newInitializedTracker(t)
	st := rt.Snapshot()
	st.Circulation[ledger.AssetUSDT] = 0

	if err := rt.Restore(st); !errors.Is(err, ledger.ErrInsufficientSupply) {
		t.Fatalf("expected ErrInsufficientSupply, got %v", err)
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ledger.ErrInvalidRedeemAmount, "InvalidRedeemAmount"},
		{errors.Join(errors.New("ctx"), ledger.ErrInvalidBacking), "InvalidBacking"},
		{fmt.Errorf("%w: USDT", ledger.ErrNotInitialized), "NotInitialized"},
		{errors.New("boom"), "Internal"},
		{nil, ""},
	}
	for _, tc := range tests {
		if got := ledger.ErrorCode(tc.err); got != tc.want {
			t.Errorf("ErrorCode(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
