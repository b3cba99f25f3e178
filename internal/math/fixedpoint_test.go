package math_test

import (
	"errors"
	"testing"

	fpmath "IrmaLedger/internal/math"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestRoundingModes(t *testing.T) {
	tests := []struct {
		in   string
		mode fpmath.RoundingMode
		want uint64
	}{
		{"2.5", fpmath.RoundHalfUp, 3},
		{"2.5", fpmath.RoundHalfEven, 2},
		{"3.5", fpmath.RoundHalfEven, 4},
		{"2.4", fpmath.RoundHalfUp, 2},
		{"2.0001", fpmath.RoundUp, 3},
		{"2.9999", fpmath.RoundDown, 2},
		{"50", fpmath.RoundUp, 50},
	}
	for _, tc := range tests {
		got, err := fpmath.ToUnits(d(tc.in), tc.mode)
		if err != nil {
			t.Fatalf("%s/%s: %v", tc.in, tc.mode, err)
		}
		if got != tc.want {
			t.Errorf("%s/%s: got %d, want %d", tc.in, tc.mode, got, tc.want)
		}
	}
}

func TestToUnits_Rejects(t *testing.T) {
	if _, err := fpmath.ToUnits(d("-1"), fpmath.RoundUp); !errors.Is(err, fpmath.ErrNegativeUnits) {
		t.Errorf("negative: got %v", err)
	}
	if _, err := fpmath.ToUnits(d("18446744073709551616"), fpmath.RoundDown); !errors.Is(err, fpmath.ErrUnitsOverflow) {
		t.Errorf("overflow: got %v", err)
	}
}

func TestDivUnits_CeilIssuance(t *testing.T) {
	got, err := fpmath.DivUnits(100, d("3"), fpmath.RoundUp)
	if err != nil {
		t.Fatal(err)
	}
	if got != 34 {
		t.Errorf("ceil(100/3): got %d, want 34", got)
	}

	if _, err := fpmath.DivUnits(1, decimal.Zero, fpmath.RoundUp); !errors.Is(err, fpmath.ErrDivisionByZero) {
		t.Errorf("zero price: got %v", err)
	}
}

func TestRatio(t *testing.T) {
	r, err := fpmath.Ratio(1000, 95)
	if err != nil {
		t.Fatal(err)
	}
	if r.StringFixed(6) != "10.526316" {
		t.Errorf("got %s", r)
	}
	if _, err := fpmath.Ratio(1, 0); !errors.Is(err, fpmath.ErrDivisionByZero) {
		t.Errorf("zero denominator: got %v", err)
	}
}

func TestSqrt(t *testing.T) {
	got, err := fpmath.Sqrt(d("2"))
	if err != nil {
		t.Fatal(err)
	}
	if got.StringFixed(12) != "1.414213562373" {
		t.Errorf("sqrt(2): got %s", got)
	}

	sq, _ := fpmath.Sqrt(d("144"))
	if !sq.Equal(d("12")) {
		t.Errorf("sqrt(144): got %s", sq)
	}

	if _, err := fpmath.Sqrt(d("-4")); !errors.Is(err, fpmath.ErrNegativeSqrt) {
		t.Errorf("negative: got %v", err)
	}
}

func TestLinearAdjustment(t *testing.T) {
	adj, err := fpmath.LinearAdjustment(fpmath.SplitInputs{
		Amount:       5,
		GapTarget:    d("1"),
		GapQuotePost: d("0.005"),
	})
	if err != nil {
		t.Fatal(err)
	}
	// 5 * 0.995 / 1.005
	if adj.StringFixed(6) != "4.950249" {
		t.Errorf("got %s", adj)
	}

	_, err = fpmath.LinearAdjustment(fpmath.SplitInputs{Amount: 5, GapTarget: d("0.5"), GapQuotePost: d("-0.5")})
	if !errors.Is(err, fpmath.ErrDivisionByZero) {
		t.Errorf("cancelling gaps: got %v", err)
	}
}

func TestQuadraticAdjustment_EqualizesGaps(t *testing.T) {
	// at x=4: target gap = 1 - 96/96 = 0, quote gap = 1.5 - 141/94 = 0
	in := fpmath.SplitInputs{
		Amount:            10,
		TargetPrice:       d("1"),
		TargetReserve:     96,
		TargetCirculation: 100,
		QuotePrice:        d("1.5"),
		QuoteReserve:      141,
		QuoteCirculation:  100,
	}
	adj, err := fpmath.QuadraticAdjustment(in)
	if err != nil {
		t.Fatal(err)
	}
	if !adj.Equal(d("4")) {
		t.Fatalf("got %s, want 4", adj)
	}
}

func TestQuadraticAdjustment_EqualPricesIsLinear(t *testing.T) {
	// -C/B = (141*100 - 96*90) / (96+141)
	in := fpmath.SplitInputs{
		Amount:            10,
		TargetPrice:       d("1"),
		TargetReserve:     96,
		TargetCirculation: 100,
		QuotePrice:        d("1"),
		QuoteReserve:      141,
		QuoteCirculation:  100,
	}
	adj, err := fpmath.QuadraticAdjustment(in)
	if err != nil {
		t.Fatal(err)
	}
	if adj.StringFixed(6) != "23.037975" {
		t.Errorf("got %s", adj)
	}

	_, err = fpmath.QuadraticAdjustment(fpmath.SplitInputs{Amount: 1, TargetPrice: d("1"), QuotePrice: d("1")})
	if !errors.Is(err, fpmath.ErrDivisionByZero) {
		t.Errorf("degenerate: got %v", err)
	}
}

func TestDecimalConfig_Format(t *testing.T) {
	if got := fpmath.PriceConfig.Format(d("1.5")); got != "1.500000000" {
		t.Errorf("got %s", got)
	}
}
