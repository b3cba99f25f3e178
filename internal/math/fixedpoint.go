package math

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"sync"

	"github.com/shopspring/decimal"
)

// DivisionScale is the number of fractional digits kept by every division on the
// state transition path. All replicas must use the same value.
const DivisionScale int32 = 18

// sqrtPrecision is the mantissa size (bits) used for square roots.
const sqrtPrecision uint = 256

var (
	ErrDivisionByZero = errors.New("division by zero")
	ErrNegativeUnits  = errors.New("negative value cannot be converted to units")
	ErrUnitsOverflow  = errors.New("value overflows uint64 units")
	ErrNegativeSqrt   = errors.New("square root of negative value")
)

var (
	Zero    = decimal.Zero
	One     = decimal.NewFromInt(1)
	Two     = decimal.NewFromInt(2)
	Hundred = decimal.NewFromInt(100)

	maxUnits = decimal.NewFromUint64(math.MaxUint64)
)

// DecimalConfig describes the display precision of a value family. It is used when
// rendering values for storage and APIs; arithmetic always runs at DivisionScale.
type DecimalConfig struct {
	DecimalPrecision int32
}

var (
	PriceConfig = DecimalConfig{DecimalPrecision: 9}
	GapConfig   = DecimalConfig{DecimalPrecision: 9}
)

// Format renders d with the config's fixed number of fractional digits.
func (c DecimalConfig) Format(d decimal.Decimal) string {
	return d.StringFixed(c.DecimalPrecision)
}

type RoundingMode int

const (
	RoundHalfUp RoundingMode = iota // half away from zero
	RoundHalfEven
	RoundDown
	RoundUp
)

func (m RoundingMode) String() string {
	switch m {
	case RoundHalfUp:
		return "half_up"
	case RoundHalfEven:
		return "half_even"
	case RoundDown:
		return "down"
	case RoundUp:
		return "up"
	default:
		return "unknown"
	}
}

// Apply rounds d to an integer according to the mode.
func (m RoundingMode) Apply(d decimal.Decimal) decimal.Decimal {
	switch m {
	case RoundHalfEven:
		return d.RoundBank(0)
	case RoundDown:
		return d.Floor()
	case RoundUp:
		return d.Ceil()
	default:
		return d.Round(0)
	}
}

// Div returns a / b at DivisionScale, rounded half-even on the last digit.
func Div(a, b decimal.Decimal) (decimal.Decimal, error) {
	if b.IsZero() {
		return decimal.Zero, ErrDivisionByZero
	}
	return a.DivRound(b, DivisionScale), nil
}

// Ratio returns num / den for integer unit counts.
func Ratio(num, den uint64) (decimal.Decimal, error) {
	if den == 0 {
		return decimal.Zero, ErrDivisionByZero
	}
	return decimal.NewFromUint64(num).DivRound(decimal.NewFromUint64(den), DivisionScale), nil
}

// ToUnits rounds d to an integer and converts it to uint64.
func ToUnits(d decimal.Decimal, mode RoundingMode) (uint64, error) {
	r := mode.Apply(d)
	if r.IsNegative() {
		return 0, fmt.Errorf("%w: %s", ErrNegativeUnits, d.String())
	}
	if r.GreaterThan(maxUnits) {
		return 0, fmt.Errorf("%w: %s", ErrUnitsOverflow, d.String())
	}
	return r.BigInt().Uint64(), nil
}

// MulUnits computes round(amount * price) in units.
func MulUnits(amount uint64, price decimal.Decimal, mode RoundingMode) (uint64, error) {
	return ToUnits(decimal.NewFromUint64(amount).Mul(price), mode)
}

// DivUnits computes round(amount / price) in units.
func DivUnits(amount uint64, price decimal.Decimal, mode RoundingMode) (uint64, error) {
	q, err := Div(decimal.NewFromUint64(amount), price)
	if err != nil {
		return 0, err
	}
	return ToUnits(q, mode)
}

var floatPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Float).SetPrec(sqrtPrecision)
	},
}

// Sqrt returns the square root of d at DivisionScale. big.Float square roots are
// correctly rounded, so the result is identical on every platform.
func Sqrt(d decimal.Decimal) (decimal.Decimal, error) {
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNegativeSqrt, d.String())
	}
	if d.IsZero() {
		return decimal.Zero, nil
	}

	f := floatPool.Get().(*big.Float)
	defer func() {
		f.SetInt64(0)
		floatPool.Put(f)
	}()

	if _, ok := f.SetString(d.String()); !ok {
		return decimal.Zero, fmt.Errorf("cannot parse %s for sqrt", d.String())
	}
	f.Sqrt(f)

	// one extra digit so the final rounding happens in decimal space
	out, err := decimal.NewFromString(f.Text('f', int(DivisionScale)+1))
	if err != nil {
		return decimal.Zero, err
	}
	return out.Round(DivisionScale), nil
}

// ParsePositive parses a decimal string and requires it to be > 0.
func ParsePositive(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("value must be > 0, got %s", s)
	}
	return d, nil
}
