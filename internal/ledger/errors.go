package ledger

import (
	"errors"
	"fmt"
)

// Sentinel errors for comparison with errors.Is. Every rejected operation wraps
// exactly one of these.
var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidAsset        = errors.New("invalid asset")
	ErrPriceNotSet         = errors.New("mint price not set")
	ErrInvalidRedeemAmount = errors.New("redeem amount exceeds rate limit")
	ErrInsufficientSupply  = errors.New("insufficient circulating supply")
	ErrInsufficientReserve = errors.New("insufficient reserve")
	ErrInvalidBacking      = errors.New("invalid backing")
	ErrArithmeticOverflow  = errors.New("arithmetic overflow")
	ErrNotInitialized      = errors.New("ledger not initialized")
)

// CodeInternal is the code of an error that wraps no domain sentinel
const CodeInternal = "Internal"

// ErrorCode returns the stable name of the sentinel wrapped by err, or CodeInternal.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidAmount):
		return "InvalidAmount"
	case errors.Is(err, ErrInvalidAsset):
		return "InvalidAsset"
	case errors.Is(err, ErrPriceNotSet):
		return "PriceNotSet"
	case errors.Is(err, ErrInvalidRedeemAmount):
		return "InvalidRedeemAmount"
	case errors.Is(err, ErrInsufficientSupply):
		return "InsufficientSupply"
	case errors.Is(err, ErrInsufficientReserve):
		return "InsufficientReserve"
	case errors.Is(err, ErrInvalidBacking):
		return "InvalidBacking"
	case errors.Is(err, ErrArithmeticOverflow):
		return "ArithmeticOverflow"
	case errors.Is(err, ErrNotInitialized):
		return "NotInitialized"
	default:
		return CodeInternal
	}
}

func invalidAsset(a AssetID) error {
	return fmt.Errorf("%w: %s", ErrInvalidAsset, a)
}
