package ledger

import (
	"fmt"
	"strings"
)

// AssetID is the closed index of a backing stablecoin. Its numeric value is the
// slot in every per-asset state array and must never be reordered.
type AssetID uint8

const (
	AssetUSDT AssetID = iota
	AssetUSDC
	AssetUSDS
	AssetUSDE
	AssetPYUSD
	AssetUSDG
	AssetUSDP
	AssetSUSD
	AssetZUSD
	AssetUSDR
	AssetDAI
	AssetFDUSD
	AssetUSD1

	// AssetCount is the number of supported backing assets. Not an asset.
	AssetCount
)

var assetSymbols = [AssetCount]string{
	"USDT", "USDC", "USDS", "USDE", "PYUSD", "USDG", "USDP",
	"SUSD", "ZUSD", "USDR", "DAI", "FDUSD", "USD1",
}

var symbolToAsset = func() map[string]AssetID {
	m := make(map[string]AssetID, AssetCount)
	for i, s := range assetSymbols {
		m[s] = AssetID(i)
	}
	return m
}()

// Valid reports whether a names a real slot.
func (a AssetID) Valid() bool {
	return a < AssetCount
}

func (a AssetID) Index() int {
	return int(a)
}

func (a AssetID) String() string {
	if !a.Valid() {
		return fmt.Sprintf("INVALID(%d)", uint8(a))
	}
	return assetSymbols[a]
}

// AssetFromIndex converts a raw index, rejecting anything >= AssetCount.
func AssetFromIndex(i int) (AssetID, error) {
	if i < 0 || i >= int(AssetCount) {
		return 0, fmt.Errorf("%w: index %d out of range [0,%d)", ErrInvalidAsset, i, AssetCount)
	}
	return AssetID(i), nil
}

// ParseAsset resolves a symbol (case-insensitive) to its AssetID.
func ParseAsset(symbol string) (AssetID, error) {
	a, ok := symbolToAsset[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return 0, fmt.Errorf("%w: unknown symbol %q", ErrInvalidAsset, symbol)
	}
	return a, nil
}

// AllAssets returns every slot in index order.
func AllAssets() []AssetID {
	out := make([]AssetID, AssetCount)
	for i := range out {
		out[i] = AssetID(i)
	}
	return out
}

// PrecisionTable holds decimal places per asset. 0 marks the asset as not enabled.
type PrecisionTable [AssetCount]uint8

// DefaultPrecisions enables the stablecoins available at launch.
func DefaultPrecisions() PrecisionTable {
	var p PrecisionTable
	p[AssetUSDT] = 6
	p[AssetUSDC] = 6
	p[AssetUSDS] = 6
	return p
}

// PrecisionTableFromMap builds a table from symbol → decimals. Unlisted assets stay
// disabled.
func PrecisionTableFromMap(m map[string]uint8) (PrecisionTable, error) {
	var p PrecisionTable
	for sym, dec := range m {
		a, err := ParseAsset(sym)
		if err != nil {
			return p, err
		}
		p[a] = dec
	}
	return p, nil
}

// Enabled lists the assets with non-zero precision.
func (p PrecisionTable) Enabled() []AssetID {
	var out []AssetID
	for i, dec := range p {
		if dec > 0 {
			out = append(out, AssetID(i))
		}
	}
	return out
}
