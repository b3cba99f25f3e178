package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"IrmaLedger/internal/ledger"
	"IrmaLedger/internal/state"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "irma.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFrom_Defaults(t *testing.T) {
	cfg, err := LoadFrom(envMap(nil))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 50, cfg.PersistBatchSize)
	assert.Equal(t, map[string]uint8{"USDT": 6, "USDC": 6, "USDS": 6}, cfg.Ledger.Precision)

	cc, err := cfg.Core()
	require.NoError(t, err)
	assert.Equal(t, ledger.DefaultPrecisions(), cc.Precision)
	assert.Equal(t, state.DefaultRedemptionParams.MaxRedeemPerCall, cc.Redemption.MaxRedeemPerCall)
	assert.True(t, cc.Oracle.InflationFloorPercent.Equal(decimal.NewFromInt(2)))
}

func TestLoadFrom_FileThenEnv(t *testing.T) {
	path := writeFile(t, `
nats_url = "nats://file:4222"
http_addr = ":18080"
persist_flush_timeout = "25ms"

[ledger]
split_strategy = "quadratic"
deviation_threshold = "0.25"
max_redeem_per_call = 5000

[ledger.precision]
USDT = 6
DAI = 18

[admin]
token = "from-file"
`)
	cfg, err := LoadFrom(envMap(map[string]string{
		FileEnv:            path,
		"IRMA_HTTP_ADDR":   ":28080",
		"IRMA_ADMIN_TOKEN": "from-env",
	}))
	require.NoError(t, err)

	assert.Equal(t, "nats://file:4222", cfg.NATSURL)
	assert.Equal(t, ":28080", cfg.HTTPAddr, "env wins over file")
	assert.Equal(t, "from-env", cfg.Admin.Token)
	assert.Equal(t, 25*time.Millisecond, cfg.PersistFlushTimeout)
	assert.Equal(t, map[string]uint8{"USDT": 6, "DAI": 18}, cfg.Ledger.Precision)

	cc, err := cfg.Core()
	require.NoError(t, err)
	assert.Equal(t, state.SplitQuadratic, cc.SplitStrategy)
	assert.Equal(t, uint64(5000), cc.Redemption.MaxRedeemPerCall)
	assert.True(t, cc.Redemption.DeviationThreshold.Equal(decimal.RequireFromString("0.25")))
	assert.Equal(t, []ledger.AssetID{ledger.AssetUSDT, ledger.AssetDAI}, cc.Precision.Enabled())
}

func TestLoadFrom_UnknownFileKey(t *testing.T) {
	path := writeFile(t, "natsurl = \"typo\"\n")
	_, err := LoadFrom(envMap(map[string]string{FileEnv: path}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "natsurl")
}

func TestLoadFrom_BadEnv(t *testing.T) {
	_, err := LoadFrom(envMap(map[string]string{
		"IRMA_PERSIST_BATCH_SIZE": "many",
		"IRMA_GAP_RETRY_DELAY":    "soon",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "IRMA_PERSIST_BATCH_SIZE")
	assert.Contains(t, err.Error(), "IRMA_GAP_RETRY_DELAY")
}

func TestLoadFrom_Precision(t *testing.T) {
	cfg, err := LoadFrom(envMap(map[string]string{"IRMA_PRECISION": "usdc=6, fdusd=18"}))
	require.NoError(t, err)
	assert.Equal(t, map[string]uint8{"USDC": 6, "FDUSD": 18}, cfg.Ledger.Precision)

	_, err = LoadFrom(envMap(map[string]string{"IRMA_PRECISION": "DOGE=8"}))
	assert.ErrorIs(t, err, ledger.ErrInvalidAsset)

	_, err = LoadFrom(envMap(map[string]string{"IRMA_PRECISION": "USDT"}))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PersistBatchSize = 0
	cfg.Ledger.SupplyDivisor = 0
	cfg.Ledger.Precision = map[string]uint8{}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist_batch_size")
	assert.Contains(t, err.Error(), "enables no asset")

	cfg = DefaultConfig()
	cfg.Ledger.SplitStrategy = "cubic"
	assert.Error(t, cfg.Validate())
}
