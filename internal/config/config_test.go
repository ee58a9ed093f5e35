package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Luisqbd/sniperbot/internal/domain"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Wallet.PrivateKey = "0x" + "11" // not parsed here, only presence-checked
	return cfg
}

func TestDefaultsValidateWithWallet(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.LogLevel = "chatty"
	cfg.Chain.RPCURL = ""
	cfg.Routes = nil
	cfg.Risk.MaxExposureETH = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_level")
	assert.Contains(t, err.Error(), "rpc_url")
	assert.Contains(t, err.Error(), "at least one DEX route")
	assert.Contains(t, err.Error(), "max_exposure_eth")
	assert.Contains(t, err.Error(), "private_key or encrypted_key_path")
}

func TestValidateRejectsBadRoute(t *testing.T) {
	cfg := validConfig()
	cfg.Routes = []RouteConfig{
		{Name: "v3_missing_quoter", Router: "0xabc", Factory: "0xdef", Protocol: "v3"},
		{Name: "bad_protocol", Router: "0xabc", Factory: "0xdef", Protocol: "v4"},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "need a quoter address")
	assert.Contains(t, err.Error(), `must be "v2" or "v3"`)
}

func TestValidateRejectsUnsortedTakeProfits(t *testing.T) {
	cfg := validConfig()
	cfg.Modes.Normal.TakeProfitPcts = []float64{0.50, 0.25}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ascending")
}

func TestModeConversion(t *testing.T) {
	cfg := Defaults()
	m := cfg.Modes.Turbo.Mode(domain.ModeTurbo)

	assert.Equal(t, domain.ModeTurbo, m.Name)
	assert.InDelta(t, 0.0012, m.TradeSizeETH, 1e-12)
	assert.Equal(t, 0.08, m.StopLossPct)
	assert.Equal(t, 3, m.MaxPositions)
	assert.Equal(t, 50*time.Millisecond, m.MempoolInterval)
	require.Len(t, m.TakeProfits, 4)
	assert.Equal(t, 0.25, m.TakeProfits[0].Threshold)
	assert.Equal(t, 0.25, m.TakeProfits[0].SellFraction)
	assert.Equal(t, 2.00, m.TakeProfits[3].Threshold)
	require.NoError(t, m.Validate())
}

func TestActiveMode(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, domain.ModeNormal, cfg.ActiveMode())
	cfg.Modes.Active = "TURBO"
	assert.Equal(t, domain.ModeTurbo, cfg.ActiveMode())
}

func TestLoadFromTOMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sniperbot.toml")
	body := `
log_level = "debug"

[wallet]
private_key = "0xdeadbeef"

[chain]
rpc_url = "https://example.invalid/rpc"
chain_id = 8453

[modes]
active = "turbo"

[modes.turbo]
trade_size_eth = 0.002
take_profit_pcts = [0.25, 0.50]
take_profit_sells = [0.5, 0.5]
stop_loss_pct = 0.10
trailing_stop_pct = 0.12
mempool_interval = "50ms"
exit_poll_interval = "1s"
max_positions = 4
max_slippage_bps = 800
max_gas_price_gwei = 1.5
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv("SNIPER_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("SNIPER_MAX_EXPOSURE_ETH", "0.1")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "https://example.invalid/rpc", cfg.Chain.RPCURL)
	assert.Equal(t, domain.ModeTurbo, cfg.ActiveMode())
	assert.Equal(t, 0.002, cfg.Modes.Turbo.TradeSizeETH)
	assert.Equal(t, 4, cfg.Modes.Turbo.MaxPositions)

	// Env overrides win over both file and defaults.
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, 0.1, cfg.Risk.MaxExposureETH)

	// Untouched sections keep their defaults.
	assert.Equal(t, 0.0008, cfg.Modes.Normal.TradeSizeETH)
	assert.Equal(t, 2, cfg.Modes.Normal.MaxPositions)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("log_level = [1,"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}
