package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gleipnir/internal/num"
)

const sampleYAML = `
symbol: ETH-USD
base_asset: ETH
quote_asset: USD
risk:
  min_qty: "0.01"
  max_qty: "100"
  max_notional: "50000"
  max_price_deviation: "0.10"
  max_leverage: "5"
breaker:
  max_drawdown_per_minute: "1000"
  max_daily_drawdown: "0.05"
  max_consecutive_errors: 3
  cooldown_ms: 5000
wal:
  path: /tmp/test.wal
  fsync: false
pulse:
  components:
    executor: 1000
    feed: 5000
server:
  port: 9100
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "ETH-USD", cfg.Symbol)
	assert.Equal(t, "ETH", cfg.BaseAsset)
	assert.False(t, cfg.WAL.Fsync)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 1000, cfg.Pulse.Components["executor"])

	limits, err := cfg.RiskLimits()
	require.NoError(t, err)
	assert.True(t, limits.MaxNotional.Equal(num.MustParse("50000")))
	assert.True(t, limits.MaxPriceDeviation.Equal(num.MustParse("0.10")))
	assert.True(t, limits.MinPrice.IsZero(), "unset limit stays zero (disabled)")

	bc, err := cfg.BreakerConfig()
	require.NoError(t, err)
	assert.True(t, bc.MaxDrawdownPerMinute.Equal(num.MustParse("1000")))
	assert.Equal(t, 3, bc.MaxConsecutiveErrors)
	assert.Equal(t, 5*time.Second, bc.Cooldown)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "symbol: BTC-USD\n"))
	require.NoError(t, err)

	assert.Equal(t, "data/engine.wal", cfg.WAL.Path)
	assert.True(t, cfg.WAL.Fsync)
	assert.Equal(t, 9001, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Breaker.MaxConsecutiveErrors)
}

func TestValidateBadDecimal(t *testing.T) {
	cfg, err := Load(writeConfig(t, "risk:\n  max_notional: \"not-a-number\"\n"))
	require.NoError(t, err)
	assert.Error(t, cfg.Validate())
}
