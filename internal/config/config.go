// Package config defines all configuration for the engine. Config is loaded
// from a YAML file (default: configs/engine.yaml) with GLEIPNIR_* environment
// variable overrides. Decimal-valued limits are carried as strings in the
// file and parsed once at load so no precision is lost on the way in.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"gleipnir/internal/risk"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure.
type Config struct {
	Symbol     string            `mapstructure:"symbol"`
	BaseAsset  string            `mapstructure:"base_asset"`
	QuoteAsset string            `mapstructure:"quote_asset"`
	Deposits   map[string]string `mapstructure:"deposits"`
	Risk       RiskConfig        `mapstructure:"risk"`
	Breaker    BreakerConfig     `mapstructure:"breaker"`
	WAL        WALConfig         `mapstructure:"wal"`
	Pulse      PulseConfig       `mapstructure:"pulse"`
	Feed       FeedConfig        `mapstructure:"feed"`
	Server     ServerConfig      `mapstructure:"server"`
	Logging    LoggingConfig     `mapstructure:"logging"`
}

// RiskConfig carries the pre-trade gate limits. Values are decimal strings;
// empty or "0" disables the corresponding check.
type RiskConfig struct {
	MinPrice          string `mapstructure:"min_price"`
	MaxPrice          string `mapstructure:"max_price"`
	MinQty            string `mapstructure:"min_qty"`
	MaxQty            string `mapstructure:"max_qty"`
	MinNotional       string `mapstructure:"min_notional"`
	MaxNotional       string `mapstructure:"max_notional"`
	MaxPriceDeviation string `mapstructure:"max_price_deviation"`
	MaxLeverage       string `mapstructure:"max_leverage"`
}

// BreakerConfig carries the circuit-breaker thresholds.
//
//   - MaxDrawdownPerMinute: absolute loss cap over the rolling 60s window.
//   - MaxDailyDrawdown: fraction of session start balance.
//   - MaxConsecutiveErrors: error streak that trips the breaker.
//   - CooldownMs: dwell before the breaker probes half-open.
type BreakerConfig struct {
	MaxDrawdownPerMinute string `mapstructure:"max_drawdown_per_minute"`
	MaxDailyDrawdown     string `mapstructure:"max_daily_drawdown"`
	MaxConsecutiveErrors int    `mapstructure:"max_consecutive_errors"`
	CooldownMs           int    `mapstructure:"cooldown_ms"`
}

// WALConfig locates the write-ahead log and sets its durability policy.
type WALConfig struct {
	Path           string `mapstructure:"path"`
	Fsync          bool   `mapstructure:"fsync"`
	CompressSealed bool   `mapstructure:"compress_sealed"`
	SnapshotPath   string `mapstructure:"snapshot_path"`
}

// PulseConfig maps component names to their maximum silence budgets.
type PulseConfig struct {
	Components map[string]int `mapstructure:"components"` // name -> max_silence_ms
}

// FeedConfig points the reference-price feed at its websocket source.
type FeedConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	URL          string        `mapstructure:"url"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	QueueSize    int           `mapstructure:"queue_size"`
}

// ServerConfig binds the TCP command front end.
type ServerConfig struct {
	Address string `mapstructure:"address"`
	Port    int    `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides
// (GLEIPNIR_RISK_MAX_NOTIONAL and friends).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("GLEIPNIR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("symbol", "BTC-USD")
	v.SetDefault("base_asset", "BTC")
	v.SetDefault("quote_asset", "USD")
	v.SetDefault("wal.path", "data/engine.wal")
	v.SetDefault("wal.snapshot_path", "data/book.snap")
	v.SetDefault("wal.fsync", true)
	v.SetDefault("breaker.max_consecutive_errors", 5)
	v.SetDefault("breaker.cooldown_ms", 30_000)
	v.SetDefault("feed.dial_timeout", 10*time.Second)
	v.SetDefault("feed.read_timeout", 30*time.Second)
	v.SetDefault("feed.queue_size", 256)
	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.port", 9001)
	v.SetDefault("logging.level", "info")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks required fields and value sanity.
func (c *Config) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if c.BaseAsset == "" || c.QuoteAsset == "" {
		return fmt.Errorf("base_asset and quote_asset are required")
	}
	if c.WAL.Path == "" {
		return fmt.Errorf("wal.path is required")
	}
	if c.Breaker.MaxConsecutiveErrors < 0 {
		return fmt.Errorf("breaker.max_consecutive_errors must be >= 0")
	}
	if _, err := c.RiskLimits(); err != nil {
		return err
	}
	if _, err := c.BreakerConfig(); err != nil {
		return err
	}
	return nil
}

func parseDec(field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: bad decimal %q", field, s)
	}
	return d, nil
}

// RiskLimits materializes the gate limits from their string form.
func (c *Config) RiskLimits() (risk.Limits, error) {
	var (
		limits risk.Limits
		err    error
	)
	if limits.MinPrice, err = parseDec("risk.min_price", c.Risk.MinPrice); err != nil {
		return limits, err
	}
	if limits.MaxPrice, err = parseDec("risk.max_price", c.Risk.MaxPrice); err != nil {
		return limits, err
	}
	if limits.MinQty, err = parseDec("risk.min_qty", c.Risk.MinQty); err != nil {
		return limits, err
	}
	if limits.MaxQty, err = parseDec("risk.max_qty", c.Risk.MaxQty); err != nil {
		return limits, err
	}
	if limits.MinNotional, err = parseDec("risk.min_notional", c.Risk.MinNotional); err != nil {
		return limits, err
	}
	if limits.MaxNotional, err = parseDec("risk.max_notional", c.Risk.MaxNotional); err != nil {
		return limits, err
	}
	if limits.MaxPriceDeviation, err = parseDec("risk.max_price_deviation", c.Risk.MaxPriceDeviation); err != nil {
		return limits, err
	}
	if limits.MaxLeverage, err = parseDec("risk.max_leverage", c.Risk.MaxLeverage); err != nil {
		return limits, err
	}
	return limits, nil
}

// BreakerConfig materializes the breaker thresholds from their string form.
func (c *Config) BreakerConfig() (risk.BreakerConfig, error) {
	var (
		cfg risk.BreakerConfig
		err error
	)
	if cfg.MaxDrawdownPerMinute, err = parseDec("breaker.max_drawdown_per_minute", c.Breaker.MaxDrawdownPerMinute); err != nil {
		return cfg, err
	}
	if cfg.MaxDailyDrawdown, err = parseDec("breaker.max_daily_drawdown", c.Breaker.MaxDailyDrawdown); err != nil {
		return cfg, err
	}
	cfg.MaxConsecutiveErrors = c.Breaker.MaxConsecutiveErrors
	cfg.Cooldown = time.Duration(c.Breaker.CooldownMs) * time.Millisecond
	return cfg, nil
}

// ParsedDeposits materializes the initial balances the engine is funded with
// at bootstrap.
func (c *Config) ParsedDeposits() (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(c.Deposits))
	for asset, amount := range c.Deposits {
		d, err := parseDec("deposits."+asset, amount)
		if err != nil {
			return nil, err
		}
		out[asset] = d
	}
	return out, nil
}
