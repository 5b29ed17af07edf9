// Package config defines all configuration for the trading supervisor.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// every runtime knob overridable via the canonical environment variables
// listed in envBindings below (DRY_RUN, OWNER_ID, RISK_*, VOL_*, …).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure. A single Load + Normalize + Validate pass at process init
// produces the frozen record used everywhere.
type Config struct {
	DryRun    bool   `mapstructure:"dry_run"`
	OwnerID   string `mapstructure:"owner_id"`
	LightMode bool   `mapstructure:"light_mode"`

	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Brokerage  BrokerageConfig  `mapstructure:"brokerage"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Snapshot   SnapshotConfig   `mapstructure:"snapshot"`
	Volatility VolatilityConfig `mapstructure:"volatility"`
	Anomaly    AnomalyConfig    `mapstructure:"anomaly"`
	Profit     ProfitConfig     `mapstructure:"profit"`
	Perf       PerfConfig       `mapstructure:"perf"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Advisor    AdvisorConfig    `mapstructure:"advisor"`
	Sentiment  SentimentConfig  `mapstructure:"sentiment"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls the HTTP surface. The listener binds 0.0.0.0:Port,
// retrying Port+1..Port+4 on address-in-use.
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DatabaseConfig holds the Postgres connection for the persistence gateway.
type DatabaseConfig struct {
	URL            string        `mapstructure:"url"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	MaxOpenConns   int           `mapstructure:"max_open_conns"`
}

// BrokerageConfig holds the venue REST endpoint and the ES256 key used to
// mint per-request JWTs.
type BrokerageConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	KeyName       string        `mapstructure:"key_name"`
	PrivateKeyPEM string        `mapstructure:"private_key_pem"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// PipelineConfig tunes the approval/execution pipeline.
//
//   - MFAThresholdUSD: notional above which a 6-digit code is required.
//   - AutoExecuteMaxPerTick: cap on auto-executed intents per rule tick.
//   - MaxSlippagePct: limit orders further than this from spot are rejected.
type PipelineConfig struct {
	MFAThresholdUSD       float64       `mapstructure:"mfa_threshold_usd"`
	MFACodeTTL            time.Duration `mapstructure:"mfa_code_ttl"`
	AutoExecuteEnabled    bool          `mapstructure:"auto_execute_enabled"`
	AutoExecuteMaxPerTick int           `mapstructure:"auto_execute_max_per_tick"`
	MaxSlippagePct        float64       `mapstructure:"max_slippage_pct"`
}

// RiskConfig sets the hard limits consulted by the gate and the throttle
// controller. DailyLossLimit is negative (a loss floor, e.g. -1000 USD).
type RiskConfig struct {
	MaxTradesHour       int           `mapstructure:"max_trades_hour"`
	DailyLossLimit      float64       `mapstructure:"daily_loss_limit"`
	CollateralMinHealth float64       `mapstructure:"collateral_min_health"`
	RecoveryGrace       time.Duration `mapstructure:"recovery_grace"`
	AssumedPeakFactor   float64       `mapstructure:"assumed_peak_factor"`
}

// SnapshotConfig sets the initial snapshot cadence. The volatility task may
// shift the live interval between the fast and slow bounds at runtime.
type SnapshotConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// VolatilityConfig controls the adaptive snapshot cadence.
type VolatilityConfig struct {
	HighStdDevPct float64       `mapstructure:"high_stddev_pct"`
	LowStdDevPct  float64       `mapstructure:"low_stddev_pct"`
	FastInterval  time.Duration `mapstructure:"fast_interval"`
	SlowInterval  time.Duration `mapstructure:"slow_interval"`
}

// AnomalyConfig controls the portfolio-value anomaly detectors.
type AnomalyConfig struct {
	SingleStepPct float64 `mapstructure:"single_step_pct"`
	ZThreshold    float64 `mapstructure:"z_threshold"`
}

// ProfitConfig tunes the profit-taking scanner.
type ProfitConfig struct {
	MinGainPct float64 `mapstructure:"min_gain_pct"`
	FeePct     float64 `mapstructure:"fee_pct"`
}

// PerfConfig tunes the 5-minute performance alerting task.
type PerfConfig struct {
	AlertDropPct float64 `mapstructure:"alert_drop_pct"`
}

// TelegramConfig holds the MFA notifier credentials. Empty token disables
// the notifier (codes are still generated and valid).
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

// AdvisorConfig points at an OpenAI-compatible chat endpoint used by the
// nightly optimizer to draft rule-change summaries.
type AdvisorConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
}

// SentimentConfig points at the macro sentiment (fear & greed) endpoint.
type SentimentConfig struct {
	URL string `mapstructure:"url"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// envBindings maps config keys to their canonical environment variables.
// This is the enumerated option surface: a knob not listed here does not
// exist.
var envBindings = map[string]string{
	"dry_run":                            "DRY_RUN",
	"owner_id":                           "OWNER_ID",
	"light_mode":                         "LIGHT_MODE",
	"server.port":                        "PORT",
	"database.url":                       "DATABASE_URL",
	"brokerage.base_url":                 "BROKERAGE_BASE_URL",
	"brokerage.key_name":                 "BROKERAGE_KEY_NAME",
	"brokerage.private_key_pem":          "BROKERAGE_PRIVATE_KEY",
	"pipeline.mfa_threshold_usd":         "MFA_THRESHOLD_USD",
	"pipeline.auto_execute_enabled":      "AUTO_EXECUTE_ENABLED",
	"pipeline.auto_execute_max_per_tick": "AUTO_EXECUTE_MAX_PER_TICK",
	"pipeline.max_slippage_pct":          "MAX_SLIPPAGE_PCT",
	"risk.max_trades_hour":               "RISK_MAX_TRADES_HOUR",
	"risk.daily_loss_limit":              "RISK_DAILY_LOSS_LIMIT",
	"risk.collateral_min_health":         "RISK_COLLATERAL_MIN_HEALTH",
	"risk.recovery_grace":                "RISK_RECOVERY_GRACE",
	"snapshot.interval":                  "SNAPSHOT_INTERVAL",
	"volatility.high_stddev_pct":         "VOL_HIGH_STDDEV_PCT",
	"volatility.low_stddev_pct":          "VOL_LOW_STDDEV_PCT",
	"anomaly.single_step_pct":            "ANOMALY_SINGLE_STEP_PCT",
	"anomaly.z_threshold":                "ANOMALY_Z_THRESHOLD",
	"profit.min_gain_pct":                "PROFIT_MIN_GAIN_PCT",
	"telegram.bot_token":                 "TELEGRAM_BOT_TOKEN",
	"telegram.chat_id":                   "TELEGRAM_CHAT_ID",
	"advisor.api_key":                    "ADVISOR_API_KEY",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("dry_run", true)
	v.SetDefault("light_mode", false)
	v.SetDefault("server.port", 8787)
	v.SetDefault("database.connect_timeout", 6*time.Second)
	v.SetDefault("database.max_open_conns", 8)
	v.SetDefault("brokerage.timeout", 10*time.Second)
	v.SetDefault("pipeline.mfa_threshold_usd", 100)
	v.SetDefault("pipeline.mfa_code_ttl", 5*time.Minute)
	v.SetDefault("pipeline.auto_execute_enabled", false)
	v.SetDefault("pipeline.auto_execute_max_per_tick", 1)
	v.SetDefault("pipeline.max_slippage_pct", 0.02)
	v.SetDefault("risk.max_trades_hour", 4)
	v.SetDefault("risk.daily_loss_limit", -1000)
	v.SetDefault("risk.collateral_min_health", 1.2)
	v.SetDefault("risk.recovery_grace", 30*time.Minute)
	v.SetDefault("risk.assumed_peak_factor", 1.2)
	v.SetDefault("snapshot.interval", 60*time.Minute)
	v.SetDefault("volatility.high_stddev_pct", 3)
	v.SetDefault("volatility.low_stddev_pct", 1)
	v.SetDefault("volatility.fast_interval", 15*time.Minute)
	v.SetDefault("volatility.slow_interval", 60*time.Minute)
	v.SetDefault("anomaly.single_step_pct", 2)
	v.SetDefault("anomaly.z_threshold", 3)
	v.SetDefault("profit.min_gain_pct", 25)
	v.SetDefault("profit.fee_pct", 0.6)
	v.SetDefault("perf.alert_drop_pct", 5)
	v.SetDefault("sentiment.url", "https://api.alternative.me/fng/")
	v.SetDefault("advisor.model", "gpt-4o-mini")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Load reads config from a YAML file with env var overrides. A missing file
// is not an error — every key has a default and an env binding, so the
// supervisor can run from environment alone.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Normalize applies safety coercions and returns human-readable warnings.
// Disabling dry-run without a configured owner would drop the approval
// safety net, so that combination is coerced back to dry-run rather than
// treated as fatal.
func (c *Config) Normalize() []string {
	var warnings []string
	if !c.DryRun && c.OwnerID == "" {
		c.DryRun = true
		warnings = append(warnings, "DRY_RUN=false requires OWNER_ID; forcing dry-run mode")
	}
	if c.Pipeline.AutoExecuteMaxPerTick < 0 {
		c.Pipeline.AutoExecuteMaxPerTick = 0
		warnings = append(warnings, "auto_execute_max_per_tick < 0; clamped to 0")
	}
	return warnings
}

// Validate checks value ranges that cannot be coerced.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port)
	}
	if c.Pipeline.MFAThresholdUSD < 0 {
		return fmt.Errorf("pipeline.mfa_threshold_usd must be >= 0")
	}
	if c.Pipeline.MaxSlippagePct <= 0 {
		return fmt.Errorf("pipeline.max_slippage_pct must be > 0")
	}
	if c.Risk.MaxTradesHour <= 0 {
		return fmt.Errorf("risk.max_trades_hour must be > 0")
	}
	if c.Risk.DailyLossLimit >= 0 {
		return fmt.Errorf("risk.daily_loss_limit must be negative (a loss floor)")
	}
	if c.Risk.AssumedPeakFactor < 1 {
		return fmt.Errorf("risk.assumed_peak_factor must be >= 1")
	}
	if c.Snapshot.Interval < time.Minute {
		return fmt.Errorf("snapshot.interval must be >= 1m")
	}
	if c.Volatility.FastInterval > c.Volatility.SlowInterval {
		return fmt.Errorf("volatility.fast_interval must be <= slow_interval")
	}
	if c.Volatility.LowStdDevPct > c.Volatility.HighStdDevPct {
		return fmt.Errorf("volatility.low_stddev_pct must be <= high_stddev_pct")
	}
	return nil
}
