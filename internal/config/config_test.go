package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("testdata/does-not-exist.yaml")
	require.NoError(t, err, "a missing config file must not be fatal")

	assert.True(t, cfg.DryRun, "dry-run must default on")
	assert.Equal(t, 8787, cfg.Server.Port)
	assert.Equal(t, 100.0, cfg.Pipeline.MFAThresholdUSD)
	assert.Equal(t, 5*time.Minute, cfg.Pipeline.MFACodeTTL)
	assert.False(t, cfg.Pipeline.AutoExecuteEnabled)
	assert.Equal(t, 1, cfg.Pipeline.AutoExecuteMaxPerTick)
	assert.Equal(t, 4, cfg.Risk.MaxTradesHour)
	assert.Equal(t, -1000.0, cfg.Risk.DailyLossLimit)
	assert.Equal(t, 30*time.Minute, cfg.Risk.RecoveryGrace)
	assert.Equal(t, time.Hour, cfg.Snapshot.Interval)
	assert.Equal(t, 15*time.Minute, cfg.Volatility.FastInterval)
	assert.Equal(t, 25.0, cfg.Profit.MinGainPct)
	assert.Equal(t, "info", cfg.Logging.Level)

	require.NoError(t, cfg.Validate(), "defaults must validate")
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DRY_RUN", "false")
	t.Setenv("OWNER_ID", "owner-1")
	t.Setenv("PORT", "9000")
	t.Setenv("RISK_MAX_TRADES_HOUR", "2")
	t.Setenv("MFA_THRESHOLD_USD", "250")

	cfg, err := Load("testdata/does-not-exist.yaml")
	require.NoError(t, err)

	assert.False(t, cfg.DryRun)
	assert.Equal(t, "owner-1", cfg.OwnerID)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Risk.MaxTradesHour)
	assert.Equal(t, 250.0, cfg.Pipeline.MFAThresholdUSD)
}

func TestNormalizeForcesDryRunWithoutOwner(t *testing.T) {
	t.Setenv("DRY_RUN", "false")

	cfg, err := Load("testdata/does-not-exist.yaml")
	require.NoError(t, err)
	require.False(t, cfg.DryRun)
	require.Empty(t, cfg.OwnerID)

	warnings := cfg.Normalize()
	assert.True(t, cfg.DryRun, "dry-run must be forced back on without an owner")
	assert.Len(t, warnings, 1)
}

func TestNormalizeClampsAutoExecuteCap(t *testing.T) {
	cfg := &Config{Pipeline: PipelineConfig{AutoExecuteMaxPerTick: -3}}
	warnings := cfg.Normalize()
	// The owner coercion also fires on a zero-value config.
	assert.Equal(t, 0, cfg.Pipeline.AutoExecuteMaxPerTick)
	assert.Len(t, warnings, 2)
}

func TestValidateRejectsBadRanges(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("testdata/does-not-exist.yaml")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port out of range", func(c *Config) { c.Server.Port = 0 }},
		{"negative mfa threshold", func(c *Config) { c.Pipeline.MFAThresholdUSD = -1 }},
		{"zero slippage", func(c *Config) { c.Pipeline.MaxSlippagePct = 0 }},
		{"zero trade velocity", func(c *Config) { c.Risk.MaxTradesHour = 0 }},
		{"positive loss limit", func(c *Config) { c.Risk.DailyLossLimit = 100 }},
		{"peak factor below one", func(c *Config) { c.Risk.AssumedPeakFactor = 0.5 }},
		{"sub-minute snapshot interval", func(c *Config) { c.Snapshot.Interval = time.Second }},
		{"inverted volatility intervals", func(c *Config) { c.Volatility.FastInterval = 2 * c.Volatility.SlowInterval }},
	}

	for _, tt := range tests {
		cfg := base()
		tt.mutate(cfg)
		assert.Error(t, cfg.Validate(), tt.name)
	}
}
