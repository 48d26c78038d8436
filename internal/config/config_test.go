package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"txguard/internal/risk"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  name: txguard-test\n"))
	require.NoError(t, err)

	assert.Equal(t, "txguard-test", cfg.App.Name)
	assert.Equal(t, risk.DefaultWeights, cfg.Risk.Weights)
	assert.Equal(t, risk.DefaultThresholds, cfg.Risk.Thresholds)
	assert.Equal(t, 4, cfg.Ledger.Difficulty)
	assert.Equal(t, 30*time.Second, cfg.Ledger.MineTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.Interval)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, []string{"telegram"}, cfg.Alerting.Channels)
}

func TestLoadFileAndEnv(t *testing.T) {
	t.Setenv("TXGUARD_LEDGER_DIFFICULTY", "2")
	path := writeConfig(t, `
ledger:
  difficulty: 5
  mine_timeout: 2s
risk:
  weights:
    velocity: 0.4
    geolocation: 0.2
    device: 0.2
    anomaly: 0.2
  thresholds:
    high: 60
    medium: 30
alerting:
  channels: telegram,log
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Ledger.Difficulty)
	assert.Equal(t, 2*time.Second, cfg.Ledger.MineTimeout)
	assert.InDelta(t, 0.4, cfg.Risk.Weights.Velocity, 1e-9)
	assert.Equal(t, risk.Thresholds{High: 60, Medium: 30}, cfg.Risk.Thresholds)
	assert.Equal(t, []string{"telegram", "log"}, cfg.Alerting.Channels)
}

func TestValidate(t *testing.T) {
	base := func(t *testing.T) *Config {
		cfg, err := Load(writeConfig(t, "{}\n"))
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		errMsg string
	}{
		{"weights sum", func(c *Config) { c.Risk.Weights.Velocity = 0.5 }, "risk.weights must sum to 1"},
		{"negative weight", func(c *Config) {
			c.Risk.Weights = risk.Weights{Velocity: -0.1, Geolocation: 0.5, Device: 0.3, Anomaly: 0.3}
		}, "risk.weights cannot be negative"},
		{"threshold order", func(c *Config) { c.Risk.Thresholds = risk.Thresholds{High: 40, Medium: 40} }, "risk.thresholds.medium"},
		{"difficulty", func(c *Config) { c.Ledger.Difficulty = 65 }, "ledger.difficulty"},
		{"telegram token", func(c *Config) { c.Alerting.Telegram.Enabled = true }, "bot_token"},
		{"append rate", func(c *Config) { c.Server.AppendRate = 0 }, "server.append_rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 500}}
	assert.Equal(t, 500, cfg.ResolveMaxPoints(0))
	assert.Equal(t, 10, cfg.ResolveMaxPoints(10))
}
