package config

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"txguard/internal/logging"
	"txguard/internal/risk"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// AppendRate is the sustained number of ledger appends per second
	// accepted over HTTP; AppendBurst the bucket size.
	AppendRate  float64 `mapstructure:"append_rate"`
	AppendBurst int     `mapstructure:"append_burst"`
}

// RiskConfig tunes the composite scorer.
type RiskConfig struct {
	Weights         risk.Weights    `mapstructure:"weights"`
	Thresholds      risk.Thresholds `mapstructure:"thresholds"`
	BatchWorkers    int             `mapstructure:"batch_workers"`
	RecentWindow    time.Duration   `mapstructure:"recent_window"`
	HistoryLimit    int             `mapstructure:"history_limit"`
	RecordToLedger  bool            `mapstructure:"record_to_ledger"`
	AlertOnHighRisk bool            `mapstructure:"alert_on_high_risk"`
}

// LedgerConfig governs block sealing.
type LedgerConfig struct {
	Difficulty  int           `mapstructure:"difficulty"`
	MaxAttempts uint64        `mapstructure:"max_attempts"`
	MineTimeout time.Duration `mapstructure:"mine_timeout"`
	Persist     bool          `mapstructure:"persist"`
}

// SchedulerConfig governs the ledger verification cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Channels []string       `mapstructure:"channels"`
	Timeout  time.Duration  `mapstructure:"timeout"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Breaker  BreakerConfig  `mapstructure:"breaker"`
}

// TelegramConfig holds Telegram bot parameters.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// BreakerConfig shapes the circuit breaker around alert delivery.
type BreakerConfig struct {
	MaxRequests         uint32        `mapstructure:"max_requests"`
	Interval            time.Duration `mapstructure:"interval"`
	Timeout             time.Duration `mapstructure:"timeout"`
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// TracingConfig points span export at an OTLP/gRPC collector. An empty
// endpoint disables tracing.
type TracingConfig struct {
	Endpoint string `mapstructure:"endpoint"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	// A local .env file is optional.
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("TXGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "txguard")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.append_rate", 5.0)
	v.SetDefault("server.append_burst", 10)

	v.SetDefault("risk.weights.velocity", risk.DefaultWeights.Velocity)
	v.SetDefault("risk.weights.geolocation", risk.DefaultWeights.Geolocation)
	v.SetDefault("risk.weights.device", risk.DefaultWeights.Device)
	v.SetDefault("risk.weights.anomaly", risk.DefaultWeights.Anomaly)
	v.SetDefault("risk.thresholds.high", risk.DefaultThresholds.High)
	v.SetDefault("risk.thresholds.medium", risk.DefaultThresholds.Medium)
	v.SetDefault("risk.batch_workers", 4)
	v.SetDefault("risk.recent_window", "24h")
	v.SetDefault("risk.history_limit", 100)
	v.SetDefault("risk.record_to_ledger", true)
	v.SetDefault("risk.alert_on_high_risk", true)

	v.SetDefault("ledger.difficulty", 4)
	v.SetDefault("ledger.max_attempts", uint64(50_000_000))
	v.SetDefault("ledger.mine_timeout", "30s")
	v.SetDefault("ledger.persist", true)

	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x74786764))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.timeout", "10s")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.breaker.max_requests", 1)
	v.SetDefault("alerting.breaker.interval", "1m")
	v.SetDefault("alerting.breaker.timeout", "2m")
	v.SetDefault("alerting.breaker.consecutive_failures", 3)

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("tracing.endpoint", "")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if sum := c.Risk.Weights.Sum(); math.Abs(sum-1) > 0.001 {
		return fmt.Errorf("risk.weights must sum to 1, got %.3f", sum)
	}
	w := c.Risk.Weights
	if w.Velocity < 0 || w.Geolocation < 0 || w.Device < 0 || w.Anomaly < 0 {
		return fmt.Errorf("risk.weights cannot be negative")
	}
	if c.Risk.Thresholds.Medium < 0 || c.Risk.Thresholds.High > 100 {
		return fmt.Errorf("risk.thresholds must lie within 0..100")
	}
	if c.Risk.Thresholds.Medium >= c.Risk.Thresholds.High {
		return fmt.Errorf("risk.thresholds.medium must be below risk.thresholds.high")
	}
	if c.Risk.BatchWorkers <= 0 {
		return fmt.Errorf("risk.batch_workers must be greater than zero")
	}
	if c.Risk.RecentWindow <= 0 {
		return fmt.Errorf("risk.recent_window must be greater than zero")
	}
	if c.Risk.HistoryLimit <= 0 {
		return fmt.Errorf("risk.history_limit must be greater than zero")
	}
	if c.Ledger.Difficulty < 0 || c.Ledger.Difficulty > 64 {
		return fmt.Errorf("ledger.difficulty must be between 0 and 64")
	}
	if c.Ledger.MineTimeout < 0 {
		return fmt.Errorf("ledger.mine_timeout cannot be negative")
	}
	if c.Server.AppendRate <= 0 || c.Server.AppendBurst <= 0 {
		return fmt.Errorf("server.append_rate and server.append_burst must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
