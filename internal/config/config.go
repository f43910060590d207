package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"risk-sentinel/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App     AppConfig      `mapstructure:"app"`
	Logging logging.Config `mapstructure:"logging"`
	Store   StoreConfig    `mapstructure:"store"`
	Pacing  PacingConfig   `mapstructure:"pacing"`
	Ingest  IngestConfig   `mapstructure:"ingest"`
	Alert   AlertConfig    `mapstructure:"alert"`
	Server  ServerConfig   `mapstructure:"server"`
	Feed    FeedConfig     `mapstructure:"feed"`
	Sim     SimConfig      `mapstructure:"sim"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// StoreConfig selects and tunes the durable event store.
type StoreConfig struct {
	Driver              string        `mapstructure:"driver"`
	Path                string        `mapstructure:"path"`
	DSN                 string        `mapstructure:"dsn"`
	BusyTimeout         time.Duration `mapstructure:"busy_timeout"`
	AutocheckpointPages int           `mapstructure:"autocheckpoint_pages"`
	OwnershipLockKey    int64         `mapstructure:"ownership_lock_key"`
	MaxOpenConns        int           `mapstructure:"max_open_conns"`
	MaxIdleConns        int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime     time.Duration `mapstructure:"conn_max_lifetime"`
}

// PacingConfig carries the provider quota numbers. These are copied from the
// upstream broker's published limits, so they live in configuration rather
// than code.
type PacingConfig struct {
	WebCapacity      int           `mapstructure:"web_capacity"`
	WebRefillPerSec  float64       `mapstructure:"web_refill_per_sec"`
	HistCapacity     int           `mapstructure:"historical_capacity"`
	HistRefillPerSec float64       `mapstructure:"historical_refill_per_sec"`
	DedupeWindow     time.Duration `mapstructure:"dedupe_window"`
	BurstWindow      time.Duration `mapstructure:"burst_window"`
	BurstMax         int           `mapstructure:"burst_max"`
	MaxRetries       int           `mapstructure:"max_retries"`
	BackoffBase      time.Duration `mapstructure:"backoff_base"`
	BackoffCap       time.Duration `mapstructure:"backoff_cap"`
}

// IngestConfig governs the snapshot capture loop.
type IngestConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	Provider        string        `mapstructure:"provider"`
	CheckpointEvery int           `mapstructure:"checkpoint_every"`
	MaxTicks        int           `mapstructure:"max_ticks"`
}

// AlertConfig governs the rule-scan loop and quieting windows.
type AlertConfig struct {
	Interval time.Duration  `mapstructure:"interval"`
	Debounce time.Duration  `mapstructure:"debounce"`
	MaxTicks int            `mapstructure:"max_ticks"`
	Rules    RulesConfig    `mapstructure:"rules"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig routes emitted breaches to a Telegram chat.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// RulesConfig holds thresholds for the built-in rule evaluator. Real
// deployments may inject their own evaluator and ignore these.
type RulesConfig struct {
	MaxVaR           float64 `mapstructure:"max_var"`
	MaxGrossExposure float64 `mapstructure:"max_gross_exposure"`
	ThetaBudget      float64 `mapstructure:"theta_budget"`
	MaxDrawdownPct   float64 `mapstructure:"max_drawdown_pct"`
}

// ServerConfig tunes the dashboard HTTP/SSE server.
type ServerConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	Heartbeat     time.Duration `mapstructure:"heartbeat"`
	BatchLimit    int           `mapstructure:"batch_limit"`
	ReadyMaxAge   time.Duration `mapstructure:"ready_max_age"`
	StaleQuoteAge time.Duration `mapstructure:"stale_quote_age"`
	ChartPoints   int           `mapstructure:"chart_points"`
}

// FeedConfig covers the HTTP snapshot feed provider.
type FeedConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Mode      string        `mapstructure:"mode"`
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
}

// SimConfig seeds the synthetic portfolio provider.
type SimConfig struct {
	Seed  int64 `mapstructure:"seed"`
	Legs  int   `mapstructure:"legs"`
	Stock int   `mapstructure:"stock"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RISKWATCHER")
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
	v.SetDefault("app.name", "riskwatcher")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "riskwatcher.db")
	v.SetDefault("store.busy_timeout", "5s")
	v.SetDefault("store.autocheckpoint_pages", 1000)
	v.SetDefault("store.ownership_lock_key", int64(0x5253454e)) // "RSEN"
	v.SetDefault("store.max_open_conns", 4)
	v.SetDefault("store.max_idle_conns", 2)
	v.SetDefault("store.conn_max_lifetime", "30m")

	// Broker defaults: 60 historical requests per 10 minutes, at most 5
	// identical small-bar requests per 2 seconds, 15s identical-request dedupe.
	v.SetDefault("pacing.web_capacity", 30)
	v.SetDefault("pacing.web_refill_per_sec", 2.0)
	v.SetDefault("pacing.historical_capacity", 60)
	v.SetDefault("pacing.historical_refill_per_sec", 0.1)
	v.SetDefault("pacing.dedupe_window", "15s")
	v.SetDefault("pacing.burst_window", "2s")
	v.SetDefault("pacing.burst_max", 5)
	v.SetDefault("pacing.max_retries", 3)
	v.SetDefault("pacing.backoff_base", "1s")
	v.SetDefault("pacing.backoff_cap", "30s")

	v.SetDefault("ingest.interval", "15s")
	v.SetDefault("ingest.startup_delay", "0s")
	v.SetDefault("ingest.provider", "sim")
	v.SetDefault("ingest.checkpoint_every", 40)
	v.SetDefault("ingest.max_ticks", 0)

	v.SetDefault("alert.interval", "30s")
	v.SetDefault("alert.debounce", "5m")
	v.SetDefault("alert.max_ticks", 0)
	v.SetDefault("alert.rules.max_var", 0)
	v.SetDefault("alert.rules.max_gross_exposure", 0)
	v.SetDefault("alert.rules.theta_budget", 0)
	v.SetDefault("alert.rules.max_drawdown_pct", 0)
	v.SetDefault("alert.telegram.enabled", false)
	v.SetDefault("alert.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8321)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "0s") // streaming responses must not time out
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.poll_interval", "1s")
	v.SetDefault("server.heartbeat", "10s")
	v.SetDefault("server.batch_limit", 256)
	v.SetDefault("server.ready_max_age", "2m")
	v.SetDefault("server.stale_quote_age", "90s")
	v.SetDefault("server.chart_points", 240)

	v.SetDefault("feed.base_url", "http://127.0.0.1:9400")
	v.SetDefault("feed.mode", "live")
	v.SetDefault("feed.timeout", "10s")
	v.SetDefault("feed.user_agent", "riskwatcher/1.0")

	v.SetDefault("sim.seed", int64(0))
	v.SetDefault("sim.legs", 8)
	v.SetDefault("sim.stock", 3)
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
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("store.driver must be sqlite or postgres, got %q", c.Store.Driver)
	}

	if c.Ingest.Interval <= 0 {
		return fmt.Errorf("ingest.interval must be greater than zero")
	}
	if c.Alert.Interval <= 0 {
		return fmt.Errorf("alert.interval must be greater than zero")
	}
	if c.Alert.Telegram.Enabled && (c.Alert.Telegram.BotToken == "" || c.Alert.Telegram.ChatID == "") {
		return fmt.Errorf("alert.telegram.bot_token and alert.telegram.chat_id are required when telegram is enabled")
	}
	if c.Ingest.Provider != "sim" && c.Ingest.Provider != "feed" {
		return fmt.Errorf("ingest.provider must be sim or feed, got %q", c.Ingest.Provider)
	}

	if c.Pacing.WebCapacity <= 0 || c.Pacing.WebRefillPerSec <= 0 {
		return fmt.Errorf("pacing.web_capacity and pacing.web_refill_per_sec must be positive")
	}
	if c.Pacing.HistCapacity <= 0 || c.Pacing.HistRefillPerSec <= 0 {
		return fmt.Errorf("pacing.historical_capacity and pacing.historical_refill_per_sec must be positive")
	}
	if c.Pacing.BurstMax <= 0 || c.Pacing.BurstWindow <= 0 {
		return fmt.Errorf("pacing burst settings must be positive")
	}
	if c.Pacing.MaxRetries < 0 {
		return fmt.Errorf("pacing.max_retries cannot be negative")
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			return fmt.Errorf("server.port out of range: %d", c.Server.Port)
		}
		if c.Server.ReadyMaxAge <= 0 {
			return fmt.Errorf("server.ready_max_age must be greater than zero")
		}
		if c.Server.BatchLimit <= 0 {
			return fmt.Errorf("server.batch_limit must be greater than zero")
		}
	}

	return nil
}
