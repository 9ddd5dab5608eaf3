package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Broker     Broker     `mapstructure:"broker"`
	Trading    Trading    `mapstructure:"trading"`
	ProfitLock ProfitLock `mapstructure:"profit_lock"`
	Notify     Notify     `mapstructure:"notify"`
	Replay     Replay     `mapstructure:"replay"`
	Logger     Logger     `mapstructure:"logger"`
	Server     Server     `mapstructure:"server"`
	Database   Database   `mapstructure:"database"`
}

// Broker holds the configuration for the brokerage REST API.
type Broker struct {
	BaseURL        string  `mapstructure:"base_url"`
	ApiKey         string  `mapstructure:"api_key"`
	AccessToken    string  `mapstructure:"access_token"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	QuoteBatchSize int     `mapstructure:"quote_batch_size"`
	QuoteDelayMS   int     `mapstructure:"quote_delay_ms"`
}

// Timeout returns the per-request timeout.
func (b Broker) Timeout() time.Duration {
	return time.Duration(b.TimeoutSeconds) * time.Second
}

// QuoteDelay returns the pause between two batched quote requests.
func (b Broker) QuoteDelay() time.Duration {
	return time.Duration(b.QuoteDelayMS) * time.Millisecond
}

// Server holds the configuration for the HTTP API.
type Server struct {
	Port int `mapstructure:"port"`
}

// Database holds the configuration for the database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Stop-sync escalation policies.
const (
	StopSyncLog   = "log"
	StopSyncAlert = "alert"
)

// Trading holds the configuration for the risk engine.
type Trading struct {
	PollIntervalMS         int     `mapstructure:"poll_interval_ms"`
	Timezone               string  `mapstructure:"timezone"`
	UniversalExitTime      string  `mapstructure:"universal_exit_time"`
	ExitWindowMinutes      int     `mapstructure:"exit_window_minutes"`
	DuplicateWindowSeconds int     `mapstructure:"duplicate_window_seconds"`
	MaxDailyLoss           float64 `mapstructure:"max_daily_loss"`
	StopSyncPolicy         string  `mapstructure:"stop_sync_policy"`
}

// PollInterval returns the cadence of the polling loop.
func (t Trading) PollInterval() time.Duration {
	return time.Duration(t.PollIntervalMS) * time.Millisecond
}

// ExitWindow returns how long after the cutoff the universal exit may still fire.
func (t Trading) ExitWindow() time.Duration {
	return time.Duration(t.ExitWindowMinutes) * time.Minute
}

// DuplicateWindow returns the window used for duplicate trade suppression.
func (t Trading) DuplicateWindow() time.Duration {
	return time.Duration(t.DuplicateWindowSeconds) * time.Second
}

// Location resolves the configured trading timezone.
func (t Trading) Location() (*time.Location, error) {
	if t.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid trading timezone %q: %w", t.Timezone, err)
	}
	return loc, nil
}

// ExitClock parses universal_exit_time ("HH:MM") into hour and minute.
func (t Trading) ExitClock() (int, int, error) {
	at, err := time.Parse("15:04", strings.TrimSpace(t.UniversalExitTime))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid universal_exit_time %q: %w", t.UniversalExitTime, err)
	}
	return at.Hour(), at.Minute(), nil
}

// ProfitLock holds the portfolio profit-lock thresholds.
type ProfitLock struct {
	Enabled    bool    `mapstructure:"enabled"`
	Activation float64 `mapstructure:"activation"`
	MinFloor   float64 `mapstructure:"min_floor"`
	Step       float64 `mapstructure:"step"`
}

// Notify holds the configuration for the notification queue.
type Notify struct {
	Buffer int `mapstructure:"buffer"`
}

// Replay holds the configuration for historical replays.
type Replay struct {
	Interval string `mapstructure:"interval"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Validate checks values that would otherwise fail deep inside the engine.
func (c *Config) Validate() error {
	if _, err := c.Trading.Location(); err != nil {
		return err
	}
	if _, _, err := c.Trading.ExitClock(); err != nil {
		return err
	}
	if c.ProfitLock.Enabled && c.ProfitLock.Step <= 0 {
		return fmt.Errorf("profit_lock.step must be positive when profit lock is enabled")
	}
	switch c.Trading.StopSyncPolicy {
	case StopSyncLog, StopSyncAlert:
	default:
		return fmt.Errorf("unknown trading.stop_sync_policy %q", c.Trading.StopSyncPolicy)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("broker.rate_limit", 3) // requests per second
	v.SetDefault("broker.rate_limit_burst", 1)
	v.SetDefault("broker.timeout_seconds", 10)
	v.SetDefault("broker.quote_batch_size", 200)
	v.SetDefault("broker.quote_delay_ms", 350)

	v.SetDefault("trading.poll_interval_ms", 1000)
	v.SetDefault("trading.timezone", "Asia/Kolkata")
	v.SetDefault("trading.universal_exit_time", "15:15")
	v.SetDefault("trading.exit_window_minutes", 2)
	v.SetDefault("trading.duplicate_window_seconds", 10)
	v.SetDefault("trading.stop_sync_policy", StopSyncLog)

	v.SetDefault("profit_lock.step", 1000)
	v.SetDefault("notify.buffer", 256)
	v.SetDefault("replay.interval", "minute")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("server.port", 8080)
	v.SetDefault("database.dsn", "tradeguard.db")
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (Config, error) {
	cfg, _, err := load(path)
	return cfg, err
}

// LoadAndWatch behaves like LoadConfig and additionally calls onChange with the
// re-read configuration whenever the file changes on disk. An edit that cannot
// be decoded or fails validation is reported to onError and otherwise ignored.
func LoadAndWatch(path string, onChange func(Config), onError func(error)) (Config, error) {
	cfg, v, err := load(path)
	if err != nil {
		return cfg, err
	}
	if v.ConfigFileUsed() == "" {
		return cfg, nil
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		reload(v, onChange, onError)
	})
	v.WatchConfig()
	return cfg, nil
}

func reload(v *viper.Viper, onChange func(Config), onError func(error)) {
	var next Config
	err := v.Unmarshal(&next)
	if err != nil {
		err = fmt.Errorf("decode changed config: %w", err)
	} else if err = next.Validate(); err != nil {
		err = fmt.Errorf("changed config rejected: %w", err)
	}
	if err != nil {
		if onError != nil {
			onError(err)
		}
		return
	}
	if onChange != nil {
		onChange(next)
	}
}

func load(path string) (Config, *viper.Viper, error) {
	var cfg Config
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yml")

	// Allow environment variables to override config file
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return cfg, nil, fmt.Errorf("read config: %w", err)
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, nil, err
	}
	return cfg, v, nil
}
