// Package config loads the ci-insights process configuration from an
// optional YAML file, CI_INSIGHTS_* environment variables and bound flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/ci-insights/pkg/client"
	"github.com/Sternrassler/ci-insights/pkg/logging"
	"github.com/Sternrassler/ci-insights/pkg/ratelimit"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, with '.' in keys
// replaced by '_' (api.token -> CI_INSIGHTS_API_TOKEN).
const EnvPrefix = "CI_INSIGHTS"

// ScheduleParser accepts standard 5-field cron expressions and descriptors
// like @hourly.
var ScheduleParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Config is the full process configuration.
type Config struct {
	API       APIConfig       `mapstructure:"api"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Log       LogConfig       `mapstructure:"log"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type APIConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	Token     string `mapstructure:"token"`
	UserAgent string `mapstructure:"user_agent"`
}

type RedisConfig struct {
	Addr string `mapstructure:"addr"`
	DB   int    `mapstructure:"db"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

type RateLimitConfig struct {
	Reserve        int     `mapstructure:"reserve"`
	Critical       int     `mapstructure:"critical"`
	Warning        int     `mapstructure:"warning"`
	PagesPerSecond float64 `mapstructure:"pages_per_second"`
}

// WorkerConfig controls the ingestion workers and the sweeper.
type WorkerConfig struct {
	Concurrency  int           `mapstructure:"concurrency"`
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// DataRetryDelay is how long to wait before fetching a run whose usage
	// data is still incomplete.
	DataRetryDelay time.Duration `mapstructure:"data_retry_delay"`

	// MaxDataWaitAttempts bounds those waits; after that the run is stored
	// with whatever data is available.
	MaxDataWaitAttempts int `mapstructure:"max_data_wait_attempts"`

	JobTimeout    time.Duration `mapstructure:"job_timeout"`
	SweepSchedule string        `mapstructure:"sweep_schedule"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// New returns a viper instance with defaults and environment binding set up.
// Callers may bind flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()

	th := ratelimit.DefaultThresholds()
	v.SetDefault("api.base_url", client.DefaultBaseURL)
	v.SetDefault("api.token", "")
	v.SetDefault("api.user_agent", "ci-insights/0.1.0")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("log.level", string(logging.LevelInfo))
	v.SetDefault("log.pretty", false)
	v.SetDefault("rate_limit.reserve", th.Reserve)
	v.SetDefault("rate_limit.critical", th.Critical)
	v.SetDefault("rate_limit.warning", th.Warning)
	v.SetDefault("rate_limit.pages_per_second", 5.0)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.poll_interval", time.Second)
	v.SetDefault("worker.data_retry_delay", 2*time.Minute)
	v.SetDefault("worker.max_data_wait_attempts", 5)
	v.SetDefault("worker.job_timeout", 5*time.Minute)
	v.SetDefault("worker.sweep_schedule", "*/15 * * * *")
	v.SetDefault("metrics.addr", ":9090")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (when set) into v and decodes the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.API.Token == "" {
		errs = append(errs, errors.New("api.token is required"))
	}
	if c.API.UserAgent == "" {
		errs = append(errs, errors.New("api.user_agent is required"))
	}
	if c.RateLimit.Critical < 1 {
		errs = append(errs, fmt.Errorf("rate_limit.critical must be >= 1 (got %d)", c.RateLimit.Critical))
	}
	if c.RateLimit.PagesPerSecond < 0 {
		errs = append(errs, fmt.Errorf("rate_limit.pages_per_second must not be negative (got %g)", c.RateLimit.PagesPerSecond))
	}
	if c.Worker.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("worker.concurrency must be positive (got %d)", c.Worker.Concurrency))
	}
	if c.Worker.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("worker.poll_interval must be positive (got %s)", c.Worker.PollInterval))
	}
	if c.Worker.MaxDataWaitAttempts < 0 {
		errs = append(errs, fmt.Errorf("worker.max_data_wait_attempts must not be negative (got %d)", c.Worker.MaxDataWaitAttempts))
	}
	if _, err := ScheduleParser.Parse(c.Worker.SweepSchedule); err != nil {
		errs = append(errs, fmt.Errorf("worker.sweep_schedule %q: %w", c.Worker.SweepSchedule, err))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}

// Thresholds returns the rate budget thresholds, keeping the default
// healthy mark.
func (c *Config) Thresholds() ratelimit.Thresholds {
	th := ratelimit.DefaultThresholds()
	th.Reserve = c.RateLimit.Reserve
	th.Critical = c.RateLimit.Critical
	th.Warning = c.RateLimit.Warning
	if th.Healthy < th.Warning {
		th.Healthy = th.Warning
	}
	return th
}

// Logging returns the logger configuration.
func (c *Config) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	if level, err := logging.ParseLevel(c.Log.Level); err == nil {
		cfg.Level = level
	}
	cfg.Pretty = c.Log.Pretty
	return cfg
}
