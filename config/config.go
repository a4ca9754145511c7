// Package config loads service configuration from config.yaml and
// AEGIS_-prefixed environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the detection service.
type Config struct {
	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"` // json or console
	} `mapstructure:"logging"`

	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
		PoolSize int    `mapstructure:"pool_size"`
	} `mapstructure:"redis"`

	ClickHouse struct {
		Addr        string `mapstructure:"addr"`
		Database    string `mapstructure:"database"`
		Username    string `mapstructure:"username"`
		Password    string `mapstructure:"password"`
		TLS         bool   `mapstructure:"tls"`
		MaxPoolSize int    `mapstructure:"max_pool_size"`
	} `mapstructure:"clickhouse"`

	SQLite struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"sqlite"`

	Stream struct {
		Partitions    int `mapstructure:"partitions"`
		PartitionSize int `mapstructure:"partition_size"` // channel buffer per partition
	} `mapstructure:"stream"`

	Matcher struct {
		DedupCacheSize  int           `mapstructure:"dedup_cache_size"`
		SnapshotRefresh time.Duration `mapstructure:"snapshot_refresh"`
	} `mapstructure:"matcher"`

	Scheduler struct {
		Tick        time.Duration `mapstructure:"tick"`
		RunTimeout  time.Duration `mapstructure:"run_timeout"`
		MaxLookback time.Duration `mapstructure:"max_lookback"`
		Workers     int           `mapstructure:"workers"`
		QueueSize   int           `mapstructure:"queue_size"`
	} `mapstructure:"scheduler"`

	Events struct {
		BatchSize     int           `mapstructure:"batch_size"`
		FlushInterval time.Duration `mapstructure:"flush_interval"`
		Workers       int           `mapstructure:"workers"`
	} `mapstructure:"events"`

	Alerts struct {
		WebhookURL    string        `mapstructure:"webhook_url"`
		NotifyTimeout time.Duration `mapstructure:"notify_timeout"`
	} `mapstructure:"alerts"`

	Rules struct {
		RegexTimeout time.Duration `mapstructure:"regex_timeout"`
	} `mapstructure:"rules"`

	Metrics struct {
		Enabled bool   `mapstructure:"enabled"`
		Addr    string `mapstructure:"addr"`
	} `mapstructure:"metrics"`
}

func setDefaults() {
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")

	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)

	viper.SetDefault("clickhouse.addr", "localhost:9000")
	viper.SetDefault("clickhouse.database", "aegis")
	viper.SetDefault("clickhouse.username", "default")
	viper.SetDefault("clickhouse.password", "")
	viper.SetDefault("clickhouse.tls", false)
	viper.SetDefault("clickhouse.max_pool_size", 10)

	viper.SetDefault("sqlite.path", "./data/aegis.db")

	viper.SetDefault("stream.partitions", 4)
	viper.SetDefault("stream.partition_size", 1024)

	viper.SetDefault("matcher.dedup_cache_size", 8192)
	viper.SetDefault("matcher.snapshot_refresh", 30*time.Second)

	viper.SetDefault("scheduler.tick", time.Minute)
	viper.SetDefault("scheduler.run_timeout", 30*time.Second)
	viper.SetDefault("scheduler.max_lookback", time.Hour)
	viper.SetDefault("scheduler.workers", 4)
	viper.SetDefault("scheduler.queue_size", 256)

	viper.SetDefault("events.batch_size", 1000)
	viper.SetDefault("events.flush_interval", 5*time.Second)
	viper.SetDefault("events.workers", 2)

	viper.SetDefault("alerts.webhook_url", "")
	viper.SetDefault("alerts.notify_timeout", 10*time.Second)

	viper.SetDefault("rules.regex_timeout", 100*time.Millisecond)

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.addr", ":9090")
}

func loadFromEnv() {
	viper.SetEnvPrefix("AEGIS")
	viper.AutomaticEnv()

	_ = viper.BindEnv("redis.addr", "AEGIS_REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "AEGIS_REDIS_PASSWORD")
	_ = viper.BindEnv("clickhouse.addr", "AEGIS_CLICKHOUSE_ADDR")
	_ = viper.BindEnv("clickhouse.password", "AEGIS_CLICKHOUSE_PASSWORD")
	_ = viper.BindEnv("sqlite.path", "AEGIS_SQLITE_PATH")
	_ = viper.BindEnv("alerts.webhook_url", "AEGIS_ALERTS_WEBHOOK_URL")
}

func validateConfig(c *Config) error {
	if c.Stream.Partitions < 1 {
		return fmt.Errorf("stream.partitions must be at least 1, got %d", c.Stream.Partitions)
	}
	if c.Scheduler.Tick <= 0 {
		return fmt.Errorf("scheduler.tick must be positive, got %s", c.Scheduler.Tick)
	}
	if c.Scheduler.RunTimeout <= 0 {
		return fmt.Errorf("scheduler.run_timeout must be positive, got %s", c.Scheduler.RunTimeout)
	}
	if c.Scheduler.RunTimeout >= c.Scheduler.Tick*10 {
		return fmt.Errorf("scheduler.run_timeout %s is too large for tick %s", c.Scheduler.RunTimeout, c.Scheduler.Tick)
	}
	if c.Scheduler.MaxLookback <= 0 {
		return fmt.Errorf("scheduler.max_lookback must be positive, got %s", c.Scheduler.MaxLookback)
	}
	if c.Rules.RegexTimeout <= 0 {
		return fmt.Errorf("rules.regex_timeout must be positive, got %s", c.Rules.RegexTimeout)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}
	return nil
}

// LoadConfig loads configuration from file and environment variables.
// A missing config file is not an error; defaults and env vars apply.
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	setDefaults()
	loadFromEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Config file not found, will use defaults and env vars
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &config, nil
}
