// Package config loads leasesync settings from viper and validates them.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/leasesync/leasesync/pkg/fetch"
	"github.com/leasesync/leasesync/pkg/staleness"
)

type Config struct {
	DB     DBConfig     `mapstructure:"db"`
	Sync   SyncConfig   `mapstructure:"sync"`
	Fetch  FetchConfig  `mapstructure:"fetch"`
	Lock   LockConfig   `mapstructure:"lock"`
	Server ServerConfig `mapstructure:"server"`
}

type DBConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=sqlite postgres"`
	// Path of the sqlite database; empty means the default location.
	Path string `mapstructure:"path"`
	DSN  string `mapstructure:"dsn" validate:"required_if=Driver postgres"`
}

type SyncConfig struct {
	Concurrency                int           `mapstructure:"concurrency" validate:"min=1,max=64"`
	DelayBetweenPages          time.Duration `mapstructure:"delay_between_pages" validate:"min=0"`
	MaxRetries                 int           `mapstructure:"max_retries" validate:"min=1,max=20"`
	StalenessThreshold         time.Duration `mapstructure:"staleness_threshold" validate:"gtfield=LightweightRecheckInterval"`
	LightweightRecheckInterval time.Duration `mapstructure:"lightweight_recheck_interval" validate:"gt=0"`
	DailyScanTime              string        `mapstructure:"daily_scan_time" validate:"datetime=15:04"`
	CooldownInterval           time.Duration `mapstructure:"cooldown_interval" validate:"gt=0"`
	FetchTimeout               time.Duration `mapstructure:"fetch_timeout" validate:"gt=0"`
	BackoffMin                 time.Duration `mapstructure:"backoff_min" validate:"gt=0"`
	BackoffMax                 time.Duration `mapstructure:"backoff_max" validate:"gtefield=BackoffMin"`
	HourlyRecheck              bool          `mapstructure:"hourly_recheck"`
}

type FetchConfig struct {
	UserAgent string `mapstructure:"user_agent" validate:"required"`
	Proxy     string `mapstructure:"proxy" validate:"omitempty,url"`
}

type LockConfig struct {
	Backend   string        `mapstructure:"backend" validate:"oneof=none file redis"`
	RedisAddr string        `mapstructure:"redis_addr" validate:"required_if=Backend redis"`
	TTL       time.Duration `mapstructure:"ttl" validate:"gt=0"`
}

type ServerConfig struct {
	Listen   string `mapstructure:"listen" validate:"required,hostname_port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password" validate:"required_with=User"`
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("db.driver", "sqlite")
	v.SetDefault("db.path", "")
	v.SetDefault("db.dsn", "")

	v.SetDefault("sync.concurrency", fetch.DefaultConcurrency)
	v.SetDefault("sync.delay_between_pages", fetch.DefaultDelayBetweenPages)
	v.SetDefault("sync.max_retries", fetch.DefaultMaxRetries)
	v.SetDefault("sync.staleness_threshold", staleness.DefaultStalenessThreshold)
	v.SetDefault("sync.lightweight_recheck_interval", staleness.DefaultLightweightInterval)
	v.SetDefault("sync.daily_scan_time", "03:00")
	v.SetDefault("sync.cooldown_interval", 12*time.Hour)
	v.SetDefault("sync.fetch_timeout", fetch.DefaultFetchTimeout)
	v.SetDefault("sync.backoff_min", fetch.DefaultBackoffMin)
	v.SetDefault("sync.backoff_max", fetch.DefaultBackoffMax)
	v.SetDefault("sync.hourly_recheck", true)

	v.SetDefault("fetch.user_agent", "leasesync/1.0 (+https://github.com/leasesync/leasesync)")
	v.SetDefault("fetch.proxy", "")

	v.SetDefault("lock.backend", "file")
	v.SetDefault("lock.redis_addr", "")
	v.SetDefault("lock.ttl", 30*time.Second)

	v.SetDefault("server.listen", "127.0.0.1:7070")
	v.SetDefault("server.user", "")
	v.SetDefault("server.password", "")
}

var validate = validator.New()

// Load unmarshals v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("could not decode config: %w", err)
	}
	c.DB.Driver = strings.ToLower(strings.TrimSpace(c.DB.Driver))
	c.Lock.Backend = strings.ToLower(strings.TrimSpace(c.Lock.Backend))
	if err := validate.Struct(&c); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &c, nil
}

// Policy returns the staleness thresholds.
func (s SyncConfig) Policy() staleness.Policy {
	return staleness.Policy{
		StalenessThreshold:  s.StalenessThreshold,
		LightweightInterval: s.LightweightRecheckInterval,
		MaxRetries:          s.MaxRetries,
	}
}

// PoolConfig returns the worker pool settings. A zero delay is mapped to
// "no spacing" since the pool treats zero as "use the default".
func (s SyncConfig) PoolConfig() fetch.PoolConfig {
	delay := s.DelayBetweenPages
	if delay == 0 {
		delay = -1
	}
	return fetch.PoolConfig{
		Concurrency:       s.Concurrency,
		DelayBetweenPages: delay,
		MaxRetries:        s.MaxRetries,
		FetchTimeout:      s.FetchTimeout,
		BackoffMin:        s.BackoffMin,
		BackoffMax:        s.BackoffMax,
	}
}

// DailyAt returns the hour and minute of the daily full scan.
func (s SyncConfig) DailyAt() (hour, minute int) {
	t, err := time.Parse("15:04", s.DailyScanTime)
	if err != nil {
		return 3, 0
	}
	return t.Hour(), t.Minute()
}
