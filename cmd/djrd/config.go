package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// daemonConfig is the file/env configuration for djrd. Every key can be
// overridden from the environment with the DJRD_ prefix, dots replaced by
// underscores (DJRD_STORE_DSN, DJRD_WORKER_CONCURRENCY, ...).
type daemonConfig struct {
	Store struct {
		Driver string `mapstructure:"driver"` // postgres | memory
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"store"`
	Channel struct {
		Driver string `mapstructure:"driver"` // redis | memory
		Addr   string `mapstructure:"addr"`
		Name   string `mapstructure:"name"`
		Prefix string `mapstructure:"prefix"`
	} `mapstructure:"channel"`
	Worker struct {
		Concurrency     int           `mapstructure:"concurrency"`
		PollInterval    time.Duration `mapstructure:"poll_interval"`
		SweepInterval   time.Duration `mapstructure:"sweep_interval"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"worker"`
	Log struct {
		Level  string `mapstructure:"level"`  // debug | info | warn | error
		Format string `mapstructure:"format"` // text | json
	} `mapstructure:"log"`
}

// loadConfig reads the config file and environment into a daemonConfig.
// A missing config file is fine; defaults and environment apply.
func loadConfig() (*daemonConfig, error) {
	v := viper.New()
	v.SetConfigName("djrd")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/djrd")
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	}

	v.SetEnvPrefix("DJRD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "postgres")
	v.SetDefault("channel.driver", "redis")
	v.SetDefault("channel.addr", "localhost:6379")
	v.SetDefault("channel.name", "steps")
	v.SetDefault("channel.prefix", "djr")
	v.SetDefault("worker.concurrency", 10)
	v.SetDefault("worker.poll_interval", time.Second)
	v.SetDefault("worker.sweep_interval", 2*time.Second)
	v.SetDefault("worker.shutdown_timeout", 30*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg daemonConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// newLogger builds the process logger from the log config.
func newLogger(cfg *daemonConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
