package main

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ironfang-ltd/go-coreipc"
	"github.com/spf13/viper"
)

// Config is the demo's configuration, read from defaults, coreipc.yaml,
// COREIPC_* environment variables and flags, in increasing precedence.
type Config struct {
	Name         string        `mapstructure:"name"`
	Listen       string        `mapstructure:"listen"`
	Addr         string        `mapstructure:"addr"`
	AdminAddr    string        `mapstructure:"admin_addr"`
	LogLevel     string        `mapstructure:"log_level"`
	SyncTimeout  time.Duration `mapstructure:"sync_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	PipeCapacity int           `mapstructure:"pipe_capacity"`
}

func setDefaults() {
	viper.SetDefault("name", "ipc-demo")
	viper.SetDefault("listen", "unix:/tmp/coreipc.sock")
	viper.SetDefault("addr", "unix:/tmp/coreipc.sock")
	viper.SetDefault("admin_addr", "")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("sync_timeout", "5s")
	viper.SetDefault("poll_interval", "1s")
	viper.SetDefault("read_timeout", "0s")
	viper.SetDefault("pipe_capacity", 64)
}

// loadConfig reads the configuration from viper into a Config struct and validates it
func loadConfig() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("config: name must not be empty")
	}
	if cfg.PipeCapacity <= 0 {
		return nil, fmt.Errorf("config: pipe_capacity must be positive, got %d", cfg.PipeCapacity)
	}
	if _, err := parseLevel(cfg.LogLevel); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// logLevel backs the process logger so a config reload can change it.
var (
	logLevel    slog.LevelVar
	loggerSetup sync.Once
)

func setupLogging(level string) error {
	lvl, err := parseLevel(level)
	if err != nil {
		return err
	}
	logLevel.Set(lvl)
	loggerSetup.Do(func() {
		coreipc.InitLogger(&logLevel)
	})
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("config: invalid log_level %q", s)
	}
	return lvl, nil
}

// watchConfig reloads the log level whenever the config file changes.
// Connection settings only apply to connections opened afterwards.
func watchConfig() {
	if viper.ConfigFileUsed() == "" {
		return
	}
	viper.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		cfg, err := loadConfig()
		if err != nil {
			slog.Warn("config reload rejected", "file", e.Name, "error", err)
			return
		}
		if err := setupLogging(cfg.LogLevel); err != nil {
			slog.Warn("config reload rejected", "file", e.Name, "error", err)
			return
		}
		slog.Info("config reloaded", "file", e.Name, "log_level", cfg.LogLevel)
	})
	viper.WatchConfig()
}

// parseAddr splits "unix:/path" or "tcp:host:port". A bare address is TCP.
func parseAddr(s string) (network, address string) {
	for _, n := range []string{"unix", "tcp", "tcp4", "tcp6"} {
		if rest, ok := strings.CutPrefix(s, n+":"); ok {
			return n, rest
		}
	}
	return "tcp", s
}
