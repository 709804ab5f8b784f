// Package config loads the Supervisor's own settings: everything that
// governs how the daemon runs rather than what it manages (backends and
// projects have their own on-disk stores under internal/configstore and
// internal/project).
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix viper binds every setting's environment override
// to (MCP_CENTER_DRAIN_TIMEOUT, MCP_CENTER_LOG_LEVEL, ...). MCP_CENTER_ROOT
// is additionally bound without the prefix's usual key-name mangling,
// matching the literal variable name spec.md §6 names for root override.
const EnvPrefix = "MCP_CENTER"

// Config holds daemon-level settings layered flag > environment > config
// file > default (spec.md §6, "Process contract").
type Config struct {
	// Root overrides the default $HOME/.mcp-center directory. Empty means
	// "let layout.Resolve decide" (MCP_CENTER_ROOT, then the default).
	Root string `mapstructure:"root"`

	// DrainTimeout bounds how long the Supervisor waits, on shutdown, for
	// in-flight bridge/rpc connections and backend shutdowns to finish on
	// their own before moving on (spec.md §5's "global drain deadline").
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`

	// BackendConnectTimeout bounds each ManagedBackend connect attempt:
	// transport connect, MCP initialize handshake and the initial tool
	// listing, before the attempt fails and is retried.
	BackendConnectTimeout time.Duration `mapstructure:"backend_connect_timeout"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"log_level"`

	// LogJSON selects JSON output for the stderr logger. The daemon.log
	// file logger is always JSON regardless of this setting.
	LogJSON bool `mapstructure:"log_json"`
}

// Load reads settings from the environment and an optional config.toml in
// the current working directory, falling back to defaults. rootFlag is the --root flag
// value, if any; it takes priority over MCP_CENTER_ROOT.
func Load(rootFlag string) (*Config, error) {
	v := viper.New()

	v.SetDefault("root", "")
	v.SetDefault("drain_timeout", 10*time.Second)
	v.SetDefault("backend_connect_timeout", 30*time.Second)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	if err := v.BindEnv("root", "MCP_CENTER_ROOT"); err != nil {
		return nil, fmt.Errorf("binding MCP_CENTER_ROOT: %w", err)
	}

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if rootFlag != "" {
		v.Set("root", rootFlag)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing daemon configuration: %w", err)
	}
	return &cfg, nil
}
