// Package config loads tracker configuration with viper. Precedence is
// flags (bound by the command), then TRACKER_* environment variables,
// then the config file, then defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	// ListenAddr is the TCP endpoint the tracker accepts clients on.
	ListenAddr string `mapstructure:"listen_addr"`

	// DataDir is the base directory for uploaded file bytes, one
	// subtree per group.
	DataDir string `mapstructure:"data_dir"`

	// MaxConnections caps concurrent client connections. Zero means
	// no cap.
	MaxConnections int `mapstructure:"max_connections"`

	// ReadTimeout bounds the wait for the next command on an idle
	// connection.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// TransferIdleTimeout bounds the wait for the next chunk during a
	// transfer; a stalled peer aborts the transfer.
	TransferIdleTimeout time.Duration `mapstructure:"transfer_idle_timeout"`

	// MetricsAddr serves Prometheus metrics over HTTP when non-empty.
	MetricsAddr string `mapstructure:"metrics_addr"`

	Logging LoggingConfig `mapstructure:"logging"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text or json
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":5000")
	v.SetDefault("data_dir", "uploads")
	v.SetDefault("max_connections", 256)
	v.SetDefault("read_timeout", 5*time.Minute)
	v.SetDefault("transfer_idle_timeout", 30*time.Second)
	v.SetDefault("metrics_addr", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Load reads configuration from the given file (optional) plus the
// environment. v carries any flag bindings made by the command layer.
func Load(v *viper.Viper, path string) (*Config, error) {
	setDefaults(v)

	v.SetEnvPrefix("TRACKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen_addr must not be empty")
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data_dir must not be empty")
	}
	if cfg.MaxConnections < 0 {
		return nil, fmt.Errorf("max_connections must not be negative")
	}
	return &cfg, nil
}
