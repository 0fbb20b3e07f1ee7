package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds node-local settings. Consensus parameters (digest function,
// custody account, initial balances) come from genesis instead.
type Config struct {
	HTTPPort         string        `mapstructure:"http_port"`
	PostgresDSN      string        `mapstructure:"postgres_dsn"`
	IndexerEnabled   bool          `mapstructure:"indexer_enabled"`
	LogAllTxs        bool          `mapstructure:"log_all_txs"`
	BroadcastTimeout time.Duration `mapstructure:"broadcast_timeout"`
	DBConnectRetries int           `mapstructure:"db_connect_retries"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_port", "5000")
	v.SetDefault("postgres_dsn", "")
	v.SetDefault("indexer_enabled", false)
	v.SetDefault("log_all_txs", true)
	v.SetDefault("broadcast_timeout", 30*time.Second)
	v.SetDefault("db_connect_retries", 10)
}

// Load reads <home>/config/htlc.toml when present, then HTLC_* environment
// variables on top of it.
func Load(home string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(filepath.Join(home, "config", "htlc.toml"))
	v.SetEnvPrefix("HTLC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading htlc config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decoding htlc config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the settings for consistency.
func (c *Config) Validate() error {
	if c.HTTPPort == "" {
		return errors.New("http_port is required")
	}
	if c.IndexerEnabled && c.PostgresDSN == "" {
		return errors.New("indexer_enabled requires postgres_dsn")
	}
	if c.BroadcastTimeout <= 0 {
		return errors.New("broadcast_timeout must be positive")
	}
	return nil
}
