// Package config loads simulator-wide defaults once, at process start, via
// viper. There is no hot-reload: letting configuration change mid-run would
// break the determinism the rest of the simulator relies on.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config holds the exchange's tunable defaults.
type Config struct {
	MarketDataIntervalMS     int64   `mapstructure:"market_data_interval_ms"`
	DefaultMinFillPercent    float64 `mapstructure:"default_min_fill_percent"`
	DefaultSnapshotDepth     int     `mapstructure:"default_snapshot_depth"`
	DefaultReferenceQuantity uint64  `mapstructure:"default_reference_quantity"`
}

// Defaults returns the built-in configuration used when no file is loaded.
func Defaults() Config {
	return Config{
		MarketDataIntervalMS:     100,
		DefaultMinFillPercent:    0.8,
		DefaultSnapshotDepth:     5,
		DefaultReferenceQuantity: 100,
	}
}

// Load reads configuration from path, layered over Defaults. An empty path
// returns Defaults unchanged; a nonexistent or unparsable path is an error.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}

	v := viper.New()
	v.SetDefault("market_data_interval_ms", cfg.MarketDataIntervalMS)
	v.SetDefault("default_min_fill_percent", cfg.DefaultMinFillPercent)
	v.SetDefault("default_snapshot_depth", cfg.DefaultSnapshotDepth)
	v.SetDefault("default_reference_quantity", cfg.DefaultReferenceQuantity)
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("config: unmarshal %s: %w", path, err)
	}
	return cfg, nil
}
