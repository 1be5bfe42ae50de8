// Package config defines all configuration for the microgrid simulator.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// fields overridable via GRID_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"microgrid-sim/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Sim          SimConfig           `mapstructure:"sim"`
	Auction      AuctionConfig       `mapstructure:"auction"`
	Storage      StorageConfig       `mapstructure:"storage"`
	Bidding      BiddingConfig       `mapstructure:"bidding"`
	Forecast     ForecastConfig      `mapstructure:"forecast"`
	Prices       PricesConfig        `mapstructure:"prices"`
	Participants []ParticipantConfig `mapstructure:"participants"`
	Store        StoreConfig         `mapstructure:"store"`
	Logging      LoggingConfig       `mapstructure:"logging"`
	Dashboard    DashboardConfig     `mapstructure:"dashboard"`
}

// SimConfig sets the span of the simulation.
type SimConfig struct {
	Days int `mapstructure:"days"`
}

// AuctionConfig tunes the per-slot double auction.
//
//   - MaxRounds: auction rounds per hourly slot.
//   - ESSPriceRatio: price of storage-sourced residual energy relative to
//     the external grid price.
type AuctionConfig struct {
	MaxRounds     int     `mapstructure:"max_rounds"`
	ESSPriceRatio float64 `mapstructure:"ess_price_ratio"`
}

// StorageConfig describes the shared energy storage system.
type StorageConfig struct {
	Capacity    float64 `mapstructure:"capacity"`
	InitialFill float64 `mapstructure:"initial_fill"`
}

// BiddingConfig tunes how participants derive offer prices from forecasts.
type BiddingConfig struct {
	Factor float64 `mapstructure:"factor"`
}

// ForecastConfig tunes the external price forecaster.
type ForecastConfig struct {
	SeasonalPeriod int `mapstructure:"seasonal_period"`
}

// PricesConfig tells the feed where the day-ahead price table comes from.
// Source is "http" (pull from a price service) or "csv" (local file).
type PricesConfig struct {
	Source      string        `mapstructure:"source"`
	BaseURL     string        `mapstructure:"base_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	File        string        `mapstructure:"file"`
	HistoryDays int           `mapstructure:"history_days"`
}

// ParticipantConfig declares one market actor and its devices.
type ParticipantConfig struct {
	ID      string         `mapstructure:"id"`
	SellMin float64        `mapstructure:"sell_min"`
	SellMax float64        `mapstructure:"sell_max"`
	BuyMin  float64        `mapstructure:"buy_min"`
	BuyMax  float64        `mapstructure:"buy_max"`
	Devices []DeviceConfig `mapstructure:"devices"`
}

// DeviceConfig declares one device: a producing source or a consuming load
// with a 24-hour profile.
type DeviceConfig struct {
	ID      string    `mapstructure:"id"`
	Kind    string    `mapstructure:"kind"` // "source" or "load"
	Mode    string    `mapstructure:"mode"` // IMMEDIATE, PERSIST, SHIFTABLE (loads only)
	Profile []float64 `mapstructure:"profile"`
}

// StoreConfig sets where run output is persisted (JSON files).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the web dashboard server.
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from a YAML file with env var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("GRID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("sim.days", 7)
	v.SetDefault("auction.max_rounds", 5)
	v.SetDefault("auction.ess_price_ratio", 0.9)
	v.SetDefault("storage.capacity", 100000.0)
	v.SetDefault("storage.initial_fill", 0.5)
	v.SetDefault("bidding.factor", 0.1)
	v.SetDefault("forecast.seasonal_period", 168)
	v.SetDefault("prices.source", "csv")
	v.SetDefault("prices.timeout", 15*time.Second)
	v.SetDefault("prices.history_days", 14)
	v.SetDefault("store.data_dir", "data")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("dashboard.port", 8080)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Deployment-specific fields come from env when set
	if url := os.Getenv("GRID_PRICES_BASE_URL"); url != "" {
		cfg.Prices.BaseURL = url
	}
	if dir := os.Getenv("GRID_STORE_DATA_DIR"); dir != "" {
		cfg.Store.DataDir = dir
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Sim.Days <= 0 {
		return fmt.Errorf("sim.days must be > 0")
	}
	if c.Auction.MaxRounds <= 0 {
		return fmt.Errorf("auction.max_rounds must be > 0")
	}
	if c.Auction.ESSPriceRatio <= 0 || c.Auction.ESSPriceRatio > 1 {
		return fmt.Errorf("auction.ess_price_ratio must be in (0, 1]")
	}
	if c.Storage.Capacity <= 0 {
		return fmt.Errorf("storage.capacity must be > 0")
	}
	if c.Storage.InitialFill < 0 || c.Storage.InitialFill > 1 {
		return fmt.Errorf("storage.initial_fill must be in [0, 1]")
	}
	if c.Bidding.Factor <= 0 {
		return fmt.Errorf("bidding.factor must be > 0")
	}
	if c.Forecast.SeasonalPeriod <= 0 {
		return fmt.Errorf("forecast.seasonal_period must be > 0")
	}

	switch c.Prices.Source {
	case "http":
		if c.Prices.BaseURL == "" {
			return fmt.Errorf("prices.base_url is required for source http (set GRID_PRICES_BASE_URL)")
		}
	case "csv":
		if c.Prices.File == "" {
			return fmt.Errorf("prices.file is required for source csv")
		}
	default:
		return fmt.Errorf("prices.source must be http or csv, got %q", c.Prices.Source)
	}
	if c.Prices.HistoryDays < 0 {
		return fmt.Errorf("prices.history_days must be >= 0")
	}

	if len(c.Participants) == 0 {
		return fmt.Errorf("at least one participant is required")
	}
	seen := make(map[string]bool)
	for _, p := range c.Participants {
		if p.ID == "" {
			return fmt.Errorf("participant id is required")
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate participant id %q", p.ID)
		}
		seen[p.ID] = true
		for _, d := range p.Devices {
			if err := d.validate(p.ID, seen); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d DeviceConfig) validate(owner string, seen map[string]bool) error {
	if d.ID == "" {
		return fmt.Errorf("participant %s: device id is required", owner)
	}
	if seen[d.ID] {
		return fmt.Errorf("duplicate device id %q", d.ID)
	}
	seen[d.ID] = true

	switch d.Kind {
	case "source", "load":
	default:
		return fmt.Errorf("device %s: kind must be source or load, got %q", d.ID, d.Kind)
	}
	if d.Kind == "load" {
		switch types.DeviceMode(d.Mode) {
		case types.ModeImmediate, types.ModePersist, types.ModeShiftable:
		default:
			return fmt.Errorf("device %s: mode must be IMMEDIATE, PERSIST or SHIFTABLE, got %q", d.ID, d.Mode)
		}
	}
	if len(d.Profile) != types.HoursPerDay {
		return fmt.Errorf("device %s: profile must have %d entries, got %d", d.ID, types.HoursPerDay, len(d.Profile))
	}
	for h, v := range d.Profile {
		if v < 0 {
			return fmt.Errorf("device %s: negative profile value at hour %d", d.ID, h)
		}
	}
	return nil
}
