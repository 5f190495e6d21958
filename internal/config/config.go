// Package config loads the engine configuration from a YAML file with
// defaults and a validation pass. Risk templates live in their own
// hot-reloadable file; this covers everything else.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Venue    VenueConfig    `mapstructure:"venue"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Risk     RiskConfig     `mapstructure:"risk"`
	Strategy StrategyConfig `mapstructure:"strategy"`
	HTTP     HTTPConfig     `mapstructure:"http"`
}

type AppConfig struct {
	DataDir  string `mapstructure:"data_dir"`
	LogFile  string `mapstructure:"log_file"`
	LogLevel string `mapstructure:"log_level"`
}

type VenueConfig struct {
	Driver        string        `mapstructure:"driver"` // binance | paper
	APIKey        string        `mapstructure:"api_key"`
	APISecret     string        `mapstructure:"api_secret"`
	RESTBaseURL   string        `mapstructure:"rest_base_url"`
	HTTPTimeout   time.Duration `mapstructure:"http_timeout"`
	ProxyEnabled  bool          `mapstructure:"proxy_enabled"`
	RESTProxyURL  string        `mapstructure:"rest_proxy_url"`
	WSProxyURL    string        `mapstructure:"ws_proxy_url"`
	KlineInterval string        `mapstructure:"kline_interval"`
}

type EngineConfig struct {
	ReconcileInterval  time.Duration `mapstructure:"reconcile_interval"`
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"`
	CheckpointRetain   int           `mapstructure:"checkpoint_retain"`
	CheckpointMaxAge   time.Duration `mapstructure:"checkpoint_max_age"`
}

type StreamConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	QueueSize  int           `mapstructure:"queue_size"`
	MinDelay   time.Duration `mapstructure:"min_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

type RiskConfig struct {
	ProfilePath string `mapstructure:"profile_path"`
}

type StrategyConfig struct {
	Detectors []string           `mapstructure:"detectors"`
	Symbols   []string           `mapstructure:"symbols"`
	Interval  time.Duration      `mapstructure:"interval"`
	Params    map[string]float64 `mapstructure:"params"`
}

type HTTPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file failed (%s): %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.data_dir", "data")
	v.SetDefault("app.log_level", "info")

	v.SetDefault("venue.driver", "paper")
	v.SetDefault("venue.http_timeout", "15s")
	v.SetDefault("venue.kline_interval", "15m")

	v.SetDefault("engine.reconcile_interval", "30s")
	v.SetDefault("engine.checkpoint_interval", "1m")
	v.SetDefault("engine.checkpoint_retain", 20)
	v.SetDefault("engine.checkpoint_max_age", "72h")

	v.SetDefault("stream.enabled", true)
	v.SetDefault("stream.queue_size", 10000)
	v.SetDefault("stream.min_delay", "1s")
	v.SetDefault("stream.max_delay", "30s")
	v.SetDefault("stream.stale_after", "90s")

	v.SetDefault("risk.profile_path", "risk_profiles.yaml")

	v.SetDefault("strategy.interval", "1m")

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.listen", ":8780")
}

func validate(cfg *Config) error {
	switch strings.ToLower(strings.TrimSpace(cfg.Venue.Driver)) {
	case "paper":
	case "binance":
		if cfg.Venue.APIKey == "" || cfg.Venue.APISecret == "" {
			return fmt.Errorf("venue.api_key and venue.api_secret are required for the binance driver")
		}
	default:
		return fmt.Errorf("unknown venue.driver %q", cfg.Venue.Driver)
	}
	if cfg.Engine.ReconcileInterval < time.Second {
		return fmt.Errorf("engine.reconcile_interval must be at least 1s")
	}
	if cfg.Engine.CheckpointInterval < time.Second {
		return fmt.Errorf("engine.checkpoint_interval must be at least 1s")
	}
	if cfg.Engine.CheckpointRetain < 1 {
		return fmt.Errorf("engine.checkpoint_retain must be at least 1")
	}
	if cfg.HTTP.Enabled && strings.TrimSpace(cfg.HTTP.Listen) == "" {
		return fmt.Errorf("http.listen is required when http.enabled is true")
	}
	return nil
}
