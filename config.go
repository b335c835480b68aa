package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Listen      string           `yaml:"listen"`
	DBPath      string           `yaml:"db_path"`
	Timezone    string           `yaml:"timezone"`
	DefaultUser string           `yaml:"default_user,omitempty"`
	Tracking    TrackOptions     `yaml:"tracking"`
	Status      StatusThresholds `yaml:"status"`
	Spread      SpreadOptions    `yaml:"spread"`
	Live        LiveConfig       `yaml:"live"`
	Geocoder    GeocoderConfig   `yaml:"geocoder"`
	NATS        *NATSConfig      `yaml:"nats,omitempty"`
	Log         LogConfig        `yaml:"log"`
}

// LiveConfig holds live map refresh settings
type LiveConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	// ActiveWithin limits the live board to DSEs heard from recently. Zero
	// shows everyone who ever reported.
	ActiveWithin time.Duration `yaml:"active_within"`
	// AllowedOrigins restricts which browser origins may open /ws/live.
	// Empty allows any origin, since the console is served from its own host.
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
}

// GeocoderConfig holds reverse geocoding settings
type GeocoderConfig struct {
	Enabled       bool    `yaml:"enabled"`
	URL           string  `yaml:"url"`
	UserAgent     string  `yaml:"user_agent"`
	RatePerSecond float64 `yaml:"rate_per_second"`
}

// NATSConfig holds ping fan-out settings
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// DefaultConfig returns a configuration usable without any config file
func DefaultConfig() *Config {
	return &Config{
		Listen:   ":8080",
		DBPath:   "./data/dsetrack.db",
		Timezone: "UTC",
		Tracking: DefaultTrackOptions(),
		Status:   DefaultStatusThresholds(),
		Spread:   DefaultSpreadOptions(),
		Live: LiveConfig{
			RefreshInterval: 30 * time.Second,
		},
		Geocoder: GeocoderConfig{
			URL:           "https://nominatim.openstreetmap.org/reverse",
			UserAgent:     "dsetrack/1.0 (dse-tracking-console)",
			RatePerSecond: 1,
		},
		Log: LogConfig{
			Level:  "info",
			Output: "stdout",
		},
	}
}

// DefaultConfigPath returns the default config file path under $XDG_CONFIG_HOME
func DefaultConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "dsetrack", "config.yaml")
}

// LoadConfig loads configuration from the specified path on top of the
// defaults, then applies .env and environment overrides. A missing config
// file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = DefaultConfigPath()
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case os.IsNotExist(err):
		// Config file is optional
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// .env is optional too
	_ = godotenv.Load()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DSE_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("DSE_DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("DSE_TIMEZONE"); v != "" {
		c.Timezone = v
	}
	if v := os.Getenv("DSE_DEFAULT_USER"); v != "" {
		c.DefaultUser = v
	}
	if v := os.Getenv("DSE_NATS_URL"); v != "" {
		if c.NATS == nil {
			c.NATS = &NATSConfig{}
		}
		c.NATS.URL = v
	}
	if v := os.Getenv("DSE_GEOCODER_URL"); v != "" {
		c.Geocoder.URL = v
		c.Geocoder.Enabled = true
	}
	if v := os.Getenv("DSE_ALLOWED_ORIGINS"); v != "" {
		c.Live.AllowedOrigins = nil
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				c.Live.AllowedOrigins = append(c.Live.AllowedOrigins, origin)
			}
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := strings.ToLower(os.Getenv("DEBUG")); v == "true" || v == "1" || v == "yes" || v == "on" {
		c.Log.Debug = true
	}
}

// Validate rejects settings the analytics cannot work with
func (c *Config) Validate() error {
	var errs []error

	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if c.Tracking.SampleSeconds < 0 {
		errs = append(errs, errors.New("tracking.sample_seconds must not be negative"))
	}
	if c.Tracking.Stop.RadiusMeters <= 0 {
		errs = append(errs, errors.New("tracking.stop_radius_meters must be positive"))
	}
	if c.Tracking.Stop.MinDuration <= 0 {
		errs = append(errs, errors.New("tracking.stop_min_duration must be positive"))
	}
	if c.Status.OnlineWithin <= 0 || c.Status.RecentWithin < c.Status.OnlineWithin {
		errs = append(errs, errors.New("status thresholds must satisfy 0 < online_within <= recent_within"))
	}
	if c.Spread.Decimals < 0 || c.Spread.RadiusMeters < 0 {
		errs = append(errs, errors.New("spread.decimals and spread.radius_meters must not be negative"))
	}
	if c.Live.RefreshInterval < time.Second {
		errs = append(errs, errors.New("live.refresh_interval must be at least 1s"))
	}
	if c.Geocoder.Enabled && c.Geocoder.URL == "" {
		errs = append(errs, errors.New("geocoder.url is required when the geocoder is enabled"))
	}
	if c.NATS != nil && c.NATS.URL == "" {
		errs = append(errs, errors.New("nats.url is required when the nats section is present"))
	}

	return errors.Join(errs...)
}

// Location resolves the reporting timezone
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// NATSConfigured returns true if ping fan-out is configured
func (c *Config) NATSConfigured() bool {
	return c != nil && c.NATS != nil && c.NATS.URL != ""
}
