package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"hn-herald/profile"
)

const defaultConfigPath = "config.yaml"

var digestTimeRegex = regexp.MustCompile(`^([01][0-9]|2[0-3]):([0-5][0-9])$`)

// Config holds all service settings, loaded from YAML with environment
// overrides.
type Config struct {
	TelegramToken   string `yaml:"telegram_token"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	ChatID          int64  `yaml:"chat_id"`

	SummarizerModel string `yaml:"summarizer_model"`

	DigestTime string `yaml:"digest_time"`
	Timezone   string `yaml:"timezone"`

	ListingKind  string `yaml:"listing_kind"`
	ListingCount int    `yaml:"listing_count"`

	MaxItems        int      `yaml:"max_items"`
	MinRelevance    float64  `yaml:"min_relevance"`
	InterestTags    []string `yaml:"interest_tags"`
	DisinterestTags []string `yaml:"disinterest_tags"`

	FetchTimeoutSecs int `yaml:"fetch_timeout_secs"`
	RunTimeoutSecs   int `yaml:"run_timeout_secs"`

	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`
}

// Load reads the config file at path, applies defaults and environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnvironmentOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// GetConfigPath returns the config file path, honoring HN_HERALD_CONFIG.
func GetConfigPath() string {
	if path := os.Getenv("HN_HERALD_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

func (c *Config) applyDefaults() {
	if c.SummarizerModel == "" {
		c.SummarizerModel = "claude-3-5-haiku-latest"
	}
	if c.DigestTime == "" {
		c.DigestTime = "09:00"
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.ListingKind == "" {
		c.ListingKind = "top"
	}
	if c.ListingCount == 0 {
		c.ListingCount = 30
	}
	if c.MaxItems == 0 {
		c.MaxItems = 10
	}
	if c.FetchTimeoutSecs == 0 {
		c.FetchTimeoutSecs = 15
	}
	if c.RunTimeoutSecs == 0 {
		c.RunTimeoutSecs = 90
	}
	if c.DBPath == "" {
		c.DBPath = "./hn-herald.db"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func (c *Config) applyEnvironmentOverrides() {
	if v := os.Getenv("HN_HERALD_TELEGRAM_TOKEN"); v != "" {
		c.TelegramToken = v
	}
	if v := os.Getenv("HN_HERALD_ANTHROPIC_KEY"); v != "" {
		c.AnthropicAPIKey = v
	}
	if v := os.Getenv("HN_HERALD_DB"); v != "" {
		c.DBPath = v
	}
}

func (c *Config) validate() error {
	if c.TelegramToken == "" {
		return fmt.Errorf("telegram_token is required")
	}
	if c.AnthropicAPIKey == "" {
		return fmt.Errorf("anthropic_api_key is required")
	}
	if !digestTimeRegex.MatchString(c.DigestTime) {
		return fmt.Errorf("digest_time %q must be HH:MM (24-hour)", c.DigestTime)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("unknown timezone %q: %w", c.Timezone, err)
	}

	switch c.ListingKind {
	case "top", "new", "best":
	default:
		return fmt.Errorf("listing_kind %q must be top, new, or best", c.ListingKind)
	}

	if c.ListingCount < 1 || c.ListingCount > 100 {
		return fmt.Errorf("listing_count must be between 1 and 100, got %d", c.ListingCount)
	}
	if c.FetchTimeoutSecs < 1 {
		return fmt.Errorf("fetch_timeout_secs must be positive, got %d", c.FetchTimeoutSecs)
	}
	if c.RunTimeoutSecs < 1 {
		return fmt.Errorf("run_timeout_secs must be positive, got %d", c.RunTimeoutSecs)
	}

	if _, err := c.Profile(); err != nil {
		return fmt.Errorf("profile: %w", err)
	}
	return nil
}

// Profile builds the scoring profile from the configured tags and limits.
func (c *Config) Profile() (*profile.Profile, error) {
	return profile.New(c.InterestTags, c.DisinterestTags, c.MinRelevance, c.MaxItems)
}

// Location returns the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}
	return loc, nil
}

// SlogLevel maps the configured log level onto slog's levels. Unknown
// values fall back to Info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
