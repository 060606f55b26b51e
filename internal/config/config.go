// Package config loads and validates environment variables at startup.
// Fail-fast: if a required variable is missing, the process exits.
//
// Scraping knobs may also come from a YAML file named by SCRAPER_CONFIG_FILE;
// environment variables always win over the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Config holds all runtime configuration for the scraper service.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string
	LogLevel    string
	LogFormat   string // "json" or "console"

	ScrapeCron    string // robfig/cron spec, e.g. "@every 24h"
	ScrapeOnStart bool   // enqueue every department once at startup

	Site     SiteConfig
	Browser  BrowserConfig
	Geocoder GeocoderConfig
	Queue    QueueConfig

	UpsertBatchSize int
}

// SiteConfig describes the auction site being scraped.
type SiteConfig struct {
	SourceName           string        `yaml:"source_name"`
	BaseURL              string        `yaml:"base_url"`
	ListingPathTemplate  string        `yaml:"listing_path_template"` // %s is the department code
	NationalListingPath  string        `yaml:"national_listing_path"`
	DiscoveryMaxAttempts int           `yaml:"discovery_max_attempts"`
	DetailBatchSize      int           `yaml:"detail_batch_size"`
	DetailDelayMin       time.Duration `yaml:"-"` // pause between two detail pages
	DetailDelayMax       time.Duration `yaml:"-"`
	ScrollDelayMin       time.Duration `yaml:"-"` // wait after each discovery scroll
	ScrollDelayMax       time.Duration `yaml:"-"`
	ExcludeKeywords      []string      `yaml:"exclude_keywords"` // lots mentioning any of these are skipped
}

// BrowserConfig tunes the headless Chrome session.
type BrowserConfig struct {
	Headless  bool          `yaml:"headless"`
	Timeout   time.Duration `yaml:"-"`
	UserAgent string        `yaml:"user_agent"`
	RemoteURL string        `yaml:"remote_url"` // DevTools websocket of an already running Chrome
}

// GeocoderConfig tunes the address-search API client.
type GeocoderConfig struct {
	BaseURL  string        `yaml:"base_url"`
	MinGap   time.Duration `yaml:"-"`
	MinScore float64       `yaml:"min_score"`
}

// QueueConfig holds the retry and retention policy applied to scheduled jobs.
type QueueConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	Backoff       time.Duration `yaml:"-"`
	KeepCompleted int           `yaml:"keep_completed"`
	KeepFailed    int           `yaml:"keep_failed"`
}

// fileConfig is the YAML overlay. Durations are expressed in milliseconds.
type fileConfig struct {
	ScrapeCron      string         `yaml:"scrape_cron"`
	UpsertBatchSize int            `yaml:"upsert_batch_size"`
	Site            SiteConfig     `yaml:"site"`
	Browser         BrowserConfig  `yaml:"browser"`
	Geocoder        GeocoderConfig `yaml:"geocoder"`
	Queue           QueueConfig    `yaml:"queue"`

	DetailDelayMinMS int `yaml:"detail_delay_min_ms"`
	DetailDelayMaxMS int `yaml:"detail_delay_max_ms"`
	ScrollDelayMinMS int `yaml:"scroll_delay_min_ms"`
	ScrollDelayMaxMS int `yaml:"scroll_delay_max_ms"`
	BrowserTimeoutS  int `yaml:"browser_timeout_seconds"`
	GeocoderMinGapMS int `yaml:"geocoder_min_gap_ms"`
	QueueBackoffMS   int `yaml:"queue_backoff_ms"`
}

// MaxUpsertBatchSize is the largest batch whose 14 parameters per row fit in
// the 65535 bind parameters of one PostgreSQL statement.
const MaxUpsertBatchSize = 65535 / 14

// Defaults returns the configuration used when nothing overrides it.
func Defaults() *Config {
	return &Config{
		Port:          "8083",
		LogLevel:      "info",
		LogFormat:     "json",
		ScrapeCron:    "@every 24h",
		ScrapeOnStart: false,
		Site: SiteConfig{
			SourceName:           "encheres-publiques",
			BaseURL:              "https://www.encheres-publiques.com",
			ListingPathTemplate:  "/ventes/immobilier?departement=%s",
			NationalListingPath:  "/ventes/immobilier",
			DiscoveryMaxAttempts: 15,
			DetailBatchSize:      5,
			DetailDelayMin:       2000 * time.Millisecond,
			DetailDelayMax:       3000 * time.Millisecond,
			ScrollDelayMin:       2000 * time.Millisecond,
			ScrollDelayMax:       3000 * time.Millisecond,
		},
		Browser: BrowserConfig{
			Headless:  true,
			Timeout:   60 * time.Second,
			UserAgent: "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		},
		Geocoder: GeocoderConfig{
			BaseURL:  "https://api-adresse.data.gouv.fr/search/",
			MinGap:   25 * time.Millisecond,
			MinScore: 0.5,
		},
		Queue: QueueConfig{
			MaxAttempts:   3,
			Backoff:       60 * time.Second,
			KeepCompleted: 100,
			KeepFailed:    500,
		},
		UpsertBatchSize: 500,
	}
}

// Load reads environment variables and returns a validated Config.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("SCRAPER_CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	cfg.RedisURL = os.Getenv("REDIS_URL")
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}

	setString(&cfg.Port, "SCRAPER_PORT")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.LogFormat, "LOG_FORMAT")
	setString(&cfg.ScrapeCron, "SCRAPE_CRON")
	setString(&cfg.Site.SourceName, "SOURCE_NAME")
	setString(&cfg.Site.BaseURL, "SITE_BASE_URL")
	setString(&cfg.Site.ListingPathTemplate, "LISTING_PATH_TEMPLATE")
	setString(&cfg.Browser.UserAgent, "BROWSER_USER_AGENT")
	setString(&cfg.Browser.RemoteURL, "BROWSER_WS_URL")
	setString(&cfg.Geocoder.BaseURL, "GEOCODER_BASE_URL")
	setList(&cfg.Site.ExcludeKeywords, "EXCLUDE_KEYWORDS")

	if err := firstErr(
		setBool(&cfg.ScrapeOnStart, "SCRAPE_ON_START"),
		setBool(&cfg.Browser.Headless, "BROWSER_HEADLESS"),
		setPositiveInt(&cfg.Site.DiscoveryMaxAttempts, "DISCOVERY_MAX_ATTEMPTS"),
		setPositiveInt(&cfg.Site.DetailBatchSize, "DETAIL_BATCH_SIZE"),
		setPositiveInt(&cfg.UpsertBatchSize, "UPSERT_BATCH_SIZE"),
		setPositiveInt(&cfg.Queue.MaxAttempts, "QUEUE_MAX_ATTEMPTS"),
		setPositiveInt(&cfg.Queue.KeepCompleted, "QUEUE_KEEP_COMPLETED"),
		setPositiveInt(&cfg.Queue.KeepFailed, "QUEUE_KEEP_FAILED"),
		setDuration(&cfg.Site.DetailDelayMin, "DETAIL_DELAY_MIN_MS", time.Millisecond),
		setDuration(&cfg.Site.DetailDelayMax, "DETAIL_DELAY_MAX_MS", time.Millisecond),
		setDuration(&cfg.Site.ScrollDelayMin, "SCROLL_DELAY_MIN_MS", time.Millisecond),
		setDuration(&cfg.Site.ScrollDelayMax, "SCROLL_DELAY_MAX_MS", time.Millisecond),
		setDuration(&cfg.Browser.Timeout, "BROWSER_TIMEOUT_SECONDS", time.Second),
		setDuration(&cfg.Geocoder.MinGap, "GEOCODER_MIN_GAP_MS", time.Millisecond),
		setDuration(&cfg.Queue.Backoff, "QUEUE_BACKOFF_MS", time.Millisecond),
		setScore(&cfg.Geocoder.MinScore, "GEOCODER_MIN_SCORE"),
	); err != nil {
		return nil, err
	}

	if cfg.Site.DetailDelayMax < cfg.Site.DetailDelayMin {
		return nil, fmt.Errorf("DETAIL_DELAY_MAX_MS (%s) must not be below DETAIL_DELAY_MIN_MS (%s)",
			cfg.Site.DetailDelayMax, cfg.Site.DetailDelayMin)
	}
	if cfg.Site.ScrollDelayMax < cfg.Site.ScrollDelayMin {
		return nil, fmt.Errorf("SCROLL_DELAY_MAX_MS (%s) must not be below SCROLL_DELAY_MIN_MS (%s)",
			cfg.Site.ScrollDelayMax, cfg.Site.ScrollDelayMin)
	}
	if cfg.UpsertBatchSize > MaxUpsertBatchSize {
		return nil, fmt.Errorf("UPSERT_BATCH_SIZE must not exceed %d, got %d", MaxUpsertBatchSize, cfg.UpsertBatchSize)
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		return nil, fmt.Errorf("LOG_FORMAT must be json or console, got %q", cfg.LogFormat)
	}

	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("SCRAPER_CONFIG_FILE: %w", err)
	}
	var f fileConfig
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("SCRAPER_CONFIG_FILE %s: %w", path, err)
	}

	if f.ScrapeCron != "" {
		c.ScrapeCron = f.ScrapeCron
	}
	if f.UpsertBatchSize > 0 {
		c.UpsertBatchSize = f.UpsertBatchSize
	}

	mergeString(&c.Site.SourceName, f.Site.SourceName)
	mergeString(&c.Site.BaseURL, f.Site.BaseURL)
	mergeString(&c.Site.ListingPathTemplate, f.Site.ListingPathTemplate)
	mergeString(&c.Site.NationalListingPath, f.Site.NationalListingPath)
	mergeInt(&c.Site.DiscoveryMaxAttempts, f.Site.DiscoveryMaxAttempts)
	mergeInt(&c.Site.DetailBatchSize, f.Site.DetailBatchSize)
	mergeMillis(&c.Site.DetailDelayMin, f.DetailDelayMinMS)
	mergeMillis(&c.Site.DetailDelayMax, f.DetailDelayMaxMS)
	mergeMillis(&c.Site.ScrollDelayMin, f.ScrollDelayMinMS)
	mergeMillis(&c.Site.ScrollDelayMax, f.ScrollDelayMaxMS)
	if len(f.Site.ExcludeKeywords) > 0 {
		c.Site.ExcludeKeywords = f.Site.ExcludeKeywords
	}

	mergeString(&c.Browser.UserAgent, f.Browser.UserAgent)
	mergeString(&c.Browser.RemoteURL, f.Browser.RemoteURL)
	if f.BrowserTimeoutS > 0 {
		c.Browser.Timeout = time.Duration(f.BrowserTimeoutS) * time.Second
	}

	mergeString(&c.Geocoder.BaseURL, f.Geocoder.BaseURL)
	mergeMillis(&c.Geocoder.MinGap, f.GeocoderMinGapMS)
	if f.Geocoder.MinScore > 0 {
		c.Geocoder.MinScore = f.Geocoder.MinScore
	}

	mergeInt(&c.Queue.MaxAttempts, f.Queue.MaxAttempts)
	mergeInt(&c.Queue.KeepCompleted, f.Queue.KeepCompleted)
	mergeInt(&c.Queue.KeepFailed, f.Queue.KeepFailed)
	mergeMillis(&c.Queue.Backoff, f.QueueBackoffMS)
	return nil
}

func mergeString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func mergeInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func mergeMillis(dst *time.Duration, v int) {
	if v > 0 {
		*dst = time.Duration(v) * time.Millisecond
	}
}

func setString(dst *string, key string) {
	if s := os.Getenv(key); s != "" {
		*dst = s
	}
}

// setList reads a comma-separated list; blank items are dropped.
func setList(dst *[]string, key string) {
	s := os.Getenv(key)
	if s == "" {
		return
	}
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

func setBool(dst *bool, key string) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return fmt.Errorf("%s must be a boolean, got %q", key, s)
	}
	*dst = v
	return nil
}

func setPositiveInt(dst *int, key string) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return fmt.Errorf("%s must be a positive integer, got %q", key, s)
	}
	*dst = v
	return nil
}

func setDuration(dst *time.Duration, key string, unit time.Duration) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return fmt.Errorf("%s must be a non-negative integer, got %q", key, s)
	}
	*dst = time.Duration(v) * unit
	return nil
}

func setScore(dst *float64, key string) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 || v > 1 {
		return fmt.Errorf("%s must be a number between 0 and 1, got %q", key, s)
	}
	*dst = v
	return nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
