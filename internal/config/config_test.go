package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"immo/scraper-service/internal/config"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost/opportunities")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
}

func TestLoad_MissingDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestLoad_MissingRedisURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/opportunities")
	t.Setenv("REDIS_URL", "")

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_URL")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "8083", cfg.Port)
	assert.Equal(t, "@every 24h", cfg.ScrapeCron)
	assert.Equal(t, 500, cfg.UpsertBatchSize)
	assert.Equal(t, 25*time.Millisecond, cfg.Geocoder.MinGap)
	assert.Equal(t, 0.5, cfg.Geocoder.MinScore)
	assert.Equal(t, 2*time.Second, cfg.Site.DetailDelayMin)
	assert.Equal(t, 3*time.Second, cfg.Site.DetailDelayMax)
	assert.Equal(t, 2*time.Second, cfg.Site.ScrollDelayMin)
	assert.Equal(t, 3*time.Second, cfg.Site.ScrollDelayMax)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
}

func TestLoad_EnvOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("UPSERT_BATCH_SIZE", "250")
	t.Setenv("GEOCODER_MIN_GAP_MS", "40")
	t.Setenv("BROWSER_HEADLESS", "false")
	t.Setenv("SCRAPE_CRON", "0 3 * * *")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 250, cfg.UpsertBatchSize)
	assert.Equal(t, 40*time.Millisecond, cfg.Geocoder.MinGap)
	assert.False(t, cfg.Browser.Headless)
	assert.Equal(t, "0 3 * * *", cfg.ScrapeCron)
}

func TestLoad_InvalidValues(t *testing.T) {
	cases := map[string]string{
		"UPSERT_BATCH_SIZE":   "0",
		"SCROLL_DELAY_MIN_MS": "-1",
		"DETAIL_BATCH_SIZE":   "abc",
		"GEOCODER_MIN_SCORE":  "1.5",
		"SCRAPE_ON_START":     "maybe",
		"LOG_FORMAT":          "xml",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			setRequired(t)
			t.Setenv(key, val)

			_, err := config.Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestLoad_DelayRangeMustBeOrdered(t *testing.T) {
	setRequired(t)
	t.Setenv("DETAIL_DELAY_MIN_MS", "3000")
	t.Setenv("DETAIL_DELAY_MAX_MS", "1000")

	_, err := config.Load()
	require.Error(t, err)
}

func TestLoad_UpsertBatchSizeLimit(t *testing.T) {
	setRequired(t)
	t.Setenv("UPSERT_BATCH_SIZE", "4681")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, config.MaxUpsertBatchSize, cfg.UpsertBatchSize)

	t.Setenv("UPSERT_BATCH_SIZE", "4682")
	_, err = config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UPSERT_BATCH_SIZE")
}

func TestLoad_ScrollDelaysAreIndependent(t *testing.T) {
	setRequired(t)
	t.Setenv("SCROLL_DELAY_MIN_MS", "500")
	t.Setenv("SCROLL_DELAY_MAX_MS", "800")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, cfg.Site.ScrollDelayMin)
	assert.Equal(t, 800*time.Millisecond, cfg.Site.ScrollDelayMax)
	assert.Equal(t, 2*time.Second, cfg.Site.DetailDelayMin, "detail pauses keep their defaults")

	t.Setenv("SCROLL_DELAY_MIN_MS", "900")
	_, err = config.Load()
	assert.ErrorContains(t, err, "SCROLL_DELAY_MAX_MS")
}

func TestLoad_YAMLOverlay(t *testing.T) {
	setRequired(t)
	path := filepath.Join(t.TempDir(), "scraper.yaml")
	yamlBody := `
scrape_cron: "@every 12h"
upsert_batch_size: 100
detail_delay_min_ms: 500
detail_delay_max_ms: 900
site:
  source_name: test-source
  discovery_max_attempts: 4
queue:
  max_attempts: 5
`
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o600))
	t.Setenv("SCRAPER_CONFIG_FILE", path)
	t.Setenv("UPSERT_BATCH_SIZE", "300")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "@every 12h", cfg.ScrapeCron)
	assert.Equal(t, 300, cfg.UpsertBatchSize, "env must win over the file")
	assert.Equal(t, "test-source", cfg.Site.SourceName)
	assert.Equal(t, 4, cfg.Site.DiscoveryMaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Site.DetailDelayMin)
	assert.Equal(t, 900*time.Millisecond, cfg.Site.DetailDelayMax)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
}

func TestLoad_YAMLFileMissing(t *testing.T) {
	setRequired(t)
	t.Setenv("SCRAPER_CONFIG_FILE", filepath.Join(t.TempDir(), "nope.yaml"))

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SCRAPER_CONFIG_FILE")
}

func TestLoad_ExcludeKeywords(t *testing.T) {
	setRequired(t)
	t.Setenv("EXCLUDE_KEYWORDS", " parking, ,viager ")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"parking", "viager"}, cfg.Site.ExcludeKeywords)
}
