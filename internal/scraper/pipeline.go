package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"immo/scraper-service/internal/browser"
	"immo/scraper-service/internal/geocoder"
	"immo/scraper-service/internal/model"
)

// EventOpportunitiesUpserted is published on Redis after a job persisted
// its opportunities.
const EventOpportunitiesUpserted = "EVENT_OPPORTUNITIES_UPSERTED"

// ErrInvalidJob marks jobs that can never succeed; they are not retried.
var ErrInvalidJob = errors.New("invalid job")

// Geocoder resolves coordinates for a batch of opportunities.
type Geocoder interface {
	ResolveBatch(ctx context.Context, opps []model.RawOpportunity) ([]model.RawOpportunity, geocoder.Stats, error)
}

// OpportunityWriter persists opportunities.
type OpportunityWriter interface {
	InsertOpportunities(ctx context.Context, opps []model.Opportunity, batchSize int) (int, error)
}

// Publisher is the pub/sub side of *redis.Client.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// PipelineConfig holds the site and batching parameters of a run.
type PipelineConfig struct {
	SourceName           string
	BaseURL              string
	ListingPathTemplate  string // %s is the department code
	NationalListingPath  string
	DiscoveryMaxAttempts int
	DetailBatchSize      int
	UpsertBatchSize      int
	ExcludeKeywords      []string
}

// Summary reports what one run did.
type Summary struct {
	Partition       string        `json:"partition,omitempty"`
	Discovered      int           `json:"discovered"`
	Extracted       int           `json:"extracted"`
	ExtractFailures int           `json:"extractFailures"`
	FilteredOut     int           `json:"filteredOut"`
	Geocoded        int           `json:"geocoded"`
	GeocodeFailures int           `json:"geocodeFailures"`
	Upserted        int           `json:"upserted"`
	Duration        time.Duration `json:"duration"`
}

// Pipeline runs discovery, extraction, geocoding and persistence for one job.
type Pipeline struct {
	cfg        PipelineConfig
	sessions   browser.Factory
	discoverer *Discoverer
	extractor  *Extractor
	geocoder   Geocoder
	store      OpportunityWriter
	events     Publisher
	now        func() time.Time
	logger     zerolog.Logger
}

// NewPipeline constructs a Pipeline. events may be nil.
func NewPipeline(
	cfg PipelineConfig,
	sessions browser.Factory,
	discoverer *Discoverer,
	extractor *Extractor,
	geo Geocoder,
	store OpportunityWriter,
	events Publisher,
	logger zerolog.Logger,
) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		sessions:   sessions,
		discoverer: discoverer,
		extractor:  extractor,
		geocoder:   geo,
		store:      store,
		events:     events,
		now:        time.Now,
		logger:     logger,
	}
}

// WithClock replaces the clock used to derive statuses.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// Run executes job. The browser session it opens is closed on every path.
func (p *Pipeline) Run(ctx context.Context, job model.ScrapeJob) (Summary, error) {
	start := time.Now()
	dept := job.DepartmentCode()
	sum := Summary{Partition: dept}
	log := p.logger.With().Str("partition", dept).Logger()

	since, err := job.Since()
	if err != nil {
		return sum, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	listURL, err := ListingPageURL(p.cfg.BaseURL, p.cfg.ListingPathTemplate, p.cfg.NationalListingPath, dept)
	if err != nil {
		return sum, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}

	session, err := p.sessions(ctx)
	if err != nil {
		return sum, fmt.Errorf("open browser session: %w", err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			log.Warn().Err(err).Msg("closing browser session failed")
		}
	}()

	// ── Discovery ──────────────────────────────────────────
	if err := session.Navigate(ctx, listURL); err != nil {
		return sum, fmt.Errorf("listing page: %w", err)
	}
	if err := session.WaitForReady(ctx); err != nil {
		return sum, fmt.Errorf("listing page: %w", err)
	}
	listings, err := p.discoverer.Discover(ctx, session, p.cfg.DiscoveryMaxAttempts)
	if err != nil {
		return sum, fmt.Errorf("discover: %w", err)
	}
	sum.Discovered = len(listings)
	log.Info().Int("listings", len(listings)).Str("url", listURL).Msg("discovery done")

	// ── Extraction ─────────────────────────────────────────
	raws, failures, err := p.extractor.ExtractAll(ctx, session, listings, p.cfg.DetailBatchSize, dept)
	sum.Extracted, sum.ExtractFailures = len(raws), failures
	if err != nil {
		return sum, fmt.Errorf("extract: %w", err)
	}

	kept := raws[:0]
	for _, r := range raws {
		if !since.IsZero() && r.EventDate.Before(since) {
			continue
		}
		if Excluded(r, p.cfg.ExcludeKeywords) {
			log.Debug().Str("source_id", r.Extra.SourceID).Str("label", r.Label).Msg("opportunity excluded by keyword")
			continue
		}
		kept = append(kept, r)
	}
	sum.FilteredOut = len(raws) - len(kept)
	raws = kept

	// ── Geocoding ──────────────────────────────────────────
	geocoded, stats, err := p.geocoder.ResolveBatch(ctx, raws)
	sum.Geocoded, sum.GeocodeFailures = stats.Resolved+stats.Skipped, stats.Failed
	if err != nil {
		return sum, fmt.Errorf("geocode: %w", err)
	}

	// ── Persistence ────────────────────────────────────────
	now := p.now()
	rows := make([]model.Opportunity, 0, len(geocoded))
	for _, g := range geocoded {
		rows = append(rows, model.ToOpportunity(p.cfg.SourceName, g, now))
	}
	n, err := p.store.InsertOpportunities(ctx, rows, p.cfg.UpsertBatchSize)
	sum.Upserted = n
	if err != nil {
		return sum, fmt.Errorf("persist: %w", err)
	}

	sum.Duration = time.Since(start)
	p.publish(ctx, sum)
	return sum, nil
}

// publish announces the run on Redis. Failures are logged, never returned.
func (p *Pipeline) publish(ctx context.Context, sum Summary) {
	if p.events == nil {
		return
	}
	event, _ := json.Marshal(map[string]any{
		"type":      EventOpportunitiesUpserted,
		"source":    p.cfg.SourceName,
		"partition": sum.Partition,
		"upserted":  sum.Upserted,
		"extracted": sum.Extracted,
	})
	if err := p.events.Publish(ctx, EventOpportunitiesUpserted, event).Err(); err != nil {
		p.logger.Warn().Err(err).Msg("publish " + EventOpportunitiesUpserted + " failed")
	}
}

// ListingPageURL returns the results page of a department, or the national
// page when dept is empty.
func ListingPageURL(baseURL, template, nationalPath, dept string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil || base.Host == "" {
		return "", fmt.Errorf("invalid base url %q", baseURL)
	}
	path := nationalPath
	if dept != "" {
		path = fmt.Sprintf(template, dept)
	}
	u, err := base.Parse(path)
	if err != nil {
		return "", fmt.Errorf("listing path %q: %w", path, err)
	}
	return u.String(), nil
}
