package scraper

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"

	"immo/scraper-service/internal/browser"
	"immo/scraper-service/internal/model"
	"immo/scraper-service/internal/pause"
)

// staleLimit is the number of consecutive scrolls without new listings
// after which discovery stops.
const staleLimit = 2

// listingPath matches detail pages: /ventes/immobilier/<category>/<department>/<slug>.
var listingPath = regexp.MustCompile(`^/(?:ventes|encheres)/immobilier/[^/?#]+/[^/?#]+/[^/?#]+/?$`)

// DiscovererOptions configures a Discoverer.
type DiscovererOptions struct {
	BaseURL  string
	DelayMin time.Duration // random wait after each scroll
	DelayMax time.Duration
	Sleep    pause.Func
}

// Discoverer collects listing URLs from a lazy-loaded results page.
type Discoverer struct {
	base     *url.URL
	delayMin time.Duration
	delayMax time.Duration
	sleep    pause.Func
	logger   zerolog.Logger
}

// NewDiscoverer constructs a Discoverer.
func NewDiscoverer(opts DiscovererOptions, logger zerolog.Logger) (*Discoverer, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", opts.BaseURL)
	}
	if opts.Sleep == nil {
		opts.Sleep = pause.Sleep
	}
	return &Discoverer{
		base:     base,
		delayMin: opts.DelayMin,
		delayMax: opts.DelayMax,
		sleep:    opts.Sleep,
		logger:   logger,
	}, nil
}

// Discover scrolls the page already loaded in s until maxAttempts is
// reached or the number of listings stayed the same for two consecutive
// attempts. It returns every listing seen, deduplicated, in first-seen order.
func (d *Discoverer) Discover(ctx context.Context, s browser.Session, maxAttempts int) ([]model.Listing, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	seen := make(map[string]bool)
	var listings []model.Listing

	prev, stale := -1, 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		html, err := s.Content(ctx)
		if err != nil {
			return listings, fmt.Errorf("discovery attempt %d: %w", attempt, err)
		}

		found, err := ExtractListingURLs(html, d.base)
		if err != nil {
			return listings, fmt.Errorf("discovery attempt %d: %w", attempt, err)
		}
		for _, u := range found {
			if !seen[u] {
				seen[u] = true
				listings = append(listings, model.Listing{URL: u})
			}
		}

		count := len(found)
		if count == prev {
			stale++
		} else {
			stale = 0
		}
		prev = count
		d.logger.Debug().Int("attempt", attempt).Int("visible", count).Int("stale", stale).
			Int("total", len(listings)).Msg("discovery pass")
		if stale >= staleLimit {
			d.logger.Info().Int("attempt", attempt).Int("listings", len(listings)).
				Msg("no new listings, discovery stopped early")
			break
		}

		if attempt < maxAttempts {
			if err := s.ScrollToBottom(ctx); err != nil {
				return listings, fmt.Errorf("discovery attempt %d: %w", attempt, err)
			}
			if err := d.sleep(ctx, pause.Between(d.delayMin, d.delayMax)); err != nil {
				return listings, err
			}
		}
	}

	return listings, nil
}

// ExtractListingURLs returns the absolute, deduplicated detail-page URLs
// linked from html. Links to other hosts are ignored; fragments are dropped.
func ExtractListingURLs(html string, base *url.URL) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	seen := make(map[string]bool)
	var out []string
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		u, err := base.Parse(strings.TrimSpace(href))
		if err != nil || !strings.EqualFold(u.Host, base.Host) {
			return
		}
		if !listingPath.MatchString(u.Path) {
			return
		}
		u.Fragment = ""
		abs := u.String()
		if !seen[abs] {
			seen[abs] = true
			out = append(out, abs)
		}
	})
	return out, nil
}
