// Package geocoder resolves free-text French addresses to a postal code and
// coordinates through the national address-search API (BAN).
package geocoder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"immo/scraper-service/internal/model"
	"immo/scraper-service/internal/pause"
)

const (
	defaultBaseURL = "https://api-adresse.data.gouv.fr/search/"
	httpTimeout    = 15 * time.Second

	maxAttempts      = 3
	maxThrottleWaits = 5
	throttleDefault  = 5000 * time.Millisecond
	backoffUnit      = 1000 * time.Millisecond
)

// Result is an accepted geocoding match.
type Result struct {
	ZipCode   string
	Latitude  float64
	Longitude float64
	Label     string
	Score     float64
}

// Stats summarises one ResolveBatch call.
type Stats struct {
	Resolved int // coordinates found and accepted
	Skipped  int // already carried coordinates
	Failed   int // kept without coordinates
}

// Options configures a Geocoder. Zero values fall back to production defaults.
type Options struct {
	BaseURL    string
	MinGap     time.Duration // minimum spacing between outbound requests
	MinScore   float64
	HTTPClient *http.Client
	Sleep      pause.Func // backoff waits; the rate limiter keeps its own clock
}

// Geocoder is safe for sequential use by one job at a time. The limiter is
// shared by every call made through the same Geocoder, so a single instance
// must be wired for the whole process.
type Geocoder struct {
	baseURL  string
	client   *http.Client
	limiter  *rate.Limiter
	minScore float64
	sleep    pause.Func
	logger   zerolog.Logger
}

// New constructs a Geocoder.
func New(opts Options, logger zerolog.Logger) *Geocoder {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.MinGap <= 0 {
		opts.MinGap = 25 * time.Millisecond
	}
	if opts.MinScore <= 0 {
		opts.MinScore = 0.5
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: httpTimeout}
	}
	if opts.Sleep == nil {
		opts.Sleep = pause.Sleep
	}
	return &Geocoder{
		baseURL:  opts.BaseURL,
		client:   opts.HTTPClient,
		limiter:  rate.NewLimiter(rate.Every(opts.MinGap), 1),
		minScore: opts.MinScore,
		sleep:    opts.Sleep,
		logger:   logger,
	}
}

// searchResponse mirrors the GeoJSON FeatureCollection returned by the API.
type searchResponse struct {
	Features []searchFeature `json:"features"`
}

type searchFeature struct {
	Properties struct {
		Score    float64 `json:"score"`
		Postcode string  `json:"postcode"`
		Label    string  `json:"label"`
	} `json:"properties"`
	Geometry struct {
		Coordinates []float64 `json:"coordinates"` // [lon, lat]
	} `json:"geometry"`
}

// callError describes a failed request; status is 0 for transport errors.
type callError struct {
	status     int
	retryAfter time.Duration
	err        error
}

func (e *callError) Error() string {
	if e.status != 0 {
		return fmt.Sprintf("geocoder returned %d: %v", e.status, e.err)
	}
	return e.err.Error()
}

// Resolve geocodes address. It returns (nil, nil) when the address could not
// be resolved with enough confidence; the only errors are context errors.
func (g *Geocoder) Resolve(ctx context.Context, address string) (*Result, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, nil
	}

	attempt, throttled := 0, 0
	for {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		feature, err := g.search(ctx, address)
		if err == nil {
			return g.accept(address, feature), nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var ce *callError
		if errors.As(err, &ce) && ce.status == http.StatusTooManyRequests {
			throttled++
			if throttled > maxThrottleWaits {
				g.logger.Warn().Str("address", address).Int("throttled", throttled-1).
					Msg("geocoder still throttling, giving up")
				return nil, nil
			}
			wait := throttleDefault
			if ce.retryAfter > 0 {
				wait = ce.retryAfter
			}
			g.logger.Debug().Str("address", address).Dur("wait", wait).Msg("geocoder throttled")
			if err := g.sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		attempt++
		if attempt >= maxAttempts {
			g.logger.Warn().Err(err).Str("address", address).Int("attempts", attempt).
				Msg("geocoding failed")
			return nil, nil
		}
		wait := time.Duration(attempt) * backoffUnit
		g.logger.Debug().Err(err).Str("address", address).Int("attempt", attempt).Dur("wait", wait).
			Msg("geocoder request failed, retrying")
		if err := g.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// accept applies the confidence threshold to the best feature.
func (g *Geocoder) accept(address string, f *searchFeature) *Result {
	if f == nil {
		g.logger.Debug().Str("address", address).Msg("no geocoding match")
		return nil
	}
	if f.Properties.Score < g.minScore {
		g.logger.Debug().Str("address", address).Float64("score", f.Properties.Score).
			Msg("geocoding match below threshold")
		return nil
	}
	if len(f.Geometry.Coordinates) < 2 {
		return nil
	}
	return &Result{
		ZipCode:   f.Properties.Postcode,
		Longitude: f.Geometry.Coordinates[0],
		Latitude:  f.Geometry.Coordinates[1],
		Label:     f.Properties.Label,
		Score:     f.Properties.Score,
	}
}

// search performs one request and returns the first feature, or nil when
// the API found nothing.
func (g *Geocoder) search(ctx context.Context, address string) (*searchFeature, error) {
	params := url.Values{}
	params.Set("q", address)
	params.Set("limit", "1")

	reqURL := g.baseURL + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, &callError{err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, &callError{err: fmt.Errorf("http GET: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &callError{err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &callError{
			status:     resp.StatusCode,
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
			err:        errors.New("rate limited"),
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &callError{status: resp.StatusCode, err: errors.New(truncate(string(body), 200))}
	}

	var apiResp searchResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, &callError{err: fmt.Errorf("json unmarshal: %w", err)}
	}
	if len(apiResp.Features) == 0 {
		return nil, nil
	}
	return &apiResp.Features[0], nil
}

// parseRetryAfter reads a Retry-After header given in seconds (or, less
// commonly, as an HTTP date). Zero means "absent or unparseable".
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * 1000 * time.Millisecond
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}

// ResolveBatch geocodes opportunities one after another. Items that already
// carry non-zero coordinates are passed through untouched; items that cannot
// be resolved are kept without coordinates. The returned error is non-nil
// only when ctx ends.
func (g *Geocoder) ResolveBatch(ctx context.Context, opps []model.RawOpportunity) ([]model.RawOpportunity, Stats, error) {
	out := make([]model.RawOpportunity, len(opps))
	copy(out, opps)

	var stats Stats
	for i := range out {
		o := &out[i]
		if o.HasCoordinates() {
			stats.Skipped++
			continue
		}

		res, err := g.Resolve(ctx, QueryFor(*o))
		if err != nil {
			return out, stats, err
		}
		if res == nil {
			stats.Failed++
			g.logger.Info().Str("source_id", o.Extra.SourceID).Str("address", o.Address).
				Msg("opportunity kept without coordinates")
			continue
		}

		lat, lon := res.Latitude, res.Longitude
		o.Latitude, o.Longitude = &lat, &lon
		if res.ZipCode != "" {
			zip := res.ZipCode
			o.ZipCode = &zip
		}
		stats.Resolved++
	}

	g.logger.Info().Int("total", len(out)).Int("resolved", stats.Resolved).
		Int("skipped", stats.Skipped).Int("failed", stats.Failed).Msg("geocoding batch done")
	return out, stats, nil
}

// QueryFor builds the search text for an opportunity: its address, with the
// city appended when the address does not already mention it.
func QueryFor(o model.RawOpportunity) string {
	addr := strings.TrimSpace(o.Address)
	city := strings.TrimSpace(o.City)
	switch {
	case addr == "":
		return city
	case city == "" || strings.Contains(strings.ToLower(addr), strings.ToLower(city)):
		return addr
	default:
		return addr + " " + city
	}
}
