package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"

	"immo/scraper-service/internal/browser"
	"immo/scraper-service/internal/model"
	"immo/scraper-service/internal/pause"
)

// Extraction failures. Both are per-listing: the batch continues.
var (
	ErrNoEmbeddedState  = errors.New("no embedded page state")
	ErrNoMatchingRecord = errors.New("no matching lot record")
)

const nextDataScript = `JSON.stringify(window.__NEXT_DATA__ || null)`

// ExtractorOptions configures an Extractor.
type ExtractorOptions struct {
	BaseURL  string
	DelayMin time.Duration // random pause between two detail pages
	DelayMax time.Duration
	Sleep    pause.Func
	Now      func() time.Time
}

// Extractor turns detail pages into RawOpportunity values.
type Extractor struct {
	base     *url.URL
	delayMin time.Duration
	delayMax time.Duration
	sleep    pause.Func
	now      func() time.Time
	logger   zerolog.Logger
}

// NewExtractor constructs an Extractor.
func NewExtractor(opts ExtractorOptions, logger zerolog.Logger) (*Extractor, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", opts.BaseURL)
	}
	if opts.Sleep == nil {
		opts.Sleep = pause.Sleep
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Extractor{
		base:     base,
		delayMin: opts.DelayMin,
		delayMax: opts.DelayMax,
		sleep:    opts.Sleep,
		now:      opts.Now,
		logger:   logger,
	}, nil
}

// Extract loads one detail page and parses its embedded state.
func (e *Extractor) Extract(ctx context.Context, s browser.Session, pageURL string) (*model.RawOpportunity, error) {
	return e.extract(ctx, s, pageURL, "")
}

func (e *Extractor) extract(ctx context.Context, s browser.Session, pageURL, fallbackDept string) (*model.RawOpportunity, error) {
	abs, err := e.base.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("listing url %q: %w", pageURL, err)
	}
	target := abs.String()

	if err := s.Navigate(ctx, target); err != nil {
		return nil, err
	}
	if err := s.WaitForReady(ctx); err != nil {
		return nil, err
	}

	raw, err := e.readState(ctx, s)
	if err != nil {
		return nil, err
	}
	return ParseState(raw, target, fallbackDept, e.now())
}

// readState returns the __NEXT_DATA__ JSON, first from the markup and then
// from the page's global.
func (e *Extractor) readState(ctx context.Context, s browser.Session) ([]byte, error) {
	html, err := s.Content(ctx)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	if text := strings.TrimSpace(doc.Find("script#__NEXT_DATA__").First().Text()); text != "" {
		return []byte(text), nil
	}

	var text string
	if err := s.Evaluate(ctx, nextDataScript, &text); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.logger.Debug().Err(err).Msg("reading __NEXT_DATA__ global failed")
		return nil, ErrNoEmbeddedState
	}
	text = strings.TrimSpace(text)
	if text == "" || text == "null" {
		return nil, ErrNoEmbeddedState
	}
	return []byte(text), nil
}

// ParseState maps an embedded Next.js state blob to a RawOpportunity.
// pageURL supplies the listing id when the blob lacks one and the
// department for the URL strategy; fallbackDept is used when nothing else
// names a department. now dates lots without a closing timestamp.
func ParseState(raw []byte, pageURL, fallbackDept string, now time.Time) (*model.RawOpportunity, error) {
	var nd nextData
	if err := json.Unmarshal(raw, &nd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoEmbeddedState, err)
	}
	state := nd.records()
	if len(state) == 0 {
		return nil, ErrNoEmbeddedState
	}

	id := nd.Query.ID.Value
	if id == "" {
		if u, err := url.Parse(pageURL); err == nil {
			id = u.Query().Get("id")
		}
	}
	if id == "" {
		return nil, fmt.Errorf("%w: listing id missing", ErrNoMatchingRecord)
	}
	lotRaw, ok := state["Lot:"+id]
	if !ok {
		return nil, fmt.Errorf("%w: Lot:%s", ErrNoMatchingRecord, id)
	}
	var lot lotRecord
	if err := json.Unmarshal(lotRaw, &lot); err != nil {
		return nil, fmt.Errorf("%w: Lot:%s: %v", ErrNoMatchingRecord, id, err)
	}

	title, located := splitTitle(lot.Nom.Value)
	addr, err := resolveAddress(addressInput{
		state:        state,
		lot:          lot,
		located:      located,
		pageURL:      pageURL,
		fallbackDept: fallbackDept,
	})
	if err != nil {
		return nil, fmt.Errorf("lot %s: %w", id, err)
	}
	if title == "" {
		title = addr.City
	}

	opp := &model.RawOpportunity{
		Label:      title,
		Address:    addr.Address,
		City:       addr.City,
		Department: addr.Department,
		ZipCode:    addr.ZipCode,
		Latitude:   addr.Latitude,
		Longitude:  addr.Longitude,
		EventDate:  eventDate(lot, now),
		Extra: model.OpportunityExtra{
			SourceID:      id,
			Category:      state.label(lot.Categorie),
			Subcategory:   state.label(lot.SousCategorie),
			CurrentPrice:  lot.MiseAPrix.ptr(),
			LowerEstimate: lot.EstimationBasse.ptr(),
			UpperEstimate: lot.EstimationHaute.ptr(),
			ReservePrice:  lot.PrixReserve.ptr(),
			Description:   lot.Description.ptr(),
			EnergyClass:   lot.DPE.ptr(),
			Area:          lot.Surface.ptr(),
			Rooms:         lot.NbPieces.intPtr(),
			SourceURL:     pageURL,
		},
		Contact: contact(state, lot.Organisateur),
		Images:  photos(state, lot.Photos),
	}
	if venue := state.label(lot.Lieu); venue != "" {
		opp.Extra.Venue = &venue
	}
	return opp, nil
}

// eventDate picks the actual closing, then the auction closing, then the
// generic closing timestamp. Values are epoch seconds; millisecond values
// are tolerated.
func eventDate(lot lotRecord, now time.Time) time.Time {
	for _, ts := range []optNumber{lot.FermetureReelle, lot.FermetureEnchere, lot.Fermeture} {
		if !ts.Valid || ts.Value <= 0 {
			continue
		}
		if ts.Value > 1e12 {
			return time.UnixMilli(int64(ts.Value)).UTC()
		}
		return time.Unix(int64(ts.Value), 0).UTC()
	}
	return now.UTC()
}

func contact(state apolloState, raw json.RawMessage) *model.ContactData {
	var rec namedRecord
	if !state.resolve(raw, &rec) {
		return nil
	}
	c := model.ContactData{
		Name:    strings.TrimSpace(rec.label()),
		Phone:   rec.Telephone.Value,
		Email:   rec.Email.Value,
		Website: rec.SiteWeb.Value,
	}
	if c == (model.ContactData{}) {
		return nil
	}
	return &c
}

func photos(state apolloState, raw json.RawMessage) []string {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return []string{}
	}
	out := make([]string, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		var u string
		var rec namedRecord
		switch {
		case json.Unmarshal(item, &u) == nil:
		case state.resolve(item, &rec):
			u = rec.URL.Value
		}
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

// ExtractAll extracts listings in batches of batchSize with a random pause
// between two detail pages. Failed listings are logged and counted; only a
// cancelled context stops the loop.
func (e *Extractor) ExtractAll(
	ctx context.Context,
	s browser.Session,
	listings []model.Listing,
	batchSize int,
	fallbackDept string,
) ([]model.RawOpportunity, int, error) {
	if batchSize <= 0 {
		batchSize = 5
	}

	opps := make([]model.RawOpportunity, 0, len(listings))
	failures := 0
	for start := 0; start < len(listings); start += batchSize {
		end := min(start+batchSize, len(listings))

		for i := start; i < end; i++ {
			if i > 0 {
				if err := e.sleep(ctx, pause.Between(e.delayMin, e.delayMax)); err != nil {
					return opps, failures, err
				}
			}

			l := listings[i]
			opp, err := e.extract(ctx, s, l.URL, fallbackDept)
			if ctx.Err() != nil {
				return opps, failures, ctx.Err()
			}
			if err != nil {
				failures++
				e.logger.Warn().Err(err).Str("url", l.URL).Msg("listing extraction failed")
				continue
			}
			opps = append(opps, *opp)
		}

		e.logger.Info().
			Int("done", end).
			Int("total", len(listings)).
			Int("extracted", len(opps)).
			Int("failures", failures).
			Msg("detail batch done")
	}

	return opps, failures, nil
}
