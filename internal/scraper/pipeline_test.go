package scraper_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"immo/scraper-service/internal/browser"
	"immo/scraper-service/internal/geocoder"
	"immo/scraper-service/internal/model"
	"immo/scraper-service/internal/scraper"
	"immo/scraper-service/internal/store"
)

// stubGeocoder marks every opportunity located in Dreux.
type stubGeocoder struct {
	calls int
	seen  []model.RawOpportunity
}

func (g *stubGeocoder) ResolveBatch(_ context.Context, opps []model.RawOpportunity) ([]model.RawOpportunity, geocoder.Stats, error) {
	g.calls++
	g.seen = opps
	out := make([]model.RawOpportunity, len(opps))
	copy(out, opps)
	var st geocoder.Stats
	for i := range out {
		if out[i].City != "Dreux" {
			st.Failed++
			continue
		}
		lat, lon, zip := 48.7363, 1.3656, "28100"
		out[i].Latitude, out[i].Longitude, out[i].ZipCode = &lat, &lon, &zip
		st.Resolved++
	}
	return out, st, nil
}

type recordingWriter struct {
	rows      []model.Opportunity
	batchSize int
	err       error
}

func (w *recordingWriter) InsertOpportunities(_ context.Context, opps []model.Opportunity, batchSize int) (int, error) {
	w.batchSize = batchSize
	if w.err != nil {
		return 0, w.err
	}
	w.rows = append(w.rows, opps...)
	return len(opps), nil
}

type pipelineFixture struct {
	session *fakeSession
	geo     *stubGeocoder
	writer  *recordingWriter
	rdb     *redis.Client
	cfg     scraper.PipelineConfig
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	f := &pipelineFixture{
		session: newFakeSession(),
		geo:     &stubGeocoder{},
		writer:  &recordingWriter{},
		rdb:     rdb,
		cfg: scraper.PipelineConfig{
			SourceName:           "encheres-publiques",
			BaseURL:              baseURL,
			ListingPathTemplate:  "/ventes/immobilier?departement=%s",
			NationalListingPath:  "/ventes/immobilier",
			DiscoveryMaxAttempts: 5,
			DetailBatchSize:      5,
			UpsertBatchSize:      500,
		},
	}

	names := []string{"Maison située à Dreux", "Grange située à Oinville-Sous-Auneau", "Parking situé à Dreux"}
	var hrefs []string
	for i, name := range names {
		id := fmt.Sprint(101 + i)
		href := fmt.Sprintf("/ventes/immobilier/maisons/eure-et-loir-28/lot-%s?id=%s", id, id)
		hrefs = append(hrefs, href)
		lot := simpleLot(id, name)
		lot["Lot:"+id].(map[string]any)["fermeture_reelle_date"] = 1762970400 + i*86400*30
		f.session.pages[baseURL+href] = detailPage(nextDataJSON(t, id, lot))
	}
	f.session.frames = []string{listPage(hrefs...)}
	return f
}

func (f *pipelineFixture) pipeline(t *testing.T) *scraper.Pipeline {
	t.Helper()
	rec := &sleepRecorder{}
	d, err := scraper.NewDiscoverer(scraper.DiscovererOptions{BaseURL: baseURL, Sleep: rec.sleep}, zerolog.Nop())
	require.NoError(t, err)
	e, err := scraper.NewExtractor(scraper.ExtractorOptions{BaseURL: baseURL, Sleep: rec.sleep, Now: func() time.Time { return fixedNow }}, zerolog.Nop())
	require.NoError(t, err)
	return scraper.NewPipeline(f.cfg, f.session.factory(), d, e, f.geo, f.writer, f.rdb, zerolog.Nop()).
		WithClock(func() time.Time { return fixedNow })
}

func job(partition int, since string) model.ScrapeJob {
	j := model.ScrapeJob{JobName: model.JobNameAuctions, PartitionID: &partition}
	if since != "" {
		j.SinceDate = &since
	}
	return j
}

func TestPipelineRun_EndToEnd(t *testing.T) {
	f := newPipelineFixture(t)
	sub := f.rdb.Subscribe(context.Background(), scraper.EventOpportunitiesUpserted)
	defer sub.Close()
	_, err := sub.Receive(context.Background())
	require.NoError(t, err)

	sum, err := f.pipeline(t).Run(context.Background(), job(28, ""))
	require.NoError(t, err)

	assert.Equal(t, baseURL+"/ventes/immobilier?departement=28", f.session.navigated[0])
	assert.Equal(t, 1, f.session.closed)
	assert.Equal(t, scraper.Summary{
		Partition:       "28",
		Discovered:      3,
		Extracted:       3,
		Geocoded:        2,
		GeocodeFailures: 1,
		Upserted:        3,
		Duration:        sum.Duration,
	}, sum)

	require.Len(t, f.writer.rows, 3)
	assert.Equal(t, 500, f.writer.batchSize)
	first := f.writer.rows[0]
	assert.Equal(t, "encheres-publiques-101", first.ExternalID)
	assert.Equal(t, model.OpportunityType, first.Type)
	assert.Equal(t, "Maison", first.Label)
	assert.Equal(t, "28", first.Department)
	assert.Equal(t, model.StatusUpcoming, first.Status)
	require.NotNil(t, first.ZipCode)
	assert.Equal(t, "28100", *first.ZipCode)

	ungeocoded := f.writer.rows[1]
	assert.Nil(t, ungeocoded.Latitude, "geocoding failures are persisted without coordinates")
	assert.Equal(t, "Oinville-Sous-Auneau", ungeocoded.City)

	msg, err := sub.ReceiveMessage(context.Background())
	require.NoError(t, err)
	var event map[string]any
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &event))
	assert.Equal(t, scraper.EventOpportunitiesUpserted, event["type"])
	assert.Equal(t, "28", event["partition"])
	assert.EqualValues(t, 3, event["upserted"])
}

func TestPipelineRun_SinceDateAndExcludeKeywords(t *testing.T) {
	f := newPipelineFixture(t)
	f.cfg.ExcludeKeywords = []string{"parking"}

	// Lot 101 closes 2025-11-12, 102 a month later, 103 two months later.
	sum, err := f.pipeline(t).Run(context.Background(), job(28, "2025-12-01"))
	require.NoError(t, err)

	assert.Equal(t, 2, sum.FilteredOut)
	require.Len(t, f.geo.seen, 1)
	assert.Equal(t, "102", f.geo.seen[0].Extra.SourceID)
	require.Len(t, f.writer.rows, 1)
}

func TestPipelineRun_PersistenceErrorPropagates(t *testing.T) {
	f := newPipelineFixture(t)
	f.writer.err = &store.BatchError{Index: 1, Committed: 500, Err: errors.New("connection reset")}

	sum, err := f.pipeline(t).Run(context.Background(), job(28, ""))

	var be *store.BatchError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, 500, be.Committed)
	assert.Equal(t, 3, sum.Extracted)
	assert.Equal(t, 1, f.session.closed, "session closed on the error path")
}

func TestPipelineRun_ListingNavigationFails(t *testing.T) {
	f := newPipelineFixture(t)
	f.session.navErr[baseURL+"/ventes/immobilier?departement=06"] = fmt.Errorf("%w: status 403", browser.ErrNavigation)

	_, err := f.pipeline(t).Run(context.Background(), job(6, ""))

	assert.ErrorIs(t, err, browser.ErrNavigation)
	assert.Equal(t, 1, f.session.closed)
	assert.Zero(t, f.geo.calls)
	assert.Empty(t, f.writer.rows)
}

func TestPipelineRun_SessionFactoryFails(t *testing.T) {
	f := newPipelineFixture(t)
	rec := &sleepRecorder{}
	d, _ := scraper.NewDiscoverer(scraper.DiscovererOptions{BaseURL: baseURL, Sleep: rec.sleep}, zerolog.Nop())
	e, _ := scraper.NewExtractor(scraper.ExtractorOptions{BaseURL: baseURL, Sleep: rec.sleep}, zerolog.Nop())
	failing := func(context.Context) (browser.Session, error) { return nil, errors.New("chrome not found") }

	p := scraper.NewPipeline(f.cfg, failing, d, e, f.geo, f.writer, nil, zerolog.Nop())
	_, err := p.Run(context.Background(), job(28, ""))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "chrome not found")
}

func TestPipelineRun_InvalidSinceDate(t *testing.T) {
	f := newPipelineFixture(t)

	_, err := f.pipeline(t).Run(context.Background(), job(28, "yesterday"))

	assert.ErrorIs(t, err, scraper.ErrInvalidJob)
	assert.Zero(t, f.session.closed, "no session is opened for an invalid job")
}

func TestListingPageURL(t *testing.T) {
	cases := []struct {
		name string
		dept string
		want string
	}{
		{"department", "01", baseURL + "/ventes/immobilier?departement=01"},
		{"national", "", baseURL + "/ventes/immobilier"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := scraper.ListingPageURL(baseURL, "/ventes/immobilier?departement=%s", "/ventes/immobilier", c.dept)
			require.NoError(t, err)
			assert.Equal(t, c.want, got)
		})
	}

	_, err := scraper.ListingPageURL("not a url", "/x/%s", "/x", "01")
	assert.Error(t, err)
}
