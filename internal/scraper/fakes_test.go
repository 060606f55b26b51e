package scraper_test

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"immo/scraper-service/internal/browser"
)

const baseURL = "https://www.encheres-publiques.com"

// fakeSession serves canned HTML. Detail pages come from pages; any other
// URL serves frames, one frame per scroll position.
type fakeSession struct {
	mu sync.Mutex

	pages      map[string]string
	frames     []string
	navErr     map[string]error
	evalResult string

	current   string
	scrolls   int
	navigated []string
	closed    int
}

func newFakeSession() *fakeSession {
	return &fakeSession{pages: map[string]string{}, navErr: map[string]error{}}
}

func (f *fakeSession) Navigate(_ context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.navigated = append(f.navigated, url)
	if err := f.navErr[url]; err != nil {
		return err
	}
	f.current = url
	return nil
}

func (f *fakeSession) WaitForReady(ctx context.Context) error { return ctx.Err() }

func (f *fakeSession) Evaluate(_ context.Context, _ string, res any) error {
	if s, ok := res.(*string); ok {
		*s = f.evalResult
	}
	return nil
}

func (f *fakeSession) ScrollToBottom(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scrolls++
	return nil
}

func (f *fakeSession) Content(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if html, ok := f.pages[f.current]; ok {
		return html, nil
	}
	if len(f.frames) == 0 {
		return "<html><body></body></html>", nil
	}
	return f.frames[min(f.scrolls, len(f.frames)-1)], nil
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeSession) factory() browser.Factory {
	return func(context.Context) (browser.Session, error) { return f, nil }
}

// sleepRecorder captures requested waits instead of sleeping.
type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits = append(s.waits, d)
	return ctx.Err()
}

// listPage renders anchors for the given hrefs.
func listPage(hrefs ...string) string {
	var sb strings.Builder
	sb.WriteString("<html><body><main>")
	for _, h := range hrefs {
		fmt.Fprintf(&sb, `<a href="%s">lot</a>`, h)
	}
	sb.WriteString("</main></body></html>")
	return sb.String()
}

func listingHref(i int) string {
	return fmt.Sprintf("/ventes/immobilier/maisons/eure-et-loir-28/maison-%d?id=%d", i, i)
}

// nextDataJSON builds a __NEXT_DATA__ blob holding records, with query.id set
// to id when non-empty.
func nextDataJSON(t *testing.T, id string, records map[string]any) string {
	t.Helper()
	query := map[string]any{}
	if id != "" {
		query["id"] = id
	}
	b, err := json.Marshal(map[string]any{
		"props": map[string]any{"pageProps": map[string]any{"apolloState": records}},
		"query": query,
	})
	if err != nil {
		t.Fatalf("marshal next data: %v", err)
	}
	return string(b)
}

// detailPage embeds blob the way Next.js does.
func detailPage(blob string) string {
	return `<html><head><script id="__NEXT_DATA__" type="application/json">` + blob +
		`</script></head><body><h1>Lot</h1></body></html>`
}

// simpleLot returns a minimal record set for lot id.
func simpleLot(id, name string) map[string]any {
	return map[string]any{
		"Lot:" + id: map[string]any{
			"nom":                   name,
			"fermeture_reelle_date": 1762970400,
			"mise_a_prix":           85000,
		},
	}
}
