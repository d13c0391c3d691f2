package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clickroute/clickroute/internal/caps"
	"github.com/clickroute/clickroute/internal/catalog"
	"github.com/clickroute/clickroute/internal/fraud"
	"github.com/clickroute/clickroute/internal/geo"
	"github.com/clickroute/clickroute/internal/middleware"
	"github.com/clickroute/clickroute/internal/model"
	"github.com/clickroute/clickroute/internal/pipeline"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeProcessor struct {
	decision model.Decision
	err      error
	calls    int
	last     model.ClickSource
}

func (p *fakeProcessor) Handle(_ context.Context, src model.ClickSource) (model.Decision, error) {
	p.calls++
	p.last = src
	return p.decision, p.err
}

func newTestRouter(proc ClickProcessor, reader ClickReader) http.Handler {
	logger := discardLogger()
	cfg := RouterConfig{
		Logger:  logger,
		Service: New("clickroute"),
		Health:  NewHealthHandler(nil, nil),
		Clicks:  NewClickHandler(proc, "", logger),
	}
	if reader != nil {
		cfg.ClicksAPI = NewClicksHandler(reader, logger)
	}
	return NewRouter(cfg)
}

func doGet(h http.Handler, target string, mutate func(r *http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.RemoteAddr = "203.0.113.10:40000"
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// =============================================================================
// Request parsing
// =============================================================================

func TestClick_CapturesSource(t *testing.T) {
	proc := &fakeProcessor{decision: model.Decision{ClickID: "01J", Status: model.StatusProcessed, RedirectURL: "https://lp.example.com/?click_id=01J"}}
	h := newTestRouter(proc, nil)

	long := strings.Repeat("u", 600)
	rec := doGet(h, "/click/summer?publisher_id=P1&sub1=abc&sub3=x%20y&other=ignored", func(r *http.Request) {
		r.Header.Set("User-Agent", long)
		r.Header.Set("Referer", "https://pub.example.net/article?utm=1#top")
		r.Header.Set("Accept-Language", "de-DE,de;q=0.9")
		r.Header.Set("CF-IPCountry", "us")
		r.AddCookie(&http.Cookie{Name: VisitorCookie, Value: "v-123"})
	})

	require.Equal(t, http.StatusFound, rec.Code)
	require.Equal(t, 1, proc.calls)

	src := proc.last
	assert.Equal(t, "summer", src.RawOfferRef)
	assert.Equal(t, "P1", src.PublisherID)
	assert.Equal(t, "203.0.113.10", src.ClientIP)
	assert.Len(t, src.UserAgent, maxUserAgentLen)
	assert.Equal(t, "https://pub.example.net/article", src.Referrer)
	assert.Equal(t, "de-DE,de;q=0.9", src.AcceptLanguage)
	assert.Equal(t, "us", src.GeoHint)
	assert.Equal(t, "v-123", src.VisitorID)
	assert.Equal(t, map[string]string{"sub1": "abc", "sub3": "x y"}, src.TrackingParams)
}

func TestClick_TruncatesOnRuneBoundary(t *testing.T) {
	proc := &fakeProcessor{decision: model.Decision{ClickID: "01J", Status: model.StatusProcessed, RedirectURL: "https://lp.example.com/"}}
	h := newTestRouter(proc, nil)

	ua := "Mozilla/5.0 " + strings.Repeat("a", 487) + "é"
	require.Len(t, ua, maxUserAgentLen+1)
	sub := strings.Repeat("ü", 200)

	rec := doGet(h, "/click/O1?pub=P1&sub1="+url.QueryEscape(sub), func(r *http.Request) {
		r.Header.Set("User-Agent", ua)
		r.Header.Set("Accept-Language", "fr\xff\xfe-FR")
		r.Header.Set("CF-IPCountry", "é")
	})
	require.Equal(t, http.StatusFound, rec.Code)

	src := proc.last
	assert.True(t, utf8.ValidString(src.UserAgent))
	assert.Equal(t, ua[:maxUserAgentLen-1], src.UserAgent)
	assert.Equal(t, "fr-FR", src.AcceptLanguage)
	assert.Equal(t, "é", src.GeoHint)
	assert.True(t, utf8.ValidString(src.TrackingParams["sub1"]))
	assert.Equal(t, strings.Repeat("ü", 127), src.TrackingParams["sub1"])
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"abc", 5, "abc"},
		{"abcdef", 3, "abc"},
		{"aé", 2, "a"},
		{"aé", 3, "aé"},
		{"日本", 4, "日"},
		{"é", 1, ""},
		{"a\xffb", 2, "ab"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestClick_VisitorIDPrecedence(t *testing.T) {
	proc := &fakeProcessor{decision: model.Decision{ClickID: "01J", Status: model.StatusRejected}}
	h := newTestRouter(proc, nil)

	doGet(h, "/click/O1?pub=P1&vid=query-vid", func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: VisitorCookie, Value: "cookie-vid"})
	})
	assert.Equal(t, "query-vid", proc.last.VisitorID)

	doGet(h, "/click/O1?pub=P1&vid=%3Cscript%3E", nil)
	assert.Empty(t, proc.last.VisitorID)
}

func TestClick_MappedIPv6IsUnmapped(t *testing.T) {
	proc := &fakeProcessor{decision: model.Decision{ClickID: "01J", Status: model.StatusRejected}}
	h := newTestRouter(proc, nil)

	doGet(h, "/click/O1?pub=P1", func(r *http.Request) {
		r.RemoteAddr = "[::ffff:203.0.113.10]:443"
	})
	assert.Equal(t, "203.0.113.10", proc.last.ClientIP)
}

func TestClick_MalformedRequests(t *testing.T) {
	tests := []struct {
		name     string
		target   string
		mutate   func(r *http.Request)
		wantCode string
	}{
		{"missing publisher", "/click/O1", nil, "INVALID_PUBLISHER"},
		{"invalid publisher", "/click/O1?pub=P%201", nil, "INVALID_PUBLISHER"},
		{"overlong publisher", "/click/O1?pub=" + strings.Repeat("p", 200), nil, "INVALID_PUBLISHER"},
		{"invalid offer ref", "/click/-O1?pub=P1", nil, "INVALID_OFFER_REF"},
		{"overlong offer ref", "/click/" + strings.Repeat("o", 200) + "?pub=P1", nil, "INVALID_OFFER_REF"},
		{"unparseable ip", "/click/O1?pub=P1", func(r *http.Request) { r.RemoteAddr = "not-an-ip" }, "INVALID_CLIENT_IP"},
		{"bad edge ip", "/click/O1?pub=P1", func(r *http.Request) { r.Header.Set("CF-Connecting-IP", "999.1.1.1") }, "INVALID_CLIENT_IP"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proc := &fakeProcessor{}
			h := newTestRouter(proc, nil)

			rec := doGet(h, tt.target, tt.mutate)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantCode)
			assert.Zero(t, proc.calls, "malformed requests must not be ingested")
		})
	}
}

// =============================================================================
// Responses
// =============================================================================

func TestClick_RedirectHeaders(t *testing.T) {
	proc := &fakeProcessor{decision: model.Decision{ClickID: "01JCLICK", Status: model.StatusProcessed, RedirectURL: "https://lp.example.com/x?click_id=01JCLICK"}}
	logger := discardLogger()
	h := NewRouter(RouterConfig{
		Logger:  logger,
		Service: New(""),
		Health:  NewHealthHandler(nil, nil),
		Clicks:  NewClickHandler(proc, "strict-origin", logger),
	})

	rec := doGet(h, "/click/O1?pub=P1", nil)

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://lp.example.com/x?click_id=01JCLICK", rec.Header().Get("Location"))
	assert.Equal(t, "private, max-age=0", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "strict-origin", rec.Header().Get("Referrer-Policy"))
	assert.Equal(t, "01JCLICK", rec.Header().Get(middleware.ClickIDHeader))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestClick_RejectionsLookTheSame(t *testing.T) {
	decisions := []struct {
		name     string
		decision model.Decision
		err      error
	}{
		{"business rejection", model.Decision{ClickID: "01A", Status: model.StatusRejected, RejectReason: model.ReasonGeoMismatch}, nil},
		{"internal error", model.Decision{ClickID: "01B", Status: model.StatusRejected, RejectReason: model.ReasonInternalError}, nil},
		{"engine failure", model.Decision{}, pipeline.ErrIngest},
		{"processed without url", model.Decision{ClickID: "01C", Status: model.StatusProcessed}, nil},
	}

	var bodies []string
	for _, d := range decisions {
		t.Run(d.name, func(t *testing.T) {
			h := newTestRouter(&fakeProcessor{decision: d.decision, err: d.err}, nil)
			rec := doGet(h, "/click/O1?pub=P1", nil)

			assert.Equal(t, http.StatusNotFound, rec.Code)
			assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
			assert.Empty(t, rec.Header().Get("Location"))
			assert.NotContains(t, rec.Body.String(), "geo")
			bodies = append(bodies, rec.Body.String())
		})
	}

	for _, b := range bodies {
		assert.Equal(t, unavailablePage, b)
	}
}

func TestSanitizeReferrer(t *testing.T) {
	longPath := strings.Repeat("p", 600)
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"not a url", ""},
		{"https://user:pw@pub.example/a?b=c#d", "https://pub.example/a"},
		{"android-app://com.example.app", "android-app://com.example.app"},
		{"https://pub.example/" + longPath, ("https://pub.example/" + longPath)[:maxReferrerLen]},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sanitizeReferrer(tt.in), "input %q", tt.in)
	}
}

// =============================================================================
// End to end through the real pipeline
// =============================================================================

type memorySource struct {
	offers []*model.OfferConfig
}

func (s memorySource) Offer(_ context.Context, ref string) (*model.OfferConfig, error) {
	for _, o := range s.offers {
		if o.Matches(ref) {
			return o.Clone(), nil
		}
	}
	return nil, catalog.ErrOfferNotFound
}

func newPipelineRouter(t *testing.T) (http.Handler, *pipeline.MemoryClickStore) {
	t.Helper()
	logger := discardLogger()

	locator, err := geo.NewStaticLocator(map[string]string{
		"203.0.113.0/24":  "US",
		"198.51.100.0/24": "DE",
	})
	require.NoError(t, err)

	source := memorySource{offers: []*model.OfferConfig{{
		ID:        "O1",
		Slug:      "summer",
		Status:    model.OfferActive,
		AllowGeos: []string{"US"},
		Caps:      []model.CapLimit{{Scope: model.CapScopeOffer, Count: 1, Period: model.PeriodDay}},
		Landings: []model.LandingConfig{
			{ID: "L1", OfferID: "O1", URLTemplate: "https://lp.example.com/{offer_id}?sub={sub1}", Weight: 1},
		},
	}}}

	stages := pipeline.NewStages(pipeline.StageDeps{
		Offers:       source,
		Locator:      locator,
		Enforcer:     caps.NewEnforcer(caps.NewMemoryStore(2), time.UTC, time.Second, logger, nil),
		Screener:     fraud.NewScreener(time.Second, logger, fraud.BotUserAgent{}),
		StoreTimeout: time.Second,
		GeoTimeout:   time.Second,
	})
	store := pipeline.NewMemoryClickStore()
	engine, err := pipeline.NewEngine(store, stages, nil, pipeline.Config{}, logger, nil)
	require.NoError(t, err)

	return NewRouter(RouterConfig{
		Logger:    logger,
		Service:   New(""),
		Health:    NewHealthHandler(nil, nil),
		Clicks:    NewClickHandler(engine, "", logger),
		ClicksAPI: NewClicksHandler(store, logger),
	}), store
}

func browser(r *http.Request) {
	r.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64; rv:128.0) Gecko/20100101 Firefox/128.0")
}

func TestClick_EndToEnd(t *testing.T) {
	h, store := newPipelineRouter(t)

	first := doGet(h, "/click/summer?pub=P1&sub1=abc", browser)
	require.Equal(t, http.StatusFound, first.Code)
	clickID := first.Header().Get(middleware.ClickIDHeader)
	require.NotEmpty(t, clickID)
	assert.Equal(t, "https://lp.example.com/O1?click_id="+clickID+"&sub=abc", first.Header().Get("Location"))

	second := doGet(h, "/click/summer?pub=P1", browser)
	assert.Equal(t, http.StatusNotFound, second.Code)
	rejectedID := second.Header().Get(middleware.ClickIDHeader)

	rec, err := store.GetClick(context.Background(), rejectedID)
	require.NoError(t, err)
	assert.Equal(t, model.ReasonCapReached, rec.RejectReason)

	// Timeline of the rejected click, in German.
	tl := doGet(h, "/internal/v1/clicks/"+rejectedID+"/timeline", func(r *http.Request) {
		r.Header.Set("Accept-Language", "de-CH, en;q=0.5")
	})
	require.Equal(t, http.StatusOK, tl.Code)
	assert.Equal(t, "de", tl.Header().Get("Content-Language"))

	var body struct {
		Status string `json:"status"`
		Stages []struct {
			Stage  string `json:"stage"`
			Label  string `json:"label"`
			Status string `json:"status"`
		} `json:"stages"`
	}
	require.NoError(t, json.Unmarshal(tl.Body.Bytes(), &body))
	assert.Equal(t, "rejected", body.Status)
	require.Len(t, body.Stages, model.StageCount)
	assert.Equal(t, "Cap-Prüfung", body.Stages[4].Label)
	assert.Equal(t, "failed", body.Stages[4].Status)
	assert.Equal(t, "skipped", body.Stages[6].Status)

	// Geo mismatch from a DE address.
	de := doGet(h, "/click/O1?pub=P2", func(r *http.Request) {
		browser(r)
		r.RemoteAddr = "198.51.100.20:5000"
	})
	assert.Equal(t, http.StatusNotFound, de.Code)
	assert.Equal(t, 3, store.Len())
}

func TestClicksAPI_Get(t *testing.T) {
	h, _ := newPipelineRouter(t)

	first := doGet(h, "/click/O1?pub=P1", browser)
	clickID := first.Header().Get(middleware.ClickIDHeader)

	rec := doGet(h, "/internal/v1/clicks/"+clickID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, clickID, body["id"])
	assert.Equal(t, "processed", body["status"])
	assert.Equal(t, "redirect", body["check_stage"])
	assert.Equal(t, "US", body["geo"])
	assert.Len(t, body["stages"], model.StageCount)
}

type erroringReader struct{ err error }

func (r erroringReader) GetClick(context.Context, string) (*model.ClickRecord, error) {
	return nil, r.err
}

func TestClicksAPI_Errors(t *testing.T) {
	h, _ := newPipelineRouter(t)

	rec := doGet(h, "/internal/v1/clicks/not-a-ulid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_CLICK_ID")

	rec = doGet(h, "/internal/v1/clicks/01ARZ3NDEKTSV4RRFFQ69G5FAV", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "CLICK_NOT_FOUND")

	broken := newTestRouter(&fakeProcessor{}, erroringReader{err: errors.New("pool closed")})
	rec = doGet(broken, "/internal/v1/clicks/01ARZ3NDEKTSV4RRFFQ69G5FAV/timeline", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "pool closed")
}

func TestRouter_NotFoundAndMethod(t *testing.T) {
	h := newTestRouter(&fakeProcessor{}, nil)

	rec := doGet(h, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "NOT_FOUND")

	req := httptest.NewRequest(http.MethodPost, "/click/O1?pub=P1", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
