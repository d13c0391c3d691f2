package handler

import (
	"context"
	"log/slog"
	"net/http"
	"net/netip"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"github.com/clickroute/clickroute/internal/middleware"
	"github.com/clickroute/clickroute/internal/model"
	"github.com/clickroute/clickroute/internal/pipeline"
)

const (
	// VisitorCookie carries a first-party visitor id when the creative
	// does not pass one in the query.
	VisitorCookie = "_cr_vid"

	maxUserAgentLen      = 500
	maxReferrerLen       = 500
	maxAcceptLanguageLen = 256
	maxSubParamLen       = 255
)

var refPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ClickProcessor decides one inbound click.
type ClickProcessor interface {
	Handle(ctx context.Context, src model.ClickSource) (model.Decision, error)
}

// ClickHandler serves the public click endpoint.
type ClickHandler struct {
	engine         ClickProcessor
	referrerPolicy string
	logger         *slog.Logger
}

// NewClickHandler creates a new ClickHandler.
func NewClickHandler(engine ClickProcessor, referrerPolicy string, logger *slog.Logger) *ClickHandler {
	if referrerPolicy == "" {
		referrerPolicy = "no-referrer-when-downgrade"
	}
	return &ClickHandler{
		engine:         engine,
		referrerPolicy: referrerPolicy,
		logger:         logger.With("component", "handler.click"),
	}
}

// Click handles GET /click/{offerRef}.
func (h *ClickHandler) Click(w http.ResponseWriter, r *http.Request) {
	src, code, msg := parseClick(r)
	if code != "" {
		h.logger.Info("click_malformed",
			"code", code,
			"request_id", middleware.GetRequestID(r.Context()),
		)
		writeError(w, http.StatusBadRequest, code, msg)
		return
	}

	start := time.Now()
	decision, err := h.engine.Handle(r.Context(), src)
	if err != nil {
		h.logger.Error("click_unhandled",
			"offer_ref", src.RawOfferRef,
			"publisher_id", src.PublisherID,
			"error", err,
			"duration_ms", float64(time.Since(start).Microseconds())/1000,
		)
		writeUnavailable(w)
		return
	}

	w.Header().Set(middleware.ClickIDHeader, decision.ClickID)
	if !decision.Redirects() {
		writeUnavailable(w)
		return
	}

	w.Header().Set("Cache-Control", "private, max-age=0")
	w.Header().Set("Referrer-Policy", h.referrerPolicy)
	http.Redirect(w, r, decision.RedirectURL, http.StatusFound)
}

// parseClick captures the click source. A non-empty code means the request
// is malformed and must not be ingested.
func parseClick(r *http.Request) (model.ClickSource, string, string) {
	q := r.URL.Query()

	offerRef := chi.URLParam(r, "offerRef")
	if !refPattern.MatchString(offerRef) {
		return model.ClickSource{}, "INVALID_OFFER_REF", "offer reference is invalid"
	}

	publisherID := q.Get("pub")
	if publisherID == "" {
		publisherID = q.Get("publisher_id")
	}
	if !refPattern.MatchString(publisherID) {
		return model.ClickSource{}, "INVALID_PUBLISHER", "publisher id is missing or invalid"
	}

	addr, err := netip.ParseAddr(middleware.ClientIP(r))
	if err != nil {
		return model.ClickSource{}, "INVALID_CLIENT_IP", "client address could not be determined"
	}

	src := model.ClickSource{
		RawOfferRef:    offerRef,
		PublisherID:    publisherID,
		ClientIP:       addr.Unmap().String(),
		UserAgent:      truncate(r.UserAgent(), maxUserAgentLen),
		Referrer:       sanitizeReferrer(r.Referer()),
		AcceptLanguage: truncate(r.Header.Get("Accept-Language"), maxAcceptLanguageLen),
		VisitorID:      visitorID(r, q),
		GeoHint:        truncate(strings.TrimSpace(r.Header.Get("CF-IPCountry")), 2),
	}

	for _, k := range pipeline.SubParams {
		v := q.Get(k)
		if v == "" {
			continue
		}
		if src.TrackingParams == nil {
			src.TrackingParams = make(map[string]string, len(pipeline.SubParams))
		}
		src.TrackingParams[k] = truncate(v, maxSubParamLen)
	}

	return src, "", ""
}

// visitorID prefers the vid query parameter over the visitor cookie.
// Ids that do not look like ids are dropped.
func visitorID(r *http.Request, q url.Values) string {
	vid := q.Get("vid")
	if vid == "" {
		if c, err := r.Cookie(VisitorCookie); err == nil {
			vid = c.Value
		}
	}
	if !refPattern.MatchString(vid) {
		return ""
	}
	return vid
}

// sanitizeReferrer keeps scheme, host and path.
func sanitizeReferrer(ref string) string {
	if ref == "" {
		return ""
	}
	parsed, err := url.Parse(ref)
	if err != nil || parsed.Host == "" {
		return ""
	}
	parsed.User = nil
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return truncate(parsed.String(), maxReferrerLen)
}

// truncate drops invalid UTF-8 and cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	s = strings.ToValidUTF8(s, "")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

const unavailablePage = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Offer unavailable</title><meta name="robots" content="noindex"></head>
<body><h1>This offer is not available</h1><p>The page you are looking for is not available right now.</p></body>
</html>
`

// writeUnavailable serves the same page for every rejection, whatever the reason.
func writeUnavailable(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte(unavailablePage))
}
