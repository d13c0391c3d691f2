package pipeline

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/clickroute/clickroute/internal/model"
)

// DefaultClickIDParam is the query parameter the click id is appended as.
const DefaultClickIDParam = "click_id"

// ErrBadDestination is returned when a landing template does not expand to
// an absolute http(s) URL.
var ErrBadDestination = errors.New("bad redirect destination")

// Router expands landing URL templates into redirect destinations.
type Router struct {
	param string
}

// NewRouter creates a Router appending the click id as param.
func NewRouter(param string) *Router {
	if param == "" {
		param = DefaultClickIDParam
	}
	return &Router{param: param}
}

// Destination builds the redirect URL for a click routed to landing.
// Placeholders are query-escaped; unknown placeholders expand to nothing.
func (r *Router) Destination(rec *model.ClickRecord, landing *model.LandingConfig) (string, error) {
	values := map[string]string{
		"click_id":     rec.ID,
		"offer_id":     rec.ResolvedOfferID,
		"landing_id":   landing.ID,
		"publisher_id": rec.PublisherID,
		"geo":          rec.Geo,
	}
	for _, k := range SubParams {
		values[k] = rec.TrackingParams[k]
	}

	expanded, err := expand(landing.URLTemplate, values)
	if err != nil {
		return "", err
	}

	u, err := url.Parse(expanded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadDestination, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: scheme %q", ErrBadDestination, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: no host", ErrBadDestination)
	}

	q := u.Query()
	q.Set(r.param, rec.ID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// SubParams are the publisher tracking parameters carried through to landings.
var SubParams = []string{"sub1", "sub2", "sub3", "sub4", "sub5"}

func expand(tpl string, values map[string]string) (string, error) {
	var b strings.Builder
	b.Grow(len(tpl) + 32)
	for {
		i := strings.IndexByte(tpl, '{')
		if i < 0 {
			b.WriteString(tpl)
			return b.String(), nil
		}
		j := strings.IndexByte(tpl[i:], '}')
		if j < 0 {
			return "", fmt.Errorf("%w: unterminated placeholder", ErrBadDestination)
		}
		b.WriteString(tpl[:i])
		b.WriteString(url.QueryEscape(values[tpl[i+1:i+j]]))
		tpl = tpl[i+j+1:]
	}
}
