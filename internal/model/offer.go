package model

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// OfferStatus is the management state of an offer.
type OfferStatus string

const (
	OfferActive OfferStatus = "active"
	OfferPaused OfferStatus = "paused"
)

// CapScope selects which counter a cap limit applies to.
type CapScope string

const (
	CapScopeOffer     CapScope = "offer"
	CapScopePublisher CapScope = "publisher"
)

// CapPeriod is the length of a calendar-aligned cap window.
type CapPeriod string

const (
	PeriodHour     CapPeriod = "hour"
	PeriodDay      CapPeriod = "day"
	PeriodWeek     CapPeriod = "week"
	PeriodMonth    CapPeriod = "month"
	PeriodLifetime CapPeriod = "lifetime"
)

// Valid reports whether p is a known period.
func (p CapPeriod) Valid() bool {
	switch p {
	case PeriodHour, PeriodDay, PeriodWeek, PeriodMonth, PeriodLifetime:
		return true
	}
	return false
}

// UnknownGeo is recorded when no country could be derived.
const UnknownGeo = "XX"

// ErrInvalidOffer wraps every offer validation failure.
var ErrInvalidOffer = errors.New("invalid offer config")

// CapLimit is a quota on admitted clicks within a window.
type CapLimit struct {
	Scope  CapScope  `json:"scope" yaml:"scope"`
	Count  int64     `json:"count" yaml:"count"`
	Period CapPeriod `json:"period" yaml:"period"`
}

// LandingConfig is one destination variant of an offer.
type LandingConfig struct {
	ID          string `json:"id" yaml:"id"`
	OfferID     string `json:"offer_id" yaml:"offer_id"`
	URLTemplate string `json:"url_template" yaml:"url_template"`
	Weight      int    `json:"weight" yaml:"weight"`
	// GeoOverride pins the landing to visitors from one country.
	GeoOverride string `json:"geo_override,omitempty" yaml:"geo_override,omitempty"`
}

// OfferConfig is a read-only snapshot of an advertiser campaign.
type OfferConfig struct {
	ID        string          `json:"id" yaml:"id"`
	Slug      string          `json:"slug,omitempty" yaml:"slug,omitempty"`
	Name      string          `json:"name,omitempty" yaml:"name,omitempty"`
	Status    OfferStatus     `json:"status" yaml:"status"`
	AllowGeos []string        `json:"allow_geos,omitempty" yaml:"allow_geos,omitempty"`
	DenyGeos  []string        `json:"deny_geos,omitempty" yaml:"deny_geos,omitempty"`
	Caps      []CapLimit      `json:"caps,omitempty" yaml:"caps,omitempty"`
	Landings  []LandingConfig `json:"landings" yaml:"landings"`
	UpdatedAt time.Time       `json:"updated_at" yaml:"updated_at,omitempty"`
}

// IsActive returns true if the offer accepts traffic.
func (o *OfferConfig) IsActive() bool {
	return o.Status == OfferActive
}

// Matches reports whether ref addresses this offer by id or slug.
func (o *OfferConfig) Matches(ref string) bool {
	return ref == o.ID || (o.Slug != "" && ref == o.Slug)
}

// Clone returns a deep copy so callers can hold a stable snapshot.
func (o *OfferConfig) Clone() *OfferConfig {
	if o == nil {
		return nil
	}
	c := *o
	c.AllowGeos = append([]string(nil), o.AllowGeos...)
	c.DenyGeos = append([]string(nil), o.DenyGeos...)
	c.Caps = append([]CapLimit(nil), o.Caps...)
	c.Landings = append([]LandingConfig(nil), o.Landings...)
	return &c
}

// Validate rejects configuration the pipeline cannot evaluate safely.
func (o *OfferConfig) Validate() error {
	if strings.TrimSpace(o.ID) == "" {
		return fmt.Errorf("%w: id is empty", ErrInvalidOffer)
	}
	if o.Status != OfferActive && o.Status != OfferPaused {
		return fmt.Errorf("%w: %s: unknown status %q", ErrInvalidOffer, o.ID, o.Status)
	}
	for _, list := range [][]string{o.AllowGeos, o.DenyGeos} {
		for _, g := range list {
			if !isCountryCode(g) {
				return fmt.Errorf("%w: %s: bad geo code %q", ErrInvalidOffer, o.ID, g)
			}
		}
	}

	seenCaps := make(map[string]bool, len(o.Caps))
	for _, c := range o.Caps {
		if c.Scope != CapScopeOffer && c.Scope != CapScopePublisher {
			return fmt.Errorf("%w: %s: unknown cap scope %q", ErrInvalidOffer, o.ID, c.Scope)
		}
		if !c.Period.Valid() {
			return fmt.Errorf("%w: %s: unknown cap period %q", ErrInvalidOffer, o.ID, c.Period)
		}
		if c.Count <= 0 {
			return fmt.Errorf("%w: %s: cap count must be positive", ErrInvalidOffer, o.ID)
		}
		k := string(c.Scope) + "/" + string(c.Period)
		if seenCaps[k] {
			return fmt.Errorf("%w: %s: duplicate cap %s", ErrInvalidOffer, o.ID, k)
		}
		seenCaps[k] = true
	}

	seen := make(map[string]bool, len(o.Landings))
	for _, l := range o.Landings {
		if l.ID == "" {
			return fmt.Errorf("%w: %s: landing id is empty", ErrInvalidOffer, o.ID)
		}
		if seen[l.ID] {
			return fmt.Errorf("%w: %s: duplicate landing %s", ErrInvalidOffer, o.ID, l.ID)
		}
		seen[l.ID] = true
		if l.OfferID != "" && l.OfferID != o.ID {
			return fmt.Errorf("%w: %s: landing %s belongs to %s", ErrInvalidOffer, o.ID, l.ID, l.OfferID)
		}
		if l.Weight < 0 {
			return fmt.Errorf("%w: %s: landing %s has negative weight", ErrInvalidOffer, o.ID, l.ID)
		}
		if l.GeoOverride != "" && !isCountryCode(l.GeoOverride) {
			return fmt.Errorf("%w: %s: landing %s has bad geo override %q", ErrInvalidOffer, o.ID, l.ID, l.GeoOverride)
		}
		if err := validateTemplate(l.URLTemplate); err != nil {
			return fmt.Errorf("%w: %s: landing %s: %v", ErrInvalidOffer, o.ID, l.ID, err)
		}
	}
	return nil
}

// validateTemplate checks the URL shape with placeholders stripped.
func validateTemplate(tpl string) error {
	stripped := tpl
	for strings.Contains(stripped, "{") {
		i := strings.Index(stripped, "{")
		j := strings.Index(stripped[i:], "}")
		if j < 0 {
			return errors.New("unterminated placeholder")
		}
		stripped = stripped[:i] + "x" + stripped[i+j+1:]
	}
	u, err := url.Parse(stripped)
	if err != nil {
		return fmt.Errorf("bad url template: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url template scheme %q not allowed", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("url template has no host")
	}
	return nil
}

// NormalizeGeo upper-cases a country code and maps unknown markers to UnknownGeo.
func NormalizeGeo(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if !isCountryCode(code) || code == "XX" || code == "T1" {
		return UnknownGeo
	}
	return code
}

// IsKnownGeo reports whether code names a real country.
func IsKnownGeo(code string) bool {
	return NormalizeGeo(code) != UnknownGeo
}

func isCountryCode(s string) bool {
	if len(s) != 2 {
		return false
	}
	for i := 0; i < 2; i++ {
		c := s[i]
		if c < 'A' || c > 'Z' {
			return false
		}
	}
	return true
}
