package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/clickroute/clickroute/internal/caps"
	"github.com/clickroute/clickroute/internal/catalog"
	"github.com/clickroute/clickroute/internal/fraud"
	"github.com/clickroute/clickroute/internal/geo"
	"github.com/clickroute/clickroute/internal/model"
)

// OfferResolver maps the raw offer reference to an active offer snapshot.
type OfferResolver struct {
	source  catalog.Source
	timeout time.Duration
}

// NewOfferResolver creates the offer stage. timeout bounds the catalog read.
func NewOfferResolver(source catalog.Source, timeout time.Duration) *OfferResolver {
	return &OfferResolver{source: source, timeout: timeout}
}

// Stage implements Evaluator.
func (*OfferResolver) Stage() model.Stage { return model.StageOffer }

// Evaluate implements Evaluator.
func (s *OfferResolver) Evaluate(ctx context.Context, st *clickState) Verdict {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	offer, err := s.source.Offer(ctx, st.record.RawOfferRef)
	if errors.Is(err, catalog.ErrOfferNotFound) {
		return reject(model.ReasonOfferInactive, "unknown offer")
	}
	if err != nil {
		return internalError(fmt.Errorf("resolve offer: %w", err), "offer lookup failed")
	}
	if err := offer.Validate(); err != nil {
		return internalError(err, "invalid offer config")
	}
	if !offer.IsActive() {
		return reject(model.ReasonOfferInactive, "offer "+string(offer.Status))
	}

	st.offer = offer
	st.record.ResolvedOfferID = offer.ID
	return pass("")
}

// LandingSelector picks one landing of the resolved offer. A landing whose
// geo override matches the visitor wins over weighted selection; landings
// pinned to other countries are not eligible.
type LandingSelector struct {
	intN func(n int) int
}

// NewLandingSelector creates the landing stage.
func NewLandingSelector() *LandingSelector {
	return &LandingSelector{intN: rand.IntN}
}

// Stage implements Evaluator.
func (*LandingSelector) Stage() model.Stage { return model.StageLanding }

// Evaluate implements Evaluator.
func (s *LandingSelector) Evaluate(_ context.Context, st *clickState) Verdict {
	landing, overridden := s.choose(st.offer.Landings, st.geoHint())
	if landing == nil {
		return reject(model.ReasonNoLanding, "no eligible landing")
	}

	st.landing = landing
	st.record.ResolvedLandingID = landing.ID
	if overridden {
		return pass("geo override " + landing.GeoOverride)
	}
	return pass("")
}

func (s *LandingSelector) choose(landings []model.LandingConfig, geoCode string) (*model.LandingConfig, bool) {
	var pinned, general []*model.LandingConfig
	for i := range landings {
		l := &landings[i]
		switch {
		case l.GeoOverride == "":
			if l.Weight > 0 {
				general = append(general, l)
			}
		case model.IsKnownGeo(geoCode) && l.GeoOverride == geoCode:
			pinned = append(pinned, l)
		}
	}
	if len(pinned) > 0 {
		return s.weighted(pinned), true
	}
	if len(general) > 0 {
		return s.weighted(general), false
	}
	return nil, false
}

// weighted picks proportionally to weight. Pinned landings with no weight
// are picked uniformly.
func (s *LandingSelector) weighted(candidates []*model.LandingConfig) *model.LandingConfig {
	total := 0
	for _, l := range candidates {
		total += l.Weight
	}
	if total <= 0 {
		return candidates[s.intN(len(candidates))]
	}
	n := s.intN(total)
	for _, l := range candidates {
		if l.Weight <= 0 {
			continue
		}
		if n < l.Weight {
			return l
		}
		n -= l.Weight
	}
	return candidates[len(candidates)-1]
}

// GeoValidator derives the visitor country and checks the offer geo lists.
// An unknown country fails an allow-list and passes a deny-only list.
type GeoValidator struct {
	locator geo.Locator
	timeout time.Duration
}

// NewGeoValidator creates the geo stage. timeout bounds the lookup.
func NewGeoValidator(locator geo.Locator, timeout time.Duration) *GeoValidator {
	return &GeoValidator{locator: locator, timeout: timeout}
}

// Stage implements Evaluator.
func (*GeoValidator) Stage() model.Stage { return model.StageGeo }

// Evaluate implements Evaluator.
func (s *GeoValidator) Evaluate(ctx context.Context, st *clickState) Verdict {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	code, err := s.locator.Locate(ctx, st.record.ClientIP, st.record.GeoHint)
	if err != nil {
		st.record.Geo = model.UnknownGeo
		return internalError(fmt.Errorf("locate %s: %w", st.record.ClientIP, err), "geo lookup failed")
	}
	code = model.NormalizeGeo(code)
	st.record.Geo = code

	if slices.Contains(st.offer.DenyGeos, code) {
		return reject(model.ReasonGeoMismatch, code+" denied")
	}
	if len(st.offer.AllowGeos) > 0 && !slices.Contains(st.offer.AllowGeos, code) {
		return reject(model.ReasonGeoMismatch, code+" not allowed")
	}
	return pass(code)
}

// CapStage admits the click against the offer cap counters.
type CapStage struct {
	enforcer *caps.Enforcer
}

// NewCapStage creates the cap stage.
func NewCapStage(enforcer *caps.Enforcer) *CapStage {
	return &CapStage{enforcer: enforcer}
}

// Stage implements Evaluator.
func (*CapStage) Stage() model.Stage { return model.StageCap }

// Evaluate implements Evaluator.
func (s *CapStage) Evaluate(ctx context.Context, st *clickState) Verdict {
	d, err := s.enforcer.Admit(ctx, st.record.ID, st.offer, st.record.PublisherID, st.at())
	if err != nil {
		return internalError(err, "cap admission undetermined")
	}
	if !d.Admitted {
		return reject(model.ReasonCapReached, d.Detail)
	}
	if d.Resolved {
		return pass("admitted after re-check")
	}
	return pass(d.Detail)
}

// FraudStage screens the click; the detail of a block names the heuristic.
type FraudStage struct {
	screener *fraud.Screener
}

// NewFraudStage creates the fraud stage.
func NewFraudStage(screener *fraud.Screener) *FraudStage {
	return &FraudStage{screener: screener}
}

// Stage implements Evaluator.
func (*FraudStage) Stage() model.Stage { return model.StageFraud }

// Evaluate implements Evaluator.
func (s *FraudStage) Evaluate(ctx context.Context, st *clickState) Verdict {
	rec := st.record
	sig := &fraud.Signal{
		ClickID:        rec.ID,
		ClientIP:       rec.ClientIP,
		UserAgent:      rec.UserAgent,
		AcceptLanguage: rec.AcceptLanguage,
		Referrer:       rec.Referrer,
		VisitorID:      rec.VisitorID,
		PublisherID:    rec.PublisherID,
		OfferID:        rec.ResolvedOfferID,
		LandingID:      rec.ResolvedLandingID,
		Geo:            rec.Geo,
		Params:         rec.TrackingParams,
		At:             st.at(),
	}
	v, err := s.screener.Screen(ctx, sig)
	if err != nil {
		return internalError(err, "fraud signal unavailable")
	}
	if v.Blocked {
		return reject(model.ReasonFraudBlock, v.Heuristic)
	}
	return pass("")
}

// StageDeps are the collaborators of the checking stages.
type StageDeps struct {
	Offers       catalog.Source
	Locator      geo.Locator
	Enforcer     *caps.Enforcer
	Screener     *fraud.Screener
	StoreTimeout time.Duration
	GeoTimeout   time.Duration
}

// NewStages returns the checking stages in evaluation order.
func NewStages(deps StageDeps) []Evaluator {
	return []Evaluator{
		NewOfferResolver(deps.Offers, deps.StoreTimeout),
		NewLandingSelector(),
		NewGeoValidator(deps.Locator, deps.GeoTimeout),
		NewCapStage(deps.Enforcer),
		NewFraudStage(deps.Screener),
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
