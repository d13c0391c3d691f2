package catalog

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/clickroute/clickroute/internal/cache"
	"github.com/clickroute/clickroute/internal/metrics"
	"github.com/clickroute/clickroute/internal/model"
)

// OfferCache is the snapshot cache used by CachedSource.
type OfferCache interface {
	GetOffer(ctx context.Context, ref string) (*model.OfferConfig, error)
	SetOffer(ctx context.Context, ref string, offer *model.OfferConfig, ttl time.Duration) error
	IsNegativelyCached(ctx context.Context, ref string) (bool, error)
	SetNegativeCache(ctx context.Context, ref string) error
}

// CachedSource is a read-through cache in front of another Source.
// Cache failures degrade to the backing source.
type CachedSource struct {
	next    Source
	cache   OfferCache
	ttl     time.Duration
	logger  *slog.Logger
	metrics metrics.Recorder
}

// NewCachedSource wraps next with the Redis offer cache.
func NewCachedSource(next Source, c OfferCache, ttl time.Duration, logger *slog.Logger, recorder metrics.Recorder) *CachedSource {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	return &CachedSource{
		next:    next,
		cache:   c,
		ttl:     ttl,
		logger:  logger.With("component", "catalog.cache"),
		metrics: recorder,
	}
}

// Offer implements Source: cache, then negative cache, then the backing source.
func (s *CachedSource) Offer(ctx context.Context, ref string) (*model.OfferConfig, error) {
	offer, err := s.cache.GetOffer(ctx, ref)
	if err == nil {
		s.metrics.IncOfferCacheHit()
		return offer, nil
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		s.logger.Warn("offer cache read failed", "offer_ref", ref, "error", err)
	}
	s.metrics.IncOfferCacheMiss()

	if neg, err := s.cache.IsNegativelyCached(ctx, ref); err == nil && neg {
		return nil, ErrOfferNotFound
	}

	offer, err = s.next.Offer(ctx, ref)
	if errors.Is(err, ErrOfferNotFound) {
		if cerr := s.cache.SetNegativeCache(ctx, ref); cerr != nil {
			s.logger.Warn("failed to set negative cache", "offer_ref", ref, "error", cerr)
		}
		return nil, ErrOfferNotFound
	}
	if err != nil {
		return nil, err
	}

	// Broken configuration is never cached.
	if offer.Validate() == nil {
		if cerr := s.cache.SetOffer(ctx, ref, offer, s.ttl); cerr != nil {
			s.logger.Warn("failed to cache offer", "offer_ref", ref, "error", cerr)
		}
	}
	return offer, nil
}
