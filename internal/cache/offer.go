package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clickroute/clickroute/internal/model"
)

// Cache key prefixes and TTLs.
const (
	offerKeyPrefix    = "offer:"
	negCacheKeySuffix = ":neg"

	// DefaultOfferTTL is the TTL for cached offer snapshots.
	DefaultOfferTTL = 30 * time.Second

	// NegativeCacheTTL is the TTL for negative cache entries.
	NegativeCacheTTL = 5 * time.Second
)

// Common cache errors.
var (
	ErrCacheMiss = errors.New("cache miss")
)

// GetOffer retrieves an offer snapshot by the reference it was requested with.
// Returns ErrCacheMiss if not found.
func (c *Cache) GetOffer(ctx context.Context, ref string) (*model.OfferConfig, error) {
	data, err := c.client.Get(ctx, offerKeyPrefix+ref).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var offer model.OfferConfig
	if err := json.Unmarshal(data, &offer); err != nil {
		// A corrupt entry behaves like a miss and is overwritten on backfill.
		return nil, ErrCacheMiss
	}
	return &offer, nil
}

// SetOffer stores an offer snapshot under ref and clears any negative entry.
func (c *Cache) SetOffer(ctx context.Context, ref string, offer *model.OfferConfig, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultOfferTTL
	}
	data, err := json.Marshal(offer)
	if err != nil {
		return fmt.Errorf("failed to encode offer: %w", err)
	}

	key := offerKeyPrefix + ref
	pipe := c.client.Pipeline()
	pipe.Set(ctx, key, data, ttl)
	pipe.Del(ctx, key+negCacheKeySuffix)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to cache offer: %w", err)
	}
	return nil
}

// DeleteOffer removes an offer snapshot and its negative entry.
func (c *Cache) DeleteOffer(ctx context.Context, ref string) error {
	key := offerKeyPrefix + ref

	if err := c.client.Del(ctx, key, key+negCacheKeySuffix).Err(); err != nil {
		return fmt.Errorf("failed to delete offer from cache: %w", err)
	}
	return nil
}

// IsNegativelyCached checks if an offer reference is in negative cache.
func (c *Cache) IsNegativelyCached(ctx context.Context, ref string) (bool, error) {
	key := offerKeyPrefix + ref + negCacheKeySuffix

	exists, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check negative cache: %w", err)
	}

	return exists > 0, nil
}

// SetNegativeCache marks an offer reference as not found.
func (c *Cache) SetNegativeCache(ctx context.Context, ref string) error {
	key := offerKeyPrefix + ref + negCacheKeySuffix

	err := c.client.SetEx(ctx, key, "", NegativeCacheTTL).Err()
	if err != nil {
		return fmt.Errorf("failed to set negative cache: %w", err)
	}

	return nil
}
