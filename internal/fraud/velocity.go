package fraud

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const velocityKeyPrefix = "fraud:velocity:"

// VelocityStore records a click and returns how many clicks the key has
// in the sliding window ending at at, including this one.
type VelocityStore interface {
	Hit(ctx context.Context, key, member string, at time.Time, window time.Duration) (int64, error)
}

// Velocity blocks visitors clicking faster than max per window.
type Velocity struct {
	store  VelocityStore
	window time.Duration
	max    int64
}

// NewVelocity creates a Velocity heuristic.
func NewVelocity(store VelocityStore, window time.Duration, max int) *Velocity {
	return &Velocity{store: store, window: window, max: int64(max)}
}

// Name implements Heuristic.
func (v *Velocity) Name() string { return HeuristicVelocity }

// Triggered implements Heuristic.
func (v *Velocity) Triggered(ctx context.Context, sig *Signal) (bool, error) {
	n, err := v.store.Hit(ctx, sig.VisitorKey(), sig.ClickID, sig.At, v.window)
	if err != nil {
		return false, err
	}
	return n > v.max, nil
}

// RedisVelocityStore keeps one sorted set per visitor, scored by click time.
type RedisVelocityStore struct {
	client *redis.Client
}

// NewRedisVelocityStore creates a RedisVelocityStore.
func NewRedisVelocityStore(client *redis.Client) *RedisVelocityStore {
	return &RedisVelocityStore{client: client}
}

// Hit implements VelocityStore.
func (s *RedisVelocityStore) Hit(ctx context.Context, key, member string, at time.Time, window time.Duration) (int64, error) {
	k := velocityKeyPrefix + key
	nowMs := at.UnixMilli()
	cutoff := strconv.FormatInt(nowMs-window.Milliseconds(), 10)

	var card *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, k, "-inf", cutoff)
		pipe.ZAdd(ctx, k, redis.Z{Score: float64(nowMs), Member: member})
		card = pipe.ZCard(ctx, k)
		pipe.PExpire(ctx, k, window)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("velocity hit: %w", err)
	}
	return card.Val(), nil
}

// MemoryVelocityStore is a process-local VelocityStore.
type MemoryVelocityStore struct {
	mu     sync.Mutex
	hits   map[string][]time.Time
	ops    int
	window time.Duration
}

// NewMemoryVelocityStore creates a MemoryVelocityStore.
func NewMemoryVelocityStore() *MemoryVelocityStore {
	return &MemoryVelocityStore{hits: make(map[string][]time.Time)}
}

// Hit implements VelocityStore.
func (s *MemoryVelocityStore) Hit(_ context.Context, key, _ string, at time.Time, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := at.Add(-window)
	kept := prune(s.hits[key], cutoff)
	kept = append(kept, at)
	s.hits[key] = kept

	s.window = window
	s.ops++
	if s.ops%1024 == 0 {
		s.sweep(at)
	}
	return int64(len(kept)), nil
}

// sweep drops visitors with no clicks inside the window.
func (s *MemoryVelocityStore) sweep(now time.Time) {
	cutoff := now.Add(-s.window)
	for k, ts := range s.hits {
		if kept := prune(ts, cutoff); len(kept) == 0 {
			delete(s.hits, k)
		} else {
			s.hits[k] = kept
		}
	}
}

func prune(ts []time.Time, cutoff time.Time) []time.Time {
	kept := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
