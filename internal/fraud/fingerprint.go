package fraud

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const fingerprintKeyPrefix = "fraud:fp:"

// FingerprintStore remembers the first device fingerprint seen per visitor.
type FingerprintStore interface {
	// Remember stores fp if the visitor is new and returns the stored value.
	Remember(ctx context.Context, visitorID, fp string, ttl time.Duration) (string, error)
}

// FingerprintMismatch blocks a visitor id reused from a different device.
type FingerprintMismatch struct {
	store FingerprintStore
	ttl   time.Duration
}

// NewFingerprintMismatch creates a FingerprintMismatch heuristic.
func NewFingerprintMismatch(store FingerprintStore, ttl time.Duration) *FingerprintMismatch {
	return &FingerprintMismatch{store: store, ttl: ttl}
}

// Name implements Heuristic.
func (f *FingerprintMismatch) Name() string { return HeuristicFingerprint }

// Triggered implements Heuristic. Clicks without a visitor id are not checked.
func (f *FingerprintMismatch) Triggered(ctx context.Context, sig *Signal) (bool, error) {
	if sig.VisitorID == "" {
		return false, nil
	}
	fp := sig.Fingerprint()
	stored, err := f.store.Remember(ctx, sig.VisitorID, fp, f.ttl)
	if err != nil {
		return false, err
	}
	return stored != fp, nil
}

// RedisFingerprintStore keeps one key per visitor.
type RedisFingerprintStore struct {
	client *redis.Client
}

// NewRedisFingerprintStore creates a RedisFingerprintStore.
func NewRedisFingerprintStore(client *redis.Client) *RedisFingerprintStore {
	return &RedisFingerprintStore{client: client}
}

// Remember implements FingerprintStore.
func (s *RedisFingerprintStore) Remember(ctx context.Context, visitorID, fp string, ttl time.Duration) (string, error) {
	key := fingerprintKeyPrefix + visitorID

	created, err := s.client.SetNX(ctx, key, fp, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("store fingerprint: %w", err)
	}
	if created {
		return fp, nil
	}

	stored, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between the two calls; the next click re-seeds it.
		return fp, nil
	}
	if err != nil {
		return "", fmt.Errorf("load fingerprint: %w", err)
	}
	return stored, nil
}

type fingerprintEntry struct {
	fp      string
	expires time.Time
}

// MemoryFingerprintStore is a process-local FingerprintStore.
type MemoryFingerprintStore struct {
	mu      sync.Mutex
	entries map[string]fingerprintEntry
	now     func() time.Time
}

// NewMemoryFingerprintStore creates a MemoryFingerprintStore.
func NewMemoryFingerprintStore() *MemoryFingerprintStore {
	return &MemoryFingerprintStore{entries: make(map[string]fingerprintEntry), now: time.Now}
}

// Remember implements FingerprintStore.
func (s *MemoryFingerprintStore) Remember(_ context.Context, visitorID, fp string, ttl time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.entries[visitorID]; ok && now.Before(e.expires) {
		return e.fp, nil
	}
	s.entries[visitorID] = fingerprintEntry{fp: fp, expires: now.Add(ttl)}
	return fp, nil
}
