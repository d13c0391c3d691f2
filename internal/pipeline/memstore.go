package pipeline

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/clickroute/clickroute/internal/model"
	"github.com/clickroute/clickroute/internal/repository"
)

// MemoryClickStore is an in-process ClickStore for local runs and tests.
// It follows the Postgres store semantics: create once, finalize once.
type MemoryClickStore struct {
	mu     sync.Mutex
	clicks map[string]*model.ClickRecord
}

// NewMemoryClickStore creates an empty MemoryClickStore.
func NewMemoryClickStore() *MemoryClickStore {
	return &MemoryClickStore{clicks: make(map[string]*model.ClickRecord)}
}

// CreateClick implements ClickStore.
func (s *MemoryClickStore) CreateClick(_ context.Context, c *model.ClickRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clicks[c.ID]; ok {
		return repository.ErrClickExists
	}
	s.clicks[c.ID] = cloneRecord(c)
	return nil
}

// FinalizeClick implements ClickStore.
func (s *MemoryClickStore) FinalizeClick(_ context.Context, c *model.ClickRecord) (*model.ClickRecord, bool, error) {
	if !c.IsTerminal() {
		return nil, false, fmt.Errorf("finalize click %s: status %s is not terminal", c.ID, c.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.clicks[c.ID]
	if !ok {
		return nil, false, repository.ErrClickNotFound
	}
	if existing.IsTerminal() {
		return cloneRecord(existing), false, nil
	}
	s.clicks[c.ID] = cloneRecord(c)
	return c, true, nil
}

// GetClick implements ClickStore.
func (s *MemoryClickStore) GetClick(_ context.Context, id string) (*model.ClickRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clicks[id]
	if !ok {
		return nil, repository.ErrClickNotFound
	}
	return cloneRecord(c), nil
}

// ListStalePending implements PendingStore.
func (s *MemoryClickStore) ListStalePending(_ context.Context, cutoff time.Time, limit int) ([]*model.ClickRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.ClickRecord
	for _, c := range s.clicks {
		if c.Status == model.StatusPending && c.ReceivedAt.Before(cutoff) {
			out = append(out, cloneRecord(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of stored clicks.
func (s *MemoryClickStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clicks)
}

func cloneRecord(c *model.ClickRecord) *model.ClickRecord {
	cp := *c
	cp.StageOutcomes = append([]model.StageOutcome(nil), c.StageOutcomes...)
	cp.TrackingParams = maps.Clone(c.TrackingParams)
	if c.DecidedAt != nil {
		at := *c.DecidedAt
		cp.DecidedAt = &at
	}
	return &cp
}
