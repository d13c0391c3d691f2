// Package catalog provides read-only offer snapshots to the click pipeline.
package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/clickroute/clickroute/internal/model"
	"github.com/clickroute/clickroute/internal/repository"
)

// ErrOfferNotFound is returned when no offer matches the reference.
var ErrOfferNotFound = errors.New("offer not found")

// Source resolves a raw offer reference (id or slug) to an offer snapshot.
// Callers own the returned value; sources never hand out shared state.
type Source interface {
	Offer(ctx context.Context, ref string) (*model.OfferConfig, error)
}

// OfferStore is the subset of the repository the Postgres source reads.
type OfferStore interface {
	GetOffer(ctx context.Context, ref string) (*model.OfferConfig, error)
}

// RepositorySource reads offers from Postgres.
type RepositorySource struct {
	store OfferStore
}

// NewRepositorySource creates a Source backed by the offers tables.
func NewRepositorySource(store OfferStore) *RepositorySource {
	return &RepositorySource{store: store}
}

// Offer implements Source.
func (s *RepositorySource) Offer(ctx context.Context, ref string) (*model.OfferConfig, error) {
	offer, err := s.store.GetOffer(ctx, ref)
	if err != nil {
		if errors.Is(err, repository.ErrOfferNotFound) {
			return nil, ErrOfferNotFound
		}
		return nil, fmt.Errorf("load offer %q: %w", ref, err)
	}
	return offer, nil
}
