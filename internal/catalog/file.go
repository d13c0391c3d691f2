package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/clickroute/clickroute/internal/model"
)

// fileCatalog is the on-disk YAML layout.
type fileCatalog struct {
	Offers []*model.OfferConfig `yaml:"offers"`
}

type offerIndex struct {
	byID   map[string]*model.OfferConfig
	bySlug map[string]*model.OfferConfig
}

// FileSource serves offers from a YAML catalog. Reload swaps the whole
// index atomically; clicks already holding a snapshot are unaffected.
type FileSource struct {
	path  string
	index atomic.Pointer[offerIndex]
}

// NewFileSource loads the catalog at path.
func NewFileSource(path string) (*FileSource, error) {
	s := &FileSource{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the catalog file. On error the previous index is kept.
func (s *FileSource) Reload() error {
	offers, err := LoadFile(s.path)
	if err != nil {
		return err
	}
	idx, err := buildIndex(offers)
	if err != nil {
		return err
	}
	s.index.Store(idx)
	return nil
}

// Offer implements Source. An exact id match wins over a slug match.
func (s *FileSource) Offer(_ context.Context, ref string) (*model.OfferConfig, error) {
	idx := s.index.Load()
	if o, ok := idx.byID[ref]; ok {
		return o.Clone(), nil
	}
	if o, ok := idx.bySlug[ref]; ok {
		return o.Clone(), nil
	}
	return nil, ErrOfferNotFound
}

// Offers returns copies of every offer in the catalog.
func (s *FileSource) Offers() []*model.OfferConfig {
	idx := s.index.Load()
	out := make([]*model.OfferConfig, 0, len(idx.byID))
	for _, o := range idx.byID {
		out = append(out, o.Clone())
	}
	return out
}

// LoadFile parses and validates a YAML catalog.
func LoadFile(path string) ([]*model.OfferConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML catalog, normalizes it and validates every offer.
// All problems are reported together.
func Parse(data []byte) ([]*model.OfferConfig, error) {
	var fc fileCatalog
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("%w: decode yaml: %v", model.ErrInvalidOffer, err)
	}

	var errs []error
	for i, o := range fc.Offers {
		if o == nil {
			errs = append(errs, fmt.Errorf("%w: offers[%d] is empty", model.ErrInvalidOffer, i))
			continue
		}
		normalize(o)
		if err := o.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("offers[%d]: %w", i, err))
		}
	}
	if _, err := buildIndex(fc.Offers); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return fc.Offers, nil
}

// normalize fills the fields authors may leave implicit in YAML.
func normalize(o *model.OfferConfig) {
	if o.Status == "" {
		o.Status = model.OfferActive
	}
	for i := range o.AllowGeos {
		o.AllowGeos[i] = strings.ToUpper(strings.TrimSpace(o.AllowGeos[i]))
	}
	for i := range o.DenyGeos {
		o.DenyGeos[i] = strings.ToUpper(strings.TrimSpace(o.DenyGeos[i]))
	}
	for i := range o.Landings {
		l := &o.Landings[i]
		if l.OfferID == "" {
			l.OfferID = o.ID
		}
		l.GeoOverride = strings.ToUpper(strings.TrimSpace(l.GeoOverride))
	}
}

func buildIndex(offers []*model.OfferConfig) (*offerIndex, error) {
	idx := &offerIndex{
		byID:   make(map[string]*model.OfferConfig, len(offers)),
		bySlug: make(map[string]*model.OfferConfig, len(offers)),
	}
	for _, o := range offers {
		if o == nil {
			continue
		}
		if _, dup := idx.byID[o.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate offer id %q", model.ErrInvalidOffer, o.ID)
		}
		idx.byID[o.ID] = o
		if o.Slug == "" {
			continue
		}
		if _, dup := idx.bySlug[o.Slug]; dup {
			return nil, fmt.Errorf("%w: duplicate offer slug %q", model.ErrInvalidOffer, o.Slug)
		}
		idx.bySlug[o.Slug] = o
	}
	return idx, nil
}
