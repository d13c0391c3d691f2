package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/clickroute/clickroute/internal/model"
)

// ErrOfferNotFound is returned when no offer matches the reference.
var ErrOfferNotFound = errors.New("offer not found")

const offerColumns = `id, COALESCE(slug, ''), name, status, allow_geos, deny_geos, caps, updated_at`

// GetOffer retrieves an offer and its landings by id or slug.
// An exact id match wins over a slug match.
func (r *Repository) GetOffer(ctx context.Context, ref string) (*model.OfferConfig, error) {
	query := `SELECT ` + offerColumns + `
		FROM offers
		WHERE id = $1 OR slug = $1
		ORDER BY (id = $1) DESC
		LIMIT 1
	`

	offer, err := scanOffer(r.pool.QueryRow(ctx, query, ref))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOfferNotFound
		}
		return nil, fmt.Errorf("failed to get offer: %w", err)
	}

	landings, err := r.listLandings(ctx, offer.ID)
	if err != nil {
		return nil, err
	}
	offer.Landings = landings
	return offer, nil
}

// ListOffers returns every offer with its landings, ordered by id.
func (r *Repository) ListOffers(ctx context.Context) ([]*model.OfferConfig, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+offerColumns+` FROM offers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query offers: %w", err)
	}
	var offers []*model.OfferConfig
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan offer: %w", err)
		}
		offers = append(offers, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, o := range offers {
		if o.Landings, err = r.listLandings(ctx, o.ID); err != nil {
			return nil, err
		}
	}
	return offers, nil
}

// UpsertOffer inserts or replaces an offer and its landing set atomically.
func (r *Repository) UpsertOffer(ctx context.Context, o *model.OfferConfig) error {
	if err := o.Validate(); err != nil {
		return err
	}
	caps, err := json.Marshal(capsOrEmpty(o.Caps))
	if err != nil {
		return fmt.Errorf("marshal caps: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO offers (id, slug, name, status, allow_geos, deny_geos, caps, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (id) DO UPDATE SET
			slug = EXCLUDED.slug,
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			allow_geos = EXCLUDED.allow_geos,
			deny_geos = EXCLUDED.deny_geos,
			caps = EXCLUDED.caps,
			updated_at = NOW()
	`,
		o.ID,
		nullableString(o.Slug),
		o.Name,
		string(o.Status),
		stringsOrEmpty(o.AllowGeos),
		stringsOrEmpty(o.DenyGeos),
		caps,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: slug %q already used", model.ErrInvalidOffer, o.Slug)
		}
		return fmt.Errorf("upsert offer: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM landings WHERE offer_id = $1`, o.ID); err != nil {
		return fmt.Errorf("clear landings: %w", err)
	}

	batch := &pgx.Batch{}
	for i, l := range o.Landings {
		batch.Queue(`
			INSERT INTO landings (id, offer_id, url_template, weight, geo_override, position)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, l.ID, o.ID, l.URLTemplate, l.Weight, nullableString(l.GeoOverride), i)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: landing id already used by another offer", model.ErrInvalidOffer)
			}
			return fmt.Errorf("insert landings: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit offer: %w", err)
	}
	return nil
}

// DeleteOffer removes an offer and, by cascade, its landings.
func (r *Repository) DeleteOffer(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM offers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete offer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOfferNotFound
	}
	return nil
}

func (r *Repository) listLandings(ctx context.Context, offerID string) ([]model.LandingConfig, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, offer_id, url_template, weight, COALESCE(geo_override, '')
		FROM landings
		WHERE offer_id = $1
		ORDER BY position, id
	`, offerID)
	if err != nil {
		return nil, fmt.Errorf("query landings: %w", err)
	}
	defer rows.Close()

	var landings []model.LandingConfig
	for rows.Next() {
		var l model.LandingConfig
		if err := rows.Scan(&l.ID, &l.OfferID, &l.URLTemplate, &l.Weight, &l.GeoOverride); err != nil {
			return nil, fmt.Errorf("scan landing: %w", err)
		}
		landings = append(landings, l)
	}
	return landings, rows.Err()
}

func scanOffer(row pgx.Row) (*model.OfferConfig, error) {
	var (
		o        model.OfferConfig
		status   string
		capsJSON []byte
	)
	if err := row.Scan(&o.ID, &o.Slug, &o.Name, &status, &o.AllowGeos, &o.DenyGeos, &capsJSON, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.Status = model.OfferStatus(status)
	if err := json.Unmarshal(capsJSON, &o.Caps); err != nil {
		return nil, fmt.Errorf("decode caps: %w", err)
	}
	if len(o.AllowGeos) == 0 {
		o.AllowGeos = nil
	}
	if len(o.DenyGeos) == 0 {
		o.DenyGeos = nil
	}
	if len(o.Caps) == 0 {
		o.Caps = nil
	}
	return &o, nil
}

func stringsOrEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func capsOrEmpty(c []model.CapLimit) []model.CapLimit {
	if c == nil {
		return []model.CapLimit{}
	}
	return c
}
