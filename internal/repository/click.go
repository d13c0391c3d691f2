package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/clickroute/clickroute/internal/model"
)

// Click record errors.
var (
	ErrClickNotFound = errors.New("click not found")
	ErrClickExists   = errors.New("click already exists")
)

const clickColumns = `
	id, received_at, raw_offer_ref, publisher_id, client_ip, user_agent, referrer,
	accept_language, visitor_id, geo_hint, tracking_params, resolved_offer_id,
	resolved_landing_id, geo, check_stage, status, reject_reason, stage_outcomes,
	redirect_url, decided_at
`

// CreateClick persists a freshly ingested pending click.
func (r *Repository) CreateClick(ctx context.Context, c *model.ClickRecord) error {
	outcomes, err := json.Marshal(c.StageOutcomes)
	if err != nil {
		return fmt.Errorf("marshal stage outcomes: %w", err)
	}
	params, err := json.Marshal(trackingParams(c.TrackingParams))
	if err != nil {
		return fmt.Errorf("marshal tracking params: %w", err)
	}

	query := `
		INSERT INTO click_records (
			id, received_at, raw_offer_ref, publisher_id, client_ip, user_agent, referrer,
			accept_language, visitor_id, geo_hint, tracking_params, check_stage, status,
			stage_outcomes
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	_, err = r.pool.Exec(ctx, query,
		c.ID,
		c.ReceivedAt,
		c.RawOfferRef,
		c.PublisherID,
		c.ClientIP,
		nullableString(c.UserAgent),
		nullableString(c.Referrer),
		nullableString(c.AcceptLanguage),
		nullableString(c.VisitorID),
		nullableString(c.GeoHint),
		params,
		c.CheckStage.String(),
		string(c.Status),
		outcomes,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrClickExists
		}
		return fmt.Errorf("failed to create click: %w", err)
	}
	return nil
}

// FinalizeClick writes the terminal state of a click exactly once.
// If the click was already decided, the stored record is returned unchanged
// and committed is false.
func (r *Repository) FinalizeClick(ctx context.Context, c *model.ClickRecord) (stored *model.ClickRecord, committed bool, err error) {
	if !c.IsTerminal() {
		return nil, false, fmt.Errorf("finalize click %s: status %s is not terminal", c.ID, c.Status)
	}
	outcomes, err := json.Marshal(c.StageOutcomes)
	if err != nil {
		return nil, false, fmt.Errorf("marshal stage outcomes: %w", err)
	}

	query := `
		UPDATE click_records SET
			resolved_offer_id = $2,
			resolved_landing_id = $3,
			geo = $4,
			check_stage = $5,
			status = $6,
			reject_reason = $7,
			stage_outcomes = $8,
			redirect_url = $9,
			decided_at = $10
		WHERE id = $1 AND status = 'pending'
	`

	tag, err := r.pool.Exec(ctx, query,
		c.ID,
		nullableString(c.ResolvedOfferID),
		nullableString(c.ResolvedLandingID),
		nullableString(c.Geo),
		c.CheckStage.String(),
		string(c.Status),
		nullableString(string(c.RejectReason)),
		outcomes,
		nullableString(c.RedirectURL),
		c.DecidedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to finalize click: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return c, true, nil
	}

	existing, err := r.GetClick(ctx, c.ID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetClick retrieves a click record by id.
func (r *Repository) GetClick(ctx context.Context, id string) (*model.ClickRecord, error) {
	query := `SELECT ` + clickColumns + ` FROM click_records WHERE id = $1`

	c, err := scanClick(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrClickNotFound
		}
		return nil, fmt.Errorf("failed to get click: %w", err)
	}
	return c, nil
}

// ListStalePending returns pending clicks received before cutoff, oldest first.
func (r *Repository) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]*model.ClickRecord, error) {
	query := `SELECT ` + clickColumns + `
		FROM click_records
		WHERE status = 'pending' AND received_at < $1
		ORDER BY received_at
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query stale clicks: %w", err)
	}
	defer rows.Close()

	var clicks []*model.ClickRecord
	for rows.Next() {
		c, err := scanClick(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale click: %w", err)
		}
		clicks = append(clicks, c)
	}
	return clicks, rows.Err()
}

func scanClick(row pgx.Row) (*model.ClickRecord, error) {
	var (
		c                                          model.ClickRecord
		userAgent, referrer, acceptLang, visitorID *string
		geoHint, offerID, landingID, geo, reason   *string
		redirectURL                                *string
		checkStage, status                         string
		paramsJSON, outcomesJSON                   []byte
	)

	err := row.Scan(
		&c.ID,
		&c.ReceivedAt,
		&c.RawOfferRef,
		&c.PublisherID,
		&c.ClientIP,
		&userAgent,
		&referrer,
		&acceptLang,
		&visitorID,
		&geoHint,
		&paramsJSON,
		&offerID,
		&landingID,
		&geo,
		&checkStage,
		&status,
		&reason,
		&outcomesJSON,
		&redirectURL,
		&c.DecidedAt,
	)
	if err != nil {
		return nil, err
	}

	stage, err := model.ParseStage(checkStage)
	if err != nil {
		return nil, err
	}
	c.CheckStage = stage
	c.Status = model.ClickStatus(status)
	c.RejectReason = model.RejectReason(derefString(reason))
	c.UserAgent = derefString(userAgent)
	c.Referrer = derefString(referrer)
	c.AcceptLanguage = derefString(acceptLang)
	c.VisitorID = derefString(visitorID)
	c.GeoHint = derefString(geoHint)
	c.ResolvedOfferID = derefString(offerID)
	c.ResolvedLandingID = derefString(landingID)
	c.Geo = derefString(geo)
	c.RedirectURL = derefString(redirectURL)

	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &c.TrackingParams); err != nil {
			return nil, fmt.Errorf("decode tracking params: %w", err)
		}
		if len(c.TrackingParams) == 0 {
			c.TrackingParams = nil
		}
	}
	if err := json.Unmarshal(outcomesJSON, &c.StageOutcomes); err != nil {
		return nil, fmt.Errorf("decode stage outcomes: %w", err)
	}
	return &c, nil
}

func trackingParams(p map[string]string) map[string]string {
	if p == nil {
		return map[string]string{}
	}
	return p
}
