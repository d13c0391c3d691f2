// Package dto provides Data Transfer Objects for API requests and responses.
package dto

import (
	"time"

	"github.com/clickroute/clickroute/internal/model"
)

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// ServiceInfo is returned by the root endpoint.
type ServiceInfo struct {
	Service string `json:"service"`
	Version string `json:"version"`
}

// StageOutcomeResponse is one audit trail entry.
type StageOutcomeResponse struct {
	Stage   string    `json:"stage"`
	Outcome string    `json:"outcome"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

// ClickResponse represents a click audit record in the internal API.
type ClickResponse struct {
	ID                string                 `json:"id"`
	ReceivedAt        time.Time              `json:"received_at"`
	Status            string                 `json:"status"`
	CheckStage        string                 `json:"check_stage"`
	RejectReason      string                 `json:"reject_reason,omitempty"`
	OfferRef          string                 `json:"offer_ref"`
	PublisherID       string                 `json:"publisher_id"`
	ClientIP          string                 `json:"client_ip"`
	UserAgent         string                 `json:"user_agent,omitempty"`
	Referrer          string                 `json:"referrer,omitempty"`
	VisitorID         string                 `json:"visitor_id,omitempty"`
	TrackingParams    map[string]string      `json:"tracking_params,omitempty"`
	ResolvedOfferID   string                 `json:"resolved_offer_id,omitempty"`
	ResolvedLandingID string                 `json:"resolved_landing_id,omitempty"`
	Geo               string                 `json:"geo,omitempty"`
	RedirectURL       string                 `json:"redirect_url,omitempty"`
	DecidedAt         *time.Time             `json:"decided_at,omitempty"`
	Stages            []StageOutcomeResponse `json:"stages"`
}

// ToClickResponse converts a ClickRecord to its API representation.
func ToClickResponse(rec *model.ClickRecord) *ClickResponse {
	stages := make([]StageOutcomeResponse, 0, len(rec.StageOutcomes))
	for _, o := range rec.StageOutcomes {
		stages = append(stages, StageOutcomeResponse{
			Stage:   o.Stage.String(),
			Outcome: string(o.Outcome),
			Detail:  o.Detail,
			At:      o.At,
		})
	}

	return &ClickResponse{
		ID:                rec.ID,
		ReceivedAt:        rec.ReceivedAt,
		Status:            string(rec.Status),
		CheckStage:        rec.CheckStage.String(),
		RejectReason:      string(rec.RejectReason),
		OfferRef:          rec.RawOfferRef,
		PublisherID:       rec.PublisherID,
		ClientIP:          rec.ClientIP,
		UserAgent:         rec.UserAgent,
		Referrer:          rec.Referrer,
		VisitorID:         rec.VisitorID,
		TrackingParams:    rec.TrackingParams,
		ResolvedOfferID:   rec.ResolvedOfferID,
		ResolvedLandingID: rec.ResolvedLandingID,
		Geo:               rec.Geo,
		RedirectURL:       rec.RedirectURL,
		DecidedAt:         rec.DecidedAt,
		Stages:            stages,
	}
}
