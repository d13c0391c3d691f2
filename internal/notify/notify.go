// Package notify emits click decision events to the notification collaborator.
package notify

import (
	"context"
	"time"

	"github.com/clickroute/clickroute/internal/model"
)

// EventType names the notification kinds.
type EventType string

const (
	EventClickProcessed    EventType = "click.processed"
	EventClickFraudBlocked EventType = "click.fraud_blocked"
)

// Event is the payload handed to sinks.
type Event struct {
	ID          string             `json:"id"`
	Type        EventType          `json:"type"`
	ClickID     string             `json:"click_id"`
	OfferID     string             `json:"offer_id,omitempty"`
	LandingID   string             `json:"landing_id,omitempty"`
	PublisherID string             `json:"publisher_id,omitempty"`
	Geo         string             `json:"geo,omitempty"`
	Status      model.ClickStatus  `json:"status"`
	Reason      model.RejectReason `json:"reason,omitempty"`
	Detail      string             `json:"detail,omitempty"`
	Tags        []string           `json:"tags,omitempty"`
	OccurredAt  time.Time          `json:"occurred_at"`
}

// EventFor builds the notification for a decided click. Only processed
// clicks and fraud blocks are notified.
func EventFor(c *model.ClickRecord) (Event, bool) {
	var typ EventType
	switch {
	case c.Status == model.StatusProcessed:
		typ = EventClickProcessed
	case c.Status == model.StatusRejected && c.RejectReason == model.ReasonFraudBlock:
		typ = EventClickFraudBlocked
	default:
		return Event{}, false
	}

	ev := Event{
		ID:          string(typ) + ":" + c.ID,
		Type:        typ,
		ClickID:     c.ID,
		OfferID:     c.ResolvedOfferID,
		LandingID:   c.ResolvedLandingID,
		PublisherID: c.PublisherID,
		Geo:         c.Geo,
		Status:      c.Status,
		Reason:      c.RejectReason,
		OccurredAt:  c.ReceivedAt,
	}
	if c.DecidedAt != nil {
		ev.OccurredAt = *c.DecidedAt
	}
	if typ == EventClickFraudBlocked {
		if o, ok := c.Outcome(model.StageFraud); ok {
			ev.Detail = o.Detail
		}
		ev.Tags = []string{"fraud", ev.Detail}
	}
	return ev, true
}

// Emitter accepts events without blocking the caller.
type Emitter interface {
	Emit(ev Event) bool
}

// Sink delivers one event synchronously.
type Sink interface {
	Send(ctx context.Context, ev Event) error
	Close() error
}

// Discard is an Emitter that drops everything.
type Discard struct{}

// Emit implements Emitter.
func (Discard) Emit(Event) bool { return false }
