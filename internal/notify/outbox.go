package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
)

// OutboxSink writes events to the notification_outbox table for a relay
// to deliver. Re-sending an event id is a no-op.
type OutboxSink struct {
	db *sql.DB
}

// NewOutboxSink creates an OutboxSink.
func NewOutboxSink(db *sql.DB) *OutboxSink {
	return &OutboxSink{db: db}
}

// Send implements Sink.
func (s *OutboxSink) Send(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	query := `
		INSERT INTO notification_outbox (
			event_id, event_type, click_id, offer_id, publisher_id, tags, payload, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (event_id) DO NOTHING
	`

	tags := ev.Tags
	if tags == nil {
		tags = []string{}
	}

	_, err = s.db.ExecContext(ctx, query,
		ev.ID,
		string(ev.Type),
		ev.ClickID,
		nullString(ev.OfferID),
		nullString(ev.PublisherID),
		pq.Array(tags),
		string(payload),
		ev.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

// Close implements Sink.
func (s *OutboxSink) Close() error {
	return s.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
