package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	// StreamKey is the Redis stream for click decision events.
	StreamKey = "stream:click_decisions"

	// MaxStreamLen is the approximate max length of the stream.
	MaxStreamLen = 100000
)

// StreamSink appends events to a capped Redis stream.
type StreamSink struct {
	redis *redis.Client
}

// NewStreamSink creates a StreamSink.
func NewStreamSink(client *redis.Client) *StreamSink {
	return &StreamSink{redis: client}
}

// Send implements Sink.
func (s *StreamSink) Send(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	err = s.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey,
		MaxLen: MaxStreamLen,
		Approx: true, // ~MAXLEN for performance
		ID:     "*",
		Values: map[string]interface{}{
			"type":    string(ev.Type),
			"payload": string(data),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd: %w", err)
	}
	return nil
}

// Close implements Sink. The Redis client is owned by the caller.
func (s *StreamSink) Close() error { return nil }
