package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clickroute/clickroute/internal/metrics"
	"github.com/clickroute/clickroute/internal/model"
)

var now = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func decidedClick(t *testing.T, failAt model.Stage, reason model.RejectReason, detail string) *model.ClickRecord {
	t.Helper()
	c := model.NewClickRecord("01CLICK", now, model.ClickSource{RawOfferRef: "O1", PublisherID: "P1", ClientIP: "203.0.113.1"})
	for s := model.StageOffer; s < model.StageRedirect; s++ {
		if s == failAt {
			require.NoError(t, c.Fail(s, reason, detail, now))
			return c
		}
		switch s {
		case model.StageOffer:
			c.ResolvedOfferID = "O1"
		case model.StageLanding:
			c.ResolvedLandingID = "L1"
		case model.StageGeo:
			c.Geo = "US"
		}
		require.NoError(t, c.Pass(s, "", now))
	}
	require.NoError(t, c.Complete("https://lp.example.com/?click_id=01CLICK", now))
	return c
}

func testEvent(id string) Event {
	return Event{ID: id, Type: EventClickProcessed, ClickID: id, OfferID: "O1", Status: model.StatusProcessed, OccurredAt: now}
}

func TestEventFor(t *testing.T) {
	t.Parallel()

	ev, ok := EventFor(decidedClick(t, model.StageRedirect, "", ""))
	require.True(t, ok)
	assert.Equal(t, EventClickProcessed, ev.Type)
	assert.Equal(t, "click.processed:01CLICK", ev.ID)
	assert.Equal(t, "L1", ev.LandingID)
	assert.Equal(t, "US", ev.Geo)

	ev, ok = EventFor(decidedClick(t, model.StageFraud, model.ReasonFraudBlock, "velocity"))
	require.True(t, ok)
	assert.Equal(t, EventClickFraudBlocked, ev.Type)
	assert.Equal(t, "velocity", ev.Detail)
	assert.Equal(t, []string{"fraud", "velocity"}, ev.Tags)

	_, ok = EventFor(decidedClick(t, model.StageCap, model.ReasonCapReached, ""))
	assert.False(t, ok, "cap rejections are not notified")

	_, ok = EventFor(model.NewClickRecord("p", now, model.ClickSource{}))
	assert.False(t, ok, "pending clicks are not notified")
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	gate   chan struct{}
	err    error
	closed bool
}

func (s *recordingSink) Send(ctx context.Context, ev Event) error {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestDispatcher_DeliversAndDrains(t *testing.T) {
	sink := &recordingSink{}
	rec := metrics.NewInMemory()
	d := NewDispatcher(sink, DispatcherConfig{QueueSize: 16, Workers: 2}, discardLogger(), rec)
	require.NoError(t, d.Start())

	for i := 0; i < 10; i++ {
		assert.True(t, d.Emit(testEvent(string(rune('a'+i)))))
	}
	require.NoError(t, d.Shutdown(context.Background()))

	assert.Equal(t, 10, sink.count())
	assert.True(t, sink.closed)
	assert.Equal(t, uint64(10), rec.Snapshot().NotifyEvents["sent"])

	assert.False(t, d.Emit(testEvent("late")), "emits after shutdown are dropped")
	assert.NoError(t, d.Shutdown(context.Background()), "second shutdown is a no-op")
}

func TestDispatcher_FullQueueDropsWithoutBlocking(t *testing.T) {
	sink := &recordingSink{gate: make(chan struct{})}
	rec := metrics.NewInMemory()
	d := NewDispatcher(sink, DispatcherConfig{QueueSize: 2, Workers: 1}, discardLogger(), rec)
	require.NoError(t, d.Start())

	accepted := 0
	start := time.Now()
	for i := 0; i < 20; i++ {
		if d.Emit(testEvent(string(rune('a' + i)))) {
			accepted++
		}
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.LessOrEqual(t, accepted, 3, "queue plus the one event held by the worker")
	assert.Equal(t, uint64(20-accepted), rec.Snapshot().NotifyEvents["dropped"])

	close(sink.gate)
	require.NoError(t, d.Shutdown(context.Background()))
	assert.Equal(t, accepted, sink.count())
}

func TestDispatcher_SinkErrorsAreCounted(t *testing.T) {
	sink := &recordingSink{err: errors.New("broker down")}
	rec := metrics.NewInMemory()
	d := NewDispatcher(sink, DispatcherConfig{QueueSize: 4}, discardLogger(), rec)
	require.NoError(t, d.Start())

	d.Emit(testEvent("a"))
	require.NoError(t, d.Shutdown(context.Background()))
	assert.Equal(t, uint64(1), rec.Snapshot().NotifyEvents["failed"])
}

func TestDispatcher_ShutdownTimeout(t *testing.T) {
	sink := &recordingSink{gate: make(chan struct{})}
	d := NewDispatcher(sink, DispatcherConfig{QueueSize: 4, SendTimeout: time.Second}, discardLogger(), nil)
	require.NoError(t, d.Start())
	d.Emit(testEvent("a"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Shutdown(ctx), context.DeadlineExceeded)
	close(sink.gate)
}

func TestStreamSink(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	sink := NewStreamSink(client)
	require.NoError(t, sink.Send(context.Background(), testEvent("e1")))

	msgs, err := client.XRange(context.Background(), StreamKey, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, string(EventClickProcessed), msgs[0].Values["type"])

	var got Event
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["payload"].(string)), &got))
	assert.Equal(t, "e1", got.ClickID)
	assert.NoError(t, sink.Close())
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaSink(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{}
	sink := &KafkaSink{writer: w, topic: "click-decisions"}

	require.NoError(t, sink.Send(context.Background(), testEvent("e1")))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "click-decisions", w.msgs[0].Topic)
	assert.Equal(t, []byte("e1"), w.msgs[0].Key)
	assert.Equal(t, "event_type", w.msgs[0].Headers[0].Key)

	w.err = errors.New("leader not available")
	assert.ErrorContains(t, sink.Send(context.Background(), testEvent("e2")), "write kafka message")

	require.NoError(t, sink.Close())
	assert.True(t, w.closed)
}

func TestNewKafkaSink(t *testing.T) {
	t.Parallel()

	sink := NewKafkaSink([]string{"localhost:9092"}, "t")
	assert.Equal(t, "t", sink.topic)
	assert.NoError(t, sink.Close())
}

func TestOutboxSink(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sink := NewOutboxSink(db)

	ev := testEvent("e1")
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO notification_outbox")).
		WithArgs(ev.ID, string(ev.Type), ev.ClickID, "O1", nil, sqlmock.AnyArg(), sqlmock.AnyArg(), ev.OccurredAt).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, sink.Send(context.Background(), ev))

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO notification_outbox")).
		WillReturnError(errors.New("connection reset"))
	assert.ErrorContains(t, sink.Send(context.Background(), ev), "insert outbox event")

	mock.ExpectClose()
	require.NoError(t, sink.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDiscard(t *testing.T) {
	t.Parallel()
	assert.False(t, Discard{}.Emit(testEvent("x")))
}
