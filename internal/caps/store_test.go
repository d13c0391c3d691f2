package caps

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clickroute/clickroute/internal/model"
)

func newMiniredisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client), mr
}

// storeCases runs the shared Store contract against every in-process backend.
func storeCases(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore(8) },
		"redis": func(t *testing.T) Store {
			s, _ := newMiniredisStore(t)
			return s
		},
	}
}

func request(clickID string, limits ...int64) AdmitRequest {
	expire := time.Now().Add(time.Hour)
	req := AdmitRequest{ClickID: clickID, OfferID: "O1"}
	for i, l := range limits {
		req.Counters = append(req.Counters, Counter{
			Key:      fmt.Sprintf("%sc%d", offerPrefix("O1"), i),
			Limit:    l,
			ExpireAt: expire,
		})
	}
	return req
}

func TestStore_AdmitUpToLimit(t *testing.T) {
	for name, mk := range storeCases(t) {
		t.Run(name, func(t *testing.T) {
			s := mk(t)
			ctx := context.Background()

			for i := 0; i < 3; i++ {
				res, err := s.Admit(ctx, request(fmt.Sprintf("c%d", i), 3))
				require.NoError(t, err)
				assert.True(t, res.Admitted, "click %d", i)
			}

			res, err := s.Admit(ctx, request("c3", 3))
			require.NoError(t, err)
			assert.False(t, res.Admitted)
			assert.Equal(t, offerPrefix("O1")+"c0", res.Blocking)

			counts, err := s.Counts(ctx, []string{offerPrefix("O1") + "c0", offerPrefix("O1") + "missing"})
			require.NoError(t, err)
			assert.Equal(t, []int64{3, 0}, counts)
		})
	}
}

func TestStore_AdmitIsIdempotentPerClick(t *testing.T) {
	for name, mk := range storeCases(t) {
		t.Run(name, func(t *testing.T) {
			s := mk(t)
			ctx := context.Background()

			first, err := s.Admit(ctx, request("dup", 5))
			require.NoError(t, err)
			require.True(t, first.Admitted)
			assert.False(t, first.Replayed)

			again, err := s.Admit(ctx, request("dup", 5))
			require.NoError(t, err)
			assert.True(t, again.Admitted)
			assert.True(t, again.Replayed)

			counts, err := s.Counts(ctx, []string{offerPrefix("O1") + "c0"})
			require.NoError(t, err)
			assert.Equal(t, int64(1), counts[0])
		})
	}
}

func TestStore_AllOrNothingAcrossCounters(t *testing.T) {
	for name, mk := range storeCases(t) {
		t.Run(name, func(t *testing.T) {
			s := mk(t)
			ctx := context.Background()

			// second counter allows one click, first allows ten
			res, err := s.Admit(ctx, request("a", 10, 1))
			require.NoError(t, err)
			require.True(t, res.Admitted)

			res, err = s.Admit(ctx, request("b", 10, 1))
			require.NoError(t, err)
			require.False(t, res.Admitted)
			assert.Equal(t, offerPrefix("O1")+"c1", res.Blocking)

			counts, err := s.Counts(ctx, []string{offerPrefix("O1") + "c0", offerPrefix("O1") + "c1"})
			require.NoError(t, err)
			assert.Equal(t, []int64{1, 1}, counts, "blocked admission must not increment any counter")
		})
	}
}

func TestStore_Check(t *testing.T) {
	for name, mk := range storeCases(t) {
		t.Run(name, func(t *testing.T) {
			s := mk(t)
			ctx := context.Background()

			_, found, err := s.Check(ctx, request("never", 1))
			require.NoError(t, err)
			assert.False(t, found)

			_, err = s.Admit(ctx, request("in", 1))
			require.NoError(t, err)
			_, err = s.Admit(ctx, request("out", 1))
			require.NoError(t, err)

			res, found, err := s.Check(ctx, request("in", 1))
			require.NoError(t, err)
			assert.True(t, found)
			assert.True(t, res.Admitted)

			res, found, err = s.Check(ctx, request("out", 1))
			require.NoError(t, err)
			assert.True(t, found)
			assert.False(t, res.Admitted)
			assert.Equal(t, offerPrefix("O1")+"c0", res.Blocking)

			counts, err := s.Counts(ctx, []string{offerPrefix("O1") + "c0"})
			require.NoError(t, err)
			assert.Equal(t, int64(1), counts[0], "check must not mutate")
		})
	}
}

func TestStore_ConcurrentAdmissionNeverOvershoots(t *testing.T) {
	const (
		limit   = 25
		clients = 200
	)

	for name, mk := range storeCases(t) {
		t.Run(name, func(t *testing.T) {
			s := mk(t)
			ctx := context.Background()

			var admitted int64
			var wg sync.WaitGroup
			for i := 0; i < clients; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					res, err := s.Admit(ctx, request(fmt.Sprintf("click-%d", i), limit))
					if err == nil && res.Admitted {
						atomic.AddInt64(&admitted, 1)
					}
				}(i)
			}
			wg.Wait()

			assert.Equal(t, int64(limit), admitted)
			counts, err := s.Counts(ctx, []string{offerPrefix("O1") + "c0"})
			require.NoError(t, err)
			assert.Equal(t, int64(limit), counts[0])
		})
	}
}

func TestAdmitRequest_Validate(t *testing.T) {
	t.Parallel()

	req := request("x")
	assert.ErrorIs(t, req.Validate(), ErrEmptyRequest)

	req = request("x", 1)
	req.Counters = append(req.Counters, Counter{Key: offerPrefix("O2") + "c0", Limit: 1})
	assert.ErrorIs(t, req.Validate(), ErrMixedOffers)

	req = request("x", 0)
	assert.Error(t, req.Validate())

	req = request("", 1)
	assert.Error(t, req.Validate())
}

func TestMemoryStore_SweepDropsExpired(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(1)
	ctx := context.Background()

	req := request("old", 1)
	req.Counters[0].ExpireAt = time.Now().Add(time.Minute)
	_, err := s.Admit(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, 0, s.Sweep(time.Now()))
	assert.Equal(t, 2, s.Sweep(time.Now().Add(2*time.Minute)))

	counts, err := s.Counts(ctx, []string{req.Counters[0].Key})
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts[0])
}

func TestRedisStore_CounterExpiry(t *testing.T) {
	s, mr := newMiniredisStore(t)
	ctx := context.Background()

	req := request("c", 1)
	_, err := s.Admit(ctx, req)
	require.NoError(t, err)

	ttl := mr.TTL(req.Counters[0].Key)
	assert.True(t, ttl > 0 && ttl <= time.Hour, "ttl %s", ttl)
	assert.True(t, mr.Exists(markerKey("O1", "c")))
}

func TestAdmitRequest_MarkerExpiry(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	at := func(d time.Duration) Counter { return Counter{ExpireAt: now.Add(d)} }

	tests := []struct {
		name     string
		counters []Counter
		want     time.Time
	}{
		{"short window keeps counter expiry", []Counter{at(time.Hour), at(2 * time.Hour)}, now.Add(2 * time.Hour)},
		{"long window is capped", []Counter{at(time.Hour), at(30 * 24 * time.Hour)}, now.Add(MarkerRetention)},
		{"lifetime counter is capped", []Counter{at(time.Hour), {}}, now.Add(MarkerRetention)},
	}
	for _, tt := range tests {
		req := AdmitRequest{Counters: tt.counters}
		assert.Equal(t, tt.want, req.markerExpiry(now), tt.name)
	}
}

func TestRedisStore_LifetimeCapMarkerExpires(t *testing.T) {
	s, mr := newMiniredisStore(t)
	ctx := context.Background()
	enforcer := NewEnforcer(s, time.UTC, time.Second, discardLogger(), nil)
	offer := cappedOffer(model.CapLimit{Scope: model.CapScopeOffer, Count: 1_000_000, Period: model.PeriodLifetime})

	for i := 0; i < 3; i++ {
		clickID := fmt.Sprintf("click-%d", i)
		d, err := enforcer.Admit(ctx, clickID, offer, "P1", time.Now())
		require.NoError(t, err)
		require.True(t, d.Admitted)

		ttl := mr.TTL(markerKey("O1", clickID))
		assert.True(t, ttl > 0 && ttl <= MarkerRetention, "marker %s ttl %s", clickID, ttl)
	}

	counters := enforcer.Counters(offer, "P1", time.Now())
	require.Len(t, counters, 1)
	assert.Zero(t, mr.TTL(counters[0].Key), "lifetime counters never expire")
}

func TestMemoryStore_LifetimeCapMarkerIsSwept(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(1)
	ctx := context.Background()

	req := request("forever", 5)
	req.Counters[0].ExpireAt = time.Time{}
	_, err := s.Admit(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, 0, s.Sweep(time.Now().Add(time.Hour)))
	assert.Equal(t, 1, s.Sweep(time.Now().Add(MarkerRetention+time.Minute)), "only the marker goes")

	counts, err := s.Counts(ctx, []string{req.Counters[0].Key})
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[0])
}
