//go:build integration

package caps

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clickroute/clickroute/internal/testutil"
)

func newPostgresTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration tests in short mode")
	}

	ctx := context.Background()
	dbURL := testutil.RequireEnv(t, "DATABASE_URL")

	pool, err := pgxpool.New(ctx, dbURL)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	unlock, err := testutil.AcquireDBLock(ctx, pool)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unlock() })

	require.NoError(t, testutil.ResetSchema(dbURL))
	return NewPostgresStore(pool)
}

func TestIntegrationPostgresStore_Contract(t *testing.T) {
	s := newPostgresTestStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := s.Admit(ctx, request(fmt.Sprintf("c%d", i), 2, 10))
		require.NoError(t, err)
		assert.True(t, res.Admitted)
	}

	res, err := s.Admit(ctx, request("c2", 2, 10))
	require.NoError(t, err)
	assert.False(t, res.Admitted)
	assert.Equal(t, offerPrefix("O1")+"c0", res.Blocking)

	// The blocked click must not have consumed the second counter.
	counts, err := s.Counts(ctx, []string{offerPrefix("O1") + "c0", offerPrefix("O1") + "c1"})
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 2}, counts)

	replay, err := s.Admit(ctx, request("c0", 2, 10))
	require.NoError(t, err)
	assert.True(t, replay.Admitted)
	assert.True(t, replay.Replayed)

	stored, found, err := s.Check(ctx, request("c2", 2, 10))
	require.NoError(t, err)
	assert.True(t, found)
	assert.False(t, stored.Admitted)
}

func TestIntegrationPostgresStore_ConcurrentAdmission(t *testing.T) {
	s := newPostgresTestStore(t)
	ctx := context.Background()

	const clients, limit = 60, 10
	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.Admit(ctx, request(fmt.Sprintf("c%d", i), limit))
			if err == nil && res.Admitted {
				admitted.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(limit), admitted.Load())
}

func TestIntegrationPostgresStore_Sweep(t *testing.T) {
	s := newPostgresTestStore(t)
	ctx := context.Background()

	req := request("c0", 5)
	req.Counters[0].ExpireAt = time.Now().Add(-time.Minute)
	_, err := s.Admit(ctx, req)
	require.NoError(t, err)

	removed, err := s.Sweep(ctx, time.Now())
	require.NoError(t, err)
	assert.Positive(t, removed)

	_, found, err := s.Check(ctx, req)
	require.NoError(t, err)
	assert.False(t, found)
}
