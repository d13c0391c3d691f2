// Package testutil holds helpers shared by unit and integration tests.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/clickroute/clickroute/internal/model"
	"github.com/clickroute/clickroute/migrations"
)

// RequireEnv returns an environment variable or skips the test if missing.
func RequireEnv(t testing.TB, key string) string {
	t.Helper()
	value := os.Getenv(key)
	if value == "" {
		t.Skipf("%s not set", key)
	}
	return value
}

const advisoryLockID int64 = 420420

// AcquireDBLock grabs a global advisory lock to serialize DB tests.
func AcquireDBLock(ctx context.Context, pool *pgxpool.Pool) (func() error, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", advisoryLockID); err != nil {
		conn.Release()
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	unlock := func() error {
		defer conn.Release()
		if _, err := conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", advisoryLockID); err != nil {
			return fmt.Errorf("release advisory lock: %w", err)
		}
		return nil
	}

	return unlock, nil
}

// ResetSchema rolls every migration down and back up, leaving empty tables.
func ResetSchema(databaseURL string) error {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply down migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply up migrations: %w", err)
	}
	return nil
}

// FlushRedis clears the current Redis database.
func FlushRedis(ctx context.Context, client *redis.Client) error {
	return client.FlushDB(ctx).Err()
}

// ProjectRoot returns the project root directory.
func ProjectRoot() (string, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("failed to resolve testutil path")
	}
	root := filepath.Clean(filepath.Join(filepath.Dir(filename), "..", ".."))
	return root, nil
}

// ============================================================================
// Test Data Factories
// ============================================================================

// NewTestOffer creates an active single-landing offer open to every geo.
func NewTestOffer(t testing.TB, id string) *model.OfferConfig {
	t.Helper()
	return &model.OfferConfig{
		ID:     id,
		Slug:   "slug-" + id,
		Name:   "Test offer " + id,
		Status: model.OfferActive,
		Landings: []model.LandingConfig{
			{
				ID:          id + "-L1",
				OfferID:     id,
				URLTemplate: "https://lp.example.com/" + id + "?sub={sub1}",
				Weight:      1,
			},
		},
		UpdatedAt: time.Now().UTC(),
	}
}

// NewTestOfferWithCap creates a test offer with a single offer-scoped cap.
func NewTestOfferWithCap(t testing.TB, id string, count int64, period model.CapPeriod) *model.OfferConfig {
	t.Helper()
	o := NewTestOffer(t, id)
	o.Caps = []model.CapLimit{{Scope: model.CapScopeOffer, Count: count, Period: period}}
	return o
}

// NewTestClick creates a pending click for the given offer reference.
func NewTestClick(t testing.TB, offerRef string) *model.ClickRecord {
	t.Helper()
	return model.NewClickRecord(UniqueID("click"), time.Now().UTC().Truncate(time.Microsecond), model.ClickSource{
		RawOfferRef:    offerRef,
		PublisherID:    "pub-1",
		ClientIP:       "203.0.113.10",
		UserAgent:      "Mozilla/5.0 (X11; Linux x86_64) Firefox/128.0",
		AcceptLanguage: "en-US,en;q=0.9",
		TrackingParams: map[string]string{"sub1": "abc"},
	})
}

// UniqueID generates a unique ID for tests.
func UniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}
