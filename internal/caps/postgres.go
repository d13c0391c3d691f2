package caps

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// upsertCounterSQL increments a counter only while it is below its limit.
// Concurrent admissions serialize on the row lock and re-check the condition.
const upsertCounterSQL = `
	INSERT INTO cap_counters (key, count, cap_limit, expires_at, updated_at)
	VALUES ($1, 1, $2, $3, NOW())
	ON CONFLICT (key) DO UPDATE SET
		count = cap_counters.count + 1,
		cap_limit = EXCLUDED.cap_limit,
		updated_at = NOW()
	WHERE cap_counters.count < EXCLUDED.cap_limit
	RETURNING count
`

// PostgresStore keeps counters in PostgreSQL. An admission is one transaction.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Admit implements Store.
func (s *PostgresStore) Admit(ctx context.Context, req AdmitRequest) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("begin cap tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if res, found, err := checkTx(ctx, tx, req); err != nil || found {
		return res, err
	}

	// Increments run in a savepoint so a blocked admission leaves no partial update.
	sp, err := tx.Begin(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("begin cap savepoint: %w", err)
	}

	res := Result{Admitted: true}
	for _, c := range req.Counters {
		var n int64
		err := sp.QueryRow(ctx, upsertCounterSQL, c.Key, c.Limit, nullableTime(c.ExpireAt)).Scan(&n)
		if errors.Is(err, pgx.ErrNoRows) {
			res = Result{Blocking: c.Key}
			break
		}
		if err != nil {
			return Result{}, fmt.Errorf("increment %s: %w", c.Key, err)
		}
	}

	if res.Admitted {
		err = sp.Commit(ctx)
	} else {
		err = sp.Rollback(ctx)
	}
	if err != nil {
		return Result{}, fmt.Errorf("close cap savepoint: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO cap_admissions (offer_id, click_id, admitted, blocking, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, req.OfferID, req.ClickID, res.Admitted, res.Blocking, req.markerExpiry(time.Now()))
	if err != nil {
		return Result{}, fmt.Errorf("record admission: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, fmt.Errorf("commit cap tx: %w", err)
	}
	return res, nil
}

// Check implements Store.
func (s *PostgresStore) Check(ctx context.Context, req AdmitRequest) (Result, bool, error) {
	return checkTx(ctx, s.pool, req)
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func checkTx(ctx context.Context, q queryRower, req AdmitRequest) (Result, bool, error) {
	var res Result
	err := q.QueryRow(ctx, `
		SELECT admitted, blocking FROM cap_admissions
		WHERE offer_id = $1 AND click_id = $2
	`, req.OfferID, req.ClickID).Scan(&res.Admitted, &res.Blocking)
	if errors.Is(err, pgx.ErrNoRows) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, fmt.Errorf("cap check: %w", err)
	}
	res.Replayed = true
	return res, true, nil
}

// Counts implements Store.
func (s *PostgresStore) Counts(ctx context.Context, keys []string) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT key, count FROM cap_counters
		WHERE key = ANY($1) AND (expires_at IS NULL OR expires_at > NOW())
	`, keys)
	if err != nil {
		return nil, fmt.Errorf("query cap counts: %w", err)
	}
	defer rows.Close()

	byKey := make(map[string]int64, len(keys))
	for rows.Next() {
		var k string
		var n int64
		if err := rows.Scan(&k, &n); err != nil {
			return nil, fmt.Errorf("scan cap count: %w", err)
		}
		byKey[k] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cap counts: %w", err)
	}

	counts := make([]int64, len(keys))
	for i, k := range keys {
		counts[i] = byKey[k]
	}
	return counts, nil
}

// Sweep deletes counters and admissions whose window has closed.
func (s *PostgresStore) Sweep(ctx context.Context, now time.Time) (int64, error) {
	var total int64
	for _, table := range []string{"cap_counters", "cap_admissions"} {
		tag, err := s.pool.Exec(ctx, "DELETE FROM "+table+" WHERE expires_at IS NOT NULL AND expires_at < $1", now)
		if err != nil {
			return total, fmt.Errorf("sweep %s: %w", table, err)
		}
		total += tag.RowsAffected()
	}
	return total, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
