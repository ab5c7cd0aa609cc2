package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"edgegate/internal/observability"
)

// PostgresStore backs the fixed-window table with a shared rate_windows
// table so horizontally scaled instances count together. A single upsert
// keeps increment-and-compare atomic across instances.
type PostgresStore struct {
	db         *sql.DB
	incrStmt   *sql.Stmt
	sweepStmt  *sql.Stmt
	fallback   *MemoryStore
	failClosed bool
}

const createRateWindows = `
	CREATE TABLE IF NOT EXISTS rate_windows (
		key        TEXT PRIMARY KEY,
		count      INTEGER NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	)
`

// NewPostgresStore ensures the rate_windows table exists and prepares the
// store's statements. With failClosed true a database failure denies
// requests instead of falling back to per-instance counting.
func NewPostgresStore(ctx context.Context, db *sql.DB, failClosed bool) (*PostgresStore, error) {
	if _, err := db.ExecContext(ctx, createRateWindows); err != nil {
		return nil, fmt.Errorf("failed to create rate_windows table: %w", err)
	}

	store := &PostgresStore{
		db:         db,
		fallback:   NewMemoryStore(),
		failClosed: failClosed,
	}

	var err error
	store.incrStmt, err = db.Prepare(`
		INSERT INTO rate_windows (key, count, expires_at)
		VALUES ($1, 1, $2)
		ON CONFLICT (key) DO UPDATE SET
			count      = CASE WHEN rate_windows.expires_at <= $3 THEN 1 ELSE rate_windows.count + 1 END,
			expires_at = CASE WHEN rate_windows.expires_at <= $3 THEN $2 ELSE rate_windows.expires_at END
		RETURNING count, expires_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare increment statement: %w", err)
	}

	store.sweepStmt, err = db.Prepare(`DELETE FROM rate_windows WHERE expires_at <= $1`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare sweep statement: %w", err)
	}

	return store, nil
}

// Incr implements Store.
func (s *PostgresStore) Incr(ctx context.Context, key string, windowLength time.Duration) (int, time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	now := time.Now()

	var count int
	var resetAt time.Time
	err := s.incrStmt.QueryRowContext(ctx, key, now.Add(windowLength), now).Scan(&count, &resetAt)
	if err != nil {
		if s.failClosed {
			return 0, time.Time{}, fmt.Errorf("failed to advance rate window: %w", err)
		}
		observability.RateStoreFallbacks.Inc()
		observability.Warn("rate store unavailable, using in-memory fallback",
			"store", "postgres", "error", err.Error())
		return s.fallback.Incr(ctx, key, windowLength)
	}

	return count, resetAt, nil
}

// Sweep removes expired windows and reports how many were dropped. Run it
// periodically; expiry itself is already handled inside the upsert.
func (s *PostgresStore) Sweep(ctx context.Context) (int64, error) {
	result, err := s.sweepStmt.ExecContext(ctx, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep rate windows: %w", err)
	}
	return result.RowsAffected()
}

// Close releases the prepared statements.
func (s *PostgresStore) Close() error {
	if err := s.incrStmt.Close(); err != nil {
		return err
	}
	return s.sweepStmt.Close()
}
