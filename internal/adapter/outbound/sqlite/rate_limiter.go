// Package sqlite implements the rate limiter port over an embedded SQLite
// database, giving a single-node deployment durable quota buckets without an
// external store. The driver is CGo-free, so the gateway stays a
// self-contained static binary.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aimguard/gateway/internal/domain/ratelimit"
)

// RateLimiter implements ratelimit.RateLimiter with an exact rolling window:
// every admitted hit is a row, aged rows are deleted lazily on access.
type RateLimiter struct {
	db *sql.DB
}

// NewRateLimiter opens (creating if needed) the database at path and
// prepares the schema. The busy timeout covers concurrent writers from
// in-process goroutines sharing the file.
func NewRateLimiter(path string) (*RateLimiter, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("sqlite rate limit: open: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS rate_hits (
	key TEXT NOT NULL,
	ts  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rate_hits_key_ts ON rate_hits (key, ts);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite rate limit: schema: %w", err)
	}
	return &RateLimiter{db: db}, nil
}

// Allow counts a hit against the window identified by key. The aged rows are
// pruned first, so the count reflects exactly the hits inside the rolling
// window; RetryAfter is the time until the oldest surviving hit ages out.
func (r *RateLimiter) Allow(ctx context.Context, key string, config ratelimit.RateLimitConfig) (ratelimit.RateLimitResult, error) {
	if config.Rate <= 0 {
		config.Rate = 1
	}

	now := time.Now()
	cutoff := now.Add(-config.Period).UnixNano()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return ratelimit.RateLimitResult{}, fmt.Errorf("sqlite rate limit: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM rate_hits WHERE key = ? AND ts < ?`, key, cutoff); err != nil {
		return ratelimit.RateLimitResult{}, fmt.Errorf("sqlite rate limit: prune: %w", err)
	}

	var count int
	var oldest sql.NullInt64
	row := tx.QueryRowContext(ctx, `SELECT COUNT(*), MIN(ts) FROM rate_hits WHERE key = ?`, key)
	if err := row.Scan(&count, &oldest); err != nil {
		return ratelimit.RateLimitResult{}, fmt.Errorf("sqlite rate limit: count: %w", err)
	}

	if count >= config.Rate {
		retryAfter := config.Period
		if oldest.Valid {
			retryAfter = time.Unix(0, oldest.Int64).Add(config.Period).Sub(now)
			if retryAfter <= 0 {
				retryAfter = time.Millisecond
			}
		}
		if err := tx.Commit(); err != nil {
			return ratelimit.RateLimitResult{}, fmt.Errorf("sqlite rate limit: commit: %w", err)
		}
		return ratelimit.RateLimitResult{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: retryAfter,
			ResetAfter: config.Period,
		}, nil
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO rate_hits (key, ts) VALUES (?, ?)`, key, now.UnixNano()); err != nil {
		return ratelimit.RateLimitResult{}, fmt.Errorf("sqlite rate limit: insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return ratelimit.RateLimitResult{}, fmt.Errorf("sqlite rate limit: commit: %w", err)
	}

	return ratelimit.RateLimitResult{
		Allowed:    true,
		Remaining:  config.Rate - count - 1,
		ResetAfter: config.Period,
	}, nil
}

// Inspect reports the window's occupancy without counting a hit.
func (r *RateLimiter) Inspect(ctx context.Context, key string, config ratelimit.RateLimitConfig) (int, time.Duration, error) {
	now := time.Now()
	cutoff := now.Add(-config.Period).UnixNano()

	var count int
	var oldest sql.NullInt64
	row := r.db.QueryRowContext(ctx, `SELECT COUNT(*), MIN(ts) FROM rate_hits WHERE key = ? AND ts >= ?`, key, cutoff)
	if err := row.Scan(&count, &oldest); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("sqlite rate limit: inspect: %w", err)
	}
	if count == 0 || !oldest.Valid {
		return 0, 0, nil
	}
	return count, time.Unix(0, oldest.Int64).Add(config.Period).Sub(now), nil
}

// Close releases the database handle.
func (r *RateLimiter) Close() error {
	return r.db.Close()
}
