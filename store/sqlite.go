package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// Compile-time interface checks.
var (
	_ Coordinator = (*SQLiteStore)(nil)
	_ Sizer       = (*SQLiteStore)(nil)
)

// Every script below is a single SQL statement, so SQLite's statement
// atomicity is what serialises competing callers, including callers in other
// processes that share the database file. expires_at is unix milliseconds;
// 0 means the key never expires.
const (
	sqliteSchema = `
		CREATE TABLE IF NOT EXISTS permit_counters (
			key        TEXT PRIMARY KEY,
			value      INTEGER NOT NULL DEFAULT 0,
			expires_at INTEGER NOT NULL DEFAULT 0
		)`

	// ?1 key, ?2 now, ?3 new expiry, ?4 limit
	sqliteBucketCheck = `
		INSERT INTO permit_counters (key, value, expires_at) VALUES (?1, 1, ?3)
		ON CONFLICT(key) DO UPDATE SET
			value = CASE WHEN expires_at <> 0 AND expires_at <= ?2 THEN 1 ELSE value + 1 END,
			expires_at = ?3
		WHERE (expires_at <> 0 AND expires_at <= ?2) OR value + 1 <= ?4`

	// ?1 now
	sqliteSweep = `DELETE FROM permit_counters WHERE expires_at <> 0 AND expires_at <= ?1`

	// ?1 key, ?2 now
	sqliteSemaphoreCheck = `
		UPDATE permit_counters SET value = value - 1
		WHERE key = ?1 AND value > 0 AND (expires_at = 0 OR expires_at > ?2)`

	// ?1 key, ?2 now, ?3 limit
	sqliteReleaseBounded = `
		INSERT INTO permit_counters (key, value, expires_at) VALUES (?1, 1, 0)
		ON CONFLICT(key) DO UPDATE SET
			value = CASE WHEN expires_at <> 0 AND expires_at <= ?2 THEN 1 ELSE value + 1 END,
			expires_at = CASE WHEN expires_at <> 0 AND expires_at <= ?2 THEN 0 ELSE expires_at END
		WHERE (expires_at <> 0 AND expires_at <= ?2) OR value < ?3`

	// ?1 key, ?2 delta, ?3 now
	sqliteIncrBy = `
		INSERT INTO permit_counters (key, value, expires_at) VALUES (?1, ?2, 0)
		ON CONFLICT(key) DO UPDATE SET
			value = CASE WHEN expires_at <> 0 AND expires_at <= ?3 THEN ?2 ELSE value + ?2 END,
			expires_at = CASE WHEN expires_at <> 0 AND expires_at <= ?3 THEN 0 ELSE expires_at END
		RETURNING value`
)

// SQLiteStore is a Coordinator backed by SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time

	// nextSweep is the unix millisecond before which expired window rows
	// are left in place.
	nextSweep atomic.Int64
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// initialises the schema. Use ":memory:" for an in-memory SQLite database.
func NewSQLiteStore(dsn string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("permit/store: open sqlite: %w", err)
	}

	// One connection per process: an in-memory database only exists on the
	// connection that created it, and file databases avoid SQLITE_BUSY
	// between goroutines of the same process.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("permit/store: set busy timeout: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("permit/store: create table: %w", err)
	}

	o := newOptions(opts)
	return &SQLiteStore{db: db, now: o.now}, nil
}

// ExecuteAtomic runs script against key as one SQL statement.
func (s *SQLiteStore) ExecuteAtomic(ctx context.Context, key string, script Script, args ...string) (int64, error) {
	now := s.now()
	nowMS := now.UnixMilli()

	var (
		res sql.Result
		err error
	)
	switch script {
	case BucketCheck:
		limit, aerr := IntArg(script, args, 0)
		if aerr != nil {
			return 0, aerr
		}
		if limit < 1 {
			return 0, nil
		}
		if err := s.sweep(ctx, nowMS); err != nil {
			return 0, err
		}
		res, err = s.db.ExecContext(ctx, sqliteBucketCheck, key, nowMS, now.Add(BucketTTL).UnixMilli(), limit)

	case SemaphoreCheck:
		res, err = s.db.ExecContext(ctx, sqliteSemaphoreCheck, key, nowMS)

	case SemaphoreReleaseBounded:
		limit, aerr := IntArg(script, args, 0)
		if aerr != nil {
			return 0, aerr
		}
		if limit < 1 {
			return 0, nil
		}
		res, err = s.db.ExecContext(ctx, sqliteReleaseBounded, key, nowMS, limit)

	default:
		return 0, ErrUnknownScript
	}
	if err != nil {
		return 0, fmt.Errorf("permit/store: %s: %w", script, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("permit/store: %s: rows affected: %w", script, err)
	}
	if n > 0 {
		return 1, nil
	}
	return 0, nil
}

// sweep deletes expired rows, at most once per sweep interval. Window keys
// carry the second they belong to, so an expired row is never read again.
func (s *SQLiteStore) sweep(ctx context.Context, nowMS int64) error {
	next := s.nextSweep.Load()
	if nowMS < next || !s.nextSweep.CompareAndSwap(next, nowMS+sweepInterval.Milliseconds()) {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, sqliteSweep, nowMS); err != nil {
		return fmt.Errorf("permit/store: sweep: %w", err)
	}
	return nil
}

// IncrBy adds by to the value at key.
func (s *SQLiteStore) IncrBy(ctx context.Context, key string, by int64) (int64, error) {
	var value int64
	err := s.db.QueryRowContext(ctx, sqliteIncrBy, key, by, s.now().UnixMilli()).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("permit/store: incrby: %w", err)
	}
	return value, nil
}

// Get returns the value at key, or 0 when absent or expired.
func (s *SQLiteStore) Get(ctx context.Context, key string) (int64, error) {
	var value int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM permit_counters WHERE key = ?1 AND (expires_at = 0 OR expires_at > ?2)`,
		key, s.now().UnixMilli(),
	).Scan(&value)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("permit/store: get: %w", err)
	}
	return value, nil
}

// Delete removes key.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM permit_counters WHERE key = ?1`, key); err != nil {
		return fmt.Errorf("permit/store: delete: %w", err)
	}
	return nil
}

// Len returns the number of rows held, including expired ones not yet swept.
func (s *SQLiteStore) Len(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM permit_counters`).Scan(&n); err != nil {
		return 0, fmt.Errorf("permit/store: count: %w", err)
	}
	return n, nil
}

// Close closes the underlying SQLite database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
