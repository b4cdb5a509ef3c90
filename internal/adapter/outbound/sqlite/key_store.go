// Package sqlite provides the durable KeyStore backend over a local
// sqlite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/poolgate/poolgate/internal/domain/pool"
)

const driverName = "sqlite"

// dsnParams enables WAL and a busy timeout so concurrent writers to
// different keys block briefly instead of failing with SQLITE_BUSY.
const dsnParams = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS pool_keys (
		id TEXT PRIMARY KEY,
		plan TEXT NOT NULL,
		window_count INTEGER NOT NULL DEFAULT 0,
		window_start INTEGER NOT NULL DEFAULT 0,
		next_allowed_at INTEGER NOT NULL DEFAULT 0,
		last_validated_at INTEGER,
		created_at INTEGER NOT NULL
	);`,
}

// KeyStore implements pool.KeyStore over a sqlite database.
// Timestamps are stored as unix milliseconds; 0 means the zero time.
type KeyStore struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and bootstraps the
// schema. Use ":memory:" for an ephemeral store.
func Open(ctx context.Context, path string) (*KeyStore, error) {
	if path == "" {
		return nil, errors.New("store path is required")
	}

	dsn := path + "?" + dsnParams
	if strings.Contains(path, "?") {
		dsn = path + "&" + dsnParams
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite store: %w", err)
	}

	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("bootstrap schema: %w", err)
		}
	}

	return &KeyStore{db: db}, nil
}

// Close releases database resources.
func (s *KeyStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Upsert inserts or fully replaces the record for rec.ID.
func (s *KeyStore) Upsert(ctx context.Context, rec pool.KeyRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pool_keys (id, plan, window_count, window_start, next_allowed_at, last_validated_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			plan = excluded.plan,
			window_count = excluded.window_count,
			window_start = excluded.window_start,
			next_allowed_at = excluded.next_allowed_at,
			last_validated_at = excluded.last_validated_at,
			created_at = excluded.created_at
	`, rec.ID, string(rec.Plan), rec.WindowCount,
		toEpochMs(rec.WindowStart), toEpochMs(rec.NextAllowedAt),
		toNullMs(rec.LastValidatedAt), toEpochMs(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("upsert key: %w", err)
	}
	return nil
}

// Delete removes the record for id. Unknown ids are not an error.
func (s *KeyStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pool_keys WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete key: %w", err)
	}
	return nil
}

// Get retrieves the record for id.
// Returns pool.ErrKeyNotFound if no record exists.
func (s *KeyStore) Get(ctx context.Context, id string) (pool.KeyRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, plan, window_count, window_start, next_allowed_at, last_validated_at, created_at
		FROM pool_keys
		WHERE id = ?
	`, id)

	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return pool.KeyRecord{}, pool.ErrKeyNotFound
		}
		return pool.KeyRecord{}, fmt.Errorf("fetch key: %w", err)
	}
	return rec, nil
}

// List returns all records in the pool.
func (s *KeyStore) List(ctx context.Context) ([]pool.KeyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, plan, window_count, window_start, next_allowed_at, last_validated_at, created_at
		FROM pool_keys
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var out []pool.KeyRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys: %w", err)
	}
	return out, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (pool.KeyRecord, error) {
	var (
		id, plan                     string
		windowCount                  int
		windowStart, next, createdAt int64
		lastValidated                sql.NullInt64
	)
	if err := sc.Scan(&id, &plan, &windowCount, &windowStart, &next, &lastValidated, &createdAt); err != nil {
		return pool.KeyRecord{}, err
	}

	rec := pool.KeyRecord{
		ID:            id,
		Plan:          pool.Plan(plan),
		WindowCount:   windowCount,
		WindowStart:   fromEpochMs(windowStart),
		NextAllowedAt: fromEpochMs(next),
		CreatedAt:     fromEpochMs(createdAt),
	}
	if lastValidated.Valid {
		t := fromEpochMs(lastValidated.Int64)
		rec.LastValidatedAt = &t
	}
	return rec, nil
}

func toEpochMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func toNullMs(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromEpochMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// Compile-time interface verification.
var _ pool.KeyStore = (*KeyStore)(nil)
