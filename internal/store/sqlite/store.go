// Package sqlite is the default single-file backend for the calendar cache.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"homedash/internal/model"
	"homedash/internal/store"
	"homedash/internal/store/sqlite/migrations"
)

var _ store.Store = (*Store)(nil)

// Store provides SQLite-backed calendar cache persistence.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used to stamp updated_at.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open opens the cache database at path and applies migrations.
func Open(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	s := &Store{sqlDB: sqlDB, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := applyMigrations(context.Background(), sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Upsert writes ev keyed by its EventID.
func (s *Store) Upsert(ctx context.Context, ev model.CachedEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return store.ErrNotConfigured
	}
	if err := store.Validate(ev); err != nil {
		return err
	}

	var endTime sql.NullInt64
	if ev.EndTime != nil {
		endTime = sql.NullInt64{Int64: ev.EndTime.UTC().UnixMilli(), Valid: true}
	}
	var location sql.NullString
	if ev.Location != nil {
		location = sql.NullString{String: *ev.Location, Valid: true}
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO calendar_events (
    event_id, title, start_time, end_time, calendar_name, location, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(event_id) DO UPDATE SET
    title = excluded.title,
    start_time = excluded.start_time,
    end_time = excluded.end_time,
    calendar_name = excluded.calendar_name,
    location = excluded.location,
    updated_at = excluded.updated_at
`,
		ev.EventID,
		ev.Title,
		ev.StartTime.UTC().UnixMilli(),
		endTime,
		ev.CalendarName,
		location,
		s.now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert calendar event %s: %w", ev.EventID, err)
	}
	return nil
}

// PurgeOlderThan deletes events starting before threshold.
func (s *Store) PurgeOlderThan(ctx context.Context, threshold time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, store.ErrNotConfigured
	}

	res, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM calendar_events WHERE start_time < ?`,
		threshold.UTC().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("purge calendar events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge calendar events: rows affected: %w", err)
	}
	return n, nil
}

// ListBetween returns events with from <= start_time <= to.
func (s *Store) ListBetween(ctx context.Context, from, to time.Time) ([]model.CachedEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, store.ErrNotConfigured
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT event_id, title, start_time, end_time, calendar_name, location, updated_at
FROM calendar_events
WHERE start_time >= ? AND start_time <= ?
ORDER BY start_time ASC, event_id ASC
`,
		from.UTC().UnixMilli(),
		to.UTC().UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("list calendar events: %w", err)
	}
	defer rows.Close()

	events := make([]model.CachedEvent, 0)
	for rows.Next() {
		var (
			ev        model.CachedEvent
			startTime int64
			endTime   sql.NullInt64
			location  sql.NullString
			updatedAt int64
		)
		if err := rows.Scan(&ev.EventID, &ev.Title, &startTime, &endTime, &ev.CalendarName, &location, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan calendar event: %w", err)
		}
		ev.StartTime = time.UnixMilli(startTime).UTC()
		ev.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		if endTime.Valid {
			end := time.UnixMilli(endTime.Int64).UTC()
			ev.EndTime = &end
		}
		if location.Valid {
			loc := location.String
			ev.Location = &loc
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate calendar events: %w", err)
	}
	return events, nil
}

// Count returns the number of cached rows.
func (s *Store) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, store.ErrNotConfigured
	}

	var n int
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM calendar_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count calendar events: %w", err)
	}
	return n, nil
}
