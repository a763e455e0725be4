// Package postgres stores the calendar cache in PostgreSQL for deployments
// that share one database between several dashboards.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	appLog "homedash/internal/log"
	"homedash/internal/model"
	"homedash/internal/store"
)

var _ store.Store = (*Store)(nil)

const (
	defaultMaxOpenConns    = 10
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 30 * time.Minute
)

const schema = `
CREATE TABLE IF NOT EXISTS calendar_events (
    event_id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    start_time TIMESTAMPTZ NOT NULL,
    end_time TIMESTAMPTZ,
    calendar_name TEXT NOT NULL,
    location TEXT,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_calendar_events_start_time ON calendar_events (start_time);
`

// eventRow is the calendar_events row shape.
type eventRow struct {
	EventID      string         `db:"event_id"`
	Title        string         `db:"title"`
	StartTime    time.Time      `db:"start_time"`
	EndTime      sql.NullTime   `db:"end_time"`
	CalendarName string         `db:"calendar_name"`
	Location     sql.NullString `db:"location"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

func toRow(ev model.CachedEvent, updatedAt time.Time) eventRow {
	row := eventRow{
		EventID:      ev.EventID,
		Title:        ev.Title,
		StartTime:    ev.StartTime.UTC(),
		CalendarName: ev.CalendarName,
		UpdatedAt:    updatedAt.UTC(),
	}
	if ev.EndTime != nil {
		row.EndTime = sql.NullTime{Time: ev.EndTime.UTC(), Valid: true}
	}
	if ev.Location != nil {
		row.Location = sql.NullString{String: *ev.Location, Valid: true}
	}
	return row
}

func (r eventRow) toModel() model.CachedEvent {
	ev := model.CachedEvent{
		EventID:      r.EventID,
		Title:        r.Title,
		StartTime:    r.StartTime.UTC(),
		CalendarName: r.CalendarName,
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
	if r.EndTime.Valid {
		end := r.EndTime.Time.UTC()
		ev.EndTime = &end
	}
	if r.Location.Valid {
		loc := r.Location.String
		ev.Location = &loc
	}
	return ev
}

// Store is a PostgreSQL calendar cache.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
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

// Open connects to dsn, sizes the pool and ensures the schema exists.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}

	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(defaultMaxOpenConns)
	db.SetMaxIdleConns(defaultMaxIdleConns)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure calendar schema: %w", err)
	}

	appLog.Info("postgres calendar store ready",
		"max_open_conns", defaultMaxOpenConns,
		"max_idle_conns", defaultMaxIdleConns,
	)
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Upsert(ctx context.Context, ev model.CachedEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return store.ErrNotConfigured
	}
	if err := store.Validate(ev); err != nil {
		return err
	}

	query := `
		INSERT INTO calendar_events (event_id, title, start_time, end_time, calendar_name, location, updated_at)
		VALUES (:event_id, :title, :start_time, :end_time, :calendar_name, :location, :updated_at)
		ON CONFLICT (event_id) DO UPDATE SET
			title = EXCLUDED.title,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			calendar_name = EXCLUDED.calendar_name,
			location = EXCLUDED.location,
			updated_at = EXCLUDED.updated_at
	`
	if _, err := s.db.NamedExecContext(ctx, query, toRow(ev, s.now())); err != nil {
		return fmt.Errorf("upsert calendar event %s: %w", ev.EventID, err)
	}
	return nil
}

func (s *Store) PurgeOlderThan(ctx context.Context, threshold time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.db == nil {
		return 0, store.ErrNotConfigured
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM calendar_events WHERE start_time < $1`, threshold.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge calendar events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge calendar events: rows affected: %w", err)
	}
	return n, nil
}

func (s *Store) ListBetween(ctx context.Context, from, to time.Time) ([]model.CachedEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.db == nil {
		return nil, store.ErrNotConfigured
	}

	query := `
		SELECT event_id, title, start_time, end_time, calendar_name, location, updated_at
		FROM calendar_events
		WHERE start_time >= $1 AND start_time <= $2
		ORDER BY start_time ASC, event_id ASC
	`
	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, query, from.UTC(), to.UTC()); err != nil {
		return nil, fmt.Errorf("list calendar events: %w", err)
	}

	events := make([]model.CachedEvent, 0, len(rows))
	for _, r := range rows {
		events = append(events, r.toModel())
	}
	return events, nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.db == nil {
		return 0, store.ErrNotConfigured
	}

	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM calendar_events`); err != nil {
		return 0, fmt.Errorf("count calendar events: %w", err)
	}
	return n, nil
}
