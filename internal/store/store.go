// Package store defines the calendar cache store used by the sync pipeline
// and the web API. Backends live in the sqlite and postgres subpackages.
package store

import (
	"context"
	"errors"
	"time"

	"homedash/internal/model"
)

// ErrNotConfigured is returned by a nil or closed store.
var ErrNotConfigured = errors.New("store is not configured")

// Store persists CachedEvent rows keyed by EventID.
type Store interface {
	// Upsert inserts ev or replaces the row with the same EventID, stamping
	// UpdatedAt with the store clock.
	Upsert(ctx context.Context, ev model.CachedEvent) error
	// PurgeOlderThan deletes rows with StartTime < threshold and returns the
	// number removed.
	PurgeOlderThan(ctx context.Context, threshold time.Time) (int64, error)
	// ListBetween returns rows with from <= StartTime <= to ordered by start.
	ListBetween(ctx context.Context, from, to time.Time) ([]model.CachedEvent, error)
	// Count returns the number of stored rows.
	Count(ctx context.Context) (int, error)
	Close() error
}

// Validate checks the fields every backend requires before writing.
func Validate(ev model.CachedEvent) error {
	if ev.EventID == "" {
		return errors.New("event id is required")
	}
	if ev.StartTime.IsZero() {
		return errors.New("start time is required")
	}
	if ev.CalendarName == "" {
		return errors.New("calendar name is required")
	}
	return nil
}
