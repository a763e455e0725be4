package calsync

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"homedash/internal/model"
)

var testNow = time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return testNow }

// buildCalendar wraps VEVENT bodies (lines separated by "\n") in a
// VCALENDAR with CRLF line endings.
func buildCalendar(events ...string) string {
	lines := []string{"BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//homedash//calsync test//EN"}
	for _, ev := range events {
		lines = append(lines, "BEGIN:VEVENT")
		lines = append(lines, strings.Split(ev, "\n")...)
		lines = append(lines, "END:VEVENT")
	}
	lines = append(lines, "END:VCALENDAR")
	return strings.Join(lines, "\r\n") + "\r\n"
}

func vevent(lines ...string) string { return strings.Join(lines, "\n") }

// fakeFetcher serves canned bodies or errors keyed by URL.
type fakeFetcher struct {
	mu     sync.Mutex
	bodies map[string]string
	errs   map[string]error
	calls  int
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err, ok := f.errs[url]; ok {
		return nil, err
	}
	body, ok := f.bodies[url]
	if !ok {
		return nil, errors.New("no such feed")
	}
	return []byte(body), nil
}

// memStore is an in-memory CacheWriter that records the order of calls.
type memStore struct {
	mu       sync.Mutex
	rows     map[string]model.CachedEvent
	failIDs  map[string]bool
	purgeErr error
	countErr error
	ops      []string
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]model.CachedEvent), failIDs: make(map[string]bool)}
}

func (m *memStore) Upsert(ctx context.Context, ev model.CachedEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, "upsert")
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.failIDs[ev.EventID] {
		return errors.New("disk full")
	}
	ev.UpdatedAt = testNow
	m.rows[ev.EventID] = ev
	return nil
}

func (m *memStore) PurgeOlderThan(ctx context.Context, threshold time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, "purge")
	if m.purgeErr != nil {
		return 0, m.purgeErr
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n int64
	for id, ev := range m.rows {
		if ev.StartTime.Before(threshold) {
			delete(m.rows, id)
			n++
		}
	}
	return n, nil
}

func (m *memStore) Count(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, "count")
	if m.countErr != nil {
		return 0, m.countErr
	}
	return len(m.rows), nil
}

func (m *memStore) ids() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.rows))
	for id := range m.rows {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (m *memStore) opCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ops)
}
