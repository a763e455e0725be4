package calsync

import (
	"context"
	"errors"
	"testing"

	"homedash/internal/ics"
	"homedash/internal/model"
)

// bucketFeed has one past event, four future single events and one weekly
// series that started a week before testNow.
func bucketFeed() string {
	return buildCalendar(
		vevent("UID:past", "SUMMARY:Past", "DTSTART:20261018T080000Z"),
		vevent("UID:d5", "SUMMARY:In 5 days", "DTSTART:20261024T080000Z"),
		vevent("UID:d20", "SUMMARY:In 20 days", "DTSTART:20261108T080000Z"),
		vevent("UID:d60", "SUMMARY:In 60 days", "DTSTART:20261218T080000Z"),
		vevent("UID:d120", "SUMMARY:In 120 days", "DTSTART:20270216T080000Z"),
		vevent("UID:weekly", "SUMMARY:Weekly", "DTSTART:20261012T090000Z", "RRULE:FREQ=WEEKLY"),
	)
}

func newDebugSyncer(cache *memStore) *Syncer {
	fetcher := &fakeFetcher{
		bodies: map[string]string{"https://example.com/family.ics": bucketFeed()},
		errs:   map[string]error{"https://example.com/broken.ics": &ics.StatusError{Code: 500}},
	}
	feeds := []model.Feed{
		{Name: "Family", URL: "https://example.com/family.ics"},
		{Name: "Broken", URL: "https://example.com/broken.ics"},
	}
	return NewSyncer(StaticFeeds(feeds), fetcher, cache, Options{Now: fixedNow})
}

func TestDebugBuckets(t *testing.T) {
	s := newDebugSyncer(newMemStore())

	report, err := s.Debug(context.Background(), DebugOptions{Calendar: "Family"})
	if err != nil {
		t.Fatalf("debug: %v", err)
	}
	if len(report.Calendars) != 1 {
		t.Fatalf("calendars = %d, want 1", len(report.Calendars))
	}
	fr := report.Calendars[0]
	if fr.FetchStatus != FetchStatusSuccess {
		t.Fatalf("fetch status = %q", fr.FetchStatus)
	}
	if fr.TotalEventsInFeed != 6 || fr.RecurringEvents != 1 {
		t.Fatalf("totals = %d/%d", fr.TotalEventsInFeed, fr.RecurringEvents)
	}
	if fr.EventsNext14Days != 3 || fr.EventsNext30Days != 7 || fr.EventsNext90Days != 16 {
		t.Fatalf("buckets = %d/%d/%d, want 3/7/16", fr.EventsNext14Days, fr.EventsNext30Days, fr.EventsNext90Days)
	}
	if fr.AllEvents != nil || fr.ExpandedOccurrences != nil {
		t.Fatal("listings must be omitted unless requested")
	}
	if fr.URL != "https://example.com/...(redacted)" {
		t.Fatalf("url = %q", fr.URL)
	}
	if report.Query.Days != DefaultDebugDays {
		t.Fatalf("days = %d, want default %d", report.Query.Days, DefaultDebugDays)
	}
}

func TestDebugListingsAndExpansion(t *testing.T) {
	s := newDebugSyncer(newMemStore())

	report, err := s.Debug(context.Background(), DebugOptions{Calendar: "Family", IncludeEvents: true, Expand: true, Days: 14})
	if err != nil {
		t.Fatalf("debug: %v", err)
	}
	fr := report.Calendars[0]
	if len(fr.AllEvents) != 6 {
		t.Fatalf("allEvents = %d, want 6", len(fr.AllEvents))
	}
	if !fr.AllEvents[5].IsRecurring || fr.AllEvents[5].RRule != "FREQ=WEEKLY" {
		t.Fatalf("unexpected recurring entry %+v", fr.AllEvents[5])
	}
	if len(fr.ExpandedOccurrences) != 2 {
		t.Fatalf("expanded = %d, want 2", len(fr.ExpandedOccurrences))
	}
	for i, occ := range fr.ExpandedOccurrences {
		if occ.UID != "weekly" || occ.Date.Before(testNow) {
			t.Fatalf("expanded[%d] = %+v", i, occ)
		}
	}
}

func TestDebugAllFeedsReportsFailures(t *testing.T) {
	s := newDebugSyncer(newMemStore())

	report, err := s.Debug(context.Background(), DebugOptions{})
	if err != nil {
		t.Fatalf("debug: %v", err)
	}
	if report.Summary.TotalCalendars != 2 || report.Summary.SuccessfulFetches != 1 || report.Summary.FailedFetches != 1 {
		t.Fatalf("summary = %+v", report.Summary)
	}
	broken := report.Calendars[1]
	if broken.Name != "Broken" || broken.FetchStatus != FetchStatusError || broken.Error != "HTTP 500" {
		t.Fatalf("broken report = %+v", broken)
	}
	if report.Summary.EventsNext90Days != 16 {
		t.Fatalf("summary 90d = %d", report.Summary.EventsNext90Days)
	}
}

func TestDebugUnknownCalendar(t *testing.T) {
	s := newDebugSyncer(newMemStore())

	_, err := s.Debug(context.Background(), DebugOptions{Calendar: "Nope"})
	if !errors.Is(err, ErrFeedNotFound) {
		t.Fatalf("expected ErrFeedNotFound, got %v", err)
	}
}

func TestDebugClampsDays(t *testing.T) {
	s := newDebugSyncer(newMemStore())

	report, err := s.Debug(context.Background(), DebugOptions{Calendar: "Family", Days: 10000})
	if err != nil {
		t.Fatalf("debug: %v", err)
	}
	if report.Query.Days != maxDebugDays {
		t.Fatalf("days = %d, want %d", report.Query.Days, maxDebugDays)
	}
	if !report.Ranges.CustomLimit.Equal(testNow.AddDate(0, 0, maxDebugDays)) {
		t.Fatalf("custom limit = %v", report.Ranges.CustomLimit)
	}
}

func TestDebugNeverWritesCache(t *testing.T) {
	cache := newMemStore()
	s := newDebugSyncer(cache)

	if _, err := s.Debug(context.Background(), DebugOptions{IncludeEvents: true, Expand: true}); err != nil {
		t.Fatalf("debug: %v", err)
	}
	if cache.opCount() != 0 {
		t.Fatalf("debug touched the cache: %v", cache.ops)
	}
}

func TestDebugBucketsMatchSyncedRows(t *testing.T) {
	body := buildCalendar(
		vevent(
			"UID:piano",
			"SUMMARY:Piano",
			"DTSTART:20261020T160000Z",
			"RRULE:FREQ=WEEKLY;COUNT=3",
		),
		vevent(
			"UID:piano",
			"SUMMARY:Piano (moved)",
			"RECURRENCE-ID:20261027T160000Z",
			"DTSTART:20261028T170000Z",
		),
		vevent("UID:dup", "SUMMARY:First copy", "DTSTART:20261022T100000Z"),
		vevent("UID:dup", "SUMMARY:Second copy", "DTSTART:20261023T100000Z"),
	)
	fetcher := &fakeFetcher{bodies: map[string]string{"u": body}}
	cache := newMemStore()
	s := NewSyncer(
		StaticFeeds{{Name: "Kids", URL: "u"}},
		fetcher,
		cache,
		Options{RetentionDays: 90, Now: fixedNow},
	)

	res, err := s.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Synced != 4 {
		t.Fatalf("synced = %d, want 4", res.Synced)
	}

	report, err := s.Debug(context.Background(), DebugOptions{Calendar: "Kids"})
	if err != nil {
		t.Fatalf("debug: %v", err)
	}
	fr := report.Calendars[0]
	if fr.EventsNext90Days != len(cache.ids()) {
		t.Fatalf("90-day count = %d, cached rows = %d", fr.EventsNext90Days, len(cache.ids()))
	}
	// piano 10-20, moved piano 10-28 and the first dup copy on 10-22.
	if fr.EventsNext14Days != 3 {
		t.Fatalf("14-day count = %d, want 3", fr.EventsNext14Days)
	}
	if fr.RecurringEvents != 1 {
		t.Fatalf("recurring = %d, want 1", fr.RecurringEvents)
	}
}

func TestDebugCountsExpansionErrors(t *testing.T) {
	fetcher := &fakeFetcher{bodies: map[string]string{
		"u": buildCalendar(vevent("UID:weird", "SUMMARY:Weird", "DTSTART:20261020T090000Z", "RRULE:FREQ=SOMETIMES")),
	}}
	s := NewSyncer(StaticFeeds{{Name: "Family", URL: "u"}}, fetcher, nil, Options{Now: fixedNow})

	report, err := s.Debug(context.Background(), DebugOptions{})
	if err != nil {
		t.Fatalf("debug: %v", err)
	}
	if fr := report.Calendars[0]; fr.ExpandErrors != 1 || fr.EventsNext90Days != 0 {
		t.Fatalf("report = %+v", fr)
	}
}
