package calsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"homedash/internal/ics"
	appLog "homedash/internal/log"
	"homedash/internal/model"
)

// ErrFeedNotFound is returned by Debug when DebugOptions.Calendar names no
// configured feed.
var ErrFeedNotFound = errors.New("calendar feed not found")

const (
	DefaultDebugDays = 14
	maxDebugDays     = 365

	FetchStatusSuccess = "success"
	FetchStatusError   = "error"
)

// bucketDays are the fixed look-ahead windows counted for every feed.
var bucketDays = [3]int{14, 30, 90}

// DebugOptions mirrors the debug endpoint's query parameters.
type DebugOptions struct {
	Calendar      string `json:"calendar,omitempty"`
	IncludeEvents bool   `json:"events"`
	Expand        bool   `json:"expand"`
	Days          int    `json:"days"`
}

// DebugRanges are the window boundaries the report was computed with.
type DebugRanges struct {
	Now         time.Time `json:"now"`
	Limit14     time.Time `json:"limit14Days"`
	Limit30     time.Time `json:"limit30Days"`
	Limit90     time.Time `json:"limit90Days"`
	CustomLimit time.Time `json:"customLimit"`
}

// DebugSummary aggregates FeedReports.
type DebugSummary struct {
	TotalCalendars    int `json:"totalCalendars"`
	SuccessfulFetches int `json:"successfulFetches"`
	FailedFetches     int `json:"failedFetches"`
	TotalEvents       int `json:"totalEvents"`
	RecurringEvents   int `json:"recurringEvents"`
	EventsNext14Days  int `json:"eventsNext14Days"`
	EventsNext30Days  int `json:"eventsNext30Days"`
	EventsNext90Days  int `json:"eventsNext90Days"`
}

// DebugEvent is a raw VEVENT as parsed, before any expansion.
type DebugEvent struct {
	UID         string     `json:"uid"`
	Summary     string     `json:"summary"`
	Start       time.Time  `json:"start"`
	End         *time.Time `json:"end,omitempty"`
	Location    *string    `json:"location,omitempty"`
	IsRecurring bool       `json:"isRecurring"`
	RRule       string     `json:"rrule,omitempty"`
}

// FeedReport is the per-feed diagnostic entry.
type FeedReport struct {
	Name                string             `json:"name"`
	URL                 string             `json:"url"`
	FetchStatus         string             `json:"fetchStatus"`
	Error               string             `json:"error,omitempty"`
	TotalEventsInFeed   int                `json:"totalEventsInFeed"`
	RecurringEvents     int                `json:"recurringEvents"`
	SkippedEvents       int                `json:"skippedEvents"`
	RepairedLines       int                `json:"repairedLines"`
	ExpandErrors        int                `json:"expandErrors"`
	EventsNext14Days    int                `json:"eventsNext14Days"`
	EventsNext30Days    int                `json:"eventsNext30Days"`
	EventsNext90Days    int                `json:"eventsNext90Days"`
	AllEvents           []DebugEvent       `json:"allEvents,omitempty"`
	ExpandedOccurrences []model.Occurrence `json:"expandedOccurrences,omitempty"`
}

// DebugReport is the read-only introspection result.
type DebugReport struct {
	Timestamp time.Time    `json:"timestamp"`
	Ranges    DebugRanges  `json:"ranges"`
	Query     DebugOptions `json:"query"`
	Summary   DebugSummary `json:"summary"`
	Calendars []FeedReport `json:"calendars"`
}

// Debug runs the same fetch/repair/parse/expand steps as Sync for one or all
// feeds and reports what it saw. It never touches the cache.
func (s *Syncer) Debug(ctx context.Context, opts DebugOptions) (DebugReport, error) {
	if opts.Days <= 0 {
		opts.Days = DefaultDebugDays
	}
	if opts.Days > maxDebugDays {
		opts.Days = maxDebugDays
	}

	feeds, err := s.feeds.Feeds(ctx)
	if err != nil {
		return DebugReport{}, fmt.Errorf("load feeds: %w", err)
	}
	if opts.Calendar != "" {
		var match []model.Feed
		for _, f := range feeds {
			if f.Name == opts.Calendar {
				match = append(match, f)
			}
		}
		if len(match) == 0 {
			return DebugReport{}, fmt.Errorf("%w: %q", ErrFeedNotFound, opts.Calendar)
		}
		feeds = match
	}

	now := s.opts.Now()
	report := DebugReport{
		Timestamp: now,
		Ranges: DebugRanges{
			Now:         now,
			Limit14:     now.AddDate(0, 0, bucketDays[0]),
			Limit30:     now.AddDate(0, 0, bucketDays[1]),
			Limit90:     now.AddDate(0, 0, bucketDays[2]),
			CustomLimit: now.AddDate(0, 0, opts.Days),
		},
		Query:     opts,
		Calendars: make([]FeedReport, 0, len(feeds)),
	}

	for _, lf := range s.loadAll(ctx, feeds) {
		fr := s.inspect(lf, now, opts)

		report.Summary.TotalCalendars++
		if fr.FetchStatus == FetchStatusSuccess {
			report.Summary.SuccessfulFetches++
		} else {
			report.Summary.FailedFetches++
		}
		report.Summary.TotalEvents += fr.TotalEventsInFeed
		report.Summary.RecurringEvents += fr.RecurringEvents
		report.Summary.EventsNext14Days += fr.EventsNext14Days
		report.Summary.EventsNext30Days += fr.EventsNext30Days
		report.Summary.EventsNext90Days += fr.EventsNext90Days
		report.Calendars = append(report.Calendars, fr)
	}

	appLog.Info("calendar debug report built",
		"calendar", opts.Calendar,
		"feeds", report.Summary.TotalCalendars,
		"failed", report.Summary.FailedFetches,
		"events", report.Summary.TotalEvents,
	)
	return report, nil
}

func (s *Syncer) inspect(lf loadedFeed, now time.Time, opts DebugOptions) FeedReport {
	fr := FeedReport{
		Name:        lf.Feed.Name,
		URL:         ics.RedactURL(ics.NormalizeURL(lf.Feed.URL)),
		FetchStatus: FetchStatusSuccess,
	}
	if lf.Err != nil {
		fr.FetchStatus = FetchStatusError
		fr.Error = feedErrorDetail(lf.Err)
		return fr
	}

	fr.TotalEventsInFeed = len(lf.Events)
	fr.SkippedEvents = lf.Skipped
	fr.RepairedLines = lf.Repaired

	bucketWindow := ics.NewWindow(now, bucketDays[2])
	customWindow := ics.NewWindow(now, opts.Days)

	// Buckets count the rows a Sync over the 90-day window would write.
	norm := Normalize(lf.Feed, lf.Events, bucketWindow, s.opts.MaxOccurrences)
	fr.ExpandErrors = norm.ExpandErrors
	for _, ev := range norm.Events {
		fr.countInBuckets(now, ev.StartTime)
	}

	for _, ev := range lf.Events {
		if opts.IncludeEvents {
			fr.AllEvents = append(fr.AllEvents, DebugEvent{
				UID:         ev.UID,
				Summary:     ev.Summary,
				Start:       ev.Start,
				End:         ev.End,
				Location:    ev.Location,
				IsRecurring: ev.IsRecurring(),
				RRule:       ev.RRule,
			})
		}

		if !ev.IsRecurring() || ev.RecurrenceID != nil {
			continue
		}
		fr.RecurringEvents++

		if opts.Expand {
			custom, err := ics.Expand(ev, ics.ExpandConfig{Window: customWindow, MaxOccurrences: s.opts.MaxOccurrences})
			if err != nil {
				continue
			}
			fr.ExpandedOccurrences = append(fr.ExpandedOccurrences, custom.Occurrences...)
		}
	}

	sort.SliceStable(fr.ExpandedOccurrences, func(i, j int) bool {
		return fr.ExpandedOccurrences[i].Date.Before(fr.ExpandedOccurrences[j].Date)
	})
	return fr
}

// countInBuckets adds t to every fixed window it falls into. Times before
// now are never counted.
func (fr *FeedReport) countInBuckets(now, t time.Time) {
	if ics.NewWindow(now, bucketDays[0]).Contains(t) {
		fr.EventsNext14Days++
	}
	if ics.NewWindow(now, bucketDays[1]).Contains(t) {
		fr.EventsNext30Days++
	}
	if ics.NewWindow(now, bucketDays[2]).Contains(t) {
		fr.EventsNext90Days++
	}
}
