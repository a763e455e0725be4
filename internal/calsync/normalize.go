package calsync

import (
	"sort"
	"time"

	"homedash/internal/ics"
	appLog "homedash/internal/log"
	"homedash/internal/model"
)

// OccurrenceID is the cache key for one occurrence of a recurring event.
// The bare UID is shared by every occurrence, so the start instant (UTC,
// RFC 3339) is appended.
func OccurrenceID(uid string, start time.Time) string {
	return uid + "#" + start.UTC().Format(time.RFC3339)
}

// NormalizeResult is the canonical record set for one feed.
type NormalizeResult struct {
	Events []model.CachedEvent
	// ExpandErrors counts recurring events whose rule could not be expanded.
	ExpandErrors int
}

// Normalize converts parsed VEVENTs into cache records within window.
//
// Single events map 1:1 keyed by UID. Recurring events map to one record
// per expanded occurrence keyed by OccurrenceID. A VEVENT with RECURRENCE-ID
// replaces the generated occurrence it overrides, or removes it when the
// instance was moved outside the window. CalendarName always comes from the
// feed. Output is sorted by start time.
func Normalize(feed model.Feed, events []ics.RawEvent, window ics.Window, maxOccurrences int) NormalizeResult {
	var res NormalizeResult
	byID := make(map[string]model.CachedEvent)

	var overrides []ics.RawEvent
	for _, ev := range events {
		if ev.RecurrenceID != nil {
			overrides = append(overrides, ev)
			continue
		}

		if !ev.IsRecurring() {
			if !window.Contains(ev.Start) {
				continue
			}
			if _, dup := byID[ev.UID]; dup {
				continue
			}
			byID[ev.UID] = toCached(feed, ev, ev.UID, ev.Start)
			continue
		}

		expanded, err := ics.Expand(ev, ics.ExpandConfig{Window: window, MaxOccurrences: maxOccurrences})
		if err != nil {
			res.ExpandErrors++
			appLog.Error("calsync: recurrence expansion failed", err, "feed", feed.Name, "uid", ev.UID)
			continue
		}
		if expanded.Truncated {
			appLog.Debug("calsync: occurrences truncated", "feed", feed.Name, "uid", ev.UID, "cap", maxOccurrences)
		}
		for _, occ := range expanded.Occurrences {
			id := OccurrenceID(ev.UID, occ.Date)
			if _, dup := byID[id]; dup {
				continue
			}
			byID[id] = toCached(feed, ev, id, occ.Date)
		}
	}

	for _, ov := range overrides {
		id := OccurrenceID(ov.UID, *ov.RecurrenceID)
		if !window.Contains(ov.Start) {
			delete(byID, id)
			continue
		}
		byID[id] = toCached(feed, ov, id, ov.Start)
	}

	res.Events = make([]model.CachedEvent, 0, len(byID))
	for _, ev := range byID {
		res.Events = append(res.Events, ev)
	}
	sort.Slice(res.Events, func(i, j int) bool {
		a, b := res.Events[i], res.Events[j]
		if !a.StartTime.Equal(b.StartTime) {
			return a.StartTime.Before(b.StartTime)
		}
		return a.EventID < b.EventID
	})
	return res
}

// toCached builds the record for an instance of ev starting at start. The
// end keeps the base event's duration.
func toCached(feed model.Feed, ev ics.RawEvent, id string, start time.Time) model.CachedEvent {
	out := model.CachedEvent{
		EventID:      id,
		Title:        ev.Summary,
		StartTime:    start,
		CalendarName: feed.Name,
	}
	if ev.End != nil {
		end := start.Add(ev.End.Sub(ev.Start))
		out.EndTime = &end
	}
	if ev.Location != nil {
		loc := *ev.Location
		out.Location = &loc
	}
	return out
}
