package model

import "time"

// Feed is one configured ICS subscription. Feeds are read fresh from the
// feed source at every sync or debug invocation.
type Feed struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Occurrence is a single concrete instance of a (possibly recurring) event.
// It is derived during expansion and never persisted.
type Occurrence struct {
	UID     string    `json:"uid"`
	Summary string    `json:"summary"`
	Date    time.Time `json:"date"`
}

// CachedEvent is the normalized record stored in the calendar cache.
//
// EventID is the unique cache key: the feed UID for single events, and
// "<uid>#<start in UTC RFC 3339>" for each occurrence of a recurring one.
type CachedEvent struct {
	EventID      string     `json:"eventId"`
	Title        string     `json:"title"`
	StartTime    time.Time  `json:"startTime"`
	EndTime      *time.Time `json:"endTime,omitempty"`
	CalendarName string     `json:"calendarName"`
	Location     *string    `json:"location,omitempty"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}
