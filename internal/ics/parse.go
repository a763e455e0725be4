package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "homedash/internal/log"
)

// DefaultSummary is used for VEVENTs without a SUMMARY.
const DefaultSummary = "Untitled"

// RawEvent is one parsed VEVENT. Optional properties are pointers (or an
// empty RRule) so absence is explicit.
type RawEvent struct {
	UID      string
	Summary  string
	Start    time.Time
	End      *time.Time
	Location *string
	AllDay   bool

	// RRule is the raw rule value without the "RRULE:" prefix.
	RRule   string
	ExDates []time.Time

	// RecurrenceID marks this VEVENT as an override of one instance of a
	// recurring event with the same UID.
	RecurrenceID *time.Time
}

// IsRecurring reports whether the event carries a recurrence rule.
func (e RawEvent) IsRecurring() bool {
	return e.RRule != ""
}

// ParseResult holds the VEVENTs extracted from one feed.
type ParseResult struct {
	Events []RawEvent
	// Skipped counts VEVENTs dropped because a required property was
	// missing or malformed.
	Skipped int
}

// Parse parses repaired ICS text. A grammar failure of the whole document is
// returned as an error; per-event failures are logged and counted.
func Parse(feedName string, body []byte) (ParseResult, error) {
	var res ParseResult
	if len(bytes.TrimSpace(body)) == 0 {
		return res, errors.New("empty ICS body")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return res, fmt.Errorf("parse calendar: %w", err)
	}

	for _, ve := range cal.Events() {
		ev, perr := parseVEvent(ve)
		if perr != nil {
			res.Skipped++
			appLog.Warn("ics vevent skipped", "feed", feedName, "uid", ev.UID, "reason", perr.Error())
			continue
		}
		res.Events = append(res.Events, ev)
	}

	appLog.Debug("ics parse completed", "feed", feedName, "event_count", len(res.Events), "skipped", res.Skipped)
	return res, nil
}

func parseVEvent(ve *ical.VEvent) (RawEvent, error) {
	var out RawEvent

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || strings.TrimSpace(uidProp.Value) == "" {
		return out, errors.New("missing UID")
	}
	out.UID = strings.TrimSpace(uidProp.Value)

	out.Summary = DefaultSummary
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		if s := strings.TrimSpace(unescapeText(p.Value)); s != "" {
			out.Summary = s
		}
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		if s := strings.TrimSpace(unescapeText(p.Value)); s != "" {
			out.Location = &s
		}
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return out, errors.New("missing DTSTART")
	}
	start, err := ve.GetStartAt()
	if err != nil {
		return out, fmt.Errorf("DTSTART: %w", err)
	}
	out.Start = start
	out.AllDay = isDateOnly(dtStart)

	if ve.GetProperty(ical.ComponentPropertyDtEnd) != nil {
		end, err := ve.GetEndAt()
		if err != nil {
			return out, fmt.Errorf("DTEND: %w", err)
		}
		out.End = &end
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RRule = strings.TrimPrefix(strings.TrimSpace(p.Value), "RRULE:")
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		times, err := parsePropTimes(p)
		if err != nil {
			// A bad EXDATE only loses the exclusion, not the event.
			appLog.Debug("ics exdate ignored", "uid", out.UID, "value", p.Value, "err", err)
			continue
		}
		out.ExDates = append(out.ExDates, times...)
	}

	if p := ve.GetProperty("RECURRENCE-ID"); p != nil {
		times, err := parsePropTimes(p)
		if err != nil {
			return out, fmt.Errorf("RECURRENCE-ID: %w", err)
		}
		if len(times) == 0 {
			return out, errors.New("RECURRENCE-ID: empty value")
		}
		out.RecurrenceID = &times[0]
	}

	return out, nil
}

func isDateOnly(p *ical.IANAProperty) bool {
	if vs, ok := p.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		return true
	}
	return !strings.Contains(p.Value, "T")
}

// parsePropTimes parses a (possibly comma-separated) DATE / DATE-TIME list,
// honouring the TZID parameter.
func parsePropTimes(p *ical.IANAProperty) ([]time.Time, error) {
	loc := time.Local
	if tz, ok := p.ICalParameters["TZID"]; ok && len(tz) > 0 {
		l, err := time.LoadLocation(strings.Trim(tz[0], `"`))
		if err != nil {
			return nil, err
		}
		loc = l
	}

	var out []time.Time
	for _, part := range strings.Split(p.Value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		t, err := parseICSTime(part, loc)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func parseICSTime(v string, loc *time.Location) (time.Time, error) {
	switch {
	case strings.HasSuffix(v, "Z"):
		return time.Parse("20060102T150405Z", v)
	case strings.Contains(v, "T"):
		return time.ParseInLocation("20060102T150405", v, loc)
	default:
		return time.ParseInLocation("20060102", v, loc)
	}
}

var textUnescaper = strings.NewReplacer(`\n`, "\n", `\N`, "\n", `\,`, ",", `\;`, ";", `\\`, `\`)

func unescapeText(s string) string {
	return textUnescaper.Replace(s)
}
