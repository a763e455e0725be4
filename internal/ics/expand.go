package ics

import (
	"errors"
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	"homedash/internal/model"
)

const (
	// DefaultMaxOccurrences caps how many occurrences one recurring event
	// may contribute to a single pass.
	DefaultMaxOccurrences = 50

	// defaultMaxScan bounds how many generated dates are walked in total,
	// including those before the window.
	defaultMaxScan = 100000
)

// Window is an inclusive [Start, End] time range.
type Window struct {
	Start time.Time
	End   time.Time
}

// NewWindow returns [from, from+days].
func NewWindow(from time.Time, days int) Window {
	return Window{Start: from, End: from.AddDate(0, 0, days)}
}

// Contains reports whether Start <= t <= End.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// ExpandConfig controls recurrence expansion.
type ExpandConfig struct {
	Window Window

	// MaxOccurrences caps emitted occurrences. Zero means
	// DefaultMaxOccurrences.
	MaxOccurrences int

	// MaxScan caps iterated dates, in or out of the window. Zero means
	// defaultMaxScan.
	MaxScan int
}

// ExpandResult is the ordered, de-duplicated list of in-window occurrences.
type ExpandResult struct {
	Occurrences []model.Occurrence
	// Truncated is set when MaxOccurrences or MaxScan ended the walk.
	Truncated bool
}

// Expand walks the event's recurrence rule from its own start date and
// returns the occurrences inside cfg.Window. It stops at the first date past
// the window end, or once MaxOccurrences dates have been emitted. Dates
// before the window start are walked but not emitted.
func Expand(ev RawEvent, cfg ExpandConfig) (ExpandResult, error) {
	var res ExpandResult

	if !ev.IsRecurring() {
		return res, errors.New("expand: event has no RRULE")
	}
	if cfg.Window.End.Before(cfg.Window.Start) {
		return res, errors.New("expand: window end is before window start")
	}
	if cfg.MaxOccurrences <= 0 {
		cfg.MaxOccurrences = DefaultMaxOccurrences
	}
	if cfg.MaxScan <= 0 {
		cfg.MaxScan = defaultMaxScan
	}

	// DTSTART goes in before the rule is built so the implied BYDAY /
	// BYMONTHDAY / BYHOUR values come from the event, not from now.
	opt, err := rrule.StrToROption(ev.RRule)
	if err != nil {
		return res, fmt.Errorf("expand: parse RRULE %q: %w", ev.RRule, err)
	}
	opt.Dtstart = ev.Start
	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return res, fmt.Errorf("expand: build RRULE %q: %w", ev.RRule, err)
	}

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	next := set.Iterator()
	seen := make(map[int64]struct{})

	for scanned := 0; ; scanned++ {
		if scanned >= cfg.MaxScan {
			res.Truncated = true
			break
		}
		date, ok := next()
		if !ok || date.After(cfg.Window.End) {
			break
		}
		if date.Before(cfg.Window.Start) {
			continue
		}
		key := date.UnixNano()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		res.Occurrences = append(res.Occurrences, model.Occurrence{
			UID:     ev.UID,
			Summary: ev.Summary,
			Date:    date,
		})
		if len(res.Occurrences) >= cfg.MaxOccurrences {
			res.Truncated = true
			break
		}
	}

	return res, nil
}
