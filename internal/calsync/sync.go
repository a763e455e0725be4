package calsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"homedash/internal/ics"
	appLog "homedash/internal/log"
)

// FeedResult is the per-feed outcome of a Sync run.
type FeedResult struct {
	Name   string `json:"name"`
	Synced int    `json:"synced"`
	Errors int    `json:"errors"`
}

// Result aggregates a Sync run.
type Result struct {
	Total     int          `json:"total"`
	Synced    int          `json:"synced"`
	Errors    int          `json:"errors"`
	Calendars []FeedResult `json:"calendars"`
}

// Sync purges stale cache rows, then loads every configured feed and upserts
// its normalized events. Feed-level failures count as one error for that
// feed; skipped events, failed expansions and failed upserts count one error
// each. Only a failing FeedSource aborts the run.
//
// Feeds that finished loading are reconciled even if ctx is cancelled
// meanwhile.
func (s *Syncer) Sync(ctx context.Context) (Result, error) {
	if s.cache == nil {
		return Result{}, errors.New("calsync: cache store is not configured")
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()

	runID := uuid.NewString()
	started := time.Now()

	feeds, err := s.feeds.Feeds(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load feeds: %w", err)
	}

	now := s.opts.Now()
	appLog.Info("calendar sync start", "run_id", runID, "feeds", len(feeds))

	// Purge strictly before upserts so rows written below are never removed
	// by this run.
	threshold := now.AddDate(0, 0, -s.opts.StaleDays)
	if n, err := s.cache.PurgeOlderThan(ctx, threshold); err != nil {
		appLog.Error("calendar sync: purge failed", err, "run_id", runID, "threshold", threshold.Format(time.RFC3339))
	} else if n > 0 {
		appLog.Info("calendar sync: purged stale rows", "run_id", runID, "rows", n)
	}

	loaded := s.loadAll(ctx, feeds)

	window := ics.NewWindow(now, s.opts.RetentionDays)
	writeCtx := context.WithoutCancel(ctx)

	res := Result{
		Total:     len(feeds),
		Calendars: make([]FeedResult, 0, len(feeds)),
	}
	for _, lf := range loaded {
		fr := s.reconcile(writeCtx, runID, lf, window)
		res.Synced += fr.Synced
		res.Errors += fr.Errors
		res.Calendars = append(res.Calendars, fr)
	}

	cached, err := s.cache.Count(writeCtx)
	if err != nil {
		appLog.Error("calendar sync: count failed", err, "run_id", runID)
		cached = -1
	}

	appLog.Info("calendar sync done",
		"run_id", runID,
		"total", res.Total,
		"synced", res.Synced,
		"errors", res.Errors,
		"cached_rows", cached,
		"elapsed", time.Since(started).Round(time.Millisecond),
	)
	return res, nil
}

func (s *Syncer) reconcile(ctx context.Context, runID string, lf loadedFeed, window ics.Window) FeedResult {
	fr := FeedResult{Name: lf.Feed.Name}

	if lf.Err != nil {
		fr.Errors = 1
		appLog.Error("calendar sync: feed failed", lf.Err,
			"run_id", runID,
			"feed", lf.Feed.Name,
			"url", ics.RedactURL(ics.NormalizeURL(lf.Feed.URL)),
			"detail", feedErrorDetail(lf.Err),
		)
		return fr
	}

	norm := Normalize(lf.Feed, lf.Events, window, s.opts.MaxOccurrences)
	fr.Errors += lf.Skipped + norm.ExpandErrors

	for _, ev := range norm.Events {
		if err := s.cache.Upsert(ctx, ev); err != nil {
			fr.Errors++
			appLog.Error("calendar sync: upsert failed", err, "run_id", runID, "feed", lf.Feed.Name, "event_id", ev.EventID)
			continue
		}
		fr.Synced++
	}

	appLog.Info("calendar sync: feed done",
		"run_id", runID,
		"feed", lf.Feed.Name,
		"parsed", len(lf.Events),
		"synced", fr.Synced,
		"errors", fr.Errors,
	)
	return fr
}
