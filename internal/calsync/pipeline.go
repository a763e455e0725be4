package calsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"homedash/internal/ics"
	appLog "homedash/internal/log"
	"homedash/internal/model"
)

const (
	DefaultRetentionDays = 30
	DefaultStaleDays     = 7
	DefaultConcurrency   = 4
)

// FeedSource supplies the configured feeds. It is consulted on every
// invocation so configuration edits take effect without a restart.
type FeedSource interface {
	Feeds(ctx context.Context) ([]model.Feed, error)
}

// StaticFeeds is a fixed FeedSource.
type StaticFeeds []model.Feed

func (s StaticFeeds) Feeds(context.Context) ([]model.Feed, error) {
	return append([]model.Feed(nil), s...), nil
}

// Fetcher downloads raw feed bodies. *ics.Fetcher implements it.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// CacheWriter is the part of the cache store the sync path uses.
type CacheWriter interface {
	Upsert(ctx context.Context, ev model.CachedEvent) error
	PurgeOlderThan(ctx context.Context, threshold time.Time) (int64, error)
	Count(ctx context.Context) (int, error)
}

// Options tunes the pipeline. Zero values select the defaults.
type Options struct {
	// RetentionDays is the look-ahead window persisted by Sync.
	RetentionDays int
	// StaleDays: rows starting before now-StaleDays are purged.
	StaleDays int
	// MaxOccurrences caps occurrences per recurring event.
	MaxOccurrences int
	// Concurrency limits parallel feed loads.
	Concurrency int
	// Now overrides the clock, mostly for tests.
	Now func() time.Time
}

func (o *Options) normalize() {
	if o.RetentionDays <= 0 {
		o.RetentionDays = DefaultRetentionDays
	}
	if o.StaleDays <= 0 {
		o.StaleDays = DefaultStaleDays
	}
	if o.MaxOccurrences <= 0 {
		o.MaxOccurrences = ics.DefaultMaxOccurrences
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Syncer drives fetch → repair → parse → expand → normalize for every feed
// and either reconciles the result into the cache (Sync) or reports on it
// (Debug).
type Syncer struct {
	feeds   FeedSource
	fetcher Fetcher
	cache   CacheWriter
	opts    Options

	// runMu serializes Sync runs started by cron and by the API.
	runMu sync.Mutex
}

// NewSyncer wires a Syncer. cache may be nil for a debug-only Syncer.
func NewSyncer(feeds FeedSource, fetcher Fetcher, cache CacheWriter, opts Options) *Syncer {
	opts.normalize()
	return &Syncer{
		feeds:   feeds,
		fetcher: fetcher,
		cache:   cache,
		opts:    opts,
	}
}

// loadedFeed is the outcome of fetch → repair → parse for one feed. Err is
// set when the feed as a whole failed.
type loadedFeed struct {
	Feed     model.Feed
	Events   []ics.RawEvent
	Skipped  int
	Repaired int
	Err      error
}

// load runs the shared front half of the pipeline for one feed. Failures are
// returned as data so sibling feeds are unaffected.
func (s *Syncer) load(ctx context.Context, feed model.Feed) loadedFeed {
	out := loadedFeed{Feed: feed}

	body, err := s.fetcher.Fetch(ctx, feed.URL)
	if err != nil {
		out.Err = err
		return out
	}

	repaired, joined := ics.RepairLines(string(body))
	out.Repaired = joined
	if joined > 0 {
		appLog.Debug("calsync: repaired broken line folds", "feed", feed.Name, "joined", joined)
	}

	parsed, err := ics.Parse(feed.Name, []byte(repaired))
	if err != nil {
		out.Err = err
		return out
	}
	out.Events = parsed.Events
	out.Skipped = parsed.Skipped
	return out
}

// loadAll loads feeds in parallel and returns results in input order.
func (s *Syncer) loadAll(ctx context.Context, feeds []model.Feed) []loadedFeed {
	out := make([]loadedFeed, len(feeds))

	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)
	for i, feed := range feeds {
		i, feed := i, feed
		g.Go(func() error {
			out[i] = s.load(ctx, feed)
			return nil
		})
	}
	_ = g.Wait()

	return out
}

// feedErrorDetail renders a feed-level failure for results and reports.
func feedErrorDetail(err error) string {
	var se *ics.StatusError
	if errors.As(err, &se) {
		return se.Error()
	}
	return err.Error()
}
