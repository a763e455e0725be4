package main

import (
	"context"
	"strings"

	"github.com/robfig/cron/v3"

	"homedash/internal/calsync"
	appLog "homedash/internal/log"
)

// syncDisabled turns off scheduled syncs; the API can still trigger them.
const syncDisabled = "off"

// startScheduler runs syncer.Sync on the cron schedule until ctx ends. It
// returns nil when scheduling is disabled.
func startScheduler(ctx context.Context, schedule string, syncer *calsync.Syncer) (*cron.Cron, error) {
	schedule = strings.TrimSpace(schedule)
	if strings.EqualFold(schedule, syncDisabled) {
		appLog.Info("scheduled sync disabled")
		return nil, nil
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(schedule, func() {
		if _, err := syncer.Sync(ctx); err != nil {
			appLog.Error("scheduled sync failed", err)
		}
	}); err != nil {
		return nil, err
	}
	c.Start()

	appLog.Info("scheduled sync enabled", "sync_cron", schedule)

	// Initial sync so the cache is warm before the first tick.
	go func() {
		if _, err := syncer.Sync(ctx); err != nil {
			appLog.Error("initial sync failed", err)
		}
	}()
	return c, nil
}
