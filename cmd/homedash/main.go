package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"homedash/internal/calsync"
	"homedash/internal/config"
	"homedash/internal/ics"
	appLog "homedash/internal/log"
	"homedash/internal/store"
	"homedash/internal/store/postgres"
	"homedash/internal/store/sqlite"
	"homedash/internal/web"
)

const version = "0.1.0"

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
	once       bool
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}

	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))
	appLog.Info("homedash starting", "version", version)

	if err := conf.Validate(); err != nil {
		appLog.Error("invalid config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"sync_cron", conf.SyncCron,
		"retention_days", conf.RetentionDays,
		"stale_days", conf.StaleDays,
		"store_driver", conf.Store.Driver,
		"feed_count", len(conf.Feeds),
		"once", flags.once,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cache, err := openStore(ctx, conf.Store)
	if err != nil {
		appLog.Error("failed to open calendar store", err, "driver", conf.Store.Driver)
		os.Exit(1)
	}
	defer cache.Close()

	loc := conf.Location()
	syncer := calsync.NewSyncer(
		config.FileFeedSource{Path: flags.configPath},
		ics.NewFetcher(
			ics.WithTimeout(conf.FetchTimeout()),
			ics.WithUserAgent(conf.UserAgent),
		),
		cache,
		calsync.Options{
			RetentionDays:  conf.RetentionDays,
			StaleDays:      conf.StaleDays,
			MaxOccurrences: conf.MaxOccurrences,
			Concurrency:    conf.FetchConcurrency,
			Now:            func() time.Time { return time.Now().In(loc) },
		},
	)

	if flags.once {
		if err := runOnce(ctx, syncer); err != nil {
			appLog.Error("sync failed", err)
			cache.Close()
			os.Exit(1)
		}
		return
	}

	scheduler, err := startScheduler(ctx, conf.SyncCron, syncer)
	if err != nil {
		appLog.Error("failed to start scheduler", err, "sync_cron", conf.SyncCron)
		cache.Close()
		os.Exit(1)
	}
	if scheduler != nil {
		defer func() {
			<-scheduler.Stop().Done()
		}()
	}

	srv := web.NewServer(conf, syncer, cache)
	if err := srv.ListenAndServe(ctx); err != nil {
		appLog.Error("http server failed", err, "listen", conf.Listen)
	}
	appLog.Info("homedash exiting")
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/homedash/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one calendar sync, print the result and exit")

	flag.Parse()

	return cfg
}

func openStore(ctx context.Context, sc config.StoreConfig) (store.Store, error) {
	switch sc.Driver {
	case config.DriverPostgres:
		return postgres.Open(ctx, sc.DSN)
	case config.DriverSQLite:
		return sqlite.Open(sc.Path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", sc.Driver)
	}
}

func runOnce(ctx context.Context, syncer *calsync.Syncer) error {
	res, err := syncer.Sync(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
