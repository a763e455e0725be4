package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"homedash/internal/model"
)

const (
	DefaultListen   = "127.0.0.1:8080"
	DefaultTimezone = "Asia/Seoul"
	DefaultSyncCron = "*/15 * * * *"

	DefaultRetentionDays       = 30
	DefaultStaleDays           = 7
	DefaultMaxOccurrences      = 50
	DefaultFetchTimeoutSeconds = 10
	DefaultFetchConcurrency    = 4
	DefaultUserAgent           = "homedash-calendar/1.0"
	DefaultLogLevel            = "info"

	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	DefaultSQLitePath = "./var/homedash.db"
)

// FeedConfig describes a single ICS subscription.
type FeedConfig struct {
	// Name labels the feed and becomes CalendarName on every cached row.
	Name string `yaml:"name" json:"name"`
	// URL is the subscription endpoint; webcal:// is accepted.
	URL string `yaml:"url" json:"url"`
}

// StoreConfig selects the cache backend.
type StoreConfig struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string `yaml:"driver" json:"driver" env:"HOMEDASH_STORE_DRIVER"`
	// Path is the SQLite database file.
	Path string `yaml:"path" json:"path" env:"HOMEDASH_STORE_PATH"`
	// DSN is the PostgreSQL connection string.
	DSN string `yaml:"dsn" json:"dsn" env:"HOMEDASH_STORE_DSN"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username" env:"HOMEDASH_BASIC_AUTH_USERNAME"`
	Password string `yaml:"password" json:"-" env:"HOMEDASH_BASIC_AUTH_PASSWORD"`
}

// Enabled reports whether credentials are configured.
func (b BasicAuthConfig) Enabled() bool {
	return b.Username != "" && b.Password != ""
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen" env:"HOMEDASH_LISTEN"`

	// Timezone is the IANA zone used for report timestamps.
	Timezone string `yaml:"timezone" json:"timezone" env:"HOMEDASH_TIMEZONE"`

	// SyncCron is the robfig/cron schedule for background syncs. "off"
	// disables scheduled runs.
	SyncCron string `yaml:"sync_cron" json:"sync_cron" env:"HOMEDASH_SYNC_CRON"`

	RetentionDays       int    `yaml:"retention_days" json:"retention_days" env:"HOMEDASH_RETENTION_DAYS"`
	StaleDays           int    `yaml:"stale_days" json:"stale_days" env:"HOMEDASH_STALE_DAYS"`
	MaxOccurrences      int    `yaml:"max_occurrences" json:"max_occurrences" env:"HOMEDASH_MAX_OCCURRENCES"`
	FetchTimeoutSeconds int    `yaml:"fetch_timeout_seconds" json:"fetch_timeout_seconds" env:"HOMEDASH_FETCH_TIMEOUT_SECONDS"`
	FetchConcurrency    int    `yaml:"fetch_concurrency" json:"fetch_concurrency" env:"HOMEDASH_FETCH_CONCURRENCY"`
	UserAgent           string `yaml:"user_agent" json:"user_agent" env:"HOMEDASH_USER_AGENT"`
	LogLevel            string `yaml:"log_level" json:"log_level" env:"HOMEDASH_LOG_LEVEL"`

	Store StoreConfig `yaml:"store" json:"store"`

	// Feeds is the list of subscribed ICS sources.
	Feeds []FeedConfig `yaml:"feeds" json:"feeds"`

	// BasicAuth, when both fields are set, protects every endpoint except
	// /health.
	BasicAuth BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:              DefaultListen,
		Timezone:            DefaultTimezone,
		SyncCron:            DefaultSyncCron,
		RetentionDays:       DefaultRetentionDays,
		StaleDays:           DefaultStaleDays,
		MaxOccurrences:      DefaultMaxOccurrences,
		FetchTimeoutSeconds: DefaultFetchTimeoutSeconds,
		FetchConcurrency:    DefaultFetchConcurrency,
		UserAgent:           DefaultUserAgent,
		LogLevel:            DefaultLogLevel,
		Store: StoreConfig{
			Driver: DriverSQLite,
			Path:   DefaultSQLitePath,
		},
		Feeds: []FeedConfig{},
	}
}

// Normalize fills in missing or zero values so partially-filled configs
// still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Timezone == "" {
		c.Timezone = DefaultTimezone
	}
	if c.SyncCron == "" {
		c.SyncCron = DefaultSyncCron
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = DefaultRetentionDays
	}
	if c.StaleDays <= 0 {
		c.StaleDays = DefaultStaleDays
	}
	if c.MaxOccurrences <= 0 {
		c.MaxOccurrences = DefaultMaxOccurrences
	}
	if c.FetchTimeoutSeconds <= 0 {
		c.FetchTimeoutSeconds = DefaultFetchTimeoutSeconds
	}
	if c.FetchConcurrency <= 0 {
		c.FetchConcurrency = DefaultFetchConcurrency
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}

	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	if c.Store.Driver == "" {
		c.Store.Driver = DriverSQLite
	}
	if c.Store.Driver == DriverSQLite && c.Store.Path == "" {
		c.Store.Path = DefaultSQLitePath
	}

	if c.Feeds == nil {
		c.Feeds = []FeedConfig{}
	}
}

// Validate reports settings Normalize cannot repair.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverSQLite:
		if strings.TrimSpace(c.Store.Path) == "" {
			return errors.New("store.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.Store.DSN) == "" {
			return errors.New("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return nil
}

// Location returns the configured zone, or UTC when it cannot be loaded.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// FetchTimeout is FetchTimeoutSeconds as a duration.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

// FeedList converts the configured feeds to model feeds. Entries without a
// URL are dropped; unnamed entries get a positional name.
func (c *Config) FeedList() []model.Feed {
	out := make([]model.Feed, 0, len(c.Feeds))
	for i, f := range c.Feeds {
		url := strings.TrimSpace(f.URL)
		if url == "" {
			continue
		}
		name := strings.TrimSpace(f.Name)
		if name == "" {
			name = fmt.Sprintf("calendar-%d", i+1)
		}
		out = append(out, model.Feed{Name: name, URL: url})
	}
	return out
}

// ParseEnv overlays HOMEDASH_* environment variables onto target.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     perms and returned.
//   - Otherwise the YAML is unmarshalled.
//
// In both cases environment overrides are applied on top and defaults are
// normalized. Overrides are never written back to the file.
func Load(path string) (*Config, error) {
	cfg, err := readFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		// First run: create default config file.
		cfg = DefaultConfig()
		if err := Save(path, cfg); err != nil {
			return cfg, err
		}
	}

	if err := ParseEnv(cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	return cfg, nil
}

func readFile(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Normalize()
	return &cfg, nil
}

// Save writes cfg to path: parent directory 0700, temp file in the same
// directory, rename over the target, final mode 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".homedash-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save delegates to the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}

// FileFeedSource re-reads the feed list from the config file on every call,
// so edits take effect on the next sync without a restart.
type FileFeedSource struct {
	Path string
}

func (s FileFeedSource) Feeds(ctx context.Context) ([]model.Feed, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg, err := readFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read feeds: %w", err)
	}
	return cfg.FeedList(), nil
}
