package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser mirrors the parser the scheduler runs with, so Validate
// rejects exactly the expressions that would fail at schedule time.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type Config struct {
	Source  SourceConfig  `json:"source"`
	Sync    SyncConfig    `json:"sync"`
	Storage StorageConfig `json:"storage"`
	Cache   CacheConfig   `json:"cache,omitempty"`
	Logging LoggingConfig `json:"logging"`
	Notify  NotifyConfig  `json:"notify,omitempty"`

	// Groups seeds the tracked-group table on startup. Groups already
	// present keep their identity; entries here are upserted by title.
	Groups []GroupConfig `json:"groups"`
}

// SourceConfig describes the upstream schedule site.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type SourceConfig struct {
	BaseURL string `json:"base_url"`

	// Timeout bounds a single HTTP request. Default "30s".
	Timeout string `json:"timeout,omitempty"`

	// RatePerSec throttles outgoing requests across all workers.
	// Default 4.
	RatePerSec int `json:"rate_per_sec,omitempty"`

	UserAgent string `json:"user_agent,omitempty"`
}

// SyncConfig controls the periodic cycle.
type SyncConfig struct {
	Enabled bool `json:"enabled"`

	// Schedule is a cron expression (standard 5-field). Default "*/10 * * * *".
	Schedule string `json:"schedule,omitempty"`

	// Workers is the number of concurrent group jobs per cycle. Default 4.
	Workers int `json:"workers,omitempty"`

	// RunOnStart triggers one cycle immediately after startup, before the
	// first cron tick.
	RunOnStart bool `json:"run_on_start,omitempty"`

	// Timezone for the cron schedule. Default: process local time.
	Timezone string `json:"timezone,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./schedsync.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// CacheConfig controls the in-memory caches.
type CacheConfig struct {
	// DimensionTTL bounds how long resolved dimension ids are reused
	// without consulting storage. Default "30h".
	DimensionTTL string `json:"dimension_ttl,omitempty"`

	// MarkTTL bounds how long a lesson fingerprint mark survives without
	// being re-stamped. Default "24h".
	MarkTTL string `json:"mark_ttl,omitempty"`

	// CleanupInterval is the janitor period for expired entries. Default "10m".
	CleanupInterval string `json:"cleanup_interval,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// NotifyConfig controls change notifications. When the whole section is
// omitted or disabled, changes are only logged.
type NotifyConfig struct {
	Enabled  bool            `json:"enabled"`
	Telegram *TelegramNotify `json:"telegram,omitempty"`
}

// TelegramNotify routes per-group change messages to chats. Chats maps
// a group title to recipient chat ids; the "*" key receives messages
// for every group.
type TelegramNotify struct {
	Token string             `json:"token"`
	Chats map[string][]int64 `json:"chats,omitempty"`
}

// GroupConfig is one tracked group: its display title and the relative
// link of its schedule page under source.base_url.
type GroupConfig struct {
	Title string `json:"title"`
	Link  string `json:"link"`
}

// Validate checks cross-field requirements that the strict decoder
// cannot express. Watch runs it before committing a reloaded file, so
// a bad edit never replaces a good running config.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Source.BaseURL) == "" {
		return fmt.Errorf("source.base_url is required")
	}
	if _, err := ParseDurationField("source.timeout", c.Source.Timeout); err != nil {
		return err
	}
	if c.Source.RatePerSec < 0 {
		return fmt.Errorf("source.rate_per_sec must be >= 0")
	}
	if c.Sync.Workers < 0 {
		return fmt.Errorf("sync.workers must be >= 0")
	}
	if spec := strings.TrimSpace(c.Sync.Schedule); spec != "" {
		if _, err := cronParser.Parse(spec); err != nil {
			return fmt.Errorf("sync.schedule: invalid %q: %w", spec, err)
		}
	}
	if tz := strings.TrimSpace(c.Sync.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("sync.timezone: invalid %q: %w", tz, err)
		}
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	for _, field := range []struct{ path, raw string }{
		{"cache.dimension_ttl", c.Cache.DimensionTTL},
		{"cache.mark_ttl", c.Cache.MarkTTL},
		{"cache.cleanup_interval", c.Cache.CleanupInterval},
	} {
		if _, err := ParseDurationField(field.path, field.raw); err != nil {
			return err
		}
	}
	seen := map[string]bool{}
	for i, g := range c.Groups {
		title := strings.TrimSpace(g.Title)
		if title == "" {
			return fmt.Errorf("groups[%d].title is required", i)
		}
		if strings.TrimSpace(g.Link) == "" {
			return fmt.Errorf("groups[%d].link is required", i)
		}
		if seen[title] {
			return fmt.Errorf("groups[%d]: duplicate title %q", i, title)
		}
		seen[title] = true
	}
	if c.Notify.Enabled && c.Notify.Telegram != nil && strings.TrimSpace(c.Notify.Telegram.Token) == "" {
		return fmt.Errorf("notify.telegram.token is required when notify is enabled")
	}
	return nil
}
