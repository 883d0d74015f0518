// Package config loads, validates and hot-reloads the bot configuration.
//
// Config files may be JSON or YAML; YAML is coerced to JSON so both formats
// go through the same strict decoder (unknown keys are rejected).
package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`

	// Driver controls the periodic tick that fires due reminders and
	// polls due feed subscriptions.
	Driver DriverConfig `json:"driver,omitempty"`

	Poller    PollerConfig    `json:"poller,omitempty"`
	Notifier  *NotifierConfig `json:"notifier,omitempty"`
	Reminders RemindersConfig `json:"reminders,omitempty"`
	Files     FilesConfig     `json:"files,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./assistbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`                 // "sqlite" (default) or "memory"
	Path        string `json:"path,omitempty"`         // sqlite file path
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// DriverConfig controls the tick loop.
//
// Tick accepts a cron expression ("*/1 * * * *") or an interval spec
// ("@every 30s"). Empty means the default of "@every 30s".
type DriverConfig struct {
	Tick     string `json:"tick,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// PollerConfig controls concurrent feed fetching.
//
// All durations are Go duration strings.
type PollerConfig struct {
	Workers      int    `json:"workers,omitempty"`        // default 4
	RatePerSec   int    `json:"rate_per_sec,omitempty"`   // outbound HTTP fetches; default 2
	FetchTimeout string `json:"fetch_timeout,omitempty"`  // per-feed; default "20s"
	SeenCap      int    `json:"seen_cap,omitempty"`       // per-subscription dedup retention; default 500
	UserAgent    string `json:"user_agent,omitempty"`
}

// NotifierConfig controls the async delivery pipeline.
//
// If the whole section is omitted, defaults apply (enabled, 2 workers).
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
}

type RemindersConfig struct {
	// Keep caps how many fired/cancelled reminders are retained per user.
	// Default 200. Pending reminders are never pruned.
	Keep int `json:"keep,omitempty"`
}

type FilesConfig struct {
	Dir string `json:"dir,omitempty"` // default "./files"
	// MaxSizeMB rejects uploads larger than this. Default 20.
	MaxSizeMB int `json:"max_size_mb,omitempty"`
}

// tickParser accepts standard 5-field cron specs plus @every descriptors.
var tickParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Validate checks cross-field constraints that the strict decoder can't:
// duration strings parse, the tick schedule parses, the storage driver is
// known. It is used both at startup and as the hot-reload validator.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if _, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		return err
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "memory":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q (want sqlite or memory)", c.Storage.Driver)
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}

	if spec := strings.TrimSpace(c.Driver.Tick); spec != "" {
		if _, err := tickParser.Parse(spec); err != nil {
			return fmt.Errorf("driver.tick: invalid schedule %q: %w", spec, err)
		}
	}
	if tz := strings.TrimSpace(c.Driver.Timezone); tz != "" {
		if err := checkTimezone(tz); err != nil {
			return fmt.Errorf("driver.timezone: %w", err)
		}
	}

	if c.Poller.Workers < 0 {
		return fmt.Errorf("poller.workers must be >= 0")
	}
	if _, err := ParseDurationField("poller.fetch_timeout", c.Poller.FetchTimeout); err != nil {
		return err
	}

	if n := c.Notifier; n != nil {
		for _, f := range []struct{ path, raw string }{
			{"notifier.retry_base", n.RetryBase},
			{"notifier.retry_max_delay", n.RetryMaxDelay},
			{"notifier.dedup_window", n.DedupWindow},
		} {
			if _, err := ParseDurationField(f.path, f.raw); err != nil {
				return err
			}
		}
	}

	if c.Reminders.Keep < 0 {
		return fmt.Errorf("reminders.keep must be >= 0")
	}
	if c.Files.MaxSizeMB < 0 {
		return fmt.Errorf("files.max_size_mb must be >= 0")
	}
	return nil
}
