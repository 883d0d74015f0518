package config

import (
	"reflect"
	"strings"

	logx "assistbot/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets (the bot token) are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
		)
	}

	if oldCfg.Driver != newCfg.Driver {
		changed = append(changed, "driver")
		attrs = append(attrs,
			logx.String("driver.tick", strings.TrimSpace(newCfg.Driver.Tick)),
			logx.String("driver.timezone", strings.TrimSpace(newCfg.Driver.Timezone)),
		)
	}

	if oldCfg.Poller != newCfg.Poller {
		changed = append(changed, "poller")
		attrs = append(attrs,
			logx.Int("poller.workers", newCfg.Poller.Workers),
			logx.Int("poller.rate_per_sec", newCfg.Poller.RatePerSec),
			logx.Int("poller.seen_cap", newCfg.Poller.SeenCap),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		if n := newCfg.Notifier; n != nil {
			attrs = append(attrs,
				logx.Bool("notifier.enabled", n.Enabled),
				logx.Int("notifier.workers", n.Workers),
			)
		}
	}

	if oldCfg.Reminders != newCfg.Reminders {
		changed = append(changed, "reminders")
		attrs = append(attrs, logx.Int("reminders.keep", newCfg.Reminders.Keep))
	}

	if oldCfg.Files != newCfg.Files {
		changed = append(changed, "files")
		attrs = append(attrs,
			logx.String("files.dir", newCfg.Files.Dir),
			logx.Int("files.max_size_mb", newCfg.Files.MaxSizeMB),
		)
	}

	return changed, attrs
}
