package config

import (
	"reflect"
	"strings"

	"schedsync/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets (tokens) are reported only as
// set/unset.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Source, newCfg.Source) {
		changed = append(changed, "source")
		attrs = append(attrs,
			logx.String("source.base_url", strings.TrimSpace(newCfg.Source.BaseURL)),
			logx.String("source.timeout", strings.TrimSpace(newCfg.Source.Timeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Sync, newCfg.Sync) {
		changed = append(changed, "sync")
		attrs = append(attrs,
			logx.Bool("sync.enabled", newCfg.Sync.Enabled),
			logx.String("sync.schedule", strings.TrimSpace(newCfg.Sync.Schedule)),
			logx.Int("sync.workers", newCfg.Sync.Workers),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.String("storage.path", strings.TrimSpace(newCfg.Storage.Path)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Cache, newCfg.Cache) {
		changed = append(changed, "cache")
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Notify (never log the token itself)
	oldToken := oldCfg.Notify.Telegram != nil && strings.TrimSpace(oldCfg.Notify.Telegram.Token) != ""
	newToken := newCfg.Notify.Telegram != nil && strings.TrimSpace(newCfg.Notify.Telegram.Token) != ""
	notifyChanged := oldCfg.Notify.Enabled != newCfg.Notify.Enabled || oldToken != newToken
	if !notifyChanged && oldCfg.Notify.Telegram != nil && newCfg.Notify.Telegram != nil {
		notifyChanged = !reflect.DeepEqual(oldCfg.Notify.Telegram.Chats, newCfg.Notify.Telegram.Chats)
	}
	if !notifyChanged {
		notifyChanged = (oldCfg.Notify.Telegram == nil) != (newCfg.Notify.Telegram == nil)
	}
	if notifyChanged {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Bool("notify.enabled", newCfg.Notify.Enabled),
			logx.Bool("notify.token_set", newToken),
		)
	}

	if !reflect.DeepEqual(oldCfg.Groups, newCfg.Groups) {
		changed = append(changed, "groups")
		attrs = append(attrs, logx.Int("groups.count", len(newCfg.Groups)))
	}

	return changed, attrs
}
