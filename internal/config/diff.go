package config

import (
	"reflect"
	"strings"

	logx "earnbot/pkg/logx"
)

// Section names reported by SummarizeChange.
const (
	SectionTelegram = "telegram"
	SectionLogging  = "logging"
	SectionStorage  = "storage"
	SectionSource   = "source"
	SectionNotifier = "notifier"
	SectionLease    = "lease"
	SectionBot      = "bot"
	SectionOps      = "ops"
)

// SummarizeChange lists the sections that differ and log fields describing
// the new values. Secrets are reported only as set/unset.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, SectionTelegram)
		attrs = append(attrs,
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
		)
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, SectionLogging)
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, SectionStorage)
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if !reflect.DeepEqual(oldCfg.Source, newCfg.Source) {
		changed = append(changed, SectionSource)
		attrs = append(attrs,
			logx.Bool("source.url_set", strings.TrimSpace(newCfg.Source.URL) != ""),
			logx.String("source.base_url", newCfg.Source.BaseURL),
		)
	}
	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, SectionNotifier)
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newCfg.Notifier.IsEnabled()),
			logx.String("notifier.schedule", newCfg.Notifier.Schedule),
			logx.Duration("notifier.delay", newCfg.Notifier.Delay()),
			logx.Duration("notifier.window", newCfg.Notifier.Window()),
			logx.Float64("notifier.rate_per_second", newCfg.Notifier.RatePerSecond),
		)
	}
	if !reflect.DeepEqual(oldCfg.Lease, newCfg.Lease) {
		changed = append(changed, SectionLease)
		attrs = append(attrs, logx.Bool("lease.redis", strings.TrimSpace(newCfg.Lease.RedisURL) != ""))
	}
	if !reflect.DeepEqual(oldCfg.Bot, newCfg.Bot) {
		changed = append(changed, SectionBot)
		attrs = append(attrs, logx.Int("bot.commands_per_minute", newCfg.Bot.CommandsPerMinute))
	}
	if !reflect.DeepEqual(oldCfg.Ops, newCfg.Ops) {
		changed = append(changed, SectionOps)
		attrs = append(attrs,
			logx.String("ops.addr", newCfg.Ops.Addr),
			logx.Bool("ops.token_set", newCfg.Ops.Token != ""),
		)
	}
	return changed, attrs
}

// RequiresRestart reports sections that cannot be applied to a running process.
func RequiresRestart(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case SectionTelegram, SectionStorage, SectionSource, SectionLease:
			out = append(out, s)
		}
	}
	return out
}
