package config

import (
	"reflect"
	"strings"

	logx "github.com/wetnet-beep/rassilka-tg/pkg/logx"
)

// SummarizeConfigChange returns the changed section names and safe log
// attrs describing them. Secrets are reported only as *_set booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || ot.GroupLog != nt.GroupLog ||
		strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) ||
		!reflect.DeepEqual(ot.SeedChatIDs, nt.SeedChatIDs) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Int("telegram.seed_count", len(nt.SeedChatIDs)),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.Bool("telegram.group_log_set", nt.GroupLog != 0),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Limits != newCfg.Limits {
		changed = append(changed, "limits")
		attrs = append(attrs,
			logx.Int("limits.hourly", newCfg.Limits.Hourly),
			logx.Int("limits.daily", newCfg.Limits.Daily),
			logx.String("limits.min_delay", newCfg.Limits.MinDelay),
			logx.String("limits.max_delay", newCfg.Limits.MaxDelay),
		)
	}

	if !reflect.DeepEqual(oldCfg.Broadcast, newCfg.Broadcast) {
		changed = append(changed, "broadcast")
		attrs = append(attrs,
			logx.Bool("broadcast.dry_run", newCfg.Broadcast.DryRun),
			logx.Int("broadcast.templates", len(newCfg.Broadcast.Templates)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if newCfg.Storage != nil {
			attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
		}
	}

	if !reflect.DeepEqual(oldCfg.Notify, newCfg.Notify) {
		changed = append(changed, "notify")
		if newCfg.Notify != nil {
			attrs = append(attrs,
				logx.Bool("notify.enabled", newCfg.Notify.Enabled),
				logx.Int("notify.chat_count", len(newCfg.Notify.ChatIDs)),
			)
		}
	}

	om, nm := derefMetrics(oldCfg.Metrics), derefMetrics(newCfg.Metrics)
	if om != nm {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", nm.Enabled),
			logx.String("metrics.addr", nm.Addr),
			logx.Bool("metrics.token_set", nm.Token != ""),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler || !reflect.DeepEqual(oldCfg.Schedules, newCfg.Schedules) {
		changed = append(changed, "schedules")
		attrs = append(attrs,
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
			logx.Int("schedules.count", len(newCfg.Schedules)),
		)
	}

	return changed, attrs
}

func derefMetrics(m *MetricsConfig) MetricsConfig {
	if m == nil {
		return MetricsConfig{}
	}
	return *m
}

// RequiresRestart reports changes that hot reload cannot apply: the
// transport identity and the storage backend are bound at startup.
func RequiresRestart(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) {
		out = append(out, "telegram")
	}
	if oldCfg.Broadcast.DryRun != newCfg.Broadcast.DryRun {
		out = append(out, "broadcast.dry_run")
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		out = append(out, "storage")
	}
	return out
}
