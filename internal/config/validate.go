package config

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ConfigError reports configuration that cannot be used. It is fatal at
// startup and rejects a hot reload.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	if e == nil || len(e.Problems) == 0 {
		return "invalid config"
	}
	return "invalid config: " + strings.Join(e.Problems, "; ")
}

// Validate checks credentials, durations and numeric ranges.
// The token is only required when a real transport will be used.
func Validate(cfg *Config) error {
	if cfg == nil {
		return &ConfigError{Problems: []string{"config is nil"}}
	}
	var p []string
	add := func(format string, args ...any) { p = append(p, fmt.Sprintf(format, args...)) }

	if !cfg.Broadcast.DryRun {
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			add("telegram.token is required (or set %s)", EnvTelegramToken)
		}
		if len(cfg.Telegram.OwnerUserIDs) == 0 {
			add("telegram.owner_user_ids is required (or set %s)", EnvOwnerIDs)
		}
	}

	durations := map[string]string{
		"telegram.poll_timeout":      cfg.Telegram.PollTimeout,
		"limits.min_delay":           cfg.Limits.MinDelay,
		"limits.max_delay":           cfg.Limits.MaxDelay,
		"limits.jitter":              cfg.Limits.Jitter,
		"limits.think_min":           cfg.Limits.ThinkMin,
		"limits.think_max":           cfg.Limits.ThinkMax,
		"broadcast.idle_poll":        cfg.Broadcast.IdlePoll,
		"broadcast.stop_timeout":     cfg.Broadcast.StopTimeout,
		"broadcast.reschedule_after": cfg.Broadcast.RescheduleAfter,
		"broadcast.send_timeout":     cfg.Broadcast.SendTimeout,
	}
	if cfg.Storage != nil {
		durations["storage.busy_timeout"] = cfg.Storage.BusyTimeout
	}
	if cfg.Notify != nil {
		durations["notify.dedup_window"] = cfg.Notify.DedupWindow
		if cfg.Notify.RatePerSec < 0 || cfg.Notify.RetryMax < 0 {
			add("notify.rate_per_sec and notify.retry_max must be >= 0")
		}
	}
	for i, s := range cfg.Schedules {
		durations[fmt.Sprintf("schedules[%d].inter_delay", i)] = s.InterDelay
	}
	parsed := make(map[string]time.Duration, len(durations))
	for k, v := range durations {
		d, err := ParseDurationField(k, v)
		if err != nil {
			p = append(p, err.Error())
			continue
		}
		parsed[k] = d
	}
	if lo, hi := parsed["limits.min_delay"], parsed["limits.max_delay"]; lo > 0 && hi > 0 && lo > hi {
		add("limits.min_delay (%s) exceeds limits.max_delay (%s)", lo, hi)
	}
	if lo, hi := parsed["limits.think_min"], parsed["limits.think_max"]; lo > 0 && hi > 0 && lo > hi {
		add("limits.think_min (%s) exceeds limits.think_max (%s)", lo, hi)
	}

	if cfg.Limits.Hourly < 0 || cfg.Limits.Daily < 0 {
		add("limits.hourly and limits.daily must be >= 0")
	}
	if cfg.Limits.TypingCPS < 0 {
		add("limits.typing_cps must be >= 0")
	}
	if cfg.Broadcast.FetchLimit < 0 {
		add("broadcast.fetch_limit must be >= 0")
	}

	if cfg.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "", "none":
		case "file", "json", "sqlite", "sqlite3", "bolt", "bbolt":
			if strings.TrimSpace(cfg.Storage.Path) == "" {
				add("storage.path is required for driver %q", cfg.Storage.Driver)
			}
		default:
			add("storage.driver %q is not supported", cfg.Storage.Driver)
		}
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add("scheduler.timezone: %v", err)
		}
	}
	names := make(map[string]struct{}, len(cfg.Schedules))
	for i, s := range cfg.Schedules {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			add("schedules[%d].name is required", i)
		} else if _, dup := names[name]; dup {
			add("schedules[%d].name %q is duplicated", i, name)
		}
		names[name] = struct{}{}
		if strings.TrimSpace(s.Spec) == "" {
			add("schedules[%d].spec is required", i)
		}
		if s.MessagesPerChat != 0 && (s.MessagesPerChat < 1 || s.MessagesPerChat > 5) {
			add("schedules[%d].messages_per_chat must be within [1,5]", i)
		}
		if s.Limit < 0 || s.MaxMessages < 0 {
			add("schedules[%d]: limit and max_messages must be >= 0", i)
		}
	}

	if len(p) > 0 {
		sort.Strings(p)
		return &ConfigError{Problems: p}
	}
	return nil
}
