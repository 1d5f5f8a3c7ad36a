package app

import (
	"strings"
	"time"

	"github.com/wetnet-beep/rassilka-tg/internal/broadcast"
	"github.com/wetnet-beep/rassilka-tg/internal/campaign"
	"github.com/wetnet-beep/rassilka-tg/internal/config"
	"github.com/wetnet-beep/rassilka-tg/internal/control"
	"github.com/wetnet-beep/rassilka-tg/internal/notifier"
	"github.com/wetnet-beep/rassilka-tg/internal/observability/metrics"
	"github.com/wetnet-beep/rassilka-tg/internal/ratelimit"
	"github.com/wetnet-beep/rassilka-tg/internal/schedule"
	"github.com/wetnet-beep/rassilka-tg/internal/storage"
	"github.com/wetnet-beep/rassilka-tg/internal/transport/telegram"
	logx "github.com/wetnet-beep/rassilka-tg/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled:    l.File.Enabled,
			Path:       l.File.Path,
			MaxSizeMB:  l.File.MaxSizeMB,
			MaxBackups: l.File.MaxBackups,
			MaxAgeDays: l.File.MaxAgeDays,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			ChatID:     cfg.Telegram.GroupLog,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func mapTelegram(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: poll,
		SeedChatIDs: append([]int64(nil), cfg.Telegram.SeedChatIDs...),
	}, nil
}

func mapLimits(cfg *config.Config) (ratelimit.Config, error) {
	l := cfg.Limits
	out := ratelimit.Config{
		HourlyLimit: l.Hourly,
		DailyLimit:  l.Daily,
		TypingCPS:   l.TypingCPS,
		HistorySize: l.HistorySize,
	}
	var err error
	if out.MinDelay, err = config.ParseDurationField("limits.min_delay", l.MinDelay); err != nil {
		return out, err
	}
	if out.MaxDelay, err = config.ParseDurationField("limits.max_delay", l.MaxDelay); err != nil {
		return out, err
	}
	if out.ThinkMin, err = config.ParseDurationField("limits.think_min", l.ThinkMin); err != nil {
		return out, err
	}
	if out.ThinkMax, err = config.ParseDurationField("limits.think_max", l.ThinkMax); err != nil {
		return out, err
	}
	jitter, set, err := config.ParseOptionalDuration("limits.jitter", l.Jitter)
	if err != nil {
		return out, err
	}
	switch {
	case set && jitter == 0:
		out.Jitter = -1
	case set:
		out.Jitter = jitter
	}
	return out, nil
}

func mapBroadcast(cfg *config.Config) (broadcast.Config, error) {
	b := cfg.Broadcast
	var (
		out broadcast.Config
		err error
	)
	if out.IdlePoll, err = config.ParseDurationField("broadcast.idle_poll", b.IdlePoll); err != nil {
		return out, err
	}
	if out.StopTimeout, err = config.ParseDurationField("broadcast.stop_timeout", b.StopTimeout); err != nil {
		return out, err
	}
	if out.RescheduleAfter, err = config.ParseDurationField("broadcast.reschedule_after", b.RescheduleAfter); err != nil {
		return out, err
	}
	if out.SendTimeout, err = config.ParseDurationField("broadcast.send_timeout", b.SendTimeout); err != nil {
		return out, err
	}
	return out, nil
}

func mapCampaign(cfg *config.Config) (campaign.Config, error) {
	after, err := config.ParseDurationField("broadcast.reschedule_after", cfg.Broadcast.RescheduleAfter)
	if err != nil {
		return campaign.Config{}, err
	}
	return campaign.Config{
		Templates:       append([]string(nil), cfg.Broadcast.Templates...),
		Suffixes:        append([]string(nil), cfg.Broadcast.Suffixes...),
		RescheduleAfter: after,
	}, nil
}

func mapControl(cfg *config.Config) control.Settings {
	return control.Settings{
		DryRun:         cfg.Broadcast.DryRun,
		DefaultMessage: cfg.Broadcast.DefaultMessage,
		FetchLimit:     cfg.Broadcast.FetchLimit,
	}
}

// mapStorage returns enabled=false when no backend is configured.
func mapStorage(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: busy,
	}, true, nil
}

func mapMetrics(cfg *config.Config) metrics.ServerConfig {
	if cfg.Metrics == nil {
		return metrics.ServerConfig{}
	}
	m := cfg.Metrics
	return metrics.ServerConfig{
		Enabled:       m.Enabled,
		Addr:          m.Addr,
		Path:          m.Path,
		Token:         m.Token,
		AllowInsecure: m.AllowInsecure,
		Pprof:         m.Pprof,
	}
}

func mapNotify(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notify
	if n == nil {
		return notifier.Config{}, nil
	}
	dedup, err := config.ParseDurationOrDefault("notify.dedup_window", n.DedupWindow, time.Minute)
	if err != nil {
		return notifier.Config{}, err
	}
	chatIDs := n.ChatIDs
	if len(chatIDs) == 0 {
		chatIDs = cfg.Telegram.OwnerUserIDs
	}
	return notifier.Config{
		Enabled:     n.Enabled,
		ChatIDs:     append([]int64(nil), chatIDs...),
		RatePerSec:  n.RatePerSec,
		RetryMax:    n.RetryMax,
		DedupWindow: dedup,
		Progress:    n.Progress,
	}, nil
}

func mapSchedules(cfg *config.Config) (schedule.Config, error) {
	out := schedule.Config{Timezone: cfg.Scheduler.Timezone}
	for _, s := range cfg.Schedules {
		if s.Disabled {
			continue
		}
		inter, err := config.ParseDurationField("schedules["+s.Name+"].inter_delay", s.InterDelay)
		if err != nil {
			return out, err
		}
		out.Definitions = append(out.Definitions, schedule.Definition{
			Name:            strings.TrimSpace(s.Name),
			Spec:            s.Spec,
			Category:        s.Category,
			Limit:           s.Limit,
			Message:         s.Message,
			MessagesPerChat: s.MessagesPerChat,
			InterDelay:      inter,
			MaxMessages:     s.MaxMessages,
			Autostart:       s.Autostart,
		})
	}
	return out, schedule.Validate(out)
}

// validate runs every mapper so a hot reload is rejected before anything
// is applied.
func validate(cfg *config.Config) error {
	if _, err := mapTelegram(cfg); err != nil {
		return err
	}
	if _, err := mapLimits(cfg); err != nil {
		return err
	}
	if _, err := mapBroadcast(cfg); err != nil {
		return err
	}
	if _, err := mapCampaign(cfg); err != nil {
		return err
	}
	if _, err := mapNotify(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorage(cfg); err != nil {
		return err
	}
	_, err := mapSchedules(cfg)
	return err
}
