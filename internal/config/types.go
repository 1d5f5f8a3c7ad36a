package config

// Config is the on-disk configuration (JSON, or YAML coerced to JSON).
//
// All durations are Go duration strings (e.g. "500ms", "8s", "5m").
// Omitted fields fall back to the component defaults.
type Config struct {
	Telegram  TelegramConfig   `json:"telegram"`
	Logging   LoggingConfig    `json:"logging"`
	Limits    LimitsConfig     `json:"limits"`
	Broadcast BroadcastConfig  `json:"broadcast"`
	Storage   *StorageConfig   `json:"storage,omitempty"`
	Metrics   *MetricsConfig   `json:"metrics,omitempty"`
	Notify    *NotifyConfig    `json:"notify,omitempty"`
	Scheduler SchedulerConfig  `json:"scheduler"`
	Schedules []ScheduleConfig `json:"schedules,omitempty"`
}

type TelegramConfig struct {
	// Token may be empty in the file and supplied by RASSILKA_TELEGRAM_TOKEN.
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// GroupLog is the chat that receives the Telegram log sink output.
	GroupLog    int64   `json:"group_log,omitempty"`
	PollTimeout string  `json:"poll_timeout,omitempty"`
	SeedChatIDs []int64 `json:"seed_chat_ids,omitempty"`
}

type LoggingConfig struct {
	Level    string            `json:"level"`
	Console  bool              `json:"console"`
	File     FileLogConfig     `json:"file"`
	Telegram TelegramLogConfig `json:"telegram"`
}

type FileLogConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
}

type TelegramLogConfig struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// LimitsConfig is the sending budget and pacing profile.
//
// Defaults:
//   - hourly: 30, daily: 200
//   - min_delay: "2.5s", max_delay: "8s", jitter: "300ms" ("0s" disables)
//   - typing_cps: 3.33, think_min: "300ms", think_max: "1.5s"
//   - history_size: 1000
type LimitsConfig struct {
	Hourly      int     `json:"hourly,omitempty"`
	Daily       int     `json:"daily,omitempty"`
	MinDelay    string  `json:"min_delay,omitempty"`
	MaxDelay    string  `json:"max_delay,omitempty"`
	Jitter      string  `json:"jitter,omitempty"`
	TypingCPS   float64 `json:"typing_cps,omitempty"`
	ThinkMin    string  `json:"think_min,omitempty"`
	ThinkMax    string  `json:"think_max,omitempty"`
	HistorySize int     `json:"history_size,omitempty"`
}

type BroadcastConfig struct {
	// DryRun replaces the Telegram sender with a logging one ("test mode").
	DryRun bool `json:"dry_run"`

	// DefaultMessage is used by /campaign when no text is given and no
	// templates apply.
	DefaultMessage string   `json:"default_message,omitempty"`
	Templates      []string `json:"templates,omitempty"`
	Suffixes       []string `json:"suffixes,omitempty"`

	IdlePoll        string `json:"idle_poll,omitempty"`
	StopTimeout     string `json:"stop_timeout,omitempty"`
	RescheduleAfter string `json:"reschedule_after,omitempty"`
	SendTimeout     string `json:"send_timeout,omitempty"`

	// FetchLimit caps FetchChats during /sync and startup import (0 = no cap).
	FetchLimit int `json:"fetch_limit,omitempty"`
}

// StorageConfig selects the chat repository backend.
// Driver: "file" | "sqlite" | "bolt" | "none".
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type MetricsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Path          string `json:"path,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}

// NotifyConfig controls operator notifications about broadcast runs.
// ChatIDs defaults to telegram.owner_user_ids.
type NotifyConfig struct {
	Enabled     bool    `json:"enabled"`
	ChatIDs     []int64 `json:"chat_ids,omitempty"`
	RatePerSec  int     `json:"rate_per_sec,omitempty"`
	RetryMax    int     `json:"retry_max,omitempty"`
	DedupWindow string  `json:"dedup_window,omitempty"`
	Progress    bool    `json:"progress,omitempty"`
}

type SchedulerConfig struct {
	// Timezone is an IANA name used for cron specs. Empty means local time.
	Timezone string `json:"timezone,omitempty"`
}

// ScheduleConfig declares a recurring campaign.
type ScheduleConfig struct {
	Name string `json:"name"`
	// Spec is a standard 5-field cron expression or a descriptor (@every 6h).
	Spec     string `json:"spec"`
	Category string `json:"category,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	// Message overrides the template pool when set.
	Message         string `json:"message,omitempty"`
	MessagesPerChat int    `json:"messages_per_chat,omitempty"`
	InterDelay      string `json:"inter_delay,omitempty"`
	MaxMessages     int    `json:"max_messages,omitempty"`
	Autostart       bool   `json:"autostart,omitempty"`
	// Disabled keeps the entry in the file without registering it.
	Disabled bool `json:"disabled,omitempty"`
}
