package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

const sampleJSON = `{
  "telegram": {"token": "file-token", "owner_user_ids": [42], "seed_chat_ids": [-100123]},
  "logging": {"level": "debug", "console": true},
  "limits": {"hourly": 20, "daily": 150, "min_delay": "3s", "max_delay": "9s"},
  "broadcast": {"templates": ["Hi {name}"], "stop_timeout": "5s"},
  "storage": {"driver": "sqlite", "path": "data/chats.db"},
  "schedules": [{"name": "morning", "spec": "0 9 * * *", "category": "groups", "autostart": true}]
}`

const sampleYAML = `
telegram:
  token: file-token
  owner_user_ids: [42]
  seed_chat_ids: [-100123]
logging:
  level: debug
  console: true
limits:
  hourly: 20
  daily: 150
  min_delay: 3s
  max_delay: 9s
broadcast:
  templates: ["Hi {name}"]
  stop_timeout: 5s
storage:
  driver: sqlite
  path: data/chats.db
schedules:
  - name: morning
    spec: "0 9 * * *"
    category: groups
    autostart: true
`

func noEnv(string) (string, bool) { return "", false }

func TestDecodeJSONAndYAMLAgree(t *testing.T) {
	t.Parallel()
	fromJSON, err := Decode("config.json", []byte(sampleJSON))
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	fromYAML, err := Decode("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if !reflect.DeepEqual(fromJSON, fromYAML) {
		t.Fatalf("json and yaml differ:\n%+v\n%+v", fromJSON, fromYAML)
	}
	if fromJSON.Limits.Hourly != 20 || fromJSON.Storage.Driver != "sqlite" || len(fromJSON.Schedules) != 1 {
		t.Fatalf("unexpected decode: %+v", fromJSON)
	}
	if err := Validate(fromJSON); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestDecodeRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	t.Parallel()
	if _, err := Decode("c.json", []byte(`{"telegram":{"tokn":"x"}}`)); err == nil {
		t.Fatal("unknown field accepted")
	}
	if _, err := Decode("c.json", []byte(`{} {}`)); err == nil {
		t.Fatal("trailing data accepted")
	}
	if _, err := Decode("c.yml", []byte("limits: [")); err == nil {
		t.Fatal("broken yaml accepted")
	}
	cfg, err := Decode("c.yaml", []byte(""))
	if err != nil || cfg == nil {
		t.Fatalf("empty yaml: cfg=%v err=%v", cfg, err)
	}
}

func TestApplyEnvOverridesCredentials(t *testing.T) {
	t.Parallel()
	cfg := &Config{Telegram: TelegramConfig{Token: "file", OwnerUserIDs: []int64{1}}}
	env := map[string]string{EnvTelegramToken: " env-token ", EnvOwnerIDs: "7, 8;9"}
	ApplyEnv(cfg, func(k string) (string, bool) { v, ok := env[k]; return v, ok })
	if cfg.Telegram.Token != "env-token" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if !reflect.DeepEqual(cfg.Telegram.OwnerUserIDs, []int64{7, 8, 9}) {
		t.Fatalf("owners = %v", cfg.Telegram.OwnerUserIDs)
	}

	cfg = &Config{Telegram: TelegramConfig{OwnerUserIDs: []int64{1}}}
	ApplyEnv(cfg, func(k string) (string, bool) {
		if k == EnvOwnerIDs {
			return "x,y", true
		}
		return "", false
	})
	if !reflect.DeepEqual(cfg.Telegram.OwnerUserIDs, []int64{1}) {
		t.Fatalf("malformed env must not clobber owners: %v", cfg.Telegram.OwnerUserIDs)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, ".env")
	const key = "RASSILKA_DOTENV_TEST_KEY"
	if err := os.WriteFile(p, []byte(key+"=hello\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Unsetenv(key) })

	if err := LoadDotEnv(filepath.Join(dir, "missing.env"), p); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv(key); got != "hello" {
		t.Fatalf("%s = %q", key, got)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	valid := func() *Config {
		return &Config{Telegram: TelegramConfig{Token: "t", OwnerUserIDs: []int64{1}}}
	}
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"ok", func(*Config) {}, ""},
		{"missing token", func(c *Config) { c.Telegram.Token = "" }, "telegram.token is required"},
		{"missing owners", func(c *Config) { c.Telegram.OwnerUserIDs = nil }, "owner_user_ids is required"},
		{"dry run needs no token", func(c *Config) { c.Telegram = TelegramConfig{}; c.Broadcast.DryRun = true }, ""},
		{"bad duration", func(c *Config) { c.Limits.MinDelay = "soon" }, "limits.min_delay"},
		{"min above max", func(c *Config) { c.Limits.MinDelay, c.Limits.MaxDelay = "9s", "3s" }, "exceeds limits.max_delay"},
		{"negative limit", func(c *Config) { c.Limits.Hourly = -1 }, "limits.hourly"},
		{"storage without path", func(c *Config) { c.Storage = &StorageConfig{Driver: "bolt"} }, "storage.path is required"},
		{"unknown driver", func(c *Config) { c.Storage = &StorageConfig{Driver: "redis", Path: "x"} }, "not supported"},
		{"bad timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, "scheduler.timezone"},
		{"duplicate schedule", func(c *Config) {
			c.Schedules = []ScheduleConfig{{Name: "a", Spec: "@daily"}, {Name: "a", Spec: "@hourly"}}
		}, "duplicated"},
		{"schedule per chat", func(c *Config) {
			c.Schedules = []ScheduleConfig{{Name: "a", Spec: "@daily", MessagesPerChat: 9}}
		}, "messages_per_chat"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid()
			tc.mutate(cfg)
			err := Validate(cfg)
			if tc.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var ce *ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("want ConfigError, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestManagerLoadReloadAndPublish(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.json")
	if err := os.WriteFile(p, []byte(sampleJSON), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewManager(p)
	m.env = noEnv
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Load did not commit")
	}

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)
	ctx := context.Background()

	if m.reload(ctx) {
		t.Fatal("unchanged file must not publish")
	}

	updated := strings.Replace(sampleJSON, `"hourly": 20`, `"hourly": 25`, 1)
	if err := os.WriteFile(p, []byte(updated), 0o600); err != nil {
		t.Fatal(err)
	}
	if !m.reload(ctx) {
		t.Fatal("changed file not published")
	}
	got := <-sub
	if got.Limits.Hourly != 25 || m.Get().Limits.Hourly != 25 {
		t.Fatalf("published hourly = %d", got.Limits.Hourly)
	}

	invalid := strings.Replace(updated, `"min_delay": "3s"`, `"min_delay": "later"`, 1)
	if err := os.WriteFile(p, []byte(invalid), 0o600); err != nil {
		t.Fatal(err)
	}
	if m.reload(ctx) {
		t.Fatal("invalid config published")
	}
	if m.Get().Limits.Hourly != 25 {
		t.Fatal("rejected reload replaced current config")
	}

	m.SetValidator(func(context.Context, *Config) error { return errors.New("veto") })
	vetoed := strings.Replace(updated, `"hourly": 25`, `"hourly": 26`, 1)
	if err := os.WriteFile(p, []byte(vetoed), 0o600); err != nil {
		t.Fatal(err)
	}
	if m.reload(ctx) {
		t.Fatal("validator veto ignored")
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	t.Parallel()
	m := NewManager("unused.json")
	sub := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	if got := <-sub; got != b {
		t.Fatal("slow subscriber did not receive newest config")
	}
	m.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		t.Fatal("channel not closed on Unsubscribe")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	a := &Config{Telegram: TelegramConfig{Token: "a"}, Limits: LimitsConfig{Hourly: 30}}
	b := &Config{Telegram: TelegramConfig{Token: "b"}, Limits: LimitsConfig{Hourly: 10},
		Schedules: []ScheduleConfig{{Name: "x", Spec: "@daily"}}}
	changed, attrs := SummarizeConfigChange(a, b)
	want := []string{"telegram", "limits", "schedules"}
	if !reflect.DeepEqual(changed, want) {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	if len(attrs) == 0 {
		t.Fatal("no attrs")
	}
	if got := RequiresRestart(a, b); !reflect.DeepEqual(got, []string{"telegram"}) {
		t.Fatalf("RequiresRestart = %v", got)
	}
	if changed, _ := SummarizeConfigChange(a, a); len(changed) != 0 {
		t.Fatalf("identical configs reported %v", changed)
	}
}

func TestParseDurations(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationOrDefault("x", "", 5); err != nil || d != 5 {
		t.Fatalf("default: %v %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("negative accepted")
	}
	if _, set, err := ParseOptionalDuration("x", "0s"); err != nil || !set {
		t.Fatalf("explicit zero: set=%v err=%v", set, err)
	}
	if _, set, _ := ParseOptionalDuration("x", " "); set {
		t.Fatal("blank reported as set")
	}
}
