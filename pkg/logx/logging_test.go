package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type captureSender struct {
	mu   sync.Mutex
	msgs map[int64][]string
}

func (c *captureSender) Send(_ context.Context, chatID int64, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.msgs == nil {
		c.msgs = map[int64][]string{}
	}
	c.msgs[chatID] = append(c.msgs[chatID], text)
	return nil
}

func (c *captureSender) get(chatID int64) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs[chatID]...)
}

func TestWriterLoggerFieldsAndLevel(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "test"))
	log.Debug("hidden")
	log.Info("hello", Int("n", 3), Bool("ok", true), Duration("d", time.Second))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("lines = %d: %q", len(lines), buf.String())
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &m); err != nil {
		t.Fatal(err)
	}
	if m["message"] != "hello" || m["comp"] != "test" || m["n"] != float64(3) || m["ok"] != true {
		t.Fatalf("entry = %v", m)
	}
}

func TestZeroAndNopLoggers(t *testing.T) {
	t.Parallel()
	var zero Logger
	if !zero.IsZero() {
		t.Fatal("zero logger not reported as zero")
	}
	zero.Info("ignored")
	if Nop().IsZero() {
		t.Fatal("Nop must not be zero")
	}
	Nop().With(String("a", "b")).Error("ignored")
}

func TestTelegramSinkRespectsMinLevel(t *testing.T) {
	t.Parallel()
	sender := &captureSender{}
	svc, log := New(Config{
		Level: "debug",
		File:  FileConfig{Enabled: true, Path: filepath.Join(t.TempDir(), "app.log")},
		Telegram: TelegramConfig{
			Enabled: true, ChatID: 5, MinLevel: "warn", RatePerSec: 50,
		},
	}, sender)
	defer func() { _ = svc.Close() }()

	log.Info("routine")
	log.Warn("disk almost full", String("path", "/data"))

	deadline := time.Now().Add(3 * time.Second)
	for len(sender.get(5)) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	got := sender.get(5)
	if len(got) != 1 {
		t.Fatalf("telegram messages = %q", got)
	}
	if !strings.Contains(got[0], "[WARN] disk almost full") || !strings.Contains(got[0], "path=/data") {
		t.Fatalf("message = %q", got[0])
	}
}

func TestApplyRotatesFileTarget(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	first := filepath.Join(dir, "a.log")
	second := filepath.Join(dir, "nested", "b.log")
	svc, log := New(Config{File: FileConfig{Enabled: true, Path: first}}, nil)
	defer func() { _ = svc.Close() }()

	log.Info("one")
	svc.Apply(Config{File: FileConfig{Enabled: true, Path: second}})
	log.Info("two")

	for path, want := range map[string]string{first: "one", second: "two"} {
		b, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		if !strings.Contains(string(b), want) {
			t.Fatalf("%s = %q, want %q", path, b, want)
		}
	}
}

func TestFormatTelegramJSON(t *testing.T) {
	t.Parallel()
	got := formatTelegramJSON([]byte(`{"level":"error","message":"send failed","time":"x","chat_id":42}`))
	if got != "[ERROR] send failed\n- chat_id=42" {
		t.Fatalf("formatted = %q", got)
	}
	if got := formatTelegramJSON([]byte("plain text")); got != "plain text" {
		t.Fatalf("non-json = %q", got)
	}
	if got := truncate(strings.Repeat("x", 50), 20); len(got) != 20 || !strings.HasSuffix(got, "...") {
		t.Fatalf("truncate = %q", got)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"loud":    zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLevel(in, zerolog.InfoLevel); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestTelegramSinkRedactsAndCountsSuppressed(t *testing.T) {
	t.Parallel()
	sink := newTelegramSink(nil)
	sink.configure(TelegramConfig{Enabled: true, ChatID: 9, RatePerSec: 1})
	sink.setSecrets([]string{"123:SECRET", " "})

	line := []byte(`{"level":"error","message":"post https://api.telegram.org/bot123:SECRET/sendMessage failed"}`)
	_, _ = sink.WriteLevel(zerolog.ErrorLevel, line)
	_, _ = sink.WriteLevel(zerolog.ErrorLevel, line)

	first := <-sink.queue
	if strings.Contains(first.text, "SECRET") || !strings.Contains(first.text, "bot"+redactedMark) {
		t.Fatalf("not redacted: %q", first.text)
	}
	if first.chatID != 9 {
		t.Fatalf("chat = %d", first.chatID)
	}
	if got := sink.dropped.Load(); got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}
	select {
	case it := <-sink.queue:
		t.Fatalf("rate limit bypassed: %q", it.text)
	default:
	}
}
