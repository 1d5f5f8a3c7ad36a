package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// TextSender delivers a plain text message to a chat.
// transport.Sender satisfies it.
type TextSender interface {
	Send(ctx context.Context, chatID int64, text string) error
}

const (
	telegramMaxLen   = 3500
	telegramValueLen = 600
	telegramQueue    = 256
	redactedMark     = "[redacted]"
)

type telegramItem struct {
	chatID int64
	text   string
}

// telegramSink is a zerolog.LevelWriter that forwards entries at or above
// minLevel to one chat. It never blocks the caller: entries over the rate
// or beyond the queue are counted and reported with the next message.
type telegramSink struct {
	mu       sync.Mutex
	sender   TextSender
	chatID   int64
	minLevel zerolog.Level
	limiter  *rate.Limiter
	secrets  []string

	queue   chan telegramItem
	dropped atomic.Int64

	once   sync.Once
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newTelegramSink(sender TextSender) *telegramSink {
	return &telegramSink{
		sender:   sender,
		minLevel: zerolog.WarnLevel,
		limiter:  rateFor(1),
		queue:    make(chan telegramItem, telegramQueue),
	}
}

func (t *telegramSink) setSender(s TextSender) {
	t.mu.Lock()
	t.sender = s
	t.mu.Unlock()
}

func (t *telegramSink) setSecrets(secrets []string) {
	var keep []string
	for _, s := range secrets {
		if s = strings.TrimSpace(s); s != "" {
			keep = append(keep, s)
		}
	}
	t.mu.Lock()
	t.secrets = keep
	t.mu.Unlock()
}

func (t *telegramSink) configure(cfg TelegramConfig) {
	t.mu.Lock()
	t.chatID = cfg.ChatID
	t.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	t.limiter = rateFor(cfg.RatePerSec)
	t.mu.Unlock()
}

func (t *telegramSink) start() {
	t.once.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		t.mu.Lock()
		t.cancel = cancel
		t.mu.Unlock()
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.run(ctx)
		}()
	})
}

func (t *telegramSink) stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
		t.wg.Wait()
	}
}

func (t *telegramSink) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-t.queue:
			t.mu.Lock()
			sender := t.sender
			t.mu.Unlock()
			if sender == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			_ = sender.Send(sctx, it.chatID, it.text)
			cancel()
		}
	}
}

func (t *telegramSink) Write(p []byte) (int, error) {
	return t.WriteLevel(zerolog.InfoLevel, p)
}

func (t *telegramSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	t.mu.Lock()
	chatID, lim, minLevel, secrets := t.chatID, t.limiter, t.minLevel, t.secrets
	t.mu.Unlock()

	if chatID == 0 || level < minLevel {
		return len(p), nil
	}
	if !lim.Allow() {
		t.dropped.Add(1)
		return len(p), nil
	}
	text := redact(formatTelegramJSON(p), secrets)
	if text == "" {
		return len(p), nil
	}
	if n := t.dropped.Swap(0); n > 0 {
		text = truncate(fmt.Sprintf("%s\n(+%d suppressed)", text, n), telegramMaxLen)
	}
	select {
	case t.queue <- telegramItem{chatID: chatID, text: text}:
	default:
		t.dropped.Add(1)
	}
	return len(p), nil
}

// formatTelegramJSON turns one JSON log line into "[LEVEL] message" followed
// by "- key=value" lines in key order. Non-JSON input is passed through.
func formatTelegramJSON(p []byte) string {
	raw := strings.TrimSpace(string(p))
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return truncate(raw, telegramMaxLen)
	}

	var b strings.Builder
	if lvl, _ := m["level"].(string); lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	msg, _ := m["message"].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message":
		default:
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s=%s", k, truncate(fmt.Sprint(m[k]), telegramValueLen))
	}
	return truncate(b.String(), telegramMaxLen)
}

func redact(s string, secrets []string) string {
	for _, sec := range secrets {
		s = strings.ReplaceAll(s, sec, redactedMark)
	}
	return s
}

func truncate(s string, n int) string {
	switch {
	case n <= 0 || len(s) <= n:
		return s
	case n < 10:
		return s[:n]
	default:
		return s[:n-3] + "..."
	}
}
