// Package ratelimit enforces the account's hourly/daily send budget and
// produces human-like pacing delays.
//
// Counters roll over lazily: every call compares the wall clock with the
// stored hour/day window and resets the counter that crossed a boundary.
package ratelimit

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Config holds the limiter knobs. Zero values take the defaults below.
type Config struct {
	HourlyLimit int
	DailyLimit  int

	MinDelay time.Duration
	MaxDelay time.Duration
	Jitter   time.Duration

	// TypingCPS is characters per second of simulated typing.
	TypingCPS float64
	ThinkMin  time.Duration
	ThinkMax  time.Duration

	HistorySize int

	// Patterns are rotating sequences of base delays. Empty uses DefaultPatterns.
	Patterns [][]time.Duration
}

const (
	DefaultHourlyLimit = 30
	DefaultDailyLimit  = 200
	DefaultMinDelay    = 2500 * time.Millisecond
	DefaultMaxDelay    = 8 * time.Second
	DefaultJitter      = 300 * time.Millisecond
	DefaultTypingCPS   = 200.0 / 60.0
	DefaultThinkMin    = 300 * time.Millisecond
	DefaultThinkMax    = 1500 * time.Millisecond
	DefaultHistorySize = 1000

	previewLen = 100
)

func ms(v ...int) []time.Duration {
	out := make([]time.Duration, len(v))
	for i, x := range v {
		out[i] = time.Duration(x) * time.Millisecond
	}
	return out
}

// DefaultPatterns are the base delay sequences cycled by NextDelay.
var DefaultPatterns = [][]time.Duration{
	ms(3200, 4500, 2800, 3700, 4200),
	ms(3500, 4000, 3000, 5000, 3800),
	ms(2800, 3500, 4200, 3000, 4500),
	ms(4000, 3200, 4800, 3500, 4000),
}

func (c Config) withDefaults() Config {
	if c.HourlyLimit <= 0 {
		c.HourlyLimit = DefaultHourlyLimit
	}
	if c.DailyLimit <= 0 {
		c.DailyLimit = DefaultDailyLimit
	}
	if c.MinDelay <= 0 {
		c.MinDelay = DefaultMinDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxDelay < c.MinDelay {
		c.MaxDelay = c.MinDelay
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	} else if c.Jitter == 0 {
		c.Jitter = DefaultJitter
	}
	if c.TypingCPS <= 0 {
		c.TypingCPS = DefaultTypingCPS
	}
	if c.ThinkMin <= 0 {
		c.ThinkMin = DefaultThinkMin
	}
	if c.ThinkMax < c.ThinkMin {
		c.ThinkMax = c.ThinkMin
	}
	if c.ThinkMax == 0 {
		c.ThinkMax = DefaultThinkMax
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	patterns := make([][]time.Duration, 0, len(c.Patterns))
	for _, p := range c.Patterns {
		if len(p) > 0 {
			patterns = append(patterns, p)
		}
	}
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	c.Patterns = patterns
	return c
}

// SendRecord is one entry of the bounded send history.
type SendRecord struct {
	At      time.Time
	ChatID  int64
	Preview string
}

// Snapshot is a point-in-time view for status output.
type Snapshot struct {
	SentThisHour int
	SentToday    int
	HourlyLimit  int
	DailyLimit   int
	HourStart    time.Time
	DayStart     time.Time
	Load         string // low | medium | high
	HistoryLen   int
}

type Option func(*Limiter)

// WithClock overrides the wall clock (tests use it to cross hour boundaries).
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithRand overrides the random source used for jitter and think time.
func WithRand(r *rand.Rand) Option {
	return func(l *Limiter) { l.rng = r }
}

// Limiter is safe for concurrent use.
type Limiter struct {
	mu  sync.Mutex
	cfg Config
	now func() time.Time
	rng *rand.Rand

	sentHour  int
	sentDay   int
	hourStart time.Time
	dayStart  time.Time

	pattern int
	step    int

	history []SendRecord
}

func New(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{cfg: cfg.withDefaults(), now: time.Now}
	for _, o := range opts {
		o(l)
	}
	if l.rng == nil {
		l.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	t := l.now()
	l.hourStart = hourOf(t)
	l.dayStart = dayOf(t)
	return l
}

// Apply swaps the limiter config (hot reload). Counters and the pattern
// cursor are kept; the cursor is wrapped if the pattern table shrank.
func (l *Limiter) Apply(cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg = cfg.withDefaults()
	if l.pattern >= len(l.cfg.Patterns) {
		l.pattern, l.step = 0, 0
	}
	if l.step >= len(l.cfg.Patterns[l.pattern]) {
		l.step = 0
	}
	if n := len(l.history); n > l.cfg.HistorySize {
		l.history = append([]SendRecord(nil), l.history[n-l.cfg.HistorySize:]...)
	}
}

func hourOf(t time.Time) time.Time { return t.Truncate(time.Hour) }

func dayOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// rolloverLocked resets counters whose window the clock has left.
func (l *Limiter) rolloverLocked(now time.Time) {
	if h := hourOf(now); !h.Equal(l.hourStart) {
		l.sentHour = 0
		l.hourStart = h
	}
	if d := dayOf(now); !d.Equal(l.dayStart) {
		l.sentDay = 0
		l.dayStart = d
	}
}

// CanSend reports whether a send may proceed now. A denial is an expected
// condition, never an error; the reason is operator-facing text.
func (l *Limiter) CanSend() (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.rolloverLocked(now)

	if l.sentHour >= l.cfg.HourlyLimit {
		wait := l.hourStart.Add(time.Hour).Sub(now)
		return false, fmt.Sprintf("hourly limit reached (%d); next window in %d min", l.cfg.HourlyLimit, int(wait/time.Minute))
	}
	if l.sentDay >= l.cfg.DailyLimit {
		return false, fmt.Sprintf("daily limit reached (%d)", l.cfg.DailyLimit)
	}
	return true, "ok"
}

// NextDelay returns the next pacing delay and advances the pattern cursor.
func (l *Limiter) NextDelay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked(l.now())

	p := l.cfg.Patterns[l.pattern]
	d := float64(p[l.step])
	if j := float64(l.cfg.Jitter); j > 0 {
		d += (l.rng.Float64()*2 - 1) * j
	}

	load := float64(l.sentHour)
	limit := float64(l.cfg.HourlyLimit)
	switch {
	case load > limit*0.9:
		d *= 2.0
	case load > limit*0.7:
		d *= 1.5
	}
	d = float64(time.Duration(d).Round(10 * time.Millisecond))
	d = math.Max(float64(l.cfg.MinDelay), math.Min(d, float64(l.cfg.MaxDelay)))

	l.step++
	if l.step >= len(p) {
		l.step = 0
		l.pattern = (l.pattern + 1) % len(l.cfg.Patterns)
	}
	return time.Duration(d)
}

// TypingDelay models a human typing n characters plus a short think pause.
// It is additive and never clamped.
func (l *Limiter) TypingDelay(n int) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n < 0 {
		n = 0
	}
	typing := float64(n) / l.cfg.TypingCPS * float64(time.Second)
	think := float64(l.cfg.ThinkMin) + l.rng.Float64()*float64(l.cfg.ThinkMax-l.cfg.ThinkMin)
	return time.Duration(typing + think).Round(10 * time.Millisecond)
}

// RecordSent accounts one confirmed send. Call it only after the transport
// reported success.
func (l *Limiter) RecordSent(chatID int64, text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.rolloverLocked(now)

	rs := []rune(text)
	if len(rs) > previewLen {
		rs = rs[:previewLen]
	}
	l.history = append(l.history, SendRecord{At: now, ChatID: chatID, Preview: string(rs)})
	if n := len(l.history); n > l.cfg.HistorySize {
		// shift in place; history stays bounded
		copy(l.history, l.history[n-l.cfg.HistorySize:])
		l.history = l.history[:l.cfg.HistorySize]
	}
	l.sentHour++
	l.sentDay++
}

// Restore seeds the counters of the current windows, e.g. from the
// persisted send log after a restart. It never lowers existing counts.
func (l *Limiter) Restore(sentThisHour, sentToday int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked(l.now())
	l.sentHour = max(l.sentHour, sentThisHour)
	l.sentDay = max(l.sentDay, sentToday, l.sentHour)
}

// Windows returns the start of the current hour and day windows.
func (l *Limiter) Windows() (hourStart, dayStart time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked(l.now())
	return l.hourStart, l.dayStart
}

func (l *Limiter) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked(l.now())

	load := "low"
	switch ratio := float64(l.sentHour) / float64(l.cfg.HourlyLimit); {
	case ratio > 0.8:
		load = "high"
	case ratio > 0.5:
		load = "medium"
	}
	return Snapshot{
		SentThisHour: l.sentHour,
		SentToday:    l.sentDay,
		HourlyLimit:  l.cfg.HourlyLimit,
		DailyLimit:   l.cfg.DailyLimit,
		HourStart:    l.hourStart,
		DayStart:     l.dayStart,
		Load:         load,
		HistoryLen:   len(l.history),
	}
}

// History returns up to n most recent sends, oldest first.
func (l *Limiter) History(n int) []SendRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.history) {
		n = len(l.history)
	}
	return append([]SendRecord(nil), l.history[len(l.history)-n:]...)
}
