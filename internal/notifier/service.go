package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/wetnet-beep/rassilka-tg/internal/eventbus"
	"github.com/wetnet-beep/rassilka-tg/internal/runtime/supervisor"
	logx "github.com/wetnet-beep/rassilka-tg/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const historySize = 300

// Config controls the notification pipeline.
type Config struct {
	Enabled bool
	// ChatIDs receive every notification.
	ChatIDs       []int64
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	DedupWindow   time.Duration
	// Progress forwards periodic progress events as well.
	Progress bool
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	return c
}

// Sender delivers one text message.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string) error
}

type HistoryItem struct {
	At     time.Time
	ChatID int64
	Text   string
}

type job struct {
	chatID int64
	text   string
}

// Service is safe for concurrent use.
type Service struct {
	mu      sync.Mutex
	log     logx.Logger
	out     Sender
	bus     eventbus.Bus
	cfg     Config
	limiter *rate.Limiter

	queue chan job
	sup   *supervisor.Supervisor

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, out Sender, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{out: out, bus: bus, log: log, dedup: map[string]time.Time{}}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	cfg.ChatIDs = append([]int64(nil), cfg.ChatIDs...)
	s.cfg = cfg
	// burst = rate so a stop summary to several owners goes out at once
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start subscribes to the bus and starts delivery. It is idempotent; a
// disabled notifier still starts so a later Apply can enable it.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return
	}
	q := make(chan job, s.cfg.QueueSize)
	s.queue = q
	sup := supervisor.New(ctx,
		supervisor.WithLogger(s.log),
		supervisor.WithCancelOnError(false),
	)
	s.sup = sup
	s.mu.Unlock()

	events, unsub := s.bus.Subscribe(64, "broadcast.", "schedule.")
	sup.Go0("events", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				text, ok := Format(e, s.config().Progress)
				if !ok {
					continue
				}
				if err := s.Notify(c, text); err != nil && !errors.Is(err, ErrDisabled) {
					s.log.Debug("notification not queued", logx.String("type", e.Type), logx.Err(err))
				}
			}
		}
	})
	sup.GoRestart("sender", time.Second, 30*time.Second, func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case j := <-q:
				s.sendWithRetry(c, j)
			}
		}
	})
}

// Stop ends delivery. Queued notifications are dropped.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.queue = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
}

// Notify queues text for every configured chat.
func (s *Service) Notify(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	cfg := s.cfg
	q := s.queue
	s.mu.Unlock()
	if !cfg.Enabled || len(cfg.ChatIDs) == 0 {
		return ErrDisabled
	}
	if q == nil {
		return ErrStopped
	}
	for _, id := range cfg.ChatIDs {
		if cfg.DedupWindow > 0 && !s.dedupAllow(dedupKey(id, text), cfg.DedupWindow) {
			continue
		}
		select {
		case q <- job{chatID: id, text: text}:
		default:
			return ErrQueueFull
		}
	}
	return nil
}

// History returns recently delivered notifications, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(chatID int64, text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), ChatID: chatID, Text: text})
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
}

func (s *Service) sendWithRetry(ctx context.Context, j job) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := s.out.Send(callCtx, j.chatID, j.text)
		cancel()
		if err == nil {
			s.appendHistory(j.chatID, j.text)
			return
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	s.log.Warn("notification failed", logx.Int64("chat_id", j.chatID), logx.Int("attempts", attempts), logx.Err(lastErr))
}

func dedupKey(chatID int64, text string) string {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%d|", chatID)
	_, _ = h.Write([]byte(text))
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(key string, window time.Duration) bool {
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	s.dedup[key] = now.Add(window)
	return true
}

// retryDelay is the wait before attempt+1: base*2^(attempt-1), capped, with
// 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	return min(d, cfg.RetryMaxDelay)
}
