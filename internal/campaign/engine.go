// Package campaign turns broadcast requests into queue items and hands them
// to the worker one at a time.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wetnet-beep/rassilka-tg/internal/chats"
	"github.com/wetnet-beep/rassilka-tg/internal/eventbus"
	"github.com/wetnet-beep/rassilka-tg/internal/queue"
	logx "github.com/wetnet-beep/rassilka-tg/pkg/logx"
)

var (
	ErrNoTargets              = errors.New("campaign has no target chats")
	ErrInvalidMessagesPerChat = errors.New("messages per chat must be between 1 and 5")
)

const (
	MinMessagesPerChat = 1
	MaxMessagesPerChat = 5

	DefaultRescheduleAfter = 5 * time.Minute
)

var DefaultTemplates = []string{
	"Привет, {name}! 🚀 У нас есть важная информация для тебя!",
	"Внимание, {name}! ⭐ Специальное предложение только для тебя!",
	"{name}, не пропусти новые возможности! 💫",
	"Дорогой {name}, у нас кое-что интересное! 🔥",
	"Приветствуем, {name}! 🎉 Загляни к нам, будет интересно!",
}

var DefaultSuffixes = []string{"✨", "🎯", "🚀", "💥", "⭐", "🔥", "💎", "🎁"}

type Config struct {
	Templates       []string
	Suffixes        []string
	Priority        int
	RescheduleAfter time.Duration
}

func (c Config) withDefaults() Config {
	if len(c.Templates) == 0 {
		c.Templates = DefaultTemplates
	}
	if len(c.Suffixes) == 0 {
		c.Suffixes = DefaultSuffixes
	}
	if c.Priority <= 0 {
		c.Priority = queue.DefaultPriority
	}
	if c.RescheduleAfter <= 0 {
		c.RescheduleAfter = DefaultRescheduleAfter
	}
	return c
}

// Directory resolves chat display names for personalization.
type Directory interface {
	Get(id int64) (chats.Record, bool)
}

// Request describes one broadcast. A nil Message means personalized text;
// a nil InterDelay routes every item to the immediate queue.
type Request struct {
	Name            string
	ChatIDs         []int64
	Message         *string
	MessagesPerChat int
	InterDelay      *time.Duration
}

// Campaign is immutable once created.
type Campaign struct {
	ID              string
	Name            string
	CreatedAt       time.Time
	TotalItems      int
	Chats           int
	MessagesPerChat int
	InterDelay      time.Duration
	Personalized    bool
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func WithRand(r *rand.Rand) Option { return func(e *Engine) { e.rng = r } }

func WithBus(b eventbus.Bus) Option { return func(e *Engine) { e.bus = b } }

// Engine owns the immediate and deferred queues. It is safe for concurrent
// producers and one consumer.
type Engine struct {
	log logx.Logger
	dir Directory
	bus eventbus.Bus
	now func() time.Time
	q   *queue.Queue

	wake chan struct{}

	mu        sync.Mutex
	cfg       Config
	rng       *rand.Rand
	tmplNext  int
	campaigns map[string]Campaign
	order     []string
	active    string
}

func New(cfg Config, dir Directory, log logx.Logger, opts ...Option) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{
		log:       log,
		dir:       dir,
		bus:       eventbus.Nop(),
		now:       time.Now,
		q:         queue.New(),
		wake:      make(chan struct{}, 1),
		cfg:       cfg.withDefaults(),
		campaigns: map[string]Campaign{},
	}
	for _, o := range opts {
		o(e)
	}
	if e.rng == nil {
		e.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return e
}

// Apply swaps templates, suffixes and reschedule delay (hot reload).
func (e *Engine) Apply(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg.withDefaults()
	e.tmplNext %= len(e.cfg.Templates)
	e.mu.Unlock()
}

func newID() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "CAMP-" + strings.ToUpper(hex[:6])
}

// CreateCampaign materializes req into queue items. It does not start
// sending.
func (e *Engine) CreateCampaign(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(req.ChatIDs) == 0 {
		return "", ErrNoTargets
	}
	per := req.MessagesPerChat
	if per < MinMessagesPerChat || per > MaxMessagesPerChat {
		return "", fmt.Errorf("%w (got %d)", ErrInvalidMessagesPerChat, per)
	}
	var text string
	if req.Message != nil {
		text = strings.TrimSpace(*req.Message)
	}
	personalized := text == ""

	now := e.now()
	e.mu.Lock()
	id := newID()
	for _, taken := e.campaigns[id]; taken; _, taken = e.campaigns[id] {
		id = newID()
	}
	priority := e.cfg.Priority

	items := make([]queue.Item, 0, len(req.ChatIDs)*per)
	for _, chatID := range req.ChatIDs {
		for j := 0; j < per; j++ {
			msg := text
			if personalized {
				msg = e.personalizeLocked(chatID)
			}
			items = append(items, queue.Item{
				ChatID:      chatID,
				Text:        msg,
				Priority:    priority,
				ScheduledAt: now,
				EnqueuedAt:  now,
				CampaignID:  id,
			})
		}
	}

	c := Campaign{
		ID:              id,
		Name:            req.Name,
		CreatedAt:       now,
		TotalItems:      len(items),
		Chats:           len(req.ChatIDs),
		MessagesPerChat: per,
		Personalized:    personalized,
	}
	if req.InterDelay != nil {
		c.InterDelay = *req.InterDelay
	}
	e.campaigns[id] = c
	e.order = append(e.order, id)
	e.active = id
	e.mu.Unlock()

	for k, it := range items {
		if req.InterDelay != nil {
			it.ScheduledAt = now.Add(*req.InterDelay * time.Duration(k))
			e.q.PushDeferred(it)
			continue
		}
		e.q.PushImmediate(it)
	}
	e.signal()

	e.log.Info("campaign created",
		logx.String("campaign", id),
		logx.Int("chats", c.Chats),
		logx.Int("per_chat", per),
		logx.Int("items", c.TotalItems),
		logx.Bool("personalized", personalized),
		logx.Duration("inter_delay", c.InterDelay),
	)
	e.bus.Publish(eventbus.Event{Type: eventbus.CampaignCreated, Data: c})
	return id, nil
}

func (e *Engine) personalizeLocked(chatID int64) string {
	name := fmt.Sprintf("Chat %d", chatID)
	if e.dir != nil {
		if rec, ok := e.dir.Get(chatID); ok {
			name = rec.DisplayName()
		}
	}
	tmpl := e.cfg.Templates[e.tmplNext%len(e.cfg.Templates)]
	e.tmplNext = (e.tmplNext + 1) % len(e.cfg.Templates)
	suffix := e.cfg.Suffixes[e.rng.Intn(len(e.cfg.Suffixes))]
	return strings.ReplaceAll(tmpl, "{name}", name) + " " + suffix
}

// NextReady returns the deferred top when due, else the immediate head.
// ok=false means both are empty or nothing is due yet; it is not an error.
func (e *Engine) NextReady(now time.Time) (queue.Item, bool) {
	it, ok := e.q.Pop(now)
	if ok {
		it.Status = queue.StatusSending
	}
	return it, ok
}

// Reschedule puts item back into the deferred queue at now+after with the
// same priority and attempt count. after <= 0 uses the configured delay.
func (e *Engine) Reschedule(it queue.Item, after time.Duration) time.Time {
	if after <= 0 {
		e.mu.Lock()
		after = e.cfg.RescheduleAfter
		e.mu.Unlock()
	}
	it.ScheduledAt = e.now().Add(after)
	e.q.PushDeferred(it)
	e.signal()
	return it.ScheduledAt
}

// Requeue returns an item that was pulled but never dispatched. Deferred
// items keep their time; immediate items go back to the head of the FIFO.
func (e *Engine) Requeue(it queue.Item) {
	if it.ScheduledAt.After(it.EnqueuedAt) {
		e.q.PushDeferred(it)
	} else {
		e.q.PushFront(it)
	}
	e.signal()
}

func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Wake fires after items are enqueued or rescheduled.
func (e *Engine) Wake() <-chan struct{} { return e.wake }

// NextDue is the scheduled time of the earliest deferred item.
func (e *Engine) NextDue() (time.Time, bool) { return e.q.NextDue() }

func (e *Engine) Sizes() (immediate, deferred int) { return e.q.Sizes() }

func (e *Engine) Pending() int { return e.q.Len() }

func (e *Engine) Campaign(id string) (Campaign, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.campaigns[id]
	return c, ok
}

// Active returns the most recently created campaign.
func (e *Engine) Active() (Campaign, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == "" {
		return Campaign{}, false
	}
	return e.campaigns[e.active], true
}

// Campaigns lists campaigns newest first, up to limit (<= 0 means all).
func (e *Engine) Campaigns(limit int) []Campaign {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Campaign, 0, len(e.order))
	for i := len(e.order) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, e.campaigns[e.order[i]])
	}
	return out
}

// Clear drops all pending items. Campaign records are kept.
func (e *Engine) Clear() int {
	n := e.q.Clear()
	e.log.Warn("queues cleared", logx.Int("items", n))
	e.bus.Publish(eventbus.Event{Type: eventbus.CampaignsCleared, Data: n})
	return n
}
