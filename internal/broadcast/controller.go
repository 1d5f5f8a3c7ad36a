// Package broadcast drains the campaign queues through a single worker
// goroutine under an Idle/Running/Paused/Stopped state machine.
//
// The worker is the sole consumer. Before every send it consults the rate
// limiter, blocks for the pacing delay, then calls the transport. Sends are
// serialized; there is never more than one in flight.
package broadcast

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/wetnet-beep/rassilka-tg/internal/campaign"
	"github.com/wetnet-beep/rassilka-tg/internal/eventbus"
	"github.com/wetnet-beep/rassilka-tg/internal/observability/metrics"
	"github.com/wetnet-beep/rassilka-tg/internal/queue"
	"github.com/wetnet-beep/rassilka-tg/internal/ratelimit"
	"github.com/wetnet-beep/rassilka-tg/internal/storage"
	logx "github.com/wetnet-beep/rassilka-tg/pkg/logx"
)

var (
	ErrAlreadyRunning = errors.New("broadcast already running")
	ErrNotRunning     = errors.New("broadcast not running")
	ErrNotPaused      = errors.New("broadcast not paused")
)

type State int32

const (
	Idle State = iota
	Running
	Paused
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// AtRest reports whether Start is allowed.
func (s State) AtRest() bool { return s == Idle || s == Stopped }

// Source is the queue side of the campaign engine.
type Source interface {
	NextReady(now time.Time) (queue.Item, bool)
	Reschedule(it queue.Item, after time.Duration) time.Time
	Requeue(it queue.Item)
	Wake() <-chan struct{}
	NextDue() (time.Time, bool)
	Sizes() (immediate, deferred int)
	Active() (campaign.Campaign, bool)
}

type Limiter interface {
	CanSend() (bool, string)
	NextDelay() time.Duration
	TypingDelay(n int) time.Duration
	RecordSent(chatID int64, text string)
}

type Sender interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// Marker is told about every confirmed send (the chat store).
type Marker interface {
	MarkSent(id int64)
}

// SendLog records send outcomes (the storage layer).
type SendLog interface {
	AppendSend(ctx context.Context, e storage.SendEntry) error
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type Config struct {
	IdlePoll        time.Duration
	StopTimeout     time.Duration
	RescheduleAfter time.Duration
	SendTimeout     time.Duration
	ProgressEvery   int
}

func (c Config) withDefaults() Config {
	if c.IdlePoll <= 0 {
		c.IdlePoll = 500 * time.Millisecond
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 5 * time.Second
	}
	if c.RescheduleAfter <= 0 {
		c.RescheduleAfter = campaign.DefaultRescheduleAfter
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.ProgressEvery <= 0 {
		c.ProgressEvery = 5
	}
	return c
}

// Deps are the collaborators of the worker. Marker, SendLog, Bus and
// Metrics are optional.
type Deps struct {
	Source  Source
	Limiter Limiter
	Sender  Sender
	Marker  Marker
	SendLog SendLog
	Bus     eventbus.Bus
	Metrics *metrics.Metrics
}

type Option func(*Controller)

// WithSleeper replaces the pacing sleep (tests skip real delays).
func WithSleeper(s Sleeper) Option { return func(c *Controller) { c.sleep = s } }

func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

// Status is a point-in-time read of the controller.
type Status struct {
	State       State
	Immediate   int
	Deferred    int
	MaxMessages int
	Campaign    string
	Stats       StatsSnapshot
}

// run is one Start..Stop lifetime. A run that outlives a timed-out Stop can
// no longer change controller state.
type run struct {
	max    int
	stats  *Stats
	cancel context.CancelFunc
	done   chan struct{}
	prev   <-chan struct{}

	finishOnce sync.Once
}

type Controller struct {
	log   logx.Logger
	d     Deps
	sleep Sleeper
	now   func() time.Time

	state  atomic.Int32
	resume chan struct{}

	mu     sync.Mutex
	cfg    Config
	cur    *run
	reason string
	last   *Stats
}

func New(cfg Config, d Deps, log logx.Logger, opts ...Option) *Controller {
	if log.IsZero() {
		log = logx.Nop()
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop()
	}
	c := &Controller{
		log:    log,
		d:      d,
		sleep:  sleepCtx,
		now:    time.Now,
		resume: make(chan struct{}, 1),
		cfg:    cfg.withDefaults(),
		last:   &Stats{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Apply swaps timing knobs (hot reload). A running worker picks them up on
// its next iteration.
func (c *Controller) Apply(cfg Config) {
	c.mu.Lock()
	c.cfg = cfg.withDefaults()
	c.mu.Unlock()
}

func (c *Controller) config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

func (c *Controller) State() State { return State(c.state.Load()) }

func (c *Controller) setState(s State) {
	c.state.Store(int32(s))
	c.d.Metrics.SetState(s.String())
}

// Start begins draining the queues. maxMessages <= 0 means unlimited; the
// budget counts successful sends only.
func (c *Controller) Start(maxMessages int) error {
	if maxMessages < 0 {
		maxMessages = 0
	}
	c.mu.Lock()
	if !c.State().AtRest() {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{max: maxMessages, stats: &Stats{}, cancel: cancel, done: make(chan struct{})}
	if c.cur != nil {
		r.prev = c.cur.done
	}
	r.stats.reset(c.now())
	c.cur = r
	c.last = r.stats
	c.reason = ""
	c.setState(Running)
	c.mu.Unlock()

	// drop a stale resume signal from an earlier run
	select {
	case <-c.resume:
	default:
	}

	c.log.Info("broadcast started", logx.Int("max_messages", maxMessages))
	c.d.Bus.Publish(eventbus.Event{Type: eventbus.BroadcastStarted, Data: maxMessages})
	go c.loop(ctx, r)
	return nil
}

// Stop requests termination, waits up to the stop timeout for the worker
// to reach a safe point, then marks the controller Stopped regardless.
func (c *Controller) Stop() error {
	c.mu.Lock()
	r := c.cur
	if r == nil || c.State().AtRest() {
		c.mu.Unlock()
		return nil
	}
	c.reason = "stopped by operator"
	timeout := c.cfg.StopTimeout
	c.mu.Unlock()

	r.cancel()
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-r.done:
	case <-t.C:
		c.log.Warn("worker did not stop in time; forcing stopped state", logx.Duration("timeout", timeout))
	}
	c.finish(r)
	return nil
}

func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.State() {
	case Paused:
		return nil
	case Running:
		c.setState(Paused)
		c.log.Info("broadcast paused")
		c.d.Bus.Publish(eventbus.Event{Type: eventbus.BroadcastPaused})
		return nil
	default:
		return ErrNotRunning
	}
}

func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.State() {
	case Running:
		return nil
	case Paused:
		c.setState(Running)
		select {
		case c.resume <- struct{}{}:
		default:
		}
		c.log.Info("broadcast resumed")
		c.d.Bus.Publish(eventbus.Event{Type: eventbus.BroadcastResumed})
		return nil
	default:
		return ErrNotPaused
	}
}

// GetStatus is a pure read.
func (c *Controller) GetStatus() Status {
	c.mu.Lock()
	st := c.last
	budget := 0
	if c.cur != nil {
		budget = c.cur.max
	}
	c.mu.Unlock()

	im, de := c.d.Source.Sizes()
	out := Status{
		State:       c.State(),
		Immediate:   im,
		Deferred:    de,
		MaxMessages: budget,
		Stats:       st.Snapshot(c.now()),
	}
	if camp, ok := c.d.Source.Active(); ok {
		out.Campaign = camp.ID
	}
	return out
}

// Wait blocks until the current run's worker goroutine exits or ctx is done.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	r := c.cur
	c.mu.Unlock()
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopEvent is published once per run.
type StopEvent struct {
	Reason string
	Stats  StatsSnapshot
}

// SendEvent is published for every dispatched item.
type SendEvent struct {
	ChatID     int64
	CampaignID string
	Err        string
}

// RateLimitEvent is published when an item is pushed back by the limiter.
type RateLimitEvent struct {
	ChatID  int64
	Reason  string
	RetryAt time.Time
}

// ProgressEvent is published every ProgressEvery successful sends.
type ProgressEvent struct {
	Sent        int
	MaxMessages int
	Remaining   int
}

func (c *Controller) finish(r *run) {
	r.finishOnce.Do(func() {
		now := c.now()
		r.stats.stop(now)
		c.mu.Lock()
		if c.cur == r {
			c.setState(Stopped)
		}
		reason := c.reason
		if reason == "" {
			reason = "stopped"
		}
		c.mu.Unlock()

		snap := r.stats.Snapshot(now)
		c.log.Info("broadcast stopped",
			logx.String("reason", reason),
			logx.Int("sent", snap.Sent),
			logx.Int("failed", snap.Failed),
			logx.Int("rate_limited", snap.RateLimited),
			logx.Duration("elapsed", snap.Elapsed),
			logx.Float64("per_hour", snap.Throughput),
		)
		c.d.Bus.Publish(eventbus.Event{Type: eventbus.BroadcastStopped, Data: StopEvent{Reason: reason, Stats: snap}})
	})
}

func (c *Controller) setReason(r *run, reason string) {
	c.mu.Lock()
	if c.cur == r && c.reason == "" {
		c.reason = reason
	}
	c.mu.Unlock()
}

func (c *Controller) loop(ctx context.Context, r *run) {
	defer close(r.done)
	defer c.finish(r)

	// a previous worker abandoned by a timed-out Stop may still be inside Send
	if r.prev != nil {
		select {
		case <-r.prev:
		case <-ctx.Done():
			return
		}
	}

	for {
		if ctx.Err() != nil {
			return
		}
		cfg := c.config()

		if c.State() == Paused {
			c.waitResume(ctx, cfg.IdlePoll)
			continue
		}
		if r.max > 0 && r.stats.sentCount() >= r.max {
			c.log.Info("message budget reached", logx.Int("max_messages", r.max))
			c.setReason(r, "budget reached")
			return
		}

		it, ok := c.d.Source.NextReady(c.now())
		if !ok {
			im, de := c.d.Source.Sizes()
			c.d.Metrics.SetQueue(im, de)
			if im+de == 0 {
				c.log.Info("queues drained")
				c.setReason(r, "queue drained")
				return
			}
			c.waitForWork(ctx, cfg.IdlePoll)
			continue
		}

		if allowed, why := c.d.Limiter.CanSend(); !allowed {
			at := c.d.Source.Reschedule(it, cfg.RescheduleAfter)
			r.stats.addRateLimited()
			c.d.Metrics.RateLimited()
			c.log.Warn("rate limit reached; item rescheduled",
				logx.String("reason", why),
				logx.Int64("chat_id", it.ChatID),
				logx.Time("retry_at", at),
			)
			c.d.Bus.Publish(eventbus.Event{Type: eventbus.BroadcastRateLimited, Data: RateLimitEvent{ChatID: it.ChatID, Reason: why, RetryAt: at}})
			continue
		}

		delay := c.d.Limiter.NextDelay() + c.d.Limiter.TypingDelay(utf8.RuneCountInString(it.Text))
		c.d.Metrics.ObservePacing(delay)
		c.log.Debug("pacing before send", logx.Int64("chat_id", it.ChatID), logx.Duration("delay", delay))
		if err := c.sleep(ctx, delay); err != nil {
			// stopped during the delay: the item was never dispatched
			c.d.Source.Requeue(it)
			return
		}

		c.dispatch(ctx, r, cfg, it)
	}
}

// dispatch sends one item. The send is not cancelled by Stop; only the
// send timeout bounds it.
func (c *Controller) dispatch(ctx context.Context, r *run, cfg Config, it queue.Item) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.SendTimeout)
	defer cancel()

	it.Attempts++
	start := time.Now()
	err := c.d.Sender.Send(sctx, it.ChatID, it.Text)
	c.d.Metrics.ObserveSend(err == nil, time.Since(start))

	entry := storage.SendEntry{At: c.now(), ChatID: it.ChatID, CampaignID: it.CampaignID, OK: err == nil}
	if err != nil {
		it.Status = queue.StatusFailed
		entry.Error = err.Error()
		r.stats.addFailed()
		c.log.Warn("send failed; item discarded",
			logx.Int64("chat_id", it.ChatID),
			logx.String("campaign", it.CampaignID),
			logx.Err(err),
		)
		c.d.Bus.Publish(eventbus.Event{Type: eventbus.BroadcastFailed, Data: SendEvent{ChatID: it.ChatID, CampaignID: it.CampaignID, Err: err.Error()}})
	} else {
		it.Status = queue.StatusSent
		sent := r.stats.addSent()
		if c.d.Marker != nil {
			c.d.Marker.MarkSent(it.ChatID)
		}
		c.d.Limiter.RecordSent(it.ChatID, it.Text)
		if snap, ok := c.d.Limiter.(interface{ Snapshot() ratelimit.Snapshot }); ok {
			s := snap.Snapshot()
			c.d.Metrics.SetLimiter(s.SentThisHour, s.SentToday)
		}
		c.log.Info("message sent",
			logx.Int64("chat_id", it.ChatID),
			logx.String("campaign", it.CampaignID),
			logx.Int("run_sent", sent),
		)
		c.d.Bus.Publish(eventbus.Event{Type: eventbus.BroadcastSent, Data: SendEvent{ChatID: it.ChatID, CampaignID: it.CampaignID}})
		if sent%cfg.ProgressEvery == 0 {
			c.progress(r, sent)
		}
	}

	if c.d.SendLog != nil {
		lctx, lcancel := context.WithTimeout(context.Background(), 2*time.Second)
		if lerr := c.d.SendLog.AppendSend(lctx, entry); lerr != nil {
			c.log.Warn("send log write failed", logx.Err(&storage.PersistenceError{Op: "append send", Err: lerr}))
		}
		lcancel()
	}

	im, de := c.d.Source.Sizes()
	c.d.Metrics.SetQueue(im, de)
}

func (c *Controller) progress(r *run, sent int) {
	im, de := c.d.Source.Sizes()
	snap := r.stats.Snapshot(c.now())
	c.log.Info("broadcast progress",
		logx.Int("sent", sent),
		logx.Int("max_messages", r.max),
		logx.Int("remaining", im+de),
		logx.Int("failed", snap.Failed),
		logx.Float64("per_hour", snap.Throughput),
	)
	c.d.Bus.Publish(eventbus.Event{Type: eventbus.BroadcastProgress, Data: ProgressEvent{Sent: sent, MaxMessages: r.max, Remaining: im + de}})
}

func (c *Controller) waitResume(ctx context.Context, poll time.Duration) {
	t := time.NewTimer(poll)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-c.resume:
	case <-t.C:
	}
}

// waitForWork blocks until an enqueue wakes the worker, the earliest
// deferred item is due, or the idle poll elapses.
func (c *Controller) waitForWork(ctx context.Context, poll time.Duration) {
	wait := poll
	if due, ok := c.d.Source.NextDue(); ok {
		if d := due.Sub(c.now()); d < wait {
			wait = max(d, time.Millisecond)
		}
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-c.d.Source.Wake():
	case <-t.C:
	}
}
