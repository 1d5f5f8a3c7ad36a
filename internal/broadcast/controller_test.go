package broadcast

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wetnet-beep/rassilka-tg/internal/campaign"
	"github.com/wetnet-beep/rassilka-tg/internal/eventbus"
	"github.com/wetnet-beep/rassilka-tg/internal/ratelimit"
	"github.com/wetnet-beep/rassilka-tg/internal/transport/dryrun"
	logx "github.com/wetnet-beep/rassilka-tg/pkg/logx"
)

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

type fixture struct {
	eng    *campaign.Engine
	lim    *ratelimit.Limiter
	sender *dryrun.Sender
	bus    eventbus.Bus
}

func newFixture(t *testing.T, hourly int, chatIDs []int64, perChat int) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		eng:    campaign.New(campaign.Config{}, nil, logx.Nop()),
		lim:    ratelimit.New(ratelimit.Config{HourlyLimit: hourly, DailyLimit: 1000}),
		sender: dryrun.New(logx.Nop()),
		bus:    eventbus.New(),
	}
	if err := f.sender.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if len(chatIDs) > 0 {
		msg := "hi"
		if _, err := f.eng.CreateCampaign(ctx, campaign.Request{ChatIDs: chatIDs, Message: &msg, MessagesPerChat: perChat}); err != nil {
			t.Fatalf("CreateCampaign: %v", err)
		}
	}
	return f
}

func (f *fixture) controller(cfg Config, opts ...Option) *Controller {
	if cfg.IdlePoll == 0 {
		cfg.IdlePoll = 10 * time.Millisecond
	}
	return New(cfg, Deps{Source: f.eng, Limiter: f.lim, Sender: f.sender, Bus: f.bus}, logx.Nop(), opts...)
}

func waitDone(t *testing.T, c *Controller) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Wait(ctx); err != nil {
		t.Fatalf("worker did not finish: %v", err)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartWithBudgetStopsAfterExactlyN(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 100, []int64{1, 2, 3}, 2)
	stopped, unsub := f.bus.Subscribe(4, eventbus.BroadcastStopped)
	defer unsub()
	c := f.controller(Config{}, WithSleeper(noSleep))

	if err := c.Start(3); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, c)

	if got := len(f.sender.Sent()); got != 3 {
		t.Fatalf("sent = %d, want 3", got)
	}
	st := c.GetStatus()
	if st.State != Stopped || st.Immediate != 3 || st.Deferred != 0 {
		t.Fatalf("status = %+v", st)
	}
	if st.Stats.Sent != 3 || st.Stats.Failed != 0 || st.MaxMessages != 3 {
		t.Fatalf("stats = %+v", st.Stats)
	}
	e := <-stopped
	if ev := e.Data.(StopEvent); ev.Reason != "budget reached" || ev.Stats.Sent != 3 {
		t.Fatalf("stop event = %+v", ev)
	}
	if s := f.lim.Snapshot(); s.SentThisHour != 3 {
		t.Fatalf("limiter counted %d sends", s.SentThisHour)
	}
}

func TestDrainsQueueThenStops(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 100, []int64{1, 2}, 1)
	c := f.controller(Config{}, WithSleeper(noSleep))
	if err := c.Start(0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, c)
	if c.State() != Stopped || len(f.sender.Sent()) != 2 {
		t.Fatalf("state = %v, sent = %d", c.State(), len(f.sender.Sent()))
	}

	// Stopped -> Running again resets run counters
	msg := "again"
	if _, err := f.eng.CreateCampaign(context.Background(), campaign.Request{ChatIDs: []int64{9}, Message: &msg, MessagesPerChat: 1}); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(0); err != nil {
		t.Fatalf("restart: %v", err)
	}
	waitDone(t, c)
	if st := c.GetStatus(); st.Stats.Sent != 1 || st.State != Stopped {
		t.Fatalf("second run status = %+v", st)
	}
}

func TestSendFailureIsDiscarded(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 100, []int64{1, 2, 3}, 1)
	f.sender.FailFor = map[int64]error{2: errors.New("user blocked the bot")}
	marked := &markRecorder{}
	c := New(Config{IdlePoll: 10 * time.Millisecond},
		Deps{Source: f.eng, Limiter: f.lim, Sender: f.sender, Marker: marked},
		logx.Nop(), WithSleeper(noSleep))

	if err := c.Start(0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, c)

	st := c.GetStatus()
	if st.Stats.Sent != 2 || st.Stats.Failed != 1 {
		t.Fatalf("stats = %+v", st.Stats)
	}
	if st.Immediate+st.Deferred != 0 {
		t.Fatalf("failed item reappeared: %+v", st)
	}
	if marked.n.Load() != 2 {
		t.Fatalf("MarkSent calls = %d, want 2", marked.n.Load())
	}
}

type markRecorder struct{ n atomic.Int32 }

func (m *markRecorder) MarkSent(int64) { m.n.Add(1) }

func TestRateLimitedItemIsRescheduled(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 2, []int64{1, 2, 3}, 1)
	c := f.controller(Config{}, WithSleeper(noSleep))
	if err := c.Start(0); err != nil {
		t.Fatalf("Start: %v", err)
	}

	eventually(t, "reschedule", func() bool { return c.GetStatus().Stats.RateLimited >= 1 })
	st := c.GetStatus()
	if st.State != Running || st.Deferred != 1 || st.Stats.Sent != 2 || st.Stats.Failed != 0 {
		t.Fatalf("status = %+v", st)
	}
	due, ok := f.eng.NextDue()
	if !ok || time.Until(due) < 4*time.Minute {
		t.Fatalf("rescheduled due = %v", due)
	}

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if c.State() != Stopped || f.eng.Pending() != 1 {
		t.Fatalf("after stop: state %v pending %d", c.State(), f.eng.Pending())
	}
}

func TestPauseHaltsDequeues(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 100, []int64{1, 2, 3, 4}, 1)
	gate := make(chan struct{})
	var calls atomic.Int32
	sleeper := func(ctx context.Context, d time.Duration) error {
		calls.Add(1)
		select {
		case <-gate:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c := f.controller(Config{}, WithSleeper(sleeper))
	if err := c.Start(0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	eventually(t, "first pacing delay", func() bool { return calls.Load() == 1 })

	if err := c.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	gate <- struct{}{}
	eventually(t, "first send", func() bool { return len(f.sender.Sent()) == 1 })

	time.Sleep(100 * time.Millisecond)
	st := c.GetStatus()
	if st.State != Paused || st.Immediate != 3 || calls.Load() != 1 {
		t.Fatalf("paused status = %+v, pacing calls = %d", st, calls.Load())
	}

	if err := c.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	close(gate)
	waitDone(t, c)
	if got := len(f.sender.Sent()); got != 4 {
		t.Fatalf("sent = %d, want 4", got)
	}
}

func TestStopDuringPacingRequeuesItem(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 100, []int64{1, 2}, 1)
	var calls atomic.Int32
	sleeper := func(ctx context.Context, d time.Duration) error {
		calls.Add(1)
		<-ctx.Done()
		return ctx.Err()
	}
	c := f.controller(Config{}, WithSleeper(sleeper))
	if err := c.Start(0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	eventually(t, "pacing delay", func() bool { return calls.Load() == 1 })

	if err := c.Start(0); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start = %v, want ErrAlreadyRunning", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if c.State() != Stopped || f.eng.Pending() != 2 || len(f.sender.Sent()) != 0 {
		t.Fatalf("state %v pending %d sent %d", c.State(), f.eng.Pending(), len(f.sender.Sent()))
	}
	first, _ := f.eng.NextReady(time.Now())
	if first.ChatID != 1 {
		t.Fatalf("requeued item not at head: %+v", first)
	}
}

type blockingSender struct {
	release chan struct{}
	sends   atomic.Int32
}

func (b *blockingSender) Send(ctx context.Context, chatID int64, text string) error {
	b.sends.Add(1)
	<-b.release
	return nil
}

func TestStopTimeoutForcesStopped(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 100, []int64{1, 2, 3}, 1)
	snd := &blockingSender{release: make(chan struct{})}
	c := New(Config{IdlePoll: 10 * time.Millisecond, StopTimeout: 50 * time.Millisecond},
		Deps{Source: f.eng, Limiter: f.lim, Sender: snd}, logx.Nop(), WithSleeper(noSleep))

	if err := c.Start(0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	eventually(t, "send in flight", func() bool { return snd.sends.Load() == 1 })

	start := time.Now()
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if took := time.Since(start); took > 2*time.Second {
		t.Fatalf("Stop took %v", took)
	}
	if c.State() != Stopped {
		t.Fatalf("state = %v, want stopped", c.State())
	}

	// a new run waits for the abandoned send before consuming
	if err := c.Start(1); err != nil {
		t.Fatalf("restart: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if snd.sends.Load() != 1 {
		t.Fatalf("second worker sent concurrently: %d", snd.sends.Load())
	}
	close(snd.release)
	waitDone(t, c)
	if st := c.GetStatus(); st.State != Stopped || st.Stats.Sent != 1 {
		t.Fatalf("status = %+v", st)
	}
}

func TestPauseResumeWhenNotRunning(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 100, nil, 1)
	c := f.controller(Config{})
	if err := c.Pause(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Pause() = %v", err)
	}
	if err := c.Resume(); !errors.Is(err, ErrNotPaused) {
		t.Fatalf("Resume() = %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop() on idle = %v", err)
	}
	if c.State() != Idle {
		t.Fatalf("state = %v, want idle", c.State())
	}
}

func TestStatsThroughput(t *testing.T) {
	t.Parallel()
	var s Stats
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	s.reset(start)
	for i := 0; i < 15; i++ {
		s.addSent()
	}
	snap := s.Snapshot(start.Add(30 * time.Minute))
	if snap.Throughput != 30 || snap.Elapsed != 30*time.Minute {
		t.Fatalf("snapshot = %+v", snap)
	}
	s.stop(start.Add(time.Hour))
	if got := s.Snapshot(start.Add(5 * time.Hour)); got.Elapsed != time.Hour {
		t.Fatalf("elapsed after stop = %v", got.Elapsed)
	}
}
