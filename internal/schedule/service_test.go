package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/wetnet-beep/rassilka-tg/internal/broadcast"
	"github.com/wetnet-beep/rassilka-tg/internal/campaign"
	"github.com/wetnet-beep/rassilka-tg/internal/chats"
	"github.com/wetnet-beep/rassilka-tg/internal/eventbus"
	logx "github.com/wetnet-beep/rassilka-tg/pkg/logx"
)

type fakeSelector map[chats.Category][]int64

func (f fakeSelector) SelectForBroadcast(c chats.Category, limit int) []int64 {
	ids := f[c]
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids
}

type fakeCreator struct {
	mu   sync.Mutex
	reqs []campaign.Request
	err  error
}

func (f *fakeCreator) CreateCampaign(_ context.Context, req campaign.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.reqs = append(f.reqs, req)
	return "CAMP-ABCDEF", nil
}

type fakeRunner struct {
	mu      sync.Mutex
	state   broadcast.State
	started []int
}

func (f *fakeRunner) State() broadcast.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeRunner) Start(max int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, max)
	f.state = broadcast.Running
	return nil
}

func newTestService(defs []Definition, runner *fakeRunner, creator *fakeCreator, bus eventbus.Bus) *Service {
	sel := fakeSelector{
		chats.CategoryGroups: {-1, -2, -3},
		chats.CategoryAll:    {-1, -2, -3, 10},
	}
	return New(Config{Definitions: defs}, Deps{Chats: sel, Campaigns: creator, Worker: runner, Bus: bus}, logx.Nop())
}

func TestParseSpec(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC)
	cases := []struct {
		spec string
		next time.Time
		bad  bool
	}{
		{spec: "0 9 * * *", next: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
		{spec: "30 0 9 * * *", next: time.Date(2026, 3, 2, 9, 0, 30, 0, time.UTC)},
		{spec: "@hourly", next: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
		{spec: "@every 6h", next: base.Add(6 * time.Hour)},
		{spec: "90m", next: base.Add(90 * time.Minute)},
		{spec: "", bad: true},
		{spec: "-5m", bad: true},
		{spec: "soon", bad: true},
		{spec: "61 * * * *", bad: true},
	}
	for _, tc := range cases {
		sched, err := ParseSpec(tc.spec)
		if tc.bad {
			if err == nil {
				t.Fatalf("%q: expected error", tc.spec)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: %v", tc.spec, err)
		}
		if got := sched.Next(base); !got.Equal(tc.next) {
			t.Fatalf("%q: next = %v, want %v", tc.spec, got, tc.next)
		}
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	if err := Validate(Config{Definitions: []Definition{{Name: "a", Spec: "@daily"}}}); err != nil {
		t.Fatalf("valid config: %v", err)
	}
	if err := Validate(Config{Definitions: []Definition{{Name: "a", Spec: "every day"}}}); err == nil {
		t.Fatal("bad spec accepted")
	}
	if err := Validate(Config{Timezone: "Nowhere/Land"}); err == nil {
		t.Fatal("bad timezone accepted")
	}
}

func TestFireCreatesCampaignAndAutostarts(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4, eventbus.ScheduleFired)
	defer unsub()

	runner := &fakeRunner{state: broadcast.Idle}
	creator := &fakeCreator{}
	s := newTestService([]Definition{{
		Name: "evening", Spec: "0 19 * * *", Category: "groups", Limit: 2,
		Message: "hello", InterDelay: time.Minute, MaxMessages: 7, Autostart: true,
	}}, runner, creator, bus)

	ev, err := s.Fire(context.Background(), "evening")
	if err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if !ev.Started || ev.Targets != 2 || ev.CampaignID != "CAMP-ABCDEF" {
		t.Fatalf("event = %+v", ev)
	}
	if len(runner.started) != 1 || runner.started[0] != 7 {
		t.Fatalf("worker starts = %v", runner.started)
	}
	req := creator.reqs[0]
	if req.Message == nil || *req.Message != "hello" || req.MessagesPerChat != 1 {
		t.Fatalf("request = %+v", req)
	}
	if req.InterDelay == nil || *req.InterDelay != time.Minute {
		t.Fatalf("inter delay = %v", req.InterDelay)
	}
	select {
	case e := <-events:
		if got := e.Data.(FiredEvent); got.Name != "evening" {
			t.Fatalf("published %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no schedule.fired event")
	}
}

func TestFireDoesNotStartBusyWorker(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{state: broadcast.Paused}
	creator := &fakeCreator{}
	s := newTestService([]Definition{{Name: "x", Spec: "@daily", Autostart: true}}, runner, creator, nil)

	ev, err := s.Fire(context.Background(), "x")
	if err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if ev.Started || len(runner.started) != 0 {
		t.Fatal("paused worker was restarted")
	}
	if len(creator.reqs) != 1 || creator.reqs[0].Message != nil || len(creator.reqs[0].ChatIDs) != 4 {
		t.Fatalf("campaign not queued for all chats: %+v", creator.reqs)
	}
}

func TestFireErrors(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{}
	creator := &fakeCreator{}
	s := newTestService([]Definition{{Name: "ch", Spec: "@daily", Category: "channels", Autostart: true}}, runner, creator, nil)

	if _, err := s.Fire(context.Background(), "missing"); !errors.Is(err, ErrUnknownSchedule) {
		t.Fatalf("unknown: %v", err)
	}
	if _, err := s.Fire(context.Background(), "ch"); !errors.Is(err, ErrNoChats) {
		t.Fatalf("no chats: %v", err)
	}
	if len(creator.reqs) != 0 || len(runner.started) != 0 {
		t.Fatal("empty selection created a campaign")
	}

	creator.err = campaign.ErrNoTargets
	s.Apply(Config{Definitions: []Definition{{Name: "g", Spec: "@daily", Category: "groups"}}})
	if _, err := s.Fire(context.Background(), "g"); !errors.Is(err, campaign.ErrNoTargets) {
		t.Fatalf("creator error not returned: %v", err)
	}
}

func TestStartRegistersEntries(t *testing.T) {
	t.Parallel()
	s := newTestService([]Definition{
		{Name: "daily", Spec: "@daily"},
		{Name: "broken", Spec: "not a spec"},
		{Name: "interval", Spec: "@every 2h"},
	}, &fakeRunner{}, &fakeCreator{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	entries := s.Entries()
	if len(entries) != 3 {
		t.Fatalf("entries = %d", len(entries))
	}
	next := map[string]time.Time{}
	for _, e := range entries {
		next[e.Name] = e.Next
	}
	if next["daily"].IsZero() {
		t.Fatal("daily not scheduled")
	}
	if !next["broken"].IsZero() {
		t.Fatal("broken spec was scheduled")
	}
	if until := time.Until(next["interval"]); until < 2*time.Hour-time.Minute || until > 2*time.Hour+maxStartupSpread {
		t.Fatalf("interval first run in %s", until)
	}
}

func TestStartupSpread(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sched, jitter := withStartupSpread(time.Hour, now, "a")
	if jitter < 0 || jitter >= maxStartupSpread {
		t.Fatalf("jitter = %s", jitter)
	}
	first := sched.Next(now)
	if !first.Equal(now.Add(time.Hour + jitter)) {
		t.Fatalf("first = %v", first)
	}
	if second := sched.Next(first); !second.Equal(first.Add(time.Hour)) {
		t.Fatalf("second = %v", second)
	}
}
