// Package schedule fires recurring campaigns from cron expressions.
//
// A trigger selects targets from the chat store, creates a campaign and,
// when the definition asks for it and the worker is at rest, starts the
// worker with the definition's message budget.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/wetnet-beep/rassilka-tg/internal/broadcast"
	"github.com/wetnet-beep/rassilka-tg/internal/campaign"
	"github.com/wetnet-beep/rassilka-tg/internal/chats"
	"github.com/wetnet-beep/rassilka-tg/internal/eventbus"
	logx "github.com/wetnet-beep/rassilka-tg/pkg/logx"
)

var (
	ErrUnknownSchedule = errors.New("unknown schedule")
	ErrNoChats         = errors.New("no chats in category")
)

// Definition is one recurring campaign.
type Definition struct {
	Name            string
	Spec            string
	Category        string
	Limit           int
	Message         string
	MessagesPerChat int
	InterDelay      time.Duration
	MaxMessages     int
	Autostart       bool
}

type Config struct {
	Timezone    string
	Definitions []Definition
}

type Selector interface {
	SelectForBroadcast(category chats.Category, limit int) []int64
}

type Creator interface {
	CreateCampaign(ctx context.Context, req campaign.Request) (string, error)
}

type Runner interface {
	State() broadcast.State
	Start(maxMessages int) error
}

type Deps struct {
	Chats     Selector
	Campaigns Creator
	Worker    Runner
	Bus       eventbus.Bus
}

// FiredEvent is the payload of eventbus.ScheduleFired.
type FiredEvent struct {
	Name       string
	CampaignID string
	Targets    int
	Started    bool
	Err        string
}

// Entry describes a registered schedule.
type Entry struct {
	Name string
	Spec string
	Next time.Time
	Prev time.Time
}

type Service struct {
	mu      sync.Mutex
	cfg     Config
	d       Deps
	log     logx.Logger
	parser  cron.Parser
	c       *cron.Cron
	loc     *time.Location
	ctx     context.Context
	entries map[string]cron.EntryID
}

// standard five fields, optional seconds, and @descriptors
var specParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSpec accepts a cron expression, a descriptor (@daily, @every 6h) or
// a bare Go duration ("6h"), which is treated as "@every 6h".
func ParseSpec(raw string) (cron.Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("schedule spec required")
	}
	if !strings.HasPrefix(s, "@") && !strings.ContainsAny(s, " \t") {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid schedule %q: %w", raw, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("invalid schedule %q: interval must be > 0", raw)
		}
		return cron.Every(d), nil
	}
	sched, err := specParser.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", raw, err)
	}
	return sched, nil
}

// everyInterval returns the interval of "@every X" and bare durations.
func everyInterval(raw string) (time.Duration, bool) {
	s := strings.TrimSpace(raw)
	s = strings.TrimSpace(strings.TrimPrefix(s, "@every"))
	if strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t") {
		return 0, false
	}
	d, err := time.ParseDuration(s)
	return d, err == nil && d > 0
}

// Validate checks every definition spec and the timezone.
func Validate(cfg Config) error {
	var errs []error
	if _, err := loadLocation(cfg.Timezone); err != nil {
		errs = append(errs, err)
	}
	for _, d := range cfg.Definitions {
		if _, err := ParseSpec(d.Spec); err != nil {
			errs = append(errs, fmt.Errorf("schedule %q: %w", d.Name, err))
		}
	}
	return errors.Join(errs...)
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", tz, err)
	}
	return loc, nil
}

func New(cfg Config, d Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop()
	}
	return &Service{
		cfg:     cfg,
		d:       d,
		log:     log,
		parser:  specParser,
		entries: map[string]cron.EntryID{},
	}
}

// Start begins triggering. Calling it twice is a no-op.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx = ctx
	s.startLocked()
}

func (s *Service) startLocked() {
	loc, err := loadLocation(s.cfg.Timezone)
	if err != nil {
		s.log.Warn("invalid timezone; using local", logx.Err(err))
		loc = time.Local
	}
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc), cron.WithChain(cron.Recover(cronLogger{s.log})))
	s.entries = map[string]cron.EntryID{}
	for _, def := range s.cfg.Definitions {
		if err := s.addLocked(def); err != nil {
			s.log.Warn("schedule skipped", logx.String("schedule", def.Name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", loc.String()), logx.Int("schedules", len(s.entries)))
}

func (s *Service) addLocked(def Definition) error {
	sched, err := ParseSpec(def.Spec)
	if err != nil {
		return err
	}
	if every, ok := everyInterval(def.Spec); ok {
		var jitter time.Duration
		sched, jitter = withStartupSpread(every, time.Now().In(s.loc), def.Name)
		s.log.Debug("interval schedule spread", logx.String("schedule", def.Name), logx.Duration("spread", jitter))
	}
	d := def
	s.entries[def.Name] = s.c.Schedule(sched, cron.FuncJob(func() {
		_, _ = s.fire(s.ctx, d)
	}))
	return nil
}

// Stop halts triggering and waits for a running trigger or ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

// Apply replaces the definitions and timezone; a running scheduler is
// rebuilt with the new set.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	if s.c == nil {
		return
	}
	<-s.c.Stop().Done()
	s.startLocked()
}

// Entries lists registered schedules with their next activation.
func (s *Service) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.cfg.Definitions))
	for _, def := range s.cfg.Definitions {
		e := Entry{Name: def.Name, Spec: def.Spec}
		if id, ok := s.entries[def.Name]; ok && s.c != nil {
			ce := s.c.Entry(id)
			e.Next, e.Prev = ce.Next, ce.Prev
		}
		out = append(out, e)
	}
	return out
}

// Fire runs the named definition now, outside its schedule.
func (s *Service) Fire(ctx context.Context, name string) (FiredEvent, error) {
	s.mu.Lock()
	var (
		def   Definition
		found bool
	)
	for _, d := range s.cfg.Definitions {
		if d.Name == name {
			def, found = d, true
			break
		}
	}
	s.mu.Unlock()
	if !found {
		return FiredEvent{}, fmt.Errorf("%w: %s", ErrUnknownSchedule, name)
	}
	return s.fire(ctx, def)
}

func (s *Service) fire(ctx context.Context, def Definition) (FiredEvent, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ev := FiredEvent{Name: def.Name}
	log := s.log.With(logx.String("schedule", def.Name))

	ids := s.d.Chats.SelectForBroadcast(chats.ParseCategory(def.Category), def.Limit)
	ev.Targets = len(ids)
	if len(ids) == 0 {
		err := fmt.Errorf("%w: %s", ErrNoChats, def.Category)
		ev.Err = err.Error()
		log.Warn("schedule fired without targets", logx.String("category", def.Category))
		s.d.Bus.Publish(eventbus.Event{Type: eventbus.ScheduleFired, Data: ev})
		return ev, err
	}

	req := campaign.Request{Name: def.Name, ChatIDs: ids, MessagesPerChat: def.MessagesPerChat}
	if req.MessagesPerChat == 0 {
		req.MessagesPerChat = 1
	}
	if msg := strings.TrimSpace(def.Message); msg != "" {
		req.Message = &msg
	}
	if def.InterDelay > 0 {
		d := def.InterDelay
		req.InterDelay = &d
	}
	id, err := s.d.Campaigns.CreateCampaign(ctx, req)
	if err != nil {
		ev.Err = err.Error()
		log.Warn("scheduled campaign not created", logx.Err(err))
		s.d.Bus.Publish(eventbus.Event{Type: eventbus.ScheduleFired, Data: ev})
		return ev, err
	}
	ev.CampaignID = id

	if def.Autostart && s.d.Worker != nil {
		if st := s.d.Worker.State(); st.AtRest() {
			if err := s.d.Worker.Start(def.MaxMessages); err != nil {
				log.Warn("autostart failed", logx.Err(err))
			} else {
				ev.Started = true
			}
		} else {
			log.Info("worker busy; campaign queued", logx.String("state", st.String()))
		}
	}
	log.Info("schedule fired",
		logx.String("campaign", id),
		logx.Int("targets", len(ids)),
		logx.Bool("started", ev.Started),
	)
	s.d.Bus.Publish(eventbus.Event{Type: eventbus.ScheduleFired, Data: ev})
	return ev, nil
}

// cronLogger adapts logx to cron.Logger for the Recover wrapper.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
