// Package app wires the broadcaster together: config, logging, storage,
// transport, the campaign engine, the worker, schedules and the operator
// command router.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/wetnet-beep/rassilka-tg/internal/broadcast"
	"github.com/wetnet-beep/rassilka-tg/internal/campaign"
	"github.com/wetnet-beep/rassilka-tg/internal/chats"
	"github.com/wetnet-beep/rassilka-tg/internal/config"
	"github.com/wetnet-beep/rassilka-tg/internal/control"
	"github.com/wetnet-beep/rassilka-tg/internal/eventbus"
	"github.com/wetnet-beep/rassilka-tg/internal/notifier"
	"github.com/wetnet-beep/rassilka-tg/internal/observability/metrics"
	"github.com/wetnet-beep/rassilka-tg/internal/ratelimit"
	"github.com/wetnet-beep/rassilka-tg/internal/runtime/supervisor"
	"github.com/wetnet-beep/rassilka-tg/internal/schedule"
	"github.com/wetnet-beep/rassilka-tg/internal/storage"
	kit "github.com/wetnet-beep/rassilka-tg/internal/transport"
	"github.com/wetnet-beep/rassilka-tg/internal/transport/dryrun"
	"github.com/wetnet-beep/rassilka-tg/internal/transport/telegram"
	logx "github.com/wetnet-beep/rassilka-tg/pkg/logx"
)

const samplerInterval = 15 * time.Second

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	// current is the config last applied; only the reload loop touches it
	// after Start.
	current *config.Config

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	sender kit.Sender

	chats   *chats.Store
	engine  *campaign.Engine
	limiter *ratelimit.Limiter
	worker  *broadcast.Controller
	sched   *schedule.Service

	metrics    *metrics.Metrics
	metricsSrv *metrics.Server

	notif *notifier.Service

	router *control.Router
	cmds   *control.Commands
}

type options struct {
	sender  kit.Sender
	sleeper broadcast.Sleeper
	env     func(string) (string, bool)
}

type Option func(*options)

// WithSender replaces the transport chosen from config.
func WithSender(s kit.Sender) Option { return func(o *options) { o.sender = s } }

// WithSleeper replaces the worker's pacing sleep.
func WithSleeper(s broadcast.Sleeper) Option { return func(o *options) { o.sleeper = s } }

// WithEnv replaces the environment lookup used for credentials.
func WithEnv(fn func(string) (string, bool)) Option { return func(o *options) { o.env = fn } }

func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	if o.env != nil {
		cfgm.SetEnv(o.env)
	}
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "transport"))
	sender := o.sender
	if sender == nil {
		if cfg.Broadcast.DryRun {
			sender = dryrun.New(bootLog)
		} else {
			tc, _ := mapTelegram(cfg)
			tg, err := telegram.New(tc, bootLog)
			if err != nil {
				return nil, err
			}
			sender = tg
		}
	}

	logSvc, log := logx.New(mapLogging(cfg), sender)
	logSvc.Redact(cfg.Telegram.Token)
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()
	m := metrics.New()

	var store storage.Store
	if sc, enabled, _ := mapStorage(cfg); enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		switch {
		case err != nil:
			// chats and the send budget stay in memory only
			log.Warn("storage unavailable; running without persistence",
				logx.String("driver", sc.Driver), logx.String("path", sc.Path), logx.Err(err))
		case st != nil:
			store = st
			log.Info("storage enabled", logx.String("driver", sc.Driver))
		}
	}

	var chatOpts []chats.Option
	if store != nil {
		chatOpts = append(chatOpts, chats.WithPersistence(store))
	}
	dir := chats.New(log.With(logx.String("comp", "chats")), chatOpts...)

	campCfg, _ := mapCampaign(cfg)
	eng := campaign.New(campCfg, dir, log.With(logx.String("comp", "campaign")), campaign.WithBus(bus))

	limCfg, _ := mapLimits(cfg)
	lim := ratelimit.New(limCfg)

	deps := broadcast.Deps{
		Source:  eng,
		Limiter: lim,
		Sender:  sender,
		Marker:  dir,
		Bus:     bus,
		Metrics: m,
	}
	if store != nil {
		deps.SendLog = store
	}
	var wopts []broadcast.Option
	if o.sleeper != nil {
		wopts = append(wopts, broadcast.WithSleeper(o.sleeper))
	}
	bcCfg, _ := mapBroadcast(cfg)
	worker := broadcast.New(bcCfg, deps, log.With(logx.String("comp", "broadcast")), wopts...)

	schedCfg, _ := mapSchedules(cfg)
	sched := schedule.New(schedCfg, schedule.Deps{
		Chats:     dir,
		Campaigns: eng,
		Worker:    worker,
		Bus:       bus,
	}, log.With(logx.String("comp", "schedule")))

	cmds := control.NewCommands(control.Deps{
		Worker:    worker,
		Campaigns: eng,
		Chats:     dir,
		Source:    sender,
		Limiter:   lim,
		Schedules: sched,
	}, mapControl(cfg))
	router := control.New(sender, cfg.Telegram.OwnerUserIDs, log.With(logx.String("comp", "control")))
	router.Register(cmds.List()...)

	notifCfg, _ := mapNotify(cfg)
	notif := notifier.New(notifCfg, sender, bus, log.With(logx.String("comp", "notifier")))

	a := &App{
		cfgm:       cfgm,
		current:    cfg,
		log:        log,
		logs:       logSvc,
		bus:        bus,
		store:      store,
		sender:     sender,
		chats:      dir,
		engine:     eng,
		limiter:    lim,
		worker:     worker,
		sched:      sched,
		metrics:    m,
		metricsSrv: metrics.NewServer(m, log.With(logx.String("comp", "metrics"))),
		notif:      notif,
		router:     router,
		cmds:       cmds,
	}

	// reject hot reloads that the component mappers cannot apply
	cfgm.SetValidator(func(_ context.Context, c *config.Config) error { return validate(c) })
	return a, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(false))
	runCtx := a.sup.Context()
	cfg := a.cfgm.Get()

	if err := a.sender.Connect(runCtx); err != nil {
		return err
	}

	if n, err := a.chats.Load(runCtx); err != nil {
		a.log.Warn("chat load failed; starting empty", logx.Err(err))
	} else if n > 0 {
		a.log.Info("chats loaded", logx.Int("count", n))
	}
	a.importChats(runCtx, cfg.Broadcast.FetchLimit)
	a.restoreBudget(runCtx)

	a.metricsSrv.Reconfigure(runCtx, mapMetrics(cfg))
	a.sched.Start(runCtx)
	a.notif.Start(runCtx)

	if src, ok := a.sender.(kit.UpdateSource); ok {
		a.sup.Go("control.router", func(c context.Context) error {
			return a.router.Run(c, src.Updates())
		})
	} else {
		a.log.Info("transport has no inbound updates; operator commands disabled")
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				if e.Type == eventbus.CampaignCreated {
					a.metrics.CampaignCreated()
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	a.sup.GoRestart("metrics.sampler", time.Second, 30*time.Second, func(c context.Context) {
		t := time.NewTicker(samplerInterval)
		defer t.Stop()
		for {
			a.sample()
			select {
			case <-c.Done():
				return
			case <-t.C:
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(c, next)
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("started",
		logx.Bool("dry_run", cfg.Broadcast.DryRun),
		logx.Int("chats", a.chats.Len()),
		logx.Int("schedules", len(a.sched.Entries())),
	)
	return nil
}

// importChats merges the transport's chat list into the directory.
func (a *App) importChats(ctx context.Context, limit int) {
	infos, err := a.sender.FetchChats(ctx, limit)
	if err != nil {
		a.log.Warn("chat fetch failed", logx.Err(err))
		return
	}
	added := a.chats.ImportFetched(infos)
	a.log.Info("chats imported", logx.Int("fetched", len(infos)), logx.Int("new", added), logx.Int("total", a.chats.Len()))
}

// restoreBudget seeds the limiter counters from the persisted send log so a
// restart does not reset the hourly and daily budget.
func (a *App) restoreBudget(ctx context.Context) {
	if a.store == nil {
		return
	}
	hourStart, dayStart := a.limiter.Windows()
	hour, err := a.store.CountSends(ctx, hourStart)
	if err != nil {
		a.log.Warn("send log count failed", logx.Err(err))
		return
	}
	day, err := a.store.CountSends(ctx, dayStart)
	if err != nil {
		a.log.Warn("send log count failed", logx.Err(err))
		return
	}
	a.limiter.Restore(hour, day)
	if hour > 0 || day > 0 {
		a.log.Info("send budget restored", logx.Int("hour", hour), logx.Int("day", day))
	}
}

func (a *App) sample() {
	snap := a.limiter.Snapshot()
	a.metrics.SetLimiter(snap.SentThisHour, snap.SentToday)
	imm, def := a.engine.Sizes()
	a.metrics.SetQueue(imm, def)
	a.metrics.SetSupervisor(a.sup.Active(), a.sup.Restarts())
}

// Worker exposes the broadcast controller (used by tests and the CLI).
func (a *App) Worker() *broadcast.Controller { return a.worker }

func (a *App) Campaigns() *campaign.Engine { return a.engine }

func (a *App) Chats() *chats.Store { return a.chats }

func (a *App) Router() *control.Router { return a.router }

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	a.sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("limit", limit))

		stepCtx := ctx
		var cancel context.CancelFunc
		if limit > 0 {
			// never extend the caller's deadline
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem <= 0 {
					limit = 0
				} else if rem < limit {
					limit = rem
				}
			}
			if limit > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, limit)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)))
				}
			}()
		}
	}

	// the worker goes first so no send races the transport shutdown
	step("broadcast", 6*time.Second, func(c context.Context) error {
		if err := a.worker.Stop(); err != nil {
			return err
		}
		return a.worker.Wait(c)
	})
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("notifier", 1*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("metrics", 1*time.Second, func(c context.Context) error { a.metricsSrv.Stop(c); return nil })
	step("transport", 2*time.Second, func(c context.Context) error { return a.sender.Disconnect(c) })
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
