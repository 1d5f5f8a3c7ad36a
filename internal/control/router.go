// Package control is the owner-only command surface of the bot.
//
// Messages from the transport's update stream are parsed into commands,
// checked against the owner list and run on a small worker pool. Replies go
// back through the transport with a per-chat rate limit.
package control

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/wetnet-beep/rassilka-tg/internal/runtime/supervisor"
	"github.com/wetnet-beep/rassilka-tg/internal/transport"
	logx "github.com/wetnet-beep/rassilka-tg/pkg/logx"
)

const (
	defaultWorkers    = 2
	defaultQueueSize  = 32
	defaultTimeout    = 30 * time.Second
	defaultReplyRate  = rate.Limit(1)
	defaultReplyBurst = 3
)

// Replier delivers command replies. transport.Sender satisfies it.
type Replier interface {
	Send(ctx context.Context, chatID int64, text string) error
}

type Command struct {
	Name        string
	Aliases     []string
	Usage       string
	Description string
	Timeout     time.Duration
	Handle      HandlerFunc
}

type Request struct {
	Msg     transport.Message
	Command string
	Args    []string
	Log     logx.Logger

	r *Router
}

// Reply sends text to the chat the command came from.
func (req *Request) Reply(ctx context.Context, text string) error {
	return req.r.reply(ctx, req.Msg.ChatID, text)
}

type Option func(*Router)

// WithReplyRate sets the per-chat reply rate.
func WithReplyRate(limit rate.Limit, burst int) Option {
	return func(r *Router) { r.replyRate, r.replyBurst = limit, burst }
}

func WithWorkers(n int) Option { return func(r *Router) { r.workers = n } }

type Router struct {
	out Replier
	log logx.Logger

	mu     sync.RWMutex
	owners map[int64]struct{}
	cmds   map[string]*Command
	order  []*Command

	lmu        sync.Mutex
	limiters   map[int64]*rate.Limiter
	replyRate  rate.Limit
	replyBurst int

	workers int
	jobs    chan func(context.Context)
}

func New(out Replier, owners []int64, log logx.Logger, opts ...Option) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		out:        out,
		log:        log,
		cmds:       map[string]*Command{},
		limiters:   map[int64]*rate.Limiter{},
		replyRate:  defaultReplyRate,
		replyBurst: defaultReplyBurst,
		workers:    defaultWorkers,
	}
	for _, o := range opts {
		o(r)
	}
	if r.workers <= 0 {
		r.workers = defaultWorkers
	}
	r.jobs = make(chan func(context.Context), defaultQueueSize)
	r.SetOwners(owners)
	r.Register(Command{
		Name:        "help",
		Aliases:     []string{"start"},
		Usage:       "/help",
		Description: "list commands",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, r.helpText())
		},
	})
	return r
}

// SetOwners replaces the owner list. Safe during hot reload.
func (r *Router) SetOwners(owners []int64) {
	set := make(map[int64]struct{}, len(owners))
	for _, id := range owners {
		set[id] = struct{}{}
	}
	r.mu.Lock()
	r.owners = set
	r.mu.Unlock()
}

func (r *Router) isOwner(id int64) bool {
	r.mu.RLock()
	_, ok := r.owners[id]
	r.mu.RUnlock()
	return ok
}

// Register adds commands; a later command with the same name replaces the
// earlier one.
func (r *Router) Register(cmds ...Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range cmds {
		c := cmds[i]
		if c.Handle == nil || strings.TrimSpace(c.Name) == "" {
			continue
		}
		c.Name = strings.ToLower(strings.TrimSpace(c.Name))
		if prev, ok := r.cmds[c.Name]; ok {
			for j, o := range r.order {
				if o == prev {
					r.order = append(r.order[:j], r.order[j+1:]...)
					break
				}
			}
		}
		r.order = append(r.order, &c)
		r.cmds[c.Name] = &c
		for _, a := range c.Aliases {
			r.cmds[strings.ToLower(a)] = &c
		}
	}
}

func (r *Router) helpText() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var b strings.Builder
	b.WriteString("commands:\n")
	for _, c := range r.order {
		b.WriteString(c.Usage)
		if c.Description != "" {
			b.WriteString(" - ")
			b.WriteString(c.Description)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

// parseCommand splits "/cmd@bot a b" into ("cmd", [a b]).
func parseCommand(text string) (string, []string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	parts := strings.Fields(text)
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	if word == "" {
		return "", nil, false
	}
	return strings.ToLower(word), parts[1:], true
}

// Run dispatches updates until ctx is done or the channel closes.
func (r *Router) Run(ctx context.Context, updates <-chan transport.Update) error {
	sup := supervisor.New(ctx, supervisor.WithLogger(r.log))
	for i := 0; i < r.workers; i++ {
		sup.Go0("control.worker."+strconv.Itoa(i), func(c context.Context) {
			for {
				select {
				case <-c.Done():
					return
				case job := <-r.jobs:
					job(c)
				}
			}
		})
	}
	r.log.Info("command dispatcher started", logx.Int("workers", r.workers))
	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if up.Message == nil {
				continue
			}
			msg := *up.Message
			if _, _, isCmd := parseCommand(msg.Text); !isCmd {
				continue
			}
			select {
			case r.jobs <- func(c context.Context) { r.Handle(c, msg) }:
			default:
				_ = r.reply(ctx, msg.ChatID, "busy, try again")
			}
		}
	}
}

// Handle routes and runs one message synchronously. It returns the
// handler's error, if any; the user already got a reply.
func (r *Router) Handle(ctx context.Context, msg transport.Message) error {
	name, args, ok := parseCommand(msg.Text)
	if !ok {
		return nil
	}
	log := r.log.With(
		logx.Int64("chat_id", msg.ChatID),
		logx.Int64("from_id", msg.FromID),
		logx.String("cmd", name),
	)
	if !r.isOwner(msg.FromID) {
		log.Debug("command from non-owner ignored")
		return r.reply(ctx, msg.ChatID, "unauthorized")
	}
	r.mu.RLock()
	cmd, found := r.cmds[name]
	r.mu.RUnlock()
	if !found {
		return r.reply(ctx, msg.ChatID, "unknown command, try /help")
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	req := &Request{Msg: msg, Command: cmd.Name, Args: args, Log: log, r: r}
	h := Chain(cmd.Handle, MWPanicRecover(), MWRequestLog(), MWTimeout(timeout))
	err := h(ctx, req)
	if err != nil {
		_ = r.reply(ctx, msg.ChatID, "error: "+err.Error())
	}
	return err
}

func (r *Router) limiter(chatID int64) *rate.Limiter {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	l, ok := r.limiters[chatID]
	if !ok {
		l = rate.NewLimiter(r.replyRate, r.replyBurst)
		r.limiters[chatID] = l
	}
	return l
}

func (r *Router) reply(ctx context.Context, chatID int64, text string) error {
	if r.out == nil {
		return nil
	}
	if err := r.limiter(chatID).Wait(ctx); err != nil {
		return err
	}
	if err := r.out.Send(ctx, chatID, text); err != nil {
		r.log.Warn("reply failed", logx.Int64("chat_id", chatID), logx.Err(err))
		return err
	}
	return nil
}
