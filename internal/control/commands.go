package control

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wetnet-beep/rassilka-tg/internal/broadcast"
	"github.com/wetnet-beep/rassilka-tg/internal/campaign"
	"github.com/wetnet-beep/rassilka-tg/internal/chats"
	"github.com/wetnet-beep/rassilka-tg/internal/ratelimit"
	"github.com/wetnet-beep/rassilka-tg/internal/schedule"
	"github.com/wetnet-beep/rassilka-tg/internal/transport"
)

const (
	minFixedDelay = 2 * time.Second
	maxFixedDelay = 10 * time.Second

	defaultChatList = 20

	// TestMessage is the text of the /test campaign.
	TestMessage = "🧪 ТЕСТОВОЕ СООБЩЕНИЕ - не отправляется реально!"
)

// TestChatIDs are the synthetic targets of /test; the dry-run sender knows them.
var TestChatIDs = []int64{1000, 1001, 1002, 1003, 1004}

var errUsage = errors.New("bad arguments")

type Worker interface {
	Start(maxMessages int) error
	Stop() error
	Pause() error
	Resume() error
	GetStatus() broadcast.Status
}

type Campaigns interface {
	CreateCampaign(ctx context.Context, req campaign.Request) (string, error)
	Campaigns(limit int) []campaign.Campaign
	Clear() int
}

type Directory interface {
	SelectForBroadcast(category chats.Category, limit int) []int64
	Counts() map[chats.Category]int
	Len() int
	List(limit int) []chats.Record
	Tag(id int64, tag string) bool
	Untag(id int64, tag string) bool
	ImportFetched(infos []transport.ChatInfo) int
}

type ChatSource interface {
	FetchChats(ctx context.Context, limit int) ([]transport.ChatInfo, error)
}

type Budget interface {
	Snapshot() ratelimit.Snapshot
}

type Schedules interface {
	Entries() []schedule.Entry
	Fire(ctx context.Context, name string) (schedule.FiredEvent, error)
}

// Deps are the components the commands drive. Schedules may be nil.
type Deps struct {
	Worker    Worker
	Campaigns Campaigns
	Chats     Directory
	Source    ChatSource
	Limiter   Budget
	Schedules Schedules
}

// Settings are the hot-reloadable command options.
type Settings struct {
	DryRun         bool
	DefaultMessage string
	FetchLimit     int
}

type Commands struct {
	d Deps

	mu  sync.RWMutex
	set Settings
}

func NewCommands(d Deps, s Settings) *Commands {
	return &Commands{d: d, set: s}
}

func (c *Commands) Apply(s Settings) {
	c.mu.Lock()
	c.set = s
	c.mu.Unlock()
}

func (c *Commands) settings() Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.set
}

// List returns the command table for Router.Register.
func (c *Commands) List() []Command {
	cmds := []Command{
		{Name: "status", Usage: "/status", Description: "worker, queue and budget state", Handle: c.status},
		{Name: "chats", Usage: "/chats [n]", Description: "chat counts and the first n chats", Handle: c.chats},
		{Name: "campaign", Aliases: []string{"new"}, Usage: "/campaign <category> [limit] [per_chat] [delay] [text|default]",
			Description: "queue a broadcast; no text means personalized", Handle: c.campaign},
		{Name: "campaigns", Usage: "/campaigns", Description: "recent campaigns", Handle: c.campaigns},
		{Name: "run", Usage: "/run [max]", Description: "start sending (max successful sends, 0 = unlimited)", Handle: c.run},
		{Name: "pause", Usage: "/pause", Description: "pause the worker", Handle: c.pause},
		{Name: "resume", Usage: "/resume", Description: "resume the worker", Handle: c.resume},
		{Name: "stop", Usage: "/stop", Description: "stop the worker", Handle: c.stop},
		{Name: "clear", Usage: "/clear", Description: "drop every queued item (campaign records stay)", Handle: c.clear},
		{Name: "sync", Usage: "/sync", Description: "import chats from the transport", Timeout: 2 * time.Minute, Handle: c.sync},
		{Name: "tag", Usage: "/tag <chat_id> <tag>", Description: "add a tag (favorite, blacklist, ...)", Handle: c.tag},
		{Name: "untag", Usage: "/untag <chat_id> <tag>", Description: "remove a tag", Handle: c.untag},
		{Name: "test", Usage: "/test", Description: "dry-run test broadcast to 5 synthetic chats", Handle: c.test},
	}
	if c.d.Schedules != nil {
		cmds = append(cmds,
			Command{Name: "schedules", Usage: "/schedules", Description: "recurring campaigns", Handle: c.schedules},
			Command{Name: "fire", Usage: "/fire <name>", Description: "run a recurring campaign now", Handle: c.fire},
		)
	}
	return cmds
}

func (c *Commands) status(ctx context.Context, req *Request) error {
	return req.Reply(ctx, FormatStatus(c.d.Worker.GetStatus(), c.d.Limiter.Snapshot()))
}

func (c *Commands) chats(ctx context.Context, req *Request) error {
	n := defaultChatList
	if len(req.Args) > 0 {
		v, err := strconv.Atoi(req.Args[0])
		if err != nil || v < 0 {
			return fmt.Errorf("%w: n must be a non-negative number", errUsage)
		}
		n = v
	}
	return req.Reply(ctx, FormatChats(c.d.Chats.Len(), c.d.Chats.Counts(), c.d.Chats.List(n)))
}

// campaignArgs is the parsed form of /campaign.
type campaignArgs struct {
	category chats.Category
	limit    int
	perChat  int
	delay    *time.Duration
	text     string
}

// parseCampaignArgs reads: category, then up to two integers (limit,
// per_chat), then an optional duration, then free text.
func parseCampaignArgs(args []string) (campaignArgs, error) {
	out := campaignArgs{perChat: 1}
	if len(args) == 0 {
		return out, fmt.Errorf("%w: category required (%s)", errUsage, categoryNames())
	}
	out.category = chats.ParseCategory(args[0])
	rest := args[1:]
	ints := 0
	for len(rest) > 0 && ints < 2 {
		v, err := strconv.Atoi(rest[0])
		if err != nil {
			break
		}
		if ints == 0 {
			out.limit = v
		} else {
			out.perChat = v
		}
		ints++
		rest = rest[1:]
	}
	if len(rest) > 0 {
		if d, err := time.ParseDuration(rest[0]); err == nil {
			d = min(max(d, minFixedDelay), maxFixedDelay)
			out.delay = &d
			rest = rest[1:]
		}
	}
	out.text = strings.TrimSpace(strings.Join(rest, " "))
	return out, nil
}

func categoryNames() string {
	names := make([]string, 0, len(chats.Categories))
	for _, c := range chats.Categories {
		if c != chats.CategoryBlacklist {
			names = append(names, string(c))
		}
	}
	return strings.Join(names, ", ")
}

func (c *Commands) campaign(ctx context.Context, req *Request) error {
	a, err := parseCampaignArgs(req.Args)
	if err != nil {
		return err
	}
	ids := c.d.Chats.SelectForBroadcast(a.category, a.limit)
	if len(ids) == 0 {
		return req.Reply(ctx, fmt.Sprintf("no chats in category %s", a.category))
	}
	r := campaign.Request{ChatIDs: ids, MessagesPerChat: a.perChat, InterDelay: a.delay}
	switch {
	case a.text == "default":
		msg := c.settings().DefaultMessage
		if strings.TrimSpace(msg) == "" {
			return fmt.Errorf("%w: broadcast.default_message is not configured", errUsage)
		}
		r.Message = &msg
	case a.text != "":
		msg := a.text
		r.Message = &msg
	}
	id, err := c.d.Campaigns.CreateCampaign(ctx, r)
	if err != nil {
		return err
	}
	text := "personalized"
	if r.Message != nil {
		text = preview(*r.Message, 50)
	}
	delay := "automatic"
	if a.delay != nil {
		delay = a.delay.String()
	}
	return req.Reply(ctx, fmt.Sprintf(
		"campaign %s created\nchats: %d\nper chat: %d\ntotal: %d\ndelay: %s\nmessage: %s\nstart it with /run",
		id, len(ids), a.perChat, len(ids)*a.perChat, delay, text,
	))
}

func (c *Commands) campaigns(ctx context.Context, req *Request) error {
	list := c.d.Campaigns.Campaigns(10)
	if len(list) == 0 {
		return req.Reply(ctx, "no campaigns")
	}
	var b strings.Builder
	for _, cp := range list {
		fmt.Fprintf(&b, "%s  %s  chats=%d items=%d\n", cp.ID, cp.CreatedAt.Format("01-02 15:04"), cp.Chats, cp.TotalItems)
	}
	return req.Reply(ctx, strings.TrimRight(b.String(), "\n"))
}

func (c *Commands) run(ctx context.Context, req *Request) error {
	budget := 0
	if len(req.Args) > 0 {
		v, err := strconv.Atoi(req.Args[0])
		if err != nil || v < 0 {
			return fmt.Errorf("%w: max must be a non-negative number", errUsage)
		}
		budget = v
	}
	if err := c.d.Worker.Start(budget); err != nil {
		return err
	}
	limit := "unlimited"
	if budget > 0 {
		limit = strconv.Itoa(budget)
	}
	return req.Reply(ctx, "broadcast started (max "+limit+")")
}

func (c *Commands) pause(ctx context.Context, req *Request) error {
	if err := c.d.Worker.Pause(); err != nil {
		return err
	}
	return req.Reply(ctx, "paused")
}

func (c *Commands) resume(ctx context.Context, req *Request) error {
	if err := c.d.Worker.Resume(); err != nil {
		return err
	}
	return req.Reply(ctx, "resumed")
}

func (c *Commands) stop(ctx context.Context, req *Request) error {
	if err := c.d.Worker.Stop(); err != nil {
		return err
	}
	st := c.d.Worker.GetStatus()
	return req.Reply(ctx, fmt.Sprintf("stopped\nsent: %d  failed: %d", st.Stats.Sent, st.Stats.Failed))
}

func (c *Commands) clear(ctx context.Context, req *Request) error {
	n := c.d.Campaigns.Clear()
	return req.Reply(ctx, fmt.Sprintf("cleared %d queued items", n))
}

func (c *Commands) sync(ctx context.Context, req *Request) error {
	infos, err := c.d.Source.FetchChats(ctx, c.settings().FetchLimit)
	if err != nil {
		return err
	}
	added := c.d.Chats.ImportFetched(infos)
	return req.Reply(ctx, fmt.Sprintf("fetched %d chats, %d new, %d total", len(infos), added, c.d.Chats.Len()))
}

func (c *Commands) tagArgs(req *Request) (int64, string, error) {
	if len(req.Args) != 2 {
		return 0, "", fmt.Errorf("%w: usage /%s <chat_id> <tag>", errUsage, req.Command)
	}
	id, err := strconv.ParseInt(req.Args[0], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("%w: chat id %q", errUsage, req.Args[0])
	}
	return id, strings.ToLower(req.Args[1]), nil
}

func (c *Commands) tag(ctx context.Context, req *Request) error {
	id, tag, err := c.tagArgs(req)
	if err != nil {
		return err
	}
	if !c.d.Chats.Tag(id, tag) {
		return req.Reply(ctx, fmt.Sprintf("chat %d not found", id))
	}
	return req.Reply(ctx, fmt.Sprintf("chat %d tagged %s", id, tag))
}

func (c *Commands) untag(ctx context.Context, req *Request) error {
	id, tag, err := c.tagArgs(req)
	if err != nil {
		return err
	}
	if !c.d.Chats.Untag(id, tag) {
		return req.Reply(ctx, fmt.Sprintf("chat %d not found", id))
	}
	return req.Reply(ctx, fmt.Sprintf("chat %d untagged %s", id, tag))
}

// test queues a fixed message to the synthetic chats and runs three sends.
// It refuses to run against a real transport.
func (c *Commands) test(ctx context.Context, req *Request) error {
	if !c.settings().DryRun {
		return req.Reply(ctx, "test mode needs broadcast.dry_run: true")
	}
	msg := TestMessage
	delay := 2 * time.Second
	id, err := c.d.Campaigns.CreateCampaign(ctx, campaign.Request{
		Name:            "test",
		ChatIDs:         TestChatIDs,
		Message:         &msg,
		MessagesPerChat: 1,
		InterDelay:      &delay,
	})
	if err != nil {
		return err
	}
	if err := c.d.Worker.Start(3); err != nil {
		return fmt.Errorf("test campaign %s queued but not started: %w", id, err)
	}
	return req.Reply(ctx, fmt.Sprintf("test campaign %s started (max 3)", id))
}

func (c *Commands) schedules(ctx context.Context, req *Request) error {
	entries := c.d.Schedules.Entries()
	if len(entries) == 0 {
		return req.Reply(ctx, "no schedules")
	}
	var b strings.Builder
	for _, e := range entries {
		next := "-"
		if !e.Next.IsZero() {
			next = e.Next.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(&b, "%s  [%s]  next %s\n", e.Name, e.Spec, next)
	}
	return req.Reply(ctx, strings.TrimRight(b.String(), "\n"))
}

func (c *Commands) fire(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		return fmt.Errorf("%w: usage /fire <name>", errUsage)
	}
	ev, err := c.d.Schedules.Fire(ctx, req.Args[0])
	if err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("schedule %s: campaign %s, %d chats, started=%v", ev.Name, ev.CampaignID, ev.Targets, ev.Started))
}
