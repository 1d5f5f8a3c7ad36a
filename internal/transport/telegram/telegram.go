package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/wetnet-beep/rassilka-tg/internal/runtime/supervisor"
	kit "github.com/wetnet-beep/rassilka-tg/internal/transport"
	logx "github.com/wetnet-beep/rassilka-tg/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration

	// SeedChatIDs are resolved via getChat on FetchChats. The Bot API cannot
	// enumerate dialogs, so chats are otherwise learned from incoming updates.
	SeedChatIDs []int64
}

// Sender delivers broadcast messages through the Telegram Bot API and
// forwards operator messages as updates.
type Sender struct {
	cfg Config
	log logx.Logger

	mu  sync.Mutex
	bot *tele.Bot
	sup *supervisor.Supervisor

	updates chan kit.Update
	dropped atomic.Uint64

	known   map[int64]kit.ChatInfo
	knownID []int64
}

func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{
		cfg:     cfg,
		log:     log,
		updates: make(chan kit.Update, 256),
		known:   map[int64]kit.ChatInfo{},
	}, nil
}

func (s *Sender) Updates() <-chan kit.Update { return s.updates }

// Connect validates the token (getMe) and starts long polling.
func (s *Sender) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bot != nil {
		return nil
	}

	b, err := tele.NewBot(tele.Settings{
		Token:  s.cfg.Token,
		Poller: &tele.LongPoller{Timeout: s.cfg.PollTimeout},
	})
	if err != nil {
		return &kit.ConnectionError{Transport: "telegram", Err: err}
	}
	s.bot = b
	s.registerHandlers(b)

	s.sup = supervisor.New(context.WithoutCancel(ctx), supervisor.WithLogger(s.log))
	s.sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		b.Stop()
	})
	s.sup.GoRestart("telebot.poll", 500*time.Millisecond, 10*time.Second, func(c context.Context) {
		s.log.Info("polling started")
		b.Start()
		s.log.Info("polling stopped")
	})
	s.sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-ticker.C:
				if n := s.dropped.Swap(0); n > 0 {
					s.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n))
				}
			}
		}
	})

	if b.Me != nil {
		s.log.Info("connected", logx.String("bot", b.Me.Username))
	}
	return nil
}

func (s *Sender) registerHandlers(b *tele.Bot) {
	b.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Chat == nil {
			return nil
		}
		s.learn(m.Chat)
		up := kit.Update{Message: &kit.Message{
			ID:     m.ID,
			ChatID: m.Chat.ID,
			Text:   m.Text,
		}}
		if m.Sender != nil {
			up.Message.FromID = m.Sender.ID
			up.Message.FromUsername = m.Sender.Username
		}
		select {
		case s.updates <- up:
		default:
			s.dropped.Add(1)
		}
		return nil
	})
	learnChat := func(c tele.Context) error {
		if ch := c.Chat(); ch != nil {
			s.learn(ch)
		}
		return nil
	}
	b.Handle(tele.OnAddedToGroup, learnChat)
	b.Handle(tele.OnMyChatMember, learnChat)
	b.Handle(tele.OnChannelPost, learnChat)
}

func (s *Sender) learn(ch *tele.Chat) {
	info := chatInfo(ch)
	s.mu.Lock()
	if _, ok := s.known[info.ID]; !ok {
		s.knownID = append(s.knownID, info.ID)
	}
	s.known[info.ID] = info
	s.mu.Unlock()
}

func chatInfo(ch *tele.Chat) kit.ChatInfo {
	title := ch.Title
	if title == "" {
		title = strings.TrimSpace(ch.FirstName + " " + ch.LastName)
	}
	return kit.ChatInfo{
		ID:       ch.ID,
		Title:    title,
		Username: ch.Username,
		Type:     string(ch.Type),
	}
}

// FetchChats returns chats learned from updates plus the configured seeds,
// in first-seen order, truncated to limit (<= 0 means all).
func (s *Sender) FetchChats(ctx context.Context, limit int) ([]kit.ChatInfo, error) {
	s.mu.Lock()
	b := s.bot
	s.mu.Unlock()
	if b == nil {
		return nil, kit.ErrNotConnected
	}

	for _, id := range s.cfg.SeedChatIDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.mu.Lock()
		_, seen := s.known[id]
		s.mu.Unlock()
		if seen {
			continue
		}
		ch, err := b.ChatByID(id)
		if err != nil {
			s.log.Warn("seed chat lookup failed", logx.Int64("chat_id", id), logx.Err(err))
			continue
		}
		s.learn(ch)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]kit.ChatInfo, 0, len(s.knownID))
	for _, id := range s.knownID {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, s.known[id])
	}
	return out, nil
}

func (s *Sender) Send(ctx context.Context, chatID int64, text string) error {
	s.mu.Lock()
	b := s.bot
	s.mu.Unlock()
	if b == nil {
		return &kit.SendError{ChatID: chatID, Err: kit.ErrNotConnected}
	}

	chat := &tele.Chat{ID: chatID}
	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return &kit.SendError{ChatID: chatID, Err: err}
		}
		if _, err := b.Send(chat, chunk, &tele.SendOptions{DisableWebPagePreview: true}); err != nil {
			return &kit.SendError{ChatID: chatID, Err: err}
		}
	}
	return nil
}

func (s *Sender) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	b := s.bot
	s.sup = nil
	s.bot = nil
	s.mu.Unlock()

	if sup == nil {
		return nil
	}
	sup.Cancel()
	if b != nil {
		go b.Stop()
	}
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		s.log.Warn("telegram disconnect error", logx.Err(err))
	}
	s.log.Info("disconnected")
	return nil
}

const textLimit = 4000

// splitText splits long messages into chunks Telegram accepts, preferring
// newline boundaries.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}
		if end < len(rs) {
			for i := end - 1; i > start+limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		if chunk := strings.TrimRight(string(rs[start:end]), "\n"); chunk != "" {
			out = append(out, chunk)
		}
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
