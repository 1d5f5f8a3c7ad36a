// Package dryrun provides a Sender that never touches the network.
//
// It is the "test mode" transport: every send is logged and recorded, and
// FetchChats returns a fixed synthetic chat set.
package dryrun

import (
	"context"
	"fmt"
	"sync"

	kit "github.com/wetnet-beep/rassilka-tg/internal/transport"
	logx "github.com/wetnet-beep/rassilka-tg/pkg/logx"
)

// Sent is one recorded delivery.
type Sent struct {
	ChatID int64
	Text   string
}

type Sender struct {
	log   logx.Logger
	chats []kit.ChatInfo

	mu        sync.Mutex
	connected bool
	sent      []Sent

	// FailFor makes Send fail for the listed chat ids.
	FailFor map[int64]error
}

// New returns a dry-run sender. When chats is empty, five synthetic chats
// (ids 1000..1004) are exposed.
func New(log logx.Logger, chats ...kit.ChatInfo) *Sender {
	if log.IsZero() {
		log = logx.Nop()
	}
	if len(chats) == 0 {
		for i := 0; i < 5; i++ {
			chats = append(chats, kit.ChatInfo{
				ID:    int64(1000 + i),
				Title: fmt.Sprintf("Test chat %d", i+1),
				Type:  "private",
			})
		}
	}
	return &Sender{log: log, chats: chats}
}

func (s *Sender) Connect(ctx context.Context) error {
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	s.log.Info("dry-run transport connected", logx.Int("chats", len(s.chats)))
	return nil
}

func (s *Sender) FetchChats(ctx context.Context, limit int) ([]kit.ChatInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, kit.ErrNotConnected
	}
	n := len(s.chats)
	if limit > 0 && limit < n {
		n = limit
	}
	return append([]kit.ChatInfo(nil), s.chats[:n]...), nil
}

func (s *Sender) Send(ctx context.Context, chatID int64, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return &kit.SendError{ChatID: chatID, Err: kit.ErrNotConnected}
	}
	if err, ok := s.FailFor[chatID]; ok {
		return &kit.SendError{ChatID: chatID, Err: err}
	}
	s.sent = append(s.sent, Sent{ChatID: chatID, Text: text})
	s.log.Info("[dry-run] message sent", logx.Int64("chat_id", chatID), logx.Int("len", len(text)))
	return nil
}

func (s *Sender) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	return nil
}

// Sent returns a copy of all recorded deliveries.
func (s *Sender) Sent() []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sent(nil), s.sent...)
}
