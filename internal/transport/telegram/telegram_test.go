package telegram

import (
	"context"
	"errors"
	"strings"
	"testing"

	tele "gopkg.in/telebot.v4"

	kit "github.com/wetnet-beep/rassilka-tg/internal/transport"
	logx "github.com/wetnet-beep/rassilka-tg/pkg/logx"
)

func TestSplitTextShortMessageUnchanged(t *testing.T) {
	t.Parallel()
	got := splitText("hello", 10)
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("splitText = %q", got)
	}
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	in := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	got := splitText(in, 10)
	if len(got) != 2 {
		t.Fatalf("chunks = %d, want 2 (%q)", len(got), got)
	}
	if got[0] != strings.Repeat("a", 8) || got[1] != strings.Repeat("b", 8) {
		t.Fatalf("unexpected chunks %q", got)
	}
	for _, c := range got {
		if len([]rune(c)) > 10 {
			t.Fatalf("chunk too long: %d", len(c))
		}
	}
}

func TestNewRejectsEmptyToken(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Token: "  "}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestSendBeforeConnect(t *testing.T) {
	t.Parallel()
	s, err := New(Config{Token: "123:abc"}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = s.Send(context.Background(), 1, "hi")
	var se *kit.SendError
	if !errors.As(err, &se) || !errors.Is(err, kit.ErrNotConnected) {
		t.Fatalf("Send() = %v, want SendError wrapping ErrNotConnected", err)
	}
	if _, err := s.FetchChats(context.Background(), 10); !errors.Is(err, kit.ErrNotConnected) {
		t.Fatalf("FetchChats() = %v, want ErrNotConnected", err)
	}
}

func TestLearnKeepsFirstSeenOrder(t *testing.T) {
	t.Parallel()
	s, _ := New(Config{Token: "123:abc"}, logx.Nop())
	s.learn(&tele.Chat{ID: 2, Type: tele.ChatGroup, Title: "Group"})
	s.learn(&tele.Chat{ID: 1, Type: tele.ChatPrivate, FirstName: "Ann", LastName: "Lee"})
	s.learn(&tele.Chat{ID: 2, Type: tele.ChatSuperGroup, Title: "Renamed"})

	if len(s.knownID) != 2 || s.knownID[0] != 2 || s.knownID[1] != 1 {
		t.Fatalf("knownID = %v", s.knownID)
	}
	if got := s.known[2].Title; got != "Renamed" {
		t.Fatalf("title = %q, want Renamed", got)
	}
	if got := s.known[1].Title; got != "Ann Lee" {
		t.Fatalf("title = %q, want Ann Lee", got)
	}
}
