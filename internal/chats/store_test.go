package chats

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/wetnet-beep/rassilka-tg/internal/storage"
	kit "github.com/wetnet-beep/rassilka-tg/internal/transport"
	logx "github.com/wetnet-beep/rassilka-tg/pkg/logx"
)

func seed(s *Store) {
	s.Import([]Record{
		{ID: 1, Title: "Alice", Kind: KindUser, Active: true},
		{ID: 2, Title: "Dev group", Kind: KindGroup, Active: true},
		{ID: 3, Title: "News", Kind: KindChannel, Active: true},
		{ID: 4, Title: "Best friend", Kind: KindUser, Active: true, Tags: NewTags("favorite")},
		{ID: 5, Title: "Spammer", Kind: KindGroup, Active: true, Tags: NewTags("blacklist", "favorite")},
		{ID: 6, Title: "Dormant", Kind: KindUser, Active: false},
	})
}

func TestSelectForBroadcastCategories(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop())
	seed(s)

	cases := []struct {
		cat  Category
		want []int64
	}{
		{CategoryAll, []int64{1, 2, 3, 4}},
		{CategoryUsers, []int64{1}},
		{CategoryGroups, []int64{2}},
		{CategoryChannels, []int64{3}},
		{CategoryFavorites, []int64{4}},
		{CategoryBlacklist, []int64{}},
		{Category("nonsense"), []int64{1, 2, 3, 4}},
	}
	for _, tc := range cases {
		got := s.SelectForBroadcast(tc.cat, 0)
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("SelectForBroadcast(%q) = %v, want %v", tc.cat, got, tc.want)
		}
	}
	if got := s.SelectForBroadcast(CategoryAll, 2); !reflect.DeepEqual(got, []int64{1, 2}) {
		t.Fatalf("limit 2 = %v", got)
	}
}

func TestBlacklistNeverSelected(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop())
	seed(s)
	s.Tag(2, "BlackList")
	for _, c := range append(Categories, "unknown") {
		for _, id := range s.SelectForBroadcast(c, 0) {
			if id == 2 || id == 5 {
				t.Fatalf("category %q selected blacklisted chat %d", c, id)
			}
		}
	}
	if got := s.Counts()[CategoryBlacklist]; got != 2 {
		t.Fatalf("blacklist count = %d, want 2", got)
	}
	s.Untag(2, "blacklist")
	if got := s.SelectForBroadcast(CategoryGroups, 0); !reflect.DeepEqual(got, []int64{2}) {
		t.Fatalf("after untag groups = %v", got)
	}
}

func TestSelectionIsStableAcrossUpdates(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop())
	seed(s)
	first := s.SelectForBroadcast(CategoryAll, 0)
	s.AddOrUpdate(Record{ID: 1, Title: "Alice renamed", Kind: KindUser, Active: true})
	if got := s.SelectForBroadcast(CategoryAll, 0); !reflect.DeepEqual(got, first) {
		t.Fatalf("order changed after update: %v vs %v", got, first)
	}
}

func TestMarkSent(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	s := New(logx.Nop(), WithClock(func() time.Time { return now }))
	seed(s)
	s.MarkSent(1)
	s.MarkSent(1)
	s.MarkSent(999)

	r, ok := s.Get(1)
	if !ok || r.MessageCount != 2 || r.LastMessageAt == nil || !r.LastMessageAt.Equal(now) {
		t.Fatalf("record = %+v", r)
	}
	if _, ok := s.Get(999); ok {
		t.Fatal("MarkSent created an unknown chat")
	}
}

func TestParseKind(t *testing.T) {
	t.Parallel()
	cases := map[string]Kind{
		"private":    KindUser,
		"user":       KindUser,
		"group":      KindGroup,
		"supergroup": KindGroup,
		"Chat":       KindGroup,
		"channel":    KindChannel,
		"":           KindUnknown,
		"weird":      KindUnknown,
	}
	for in, want := range cases {
		if got := ParseKind(in); got != want {
			t.Fatalf("ParseKind(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestImportFetchedKeepsTagsAndCounters(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop())
	s.AddOrUpdate(Record{ID: 10, Title: "Old", Kind: KindGroup, Active: true, Tags: NewTags("favorite"), MessageCount: 7})

	added := s.ImportFetched([]kit.ChatInfo{
		{ID: 10, Title: "New title", Type: "supergroup", Participants: 50},
		{ID: 11, Title: "Fresh", Type: "channel"},
	})
	if added != 1 {
		t.Fatalf("added = %d, want 1", added)
	}
	r, _ := s.Get(10)
	if r.Title != "New title" || r.MessageCount != 7 || !r.HasTag("favorite") || r.Participants != 50 {
		t.Fatalf("merged record = %+v", r)
	}
	if got := s.SelectForBroadcast(CategoryChannels, 0); !reflect.DeepEqual(got, []int64{11}) {
		t.Fatalf("channels = %v", got)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "chats.json")}
	st, err := storage.Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s := New(logx.Nop(), WithPersistence(st))
	seed(s)
	s.MarkSent(3)
	_ = st.Close()

	st, err = storage.Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	s2 := New(logx.Nop(), WithPersistence(st))
	n, err := s2.Load(ctx)
	if err != nil || n != 6 {
		t.Fatalf("Load = %d, %v", n, err)
	}
	if got := s2.SelectForBroadcast(CategoryAll, 0); !reflect.DeepEqual(got, []int64{1, 2, 3, 4}) {
		t.Fatalf("reloaded selection = %v", got)
	}
	r, _ := s2.Get(3)
	if r.MessageCount != 1 || r.Kind != KindChannel {
		t.Fatalf("reloaded record = %+v", r)
	}
}

type failingStore struct{ storage.Store }

func (failingStore) SaveChats(context.Context, ...storage.ChatRow) error {
	return errors.New("disk full")
}

func TestPersistenceFailureIsNotFatal(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop(), WithPersistence(failingStore{}))
	s.AddOrUpdate(Record{ID: 1, Kind: KindUser, Active: true})
	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want in-memory state kept", s.Len())
	}
}
