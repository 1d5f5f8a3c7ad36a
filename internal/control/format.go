package control

import (
	"fmt"
	"strings"
	"time"

	"github.com/wetnet-beep/rassilka-tg/internal/broadcast"
	"github.com/wetnet-beep/rassilka-tg/internal/chats"
	"github.com/wetnet-beep/rassilka-tg/internal/ratelimit"
)

func FormatStatus(st broadcast.Status, lim ratelimit.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "state: %s\n", st.State)
	fmt.Fprintf(&b, "queue: %d immediate, %d deferred\n", st.Immediate, st.Deferred)
	if st.Campaign != "" {
		fmt.Fprintf(&b, "campaign: %s\n", st.Campaign)
	}
	s := st.Stats
	fmt.Fprintf(&b, "sent: %d  failed: %d  rate-limited: %d\n", s.Sent, s.Failed, s.RateLimited)
	if !s.StartedAt.IsZero() {
		fmt.Fprintf(&b, "elapsed: %s  throughput: %.1f/h\n", s.Elapsed.Truncate(time.Second), s.Throughput)
	}
	if st.MaxMessages > 0 {
		fmt.Fprintf(&b, "budget: %d/%d\n", s.Sent, st.MaxMessages)
	}
	fmt.Fprintf(&b, "limits: %d/%d this hour, %d/%d today (load %s)",
		lim.SentThisHour, lim.HourlyLimit, lim.SentToday, lim.DailyLimit, lim.Load)
	return b.String()
}

func FormatChats(total int, counts map[chats.Category]int, list []chats.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "chats: %d\n", total)
	for _, c := range chats.Categories {
		if c == chats.CategoryAll {
			continue
		}
		fmt.Fprintf(&b, "%s: %d\n", c, counts[c])
	}
	for i, r := range list {
		mark := ""
		if r.HasTag(chats.TagFavorite) {
			mark += "*"
		}
		if r.HasTag(chats.TagBlacklist) {
			mark += "x"
		}
		fmt.Fprintf(&b, "%d. %s %s [%d, %s] sent %d\n", i+1, mark, preview(r.DisplayName(), 30), r.ID, r.Kind, r.MessageCount)
	}
	if rest := total - len(list); len(list) > 0 && rest > 0 {
		fmt.Fprintf(&b, "... and %d more\n", rest)
	}
	return strings.TrimRight(b.String(), "\n")
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
