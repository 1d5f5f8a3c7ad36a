package notifier

import (
	"fmt"
	"strings"
	"time"

	"github.com/wetnet-beep/rassilka-tg/internal/broadcast"
	"github.com/wetnet-beep/rassilka-tg/internal/eventbus"
	"github.com/wetnet-beep/rassilka-tg/internal/schedule"
)

// Format renders an event as an operator message. ok is false for events
// that are not worth a message.
func Format(e eventbus.Event, progress bool) (text string, ok bool) {
	switch e.Type {
	case eventbus.BroadcastStarted:
		if n, _ := e.Data.(int); n > 0 {
			return fmt.Sprintf("▶️ broadcast started (max %d messages)", n), true
		}
		return "▶️ broadcast started", true
	case eventbus.BroadcastPaused:
		return "⏸ broadcast paused", true
	case eventbus.BroadcastResumed:
		return "▶️ broadcast resumed", true
	case eventbus.BroadcastStopped:
		ev, isStop := e.Data.(broadcast.StopEvent)
		if !isStop {
			return "⏹ broadcast stopped", true
		}
		var b strings.Builder
		fmt.Fprintf(&b, "⏹ broadcast stopped: %s\n", ev.Reason)
		fmt.Fprintf(&b, "sent %d, failed %d, rate limited %d", ev.Stats.Sent, ev.Stats.Failed, ev.Stats.RateLimited)
		if ev.Stats.Elapsed > 0 {
			fmt.Fprintf(&b, "\nelapsed %s, %.1f msg/h", ev.Stats.Elapsed.Round(time.Second), ev.Stats.Throughput)
		}
		return b.String(), true
	case eventbus.BroadcastProgress:
		ev, isProgress := e.Data.(broadcast.ProgressEvent)
		if !progress || !isProgress {
			return "", false
		}
		if ev.MaxMessages > 0 {
			return fmt.Sprintf("📨 sent %d/%d, %d queued", ev.Sent, ev.MaxMessages, ev.Remaining), true
		}
		return fmt.Sprintf("📨 sent %d, %d queued", ev.Sent, ev.Remaining), true
	case eventbus.ScheduleFired:
		ev, isFired := e.Data.(schedule.FiredEvent)
		if !isFired {
			return "", false
		}
		switch {
		case ev.Err != "":
			return fmt.Sprintf("⏰ schedule %s failed: %s", ev.Name, ev.Err), true
		case ev.Started:
			return fmt.Sprintf("⏰ schedule %s: campaign %s (%d chats), broadcast started", ev.Name, ev.CampaignID, ev.Targets), true
		default:
			return fmt.Sprintf("⏰ schedule %s: campaign %s (%d chats) queued", ev.Name, ev.CampaignID, ev.Targets), true
		}
	}
	return "", false
}
