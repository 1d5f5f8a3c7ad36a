package eventbus

import "testing"

func TestSubscribeFiltersByPrefix(t *testing.T) {
	t.Parallel()
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	bc, unsubBC := b.Subscribe(4, "broadcast.")
	defer unsubBC()

	b.Publish(Event{Type: CampaignCreated})
	b.Publish(Event{Type: BroadcastSent, Data: int64(7)})

	if e := <-all; e.Type != CampaignCreated || e.Time.IsZero() {
		t.Fatalf("first event = %+v", e)
	}
	if e := <-all; e.Type != BroadcastSent {
		t.Fatalf("second event = %+v", e)
	}
	e := <-bc
	if e.Type != BroadcastSent || e.Data.(int64) != 7 {
		t.Fatalf("filtered event = %+v", e)
	}
	select {
	case e := <-bc:
		t.Fatalf("unexpected event %+v", e)
	default:
	}
}

func TestPublishNeverBlocksAndCountsDrops(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: BroadcastProgress})
	}
	if got := b.Dropped(); got != 4 {
		t.Fatalf("Dropped() = %d, want 4", got)
	}
	unsub()
	unsub()
	b.Publish(Event{Type: BroadcastProgress})
}

func TestNopBus(t *testing.T) {
	t.Parallel()
	b := Nop()
	b.Publish(Event{Type: BroadcastSent})
	ch, unsub := b.Subscribe(1)
	defer unsub()
	if _, ok := <-ch; ok {
		t.Fatal("nop subscription should be closed")
	}
}

func TestUnsubscribeDuringPublish(t *testing.T) {
	t.Parallel()
	b := New()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2000; i++ {
			b.Publish(Event{Type: BroadcastSent})
		}
	}()
	for i := 0; i < 200; i++ {
		_, unsub := b.Subscribe(1)
		unsub()
	}
	<-done
}
