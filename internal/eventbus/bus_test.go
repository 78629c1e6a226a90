package eventbus

import "testing"

func TestPublishFiltersByPrefix(t *testing.T) {
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	bc, unsubBC := b.Subscribe(4, "broadcast.")
	defer unsubBC()

	b.Publish(Event{Type: "config.reloaded"})
	b.Publish(Event{Type: "broadcast.started", Data: int64(7)})

	if got := len(all); got != 2 {
		t.Fatalf("all subscriber got %d events, want 2", got)
	}
	if got := len(bc); got != 1 {
		t.Fatalf("prefix subscriber got %d events, want 1", got)
	}
	e := <-bc
	if e.Type != "broadcast.started" || e.Data.(int64) != 7 || e.Time.IsZero() {
		t.Fatalf("unexpected event: %+v", e)
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	if b.Dropped() != 1 {
		t.Fatalf("dropped=%d, want 1", b.Dropped())
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed")
	}
	b.Publish(Event{Type: "after"})
}
