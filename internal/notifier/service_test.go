package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	kit "castbot/internal/transport"
	logx "castbot/pkg/logx"
)

type sentMsg struct {
	chatID int64
	text   string
}

type fakeAdapter struct {
	mu    sync.Mutex
	sent  []sentMsg
	fails int // fail this many sends first
}

func (a *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (a *fakeAdapter) Stop(ctx context.Context) error                        { return nil }

func (a *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fails > 0 {
		a.fails--
		return kit.MessageRef{}, errors.New("bad gateway")
	}
	a.sent = append(a.sent, sentMsg{chatID: to.ChatID, text: text})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(a.sent)}, nil
}

func (a *fakeAdapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	return nil
}

func (a *fakeAdapter) AnswerCallback(ctx context.Context, id, text string) error { return nil }

func (a *fakeAdapter) messages() []sentMsg {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]sentMsg(nil), a.sent...)
}

type memDedup struct {
	mu sync.Mutex
	m  map[string]time.Time
}

func (d *memDedup) PutDedup(ctx context.Context, key string, until time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.m == nil {
		d.m = map[string]time.Time{}
	}
	d.m[key] = until
	return nil
}

func (d *memDedup) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.m[key]
	return u, ok, nil
}

func (d *memDedup) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.m)
}

func startService(t *testing.T, cfg Config, ad *fakeAdapter, st DedupStore) *Service {
	t.Helper()
	cfg.Enabled = true
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = 1000
	}
	s := New(cfg, ad, logx.Nop(), nil, st)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitSent(t *testing.T, ad *fakeAdapter, n int) []sentMsg {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		got := ad.messages()
		if len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("sent %d messages, want %d", len(got), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNotifyDeliversToOperatorChat(t *testing.T) {
	ad := &fakeAdapter{}
	s := startService(t, Config{}, ad, nil)

	s.Notify(context.Background(), 42, "[acc] cycle complete: sent 2 of 2")
	got := waitSent(t, ad, 1)
	if got[0].chatID != 42 || got[0].text != "[acc] cycle complete: sent 2 of 2" {
		t.Fatalf("sent = %+v", got[0])
	}
	waitFor(t, func() bool { return len(s.Snapshot()) == 1 })
}

func TestDedupSuppressesRepeatsWithinWindow(t *testing.T) {
	ad := &fakeAdapter{}
	st := &memDedup{}
	s := startService(t, Config{DedupWindow: time.Minute, PersistDedup: true}, ad, st)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := s.Send(ctx, Notification{OperatorID: 1, Text: "same"}); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	_ = s.Send(ctx, Notification{OperatorID: 2, Text: "same"})
	waitSent(t, ad, 2)
	time.Sleep(50 * time.Millisecond)
	if n := len(ad.messages()); n != 2 {
		t.Fatalf("sent %d messages, want 2 (one per operator)", n)
	}
	waitFor(t, func() bool { return st.len() == 2 })
}

func TestAlertSkipsDedupWindow(t *testing.T) {
	ad := &fakeAdapter{}
	st := &memDedup{}
	s := startService(t, Config{DedupWindow: time.Minute, PersistDedup: true}, ad, st)

	s.Alert(context.Background(), 7, "[acc1] rate limited, pausing for 3s")
	time.Sleep(50 * time.Millisecond)
	s.Alert(context.Background(), 7, "[acc1] rate limited, pausing for 3s")

	got := waitSent(t, ad, 2)
	for _, m := range got {
		if m.text != "[acc1] rate limited, pausing for 3s" {
			t.Fatalf("sent %q", m.text)
		}
	}
	if n := st.len(); n != 0 {
		t.Fatalf("alerts left %d dedup keys", n)
	}

	// The window still applies to plain notices.
	s.Notify(context.Background(), 7, "[acc1] session logged out")
	s.Notify(context.Background(), 7, "[acc1] session logged out")
	waitSent(t, ad, 3)
	time.Sleep(50 * time.Millisecond)
	if n := len(ad.messages()); n != 3 {
		t.Fatalf("sent %d messages, want 3", n)
	}
}

func TestPersistedDedupSurvivesRestart(t *testing.T) {
	st := &memDedup{}
	key := dedupKey(Notification{OperatorID: 1, Text: "stopped"})
	_ = st.PutDedup(context.Background(), key, time.Now().Add(time.Hour))

	ad := &fakeAdapter{}
	s := startService(t, Config{DedupWindow: time.Minute, PersistDedup: true}, ad, st)
	_ = s.Send(context.Background(), Notification{OperatorID: 1, Text: "stopped"})
	_ = s.Send(context.Background(), Notification{OperatorID: 1, Text: "other"})
	got := waitSent(t, ad, 1)
	time.Sleep(50 * time.Millisecond)
	if len(ad.messages()) != 1 || got[0].text != "other" {
		t.Fatalf("sent = %+v", ad.messages())
	}
}

func TestRetriesTransientFailures(t *testing.T) {
	ad := &fakeAdapter{fails: 2}
	s := startService(t, Config{RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}, ad, nil)
	s.Notify(context.Background(), 7, "hello")
	got := waitSent(t, ad, 1)
	if got[0].text != "hello" {
		t.Fatalf("sent = %+v", got)
	}
}

func TestDisabledAndStoppedRejectSend(t *testing.T) {
	s := New(Config{}, &fakeAdapter{}, logx.Nop(), nil, nil)
	if err := s.Send(context.Background(), Notification{OperatorID: 1, Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled send err = %v", err)
	}

	s.Apply(Config{Enabled: true})
	if err := s.Send(context.Background(), Notification{OperatorID: 1, Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("not started send err = %v", err)
	}
	s.Start(context.Background())
	s.Stop(context.Background())
	if err := s.Send(context.Background(), Notification{OperatorID: 1, Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("stopped send err = %v", err)
	}
}

func TestRetryDelayBounded(t *testing.T) {
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 10; attempt++ {
		if d := retryDelay(cfg, attempt); d <= 0 || d > time.Second {
			t.Fatalf("attempt %d delay %s out of bounds", attempt, d)
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type floodAdapter struct {
	fakeAdapter
	once sync.Once
}

func (a *floodAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	var flood error
	a.once.Do(func() { flood = &kit.FloodWait{After: 20 * time.Millisecond, Err: errors.New("429")} })
	if flood != nil {
		return kit.MessageRef{}, flood
	}
	return a.fakeAdapter.SendText(ctx, to, text, opt)
}

func TestFloodWaitIsHonoured(t *testing.T) {
	ad := &floodAdapter{}
	s := New(Config{Enabled: true, RatePerSec: 1000, RetryMax: 1, RetryBase: time.Hour, RetryMaxDelay: time.Hour}, ad, logx.Nop(), nil, nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	start := time.Now()
	s.Notify(context.Background(), 3, "paused for flood wait")
	waitSent(t, &ad.fakeAdapter, 1)
	if took := time.Since(start); took < 20*time.Millisecond || took > 2*time.Second {
		t.Fatalf("retry after %s, want the server's hint instead of RetryBase", took)
	}
}

func TestWindowEvictsSoonestExpiry(t *testing.T) {
	w := newWindow()
	now := time.Now()
	w.mark("a", now.Add(time.Minute), now, 2)
	w.mark("b", now.Add(time.Second), now, 2)
	w.mark("c", now.Add(time.Hour), now, 2)
	if w.suppressed("b", now) || !w.suppressed("a", now) || !w.suppressed("c", now) {
		t.Fatalf("window = %v", w.until)
	}
}
