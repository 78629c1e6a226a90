package conversation

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestMachine(ttl time.Duration) (*Machine, *testClock, *[]Context) {
	clk := &testClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	var dropped []Context
	m := NewMachine(ttl, WithClock(clk.Now), OnDrop(func(c Context) { dropped = append(dropped, c) }))
	return m, clk, &dropped
}

func TestLoginFlowWithPassword(t *testing.T) {
	m, _, dropped := newTestMachine(time.Minute)
	const op = 10

	c, err := m.Begin(op, BeginAddAccount, 0)
	if err != nil || c.State != AwaitAPIID {
		t.Fatalf("Begin = %+v, %v", c, err)
	}
	steps := []struct {
		ev    Event
		apply func(*Context)
		want  State
	}{
		{Accepted, func(c *Context) { c.APIID = 123 }, AwaitAPIHash},
		{Accepted, func(c *Context) { c.APIHash = "abc" }, AwaitPhone},
		{Accepted, func(c *Context) { c.Phone = "+1555" }, AwaitCode},
		{PasswordRequired, nil, AwaitPassword},
		{LoginComplete, nil, Idle},
	}
	for _, s := range steps {
		c, err = m.Fire(op, s.ev, s.apply)
		if err != nil {
			t.Fatalf("Fire(%s): %v", s.ev, err)
		}
		if c.State != s.want {
			t.Fatalf("after %s state = %s, want %s", s.ev, c.State, s.want)
		}
	}
	if c.APIID != 123 || c.APIHash != "abc" || c.Phone != "+1555" {
		t.Fatalf("collected fields lost: %+v", c)
	}
	if m.Len() != 0 {
		t.Fatalf("finished flow still tracked")
	}
	if len(*dropped) != 0 {
		t.Fatalf("completed flow reported as dropped")
	}
}

func TestPhoneCanCompleteLoginForExistingSession(t *testing.T) {
	m, _, _ := newTestMachine(time.Minute)
	_, _ = m.Begin(1, BeginAddAccount, 0)
	_, _ = m.Fire(1, Accepted, nil)
	_, _ = m.Fire(1, Accepted, nil)
	c, err := m.Fire(1, LoginComplete, nil)
	if err != nil || c.State != Idle {
		t.Fatalf("Fire = %+v, %v", c, err)
	}
}

func TestInvalidTransitionKeepsState(t *testing.T) {
	m, _, _ := newTestMachine(time.Minute)
	_, _ = m.Begin(1, BeginSetText, 5)

	if _, err := m.Fire(1, PasswordRequired, nil); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("err = %v, want ErrBadTransition", err)
	}
	c, ok := m.Get(1)
	if !ok || c.State != AwaitDefaultText || c.AccountID != 5 {
		t.Fatalf("context = %+v, %v", c, ok)
	}
	if _, err := m.Fire(2, Accepted, nil); !errors.Is(err, ErrNoConversation) {
		t.Fatalf("unknown operator err = %v", err)
	}
}

func TestCancelFromEveryState(t *testing.T) {
	for st := range transitions {
		if st == Idle {
			continue
		}
		m, _, dropped := newTestMachine(time.Minute)
		m.ctx[1] = &Context{OperatorID: 1, State: st, UpdatedAt: m.now()}

		c, ok := m.Cancel(1)
		if !ok || c.State != st {
			t.Fatalf("cancel from %s = %+v, %v", st, c, ok)
		}
		if got, live := m.Get(1); live || got.State != Idle {
			t.Fatalf("after cancel from %s: %+v", st, got)
		}
		if len(*dropped) != 1 {
			t.Fatalf("cancel from %s not reported", st)
		}
	}
	m, _, _ := newTestMachine(time.Minute)
	if _, ok := m.Cancel(1); ok {
		t.Fatalf("cancel with nothing in progress reported ok")
	}
}

func TestBeginReplacesFlow(t *testing.T) {
	m, _, dropped := newTestMachine(time.Minute)
	_, _ = m.Begin(1, BeginAddAccount, 0)
	c, err := m.Begin(1, BeginAddDestinations, 9)
	if err != nil || c.State != AwaitDestinations || c.AccountID != 9 {
		t.Fatalf("Begin = %+v, %v", c, err)
	}
	if len(*dropped) != 1 || (*dropped)[0].State != AwaitAPIID {
		t.Fatalf("replaced flow not dropped: %+v", *dropped)
	}
}

func TestIdleContextsExpire(t *testing.T) {
	m, clk, dropped := newTestMachine(time.Minute)
	_, _ = m.Begin(1, BeginSetText, 1)
	_, _ = m.Begin(2, BeginSetText, 2)

	clk.Advance(45 * time.Second)
	m.Touch(2)
	clk.Advance(30 * time.Second)

	if n := m.Sweep(); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	if _, ok := m.Get(1); ok {
		t.Fatalf("expired context still live")
	}
	if _, ok := m.Get(2); !ok {
		t.Fatalf("touched context expired")
	}
	if len(*dropped) != 1 || (*dropped)[0].OperatorID != 1 {
		t.Fatalf("dropped = %+v", *dropped)
	}

	clk.Advance(2 * time.Minute)
	if _, err := m.Fire(2, Accepted, nil); !errors.Is(err, ErrNoConversation) {
		t.Fatalf("fire on expired context err = %v", err)
	}
}

func TestEveryAwaitStateHasAPrompt(t *testing.T) {
	for st := range transitions {
		if st != Idle && st.Prompt() == "" {
			t.Fatalf("%s has no prompt", st)
		}
	}
}
