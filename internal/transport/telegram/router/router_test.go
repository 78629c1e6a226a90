package router

import (
	"context"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	kit "castbot/internal/transport"
	logx "castbot/pkg/logx"
)

type fakeAdapter struct {
	mu       sync.Mutex
	sent     []string
	answered []string
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) EditText(context.Context, kit.MessageRef, string, *kit.SendOptions) error {
	return nil
}

func (f *fakeAdapter) AnswerCallback(_ context.Context, id, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answered = append(f.answered, id+"="+text)
	return nil
}

func (f *fakeAdapter) lastSent() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1]
}

type call struct {
	cmd     string
	args    []string
	payload string
	text    string
}

func startManager(t *testing.T, owners []int64) (*CommandManager, *fakeAdapter, chan<- kit.Update, <-chan call) {
	t.Helper()
	ad := &fakeAdapter{}
	m := NewCommandManager(logx.Nop(), ad, nil, owners)
	calls := make(chan call, 16)
	record := func(ctx context.Context, req *Request) error {
		calls <- call{cmd: req.Command, args: req.Args, payload: req.Payload, text: req.Text}
		return nil
	}
	m.SetRegistry([]Command{
		{Route: "bc start", Description: "start broadcasting", Access: AccessOperator, Handle: record},
		{Route: "bc stop", Description: "stop broadcasting", Access: AccessOperator, Handle: record},
		{Route: "accounts", Aliases: []string{"acc"}, Handle: record},
	}, []CallbackRoute{
		{Scope: "bc", Action: "stop", Access: AccessOperator, Handle: func(ctx context.Context, req *Request, payload string) error {
			return record(ctx, req)
		}},
	})
	m.SetTextHandler(record)

	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.DispatchLoop(ctx, updates)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return m, ad, updates, calls
}

func msg(from int64, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: from, FromID: from, Text: text, Private: true}}
}

func expectCall(t *testing.T, calls <-chan call) call {
	t.Helper()
	select {
	case c := <-calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("handler not called")
		return call{}
	}
}

func expectNoCall(t *testing.T, calls <-chan call) {
	t.Helper()
	select {
	case c := <-calls:
		t.Fatalf("unexpected call %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRoutesSubcommandsAndAutoAliases(t *testing.T) {
	_, _, updates, calls := startManager(t, nil)

	updates <- msg(1, "/bc start 7")
	if c := expectCall(t, calls); c.cmd != "bc start" || !reflect.DeepEqual(c.args, []string{"7"}) {
		t.Fatalf("call = %+v", c)
	}
	updates <- msg(1, "/bc_stop@castbot 8 \"note here\"")
	c := expectCall(t, calls)
	if c.cmd != "bc stop" || !reflect.DeepEqual(c.args, []string{"8", "note here"}) {
		t.Fatalf("call = %+v", c)
	}
	updates <- msg(1, "/BC Start 9")
	if c := expectCall(t, calls); c.cmd != "bc start" || !reflect.DeepEqual(c.args, []string{"9"}) {
		t.Fatalf("mixed case call = %+v", c)
	}
	updates <- msg(1, "/acc")
	if c := expectCall(t, calls); c.cmd != "accounts" {
		t.Fatalf("alias call = %+v", c)
	}
}

func TestUnknownCommandAndGroupHelp(t *testing.T) {
	_, ad, updates, calls := startManager(t, nil)

	updates <- msg(1, "/nope")
	updates <- msg(1, "/bc")
	expectNoCall(t, calls)
	waitSent(t, ad, "bc start")
}

func TestOwnerAllowlist(t *testing.T) {
	m, ad, updates, calls := startManager(t, []int64{42})

	updates <- msg(7, "/bc start 1")
	expectNoCall(t, calls)
	waitSent(t, ad, "for the bot's owners")

	updates <- msg(7, "/accounts")
	expectCall(t, calls)

	updates <- msg(7, "hello")
	expectNoCall(t, calls)

	m.SetOwners(nil)
	updates <- msg(7, "/bc start 1")
	expectCall(t, calls)
}

func TestPlainTextOnlyFromPrivateChats(t *testing.T) {
	_, _, updates, calls := startManager(t, nil)

	group := msg(5, "@some_chat")
	group.Message.Private = false
	updates <- group
	expectNoCall(t, calls)

	updates <- msg(5, "@some_chat")
	if c := expectCall(t, calls); c.cmd != "text" || c.text != "@some_chat" {
		t.Fatalf("call = %+v", c)
	}
}

func TestCallbackRouting(t *testing.T) {
	_, ad, updates, calls := startManager(t, nil)

	updates <- kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "q1", FromID: 3, ChatID: 3, Data: "bc:stop:12"}}
	if c := expectCall(t, calls); c.cmd != "cb:bc:stop" || c.payload != "12" {
		t.Fatalf("call = %+v", c)
	}
	updates <- kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "q2", FromID: 3, ChatID: 3, Data: "zz:top"}}
	expectNoCall(t, calls)

	deadline := time.Now().Add(2 * time.Second)
	for {
		ad.mu.Lock()
		got := append([]string(nil), ad.answered...)
		ad.mu.Unlock()
		if len(got) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("answered = %v", got)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTokenize(t *testing.T) {
	got := tokenize(`/set_override 3 "@my chat" it\'s -5  `)
	want := []string{"/set_override", "3", "@my chat", "it's", "-5"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("tokens = %q", got)
	}
	if got := tokenize(`/x ""`); !reflect.DeepEqual(got, []string{"/x", ""}) {
		t.Fatalf("empty quoted arg = %q", got)
	}
	if w := commandWord("/Accounts@CastBot"); w != "accounts" {
		t.Fatalf("word = %q", w)
	}
}

func TestMenuFollowsRegistrationOrder(t *testing.T) {
	if got := commandName("Delete-Account"); got != "delete_account" {
		t.Fatalf("name = %q", got)
	}
	if got := commandName("2fa"); got != "cmd_2fa" {
		t.Fatalf("name = %q", got)
	}
	noop := func(context.Context, *Request) error { return nil }
	tab := newTable([]Command{
		{Route: "bc start", Description: "start", Handle: noop},
		{Route: "accounts", Description: "list\n accounts", Handle: noop},
		{Route: "hidden"},
	}, nil)
	menu := tab.menu()
	if len(menu) != 2 || menu[0].Command != "bc_start" || menu[1].Command != "accounts" || menu[1].Description != "list accounts" {
		t.Fatalf("menu = %+v", menu)
	}
}

func TestFloodGate(t *testing.T) {
	g := newFloodGate(4) // burst 1
	if ok, _ := g.allow(1); !ok {
		t.Fatal("first request throttled")
	}
	ok, first := g.allow(1)
	if ok || !first {
		t.Fatalf("second = %v, %v", ok, first)
	}
	if ok, first := g.allow(1); ok || first {
		t.Fatalf("third = %v, %v; want a silent rejection", ok, first)
	}
	if ok, _ := g.allow(2); !ok {
		t.Fatal("other user throttled")
	}
	g.set(0)
	for i := 0; i < 10; i++ {
		if ok, _ := g.allow(1); !ok {
			t.Fatal("disabled gate throttled")
		}
	}
}

func TestFloodLimitWarnsOnce(t *testing.T) {
	m, ad, updates, calls := startManager(t, nil)
	m.SetFloodLimit(4)

	updates <- msg(9, "/accounts")
	expectCall(t, calls)
	updates <- msg(9, "/accounts")
	updates <- msg(9, "/accounts")
	expectNoCall(t, calls)
	waitSent(t, ad, "Too many requests")
	ad.mu.Lock()
	n := len(ad.sent)
	ad.mu.Unlock()
	if n != 1 {
		t.Fatalf("sent %d notices, want 1", n)
	}
}

func TestOneUserRunsInOrder(t *testing.T) {
	ad := &fakeAdapter{}
	m := NewCommandManager(logx.Nop(), ad, nil, nil)
	var mu sync.Mutex
	var seen []string
	m.SetRegistry(nil, nil)
	m.SetTextHandler(func(ctx context.Context, req *Request) error {
		time.Sleep(time.Millisecond)
		mu.Lock()
		seen = append(seen, req.Text)
		mu.Unlock()
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update, 32)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.DispatchLoop(ctx, updates)
	}()
	want := []string{"a", "b", "c", "d", "e", "f"}
	for _, s := range want {
		updates <- msg(11, s)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		got := append([]string(nil), seen...)
		mu.Unlock()
		if len(got) == len(want) {
			if !reflect.DeepEqual(got, want) {
				t.Fatalf("order = %v", got)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("handled %v", got)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}

func waitSent(t *testing.T, ad *fakeAdapter, substr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(ad.lastSent(), substr) {
		if time.Now().After(deadline) {
			t.Fatalf("last sent = %q, want it to contain %q", ad.lastSent(), substr)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
