// Package adapter connects the operator bot to Telegram through telebot.
package adapter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "castbot/internal/runtime/supervisor"
	kit "castbot/internal/transport"
	logx "castbot/pkg/logx"
)

const (
	defaultPollTimeout = 10 * time.Second
	dropReportEvery    = 5 * time.Second
	stopGrace          = 2 * time.Second
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

// Adapter is the long-polling operator bot. Updates that arrive while the
// consumer channel is full are dropped and counted.
type Adapter struct {
	log logx.Logger
	bot *tele.Bot

	out     atomic.Pointer[chan<- kit.Update]
	dropped atomic.Uint64

	runMu sync.Mutex
	sup   *rtsup.Supervisor

	menuMu  sync.Mutex
	menuSum uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("telegram bot token is empty (telegram.token or TELEGRAM_BOT_TOKEN)")
	}
	poll := cfg.PollTimeout
	if poll <= 0 {
		poll = defaultPollTimeout
	}
	bot, err := tele.NewBot(tele.Settings{Token: token, Poller: &tele.LongPoller{Timeout: poll}})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{log: log, bot: bot}
	bot.Handle(tele.OnText, a.onText)
	bot.Handle(tele.OnCallback, a.onCallback)
	return a, nil
}

// Supervisor owns the poll loop while started, nil otherwise.
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

// onText also sees commands: telebot routes unregistered "/x" endpoints to
// OnText and the router does its own matching.
func (a *Adapter) onText(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Sender == nil || m.Chat == nil {
		return nil
	}
	a.deliver(kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ID:           m.ID,
		ChatID:       m.Chat.ID,
		FromID:       m.Sender.ID,
		FromUsername: m.Sender.Username,
		FromName:     strings.TrimSpace(m.Sender.FirstName + " " + m.Sender.LastName),
		Text:         m.Text,
		Private:      m.Private(),
	}})
	return nil
}

func (a *Adapter) onCallback(c tele.Context) error {
	cb, m := c.Callback(), c.Message()
	if cb == nil || cb.Sender == nil || m == nil || m.Chat == nil {
		return nil
	}
	a.deliver(kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{
		ID:        cb.ID,
		FromID:    cb.Sender.ID,
		ChatID:    m.Chat.ID,
		MessageID: m.ID,
		Data:      strings.TrimSpace(cb.Data),
	}})
	return nil
}

func (a *Adapter) deliver(up kit.Update) {
	out := a.out.Load()
	if out == nil {
		return
	}
	select {
	case *out <- up:
	default:
		a.dropped.Add(1)
	}
}

// Start begins long polling into out. Calling it again while running is a
// no-op.
func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.sup != nil {
		return nil
	}
	a.out.Store(&out)
	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))))
	a.sup = sup

	sup.Go0("updates.drops", func(c context.Context) {
		t := time.NewTicker(dropReportEvery)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDrops(cap(out))
				return
			case <-t.C:
				a.reportDrops(cap(out))
			}
		}
	})
	sup.Go0("telebot.stop", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	// bot.Start returns only after bot.Stop; an earlier return is restarted.
	sup.GoRestart0("telebot.poll", func(context.Context) {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second), rtsup.WithStopOnCleanExit(false))
	return nil
}

func (a *Adapter) reportDrops(capacity int) {
	if n := a.dropped.Swap(0); n > 0 {
		a.log.Warn("updates dropped, consumer too slow", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
	}
}

// Stop ends polling. It waits at most a short grace period for the
// in-flight getUpdates call and never fails.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	a.out.Store(nil)
	a.runMu.Unlock()
	if sup == nil {
		return nil
	}

	sup.Cancel()
	grace := stopGrace
	if dl, ok := ctx.Deadline(); ok {
		grace = min(grace, max(time.Until(dl), 0))
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		a.log.Debug("polling did not stop cleanly", logx.Err(err))
	}
	return nil
}
