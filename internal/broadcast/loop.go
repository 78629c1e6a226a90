package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"castbot/internal/eventbus"
	"castbot/internal/storage"
	logx "castbot/pkg/logx"
)

// loop is one account's broadcast worker. It owns sess for its whole life.
type loop struct {
	accountID  int64
	operatorID int64
	label      string
	runID      string

	sess     Session
	store    Store
	notifier Notifier
	clock    Clock
	bus      eventbus.Bus
	log      logx.Logger

	// settings returns the scheduler's current pacing config; read per sleep
	// so reloads apply to the next cycle.
	settings func() (Config, Pacer)
	// touch records activity on the run record.
	touch func(at time.Time)

	mu           sync.Mutex
	state        RunState
	backoffUntil time.Time
	cycles       uint64
	sent         uint64
	failed       uint64
	lastCycleAt  time.Time
}

func (l *loop) setState(s RunState) {
	l.mu.Lock()
	l.state = s
	if s != StateBackoff {
		l.backoffUntil = time.Time{}
	}
	l.mu.Unlock()
}

func (l *loop) status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{
		AccountID:    l.accountID,
		State:        l.state,
		RunID:        l.runID,
		BackoffUntil: l.backoffUntil,
		Cycles:       l.cycles,
		Sent:         l.sent,
		Failed:       l.failed,
		LastCycleAt:  l.lastCycleAt,
	}
}

func (l *loop) notify(text string) {
	if l.notifier == nil {
		return
	}
	l.notifier.Alert(context.Background(), l.operatorID, fmt.Sprintf("[%s] %s", l.label, text))
}

func (l *loop) publish(typ string, e Event) {
	if l.bus == nil {
		return
	}
	e.AccountID = l.accountID
	e.RunID = l.runID
	l.bus.Publish(eventbus.Event{Type: typ, Time: l.clock.Now(), Data: e})
}

// sleep is a suspension point: cancellation moves the loop to Terminating.
func (l *loop) sleep(ctx context.Context, d time.Duration) bool {
	if err := l.clock.Sleep(ctx, d); err != nil {
		l.setState(StateTerminating)
		return false
	}
	return true
}

// run cycles until cancelled or a loop-fatal condition, and reports why it ended.
func (l *loop) run(ctx context.Context) StopReason {
	defer func() {
		if err := l.sess.Close(); err != nil {
			l.log.Debug("session close failed", logx.Err(err))
		}
	}()

	for {
		if reason, ok := l.cycle(ctx); !ok {
			return reason
		}
		_, pacer := l.settings()
		if !l.sleep(ctx, pacer.CycleGap()) {
			return reasonCancelled
		}
	}
}

// cycle makes one pass over the active destinations. ok=false ends the loop.
func (l *loop) cycle(ctx context.Context) (reason StopReason, ok bool) {
	if ctx.Err() != nil {
		l.setState(StateTerminating)
		return reasonCancelled, false
	}
	l.setState(StateCycling)

	conf, err := l.store.GetConfiguration(ctx, l.accountID)
	switch {
	case ctx.Err() != nil:
		l.setState(StateTerminating)
		return reasonCancelled, false
	case errors.Is(err, storage.ErrAccountNotFound):
		l.notify("account no longer exists, broadcast stopped")
		return ReasonAccountMissing, false
	case err != nil:
		// Store hiccups are not configuration absence; try again next cycle.
		l.log.Warn("read configuration failed", logx.Err(err))
		return "", true
	}

	dests := conf.Active()
	if strings.TrimSpace(conf.DefaultText) == "" || len(dests) == 0 {
		why := ErrNoDefaultText
		if len(dests) == 0 {
			why = ErrNoDestination
		}
		l.log.Warn("broadcast misconfigured", logx.Err(why))
		l.notify(fmt.Sprintf("broadcast stopped: %v", why))
		return ReasonMisconfigured, false
	}

	cfg, _ := l.settings()
	sent, failed := 0, 0
	for i := 0; i < len(dests); {
		// Never begin a send after cancellation.
		if ctx.Err() != nil {
			l.setState(StateTerminating)
			return reasonCancelled, false
		}
		d := dests[i]
		text := d.OverrideText
		if strings.TrimSpace(text) == "" {
			text = conf.DefaultText
		}

		err := l.send(ctx, cfg.SendTimeout, d.Target, text)
		if wait, limited := asRateLimit(err); limited {
			if cfg.MaxRateLimitWait > 0 && wait > cfg.MaxRateLimitWait {
				l.log.Warn("rate limit wait above cap", logx.Duration("wait", wait), logx.Duration("cap", cfg.MaxRateLimitWait))
				l.notify(fmt.Sprintf("rate limited for %s (cap %s), broadcast stopped", wait.Round(time.Second), cfg.MaxRateLimitWait))
				return ReasonRateLimitCap, false
			}
			until := l.clock.Now().Add(wait)
			l.mu.Lock()
			l.state = StateBackoff
			l.backoffUntil = until
			l.mu.Unlock()
			l.log.Info("rate limited, pausing loop", logx.String("target", d.Target), logx.Duration("wait", wait))
			l.notify(fmt.Sprintf("rate limited, pausing for %s", wait.Round(time.Second)))
			l.publish(EventBackoff, Event{Until: until})
			if !l.sleep(ctx, wait) {
				return reasonCancelled, false
			}
			l.setState(StateCycling)
			// Same destination again.
			continue
		}
		i++

		if err != nil {
			failed++
			l.mu.Lock()
			l.failed++
			l.mu.Unlock()
			l.log.Warn("delivery failed", logx.String("target", d.Target), logx.Err(err))
			continue
		}

		sent++
		l.mu.Lock()
		l.sent++
		l.mu.Unlock()
		_, pacer := l.settings()
		if !l.sleep(ctx, pacer.Pace()) {
			return reasonCancelled, false
		}
		l.setState(StateCycling)
	}

	now := l.clock.Now()
	l.mu.Lock()
	l.cycles++
	l.lastCycleAt = now
	l.mu.Unlock()
	if l.touch != nil {
		l.touch(now)
	}
	l.publish(EventCycle, Event{Sent: sent, Failed: failed})
	l.log.Info("cycle complete", logx.Int("sent", sent), logx.Int("failed", failed))

	switch {
	case sent > 0:
		l.notify(fmt.Sprintf("cycle complete: sent %d of %d", sent, len(dests)))
	case failed > 0:
		l.notify(fmt.Sprintf("cycle sent nothing: %d of %d destinations failed", failed, len(dests)))
	}
	return "", true
}

// send runs one delivery. Cancellation of ctx does not abort an in-flight
// send; only the send timeout does.
func (l *loop) send(ctx context.Context, timeout time.Duration, target, text string) error {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	return l.sess.Send(sctx, target, text)
}
