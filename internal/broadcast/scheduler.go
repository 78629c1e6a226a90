package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"castbot/internal/eventbus"
	rtsup "castbot/internal/runtime/supervisor"
	"castbot/internal/storage"
	logx "castbot/pkg/logx"
)

// entry is one slot in the ownership table. A slot is reserved (starting)
// before any I/O and released only after its loop has exited and the stopped
// record is written, so an account never has two loops.
type entry struct {
	ready chan struct{} // closed when starting ends (registered or released)
	done  chan struct{} // closed when the slot is released

	starting  bool
	stopping  bool
	held      bool // reserved by StopAndHold; never gets a loop
	loop      *loop
	cancel    context.CancelFunc
	startedAt time.Time

	// reason set by Stop/ShutdownAll before cancelling.
	stopReason StopReason
}

type Deps struct {
	Store     Store
	Connector Connector
	Notifier  Notifier
	Bus       eventbus.Bus
	Clock     Clock
	Pacer     Pacer // nil: RandomPacer over Config
	Log       logx.Logger
}

// Scheduler owns the per-account broadcast loops.
type Scheduler struct {
	store    Store
	conn     Connector
	notifier Notifier
	bus      eventbus.Bus
	clock    Clock
	log      logx.Logger
	sup      *rtsup.Supervisor

	mu     sync.Mutex
	loops  map[int64]*entry
	closed bool

	cfgMu       sync.RWMutex
	cfg         Config
	pacer       Pacer
	fixedPacer  bool
	recordWrite time.Duration
}

func NewScheduler(cfg Config, d Deps) *Scheduler {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Clock == nil {
		d.Clock = RealClock()
	}
	s := &Scheduler{
		store:       d.Store,
		conn:        d.Connector,
		notifier:    d.Notifier,
		bus:         d.Bus,
		clock:       d.Clock,
		log:         d.Log,
		loops:       map[int64]*entry{},
		recordWrite: 10 * time.Second,
	}
	s.sup = rtsup.NewSupervisor(context.Background(),
		rtsup.WithLogger(d.Log.With(logx.String("comp", "broadcast.sup"))),
		rtsup.WithCancelOnError(false),
	)
	if d.Pacer != nil {
		s.pacer = d.Pacer
		s.fixedPacer = true
	}
	s.Apply(cfg)
	return s
}

// Apply swaps pacing settings; running loops pick them up at their next sleep.
func (s *Scheduler) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfgMu.Lock()
	s.cfg = cfg
	if !s.fixedPacer {
		s.pacer = NewRandomPacer(cfg)
	}
	s.cfgMu.Unlock()
}

func (s *Scheduler) settings() (Config, Pacer) {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg, s.pacer
}

// Supervisor exposes loop goroutine stats for /health.
func (s *Scheduler) Supervisor() *rtsup.Supervisor { return s.sup }

// Start launches a loop for accountID.
//
// Misconfigured is returned with an error wrapping ErrMisconfigured that says
// why (no text, no active destinations, or the client could not connect).
// StartFailed is returned for infrastructure errors.
func (s *Scheduler) Start(ctx context.Context, accountID int64) (StartResult, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return StartFailed, ErrShuttingDown
	}
	if cur, ok := s.loops[accountID]; ok {
		s.mu.Unlock()
		if cur.held {
			return StartFailed, ErrAccountBusy
		}
		return AlreadyRunning, nil
	}
	e := &entry{starting: true, ready: make(chan struct{}), done: make(chan struct{})}
	s.loops[accountID] = e
	s.mu.Unlock()

	release := func() { s.release(accountID, e) }

	log := s.log.With(logx.Int64("account_id", accountID))

	acc, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		release()
		return StartFailed, err
	}
	conf, err := s.store.GetConfiguration(ctx, accountID)
	if err != nil {
		release()
		return StartFailed, fmt.Errorf("read configuration: %w", err)
	}
	switch {
	case strings.TrimSpace(conf.DefaultText) == "":
		release()
		return Misconfigured, ErrNoDefaultText
	case len(conf.Active()) == 0:
		release()
		return Misconfigured, ErrNoDestination
	}

	sess, err := s.conn.Connect(ctx, acc)
	if err != nil {
		release()
		if ctx.Err() != nil {
			return StartFailed, ctx.Err()
		}
		log.Warn("connect failed", logx.Err(err))
		return Misconfigured, fmt.Errorf("%w: connect: %w", ErrMisconfigured, err)
	}

	runID := uuid.NewString()
	now := s.clock.Now()
	if err := s.store.SetRunState(ctx, accountID, storage.RunRecordUpdate{Status: storage.RunRunning, RunID: runID, At: now}); err != nil {
		_ = sess.Close()
		release()
		return StartFailed, fmt.Errorf("write run record: %w", err)
	}

	l := &loop{
		accountID:  accountID,
		operatorID: acc.OperatorID,
		label:      acc.Label(),
		runID:      runID,
		sess:       sess,
		store:      s.store,
		notifier:   s.notifier,
		clock:      s.clock,
		bus:        s.bus,
		log:        log.With(logx.String("comp", "broadcast.loop"), logx.String("run_id", runID)),
		settings:   s.settings,
		state:      StateCycling,
	}
	l.touch = func(at time.Time) { s.touch(accountID, at) }

	lctx, cancel := context.WithCancel(s.sup.Context())
	s.mu.Lock()
	e.starting = false
	e.loop = l
	e.cancel = cancel
	e.startedAt = now
	s.mu.Unlock()
	close(e.ready)

	s.sup.Go("broadcast."+strconv.FormatInt(accountID, 10), func(context.Context) error {
		s.runLoop(lctx, accountID, e)
		return nil
	})

	l.publish(EventStarted, Event{})
	log.Info("broadcast started", logx.String("run_id", runID))
	return Started, nil
}

// release frees a slot that never got a running loop.
func (s *Scheduler) release(accountID int64, e *entry) {
	s.mu.Lock()
	if s.loops[accountID] == e {
		delete(s.loops, accountID)
	}
	s.mu.Unlock()
	close(e.ready)
	close(e.done)
}

func (s *Scheduler) runLoop(ctx context.Context, accountID int64, e *entry) {
	reason := ReasonCrashed
	// Deferred so a panicking loop still releases its slot; the supervisor
	// recovers the panic afterwards.
	defer func() { s.finish(accountID, e, reason) }()
	reason = e.loop.run(ctx)
}

// finish writes the stopped record while the slot is still held, then
// releases the slot.
func (s *Scheduler) finish(accountID int64, e *entry, reason StopReason) {
	if reason == reasonCancelled {
		s.mu.Lock()
		reason = e.stopReason
		s.mu.Unlock()
		if reason == "" {
			reason = ReasonShutdown
		}
	}
	e.cancel()

	l := e.loop
	l.setState(StateTerminating)

	ctx, cancel := context.WithTimeout(context.Background(), s.recordWrite)
	err := s.store.SetRunState(ctx, accountID, storage.RunRecordUpdate{Status: storage.RunStopped, Reason: string(reason), At: s.clock.Now()})
	cancel()
	if err != nil {
		l.log.Error("write stopped run record failed", logx.Err(err))
	}

	l.setState(StateStopped)
	s.mu.Lock()
	if s.loops[accountID] == e {
		delete(s.loops, accountID)
	}
	s.mu.Unlock()
	close(e.done)

	l.publish(EventStopped, Event{Reason: reason})
	l.log.Info("broadcast stopped", logx.String("reason", string(reason)))
	if reason == ReasonCrashed {
		l.notify("broadcast stopped after an internal error")
	}
}

func (s *Scheduler) touch(accountID int64, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), s.recordWrite)
	defer cancel()
	if err := s.store.TouchRunRecord(ctx, accountID, at); err != nil {
		s.log.Debug("touch run record failed", logx.Int64("account_id", accountID), logx.Err(err))
	}
}

// Stop cancels the account's loop and blocks until it has exited and its run
// record reads stopped. It returns NotRunning, without touching the store,
// when no loop is registered.
func (s *Scheduler) Stop(ctx context.Context, accountID int64) (StopResult, error) {
	return s.stop(ctx, accountID, ReasonOperator)
}

func (s *Scheduler) stop(ctx context.Context, accountID int64, reason StopReason) (StopResult, error) {
	for {
		s.mu.Lock()
		e, ok := s.loops[accountID]
		if !ok {
			s.mu.Unlock()
			return NotRunning, nil
		}
		if e.starting {
			s.mu.Unlock()
			select {
			case <-e.ready:
				continue
			case <-ctx.Done():
				return StopFailed, ctx.Err()
			}
		}
		owner := !e.stopping
		if owner {
			e.stopping = true
			e.stopReason = reason
		}
		cancel := e.cancel
		s.mu.Unlock()

		if owner {
			cancel()
		}
		select {
		case <-e.done:
		case <-ctx.Done():
			return StopFailed, ctx.Err()
		}
		if !owner {
			return NotRunning, nil
		}
		return Stopped, nil
	}
}

// StopAndHold stops the account's loop like Stop, then runs fn with the
// account's slot reserved so no loop can start until fn returns. Start
// meanwhile fails with ErrAccountBusy. A stop error skips fn.
func (s *Scheduler) StopAndHold(ctx context.Context, accountID int64, fn func(context.Context) error) (StopResult, error) {
	res := NotRunning
	var e *entry
	for e == nil {
		r, err := s.stop(ctx, accountID, ReasonOperator)
		if err != nil {
			return r, err
		}
		if r == Stopped {
			res = Stopped
		}
		s.mu.Lock()
		// A Start may have won the slot since the stop; go round again.
		if _, taken := s.loops[accountID]; !taken {
			e = &entry{starting: true, held: true, ready: make(chan struct{}), done: make(chan struct{})}
			s.loops[accountID] = e
		}
		s.mu.Unlock()
	}
	defer s.release(accountID, e)
	return res, fn(ctx)
}

// Status reports the in-memory state of the account's loop.
func (s *Scheduler) Status(accountID int64) RunState {
	s.mu.Lock()
	e, ok := s.loops[accountID]
	var l *loop
	if ok {
		l = e.loop
	}
	s.mu.Unlock()
	switch {
	case !ok || e.held:
		return StateIdle
	case l == nil:
		return StateStarting
	default:
		return l.status().State
	}
}

// Snapshot lists every registered loop, ordered by account.
func (s *Scheduler) Snapshot() []Status {
	s.mu.Lock()
	out := make([]Status, 0, len(s.loops))
	for id, e := range s.loops {
		if e.held {
			continue
		}
		if e.loop == nil {
			out = append(out, Status{AccountID: id, State: StateStarting})
			continue
		}
		st := e.loop.status()
		st.StartedAt = e.startedAt
		out = append(out, st)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// Running reports how many loops are registered.
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.loops {
		if !e.held {
			n++
		}
	}
	return n
}

// ReconcileOnStartup closes every durable running record that no in-memory
// loop backs. Nothing is resumed. It returns the number of records closed.
func (s *Scheduler) ReconcileOnStartup(ctx context.Context) (int, error) {
	ids, err := s.store.ListRunningAccounts(ctx)
	if err != nil {
		return 0, fmt.Errorf("list running: %w", err)
	}
	n := 0
	var errs []error
	for _, id := range ids {
		// Held across the write so a concurrent Start cannot open a record
		// that this write would then close.
		s.mu.Lock()
		if _, live := s.loops[id]; live {
			s.mu.Unlock()
			continue
		}
		err := s.store.SetRunState(ctx, id, storage.RunRecordUpdate{Status: storage.RunStopped, Reason: string(ReasonStale), At: s.clock.Now()})
		s.mu.Unlock()
		if err != nil {
			errs = append(errs, fmt.Errorf("account %d: %w", id, err))
			continue
		}
		n++
	}
	if n > 0 {
		s.log.Info("stale run records reset", logx.Int("count", n))
	}
	return n, errors.Join(errs...)
}

// ShutdownAll refuses new starts and stops every loop concurrently.
func (s *Scheduler) ShutdownAll(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	ids := make([]int64, 0, len(s.loops))
	for id := range s.loops {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var (
		wg   sync.WaitGroup
		emu  sync.Mutex
		errs []error
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			if _, err := s.stop(ctx, id, ReasonShutdown); err != nil {
				emu.Lock()
				errs = append(errs, fmt.Errorf("account %d: %w", id, err))
				emu.Unlock()
			}
		}(id)
	}
	wg.Wait()

	// Loop panics were already reported by finish; only a timeout matters here.
	if err := s.sup.Stop(ctx); err != nil && ctx.Err() != nil {
		errs = append(errs, err)
	}
	if len(ids) > 0 {
		s.log.Info("all broadcasts stopped", logx.Int("count", len(ids)))
	}
	return errors.Join(errs...)
}
