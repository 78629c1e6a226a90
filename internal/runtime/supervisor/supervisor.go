// Package supervisor runs named goroutines under one cancellable context,
// recovering panics, restarting long-lived loops and keeping per-name
// statistics for the health endpoint.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	logx "castbot/pkg/logx"
)

// stableRun resets the restart backoff when a run lasted at least this long.
const stableRun = 30 * time.Second

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	cancelOnErr bool
	firstErr    atomic.Pointer[error]

	started atomic.Uint64
	active  atomic.Int64
	wg      sync.WaitGroup

	waitOnce sync.Once
	idle     chan struct{}

	mu    sync.Mutex
	stats map[string]*GoroutineStats
}

type SupervisorOption func(*Supervisor)

func WithLogger(log logx.Logger) SupervisorOption {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context on the first failure.
func WithCancelOnError(enabled bool) SupervisorOption {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func NewSupervisor(parent context.Context, opts ...SupervisorOption) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		log:    logx.Nop(),
		idle:   make(chan struct{}),
		stats:  map[string]*GoroutineStats{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the context without waiting for goroutines.
func (s *Supervisor) Cancel() { s.cancel() }

// Err is the first failure recorded, if any.
func (s *Supervisor) Err() error {
	if p := s.firstErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *Supervisor) recordErr(err error) {
	if err != nil {
		s.firstErr.CompareAndSwap(nil, &err)
	}
}

func (s *Supervisor) fail(err error) {
	s.recordErr(err)
	if s.cancelOnErr {
		s.cancel()
	}
}

// guarded runs fn and converts a panic into an error.
func (s *Supervisor) guarded(name string, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.notePanic(name, r)
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(s.ctx)
}

func (s *Supervisor) spawn(body func()) {
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		body()
	}()
}

// Go runs fn once. A returned error or a panic counts as a failure;
// context.Canceled does not.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.spawn(func() {
		began := s.noteStart(name, false)
		err := s.guarded(name, fn)
		if err != nil && !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%s: %w", name, err)
			s.noteStop(name, began, err)
			s.fail(err)
			return
		}
		s.noteStop(name, began, nil)
	})
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error { fn(ctx); return nil })
}

type RestartOption func(*restartPolicy)

type restartPolicy struct {
	min, max    time.Duration
	stopOnClean bool
	publish     bool
}

func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.min = min
		}
		if max > 0 {
			p.max = max
		}
	}
}

// WithPublishFirstError makes a restarted failure visible through Err.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.publish = enabled }
}

// WithStopOnCleanExit ends the loop when fn returns nil (the default)
// instead of restarting it.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.stopOnClean = enabled }
}

// GoRestart keeps fn running until the context ends, restarting it after
// errors and panics with jittered exponential backoff. Restart failures
// never cancel the supervisor.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{min: 250 * time.Millisecond, max: 30 * time.Second, stopOnClean: true}
	for _, o := range opts {
		o(&p)
	}
	p.max = max(p.max, p.min)

	s.spawn(func() {
		backoff := p.min
		for attempt := 0; s.ctx.Err() == nil; attempt++ {
			began := s.noteStart(name, attempt > 0)
			err := s.guarded(name, fn)
			if s.ctx.Err() != nil || errors.Is(err, context.Canceled) || (err == nil && p.stopOnClean) {
				s.noteStop(name, began, nil)
				return
			}
			if err == nil {
				err = errors.New("returned early")
			}
			err = fmt.Errorf("%s: %w", name, err)
			s.noteStop(name, began, err)
			if p.publish {
				s.recordErr(err)
			}

			if time.Since(began) >= stableRun {
				backoff = p.min
			}
			pause := backoff + rand.N(backoff/5+1)
			backoff = min(backoff*2, p.max)
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", pause), logx.Err(err))
			t := time.NewTimer(pause)
			select {
			case <-s.ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
	})
}

func (s *Supervisor) GoRestart0(name string, fn func(ctx context.Context), opts ...RestartOption) {
	if fn == nil {
		return
	}
	s.GoRestart(name, func(ctx context.Context) error { fn(ctx); return nil }, opts...)
}

// Stop cancels the context and waits like Wait.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine has returned or ctx is done. It
// returns ctx's error on timeout and the first failure otherwise.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.idle)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.idle:
		return s.Err()
	}
}
