package health

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	rtsup "castbot/internal/runtime/supervisor"
	logx "castbot/pkg/logx"
)

type Config struct {
	Enabled      bool
	Addr         string // default ":8080"; PORT env overrides the port
	Pprof        bool
	Token        string // guards /debug/pprof/ when set
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// LoopCounter reports how many broadcast loops are registered.
type LoopCounter interface {
	Running() int
}

// SupervisorSource lists named subsystem supervisors.
type SupervisorSource interface {
	Snapshot() map[string]*rtsup.Supervisor
}

// Service owns the optional HTTP listener.
type Service struct {
	log     logx.Logger
	loops   LoopCounter
	sups    SupervisorSource
	started time.Time
	getenv  func(string) string

	mu       sync.Mutex
	cfg      Config
	srv      *http.Server
	addr     string
	sup      *rtsup.Supervisor
	stopping chan struct{}
}

func New(cfg Config, loops LoopCounter, sups SupervisorSource, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, loops: loops, sups: sups, log: log, started: time.Now(), getenv: os.Getenv}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Addr is the bound listen address, empty until serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Reconfigure applies cfg, restarting the listener only when it changed.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev, running := s.cfg, s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	if running && (!cfg.Enabled || prev != cfg) {
		s.Stop(ctx)
		running = false
	}
	if !running && cfg.Enabled {
		s.Start(ctx)
	}
}

// Start serves until Stop, relistening with backoff when the server dies.
// Calling it while running does nothing.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if wait := s.stopping; wait != nil {
		s.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return
	}
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.sup.GoRestart("http.serve", s.serve,
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if wait := s.stopping; wait != nil {
		s.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopping = done
	srv, sup := s.srv, s.sup
	s.mu.Unlock()

	go func() {
		defer close(done)
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				_ = srv.Close()
			}
		}
		sup.Cancel()
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.srv, s.sup, s.stopping, s.addr = nil, nil, nil, ""
		s.mu.Unlock()
		s.log.Info("health server stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// serve runs one listener lifetime. A return during Stop is clean; any other
// return is an error so the supervisor relistens.
func (s *Service) serve(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	addr := listenAddr(cfg.Addr, s.getenv("PORT"))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		s.log.Error("health listen failed", logx.String("addr", addr), logx.Err(err))
		return err
	}

	srv := &http.Server{
		Handler:      s.Handler(cfg),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	s.mu.Lock()
	s.srv, s.addr = srv, ln.Addr().String()
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	defer stop()

	s.log.Info("health server started", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", cfg.Pprof))
	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv = nil
	}
	stopping := s.stopping != nil
	s.mu.Unlock()

	switch {
	case stopping || ctx.Err() != nil:
		return context.Canceled
	case errors.Is(err, http.ErrServerClosed):
		return errors.New("health server closed unexpectedly")
	default:
		return err
	}
}
