package notifier

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"castbot/internal/eventbus"
	rtsup "castbot/internal/runtime/supervisor"
	kit "castbot/internal/transport"
	logx "castbot/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

type job struct {
	n   Notification
	key string
}

// Service is the notification pipeline. It is safe for concurrent use.
type Service struct {
	log     logx.Logger
	adapter kit.Adapter
	bus     eventbus.Bus
	store   DedupStore
	seen    *window

	mu       sync.Mutex
	cfg      Config
	limiter  *rate.Limiter
	queue    chan job // nil unless running
	persist  chan dedupWrite
	sup      *rtsup.Supervisor
	stopping chan struct{} // closed when an in-progress Stop finishes

	// inflight counts Send calls between the running check and the enqueue,
	// so Stop closes the queue only once they are done.
	inflight sync.WaitGroup

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger, bus eventbus.Bus, store DedupStore) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{adapter: adapter, log: log, bus: bus, store: store, seen: newWindow()}
	s.Apply(cfg)
	return s
}

func withDefaults(cfg Config) Config {
	def := func(v *int, d int) {
		if *v <= 0 {
			*v = d
		}
	}
	def(&cfg.Workers, 2)
	def(&cfg.QueueSize, 512)
	def(&cfg.RatePerSec, 3)
	def(&cfg.DedupMaxEntries, 2000)
	cfg.RetryMax = max(cfg.RetryMax, 0)
	cfg.DedupWindow = max(cfg.DedupWindow, 0)
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	return cfg
}

// Apply swaps rate, retry and dedup settings at once. Workers, QueueSize
// and PersistDedup take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	cfg = withDefaults(cfg)
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Supervisor returns the worker supervisor, nil when not running.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Start launches the workers. It does nothing when disabled or already
// running, and waits for a Stop in progress first.
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
	if s.queue != nil || !s.cfg.Enabled {
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.persist = nil
	if s.cfg.PersistDedup && s.store != nil {
		s.persist = make(chan dedupWrite, 1024)
	}
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log.With(logx.String("comp", "notifier.sup"))))

	q, persist := s.queue, s.persist
	if persist != nil {
		s.sup.GoRestart("dedup.persist", func(c context.Context) error {
			s.persistLoop(c, persist)
			return s.exitErr(c)
		}, rtsup.WithPublishFirstError(true))
	}
	for i := range s.cfg.Workers {
		s.sup.GoRestart("worker."+strconv.Itoa(i), func(c context.Context) error {
			s.worker(c, q)
			return s.exitErr(c)
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Debug("notifier started", logx.Int("workers", s.cfg.Workers))
}

// exitErr classifies a worker return: during Stop or cancellation it is a
// clean exit, otherwise it is restarted.
func (s *Service) exitErr(ctx context.Context) error {
	s.mu.Lock()
	stopping := s.stopping != nil
	s.mu.Unlock()
	if stopping || ctx.Err() != nil {
		return context.Canceled
	}
	return errors.New("worker exited unexpectedly")
}

// Stop refuses new notifications and lets the workers drain the queue
// until ctx ends; whatever is left then is discarded.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.queue == nil {
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
	q, persist, sup := s.queue, s.persist, s.sup
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.inflight.Wait()
		close(q)
		if persist != nil {
			close(persist)
		}
		_ = sup.Wait(context.Background())
		sup.Cancel()
		s.mu.Lock()
		s.queue, s.persist, s.sup, s.stopping = nil, nil, nil, nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// Notify queues text for the operator's private chat. Failures are logged,
// never returned; callers are broadcast loops that must not block.
func (s *Service) Notify(ctx context.Context, operatorID int64, text string) {
	if err := s.Send(ctx, Notification{OperatorID: operatorID, Text: text}); err != nil && !errors.Is(err, ErrDisabled) {
		s.log.Debug("notification not queued", logx.Int64("operator_id", operatorID), logx.Err(err))
	}
}

// Alert is Notify for messages that must reach the operator every time,
// however often the same text repeats.
func (s *Service) Alert(ctx context.Context, operatorID int64, text string) {
	if err := s.Send(ctx, Notification{OperatorID: operatorID, Text: text, Always: true}); err != nil && !errors.Is(err, ErrDisabled) {
		s.log.Warn("alert not queued", logx.Int64("operator_id", operatorID), logx.Err(err))
	}
}

// Send queues n. A duplicate inside the dedup window is dropped and
// reported as success.
func (s *Service) Send(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.OperatorID == 0 || n.Text == "" {
		return nil
	}

	s.mu.Lock()
	switch {
	case !s.cfg.Enabled:
		s.mu.Unlock()
		return ErrDisabled
	case s.queue == nil || s.stopping != nil:
		s.mu.Unlock()
		return ErrStopped
	}
	q, persist, cfg := s.queue, s.persist, s.cfg
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	key := dedupKey(n)
	if cfg.DedupWindow > 0 && !n.Always && !s.admit(ctx, key, cfg, persist) {
		s.publish("notifier.deduped", Event{OperatorID: n.OperatorID, Key: key})
		return nil
	}
	select {
	case q <- job{n: n, key: key}:
		s.publish("notifier.queued", Event{OperatorID: n.OperatorID, Key: key})
		return nil
	default:
		s.publish("notifier.dropped", Event{OperatorID: n.OperatorID, Key: key, Error: ErrQueueFull.Error()})
		return ErrQueueFull
	}
}

func (s *Service) publish(typ string, e Event) {
	if s.bus == nil {
		return
	}
	e.At = time.Now()
	s.bus.Publish(eventbus.Event{Type: typ, Time: e.At, Data: e})
}
