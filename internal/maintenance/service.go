package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"castbot/internal/eventbus"
	rtsup "castbot/internal/runtime/supervisor"
	logx "castbot/pkg/logx"
)

var ErrUnknownJob = errors.New("unknown maintenance job")

type Config struct {
	Enabled        bool
	Schedule       string // default for jobs without their own schedule
	Timezone       string // IANA name, empty is local time
	RunRetention   time.Duration
	AuditRetention time.Duration
}

// Job is a named housekeeping task.
type Job struct {
	Name     string
	Schedule string // empty uses Config.Schedule
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

// JobInfo is a point-in-time view of one job.
type JobInfo struct {
	Name    string
	Spec    string
	Next    time.Time
	Prev    time.Time
	Runs    uint64
	Skipped uint64
	LastErr string
	LastRun time.Duration
}

type jobState struct {
	job     Job
	spec    string
	entryID cron.EntryID
	running bool
	runs    uint64
	skipped uint64
	lastErr string
	lastRun time.Duration
}

type Service struct {
	mu  sync.Mutex
	log logx.Logger
	bus eventbus.Bus
	cfg Config
	now func() time.Time

	jobs map[string]*jobState
	loc  *time.Location
	c    *cron.Cron
	sup  *rtsup.Supervisor
	pctx context.Context
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log, bus: bus, now: time.Now, jobs: map[string]*jobState{}}
}

func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Supervisor returns the job supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Register adds or replaces jobs by name. Jobs registered after Start are
// scheduled immediately.
func (s *Service) Register(jobs ...Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, j := range jobs {
		name := strings.TrimSpace(j.Name)
		if name == "" || j.Run == nil {
			errs = append(errs, errors.New("job needs a name and a func"))
			continue
		}
		if old, ok := s.jobs[name]; ok && s.c != nil && old.entryID != 0 {
			s.c.Remove(old.entryID)
		}
		st := &jobState{job: j}
		s.jobs[name] = st
		if s.c != nil {
			if err := s.scheduleLocked(name, st); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Start begins triggering. It is a no-op when disabled or already started.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pctx = ctx
	if s.c != nil || !s.cfg.Enabled {
		return
	}
	s.startLocked()
}

func (s *Service) startLocked() {
	s.loc = s.loadLocationLocked()
	s.sup = rtsup.NewSupervisor(s.pctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.c = cron.New(cron.WithParser(cronParser), cron.WithLocation(s.loc))
	for _, name := range s.namesLocked() {
		if err := s.scheduleLocked(name, s.jobs[name]); err != nil {
			s.log.Error("maintenance job not scheduled", logx.String("job", name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("maintenance started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
}

func (s *Service) scheduleLocked(name string, st *jobState) error {
	raw := st.job.Schedule
	if strings.TrimSpace(raw) == "" {
		raw = s.cfg.Schedule
	}
	ps, err := ParseSchedule(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	sched, err := ps.schedule(s.now().In(s.loc))
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	st.spec = ps.String()
	st.entryID = s.c.Schedule(sched, cron.FuncJob(func() { s.trigger(name) }))
	s.log.Debug("maintenance job scheduled", logx.String("job", name), logx.String("spec", st.spec))
	return nil
}

// trigger starts the job unless its previous run is still going.
func (s *Service) trigger(name string) {
	s.mu.Lock()
	st, ok := s.jobs[name]
	sup := s.sup
	if !ok || sup == nil {
		s.mu.Unlock()
		return
	}
	if st.running {
		st.skipped++
		s.mu.Unlock()
		s.log.Debug("maintenance job still running, tick skipped", logx.String("job", name))
		return
	}
	st.running = true
	job := st.job
	s.mu.Unlock()

	sup.Go("maintenance."+name, func(ctx context.Context) error {
		return s.execute(ctx, name, job)
	})
}

func (s *Service) execute(ctx context.Context, name string, job Job) error {
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}
	start := time.Now()
	err := job.Run(ctx)
	took := time.Since(start)

	s.mu.Lock()
	if st, ok := s.jobs[name]; ok {
		st.running = false
		st.runs++
		st.lastRun = took
		st.lastErr = ""
		if err != nil {
			st.lastErr = err.Error()
		}
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("maintenance job failed", logx.String("job", name), logx.Duration("took", took), logx.Err(err))
		s.publish("maintenance.job_failed", name, err)
		return err
	}
	s.log.Debug("maintenance job done", logx.String("job", name), logx.Duration("took", took))
	s.publish("maintenance.job_done", name, nil)
	return nil
}

func (s *Service) publish(typ, name string, err error) {
	if s.bus == nil {
		return
	}
	data := map[string]any{"job": name}
	if err != nil {
		data["error"] = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: data})
}

// RunNow runs one job synchronously, whether or not the service is started.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	st, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	if st.running {
		s.mu.Unlock()
		return fmt.Errorf("job %q is already running", name)
	}
	st.running = true
	job := st.job
	s.mu.Unlock()
	return s.execute(ctx, name, job)
}

// Apply swaps the config. A change of schedule, timezone or enabled flag
// restarts triggering; retention changes apply to the next run.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	started := s.c != nil
	canStart := s.pctx != nil
	s.mu.Unlock()

	restart := prev.Enabled != cfg.Enabled ||
		strings.TrimSpace(prev.Schedule) != strings.TrimSpace(cfg.Schedule) ||
		strings.TrimSpace(prev.Timezone) != strings.TrimSpace(cfg.Timezone)
	if !restart {
		return
	}
	if started {
		s.Stop(context.Background())
	}
	if cfg.Enabled && canStart {
		s.mu.Lock()
		if s.c == nil {
			s.startLocked()
		}
		s.mu.Unlock()
	}
}

// Stop halts triggering and waits for running jobs until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c, sup := s.c, s.sup
	s.c, s.sup = nil, nil
	for _, st := range s.jobs {
		st.entryID = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil {
		s.log.Warn("maintenance jobs still running at stop", logx.Err(err))
	}
	s.log.Info("maintenance stopped")
}

// Snapshot lists jobs sorted by name.
func (s *Service) Snapshot() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, name := range s.namesLocked() {
		st := s.jobs[name]
		info := JobInfo{Name: name, Spec: st.spec, Runs: st.runs, Skipped: st.skipped, LastErr: st.lastErr, LastRun: st.lastRun}
		if s.c != nil && st.entryID != 0 {
			e := s.c.Entry(st.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		out = append(out, info)
	}
	return out
}

func (s *Service) namesLocked() []string {
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
