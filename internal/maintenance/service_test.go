package maintenance

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"castbot/internal/eventbus"
	logx "castbot/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		in   string
		kind SpecKind
		want string
	}{
		{"@every 6h", SpecInterval, "@every 6h0m0s"},
		{"90m", SpecInterval, "@every 1h30m0s"},
		{"06:00", SpecInterval, "@every 6h0m0s"},
		{"every:00:30", SpecInterval, "@every 30m0s"},
		{"0 4 * * *", SpecCron, "0 4 * * *"},
		{"@daily", SpecCron, "@daily"},
		{"cron:*/5 * * * *", SpecCron, "*/5 * * * *"},
	}
	for _, tt := range tests {
		got, err := ParseSchedule(tt.in)
		if err != nil {
			t.Fatalf("ParseSchedule(%q): %v", tt.in, err)
		}
		if got.Kind != tt.kind || got.String() != tt.want {
			t.Fatalf("ParseSchedule(%q) = %v %q, want %v %q", tt.in, got.Kind, got.String(), tt.kind, tt.want)
		}
	}
	for _, bad := range []string{"", "soon", "0s", "00:75", "61 * * * *", "@every -1h"} {
		if _, err := ParseSchedule(bad); err == nil {
			t.Fatalf("ParseSchedule(%q) accepted", bad)
		}
	}
}

type fakePruner struct {
	mu          sync.Mutex
	runsBefore  time.Time
	auditBefore time.Time
	err         error
}

func (f *fakePruner) PruneRunRecords(_ context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runsBefore = before
	return 2, f.err
}

func (f *fakePruner) PruneAudit(_ context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auditBefore = before
	return 0, f.err
}

type fakeSweeper struct{ n atomic.Int32 }

func (f *fakeSweeper) Sweep() int { f.n.Add(1); return 1 }

func TestDefaultJobsUseRetention(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := New(Config{RunRetention: 24 * time.Hour, AuditRetention: 48 * time.Hour}, logx.Nop(), nil)
	s.now = func() time.Time { return now }
	p, sw := &fakePruner{}, &fakeSweeper{}
	if err := s.Register(s.DefaultJobs(p, sw)...); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	for _, name := range []string{JobPruneRuns, JobPruneAudit, JobSweepConversations} {
		if err := s.RunNow(ctx, name); err != nil {
			t.Fatalf("RunNow(%s): %v", name, err)
		}
	}
	if !p.runsBefore.Equal(now.Add(-24*time.Hour)) || !p.auditBefore.Equal(now.Add(-48*time.Hour)) {
		t.Fatalf("cutoffs = %v, %v", p.runsBefore, p.auditBefore)
	}
	if sw.n.Load() != 1 {
		t.Fatalf("sweeps = %d", sw.n.Load())
	}

	// Zero retention keeps everything.
	s.Apply(Config{})
	p.runsBefore = time.Time{}
	if err := s.RunNow(ctx, JobPruneRuns); err != nil || !p.runsBefore.IsZero() {
		t.Fatalf("zero retention pruned: %v %v", p.runsBefore, err)
	}

	if err := s.RunNow(ctx, "nope"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("unknown job err = %v", err)
	}
}

func TestRunNowRecordsFailure(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4, "maintenance.")
	defer unsub()

	s := New(Config{RunRetention: time.Hour}, logx.Nop(), bus)
	p := &fakePruner{err: errors.New("disk full")}
	if err := s.Register(s.DefaultJobs(p, nil)...); err != nil {
		t.Fatal(err)
	}
	if err := s.RunNow(context.Background(), JobPruneRuns); err == nil {
		t.Fatalf("want error")
	}
	snap := s.Snapshot()
	if len(snap) != 2 || snap[1].Name != JobPruneRuns || snap[1].LastErr != "disk full" || snap[1].Runs != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	select {
	case e := <-ch:
		if e.Type != "maintenance.job_failed" {
			t.Fatalf("event = %s", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("no event")
	}
}

func TestScheduledJobRunsAndStops(t *testing.T) {
	s := New(Config{Enabled: true, Schedule: "@every 1s"}, logx.Nop(), nil)
	ran := make(chan struct{}, 8)
	if err := s.Register(Job{Name: "tick", Run: func(context.Context) error {
		ran <- struct{}{}
		return nil
	}}); err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	if s.Supervisor() == nil {
		t.Fatalf("not started")
	}
	if snap := s.Snapshot(); snap[0].Next.IsZero() {
		t.Fatalf("next run not computed: %+v", snap)
	}

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatalf("job never ran")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	if s.Supervisor() != nil {
		t.Fatalf("still started after Stop")
	}
}

func TestDisabledDoesNotStart(t *testing.T) {
	s := New(Config{Schedule: "@every 1h"}, logx.Nop(), nil)
	s.Start(context.Background())
	if s.Supervisor() != nil {
		t.Fatalf("disabled service started")
	}
	s.Apply(Config{Enabled: true, Schedule: "@every 1h"})
	if s.Supervisor() == nil {
		t.Fatalf("enabling via Apply did not start")
	}
	s.Stop(context.Background())
}

func TestBadScheduleIsReported(t *testing.T) {
	s := New(Config{Enabled: true, Schedule: "@every 1h"}, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())
	err := s.Register(Job{Name: "bad", Schedule: "whenever", Run: func(context.Context) error { return nil }})
	if err == nil {
		t.Fatalf("bad schedule accepted")
	}
}
