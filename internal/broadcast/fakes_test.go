package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"castbot/internal/eventbus"
	"castbot/internal/storage"
	logx "castbot/pkg/logx"
)

// recorder is a shared, ordered log of what the loop did.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type fakeStore struct {
	mu        sync.Mutex
	accounts  map[int64]storage.Account
	configs   map[int64]storage.Configuration
	records   map[int64]storage.RunRecord
	mutations int
	touches   int
	// configErrs fails that many GetConfiguration calls.
	configErrs int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		accounts: map[int64]storage.Account{},
		configs:  map[int64]storage.Configuration{},
		records:  map[int64]storage.RunRecord{},
	}
}

func (f *fakeStore) put(id int64, text string, dests ...storage.Destination) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[id] = storage.Account{ID: id, OperatorID: 100 + id, DisplayName: fmt.Sprintf("acc%d", id)}
	for i := range dests {
		dests[i].AccountID = id
		dests[i].Position = i + 1
	}
	f.configs[id] = storage.Configuration{AccountID: id, DefaultText: text, Destinations: dests}
}

func (f *fakeStore) setText(id int64, text string) {
	f.mu.Lock()
	c := f.configs[id]
	c.DefaultText = text
	f.configs[id] = c
	f.mu.Unlock()
}

func (f *fakeStore) remove(id int64) {
	f.mu.Lock()
	delete(f.accounts, id)
	delete(f.configs, id)
	f.mu.Unlock()
}

func (f *fakeStore) failConfig(n int) {
	f.mu.Lock()
	f.configErrs = n
	f.mu.Unlock()
}

func (f *fakeStore) GetAccount(ctx context.Context, id int64) (storage.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return storage.Account{}, storage.ErrAccountNotFound
	}
	return a, nil
}

func (f *fakeStore) GetConfiguration(ctx context.Context, id int64) (storage.Configuration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.configErrs > 0 {
		f.configErrs--
		return storage.Configuration{}, errors.New("database is locked")
	}
	c, ok := f.configs[id]
	if !ok {
		return storage.Configuration{}, storage.ErrAccountNotFound
	}
	c.Destinations = append([]storage.Destination(nil), c.Destinations...)
	return c, nil
}

func (f *fakeStore) GetRunState(ctx context.Context, id int64) (storage.RunStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[id]
	if !ok {
		return storage.RunStopped, nil
	}
	return r.Status, nil
}

func (f *fakeStore) SetRunState(ctx context.Context, id int64, u storage.RunRecordUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mutations++
	switch u.Status {
	case storage.RunRunning:
		f.records[id] = storage.RunRecord{ID: u.RunID, AccountID: id, Status: storage.RunRunning, StartedAt: u.At}
	case storage.RunStopped:
		r, ok := f.records[id]
		if !ok || r.Status != storage.RunRunning {
			return nil
		}
		r.Status = storage.RunStopped
		r.StopReason = u.Reason
		r.StoppedAt = u.At
		f.records[id] = r
	}
	return nil
}

func (f *fakeStore) TouchRunRecord(ctx context.Context, id int64, at time.Time) error {
	f.mu.Lock()
	f.touches++
	f.mu.Unlock()
	return nil
}

func (f *fakeStore) ListRunningAccounts(ctx context.Context) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []int64
	for id, r := range f.records {
		if r.Status == storage.RunRunning {
			out = append(out, id)
		}
	}
	return out, nil
}

func (f *fakeStore) record(id int64) storage.RunRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[id]
}

func (f *fakeStore) mutationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mutations
}

type fakeSession struct {
	rec    *recorder
	send   func(ctx context.Context, target, text string) error
	mu     sync.Mutex
	closed int
}

func (s *fakeSession) Send(ctx context.Context, target, text string) error {
	s.rec.add("send:%s:%s", target, text)
	if s.send != nil {
		return s.send(ctx, target, text)
	}
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeConnector struct {
	mu       sync.Mutex
	rec      *recorder
	sessions map[int64]*fakeSession
	send     func(ctx context.Context, target, text string) error
	err      error
	gate     chan struct{} // when set, Connect waits for it to close
	connects int
}

func (c *fakeConnector) Connect(ctx context.Context, acc storage.Account) (Session, error) {
	c.mu.Lock()
	c.connects++
	gate := c.gate
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.err != nil {
		return nil, c.err
	}
	s := &fakeSession{rec: c.rec, send: c.send}
	c.mu.Lock()
	if c.sessions == nil {
		c.sessions = map[int64]*fakeSession{}
	}
	c.sessions[acc.ID] = s
	c.mu.Unlock()
	return s, nil
}

func (c *fakeConnector) session(id int64) *fakeSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[id]
}

func (c *fakeConnector) connectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

type fakeNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (n *fakeNotifier) Alert(ctx context.Context, operatorID int64, text string) {
	n.mu.Lock()
	n.msgs = append(n.msgs, text)
	n.mu.Unlock()
}

func (n *fakeNotifier) messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.msgs...)
}

// fakeClock advances virtual time on Sleep. Sleeps of at least blockAt park
// until the context is cancelled (blockAt 0 never parks).
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	rec     *recorder
	blockAt time.Duration
	parked  chan time.Duration
}

func newFakeClock(rec *recorder, blockAt time.Duration) *fakeClock {
	return &fakeClock{
		now:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		rec:     rec,
		blockAt: blockAt,
		parked:  make(chan time.Duration, 16),
	}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.rec.add("sleep:%s", d)
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	block := c.blockAt > 0 && d >= c.blockAt
	c.mu.Unlock()
	if block {
		c.parked <- d
		<-ctx.Done()
		return ctx.Err()
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return ctx.Err()
}

func (c *fakeClock) setBlockAt(d time.Duration) {
	c.mu.Lock()
	c.blockAt = d
	c.mu.Unlock()
}

func (c *fakeClock) waitParked(t *testing.T) time.Duration {
	t.Helper()
	select {
	case d := <-c.parked:
		return d
	case <-time.After(5 * time.Second):
		t.Fatalf("loop never reached a parked sleep")
		return 0
	}
}

type fixedPacer struct {
	pace, gap time.Duration
}

func (p fixedPacer) Pace() time.Duration     { return p.pace }
func (p fixedPacer) CycleGap() time.Duration { return p.gap }

type harness struct {
	rec      *recorder
	store    *fakeStore
	conn     *fakeConnector
	notifier *fakeNotifier
	clock    *fakeClock
	bus      eventbus.Bus
	sched    *Scheduler
}

const (
	testPace = 5 * time.Second
	testGap  = time.Hour
)

// newHarness builds a scheduler whose loops park at the inter-cycle sleep
// (or at any sleep >= blockAt).
func newHarness(t *testing.T, blockAt time.Duration, cfg Config) *harness {
	t.Helper()
	rec := &recorder{}
	h := &harness{
		rec:      rec,
		store:    newFakeStore(),
		conn:     &fakeConnector{rec: rec},
		notifier: &fakeNotifier{},
		clock:    newFakeClock(rec, blockAt),
		bus:      eventbus.New(),
	}
	h.sched = NewScheduler(cfg, Deps{
		Store:     h.store,
		Connector: h.conn,
		Notifier:  h.notifier,
		Bus:       h.bus,
		Clock:     h.clock,
		Pacer:     fixedPacer{pace: testPace, gap: testGap},
		Log:       logx.Nop(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.sched.ShutdownAll(ctx)
	})
	return h
}

func dest(target, override string) storage.Destination {
	return storage.Destination{Target: target, OverrideText: override, Active: true}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
