package conversation

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrNoConversation = errors.New("no conversation in progress")
	ErrBadTransition  = errors.New("invalid conversation transition")
)

// Context is one operator's in-progress flow.
type Context struct {
	OperatorID int64
	State      State
	AccountID  int64

	// Login flow.
	APIID   int
	APIHash string
	Phone   string

	// Override flow.
	Target string

	UpdatedAt time.Time
}

// Machine keeps one Context per operator. Contexts idle longer than the TTL
// are dropped. It is safe for concurrent use.
type Machine struct {
	ttl time.Duration
	now func() time.Time

	// onDrop runs, outside the lock, for every context that ends without
	// reaching Idle through a transition (cancel, expiry, replacement).
	onDrop func(Context)

	mu  sync.Mutex
	ctx map[int64]*Context
}

type Option func(*Machine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(m *Machine) { m.now = now } }

// OnDrop registers a callback for abandoned contexts.
func OnDrop(fn func(Context)) Option { return func(m *Machine) { m.onDrop = fn } }

func NewMachine(ttl time.Duration, opts ...Option) *Machine {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	m := &Machine{ttl: ttl, now: time.Now, ctx: map[int64]*Context{}}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SetTTL changes the idle timeout for future expiry checks.
func (m *Machine) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	m.mu.Lock()
	m.ttl = ttl
	m.mu.Unlock()
}

// Get returns the operator's live context. An operator with none is Idle.
func (m *Machine) Get(operatorID int64) (Context, bool) {
	m.mu.Lock()
	c, ok := m.ctx[operatorID]
	if ok && m.expiredLocked(c) {
		delete(m.ctx, operatorID)
		m.mu.Unlock()
		m.drop(*c)
		return Context{OperatorID: operatorID, State: Idle}, false
	}
	if !ok {
		m.mu.Unlock()
		return Context{OperatorID: operatorID, State: Idle}, false
	}
	out := *c
	m.mu.Unlock()
	return out, true
}

// Begin starts a flow for the operator, abandoning any flow in progress.
func (m *Machine) Begin(operatorID int64, e Event, accountID int64) (Context, error) {
	next, ok := Next(Idle, e)
	if !ok {
		return Context{}, fmt.Errorf("%w: %s from %s", ErrBadTransition, e, Idle)
	}
	c := &Context{OperatorID: operatorID, State: next, AccountID: accountID, UpdatedAt: m.now()}

	m.mu.Lock()
	prev, had := m.ctx[operatorID]
	m.ctx[operatorID] = c
	m.mu.Unlock()

	if had {
		m.drop(*prev)
	}
	return *c, nil
}

// Fire applies e to the operator's context. apply, when non-nil, records the
// accepted input on the context before the state changes. Reaching Idle ends
// the conversation.
func (m *Machine) Fire(operatorID int64, e Event, apply func(*Context)) (Context, error) {
	m.mu.Lock()
	c, ok := m.ctx[operatorID]
	if ok && m.expiredLocked(c) {
		delete(m.ctx, operatorID)
		m.mu.Unlock()
		m.drop(*c)
		return Context{}, ErrNoConversation
	}
	if !ok {
		m.mu.Unlock()
		return Context{}, ErrNoConversation
	}
	next, ok := Next(c.State, e)
	if !ok {
		st := c.State
		m.mu.Unlock()
		return Context{}, fmt.Errorf("%w: %s from %s", ErrBadTransition, e, st)
	}
	if apply != nil {
		apply(c)
	}
	c.State = next
	c.UpdatedAt = m.now()
	out := *c
	if next == Idle {
		delete(m.ctx, operatorID)
	}
	m.mu.Unlock()
	return out, nil
}

// Touch refreshes the idle timer, e.g. after rejected input.
func (m *Machine) Touch(operatorID int64) {
	m.mu.Lock()
	if c, ok := m.ctx[operatorID]; ok {
		c.UpdatedAt = m.now()
	}
	m.mu.Unlock()
}

// Cancel ends the operator's flow from any state.
func (m *Machine) Cancel(operatorID int64) (Context, bool) {
	m.mu.Lock()
	c, ok := m.ctx[operatorID]
	delete(m.ctx, operatorID)
	m.mu.Unlock()
	if !ok {
		return Context{}, false
	}
	m.drop(*c)
	return *c, true
}

// Sweep drops expired contexts and returns how many it dropped.
func (m *Machine) Sweep() int {
	var dropped []Context
	m.mu.Lock()
	for id, c := range m.ctx {
		if m.expiredLocked(c) {
			dropped = append(dropped, *c)
			delete(m.ctx, id)
		}
	}
	m.mu.Unlock()
	for _, c := range dropped {
		m.drop(c)
	}
	return len(dropped)
}

// Len is the number of live conversations.
func (m *Machine) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ctx)
}

func (m *Machine) expiredLocked(c *Context) bool {
	return m.now().Sub(c.UpdatedAt) > m.ttl
}

func (m *Machine) drop(c Context) {
	if m.onDrop != nil {
		m.onDrop(c)
	}
}
