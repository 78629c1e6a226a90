package broadcast

import (
	"context"
	"time"

	"castbot/internal/storage"
)

// RunState is the in-memory state of an account's loop.
type RunState int

const (
	StateIdle RunState = iota // no loop registered
	StateStarting
	StateCycling
	StateBackoff
	StateTerminating
	StateStopped
)

func (s RunState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateCycling:
		return "cycling"
	case StateBackoff:
		return "backoff"
	case StateTerminating:
		return "terminating"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

func (s RunState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type StartResult int

const (
	StartFailed StartResult = iota
	Started
	AlreadyRunning
	Misconfigured
)

func (r StartResult) String() string {
	switch r {
	case Started:
		return "started"
	case AlreadyRunning:
		return "already_running"
	case Misconfigured:
		return "misconfigured"
	default:
		return "failed"
	}
}

type StopResult int

const (
	StopFailed StopResult = iota
	Stopped
	NotRunning
)

func (r StopResult) String() string {
	switch r {
	case Stopped:
		return "stopped"
	case NotRunning:
		return "not_running"
	default:
		return "failed"
	}
}

// StopReason is recorded on the run record when a loop ends.
type StopReason string

const (
	ReasonOperator       StopReason = "operator"
	ReasonShutdown       StopReason = "shutdown"
	ReasonMisconfigured  StopReason = "misconfigured"
	ReasonAccountMissing StopReason = "account_missing"
	ReasonRateLimitCap   StopReason = "rate_limit_cap"
	ReasonCrashed        StopReason = "crashed"
	ReasonStale          StopReason = "stale"
	reasonCancelled      StopReason = "cancelled"
)

// Status is a point-in-time view of one registered loop.
type Status struct {
	AccountID    int64     `json:"account_id"`
	State        RunState  `json:"state"`
	RunID        string    `json:"run_id,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	BackoffUntil time.Time `json:"backoff_until,omitempty"`
	Cycles       uint64    `json:"cycles"`
	Sent         uint64    `json:"sent"`
	Failed       uint64    `json:"failed"`
	LastCycleAt  time.Time `json:"last_cycle_at,omitempty"`
}

// Event payload published on the bus for broadcast.* events.
type Event struct {
	AccountID int64      `json:"account_id"`
	RunID     string     `json:"run_id"`
	Reason    StopReason `json:"reason,omitempty"`
	Sent      int        `json:"sent,omitempty"`
	Failed    int        `json:"failed,omitempty"`
	Until     time.Time  `json:"until,omitempty"`
}

const (
	EventStarted = "broadcast.started"
	EventStopped = "broadcast.stopped"
	EventCycle   = "broadcast.cycle"
	EventBackoff = "broadcast.backoff"
)

// Store is the slice of the session store the scheduler needs.
type Store interface {
	GetAccount(ctx context.Context, id int64) (storage.Account, error)
	GetConfiguration(ctx context.Context, accountID int64) (storage.Configuration, error)
	GetRunState(ctx context.Context, accountID int64) (storage.RunStatus, error)
	SetRunState(ctx context.Context, accountID int64, u storage.RunRecordUpdate) error
	TouchRunRecord(ctx context.Context, accountID int64, at time.Time) error
	ListRunningAccounts(ctx context.Context) ([]int64, error)
}

// Session is a connected client handle owned by exactly one loop.
type Session interface {
	Send(ctx context.Context, destination, text string) error
	Close() error
}

type Connector interface {
	Connect(ctx context.Context, acc storage.Account) (Session, error)
}

// Notifier delivers operator-facing messages. Best effort: it must not block
// for long and its failures never affect a loop. Repeats of the same text are
// delivered too, so it must not deduplicate.
type Notifier interface {
	Alert(ctx context.Context, operatorID int64, text string)
}

// Clock is the loop's source of time and its only way to sleep.
type Clock interface {
	Now() time.Time
	// Sleep waits for d or until ctx is done, returning ctx.Err() in that case.
	Sleep(ctx context.Context, d time.Duration) error
}
