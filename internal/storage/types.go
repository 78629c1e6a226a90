package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled        = errors.New("storage disabled")
	ErrAccountNotFound = errors.New("account not found")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (pure Go driver)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Account is one managed user-client identity.
type Account struct {
	ID          int64
	OperatorID  int64
	SessionPath string
	APIID       int
	APIHash     string
	Phone       string
	DisplayName string
	Username    string
	Connected   bool
	CreatedAt   time.Time
}

// Label is a short human name for operator messages.
func (a Account) Label() string {
	switch {
	case a.DisplayName != "":
		return a.DisplayName
	case a.Username != "":
		return "@" + a.Username
	default:
		return a.Phone
	}
}

type Destination struct {
	ID           int64
	AccountID    int64
	Target       string
	OverrideText string
	Active       bool
	Position     int
}

// Configuration is the per-account broadcast configuration read once per cycle.
// Destinations are in configured order and include inactive ones.
type Configuration struct {
	AccountID    int64
	DefaultText  string
	Destinations []Destination
}

// Active returns the active destinations in configured order.
func (c Configuration) Active() []Destination {
	out := make([]Destination, 0, len(c.Destinations))
	for _, d := range c.Destinations {
		if d.Active {
			out = append(out, d)
		}
	}
	return out
}

type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunStopped RunStatus = "stopped"
)

// RunRecord is the durable record of one broadcast run.
type RunRecord struct {
	ID           string
	AccountID    int64
	Status       RunStatus
	StartedAt    time.Time
	LastActivity time.Time
	StoppedAt    time.Time
	StopReason   string
}

// RunRecordUpdate transitions an account's run state.
//
// Status=running opens a new record with RunID. Status=stopped closes the
// account's open record (if any) with Reason.
type RunRecordUpdate struct {
	Status RunStatus
	RunID  string
	Reason string
	At     time.Time
}

// AuditEntry records an operator action.
type AuditEntry struct {
	At            time.Time
	ActorID       int64
	ActorUsername string
	ChatID        int64
	AccountID     int64
	Action        string
	Target        string
	OK            bool
	Error         string
	TookMS        int64
}
