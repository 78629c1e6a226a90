package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "castbot/pkg/logx"
)

// Store is the persistence API used by the scheduler, the operator surface and
// the housekeeping jobs.
type Store interface {
	UpsertOperator(ctx context.Context, userID int64, username string) error
	IsOperator(ctx context.Context, userID int64) (bool, error)

	AddAccount(ctx context.Context, a Account) (int64, error)
	GetAccount(ctx context.Context, id int64) (Account, error)
	// ListAccounts lists accounts owned by operatorID (all accounts when 0).
	ListAccounts(ctx context.Context, operatorID int64) ([]Account, error)
	UpdateAccountProfile(ctx context.Context, id int64, displayName, username string, connected bool) error
	DeleteAccount(ctx context.Context, id int64) error

	GetConfiguration(ctx context.Context, accountID int64) (Configuration, error)
	// AddDestinations appends targets in order; targets already present are ignored.
	AddDestinations(ctx context.Context, accountID int64, targets []string) (added int, err error)
	RemoveDestination(ctx context.Context, accountID int64, target string) (bool, error)
	SetDestinationActive(ctx context.Context, accountID int64, target string, active bool) (bool, error)
	// SetDestinationOverride sets (or clears, with "") a destination's override text.
	SetDestinationOverride(ctx context.Context, accountID int64, target, text string) (bool, error)
	SetDefaultText(ctx context.Context, accountID int64, text string) error

	GetRunState(ctx context.Context, accountID int64) (RunStatus, error)
	LatestRunRecord(ctx context.Context, accountID int64) (RunRecord, bool, error)
	SetRunState(ctx context.Context, accountID int64, u RunRecordUpdate) error
	TouchRunRecord(ctx context.Context, accountID int64, at time.Time) error
	ListRunningAccounts(ctx context.Context) ([]int64, error)
	PruneRunRecords(ctx context.Context, before time.Time) (int64, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	PruneAudit(ctx context.Context, before time.Time) (int64, error)
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}

// Open initializes the configured store. The session store is mandatory,
// so an empty driver defaults to sqlite.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "none":
		return nil, ErrDisabled
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
