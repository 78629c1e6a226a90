package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "castbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const defaultBusyTimeout = 5 * time.Second

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	// Pragmas in the DSN apply to every connection the pool opens.
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// operators

func (s *sqliteStore) UpsertOperator(ctx context.Context, userID int64, username string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO operators(user_id, username, created_at) VALUES(?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET username=excluded.username`,
		userID, nullStr(username), time.Now().UnixMilli(),
	)
	return err
}

func (s *sqliteStore) IsOperator(ctx context.Context, userID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM operators WHERE user_id = ?`, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// accounts

const accountCols = `id, operator_id, session_path, api_id, api_hash, phone, display_name, username, connected, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(r rowScanner) (Account, error) {
	var (
		a         Account
		connected int
		created   int64
	)
	if err := r.Scan(&a.ID, &a.OperatorID, &a.SessionPath, &a.APIID, &a.APIHash, &a.Phone, &a.DisplayName, &a.Username, &connected, &created); err != nil {
		return Account{}, err
	}
	a.Connected = connected != 0
	a.CreatedAt = time.UnixMilli(created)
	return a, nil
}

func (s *sqliteStore) AddAccount(ctx context.Context, a Account) (int64, error) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts(operator_id, session_path, api_id, api_hash, phone, display_name, username, connected, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		a.OperatorID, a.SessionPath, a.APIID, a.APIHash, a.Phone, a.DisplayName, a.Username, boolInt(a.Connected), a.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) GetAccount(ctx context.Context, id int64) (Account, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrAccountNotFound
	}
	return a, err
}

func (s *sqliteStore) ListAccounts(ctx context.Context, operatorID int64) ([]Account, error) {
	query := `SELECT ` + accountCols + ` FROM accounts`
	args := []any{}
	if operatorID != 0 {
		query += ` WHERE operator_id = ?`
		args = append(args, operatorID)
	}
	query += ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateAccountProfile(ctx context.Context, id int64, displayName, username string, connected bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET display_name = ?, username = ?, connected = ? WHERE id = ?`,
		displayName, username, boolInt(connected), id,
	)
	if err != nil {
		return err
	}
	return expectRow(res, ErrAccountNotFound)
}

// DeleteAccount removes the account and everything keyed by it. Callers stop
// the account's loop first.
func (s *sqliteStore) DeleteAccount(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM destinations WHERE account_id = ?`,
			`DELETE FROM broadcast_texts WHERE account_id = ?`,
			`DELETE FROM run_records WHERE account_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return err
			}
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
		if err != nil {
			return err
		}
		return expectRow(res, ErrAccountNotFound)
	})
}

// configuration

func (s *sqliteStore) GetConfiguration(ctx context.Context, accountID int64) (Configuration, error) {
	cfg := Configuration{AccountID: accountID}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := accountExists(ctx, tx, accountID); err != nil {
			return err
		}
		err := tx.QueryRowContext(ctx, `SELECT default_text FROM broadcast_texts WHERE account_id = ?`, accountID).Scan(&cfg.DefaultText)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		rows, err := tx.QueryContext(ctx,
			`SELECT id, target, override_text, active, position FROM destinations
			 WHERE account_id = ? ORDER BY position, id`, accountID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				d        Destination
				override sql.NullString
				active   int
			)
			if err := rows.Scan(&d.ID, &d.Target, &override, &active, &d.Position); err != nil {
				return err
			}
			d.AccountID = accountID
			d.OverrideText = override.String
			d.Active = active != 0
			cfg.Destinations = append(cfg.Destinations, d)
		}
		return rows.Err()
	})
	return cfg, err
}

func (s *sqliteStore) AddDestinations(ctx context.Context, accountID int64, targets []string) (int, error) {
	added := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := accountExists(ctx, tx, accountID); err != nil {
			return err
		}
		var pos int
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(position), 0) FROM destinations WHERE account_id = ?`, accountID).Scan(&pos); err != nil {
			return err
		}
		for _, t := range targets {
			t = strings.TrimSpace(t)
			if t == "" {
				continue
			}
			res, err := tx.ExecContext(ctx,
				`INSERT INTO destinations(account_id, target, active, position) VALUES(?,?,1,?)
				 ON CONFLICT(account_id, target) DO NOTHING`,
				accountID, t, pos+1,
			)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n > 0 {
				pos++
				added++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return added, nil
}

func (s *sqliteStore) RemoveDestination(ctx context.Context, accountID int64, target string) (bool, error) {
	return s.execAffects(ctx, `DELETE FROM destinations WHERE account_id = ? AND target = ?`, accountID, strings.TrimSpace(target))
}

func (s *sqliteStore) SetDestinationActive(ctx context.Context, accountID int64, target string, active bool) (bool, error) {
	return s.execAffects(ctx, `UPDATE destinations SET active = ? WHERE account_id = ? AND target = ?`,
		boolInt(active), accountID, strings.TrimSpace(target))
}

func (s *sqliteStore) SetDestinationOverride(ctx context.Context, accountID int64, target, text string) (bool, error) {
	return s.execAffects(ctx, `UPDATE destinations SET override_text = ? WHERE account_id = ? AND target = ?`,
		nullStr(text), accountID, strings.TrimSpace(target))
}

func (s *sqliteStore) SetDefaultText(ctx context.Context, accountID int64, text string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := accountExists(ctx, tx, accountID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO broadcast_texts(account_id, default_text, updated_at) VALUES(?,?,?)
			 ON CONFLICT(account_id) DO UPDATE SET default_text=excluded.default_text, updated_at=excluded.updated_at`,
			accountID, text, time.Now().UnixMilli(),
		)
		return err
	})
}

// run records

func (s *sqliteStore) GetRunState(ctx context.Context, accountID int64) (RunStatus, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM run_records WHERE account_id = ? AND status = 'running'`, accountID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return RunStopped, nil
	}
	if err != nil {
		return "", err
	}
	return RunRunning, nil
}

func (s *sqliteStore) LatestRunRecord(ctx context.Context, accountID int64) (RunRecord, bool, error) {
	var (
		r       RunRecord
		status  string
		started int64
		last    int64
		stopped sql.NullInt64
		reason  sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, account_id, status, started_at, last_activity, stopped_at, stop_reason
		 FROM run_records WHERE account_id = ? ORDER BY started_at DESC, rowid DESC LIMIT 1`, accountID,
	).Scan(&r.ID, &r.AccountID, &status, &started, &last, &stopped, &reason)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, false, nil
	}
	if err != nil {
		return RunRecord{}, false, err
	}
	r.Status = RunStatus(status)
	r.StartedAt = time.UnixMilli(started)
	r.LastActivity = time.UnixMilli(last)
	if stopped.Valid {
		r.StoppedAt = time.UnixMilli(stopped.Int64)
	}
	r.StopReason = reason.String
	return r, true, nil
}

func (s *sqliteStore) SetRunState(ctx context.Context, accountID int64, u RunRecordUpdate) error {
	if u.At.IsZero() {
		u.At = time.Now()
	}
	at := u.At.UnixMilli()

	switch u.Status {
	case RunRunning:
		if strings.TrimSpace(u.RunID) == "" {
			return errors.New("run id is required")
		}
		return s.withTx(ctx, func(tx *sql.Tx) error {
			// A leftover open record has no loop behind it; the new run supersedes it.
			if _, err := tx.ExecContext(ctx,
				`UPDATE run_records SET status = 'stopped', stopped_at = ?, stop_reason = 'superseded'
				 WHERE account_id = ? AND status = 'running'`, at, accountID); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO run_records(id, account_id, status, started_at, last_activity) VALUES(?,?,'running',?,?)`,
				u.RunID, accountID, at, at)
			return err
		})
	case RunStopped:
		_, err := s.db.ExecContext(ctx,
			`UPDATE run_records SET status = 'stopped', stopped_at = ?, stop_reason = ?, last_activity = MAX(last_activity, ?)
			 WHERE account_id = ? AND status = 'running'`,
			at, nullStr(u.Reason), at, accountID)
		return err
	default:
		return fmt.Errorf("unknown run status %q", u.Status)
	}
}

func (s *sqliteStore) TouchRunRecord(ctx context.Context, accountID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE run_records SET last_activity = ? WHERE account_id = ? AND status = 'running'`,
		at.UnixMilli(), accountID)
	return err
}

func (s *sqliteStore) ListRunningAccounts(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT account_id FROM run_records WHERE status = 'running' ORDER BY account_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// PruneRunRecords deletes stopped records that stopped before the cutoff.
func (s *sqliteStore) PruneRunRecords(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM run_records WHERE status = 'stopped' AND stopped_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// audit & dedup

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor_id, actor_username, chat_id, account_id, action, target, ok, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.ActorID, nullStr(e.ActorUsername), e.ChatID, e.AccountID,
		e.Action, e.Target, boolInt(e.OK), nullStr(e.Error), e.TookMS,
	)
	return err
}

func (s *sqliteStore) PruneAudit(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit WHERE at < ?`, before.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if _, perr := s.db.ExecContext(pctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli()); perr != nil {
			s.log.Debug("dedup prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

// helpers

func (s *sqliteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) execAffects(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func accountExists(ctx context.Context, tx *sql.Tx, id int64) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM accounts WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrAccountNotFound
	}
	return err
}

func expectRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
