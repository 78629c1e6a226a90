package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "castbot/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "castbot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func addTestAccount(t *testing.T, st Store, operator int64) int64 {
	t.Helper()
	id, err := st.AddAccount(context.Background(), Account{
		OperatorID:  operator,
		SessionPath: "sessions/a.json",
		APIID:       12345,
		APIHash:     "hash",
		Phone:       "+10000000000",
	})
	if err != nil {
		t.Fatalf("add account: %v", err)
	}
	return id
}

func TestAddDestinationsIgnoresDuplicatesAndKeepsOrder(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	id := addTestAccount(t, st, 1)

	n, err := st.AddDestinations(ctx, id, []string{"@x", "@y", "@x"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if n != 2 {
		t.Fatalf("added=%d, want 2", n)
	}
	n, err = st.AddDestinations(ctx, id, []string{"@y", "@z"})
	if err != nil {
		t.Fatalf("add again: %v", err)
	}
	if n != 1 {
		t.Fatalf("added=%d, want 1", n)
	}

	cfg, err := st.GetConfiguration(ctx, id)
	if err != nil {
		t.Fatalf("get configuration: %v", err)
	}
	var got []string
	for _, d := range cfg.Destinations {
		got = append(got, d.Target)
	}
	want := []string{"@x", "@y", "@z"}
	if len(got) != len(want) {
		t.Fatalf("targets=%v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("targets=%v, want %v", got, want)
		}
	}
}

func TestConfigurationOverridesAndActiveFlags(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	id := addTestAccount(t, st, 1)

	if _, err := st.AddDestinations(ctx, id, []string{"@x", "@y"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := st.SetDefaultText(ctx, id, "hi"); err != nil {
		t.Fatalf("set text: %v", err)
	}
	if ok, err := st.SetDestinationOverride(ctx, id, "@y", "hello y"); err != nil || !ok {
		t.Fatalf("set override ok=%v err=%v", ok, err)
	}
	if ok, err := st.SetDestinationActive(ctx, id, "@x", false); err != nil || !ok {
		t.Fatalf("toggle ok=%v err=%v", ok, err)
	}
	if ok, _ := st.SetDestinationActive(ctx, id, "@missing", false); ok {
		t.Fatalf("toggle of unknown target reported success")
	}

	cfg, err := st.GetConfiguration(ctx, id)
	if err != nil {
		t.Fatalf("get configuration: %v", err)
	}
	if cfg.DefaultText != "hi" {
		t.Fatalf("default text=%q", cfg.DefaultText)
	}
	active := cfg.Active()
	if len(active) != 1 || active[0].Target != "@y" || active[0].OverrideText != "hello y" {
		t.Fatalf("unexpected active destinations: %+v", active)
	}

	if ok, err := st.SetDestinationOverride(ctx, id, "@y", ""); err != nil || !ok {
		t.Fatalf("clear override ok=%v err=%v", ok, err)
	}
	cfg, _ = st.GetConfiguration(ctx, id)
	if cfg.Destinations[1].OverrideText != "" {
		t.Fatalf("override not cleared: %+v", cfg.Destinations[1])
	}
}

func TestGetConfigurationUnknownAccount(t *testing.T) {
	st := openTestStore(t)
	if _, err := st.GetConfiguration(context.Background(), 99); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("err=%v, want ErrAccountNotFound", err)
	}
}

func TestRunRecordsAtMostOneRunning(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	id := addTestAccount(t, st, 1)

	if s, err := st.GetRunState(ctx, id); err != nil || s != RunStopped {
		t.Fatalf("initial state=%q err=%v", s, err)
	}
	if err := st.SetRunState(ctx, id, RunRecordUpdate{Status: RunRunning, RunID: "run-1"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := st.SetRunState(ctx, id, RunRecordUpdate{Status: RunRunning, RunID: "run-2"}); err != nil {
		t.Fatalf("second start: %v", err)
	}
	running, err := st.ListRunningAccounts(ctx)
	if err != nil {
		t.Fatalf("list running: %v", err)
	}
	if len(running) != 1 || running[0] != id {
		t.Fatalf("running=%v, want [%d]", running, id)
	}

	// A second open record for the same account violates the partial unique index.
	raw := st.(*sqliteStore)
	_, err = raw.db.ExecContext(ctx,
		`INSERT INTO run_records(id, account_id, status, started_at, last_activity) VALUES('run-3', ?, 'running', 0, 0)`, id)
	if err == nil {
		t.Fatalf("expected unique index violation")
	}

	if err := st.SetRunState(ctx, id, RunRecordUpdate{Status: RunStopped, Reason: "operator"}); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if s, _ := st.GetRunState(ctx, id); s != RunStopped {
		t.Fatalf("state=%q, want stopped", s)
	}
	rec, ok, err := st.LatestRunRecord(ctx, id)
	if err != nil || !ok {
		t.Fatalf("latest ok=%v err=%v", ok, err)
	}
	if rec.ID != "run-2" || rec.StopReason != "operator" || rec.StoppedAt.IsZero() {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestPruneRunRecordsKeepsRunning(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	a := addTestAccount(t, st, 1)
	b := addTestAccount(t, st, 1)

	old := time.Now().Add(-48 * time.Hour)
	_ = st.SetRunState(ctx, a, RunRecordUpdate{Status: RunRunning, RunID: "a1", At: old})
	_ = st.SetRunState(ctx, a, RunRecordUpdate{Status: RunStopped, Reason: "operator", At: old})
	_ = st.SetRunState(ctx, b, RunRecordUpdate{Status: RunRunning, RunID: "b1", At: old})

	n, err := st.PruneRunRecords(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned=%d, want 1", n)
	}
	if s, _ := st.GetRunState(ctx, b); s != RunRunning {
		t.Fatalf("running record was pruned")
	}
}

func TestDeleteAccountCascades(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	id := addTestAccount(t, st, 7)
	_, _ = st.AddDestinations(ctx, id, []string{"@x"})
	_ = st.SetDefaultText(ctx, id, "hi")
	_ = st.SetRunState(ctx, id, RunRecordUpdate{Status: RunRunning, RunID: "r"})
	_ = st.SetRunState(ctx, id, RunRecordUpdate{Status: RunStopped})

	if err := st.DeleteAccount(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := st.GetAccount(ctx, id); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("err=%v, want ErrAccountNotFound", err)
	}
	if _, ok, _ := st.LatestRunRecord(ctx, id); ok {
		t.Fatalf("run records survived deletion")
	}
	if err := st.DeleteAccount(ctx, id); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("second delete err=%v", err)
	}
	accs, _ := st.ListAccounts(ctx, 7)
	if len(accs) != 0 {
		t.Fatalf("accounts=%v", accs)
	}
}

func TestDedupRoundTripAndOperators(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	until := time.Now().Add(time.Minute).Truncate(time.Millisecond)
	if err := st.PutDedup(ctx, "k", until); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok, err := st.GetDedup(ctx, "k")
	if err != nil || !ok || !got.Equal(until) {
		t.Fatalf("got=%v ok=%v err=%v", got, ok, err)
	}

	if ok, _ := st.IsOperator(ctx, 42); ok {
		t.Fatalf("unknown operator reported registered")
	}
	if err := st.UpsertOperator(ctx, 42, "alice"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if ok, _ := st.IsOperator(ctx, 42); !ok {
		t.Fatalf("operator not registered")
	}
}
