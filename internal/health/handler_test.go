package health

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	rtsup "castbot/internal/runtime/supervisor"
	logx "castbot/pkg/logx"
)

type loops int

func (l loops) Running() int { return int(l) }

type sups map[string]*rtsup.Supervisor

func (s sups) Snapshot() map[string]*rtsup.Supervisor { return s }

func get(t *testing.T, h http.Handler, target string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestBannerAndHealth(t *testing.T) {
	sup := rtsup.NewSupervisor(context.Background())
	defer sup.Cancel()
	s := New(Config{}, loops(3), sups{"broadcast": sup}, logx.Nop())
	h := s.Handler(Config{})

	rec := get(t, h, "/", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "running") {
		t.Fatalf("/ = %d %q", rec.Code, rec.Body.String())
	}

	rec = get(t, h, "/health", nil)
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("/health = %d %q", rec.Code, rec.Header().Get("Content-Type"))
	}
	var rep Report
	if err := json.Unmarshal(rec.Body.Bytes(), &rep); err != nil {
		t.Fatal(err)
	}
	if rep.Status != "ok" || rep.RunningLoops != 3 || rep.Uptime == "" {
		t.Fatalf("report = %+v", rep)
	}
	if _, ok := rep.Supervisors["broadcast"]; !ok {
		t.Fatalf("supervisors = %+v", rep.Supervisors)
	}

	if rec := get(t, h, "/nope", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("/nope = %d", rec.Code)
	}
	if rec := get(t, h, "/debug/pprof/", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("pprof served while disabled: %d", rec.Code)
	}
}

func TestPprofRequiresToken(t *testing.T) {
	s := New(Config{}, nil, nil, logx.Nop())
	h := s.Handler(Config{Pprof: true, Token: "s3cret"})

	if rec := get(t, h, "/debug/pprof/", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token = %d", rec.Code)
	}
	if rec := get(t, h, "/debug/pprof/", map[string]string{"Authorization": "Bearer wrong"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token = %d", rec.Code)
	}
	if rec := get(t, h, "/debug/pprof/", map[string]string{"Authorization": "Bearer s3cret"}); rec.Code != http.StatusOK {
		t.Fatalf("bearer token = %d", rec.Code)
	}
	if rec := get(t, h, "/debug/pprof/cmdline?token=s3cret", nil); rec.Code != http.StatusOK {
		t.Fatalf("query token = %d", rec.Code)
	}
}

func TestListenAddr(t *testing.T) {
	tests := []struct{ addr, port, want string }{
		{"", "", ":8080"},
		{"127.0.0.1:9000", "", "127.0.0.1:9000"},
		{"127.0.0.1:9000", "10000", "127.0.0.1:10000"},
		{"", "3000", ":3000"},
	}
	for _, tt := range tests {
		if got := listenAddr(tt.addr, tt.port); got != tt.want {
			t.Fatalf("listenAddr(%q, %q) = %q, want %q", tt.addr, tt.port, got, tt.want)
		}
	}
}

func TestServeAndStop(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, loops(0), nil, logx.Nop())
	s.getenv = func(string) string { return "" }
	s.Start(context.Background())

	var addr string
	deadline := time.Now().Add(3 * time.Second)
	for addr = s.Addr(); addr == ""; addr = s.Addr() {
		if time.Now().After(deadline) {
			t.Fatalf("server did not start")
		}
		time.Sleep(10 * time.Millisecond)
	}
	resp, err := http.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"status":"ok"`) {
		t.Fatalf("GET /health = %d %s", resp.StatusCode, body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Stop(ctx)
	if s.Supervisor() != nil {
		t.Fatalf("supervisor still set after Stop")
	}
}

func TestReconfigureDisableStops(t *testing.T) {
	cfg := Config{Enabled: true, Addr: "127.0.0.1:0"}
	s := New(cfg, nil, nil, logx.Nop())
	s.getenv = func(string) string { return "" }
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	s.Reconfigure(ctx, cfg)
	if s.Supervisor() == nil {
		t.Fatalf("not started")
	}
	cfg.Enabled = false
	s.Reconfigure(ctx, cfg)
	if s.Supervisor() != nil || s.Enabled() {
		t.Fatalf("still running after disable")
	}
}
