package health

import (
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"

	rtsup "castbot/internal/runtime/supervisor"
)

// Report is the /health body.
type Report struct {
	Status       string                            `json:"status"`
	RunningLoops int                               `json:"running_loops"`
	Uptime       string                            `json:"uptime"`
	Supervisors  map[string]rtsup.Counters         `json:"supervisors,omitempty"`
	Goroutines   map[string][]rtsup.GoroutineStats `json:"goroutines,omitempty"`
}

// Handler builds the mux for cfg.
func (s *Service) Handler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("castbot is running\n"))
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.report(r.URL.Query().Has("verbose")))
	})
	if !cfg.Pprof {
		return mux
	}
	for path, h := range map[string]http.HandlerFunc{
		"/debug/pprof/":        hpprof.Index,
		"/debug/pprof/cmdline": hpprof.Cmdline,
		"/debug/pprof/profile": hpprof.Profile,
		"/debug/pprof/symbol":  hpprof.Symbol,
		"/debug/pprof/trace":   hpprof.Trace,
	} {
		mux.HandleFunc(path, requireToken(cfg.Token, h))
	}
	return mux
}

func (s *Service) report(verbose bool) Report {
	rep := Report{Status: "ok", Uptime: time.Since(s.started).Round(time.Second).String()}
	if s.loops != nil {
		rep.RunningLoops = s.loops.Running()
	}
	if s.sups == nil {
		return rep
	}
	all := s.sups.Snapshot()
	rep.Supervisors = make(map[string]rtsup.Counters, len(all))
	if verbose {
		rep.Goroutines = make(map[string][]rtsup.GoroutineStats, len(all))
	}
	for name, sup := range all {
		if sup == nil {
			continue
		}
		rep.Supervisors[name] = sup.Counters()
		if verbose {
			rep.Goroutines[name] = sup.Snapshot().Goroutines
		}
	}
	return rep
}

// listenAddr replaces addr's port with port when port is set.
func listenAddr(addr, port string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = ":8080"
	}
	if port = strings.TrimSpace(port); port == "" {
		return addr
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = ""
	}
	return net.JoinHostPort(host, port)
}

// requireToken accepts the token as ?token= or a bearer header. An empty
// token leaves h open.
func requireToken(token string, h http.HandlerFunc) http.HandlerFunc {
	want := []byte(strings.TrimSpace(token))
	if len(want) == 0 {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			got = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		}
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}
