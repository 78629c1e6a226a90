package router

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxTracked bounds the per-user limiter map; past it the map starts over.
const maxTracked = 4096

// floodGate is a token bucket per user.
type floodGate struct {
	mu     sync.Mutex
	limit  rate.Limit
	burst  int
	users  map[int64]*rate.Limiter
	warned map[int64]bool
}

func newFloodGate(perMinute int) *floodGate {
	g := &floodGate{}
	g.set(perMinute)
	return g
}

func (g *floodGate) set(perMinute int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.users = map[int64]*rate.Limiter{}
	g.warned = map[int64]bool{}
	if perMinute <= 0 {
		g.limit, g.burst = rate.Inf, 0
		return
	}
	g.limit = rate.Every(time.Minute / time.Duration(perMinute))
	g.burst = max(1, perMinute/4)
}

// allow reports whether id may proceed. first is true for the first
// rejection after an admitted request, so callers warn only once.
func (g *floodGate) allow(id int64) (ok, first bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.limit == rate.Inf {
		return true, false
	}
	lim := g.users[id]
	if lim == nil {
		if len(g.users) >= maxTracked {
			g.users = map[int64]*rate.Limiter{}
			g.warned = map[int64]bool{}
		}
		lim = rate.NewLimiter(g.limit, g.burst)
		g.users[id] = lim
	}
	if lim.Allow() {
		delete(g.warned, id)
		return true, false
	}
	first = !g.warned[id]
	g.warned[id] = true
	return false, first
}
