package notifier

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	logx "castbot/pkg/logx"
)

// DedupStore persists suppression windows across restarts.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

const (
	// storeLookup bounds the cross-restart check so a busy database never
	// delays a notification by more than this.
	storeLookup = 25 * time.Millisecond
	storeWrite  = 250 * time.Millisecond
)

// dedupKey identifies a notification by operator and exact text.
func dedupKey(n Notification) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d\x00%s", n.OperatorID, n.Text)
	return fmt.Sprintf("notify:%x", h.Sum64())
}

// window remembers until when each key is suppressed. It holds at most
// limit keys and evicts the soonest-expiring first.
type window struct {
	mu    sync.Mutex
	until map[string]time.Time
}

func newWindow() *window { return &window{until: map[string]time.Time{}} }

func (w *window) suppressed(key string, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	u, ok := w.until[key]
	return ok && now.Before(u)
}

func (w *window) mark(key string, until, now time.Time, limit int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.until[key] = until
	for k, u := range w.until {
		if !now.Before(u) {
			delete(w.until, k)
		}
	}
	for limit > 0 && len(w.until) > limit {
		var oldest string
		for k, u := range w.until {
			if oldest == "" || u.Before(w.until[oldest]) {
				oldest = k
			}
		}
		delete(w.until, oldest)
	}
}

// admit reports whether a notification with key may be sent now, and if so
// opens its suppression window.
func (s *Service) admit(ctx context.Context, key string, cfg Config, persist chan<- dedupWrite) bool {
	now := time.Now()
	if s.seen.suppressed(key, now) {
		return false
	}
	if cfg.PersistDedup && s.store != nil {
		lctx, cancel := context.WithTimeout(ctx, storeLookup)
		until, ok, err := s.store.GetDedup(lctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.seen.mark(key, until, now, cfg.DedupMaxEntries)
			return false
		}
	}

	until := now.Add(cfg.DedupWindow)
	s.seen.mark(key, until, now, cfg.DedupMaxEntries)
	if persist != nil {
		select {
		case persist <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}

type dedupWrite struct {
	key   string
	until time.Time
}

func (s *Service) persistLoop(ctx context.Context, writes <-chan dedupWrite) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-writes:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, storeWrite)
			if err := s.store.PutDedup(wctx, w.key, w.until); err != nil {
				s.log.Debug("dedup window not persisted", logx.Err(err))
			}
			cancel()
		}
	}
}
