package notifier

import (
	"context"
	"math/rand/v2"
	"time"

	kit "castbot/internal/transport"
	logx "castbot/pkg/logx"
)

const (
	sendTimeout = 10 * time.Second
	historySize = 300
	// maxFloodWait caps how long one notification waits on a Bot API 429.
	maxFloodWait = time.Minute
)

func (s *Service) worker(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, j)
		}
	}
}

// deliver sends one notification with retries. A flood wait from the API
// replaces the computed backoff for that attempt.
func (s *Service) deliver(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()
	if s.adapter == nil {
		return
	}

	to := kit.ChatTarget{ChatID: j.n.OperatorID}
	attempts := cfg.RetryMax + 1
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		_, err = s.adapter.SendText(sctx, to, j.n.Text, &kit.SendOptions{DisablePreview: true})
		cancel()
		if err == nil {
			s.remember(j.n)
			s.publish("notifier.sent", Event{OperatorID: j.n.OperatorID, Key: j.key})
			return
		}
		s.log.Debug("notification attempt failed", logx.Int("attempt", attempt), logx.Int("of", attempts), logx.Err(err))
		if attempt == attempts {
			break
		}

		pause := retryDelay(cfg, attempt)
		if wait, ok := kit.RetryAfter(err); ok {
			pause = min(wait, maxFloodWait)
		}
		t := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
	s.log.Warn("notification not delivered", logx.Int64("operator_id", j.n.OperatorID), logx.Err(err))
	s.publish("notifier.failed", Event{OperatorID: j.n.OperatorID, Key: j.key, Error: err.Error()})
}

// retryDelay is the pause after a failed attempt: RetryBase doubled per
// attempt, jittered by ±30% and never above RetryMaxDelay.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + 0.6*rand.Float64()))
	return min(d, cfg.RetryMaxDelay)
}

func (s *Service) remember(n Notification) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, HistoryItem{At: time.Now(), OperatorID: n.OperatorID, Text: n.Text})
	if over := len(s.history) - historySize; over > 0 {
		s.history = append(s.history[:0:0], s.history[over:]...)
	}
}

// Snapshot returns recently delivered notifications, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}
