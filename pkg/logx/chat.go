package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "castbot/internal/transport"
)

const (
	chatQueue    = 256
	chatMaxText  = 3500
	chatMaxValue = 600
)

// chatSink is a zerolog.LevelWriter that forwards records to a bot chat.
// Logging never waits on Telegram: records over the rate or past a full
// queue are dropped.
type chatSink struct {
	sender kit.Adapter
	queue  chan chatLine

	mu       sync.Mutex
	chatID   int64
	minLevel Level
	limiter  *rate.Limiter
	cancel   context.CancelFunc
	done     chan struct{}
}

type chatLine struct {
	chatID int64
	text   string
}

func newChatSink(sender kit.Adapter) *chatSink {
	return &chatSink{sender: sender, queue: make(chan chatLine, chatQueue), minLevel: LevelWarn}
}

func (c *chatSink) usable() bool { return c.sender != nil }

// configure updates the target and limits; the sender goroutine starts on
// the first enabled configuration.
func (c *chatSink) configure(cfg TelegramConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chatID = cfg.ChatID
	c.minLevel = ParseLevel(cfg.MinLevel, LevelWarn)
	rps := max(cfg.RatePerSec, 1)
	c.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if !cfg.Enabled || c.sender == nil || c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx, c.done)
}

func (c *chatSink) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case l := <-c.queue:
			_, _ = c.sender.SendText(ctx, kit.ChatTarget{ChatID: l.chatID}, l.text, &kit.SendOptions{DisablePreview: true})
		}
	}
}

func (c *chatSink) stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (c *chatSink) Write(p []byte) (int, error) { return c.WriteLevel(LevelInfo, p) }

func (c *chatSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	c.mu.Lock()
	chatID, minLevel, lim := c.chatID, c.minLevel, c.limiter
	c.mu.Unlock()
	if chatID == 0 || level < minLevel || lim == nil || !lim.Allow() {
		return len(p), nil
	}
	if text := chatText(p); text != "" {
		select {
		case c.queue <- chatLine{chatID: chatID, text: text}:
		default:
		}
	}
	return len(p), nil
}

// chatText renders a JSON record as "[LEVEL] message" followed by one
// "key=value" line per field in key order.
func chatText(p []byte) string {
	raw := strings.TrimSpace(string(p))
	var rec map[string]any
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return clip(raw, chatMaxText)
	}
	var b strings.Builder
	if lvl, _ := rec[zerolog.LevelFieldName].(string); lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	msg, _ := rec[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(rec))
	for k := range rec {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName:
		default:
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s=%s", k, clip(fmt.Sprint(rec[k]), chatMaxValue))
	}
	return clip(b.String(), chatMaxText)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
