package broadcast

import (
	"context"
	"math/rand/v2"
	"time"
)

// Config tunes loop pacing. Zero fields take the defaults below.
type Config struct {
	PaceMin time.Duration // between destinations
	PaceMax time.Duration

	CycleBase      time.Duration // between cycles: base + jitter
	CycleJitterMin time.Duration
	CycleJitterMax time.Duration

	// MaxRateLimitWait ends the loop when a single rate-limit wait exceeds it. 0 disables.
	MaxRateLimitWait time.Duration
	// SendTimeout bounds one delivery attempt.
	SendTimeout time.Duration
}

const (
	DefaultPaceMin        = 5 * time.Second
	DefaultPaceMax        = 10 * time.Second
	DefaultCycleBase      = 60 * time.Second
	DefaultCycleJitterMin = 10 * time.Second
	DefaultCycleJitterMax = 20 * time.Second
	DefaultSendTimeout    = 60 * time.Second
)

func (c Config) withDefaults() Config {
	if c.PaceMin <= 0 && c.PaceMax <= 0 {
		c.PaceMin, c.PaceMax = DefaultPaceMin, DefaultPaceMax
	}
	if c.PaceMax < c.PaceMin {
		c.PaceMax = c.PaceMin
	}
	if c.CycleBase <= 0 {
		c.CycleBase = DefaultCycleBase
	}
	if c.CycleJitterMin <= 0 && c.CycleJitterMax <= 0 {
		c.CycleJitterMin, c.CycleJitterMax = DefaultCycleJitterMin, DefaultCycleJitterMax
	}
	if c.CycleJitterMax < c.CycleJitterMin {
		c.CycleJitterMax = c.CycleJitterMin
	}
	if c.MaxRateLimitWait < 0 {
		c.MaxRateLimitWait = 0
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	return c
}

// Pacer chooses the loop's sleep lengths.
type Pacer interface {
	Pace() time.Duration
	CycleGap() time.Duration
}

// RandomPacer draws uniformly from the configured ranges.
type RandomPacer struct {
	cfg Config
}

func NewRandomPacer(cfg Config) RandomPacer { return RandomPacer{cfg: cfg.withDefaults()} }

func (p RandomPacer) Pace() time.Duration { return uniform(p.cfg.PaceMin, p.cfg.PaceMax) }

func (p RandomPacer) CycleGap() time.Duration {
	return p.cfg.CycleBase + uniform(p.cfg.CycleJitterMin, p.cfg.CycleJitterMax)
}

func uniform(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int64N(int64(hi-lo)+1))
}

type realClock struct{}

// RealClock sleeps on timers.
func RealClock() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
