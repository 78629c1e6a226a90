package broadcast

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrMisconfigured = errors.New("broadcast misconfigured")
	ErrNoDefaultText = fmt.Errorf("%w: no default text", ErrMisconfigured)
	ErrNoDestination = fmt.Errorf("%w: no active destinations", ErrMisconfigured)
	ErrShuttingDown  = errors.New("scheduler is shutting down")
	ErrAccountBusy   = errors.New("account is being changed")
)

// RateLimitError asks the loop to pause for Wait before retrying.
// Any error exposing RetryAfter is treated the same way.
type RateLimitError struct {
	Wait time.Duration
}

func (e *RateLimitError) Error() string { return fmt.Sprintf("rate limited for %s", e.Wait) }

func (e *RateLimitError) RetryAfter() time.Duration { return e.Wait }

func asRateLimit(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}
	var rl interface{ RetryAfter() time.Duration }
	if errors.As(err, &rl) {
		return rl.RetryAfter(), true
	}
	return 0, false
}
