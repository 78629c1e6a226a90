package userclient

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotAuthorized    = errors.New("session is not authorized")
	ErrNotConnected     = errors.New("client not connected")
	ErrInvalidCode      = errors.New("invalid login code")
	ErrInvalidPassword  = errors.New("invalid 2FA password")
	ErrLoginFinished    = errors.New("login already finished")
	ErrUnexpectedStep   = errors.New("unexpected login step")
	ErrEmptyDestination = errors.New("empty destination")
)

// RateLimitError is a FLOOD_WAIT reply: the account must not send for Wait.
type RateLimitError struct {
	Wait time.Duration
	Err  error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited for %s: %v", e.Wait, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// RetryAfter reports how long the caller has to wait before retrying.
func (e *RateLimitError) RetryAfter() time.Duration { return e.Wait }
