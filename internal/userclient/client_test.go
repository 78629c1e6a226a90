package userclient

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	logx "castbot/pkg/logx"
)

func TestSessionPathKeepsDigitsOnly(t *testing.T) {
	dir := t.TempDir()
	p := NewPool(Config{SessionsDir: dir}, logx.Nop())
	if got, want := p.SessionPath("+1 (555) 010-99"), filepath.Join(dir, "155501099.json"); got != want {
		t.Fatalf("path=%q, want %q", got, want)
	}
	if got := p.SessionPath("n/a"); filepath.Base(got) != "unknown.json" {
		t.Fatalf("path=%q", got)
	}
}

func TestRateLimitErrorUnwraps(t *testing.T) {
	base := errors.New("FLOOD_WAIT (30)")
	err := fmt.Errorf("cycle: %w", &RateLimitError{Wait: 30 * time.Second, Err: base})

	var rl interface{ RetryAfter() time.Duration }
	if !errors.As(err, &rl) || rl.RetryAfter() != 30*time.Second {
		t.Fatalf("rate limit not detected in %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("underlying error lost")
	}
}

func TestConnectRejectsMissingCredentials(t *testing.T) {
	p := NewPool(Config{SessionsDir: t.TempDir()}, logx.Nop())
	_, err := p.Connect(context.Background(), Credentials{Phone: "+1"})
	if err == nil {
		t.Fatalf("expected error for missing api id")
	}
}

