package userclient

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/tgerr"

	logx "castbot/pkg/logx"
)

type Config struct {
	SessionsDir    string
	ConnectTimeout time.Duration
	DeviceModel    string
}

// Credentials identify one user account and where its MTProto session lives.
type Credentials struct {
	APIID       int
	APIHash     string
	Phone       string
	SessionPath string
}

// Profile is what Telegram reports about the logged-in user.
type Profile struct {
	UserID    int64
	FirstName string
	Username  string
}

// Pool creates gotd clients for accounts. It holds no connections itself.
type Pool struct {
	mu  sync.RWMutex
	cfg Config
	log logx.Logger
}

func NewPool(cfg Config, log logx.Logger) *Pool {
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Pool{log: log}
	p.Apply(cfg)
	return p
}

func (p *Pool) Apply(cfg Config) {
	if strings.TrimSpace(cfg.SessionsDir) == "" {
		cfg.SessionsDir = "./sessions"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.DeviceModel == "" {
		cfg.DeviceModel = "castbot"
	}
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
}

func (p *Pool) config() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// SessionPath returns the session file used for a phone number.
func (p *Pool) SessionPath(phone string) string {
	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, phone)
	if digits == "" {
		digits = "unknown"
	}
	return filepath.Join(p.config().SessionsDir, digits+".json")
}

func (p *Pool) newClient(c Credentials) (*telegram.Client, error) {
	if c.APIID <= 0 || strings.TrimSpace(c.APIHash) == "" {
		return nil, errors.New("api id and api hash are required")
	}
	if err := os.MkdirAll(filepath.Dir(c.SessionPath), 0o700); err != nil {
		return nil, err
	}
	cfg := p.config()
	return telegram.NewClient(c.APIID, c.APIHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: c.SessionPath},
		Device:         telegram.DeviceConfig{DeviceModel: cfg.DeviceModel},
		NoUpdates:      true,
	}), nil
}

// Session is a connected, authorized user client.
type Session struct {
	log    logx.Logger
	client *telegram.Client
	sender *message.Sender

	cancel    context.CancelFunc
	done      chan error
	closeOnce sync.Once
	closeErr  error
}

// Connect opens a session for c and verifies that it is authorized.
// The returned Session stays connected until Close.
func (p *Pool) Connect(ctx context.Context, c Credentials) (*Session, error) {
	client, err := p.newClient(c)
	if err != nil {
		return nil, err
	}
	cfg := p.config()

	// client.Run owns the connection; it lives in its own goroutine until Close.
	runCtx, cancel := context.WithCancel(context.Background())
	ready := make(chan error, 1)
	done := make(chan error, 1)
	go func() {
		done <- client.Run(runCtx, func(ctx context.Context) error {
			st, err := client.Auth().Status(ctx)
			if err != nil {
				ready <- fmt.Errorf("auth status: %w", err)
				return err
			}
			if !st.Authorized {
				ready <- ErrNotAuthorized
				return ErrNotAuthorized
			}
			ready <- nil
			<-ctx.Done()
			return ctx.Err()
		})
	}()

	timer := time.NewTimer(cfg.ConnectTimeout)
	defer timer.Stop()

	fail := func(err error) (*Session, error) {
		cancel()
		<-done
		return nil, err
	}
	select {
	case err := <-ready:
		if err != nil {
			return fail(err)
		}
	case err := <-done:
		cancel()
		if err == nil {
			err = ErrNotConnected
		}
		return nil, fmt.Errorf("connect: %w", err)
	case <-timer.C:
		return fail(fmt.Errorf("connect: %w after %s", ErrNotConnected, cfg.ConnectTimeout))
	case <-ctx.Done():
		return fail(ctx.Err())
	}

	p.log.Debug("session connected", logx.String("session", c.SessionPath))
	return &Session{
		log:    p.log,
		client: client,
		sender: message.NewSender(client.API()),
		cancel: cancel,
		done:   done,
	}, nil
}

// Send delivers text to a destination (@username or t.me link).
func (s *Session) Send(ctx context.Context, destination, text string) error {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return ErrEmptyDestination
	}
	_, err := s.sender.Resolve(destination).Text(ctx, text)
	if err == nil {
		return nil
	}
	if d, ok := tgerr.AsFloodWait(err); ok {
		return &RateLimitError{Wait: d, Err: err}
	}
	return fmt.Errorf("send to %s: %w", destination, err)
}

// Self returns the profile of the logged-in user.
func (s *Session) Self(ctx context.Context) (Profile, error) {
	u, err := s.client.Self(ctx)
	if err != nil {
		return Profile{}, err
	}
	return Profile{UserID: u.ID, FirstName: u.FirstName, Username: u.Username}, nil
}

// Close disconnects. Safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		err := <-s.done
		if err != nil && !errors.Is(err, context.Canceled) {
			s.closeErr = err
		}
	})
	return s.closeErr
}
