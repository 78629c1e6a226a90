package userclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	logx "castbot/pkg/logx"
)

// LoginStep is what the login exchange needs next.
type LoginStep int

const (
	StepCode LoginStep = iota + 1
	StepPassword
	StepDone
)

func (s LoginStep) String() string {
	switch s {
	case StepCode:
		return "code"
	case StepPassword:
		return "password"
	case StepDone:
		return "done"
	default:
		return "unknown"
	}
}

type loginResult struct {
	step    LoginStep
	profile Profile
	err     error
}

// Login is one in-progress phone login. Operator input arrives over several
// chat turns, so the gotd client runs in a goroutine fed by SubmitCode and
// SubmitPassword.
type Login struct {
	log logx.Logger

	codes     chan string
	passwords chan string
	results   chan loginResult

	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	expect   LoginStep
	finished bool
	profile  Profile
}

// BeginLogin connects with c, requests a login code for c.Phone and returns
// once Telegram has sent it (or immediately with StepDone when the session is
// already authorized).
func (p *Pool) BeginLogin(ctx context.Context, c Credentials) (*Login, LoginStep, error) {
	client, err := p.newClient(c)
	if err != nil {
		return nil, 0, err
	}
	phone := strings.TrimSpace(c.Phone)

	runCtx, cancel := context.WithCancel(context.Background())
	l := &Login{
		log:       p.log.With(logx.Phone("phone", phone)),
		codes:     make(chan string),
		passwords: make(chan string),
		results:   make(chan loginResult, 1),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	go func() {
		defer close(l.done)
		err := client.Run(runCtx, func(ctx context.Context) error {
			return l.run(ctx, client.Auth(), client, phone)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			l.log.Debug("login client stopped", logx.Err(err))
			// Wake a waiting caller; a full buffer means it already has a result.
			select {
			case l.results <- loginResult{err: err}:
			default:
			}
		}
	}()

	r, err := l.wait(ctx)
	if err != nil {
		l.Cancel()
		return nil, 0, err
	}
	l.setExpect(r.step)
	if r.step == StepDone {
		l.mu.Lock()
		l.profile = r.profile
		l.mu.Unlock()
	}
	return l, r.step, nil
}

// Profile is the logged-in user once the login reached StepDone.
func (l *Login) Profile() Profile {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.profile
}

type selfGetter interface {
	Self(ctx context.Context) (*tg.User, error)
}

func (l *Login) run(ctx context.Context, a *auth.Client, self selfGetter, phone string) error {
	st, err := a.Status(ctx)
	if err != nil {
		return fmt.Errorf("auth status: %w", err)
	}
	if !st.Authorized {
		if err := l.signIn(ctx, a, phone); err != nil {
			return err
		}
	}
	u, err := self.Self(ctx)
	if err != nil {
		return fmt.Errorf("get self: %w", err)
	}
	return l.emit(ctx, loginResult{step: StepDone, profile: Profile{UserID: u.ID, FirstName: u.FirstName, Username: u.Username}})
}

func (l *Login) emit(ctx context.Context, r loginResult) error {
	select {
	case l.results <- r:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Login) signIn(ctx context.Context, a *auth.Client, phone string) error {
	sent, err := a.SendCode(ctx, phone, auth.SendCodeOptions{})
	if err != nil {
		return fmt.Errorf("send code: %w", err)
	}
	code, ok := sent.(*tg.AuthSentCode)
	if !ok {
		return fmt.Errorf("send code: unexpected reply %T", sent)
	}
	if err := l.emit(ctx, loginResult{step: StepCode}); err != nil {
		return err
	}

	for {
		var in string
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in = <-l.codes:
		}
		_, err := a.SignIn(ctx, phone, in, code.PhoneCodeHash)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, auth.ErrPasswordAuthNeeded):
			return l.password(ctx, a)
		case tgerr.Is(err, "PHONE_CODE_INVALID", "PHONE_CODE_EMPTY"):
			if err := l.emit(ctx, loginResult{step: StepCode, err: ErrInvalidCode}); err != nil {
				return err
			}
		default:
			return fmt.Errorf("sign in: %w", err)
		}
	}
}

func (l *Login) password(ctx context.Context, a *auth.Client) error {
	if err := l.emit(ctx, loginResult{step: StepPassword}); err != nil {
		return err
	}
	for {
		var in string
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in = <-l.passwords:
		}
		_, err := a.Password(ctx, in)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, auth.ErrPasswordInvalid):
			if err := l.emit(ctx, loginResult{step: StepPassword, err: ErrInvalidPassword}); err != nil {
				return err
			}
		default:
			return fmt.Errorf("password: %w", err)
		}
	}
}

func (l *Login) wait(ctx context.Context) (loginResult, error) {
	select {
	case r := <-l.results:
		return r, r.err
	case <-l.done:
		// The client may have queued a final result just before exiting.
		select {
		case r := <-l.results:
			return r, r.err
		default:
		}
		return loginResult{}, ErrLoginFinished
	case <-ctx.Done():
		return loginResult{}, ctx.Err()
	}
}

func (l *Login) setExpect(step LoginStep) {
	l.mu.Lock()
	l.expect = step
	l.finished = step == StepDone
	l.mu.Unlock()
}

// Expect reports the step the login is waiting for.
func (l *Login) Expect() LoginStep {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expect
}

func (l *Login) submit(ctx context.Context, want LoginStep, ch chan string, value string) (LoginStep, Profile, error) {
	l.mu.Lock()
	if l.finished {
		l.mu.Unlock()
		return StepDone, Profile{}, ErrLoginFinished
	}
	if l.expect != want {
		l.mu.Unlock()
		return l.expect, Profile{}, ErrUnexpectedStep
	}
	l.mu.Unlock()

	select {
	case ch <- strings.TrimSpace(value):
	case <-l.done:
		return 0, Profile{}, ErrLoginFinished
	case <-ctx.Done():
		return 0, Profile{}, ctx.Err()
	}

	r, err := l.wait(ctx)
	if errors.Is(err, ErrInvalidCode) || errors.Is(err, ErrInvalidPassword) {
		return r.step, Profile{}, err
	}
	if err != nil {
		l.setExpect(StepDone)
		return 0, Profile{}, err
	}
	l.setExpect(r.step)
	if r.step == StepDone {
		l.mu.Lock()
		l.profile = r.profile
		l.mu.Unlock()
	}
	return r.step, r.profile, nil
}

// SubmitCode answers StepCode. It returns the next step; a wrong code keeps
// the login at StepCode with ErrInvalidCode.
func (l *Login) SubmitCode(ctx context.Context, code string) (LoginStep, Profile, error) {
	// Operators type codes with separators (Telegram expires codes echoed
	// verbatim in a chat); keep only the digits.
	code = strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, code)
	return l.submit(ctx, StepCode, l.codes, code)
}

// SubmitPassword answers StepPassword.
func (l *Login) SubmitPassword(ctx context.Context, password string) (LoginStep, Profile, error) {
	return l.submit(ctx, StepPassword, l.passwords, password)
}

// Cancel aborts the login and waits for its client to disconnect.
func (l *Login) Cancel() {
	l.cancel()
	<-l.done
}

