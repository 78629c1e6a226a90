package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"castbot/internal/broadcast"
	"castbot/internal/conversation"
	"castbot/internal/notifier"
	"castbot/internal/storage"
	kit "castbot/internal/transport"
	"castbot/internal/transport/telegram/router"
	"castbot/internal/userclient"
	logx "castbot/pkg/logx"
	"castbot/pkg/tgui"
)

// broadcaster is the scheduler as seen by the bot commands.
type broadcaster interface {
	Start(ctx context.Context, accountID int64) (broadcast.StartResult, error)
	Stop(ctx context.Context, accountID int64) (broadcast.StopResult, error)
	StopAndHold(ctx context.Context, accountID int64, fn func(context.Context) error) (broadcast.StopResult, error)
	Status(accountID int64) broadcast.RunState
	Snapshot() []broadcast.Status
}

// noticeLog is the notifier's delivery history.
type noticeLog interface {
	Snapshot() []notifier.HistoryItem
}

type loginPool interface {
	SessionPath(phone string) string
	BeginLogin(ctx context.Context, c userclient.Credentials) (*userclient.Login, userclient.LoginStep, error)
}

// surface implements the operator bot: commands, inline buttons and the
// plain-text answers of multi-turn flows.
type surface struct {
	log   logx.Logger
	store storage.Store
	bc    broadcaster
	pool  loginPool
	conv  *conversation.Machine

	// notices is optional; nil hides recent notices in status replies.
	notices noticeLog

	loginTimeout atomic.Int64

	mu     sync.Mutex
	logins map[int64]*userclient.Login // operator -> login waiting for code/password
	locks  map[int64]*sync.Mutex
}

func newSurface(log logx.Logger, store storage.Store, bc broadcaster, pool loginPool, ttl, loginTimeout time.Duration) *surface {
	s := &surface{
		log:    log,
		store:  store,
		bc:     bc,
		pool:   pool,
		logins: map[int64]*userclient.Login{},
		locks:  map[int64]*sync.Mutex{},
	}
	s.loginTimeout.Store(int64(loginTimeout))
	s.conv = conversation.NewMachine(ttl, conversation.OnDrop(s.dropped))
	return s
}

func (s *surface) apply(ttl, loginTimeout time.Duration) {
	s.conv.SetTTL(ttl)
	if loginTimeout > 0 {
		s.loginTimeout.Store(int64(loginTimeout))
	}
}

func (s *surface) commands() []router.Command {
	op := router.AccessOperator
	return []router.Command{
		{Route: "start", Description: "register and show the menu", Access: op, Handle: s.cmdStart},
		{Route: "accounts", Aliases: []string{"acc"}, Description: "list your accounts", Access: op, Handle: s.cmdAccounts},
		{Route: "add_account", Description: "log in a new account", Access: op, Handle: s.cmdAddAccount},
		{Route: "add_chats", Description: "add destinations", Usage: "/add_chats <account_id>", Access: op, Handle: s.cmdAddChats},
		{Route: "set_text", Description: "set the broadcast text", Usage: "/set_text <account_id>", Access: op, Handle: s.cmdSetText},
		{Route: "set_override", Description: "set a per-destination text", Usage: "/set_override <account_id>", Access: op, Handle: s.cmdSetOverride},
		{Route: "remove_chat", Description: "remove a destination", Usage: "/remove_chat <account_id> <target>", Access: op, Handle: s.cmdRemoveChat},
		{Route: "toggle_chat", Description: "pause or resume a destination", Usage: "/toggle_chat <account_id> <target>", Access: op, Handle: s.cmdToggleChat},
		{Route: "chats", Description: "show destinations and text", Usage: "/chats <account_id>", Access: op, Handle: s.cmdChats},
		{Route: "bc start", Description: "start broadcasting", Usage: "/bc_start <account_id>", Access: op, Timeout: 2 * time.Minute, Handle: s.cmdBroadcastStart},
		{Route: "bc stop", Description: "stop broadcasting", Usage: "/bc_stop <account_id>", Access: op, Timeout: 2 * time.Minute, Handle: s.cmdBroadcastStop},
		{Route: "bc status", Description: "broadcast status", Usage: "/bc_status [account_id]", Access: op, Handle: s.cmdBroadcastStatus},
		{Route: "delete_account", Description: "delete an account", Usage: "/delete_account <account_id>", Access: op, Handle: s.cmdDeleteAccount},
		{Route: "cancel", Description: "abort the current input", Handle: s.cmdCancel},
	}
}

func (s *surface) callbacks() []router.CallbackRoute {
	op := router.AccessOperator
	return []router.CallbackRoute{
		{Scope: "bc", Action: "start", Access: op, Timeout: 2 * time.Minute, Handle: s.cbBroadcastStart},
		{Scope: "bc", Action: "stop", Access: op, Timeout: 2 * time.Minute, Handle: s.cbBroadcastStop},
		{Scope: "bc", Action: "status", Access: op, Handle: s.cbBroadcastStatus},
		{Scope: "menu", Action: "accounts", Access: op, Handle: func(ctx context.Context, req *router.Request, _ string) error {
			return s.cmdAccounts(ctx, req)
		}},
		{Scope: "menu", Action: "add", Access: op, Handle: func(ctx context.Context, req *router.Request, _ string) error {
			return s.cmdAddAccount(ctx, req)
		}},
		{Scope: "acct", Action: "delete", Access: op, Timeout: 2 * time.Minute, Handle: s.cbDeleteAccount},
		{Scope: "acct", Action: "keep", Access: op, Handle: func(ctx context.Context, req *router.Request, _ string) error {
			return s.respond(ctx, req, tgui.New().Line("Kept.").Build())
		}},
	}
}

// ---- helpers ----

// lock serializes one operator's requests so conversation input is applied
// in order.
func (s *surface) lock(operatorID int64) func() {
	s.mu.Lock()
	l, ok := s.locks[operatorID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[operatorID] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (s *surface) setLogin(operatorID int64, l *userclient.Login) {
	s.mu.Lock()
	prev := s.logins[operatorID]
	s.logins[operatorID] = l
	s.mu.Unlock()
	if prev != nil && prev != l {
		go prev.Cancel()
	}
}

func (s *surface) takeLogin(operatorID int64) *userclient.Login {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.logins[operatorID]
	delete(s.logins, operatorID)
	return l
}

func (s *surface) pendingLogin(operatorID int64) *userclient.Login {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins[operatorID]
}

// dropped runs for abandoned conversations (cancel, expiry, replacement).
func (s *surface) dropped(c conversation.Context) {
	if !c.State.Login() {
		return
	}
	if l := s.takeLogin(c.OperatorID); l != nil {
		s.log.Debug("pending login dropped", logx.Int64("operator_id", c.OperatorID), logx.String("state", c.State.String()))
		go l.Cancel()
	}
}

func (s *surface) loginWait() time.Duration {
	return time.Duration(s.loginTimeout.Load())
}

func (s *surface) reply(ctx context.Context, req *router.Request, b *tgui.Builder) error {
	_, err := b.Build().Send(ctx, req.Adapter, req.Chat)
	return err
}

// respond edits the pressed message for callbacks and sends a new one otherwise.
func (s *surface) respond(ctx context.Context, req *router.Request, m tgui.Message) error {
	if cb := req.Update.Callback; cb != nil && cb.MessageID != 0 {
		if err := m.Edit(ctx, req.Adapter, kit.MessageRef{ChatID: cb.ChatID, MessageID: cb.MessageID}); err == nil {
			return nil
		}
	}
	_, err := m.Send(ctx, req.Adapter, req.Chat)
	return err
}

func (s *surface) fail(ctx context.Context, req *router.Request, what string, err error) error {
	_ = s.reply(ctx, req, tgui.New().Line("⚠️ "+what+" failed, try again later."))
	return fmt.Errorf("%s: %w", what, err)
}

func (s *surface) audit(ctx context.Context, req *router.Request, action string, accountID int64, target string, err error, start time.Time) {
	e := storage.AuditEntry{
		At:            time.Now(),
		ActorID:       req.FromID,
		ActorUsername: req.FromUsername,
		ChatID:        req.Chat.ChatID,
		AccountID:     accountID,
		Action:        action,
		Target:        target,
		OK:            err == nil,
		TookMS:        time.Since(start).Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	if aerr := s.store.AppendAudit(ctx, e); aerr != nil {
		req.Logger.Warn("audit write failed", logx.String("action", action), logx.Err(aerr))
	}
}

// ownedAccount resolves raw as an account id owned by the requester. It
// replies to the operator itself when the lookup fails.
func (s *surface) ownedAccount(ctx context.Context, req *router.Request, raw string) (storage.Account, bool, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(strings.TrimSpace(raw), "#"), 10, 64)
	if err != nil || id <= 0 {
		return storage.Account{}, false, s.reply(ctx, req, tgui.New().Line("Account id must be a number, see /accounts."))
	}
	acc, err := s.store.GetAccount(ctx, id)
	if errors.Is(err, storage.ErrAccountNotFound) || (err == nil && acc.OperatorID != req.FromID) {
		return storage.Account{}, false, s.reply(ctx, req, tgui.New().Line(fmt.Sprintf("Account #%d not found, see /accounts.", id)))
	}
	if err != nil {
		return storage.Account{}, false, s.fail(ctx, req, "account lookup", err)
	}
	return acc, true, nil
}

// accountArg is ownedAccount over the first argument, replying with usage when missing.
func (s *surface) accountArg(ctx context.Context, req *router.Request, usage string) (storage.Account, bool, error) {
	if len(req.Args) == 0 {
		return storage.Account{}, false, s.reply(ctx, req, tgui.New().Raw("Usage: "+tgui.Code(usage)))
	}
	return s.ownedAccount(ctx, req, req.Args[0])
}

func accountTitle(acc storage.Account) string {
	return fmt.Sprintf("#%d %s", acc.ID, acc.Label())
}

// ---- commands ----

func (s *surface) cmdStart(ctx context.Context, req *router.Request) error {
	if err := s.store.UpsertOperator(ctx, req.FromID, req.FromUsername); err != nil {
		return s.fail(ctx, req, "registration", err)
	}
	kb := tgui.NewInline().
		Row(tgui.Btn("📋 Accounts", tgui.Data("menu", "accounts", "")), tgui.Btn("➕ Add account", tgui.Data("menu", "add", "")))
	return s.reply(ctx, req, tgui.New().
		Title("👋", "Broadcast control").
		Line("Log in Telegram accounts, give each a text and a list of chats, then start broadcasting.").
		Blank().
		Line("Send /help for all commands.").
		Inline(kb))
}

func (s *surface) cmdAccounts(ctx context.Context, req *router.Request) error {
	accs, err := s.store.ListAccounts(ctx, req.FromID)
	if err != nil {
		return s.fail(ctx, req, "listing accounts", err)
	}
	if len(accs) == 0 {
		return s.respond(ctx, req, tgui.New().Line("No accounts yet. Add one with /add_account.").Build())
	}
	b := tgui.New().Title("📋", "Your accounts")
	kb := tgui.NewInline()
	for _, a := range accs {
		state := s.bc.Status(a.ID)
		line := fmt.Sprintf("%s · %s", accountTitle(a), state)
		if !a.Connected {
			line += " · not connected"
		}
		b.Line(line)
		id := strconv.FormatInt(a.ID, 10)
		kb.Row(
			tgui.Btn("▶️ #"+id, tgui.Data("bc", "start", id)),
			tgui.Btn("⏹ #"+id, tgui.Data("bc", "stop", id)),
			tgui.Btn("ℹ️ #"+id, tgui.Data("bc", "status", id)),
		)
	}
	return s.respond(ctx, req, b.Inline(kb).Build())
}

func (s *surface) cmdAddAccount(ctx context.Context, req *router.Request) error {
	defer s.lock(req.FromID)()
	if err := s.store.UpsertOperator(ctx, req.FromID, req.FromUsername); err != nil {
		return s.fail(ctx, req, "registration", err)
	}
	c, err := s.conv.Begin(req.FromID, conversation.BeginAddAccount, 0)
	if err != nil {
		return err
	}
	return s.reply(ctx, req, tgui.New().
		Title("➕", "New account").
		Line(c.State.Prompt()).
		Line("Send /cancel to abort."))
}

// beginFor starts a per-account flow after checking ownership.
func (s *surface) beginFor(ctx context.Context, req *router.Request, usage string, e conversation.Event) error {
	defer s.lock(req.FromID)()
	acc, ok, err := s.accountArg(ctx, req, usage)
	if !ok {
		return err
	}
	if e == conversation.BeginSetOverride {
		cfg, err := s.store.GetConfiguration(ctx, acc.ID)
		if err != nil {
			return s.fail(ctx, req, "reading destinations", err)
		}
		if len(cfg.Destinations) == 0 {
			return s.reply(ctx, req, tgui.New().Line(fmt.Sprintf("%s has no destinations yet, add some with /add_chats %d.", accountTitle(acc), acc.ID)))
		}
	}
	c, err := s.conv.Begin(req.FromID, e, acc.ID)
	if err != nil {
		return err
	}
	return s.reply(ctx, req, tgui.New().
		Title("✏️", accountTitle(acc)).
		Line(c.State.Prompt()).
		Line("Send /cancel to abort."))
}

func (s *surface) cmdAddChats(ctx context.Context, req *router.Request) error {
	return s.beginFor(ctx, req, "/add_chats <account_id>", conversation.BeginAddDestinations)
}

func (s *surface) cmdSetText(ctx context.Context, req *router.Request) error {
	return s.beginFor(ctx, req, "/set_text <account_id>", conversation.BeginSetText)
}

func (s *surface) cmdSetOverride(ctx context.Context, req *router.Request) error {
	return s.beginFor(ctx, req, "/set_override <account_id>", conversation.BeginSetOverride)
}

// targetArgs parses "<account_id> <target>".
func (s *surface) targetArgs(ctx context.Context, req *router.Request, usage string) (storage.Account, string, bool, error) {
	if len(req.Args) < 2 {
		return storage.Account{}, "", false, s.reply(ctx, req, tgui.New().Raw("Usage: "+tgui.Code(usage)))
	}
	acc, ok, err := s.ownedAccount(ctx, req, req.Args[0])
	if !ok {
		return storage.Account{}, "", false, err
	}
	target, err := conversation.NormalizeTarget(req.Args[1])
	if err != nil {
		return storage.Account{}, "", false, s.reply(ctx, req, tgui.New().Line("❌ "+err.Error()))
	}
	return acc, target, true, nil
}

func (s *surface) cmdRemoveChat(ctx context.Context, req *router.Request) error {
	acc, target, ok, err := s.targetArgs(ctx, req, "/remove_chat <account_id> <target>")
	if !ok {
		return err
	}
	start := time.Now()
	removed, err := s.store.RemoveDestination(ctx, acc.ID, target)
	s.audit(ctx, req, "destination.remove", acc.ID, target, err, start)
	if err != nil {
		return s.fail(ctx, req, "removing destination", err)
	}
	if !removed {
		return s.reply(ctx, req, tgui.New().Line(target+" is not a destination of "+accountTitle(acc)+"."))
	}
	return s.reply(ctx, req, tgui.New().Line("🗑 Removed "+target+" from "+accountTitle(acc)+"."))
}

func (s *surface) cmdToggleChat(ctx context.Context, req *router.Request) error {
	acc, target, ok, err := s.targetArgs(ctx, req, "/toggle_chat <account_id> <target>")
	if !ok {
		return err
	}
	cfg, err := s.store.GetConfiguration(ctx, acc.ID)
	if err != nil {
		return s.fail(ctx, req, "reading destinations", err)
	}
	var found *storage.Destination
	for i := range cfg.Destinations {
		if strings.EqualFold(cfg.Destinations[i].Target, target) {
			found = &cfg.Destinations[i]
			break
		}
	}
	if found == nil {
		return s.reply(ctx, req, tgui.New().Line(target+" is not a destination of "+accountTitle(acc)+"."))
	}
	start := time.Now()
	active := !found.Active
	_, err = s.store.SetDestinationActive(ctx, acc.ID, found.Target, active)
	s.audit(ctx, req, "destination.toggle", acc.ID, found.Target, err, start)
	if err != nil {
		return s.fail(ctx, req, "updating destination", err)
	}
	word := "paused"
	if active {
		word = "active"
	}
	return s.reply(ctx, req, tgui.New().Line(found.Target+" is now "+word+"."))
}

func (s *surface) cmdChats(ctx context.Context, req *router.Request) error {
	acc, ok, err := s.accountArg(ctx, req, "/chats <account_id>")
	if !ok {
		return err
	}
	cfg, err := s.store.GetConfiguration(ctx, acc.ID)
	if err != nil {
		return s.fail(ctx, req, "reading destinations", err)
	}
	b := tgui.New().Title("📍", accountTitle(acc))
	if cfg.DefaultText == "" {
		b.KV("Text", "not set, use /set_text "+strconv.FormatInt(acc.ID, 10))
	} else {
		b.KV("Text", tgui.TruncRunes(cfg.DefaultText, 200))
	}
	if len(cfg.Destinations) == 0 {
		b.KV("Destinations", "none, use /add_chats "+strconv.FormatInt(acc.ID, 10))
		return s.reply(ctx, req, b)
	}
	b.KV("Destinations", fmt.Sprintf("%d (%d active)", len(cfg.Destinations), len(cfg.Active())))
	for i, d := range cfg.Destinations {
		mark := "✅"
		if !d.Active {
			mark = "⏸"
		}
		line := fmt.Sprintf("%d. %s %s", i+1, mark, d.Target)
		if d.OverrideText != "" {
			line += ": " + tgui.TruncRunes(d.OverrideText, 60)
		}
		b.Line(line)
	}
	return s.reply(ctx, req, b)
}

func (s *surface) cmdCancel(ctx context.Context, req *router.Request) error {
	defer s.lock(req.FromID)()
	if _, ok := s.conv.Cancel(req.FromID); !ok {
		return s.reply(ctx, req, tgui.New().Line("Nothing to cancel."))
	}
	return s.reply(ctx, req, tgui.New().Line("Cancelled."))
}

func (s *surface) cmdDeleteAccount(ctx context.Context, req *router.Request) error {
	acc, ok, err := s.accountArg(ctx, req, "/delete_account <account_id>")
	if !ok {
		return err
	}
	id := strconv.FormatInt(acc.ID, 10)
	kb := tgui.ConfirmInline(
		tgui.Btn("🗑 Delete", tgui.Data("acct", "delete", id)),
		tgui.Btn("Keep", tgui.Data("acct", "keep", id)),
	)
	return s.reply(ctx, req, tgui.New().
		Title("⚠️", "Delete "+accountTitle(acc)+"?").
		Line("A running broadcast is stopped first. Destinations, texts and run history are removed.").
		Inline(kb))
}

func (s *surface) cbDeleteAccount(ctx context.Context, req *router.Request, payload string) error {
	acc, ok, err := s.ownedAccount(ctx, req, payload)
	if !ok {
		return err
	}
	start := time.Now()
	// The loop must be gone before its account row is, and none may start
	// until the row is.
	res, err := s.bc.StopAndHold(ctx, acc.ID, func(ctx context.Context) error {
		if err := s.store.DeleteAccount(ctx, acc.ID); err != nil && !errors.Is(err, storage.ErrAccountNotFound) {
			return err
		}
		if acc.SessionPath != "" {
			if rerr := os.Remove(acc.SessionPath); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
				req.Logger.Warn("session file not removed", logx.String("path", acc.SessionPath), logx.Err(rerr))
			}
		}
		return nil
	})
	s.audit(ctx, req, "account.delete", acc.ID, acc.Phone, err, start)
	switch {
	case res == broadcast.StopFailed:
		return s.fail(ctx, req, "stopping broadcast", err)
	case err != nil:
		return s.fail(ctx, req, "deleting account", err)
	}
	return s.respond(ctx, req, tgui.New().Line("🗑 Deleted "+accountTitle(acc)+".").Build())
}

// ---- broadcast control ----

func (s *surface) cmdBroadcastStart(ctx context.Context, req *router.Request) error {
	acc, ok, err := s.accountArg(ctx, req, "/bc_start <account_id>")
	if !ok {
		return err
	}
	return s.startBroadcast(ctx, req, acc)
}

func (s *surface) cbBroadcastStart(ctx context.Context, req *router.Request, payload string) error {
	acc, ok, err := s.ownedAccount(ctx, req, payload)
	if !ok {
		return err
	}
	return s.startBroadcast(ctx, req, acc)
}

func (s *surface) startBroadcast(ctx context.Context, req *router.Request, acc storage.Account) error {
	start := time.Now()
	res, err := s.bc.Start(ctx, acc.ID)
	s.audit(ctx, req, "broadcast.start", acc.ID, res.String(), err, start)
	title := accountTitle(acc)
	switch res {
	case broadcast.Started:
		return s.reply(ctx, req, tgui.New().Line("▶️ Broadcasting from "+title+"."))
	case broadcast.AlreadyRunning:
		return s.reply(ctx, req, tgui.New().Line(title+" is already broadcasting."))
	case broadcast.Misconfigured:
		b := tgui.New().Line("⚠️ Cannot start " + title + ": " + startProblem(err) + ".")
		if errors.Is(err, broadcast.ErrNoDefaultText) || errors.Is(err, broadcast.ErrNoDestination) {
			b.Line(fmt.Sprintf("Check /chats %d.", acc.ID))
		}
		return s.reply(ctx, req, b)
	default:
		return s.fail(ctx, req, "starting broadcast", err)
	}
}

// startProblem phrases a Misconfigured start error for the operator.
func startProblem(err error) string {
	switch {
	case errors.Is(err, broadcast.ErrNoDefaultText):
		return "no broadcast text"
	case errors.Is(err, broadcast.ErrNoDestination):
		return "no active destinations"
	case errors.Is(err, userclient.ErrNotAuthorized):
		return "the account session is logged out, add it again"
	case errors.Is(err, userclient.ErrNotConnected):
		return "cannot reach Telegram with this account"
	case err == nil:
		return "misconfigured"
	default:
		return err.Error()
	}
}

func (s *surface) cmdBroadcastStop(ctx context.Context, req *router.Request) error {
	acc, ok, err := s.accountArg(ctx, req, "/bc_stop <account_id>")
	if !ok {
		return err
	}
	return s.stopBroadcast(ctx, req, acc)
}

func (s *surface) cbBroadcastStop(ctx context.Context, req *router.Request, payload string) error {
	acc, ok, err := s.ownedAccount(ctx, req, payload)
	if !ok {
		return err
	}
	return s.stopBroadcast(ctx, req, acc)
}

func (s *surface) stopBroadcast(ctx context.Context, req *router.Request, acc storage.Account) error {
	start := time.Now()
	res, err := s.bc.Stop(ctx, acc.ID)
	s.audit(ctx, req, "broadcast.stop", acc.ID, res.String(), err, start)
	switch res {
	case broadcast.Stopped:
		return s.reply(ctx, req, tgui.New().Line("⏹ Stopped "+accountTitle(acc)+"."))
	case broadcast.NotRunning:
		return s.reply(ctx, req, tgui.New().Line(accountTitle(acc)+" is not broadcasting."))
	default:
		return s.fail(ctx, req, "stopping broadcast", err)
	}
}

func (s *surface) cmdBroadcastStatus(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		return s.cmdAccounts(ctx, req)
	}
	acc, ok, err := s.ownedAccount(ctx, req, req.Args[0])
	if !ok {
		return err
	}
	return s.respond(ctx, req, s.statusMessage(ctx, acc))
}

func (s *surface) cbBroadcastStatus(ctx context.Context, req *router.Request, payload string) error {
	acc, ok, err := s.ownedAccount(ctx, req, payload)
	if !ok {
		return err
	}
	_, err = s.statusMessage(ctx, acc).Send(ctx, req.Adapter, req.Chat)
	return err
}

func (s *surface) statusMessage(ctx context.Context, acc storage.Account) tgui.Message {
	b := tgui.New().Title("ℹ️", accountTitle(acc))
	state := s.bc.Status(acc.ID)
	b.KV("State", state.String())

	var st *broadcast.Status
	for _, x := range s.bc.Snapshot() {
		if x.AccountID == acc.ID {
			st = &x
			break
		}
	}
	if st != nil {
		b.KV("Running since", st.StartedAt.Format(time.DateTime))
		b.KV("Cycles", strconv.FormatUint(st.Cycles, 10))
		b.KV("Sent / failed", fmt.Sprintf("%d / %d", st.Sent, st.Failed))
		if !st.LastCycleAt.IsZero() {
			b.KV("Last cycle", st.LastCycleAt.Format(time.DateTime))
		}
		if state == broadcast.StateBackoff && !st.BackoffUntil.IsZero() {
			b.KV("Paused until", st.BackoffUntil.Format(time.DateTime))
		}
	} else if rec, ok, err := s.store.LatestRunRecord(ctx, acc.ID); err == nil && ok && rec.Status == storage.RunStopped {
		b.KV("Last run", fmt.Sprintf("%s to %s", rec.StartedAt.Format(time.DateTime), rec.StoppedAt.Format(time.DateTime)))
		if rec.StopReason != "" {
			b.KV("Stop reason", rec.StopReason)
		}
	}
	if recent := s.recentNotices(acc, statusNotices); len(recent) > 0 {
		b.Blank().Raw(tgui.B("Recent notices")).Bullets(recent...)
	}
	id := strconv.FormatInt(acc.ID, 10)
	kb := tgui.NewInline()
	if state == broadcast.StateIdle || state == broadcast.StateStopped {
		kb.Row(tgui.Btn("▶️ Start", tgui.Data("bc", "start", id)))
	} else {
		kb.Row(tgui.Btn("⏹ Stop", tgui.Data("bc", "stop", id)))
	}
	return b.Inline(kb).Build()
}

const statusNotices = 3

// recentNotices returns up to n delivered notices about acc, newest first,
// without the account prefix the loop adds.
func (s *surface) recentNotices(acc storage.Account, n int) []string {
	if s.notices == nil {
		return nil
	}
	prefix := "[" + acc.Label() + "] "
	hist := s.notices.Snapshot()
	var out []string
	for i := len(hist) - 1; i >= 0 && len(out) < n; i-- {
		h := hist[i]
		if h.OperatorID != acc.OperatorID || !strings.HasPrefix(h.Text, prefix) {
			continue
		}
		out = append(out, h.At.Format(time.TimeOnly)+" "+strings.TrimPrefix(h.Text, prefix))
	}
	return out
}

// ---- conversation input ----

// onText consumes plain private messages as answers to the current flow.
func (s *surface) onText(ctx context.Context, req *router.Request) error {
	defer s.lock(req.FromID)()
	c, ok := s.conv.Get(req.FromID)
	if !ok {
		return s.reply(ctx, req, tgui.New().Line("Nothing in progress. See /help."))
	}
	text := strings.TrimSpace(req.Text)

	switch c.State {
	case conversation.AwaitAPIID:
		id, err := conversation.ParseAPIID(text)
		if err != nil {
			return s.retry(ctx, req, c, err)
		}
		return s.advance(ctx, req, conversation.Accepted, func(c *conversation.Context) { c.APIID = id })

	case conversation.AwaitAPIHash:
		hash, err := conversation.ParseAPIHash(text)
		if err != nil {
			return s.retry(ctx, req, c, err)
		}
		return s.advance(ctx, req, conversation.Accepted, func(c *conversation.Context) { c.APIHash = hash })

	case conversation.AwaitPhone:
		return s.onPhone(ctx, req, c, text)

	case conversation.AwaitCode, conversation.AwaitPassword:
		return s.onLoginSecret(ctx, req, c, text)

	case conversation.AwaitDestinations:
		return s.onDestinations(ctx, req, c, text)

	case conversation.AwaitDefaultText:
		start := time.Now()
		err := s.store.SetDefaultText(ctx, c.AccountID, text)
		s.audit(ctx, req, "text.set", c.AccountID, "", err, start)
		if err != nil {
			return s.abort(ctx, req, "saving text", err)
		}
		if _, err := s.conv.Fire(req.FromID, conversation.Accepted, nil); err != nil {
			return err
		}
		return s.reply(ctx, req, tgui.New().Line(fmt.Sprintf("✅ Text saved for #%d.", c.AccountID)))

	case conversation.AwaitOverrideTarget:
		return s.onOverrideTarget(ctx, req, c, text)

	case conversation.AwaitOverrideText:
		override := text
		if override == "-" {
			override = ""
		}
		start := time.Now()
		ok, err := s.store.SetDestinationOverride(ctx, c.AccountID, c.Target, override)
		s.audit(ctx, req, "override.set", c.AccountID, c.Target, err, start)
		if err != nil {
			return s.abort(ctx, req, "saving override", err)
		}
		if !ok {
			s.conv.Cancel(req.FromID)
			return s.reply(ctx, req, tgui.New().Line(c.Target+" was removed meanwhile, nothing saved."))
		}
		if _, err := s.conv.Fire(req.FromID, conversation.Accepted, nil); err != nil {
			return err
		}
		if override == "" {
			return s.reply(ctx, req, tgui.New().Line("✅ "+c.Target+" uses the default text again."))
		}
		return s.reply(ctx, req, tgui.New().Line("✅ Override saved for "+c.Target+"."))
	}
	return nil
}

// retry keeps the flow where it is after invalid input.
func (s *surface) retry(ctx context.Context, req *router.Request, c conversation.Context, err error) error {
	s.conv.Touch(req.FromID)
	return s.reply(ctx, req, tgui.New().Line("❌ "+err.Error()).Line(c.State.Prompt()))
}

// advance fires e and asks the next question.
func (s *surface) advance(ctx context.Context, req *router.Request, e conversation.Event, apply func(*conversation.Context)) error {
	next, err := s.conv.Fire(req.FromID, e, apply)
	if err != nil {
		return err
	}
	if p := next.State.Prompt(); p != "" {
		return s.reply(ctx, req, tgui.New().Line(p))
	}
	return nil
}

// abort ends the flow after a store failure.
func (s *surface) abort(ctx context.Context, req *router.Request, what string, err error) error {
	s.conv.Cancel(req.FromID)
	if errors.Is(err, storage.ErrAccountNotFound) {
		return s.reply(ctx, req, tgui.New().Line("That account no longer exists."))
	}
	return s.fail(ctx, req, what, err)
}

func (s *surface) onPhone(ctx context.Context, req *router.Request, c conversation.Context, text string) error {
	phone, err := conversation.ParsePhone(text)
	if err != nil {
		return s.retry(ctx, req, c, err)
	}
	accs, err := s.store.ListAccounts(ctx, 0)
	if err != nil {
		return s.abort(ctx, req, "checking accounts", err)
	}
	for _, a := range accs {
		if a.Phone == phone {
			s.conv.Cancel(req.FromID)
			return s.reply(ctx, req, tgui.New().Line("This phone is already registered."))
		}
	}

	lctx, cancel := context.WithTimeout(ctx, s.loginWait())
	defer cancel()
	creds := userclient.Credentials{APIID: c.APIID, APIHash: c.APIHash, Phone: phone, SessionPath: s.pool.SessionPath(phone)}
	login, step, err := s.pool.BeginLogin(lctx, creds)
	if err != nil {
		s.conv.Cancel(req.FromID)
		req.Logger.Warn("login start failed", logx.Err(err))
		return s.reply(ctx, req, tgui.New().Line("❌ Login failed: "+err.Error()).Line("Check api_id, api_hash and phone, then /add_account again."))
	}
	c.Phone = phone
	if step == userclient.StepDone {
		return s.finishLogin(ctx, req, c, creds.SessionPath, login)
	}
	s.setLogin(req.FromID, login)
	return s.advance(ctx, req, conversation.Accepted, func(c *conversation.Context) { c.Phone = phone })
}

func (s *surface) onLoginSecret(ctx context.Context, req *router.Request, c conversation.Context, text string) error {
	login := s.pendingLogin(req.FromID)
	if login == nil {
		s.conv.Cancel(req.FromID)
		return s.reply(ctx, req, tgui.New().Line("The login expired. Start again with /add_account."))
	}
	lctx, cancel := context.WithTimeout(ctx, s.loginWait())
	defer cancel()

	var (
		step userclient.LoginStep
		err  error
	)
	if c.State == conversation.AwaitCode {
		step, _, err = login.SubmitCode(lctx, text)
	} else {
		step, _, err = login.SubmitPassword(lctx, text)
	}
	switch {
	case errors.Is(err, userclient.ErrInvalidCode), errors.Is(err, userclient.ErrInvalidPassword):
		return s.retry(ctx, req, c, err)
	case err != nil:
		s.conv.Cancel(req.FromID)
		req.Logger.Warn("login failed", logx.String("state", c.State.String()), logx.Err(err))
		return s.reply(ctx, req, tgui.New().Line("❌ Login failed: "+err.Error()).Line("Start again with /add_account."))
	case step == userclient.StepPassword:
		return s.advance(ctx, req, conversation.PasswordRequired, nil)
	case step == userclient.StepDone:
		s.takeLogin(req.FromID)
		return s.finishLogin(ctx, req, c, s.pool.SessionPath(c.Phone), login)
	}
	return fmt.Errorf("unexpected login step %s", step)
}

// finishLogin saves an authorized account and ends the flow.
func (s *surface) finishLogin(ctx context.Context, req *router.Request, c conversation.Context, sessionPath string, login *userclient.Login) error {
	prof := login.Profile()
	login.Cancel()

	start := time.Now()
	id, err := s.store.AddAccount(ctx, storage.Account{
		OperatorID:  req.FromID,
		SessionPath: sessionPath,
		APIID:       c.APIID,
		APIHash:     c.APIHash,
		Phone:       c.Phone,
		DisplayName: prof.FirstName,
		Username:    prof.Username,
		Connected:   true,
	})
	s.audit(ctx, req, "account.add", id, c.Phone, err, start)
	if err != nil {
		return s.abort(ctx, req, "saving account", err)
	}
	if _, err := s.conv.Fire(req.FromID, conversation.LoginComplete, nil); err != nil {
		return err
	}
	acc := storage.Account{ID: id, DisplayName: prof.FirstName, Username: prof.Username, Phone: c.Phone}
	return s.reply(ctx, req, tgui.New().
		Title("✅", "Added "+accountTitle(acc)).
		Line(fmt.Sprintf("Next: /add_chats %d, /set_text %d, then /bc_start %d.", id, id, id)))
}

func (s *surface) onDestinations(ctx context.Context, req *router.Request, c conversation.Context, text string) error {
	targets, bad := conversation.ParseTargets(text)
	if len(targets) == 0 {
		return s.retry(ctx, req, c, fmt.Errorf("no valid destinations in %q", tgui.TruncRunes(text, 100)))
	}
	start := time.Now()
	added, err := s.store.AddDestinations(ctx, c.AccountID, targets)
	s.audit(ctx, req, "destination.add", c.AccountID, strings.Join(targets, ","), err, start)
	if err != nil {
		return s.abort(ctx, req, "saving destinations", err)
	}
	if _, err := s.conv.Fire(req.FromID, conversation.Accepted, nil); err != nil {
		return err
	}
	b := tgui.New().Line(fmt.Sprintf("✅ Added %d destination(s) to #%d.", added, c.AccountID))
	if dup := len(targets) - added; dup > 0 {
		b.Line(fmt.Sprintf("%d already present.", dup))
	}
	if len(bad) > 0 {
		b.Line(fmt.Sprintf("Skipped %d invalid:", len(bad))).Bullets(bad...)
	}
	return s.reply(ctx, req, b)
}

func (s *surface) onOverrideTarget(ctx context.Context, req *router.Request, c conversation.Context, text string) error {
	target, err := conversation.NormalizeTarget(text)
	if err != nil {
		return s.retry(ctx, req, c, err)
	}
	cfg, err := s.store.GetConfiguration(ctx, c.AccountID)
	if err != nil {
		return s.abort(ctx, req, "reading destinations", err)
	}
	for _, d := range cfg.Destinations {
		if strings.EqualFold(d.Target, target) {
			return s.advance(ctx, req, conversation.Accepted, func(c *conversation.Context) { c.Target = d.Target })
		}
	}
	return s.retry(ctx, req, c, fmt.Errorf("%s is not a destination of #%d", target, c.AccountID))
}
