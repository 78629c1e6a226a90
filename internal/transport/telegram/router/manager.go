package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"castbot/internal/runtime/supervisor"
	kit "castbot/internal/transport"
	logx "castbot/pkg/logx"
	"castbot/pkg/tgui"
)

const (
	laneDepth   = 64
	drainWindow = 3 * time.Second
	menuTimeout = 5 * time.Second
)

// CommandManager routes updates onto dispatch lanes. Every update from one
// user lands on the same lane, so a user's commands and conversation
// answers run one at a time and in arrival order, while different users
// proceed in parallel.
type CommandManager struct {
	log     logx.Logger
	adapter kit.Adapter
	serv    *Services
	flood   *floodGate

	mu     sync.RWMutex
	tab    *table
	text   HandlerFunc
	owners []int64

	runMu sync.Mutex
	sup   *supervisor.Supervisor

	// lanes is owned by the DispatchLoop goroutine.
	lanes []chan func()
}

type Option func(*CommandManager)

// WithFloodLimit caps each user at perMinute requests; see SetFloodLimit.
func WithFloodLimit(perMinute int) Option {
	return func(m *CommandManager) { m.flood.set(perMinute) }
}

func NewCommandManager(log logx.Logger, adapter kit.Adapter, serv *Services, owners []int64, opts ...Option) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if serv == nil {
		serv = &Services{}
	}
	m := &CommandManager{
		log:     log,
		adapter: adapter,
		serv:    serv,
		flood:   newFloodGate(0),
		tab:     newTable(nil, nil),
		owners:  append([]int64(nil), owners...),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Supervisor returns the dispatcher's supervisor, nil when not running.
func (m *CommandManager) Supervisor() *supervisor.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.sup
}

func (m *CommandManager) setSupervisor(sup *supervisor.Supervisor) {
	m.runMu.Lock()
	m.sup = sup
	m.runMu.Unlock()
}

// SetOwners replaces the owner allowlist. Safe during hot reload.
func (m *CommandManager) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

// SetFloodLimit caps each user at perMinute requests with a burst of a
// quarter of that. Zero or less disables the cap.
func (m *CommandManager) SetFloodLimit(perMinute int) { m.flood.set(perMinute) }

func (m *CommandManager) ownersSnapshot() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]int64(nil), m.owners...)
}

func (m *CommandManager) allowed(id int64) bool {
	owners := m.ownersSnapshot()
	if len(owners) == 0 {
		return true
	}
	for _, o := range owners {
		if o == id {
			return true
		}
	}
	return false
}

func (m *CommandManager) routes() *table {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tab
}

// SetTextHandler handles private non-command messages from allowed users.
func (m *CommandManager) SetTextHandler(h HandlerFunc) {
	m.mu.Lock()
	m.text = h
	m.mu.Unlock()
}

// SetRegistry installs the command and callback routes. /help is always
// added last. The client menu is refreshed in the background.
func (m *CommandManager) SetRegistry(cmds []Command, cbs []CallbackRoute) {
	all := append(append([]Command(nil), cmds...), Command{
		Route:       "help",
		Aliases:     []string{"h"},
		Description: "Show commands",
		Usage:       "/help [command]",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, m.helpText(req.Args))
		},
	})
	tab := newTable(all, cbs)
	m.mu.Lock()
	m.tab = tab
	m.mu.Unlock()

	up, ok := m.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return
	}
	push := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, menuTimeout)
		defer cancel()
		if err := up.UpdateMenuCommands(ctx, tab.menu()); err != nil {
			m.log.Warn("command menu update failed", logx.Err(err))
		}
		return nil
	}
	if sup := m.serv.AppSupervisor; sup != nil {
		sup.Go("commands.menu", push)
		return
	}
	go func() { _ = push(context.Background()) }()
}

// DispatchLoop reads updates until ctx is done or updates is closed.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	n := runtime.NumCPU()
	if n < 2 {
		n = 2
	}
	sup := supervisor.NewSupervisor(ctx, supervisor.WithLogger(m.log.With(logx.String("comp", "router"))))
	m.lanes = make([]chan func(), n)
	for i := range m.lanes {
		lane := make(chan func(), laneDepth)
		m.lanes[i] = lane
		sup.GoRestart("router.lane."+strconv.Itoa(i), func(c context.Context) error {
			return m.drain(c, lane)
		}, supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second), supervisor.WithPublishFirstError(true))
	}
	m.setSupervisor(sup)
	m.serv.RuntimeSupervisors.Set("router", sup)
	m.log.Info("dispatcher started", logx.Int("lanes", n))

	defer func() {
		for _, lane := range m.lanes {
			close(lane)
		}
		wctx, cancel := context.WithTimeout(context.Background(), drainWindow)
		_ = sup.Wait(wctx)
		cancel()
		sup.Cancel()
		m.serv.RuntimeSupervisors.Delete("router")
		m.setSupervisor(nil)
		m.log.Info("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			switch up.Kind {
			case kit.UpdateMessage:
				m.onMessage(ctx, up)
			case kit.UpdateCallback:
				m.onCallback(ctx, up)
			}
		}
	}
}

func (m *CommandManager) drain(ctx context.Context, lane <-chan func()) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job, ok := <-lane:
			if !ok {
				return nil
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						m.log.Error("dispatch job panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
					}
				}()
				job()
			}()
		}
	}
}

// enqueue puts fn on the user's lane. False means the lane is full.
func (m *CommandManager) enqueue(userID int64, fn func()) bool {
	lane := m.lanes[uint64(userID)%uint64(len(m.lanes))]
	select {
	case lane <- fn:
		return true
	default:
		return false
	}
}

func (m *CommandManager) onMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID}
	if !strings.HasPrefix(text, "/") {
		m.onText(ctx, up)
		return
	}
	if !m.admit(msg.FromID, func() { m.notice(ctx, chat, "⏳ Too many requests, wait a moment.") }) {
		return
	}

	toks := tokenize(text)
	if len(toks) == 0 {
		return
	}
	n, path, args := m.routes().resolve(commandWord(toks[0]), toks[1:])
	switch {
	case n == nil:
		m.notice(ctx, chat, "❓ Unknown command, see /help.")
	case n.cmd == nil:
		_, _ = m.adapter.SendText(ctx, chat, m.helpText(path), &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	default:
		cmd := *n.cmd
		if cmd.Access == AccessOperator && !m.allowed(msg.FromID) {
			m.notice(ctx, chat, "⛔ This command is for the bot's owners.")
			return
		}
		req := m.newRequest(up, msg.ChatID, msg.FromID, strings.Join(path, " "))
		req.FromUsername = msg.FromUsername
		req.Path = path
		req.Args = args
		req.Text = msg.Text
		m.submit(ctx, req, cmd.Handle, cmd.Timeout, func() { m.notice(ctx, chat, "⏳ Busy, try again.") })
	}
}

// onText forwards private free text to the conversation handler. Group
// chatter and users outside the allowlist are ignored silently.
func (m *CommandManager) onText(ctx context.Context, up kit.Update) {
	msg := up.Message
	m.mu.RLock()
	h := m.text
	m.mu.RUnlock()
	if h == nil || !msg.Private || !m.allowed(msg.FromID) {
		return
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID}
	if !m.admit(msg.FromID, func() { m.notice(ctx, chat, "⏳ Too many requests, wait a moment.") }) {
		return
	}
	req := m.newRequest(up, msg.ChatID, msg.FromID, "text")
	req.FromUsername = msg.FromUsername
	req.Text = msg.Text
	m.submit(ctx, req, h, 0, func() { m.notice(ctx, chat, "⏳ Busy, try again.") })
}

// onCallback runs the route named by the button data. The callback query
// is always answered so the client stops its spinner.
func (m *CommandManager) onCallback(ctx context.Context, up kit.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	answer := func(text string) { _ = m.adapter.AnswerCallback(ctx, cb.ID, text) }

	scope, action, payload, ok := tgui.ParseData(cb.Data)
	if !ok {
		answer("")
		return
	}
	route, ok := m.routes().callback(scope, action)
	if !ok {
		answer("")
		return
	}
	if route.Access == AccessOperator && !m.allowed(cb.FromID) {
		answer("forbidden")
		return
	}
	if ok, first := m.flood.allow(cb.FromID); !ok {
		if first {
			answer("slow down")
		} else {
			answer("")
		}
		return
	}

	req := m.newRequest(up, cb.ChatID, cb.FromID, "cb:"+cbKey(scope, action))
	req.Payload = payload
	h := func(hctx context.Context, r *Request) error {
		defer answer("")
		return route.Handle(hctx, r, payload)
	}
	m.submit(ctx, req, h, route.Timeout, func() { answer("busy") })
}

// admit applies the flood limit. warn runs once per burst of rejections.
func (m *CommandManager) admit(userID int64, warn func()) bool {
	ok, first := m.flood.allow(userID)
	if !ok {
		m.log.Debug("request throttled", logx.Int64("from_id", userID))
		if first {
			warn()
		}
	}
	return ok
}

func (m *CommandManager) notice(ctx context.Context, chat kit.ChatTarget, text string) {
	if _, err := m.adapter.SendText(ctx, chat, text, nil); err != nil {
		m.log.Debug("notice not sent", logx.Int64("chat_id", chat.ChatID), logx.Err(err))
	}
}

func (m *CommandManager) newRequest(up kit.Update, chatID, fromID int64, command string) *Request {
	rid := newReqID()
	return &Request{
		Update:  up,
		Chat:    kit.ChatTarget{ChatID: chatID},
		FromID:  fromID,
		Command: command,
		ReqID:   rid,
		Adapter: m.adapter,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.String("kind", string(up.Kind)),
			logx.Int64("chat_id", chatID),
			logx.Int64("from_id", fromID),
			logx.String("cmd", command),
		),
		Services: m.serv,
	}
}

func (m *CommandManager) submit(ctx context.Context, req *Request, h HandlerFunc, timeout time.Duration, busy func()) {
	run := Chain(h, Recover(), Logged(), Deadline(timeout))
	if !m.enqueue(req.FromID, func() { _ = run(ctx, req) }) {
		req.Logger.Warn("lane full, request dropped")
		busy()
	}
}
