// Package router turns bot updates into handler calls: slash commands,
// inline button callbacks and free text typed during a conversation.
package router

import (
	"context"
	"time"

	"castbot/internal/runtime/supervisor"
	kit "castbot/internal/transport"
	logx "castbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	// AccessOperator limits a command to the owner allowlist when one is
	// configured. With an empty allowlist anyone may use it.
	AccessOperator
)

type HandlerFunc func(ctx context.Context, req *Request) error

type CallbackHandlerFunc func(ctx context.Context, req *Request, payload string) error

// Command is a slash command. Route is a space-separated path such as
// "accounts" or "bc start"; multi-word routes are also reachable as
// /bc_start.
type Command struct {
	Route       string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

// CallbackRoute handles inline button data built with tgui.Data.
type CallbackRoute struct {
	Scope   string
	Action  string
	Access  Access
	Timeout time.Duration
	Handle  CallbackHandlerFunc
}

type Request struct {
	Update       kit.Update
	Chat         kit.ChatTarget
	FromID       int64
	FromUsername string
	Path         []string // matched route tokens
	Command      string   // route, "text" or "cb:scope:action"
	Args         []string
	Payload      string
	Text         string
	ReqID        string

	Adapter  kit.Adapter
	Logger   logx.Logger
	Services *Services
}

// Reply sends HTML text to the request's chat with link previews off.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}

type Services struct {
	// AppSupervisor is set by the app once started. Nil in tests.
	AppSupervisor *supervisor.Supervisor
	// RuntimeSupervisors lists subsystem supervisors for the health endpoint.
	RuntimeSupervisors *supervisor.Registry
}
