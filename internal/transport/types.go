// Package transport describes the operator bot connection independently of
// the Telegram library behind it. Handlers and services depend on these
// types; telebot stays behind the adapter and the tgui keyboards.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Adapter is the operator bot connection.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

// CommandMenuUpdater is implemented by adapters that can publish the
// client's "/" command menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

// Update is one inbound event. Exactly one of Message and Callback is set,
// matching Kind.
type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	FromName     string
	Text         string
	Private      bool
}

// Callback is an inline button press on message MessageID.
type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	MessageID int
	Data      string
}

// ChatTarget addresses a chat. For private chats the id is the user id.
type ChatTarget struct{ ChatID int64 }

type MessageRef struct {
	ChatID    int64
	MessageID int
}

type SendOptions struct {
	ParseMode      string // "" or "HTML"
	DisablePreview bool
	// ReplyMarkupAdapter is passed through to the adapter untouched
	// (*telebot.ReplyMarkup for Telegram).
	ReplyMarkupAdapter any
}

type BotCommand struct {
	Command     string
	Description string
}

// FloodWait is returned when the Bot API refuses a call with 429 and
// names how long to wait.
type FloodWait struct {
	After time.Duration
	Err   error
}

func (e *FloodWait) Error() string { return fmt.Sprintf("flood wait %s: %v", e.After, e.Err) }

func (e *FloodWait) Unwrap() error { return e.Err }

// RetryAfter extracts the wait from a FloodWait anywhere in err's chain.
func RetryAfter(err error) (time.Duration, bool) {
	var fw *FloodWait
	if errors.As(err, &fw) {
		return fw.After, true
	}
	return 0, false
}
