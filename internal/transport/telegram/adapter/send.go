package adapter

import (
	"context"
	"hash/fnv"
	"regexp"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "castbot/internal/transport"
	logx "castbot/pkg/logx"
)

// Bot API limits for setMyCommands.
const (
	maxMenuCommands = 100
	maxMenuDesc     = 256
)

// retryAfterRe reads the wait out of telebot's 429 error text
// ("telegram: retry after 17 (429)").
var retryAfterRe = regexp.MustCompile(`retry after (\d+)`)

// apiErr maps Bot API errors into transport errors.
func apiErr(err error) error {
	if err == nil {
		return nil
	}
	if m := retryAfterRe.FindStringSubmatch(err.Error()); m != nil {
		if secs, convErr := strconv.Atoi(m[1]); convErr == nil {
			return &kit.FloodWait{After: time.Duration(secs) * time.Second, Err: err}
		}
	}
	return err
}

func teleOptions(opt *kit.SendOptions, markup bool) *tele.SendOptions {
	so := &tele.SendOptions{ParseMode: tele.ParseMode(opt.ParseMode), DisableWebPagePreview: opt.DisablePreview}
	if rm, ok := opt.ReplyMarkupAdapter.(*tele.ReplyMarkup); ok && markup {
		so.ReplyMarkup = rm
	}
	return so
}

// SendText sends text, split across messages when it is too long. The
// keyboard goes on the first message, which is the one referenced.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}
	var ref kit.MessageRef
	for i, chunk := range splitText(text, textLimit, opt.ParseMode) {
		if err := ctx.Err(); err != nil {
			return ref, err
		}
		msg, err := a.bot.Send(chat, chunk, teleOptions(opt, i == 0))
		if err != nil {
			return ref, apiErr(err)
		}
		if i == 0 {
			ref = kit.MessageRef{ChatID: to.ChatID, MessageID: msg.ID}
		}
	}
	return ref, nil
}

// EditText replaces the message at ref. Overflow beyond one message is sent
// as follow-ups. Editing to identical content is not an error.
func (a *Adapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chunks := splitText(text, textLimit, opt.ParseMode)
	target := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	if _, err := a.bot.Edit(target, chunks[0], teleOptions(opt, true)); err != nil && !notModified(err) {
		return apiErr(err)
	}
	for _, chunk := range chunks[1:] {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := a.bot.Send(target.Chat, chunk, teleOptions(opt, false)); err != nil {
			return apiErr(err)
		}
	}
	return nil
}

// notModified matches the 400 returned when a button press re-renders the
// same status text.
func notModified(err error) bool {
	return strings.Contains(err.Error(), "message is not modified")
}

func (a *Adapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return apiErr(a.bot.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{Text: text}))
}

// UpdateMenuCommands calls setMyCommands when cmds differ from the last
// published list.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	list := make([]tele.Command, 0, min(len(cmds), maxMenuCommands))
	sum := fnv.New64a()
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		desc := c.Description
		if desc == "" {
			desc = c.Command
		}
		if r := []rune(desc); len(r) > maxMenuDesc {
			desc = string(r[:maxMenuDesc])
		}
		sum.Write([]byte(c.Command + "\x00" + desc + "\x00"))
		list = append(list, tele.Command{Text: c.Command, Description: desc})
		if len(list) == maxMenuCommands {
			break
		}
	}

	a.menuMu.Lock()
	defer a.menuMu.Unlock()
	if sum.Sum64() == a.menuSum {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.bot.SetCommands(list); err != nil {
		return apiErr(err)
	}
	a.menuSum = sum.Sum64()
	a.log.Info("command menu published", logx.Int("count", len(list)))
	return nil
}
