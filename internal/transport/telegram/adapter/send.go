package adapter

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"net"
	"strings"

	kit "crowdbot/internal/transport"
	logx "crowdbot/pkg/logx"
	"crowdbot/pkg/tgui"

	tele "gopkg.in/telebot.v4"
)

const telegramTextLimit = 4000

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chunks := splitTelegramText(text, telegramTextLimit, opt.ParseMode)
	chat := &tele.Chat{ID: to.ChatID}

	var first kit.MessageRef
	for i, chunk := range chunks {
		sendOpt := &tele.SendOptions{ParseMode: opt.ParseMode, DisableWebPagePreview: opt.DisablePreview}
		// Markup goes on the first chunk only.
		if i == 0 {
			sendOpt.ReplyMarkup = inlineMarkup(opt.Keyboard)
		}
		msg, err := call(ctx, a, func() (*tele.Message, error) { return a.bot.Send(chat, chunk, sendOpt) })
		if err != nil {
			if i > 0 {
				return first, fmt.Errorf("%w: chunk %d of %d: %w", kit.ErrPartialSend, i+1, len(chunks), err)
			}
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// SendLog lets the adapter act as the log sink for an ops chat.
func (a *Adapter) SendLog(ctx context.Context, chatID int64, text string) error {
	_, err := a.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, &kit.SendOptions{DisablePreview: true})
	return err
}

func (a *Adapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chunks := splitTelegramText(text, telegramTextLimit, opt.ParseMode)
	m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	sendOpt := &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
		ReplyMarkup:           inlineMarkup(opt.Keyboard),
	}
	if _, err := call(ctx, a, func() (*tele.Message, error) { return a.bot.Edit(m, chunks[0], sendOpt) }); err != nil {
		return err
	}
	// Overflow that does not fit the edited message goes out as new messages.
	for _, chunk := range chunks[1:] {
		if _, err := a.SendText(ctx, kit.ChatTarget{ChatID: ref.ChatID}, chunk, &kit.SendOptions{ParseMode: opt.ParseMode, DisablePreview: opt.DisablePreview}); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	_, err := call(ctx, a, func() (struct{}, error) {
		return struct{}{}, a.bot.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{Text: text})
	})
	return err
}

func (a *Adapter) SendPhoto(ctx context.Context, to kit.ChatTarget, m kit.Media) (string, error) {
	photo := &tele.Photo{File: mediaFile(m), Caption: m.Caption}
	msg, err := call(ctx, a, func() (*tele.Message, error) { return a.bot.Send(&tele.Chat{ID: to.ChatID}, photo) })
	if err != nil {
		return "", err
	}
	if msg != nil && msg.Photo != nil {
		return msg.Photo.FileID, nil
	}
	return "", nil
}

func (a *Adapter) SendVideo(ctx context.Context, to kit.ChatTarget, m kit.Media) (string, error) {
	video := &tele.Video{File: mediaFile(m), Caption: m.Caption, MIME: m.MIME}
	msg, err := call(ctx, a, func() (*tele.Message, error) { return a.bot.Send(&tele.Chat{ID: to.ChatID}, video) })
	if err != nil {
		return "", err
	}
	if msg != nil && msg.Video != nil {
		return msg.Video.FileID, nil
	}
	return "", nil
}

func mediaFile(m kit.Media) tele.File {
	if m.RemoteID != "" {
		return tele.File{FileID: m.RemoteID}
	}
	return tele.FromDisk(m.Path)
}

func inlineMarkup(kb kit.Keyboard) *tele.ReplyMarkup {
	in := tgui.NewInline()
	for _, r := range kb {
		btns := make([]tele.Btn, 0, len(r))
		for _, b := range r {
			btns = append(btns, tgui.Btn(b.Text, b.Data))
		}
		in.Row(btns...)
	}
	return in.Markup()
}

// call waits for the rate limiter, then runs fn until it returns or ctx is
// done. telebot calls are not cancelable, so on timeout fn keeps running in
// the background, bounded by the HTTP client timeout.
func call[T any](ctx context.Context, a *Adapter, fn func() (T, error)) (T, error) {
	var zero T
	if err := a.limiter.Wait(ctx); err != nil {
		return zero, fmt.Errorf("%w: %v", kit.ErrTransientSend, err)
	}
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()
	select {
	case <-ctx.Done():
		return zero, fmt.Errorf("%w: %v", kit.ErrTransientSend, ctx.Err())
	case r := <-done:
		return r.v, classify(r.err)
	}
}

var unreachableErrs = []error{
	tele.ErrBlockedByUser,
	tele.ErrUserIsDeactivated,
	tele.ErrChatNotFound,
	tele.ErrKickedFromGroup,
	tele.ErrKickedFromSuperGroup,
	tele.ErrNotStartedByUser,
}

var unreachableMarkers = []string{
	"blocked by the user",
	"user is deactivated",
	"chat not found",
	"bot was kicked",
	"can't initiate conversation",
}

var transientMarkers = []string{
	"too many requests",
	"retry after",
	"timeout",
	"connection reset",
	"bad gateway",
	"internal server error",
}

// classify maps a telebot error onto the transport error taxonomy. The
// original error stays in the chain.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, target := range unreachableErrs {
		if errors.Is(err, target) {
			return fmt.Errorf("%w: %w", kit.ErrRecipientUnreachable, err)
		}
	}
	msg := strings.ToLower(err.Error())
	for _, m := range unreachableMarkers {
		if strings.Contains(msg, m) {
			return fmt.Errorf("%w: %w", kit.ErrRecipientUnreachable, err)
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", kit.ErrTransientSend, err)
	}
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return fmt.Errorf("%w: %w", kit.ErrTransientSend, err)
		}
	}
	return err
}

// UpdateMenuCommands publishes the command menu. It only calls the API when
// the list changed since the last successful update.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	h := fnv.New64a()
	list := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		list = append(list, tele.Command{Text: c.Command, Description: d})
		_, _ = h.Write([]byte(c.Command + "\x00" + d + "\x00"))
	}
	sum := h.Sum64()
	if sum == a.menuHash {
		return nil
	}
	if _, err := call(ctx, a, func() (struct{}, error) { return struct{}{}, a.bot.SetCommands(list) }); err != nil {
		return err
	}
	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(list)))
	return nil
}
