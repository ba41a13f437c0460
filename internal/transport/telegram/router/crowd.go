package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"crowdbot/internal/backend"
	"crowdbot/internal/delivery"
	kit "crowdbot/internal/transport"
	logx "crowdbot/pkg/logx"
	"crowdbot/pkg/tgui"
)

// Callback namespace and actions of the settings keyboard.
const (
	menuNS             = "menu"
	actionHelp         = "help"
	actionChangeTime   = "change_time"
	actionChangeOffset = "change_time_zone"
	actionKeep         = "keep_settings"
)

const (
	msgGreeting      = "Hi, I'm CrowdBot!"
	msgUnavailable   = "Settings are unavailable right now. Please try again later."
	msgNotSubscribed = "You are not subscribed yet. Send /start first."
	msgBadWindow     = "Invalid time format. Please use HH:MM-HH:MM."
	msgBadOffset     = "Time zone not recognized. Please use ±HH:MM, for example +03:00."
	msgSaveFailed    = "Could not save your settings. Please try again later."
	msgKept          = "Current settings left unchanged."
)

var (
	mainKeyboard = kit.Keyboard{
		{{Text: "Help", Data: tgui.MustData(menuNS, actionHelp, "")}},
		{{Text: "Change time ⌛", Data: tgui.MustData(menuNS, actionChangeTime, "")}},
		{{Text: "Change time zone 🌐", Data: tgui.MustData(menuNS, actionChangeOffset, "")}},
	}
	keepKeyboard = kit.Keyboard{
		{{Text: "Keep current settings", Data: tgui.MustData(menuNS, actionKeep, "")}},
	}
)

type BotOptions struct {
	// ConversationTTL bounds how long a settings prompt waits for input.
	ConversationTTL time.Duration
	// Conversations caps tracked chats. 0 means 10000.
	Conversations int
}

// Bot is the subscriber-facing command set: registration and delivery
// settings, plus operator commands.
type Bot struct {
	serv *Services
	conv *conversations
	cmds []Command
}

func NewBot(serv *Services, opt BotOptions) *Bot {
	if serv == nil {
		serv = &Services{}
	}
	b := &Bot{serv: serv, conv: newConversations(opt.Conversations, opt.ConversationTTL)}
	b.cmds = []Command{
		{Name: "start", Description: "start the bot", Handle: b.start},
		{Name: "change_time", Description: "change delivery time", Handle: b.askWindow},
		{Name: "change_time_zone", Description: "change time zone", Handle: b.askOffset},
		{Name: "keep_settings", Description: "keep current settings", Handle: b.keep},
		{Name: "help", Aliases: []string{"h"}, Description: "command help", Handle: b.help},
		{Name: "dispatch_now", Description: "run a dispatch cycle now", Access: AccessOwnerOnly, Handle: b.dispatchNow},
		{Name: "status", Description: "dispatcher status", Usage: "/status [chat_id]", Access: AccessOwnerOnly, Timeout: 10 * time.Second, Handle: b.status},
	}
	return b
}

func (b *Bot) Registry() Registry {
	cb := func(h HandlerFunc) CallbackHandlerFunc {
		return func(ctx context.Context, req *Request, _ string) error { return h(ctx, req) }
	}
	return Registry{
		Commands: append([]Command(nil), b.cmds...),
		Callbacks: []CallbackRoute{
			{Namespace: menuNS, Action: actionHelp, Handle: cb(b.help)},
			{Namespace: menuNS, Action: actionChangeTime, Handle: cb(b.askWindow)},
			{Namespace: menuNS, Action: actionChangeOffset, Handle: cb(b.askOffset)},
			{Namespace: menuNS, Action: actionKeep, Handle: cb(b.keep)},
		},
		Text: b.onText,
	}
}

func (b *Bot) reply(ctx context.Context, req *Request, text string, kb kit.Keyboard) error {
	_, err := req.Adapter.SendText(ctx, req.Chat, text, &kit.SendOptions{Keyboard: kb, DisablePreview: true})
	return err
}

func (b *Bot) start(ctx context.Context, req *Request) error {
	id := req.Chat.ChatID
	b.conv.end(id)
	if err := b.register(ctx, id, req.From); err != nil {
		// The greeting still goes out; the next /start retries registration.
		req.Logger.Error("subscriber registration failed", logx.Err(err))
	}
	name := req.From
	if name == "" {
		name = "friend"
	}
	return b.reply(ctx, req, fmt.Sprintf("Thanks for switching me on, %s!", name), mainKeyboard)
}

// register creates the subscriber, or reactivates an existing one.
func (b *Bot) register(ctx context.Context, id int64, name string) error {
	users := b.serv.Users
	if users == nil {
		return errors.New("user store not configured")
	}
	_, err := users.GetUser(ctx, id)
	switch {
	case errors.Is(err, backend.ErrNotFound):
		_, err = users.CreateUser(ctx, id, name)
		return err
	case err != nil:
		return err
	}
	active := true
	_, err = users.UpdateUser(ctx, id, backend.UserPatch{Active: &active})
	return err
}

func (b *Bot) help(ctx context.Context, req *Request) error {
	_, err := req.Adapter.SendText(ctx, req.Chat, renderHelp(b.cmds, req.IsOwner), &kit.SendOptions{
		ParseMode:      "HTML",
		DisablePreview: true,
		Keyboard:       mainKeyboard,
	})
	return err
}

func (b *Bot) keep(ctx context.Context, req *Request) error {
	b.conv.end(req.Chat.ChatID)
	return b.reply(ctx, req, msgKept, mainKeyboard)
}

// loadUser fetches the caller's record, replying on failure. ok is false
// when the handler should stop.
func (b *Bot) loadUser(ctx context.Context, req *Request) (backend.User, bool, error) {
	if b.serv.Users == nil {
		return backend.User{}, false, b.reply(ctx, req, msgUnavailable, nil)
	}
	u, err := b.serv.Users.GetUser(ctx, req.Chat.ChatID)
	switch {
	case errors.Is(err, backend.ErrNotFound):
		return u, false, b.reply(ctx, req, msgNotSubscribed, nil)
	case err != nil:
		_ = b.reply(ctx, req, msgUnavailable, nil)
		return u, false, err
	}
	return u, true, nil
}

func (b *Bot) askWindow(ctx context.Context, req *Request) error {
	u, ok, err := b.loadUser(ctx, req)
	if !ok {
		return err
	}
	b.conv.expect(req.Chat.ChatID, stepWindow)
	text := fmt.Sprintf("Current delivery time: %s-%s\nTo change it, send a time range as HH:MM-HH:MM.",
		clockPrefix(u.StartTime), clockPrefix(u.EndTime))
	return b.reply(ctx, req, text, keepKeyboard)
}

func (b *Bot) askOffset(ctx context.Context, req *Request) error {
	u, ok, err := b.loadUser(ctx, req)
	if !ok {
		return err
	}
	b.conv.expect(req.Chat.ChatID, stepOffset)
	text := fmt.Sprintf("Your current time zone: %s\nTo change it, send an offset as ±HH:MM.", u.TimeZone)
	return b.reply(ctx, req, text, keepKeyboard)
}

func (b *Bot) onText(ctx context.Context, req *Request) error {
	switch b.conv.pending(req.Chat.ChatID) {
	case stepWindow:
		return b.setWindow(ctx, req)
	case stepOffset:
		return b.setOffset(ctx, req)
	}
	// Stray digits are usually a late settings reply; greeting them is noise.
	if strings.ContainsAny(req.Text, "0123456789") {
		return nil
	}
	return b.reply(ctx, req, msgGreeting, nil)
}

func (b *Bot) setWindow(ctx context.Context, req *Request) error {
	w, err := delivery.ParseWindow(strings.TrimSpace(req.Text))
	if err != nil {
		req.Logger.Debug("window rejected", logx.String("input", req.Text), logx.Err(err))
		return b.reply(ctx, req, msgBadWindow, keepKeyboard)
	}
	if b.serv.Users == nil {
		return b.reply(ctx, req, msgUnavailable, nil)
	}
	start, end := w.Start.String(), w.End.String()
	if _, err := b.serv.Users.UpdateUser(ctx, req.Chat.ChatID, backend.UserPatch{StartTime: &start, EndTime: &end}); err != nil {
		_ = b.reply(ctx, req, msgSaveFailed, keepKeyboard)
		return err
	}
	b.conv.end(req.Chat.ChatID)
	req.Logger.Info("delivery window changed", logx.String("window", w.String()))
	return b.reply(ctx, req, "Delivery time changed to "+w.String()+".", nil)
}

func (b *Bot) setOffset(ctx context.Context, req *Request) error {
	off, err := delivery.ParseOffset(strings.TrimSpace(req.Text))
	if err != nil {
		req.Logger.Debug("offset rejected", logx.String("input", req.Text), logx.Err(err))
		return b.reply(ctx, req, msgBadOffset, keepKeyboard)
	}
	if b.serv.Users == nil {
		return b.reply(ctx, req, msgUnavailable, nil)
	}
	tz := off.String()
	if _, err := b.serv.Users.UpdateUser(ctx, req.Chat.ChatID, backend.UserPatch{TimeZone: &tz}); err != nil {
		_ = b.reply(ctx, req, msgSaveFailed, keepKeyboard)
		return err
	}
	b.conv.end(req.Chat.ChatID)
	req.Logger.Info("time zone changed", logx.String("offset", tz))
	return b.reply(ctx, req, "Your time zone is now "+tz+".", nil)
}

// clockPrefix trims "HH:MM:SS" to "HH:MM".
func clockPrefix(s string) string {
	if len(s) > 5 {
		return s[:5]
	}
	return s
}
