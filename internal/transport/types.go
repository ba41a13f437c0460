package transport

import (
	"context"
	"errors"
)

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromName     string // first + last name as shown by the client
	FromUsername string
	Text         string
	IsPrivate    bool
}

type Callback struct {
	ID        string
	FromID    int64
	FromName  string
	ChatID    int64
	MessageID int
	Data      string
}

type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

// Button is an inline keyboard button carrying callback data.
type Button struct {
	Text string
	Data string
}

// Keyboard is an inline keyboard, one slice per row.
type Keyboard [][]Button

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Keyboard       Keyboard
}

// Media is a local file to upload. When RemoteID is set the platform's
// cached copy is reused and Path is ignored.
type Media struct {
	Path     string
	RemoteID string
	Caption  string
	MIME     string
}

// Adapter is a chat platform connection.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error

	// SendPhoto and SendVideo return the platform file id of the uploaded media.
	SendPhoto(ctx context.Context, to ChatTarget, m Media) (remoteID string, err error)
	SendVideo(ctx context.Context, to ChatTarget, m Media) (remoteID string, err error)
}

type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that can publish a command menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}

var (
	// ErrRecipientUnreachable means the recipient can no longer be messaged
	// (blocked the bot, deleted account, chat gone). Retrying will not help.
	ErrRecipientUnreachable = errors.New("recipient unreachable")
	// ErrTransientSend covers rate limits, timeouts and network failures.
	ErrTransientSend = errors.New("transient send failure")
	// ErrPartialSend wraps the failure of a later chunk of a split text
	// after earlier chunks were already delivered.
	ErrPartialSend = errors.New("text partially sent")
)
