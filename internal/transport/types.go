// Package transport holds the chat-platform neutral types shared by the
// adapter, the router and everything that sends messages.
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
	FromUsername string
	Text         string
	IsPrivate    bool
}

type Callback struct {
	ID           string
	ChatID       int64
	MessageID    int
	FromID       int64
	FromUsername string
	Data         string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

// Button is one inline action. Data is delivered back verbatim as
// Callback.Data when tapped.
type Button struct {
	Text string
	Data string
}

// Keyboard is rows of inline buttons.
type Keyboard [][]Button

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Keyboard       Keyboard
}

// ErrMessageGone is returned by DeleteMessage when the message no longer
// exists or can no longer be deleted.
var ErrMessageGone = errors.New("transport: message gone")

// Sender is the outbound half of an Adapter.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	DeleteMessage(ctx context.Context, ref MessageRef) error
}

type Adapter interface {
	Sender

	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that can publish the
// command list to the platform menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
