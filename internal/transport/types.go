// Package transport defines the chat-platform contract the bot and the
// dispatcher are written against.
package transport

import (
	"context"
	"errors"
)

// ErrRecipientGone is wrapped by adapters when the platform reports that a chat
// can never be reached again (blocked, deleted, deactivated).
var ErrRecipientGone = errors.New("transport: recipient unreachable")

// RetryAfterError reports platform-side flood control.
type RetryAfterError struct {
	Seconds int
	Err     error
}

func (e *RetryAfterError) Error() string { return e.Err.Error() }
func (e *RetryAfterError) Unwrap() error { return e.Err }

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int
	FromID       int64
	FromUsername string
	Text         string
	IsPrivate    bool
}

// Update is one inbound event. Only text messages are delivered today.
type Update struct {
	Message *Message
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

const (
	ParseMarkdownV2 = "MarkdownV2"
	ParseHTML       = "HTML"
)

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Sender delivers text to a chat.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// Adapter is a full chat platform connection.
type Adapter interface {
	Sender
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}

// BotCommand is a single command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that can publish a command menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
