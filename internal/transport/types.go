// Package transport defines the adapter-neutral messaging types ("kit")
// shared by the telegram adapter, the command router, and the notifier.
package transport

import (
	"context"
	"io"
)

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateDocument UpdateKind = "document"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Document *Document
}

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	FromName     string
	Text         string
	IsGroup      bool
}

// Document is an incoming file or photo attachment.
type Document struct {
	ChatID   int64
	FromID   int64
	FromName string
	// FileName is empty for photos; UniqueID is always set.
	FileName string
	UniqueID string
	IsPhoto  bool
	// FileID is the platform handle used to download the payload.
	FileID string
}

type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	// SendDocument uploads r to the chat as a named file.
	SendDocument(ctx context.Context, to ChatTarget, name string, r io.Reader, caption string) error
	// Download fetches the payload behind an incoming Document.
	Download(ctx context.Context, fileID string) (io.ReadCloser, error)
}

// BotCommand is a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional adapter interface for updating the
// platform command menu (e.g. Telegram's / list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
