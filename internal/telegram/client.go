// Package telegram defines the chat capability consumed by the watch
// engine, plus its MTProto-backed implementation. The engine only depends
// on the Client interface; the contract is "retry signal on rate limit,
// otherwise succeed or fail".
package telegram

import (
	"context"
	"time"
)

// Message is the transport-independent view of one chat message.
type Message struct {
	ChatID   int64
	ID       int64
	SenderID int64
	Time     time.Time
	Text     string

	// Reply linkage. ForumTopic marks the structural reply-to pointer
	// Telegram inserts for messages posted inside a forum topic;
	// ReplyToTopID is the topic root when known.
	IsReply      bool
	ReplyToMsgID int64
	ForumTopic   bool
	ReplyToTopID int64

	HasMedia bool
	MimeType string
}

// User identifies a resolved account.
type User struct {
	ID       int64
	Username string
}

// SendOptions modify an outbound send.
type SendOptions struct {
	// ReplyTo anchors the message to an existing message or forum topic
	// thread. Zero means the chat's root thread.
	ReplyTo int64
}

// MessageIter is a lazy, reverse-chronological, restartable walk over a
// chat's history.
type MessageIter interface {
	// Next returns the next (older) message. ok is false when the history
	// is exhausted.
	Next(ctx context.Context) (msg Message, ok bool, err error)
}

// NewMessageHandler receives live messages for a subscribed chat.
type NewMessageHandler func(ctx context.Context, msg Message) error

// Client is the capability interface over one logged-in account. Any call
// that touches the network may return a *FloodWaitError carrying a wait
// duration; callers retry through WithFloodWait.
type Client interface {
	// Connect logs in with the stored session and blocks until the
	// connection is ready or ctx is cancelled.
	Connect(ctx context.Context) error

	// Close disconnects and releases the session.
	Close() error

	// Self returns the logged-in account.
	Self() User

	// IterHistory walks chatID's history newest-first.
	IterHistory(chatID int64) MessageIter

	// GetMessage fetches a single message by id within a chat.
	// Returns nil, nil when the message no longer exists.
	GetMessage(ctx context.Context, chatID, messageID int64) (*Message, error)

	// ResolveUser resolves a numeric id or @username to an account.
	ResolveUser(ctx context.Context, ref string) (User, error)

	// DownloadMedia saves the message's media byte-identical to source
	// under destPath. Returns the final path, or "" when the message has
	// no downloadable media.
	DownloadMedia(ctx context.Context, msg Message, destPath string) (string, error)

	// SendText sends a text message to chatID.
	SendText(ctx context.Context, chatID int64, text string, opts SendOptions) error

	// SendFile uploads and sends a file with an optional caption.
	SendFile(ctx context.Context, chatID int64, path, caption string, opts SendOptions) error

	// OnNewMessage subscribes handler to live messages in chatID.
	// Must be called before Connect.
	OnNewMessage(chatID int64, handler NewMessageHandler)

	// RunUntilDisconnected blocks until the connection drops or ctx is
	// cancelled.
	RunUntilDisconnected(ctx context.Context) error
}
