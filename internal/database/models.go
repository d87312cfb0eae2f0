package database

import (
	"database/sql"
	"time"
)

// TrackedEvent is one captured message from a watched user, keyed by
// (chat_id, message_id). The replied_* columns hold a snapshot of the
// message it replied to, taken at capture time because the original may
// later become unavailable. The three snapshot columns are nullable
// together.
type TrackedEvent struct {
	ChatID    int64     `db:"chat_id"`
	MessageID int64     `db:"message_id"`
	SenderID  int64     `db:"sender_id"`
	Timestamp time.Time `db:"ts"`

	Text      sql.NullString `db:"text"`
	ReplyToID sql.NullInt64  `db:"reply_to_id"`

	RepliedSenderID  sql.NullInt64  `db:"replied_sender_id"`
	RepliedTimestamp sql.NullTime   `db:"replied_ts"`
	RepliedText      sql.NullString `db:"replied_text"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`

	// Attachments are populated by range/point queries, ordered by index.
	Attachments []Attachment `db:"-"`
}

// Attachment is one downloaded media file owned by a TrackedEvent.
// IsReply marks files that belong to the replied-to message rather than
// the captured message itself.
type Attachment struct {
	ChatID    int64          `db:"chat_id"`
	MessageID int64          `db:"message_id"`
	Index     int            `db:"idx"`
	FilePath  string         `db:"file_path"`
	MimeType  sql.NullString `db:"mime_type"`
	Size      sql.NullInt64  `db:"size"`
	IsReply   bool           `db:"is_reply"`
}

// EventKey identifies one stored event.
type EventKey struct {
	ChatID    int64 `db:"chat_id"`
	MessageID int64 `db:"message_id"`
}

// HasReplySnapshot reports whether any replied-* field carries data.
func (e *TrackedEvent) HasReplySnapshot() bool {
	return e.RepliedSenderID.Valid || e.RepliedTimestamp.Valid || e.RepliedText.Valid
}

// Key returns the event's composite key.
func (e *TrackedEvent) Key() EventKey {
	return EventKey{ChatID: e.ChatID, MessageID: e.MessageID}
}
