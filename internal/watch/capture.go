package watch

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/tgwatch/tgwatch/internal/config"
	"github.com/tgwatch/tgwatch/internal/database"
	"github.com/tgwatch/tgwatch/internal/telegram"
)

// replyTextLimit bounds the stored reply-snapshot text.
const replyTextLimit = 280

// CaptureService turns one raw chat message into a stored event plus its
// attachment set: tracked-sender gate, media download, reply snapshot.
type CaptureService struct {
	client   telegram.Client
	mediaDir string
	log      *slog.Logger
}

func NewCaptureService(client telegram.Client, mediaDir string, log *slog.Logger) *CaptureService {
	return &CaptureService{
		client:   client,
		mediaDir: mediaDir,
		log:      log.With("component", "capture"),
	}
}

// Capture builds the event and attachments for msg. ok is false when the
// sender is not tracked by target. A reply-snapshot fetch failure (other
// than rate limiting, which is retried in place) degrades to "no
// snapshot" and never aborts capture of the primary message.
func (s *CaptureService) Capture(ctx context.Context, target *config.Target, msg telegram.Message) (*database.TrackedEvent, []database.Attachment, bool, error) {
	if !target.Tracks(msg.SenderID) {
		return nil, nil, false, nil
	}

	event := &database.TrackedEvent{
		ChatID:    msg.ChatID,
		MessageID: msg.ID,
		SenderID:  msg.SenderID,
		Timestamp: msg.Time.UTC(),
	}
	if msg.Text != "" {
		event.Text = sql.NullString{String: msg.Text, Valid: true}
	}
	if msg.IsReply && msg.ReplyToMsgID != 0 {
		event.ReplyToID = sql.NullInt64{Int64: msg.ReplyToMsgID, Valid: true}
	}

	var attachments []database.Attachment
	if msg.HasMedia {
		att, err := s.downloadAttachment(ctx, event.Key(), msg, len(attachments), false)
		if err != nil {
			return nil, nil, false, fmt.Errorf("failed to download media (chat %d, message %d): %w", msg.ChatID, msg.ID, err)
		}
		if att != nil {
			attachments = append(attachments, *att)
		}
	}

	if IsAuthenticReply(msg) {
		attachments = s.captureReplySnapshot(ctx, event, msg, attachments)
	}

	return event, attachments, true, nil
}

// IsAuthenticReply applies the reply-authenticity rule: a forum-topic
// flagged reply is only a genuine user reply when its replied-to id
// differs from the topic's root id. Bare topic linkage (reply_to_top_id
// absent) is not a reply. The offline cleanup job uses the same rule to
// re-validate stored snapshots.
func IsAuthenticReply(msg telegram.Message) bool {
	if !msg.IsReply {
		return false
	}
	if !msg.ForumTopic {
		return true
	}
	return msg.ReplyToTopID != 0 && msg.ReplyToMsgID != msg.ReplyToTopID
}

func (s *CaptureService) captureReplySnapshot(ctx context.Context, event *database.TrackedEvent, msg telegram.Message, attachments []database.Attachment) []database.Attachment {
	quoted, err := telegram.WithFloodWait(ctx, s.log, func() (*telegram.Message, error) {
		return s.client.GetMessage(ctx, msg.ChatID, msg.ReplyToMsgID)
	})
	if err != nil {
		s.log.WarnContext(ctx, "Failed to fetch reply snapshot",
			"chat_id", msg.ChatID, "message_id", msg.ID, "reply_to", msg.ReplyToMsgID, "error", err)
		return attachments
	}
	if quoted == nil {
		return attachments
	}

	text := quoted.Text
	if runes := []rune(text); len(runes) > replyTextLimit {
		text = string(runes[:replyTextLimit-1]) + "…"
	}
	event.RepliedText = sql.NullString{String: text, Valid: true}
	event.RepliedTimestamp = sql.NullTime{Time: quoted.Time.UTC(), Valid: true}
	if quoted.SenderID != 0 {
		event.RepliedSenderID = sql.NullInt64{Int64: quoted.SenderID, Valid: true}
	}

	if quoted.HasMedia {
		att, err := s.downloadAttachment(ctx, event.Key(), *quoted, len(attachments), true)
		if err != nil {
			s.log.WarnContext(ctx, "Failed to download reply media",
				"chat_id", msg.ChatID, "message_id", msg.ID, "error", err)
			return attachments
		}
		if att != nil {
			attachments = append(attachments, *att)
		}
	}
	return attachments
}

// downloadAttachment fetches msg's media under mediaDir/<chatID>/ with a
// message-id-derived name, so paths for different keys never collide.
// owner is the capturing event's key; for reply media msg is the quoted
// message while owner stays the capturing event.
func (s *CaptureService) downloadAttachment(ctx context.Context, owner database.EventKey, msg telegram.Message, index int, isReply bool) (*database.Attachment, error) {
	dest := filepath.Join(s.mediaDir, strconv.FormatInt(msg.ChatID, 10),
		strconv.FormatInt(msg.ID, 10)+extensionFor(msg.MimeType))

	path, err := telegram.WithFloodWait(ctx, s.log, func() (string, error) {
		return s.client.DownloadMedia(ctx, msg, dest)
	})
	if err != nil {
		return nil, err
	}
	if path == "" {
		return nil, nil
	}

	att := &database.Attachment{
		ChatID:    owner.ChatID,
		MessageID: owner.MessageID,
		Index:     index,
		FilePath:  path,
		IsReply:   isReply,
	}
	if msg.MimeType != "" {
		att.MimeType = sql.NullString{String: msg.MimeType, Valid: true}
	}
	if info, err := os.Stat(path); err == nil {
		att.Size = sql.NullInt64{Int64: info.Size(), Valid: true}
	}
	return att, nil
}

func extensionFor(mime string) string {
	switch mime {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	case "audio/ogg":
		return ".ogg"
	}
	return ""
}
