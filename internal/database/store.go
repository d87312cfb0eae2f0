package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// Store defines the data access contract for captured events. Every
// operation is transactional per call: concurrent callers may interleave
// but never observe a partially written event (the event row and its
// attachment rows commit together).
type Store interface {
	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// Upsert inserts or replaces the event row and atomically swaps its
	// attachment set for the given one. Re-capturing the same
	// (chat_id, message_id) overwrites in place, never duplicates.
	Upsert(ctx context.Context, event *TrackedEvent, attachments []Attachment) error

	// Get retrieves one event with its attachments. Returns nil, nil when absent.
	Get(ctx context.Context, key EventKey) (*TrackedEvent, error)

	// QueryRange returns events in chatID from the given senders with
	// since <= ts (and ts <= until when until is non-zero), ordered by
	// timestamp ascending, attachments populated.
	QueryRange(ctx context.Context, chatID int64, senderIDs []int64, since, until time.Time) ([]TrackedEvent, error)

	// QueryRecent returns the most recent limit events for one sender,
	// oldest first. chatScope of zero means all chats.
	QueryRecent(ctx context.Context, senderID int64, limit int, chatScope int64) ([]TrackedEvent, error)

	// QueryCounts returns per-sender message counts since the given time.
	// chatScope of zero means all chats.
	QueryCounts(ctx context.Context, senderIDs []int64, since time.Time, chatScope int64) (map[int64]int, error)

	// ReplySnapshotCandidates returns keys of events that currently carry
	// any reply-snapshot data: a replied-* column or a reply-flagged
	// attachment. chatScope of zero means all chats.
	ReplySnapshotCandidates(ctx context.Context, chatScope int64) ([]EventKey, error)

	// ClearReplySnapshots nulls the three replied-* columns and deletes
	// reply-flagged attachments for exactly the given keys. Returns the
	// number of events cleared and attachments deleted.
	ClearReplySnapshots(ctx context.Context, keys []EventKey) (int64, int64, error)

	// RunMaintenance performs database maintenance tasks (VACUUM, ANALYZE).
	RunMaintenance(ctx context.Context) error
}

// sqlxStore provides an implementation of the Store interface using sqlx.
type sqlxStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store implementation backed by sqlx.
// It requires a connected sqlx.DB instance and a logger.
func NewStore(db *sqlx.DB, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &sqlxStore{
		db:     db,
		logger: logger.With("component", "store"),
	}
}

func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlxStore) Upsert(ctx context.Context, event *TrackedEvent, attachments []Attachment) error {
	if event == nil {
		return errors.New("cannot upsert nil event")
	}
	if event.ChatID == 0 || event.MessageID == 0 {
		return fmt.Errorf("event must have a non-zero chat_id and message_id")
	}
	if event.SenderID == 0 {
		return fmt.Errorf("event must have a non-zero sender_id")
	}
	if event.Timestamp.IsZero() {
		return fmt.Errorf("event must have a non-zero timestamp")
	}

	now := time.Now().UTC()
	event.CreatedAt = now
	event.UpdatedAt = now

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
				s.logger.WarnContext(ctx, "Error rolling back transaction", "error", rollbackErr)
			}
		}
	}()

	const upsertQuery = `
        INSERT INTO messages (
            chat_id, message_id, sender_id, ts, text, reply_to_id,
            replied_sender_id, replied_ts, replied_text, created_at, updated_at
        ) VALUES (
            :chat_id, :message_id, :sender_id, :ts, :text, :reply_to_id,
            :replied_sender_id, :replied_ts, :replied_text, :created_at, :updated_at
        )
        ON CONFLICT (chat_id, message_id) DO UPDATE SET
            sender_id         = excluded.sender_id,
            ts                = excluded.ts,
            text              = excluded.text,
            reply_to_id       = excluded.reply_to_id,
            replied_sender_id = excluded.replied_sender_id,
            replied_ts        = excluded.replied_ts,
            replied_text      = excluded.replied_text,
            updated_at        = excluded.updated_at;
    `
	if _, err := tx.NamedExecContext(ctx, upsertQuery, event); err != nil {
		return fmt.Errorf("failed to upsert event (chat %d, message %d): %w", event.ChatID, event.MessageID, err)
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM attachments WHERE chat_id = ? AND message_id = ?",
		event.ChatID, event.MessageID,
	); err != nil {
		return fmt.Errorf("failed to clear prior attachments (chat %d, message %d): %w", event.ChatID, event.MessageID, err)
	}

	const insertAttachment = `
        INSERT INTO attachments (chat_id, message_id, idx, file_path, mime_type, size, is_reply)
        VALUES (:chat_id, :message_id, :idx, :file_path, :mime_type, :size, :is_reply);
    `
	for i := range attachments {
		if _, err := tx.NamedExecContext(ctx, insertAttachment, &attachments[i]); err != nil {
			return fmt.Errorf("failed to insert attachment %d (chat %d, message %d): %w",
				attachments[i].Index, event.ChatID, event.MessageID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	tx = nil

	s.logger.DebugContext(ctx, "Event upserted",
		"chat_id", event.ChatID, "message_id", event.MessageID,
		"sender_id", event.SenderID, "attachments", len(attachments))
	return nil
}

func (s *sqlxStore) Get(ctx context.Context, key EventKey) (*TrackedEvent, error) {
	var event TrackedEvent
	err := s.db.GetContext(ctx, &event,
		"SELECT * FROM messages WHERE chat_id = ? AND message_id = ?",
		key.ChatID, key.MessageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event (chat %d, message %d): %w", key.ChatID, key.MessageID, err)
	}
	events := []TrackedEvent{event}
	if err := s.attachAll(ctx, events); err != nil {
		return nil, err
	}
	return &events[0], nil
}

func (s *sqlxStore) QueryRange(ctx context.Context, chatID int64, senderIDs []int64, since, until time.Time) ([]TrackedEvent, error) {
	if len(senderIDs) == 0 {
		return nil, nil
	}

	query := `
        SELECT * FROM messages
        WHERE chat_id = ? AND sender_id IN (?) AND ts >= ?`
	args := []interface{}{chatID, senderIDs, since.UTC()}
	if !until.IsZero() {
		query += " AND ts <= ?"
		args = append(args, until.UTC())
	}
	query += " ORDER BY ts ASC"

	expanded, expandedArgs, err := sqlx.In(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to build range query: %w", err)
	}

	var events []TrackedEvent
	if err := s.db.SelectContext(ctx, &events, s.db.Rebind(expanded), expandedArgs...); err != nil {
		return nil, fmt.Errorf("failed to query range for chat %d: %w", chatID, err)
	}
	if err := s.attachAll(ctx, events); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *sqlxStore) QueryRecent(ctx context.Context, senderID int64, limit int, chatScope int64) ([]TrackedEvent, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}

	query := "SELECT * FROM messages WHERE sender_id = ?"
	args := []interface{}{senderID}
	if chatScope != 0 {
		query += " AND chat_id = ?"
		args = append(args, chatScope)
	}
	query += " ORDER BY ts DESC LIMIT ?"
	args = append(args, limit)

	var events []TrackedEvent
	if err := s.db.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query recent events for sender %d: %w", senderID, err)
	}

	// Most recent N, returned oldest first.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	if err := s.attachAll(ctx, events); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *sqlxStore) QueryCounts(ctx context.Context, senderIDs []int64, since time.Time, chatScope int64) (map[int64]int, error) {
	if len(senderIDs) == 0 {
		return map[int64]int{}, nil
	}

	query := "SELECT sender_id, COUNT(*) AS cnt FROM messages WHERE sender_id IN (?) AND ts >= ?"
	args := []interface{}{senderIDs, since.UTC()}
	if chatScope != 0 {
		query += " AND chat_id = ?"
		args = append(args, chatScope)
	}
	query += " GROUP BY sender_id"

	expanded, expandedArgs, err := sqlx.In(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to build counts query: %w", err)
	}

	rows := []struct {
		SenderID int64 `db:"sender_id"`
		Count    int   `db:"cnt"`
	}{}
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(expanded), expandedArgs...); err != nil {
		return nil, fmt.Errorf("failed to query summary counts: %w", err)
	}

	counts := make(map[int64]int, len(rows))
	for _, row := range rows {
		counts[row.SenderID] = row.Count
	}
	return counts, nil
}

func (s *sqlxStore) ReplySnapshotCandidates(ctx context.Context, chatScope int64) ([]EventKey, error) {
	query := `
        SELECT DISTINCT m.chat_id, m.message_id
        FROM messages m
        LEFT JOIN attachments a
            ON a.chat_id = m.chat_id AND a.message_id = m.message_id AND a.is_reply = 1
        WHERE (m.replied_sender_id IS NOT NULL
            OR m.replied_ts IS NOT NULL
            OR m.replied_text IS NOT NULL
            OR a.idx IS NOT NULL)`
	args := []interface{}{}
	if chatScope != 0 {
		query += " AND m.chat_id = ?"
		args = append(args, chatScope)
	}
	query += " ORDER BY m.chat_id, m.message_id"

	var keys []EventKey
	if err := s.db.SelectContext(ctx, &keys, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query reply snapshot candidates: %w", err)
	}
	return keys, nil
}

func (s *sqlxStore) ClearReplySnapshots(ctx context.Context, keys []EventKey) (int64, int64, error) {
	if len(keys) == 0 {
		return 0, 0, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
				s.logger.WarnContext(ctx, "Error rolling back transaction", "error", rollbackErr)
			}
		}
	}()

	var eventsCleared, attachmentsDeleted int64
	now := time.Now().UTC()
	for _, key := range keys {
		res, err := tx.ExecContext(ctx, `
            UPDATE messages
            SET replied_sender_id = NULL, replied_ts = NULL, replied_text = NULL, updated_at = ?
            WHERE chat_id = ? AND message_id = ?
              AND (replied_sender_id IS NOT NULL OR replied_ts IS NOT NULL OR replied_text IS NOT NULL)`,
			now, key.ChatID, key.MessageID)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to clear snapshot (chat %d, message %d): %w", key.ChatID, key.MessageID, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			eventsCleared += n
		}

		res, err = tx.ExecContext(ctx,
			"DELETE FROM attachments WHERE chat_id = ? AND message_id = ? AND is_reply = 1",
			key.ChatID, key.MessageID)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to delete reply attachments (chat %d, message %d): %w", key.ChatID, key.MessageID, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			attachmentsDeleted += n
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	tx = nil

	s.logger.InfoContext(ctx, "Reply snapshots cleared",
		"events", eventsCleared, "attachments", attachmentsDeleted)
	return eventsCleared, attachmentsDeleted, nil
}

func (s *sqlxStore) RunMaintenance(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("failed to vacuum database: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "ANALYZE"); err != nil {
		return fmt.Errorf("failed to analyze database: %w", err)
	}
	s.logger.DebugContext(ctx, "Database maintenance completed")
	return nil
}

// attachAll populates Attachments for every event in-place, one batched
// query ordered by attachment index.
func (s *sqlxStore) attachAll(ctx context.Context, events []TrackedEvent) error {
	if len(events) == 0 {
		return nil
	}

	placeholders := make([]string, len(events))
	args := make([]interface{}, 0, len(events)*2)
	for i := range events {
		placeholders[i] = "(?, ?)"
		args = append(args, events[i].ChatID, events[i].MessageID)
	}

	query := fmt.Sprintf(`
        SELECT * FROM attachments
        WHERE (chat_id, message_id) IN (VALUES %s)
        ORDER BY chat_id, message_id, idx ASC`,
		strings.Join(placeholders, ", "))

	var attachments []Attachment
	if err := s.db.SelectContext(ctx, &attachments, query, args...); err != nil {
		return fmt.Errorf("failed to query attachments: %w", err)
	}

	byKey := make(map[EventKey][]Attachment, len(events))
	for _, a := range attachments {
		key := EventKey{ChatID: a.ChatID, MessageID: a.MessageID}
		byKey[key] = append(byKey[key], a)
	}
	for i := range events {
		events[i].Attachments = byKey[events[i].Key()]
	}
	return nil
}
