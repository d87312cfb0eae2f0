package database

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/tgwatch/tgwatch/internal/logger"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.sqlite3"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { CloseDB(db) })
	return NewStore(db, logger.NewLogger("error", false))
}

func testEvent(chatID, messageID, senderID int64, ts time.Time, text string) *TrackedEvent {
	ev := &TrackedEvent{
		ChatID:    chatID,
		MessageID: messageID,
		SenderID:  senderID,
		Timestamp: ts,
	}
	if text != "" {
		ev.Text = sql.NullString{String: text, Valid: true}
	}
	return ev
}

func TestUpsertIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ts := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	first := testEvent(-100, 1, 777, ts, "first version")
	firstAtts := []Attachment{
		{ChatID: -100, MessageID: 1, Index: 0, FilePath: "/media/a.jpg"},
		{ChatID: -100, MessageID: 1, Index: 1, FilePath: "/media/b.jpg", IsReply: true},
	}
	if err := store.Upsert(ctx, first, firstAtts); err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}

	second := testEvent(-100, 1, 777, ts.Add(time.Minute), "second version")
	secondAtts := []Attachment{
		{ChatID: -100, MessageID: 1, Index: 0, FilePath: "/media/c.png"},
	}
	if err := store.Upsert(ctx, second, secondAtts); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	got, err := store.Get(ctx, EventKey{ChatID: -100, MessageID: 1})
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got == nil {
		t.Fatal("event missing after upsert")
	}
	if got.Text.String != "second version" {
		t.Errorf("text = %q, want latest content", got.Text.String)
	}
	if !got.Timestamp.Equal(ts.Add(time.Minute)) {
		t.Errorf("timestamp = %v, want updated value", got.Timestamp)
	}
	if len(got.Attachments) != 1 {
		t.Fatalf("attachments = %d, want exactly the latest set", len(got.Attachments))
	}
	if got.Attachments[0].FilePath != "/media/c.png" {
		t.Errorf("attachment path = %q", got.Attachments[0].FilePath)
	}

	events, err := store.QueryRange(ctx, -100, []int64{777}, ts.Add(-time.Hour), time.Time{})
	if err != nil {
		t.Fatalf("range query failed: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("row count after double upsert = %d, want 1", len(events))
	}
}

func TestGetAbsentReturnsNil(t *testing.T) {
	store := newTestStore(t)
	got, err := store.Get(context.Background(), EventKey{ChatID: -1, MessageID: 99})
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for absent event, got %+v", got)
	}
}

func TestQueryRangeWindowAndOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	rows := []struct {
		id     int64
		sender int64
		offset time.Duration
	}{
		{1, 777, -2 * time.Hour}, // before window
		{2, 777, 0},              // window start, inclusive
		{3, 888, 30 * time.Minute},
		{4, 999, 40 * time.Minute}, // untracked sender
		{5, 777, time.Hour},        // window end, inclusive
		{6, 777, 2 * time.Hour},    // after window
	}
	for _, row := range rows {
		ev := testEvent(-100, row.id, row.sender, base.Add(row.offset), "msg")
		if err := store.Upsert(ctx, ev, nil); err != nil {
			t.Fatalf("upsert %d failed: %v", row.id, err)
		}
	}
	// Same sender in another chat must not leak into the scope.
	if err := store.Upsert(ctx, testEvent(-200, 1, 777, base.Add(time.Minute), "other chat"), nil); err != nil {
		t.Fatalf("upsert other chat failed: %v", err)
	}

	events, err := store.QueryRange(ctx, -100, []int64{777, 888}, base, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("range query failed: %v", err)
	}

	var ids []int64
	for _, ev := range events {
		ids = append(ids, ev.MessageID)
	}
	want := []int64{2, 3, 5}
	if len(ids) != len(want) {
		t.Fatalf("got messages %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("got messages %v, want %v (ascending by timestamp)", ids, want)
		}
	}
}

func TestQueryRecentOldestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	for i := int64(1); i <= 5; i++ {
		ev := testEvent(-100, i, 777, base.Add(time.Duration(i)*time.Minute), "msg")
		if err := store.Upsert(ctx, ev, nil); err != nil {
			t.Fatalf("upsert failed: %v", err)
		}
	}

	events, err := store.QueryRecent(ctx, 777, 3, 0)
	if err != nil {
		t.Fatalf("recent query failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	// The 3 most recent (3, 4, 5), oldest first.
	for i, want := range []int64{3, 4, 5} {
		if events[i].MessageID != want {
			t.Errorf("events[%d].MessageID = %d, want %d", i, events[i].MessageID, want)
		}
	}
}

func TestQueryCounts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	for i := int64(1); i <= 3; i++ {
		if err := store.Upsert(ctx, testEvent(-100, i, 777, base.Add(time.Duration(i)*time.Minute), "m"), nil); err != nil {
			t.Fatalf("upsert failed: %v", err)
		}
	}
	if err := store.Upsert(ctx, testEvent(-100, 10, 888, base.Add(-time.Hour), "old"), nil); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	counts, err := store.QueryCounts(ctx, []int64{777, 888}, base, 0)
	if err != nil {
		t.Fatalf("counts query failed: %v", err)
	}
	if counts[777] != 3 {
		t.Errorf("counts[777] = %d, want 3", counts[777])
	}
	if _, ok := counts[888]; ok {
		t.Errorf("sender 888 outside window should have no count, got %d", counts[888])
	}
}

func TestClearReplySnapshots(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ts := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	withSnapshot := testEvent(-100, 1, 777, ts, "reply msg")
	withSnapshot.ReplyToID = sql.NullInt64{Int64: 42, Valid: true}
	withSnapshot.RepliedSenderID = sql.NullInt64{Int64: 555, Valid: true}
	withSnapshot.RepliedTimestamp = sql.NullTime{Time: ts.Add(-time.Minute), Valid: true}
	withSnapshot.RepliedText = sql.NullString{String: "quoted", Valid: true}
	atts := []Attachment{
		{ChatID: -100, MessageID: 1, Index: 0, FilePath: "/media/own.jpg"},
		{ChatID: -100, MessageID: 1, Index: 1, FilePath: "/media/quoted.jpg", IsReply: true},
	}
	if err := store.Upsert(ctx, withSnapshot, atts); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	// A second event with a reply attachment but no replied-* columns is
	// still a candidate.
	plain := testEvent(-100, 2, 777, ts, "media only")
	if err := store.Upsert(ctx, plain, []Attachment{
		{ChatID: -100, MessageID: 2, Index: 0, FilePath: "/media/r.jpg", IsReply: true},
	}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	candidates, err := store.ReplySnapshotCandidates(ctx, 0)
	if err != nil {
		t.Fatalf("candidates query failed: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("candidates = %v, want both events", candidates)
	}

	cleared, deleted, err := store.ClearReplySnapshots(ctx, []EventKey{{ChatID: -100, MessageID: 1}})
	if err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if cleared != 1 {
		t.Errorf("cleared = %d, want 1", cleared)
	}
	if deleted != 1 {
		t.Errorf("deleted attachments = %d, want 1", deleted)
	}

	got, err := store.Get(ctx, EventKey{ChatID: -100, MessageID: 1})
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.HasReplySnapshot() {
		t.Error("snapshot fields should all be null after clear")
	}
	if !got.ReplyToID.Valid {
		t.Error("reply_to_id should survive the clear")
	}
	if len(got.Attachments) != 1 || got.Attachments[0].IsReply {
		t.Errorf("non-reply attachment should survive, got %+v", got.Attachments)
	}

	// The untouched event keeps its reply attachment.
	other, err := store.Get(ctx, EventKey{ChatID: -100, MessageID: 2})
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(other.Attachments) != 1 {
		t.Errorf("untouched event lost attachments: %+v", other.Attachments)
	}
}
