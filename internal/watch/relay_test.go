package watch

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tgwatch/tgwatch/internal/config"
	"github.com/tgwatch/tgwatch/internal/database"
	"github.com/tgwatch/tgwatch/internal/notify"
	"github.com/tgwatch/tgwatch/internal/report"
	"github.com/tgwatch/tgwatch/internal/telegram"
	"github.com/tgwatch/tgwatch/internal/timeutil"
)

func routedConfig() *config.Config {
	return &config.Config{
		Targets: []config.Target{
			{
				Name: "alpha", TargetChatID: -1001,
				TrackedUserIDs: []int64{777},
				ControlGroup:   "ops",
			},
			{
				Name: "beta", TargetChatID: -1002,
				TrackedUserIDs: []int64{777},
				ControlGroup:   "ops",
			},
		},
		ControlGroups: map[string]config.ControlGroup{
			"ops": {
				ControlChatID:       -2000,
				IsForum:             true,
				TopicRoutingEnabled: true,
				TopicTargetMap: map[string]map[string]int{
					"-1001": {"777": 11},
					"-1002": {"777": 22},
				},
			},
		},
	}
}

func newTestRelay(t *testing.T, cfg *config.Config, senders ...telegram.Client) (*RelayService, *ActivityTracker) {
	t.Helper()
	activity := NewActivityTracker(timeutil.Now())
	relay := NewRelayService(cfg, senders,
		report.NewGenerator(t.TempDir()),
		notify.NewNotifier("", testLogger()),
		activity, testLogger())
	return relay, activity
}

func eventFor(chatID, messageID, senderID int64, text string) database.TrackedEvent {
	return database.TrackedEvent{
		ChatID:    chatID,
		MessageID: messageID,
		SenderID:  senderID,
		Timestamp: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
		Text:      sql.NullString{String: text, Valid: true},
	}
}

// Two targets sharing one control group and tracking the same user must
// produce distinct per-user bundle filenames.
func TestRoutedBundleFilenamesNeverCollide(t *testing.T) {
	t.Parallel()

	cfg := routedConfig()
	client := newFakeClient()
	relay, _ := newTestRelay(t, cfg, client)

	since := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	until := since.Add(time.Hour)

	alpha := []database.TrackedEvent{eventFor(-1001, 1, 777, "from alpha")}
	beta := []database.TrackedEvent{eventFor(-1002, 1, 777, "from beta")}

	if err := relay.SendReportBundle(context.Background(), &cfg.Targets[0], alpha, "", since, &until); err != nil {
		t.Fatalf("alpha bundle failed: %v", err)
	}
	if err := relay.SendReportBundle(context.Background(), &cfg.Targets[1], beta, "", since, &until); err != nil {
		t.Fatalf("beta bundle failed: %v", err)
	}

	if len(client.sentFiles) != 2 {
		t.Fatalf("sent %d files, want 2", len(client.sentFiles))
	}
	names := []string{
		filepath.Base(client.sentFiles[0].path),
		filepath.Base(client.sentFiles[1].path),
	}
	if names[0] != "index_-1001_777.html" || names[1] != "index_-1002_777.html" {
		t.Errorf("bundle filenames = %v, want target-chat and user scoped names", names)
	}

	// Each bundle is anchored to the user's topic thread.
	if client.sentFiles[0].replyTo != 11 || client.sentFiles[1].replyTo != 22 {
		t.Errorf("topic anchors = %d, %d, want 11 and 22",
			client.sentFiles[0].replyTo, client.sentFiles[1].replyTo)
	}
}

func TestFlatBundleGoesToRootThread(t *testing.T) {
	t.Parallel()

	cfg := routedConfig()
	group := cfg.ControlGroups["ops"]
	group.TopicRoutingEnabled = false
	cfg.ControlGroups["ops"] = group

	client := newFakeClient()
	relay, activity := newTestRelay(t, cfg, client)

	since := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	until := since.Add(time.Hour)
	events := []database.TrackedEvent{eventFor(-1001, 1, 777, "hello")}

	if err := relay.SendReportBundle(context.Background(), &cfg.Targets[0], events, "", since, &until); err != nil {
		t.Fatalf("bundle failed: %v", err)
	}

	if len(client.sentTexts) != 1 || len(client.sentFiles) != 1 {
		t.Fatalf("sends = %d texts, %d files, want 1 and 1", len(client.sentTexts), len(client.sentFiles))
	}
	if client.sentTexts[0].replyTo != 0 || client.sentFiles[0].replyTo != 0 {
		t.Error("without routing everything goes to the root thread")
	}
	if !strings.Contains(client.sentTexts[0].text, "1 msgs") {
		t.Errorf("digest missing count line: %q", client.sentTexts[0].text)
	}

	// Successful relay marks activity.
	if activity.IdleFor(timeutil.Now()) > time.Minute {
		t.Error("activity was not marked by the successful bundle send")
	}
}

func TestSenderFallbackOrder(t *testing.T) {
	t.Parallel()

	cfg := routedConfig()
	secondary := newFakeClient()
	secondary.sendErr = errors.New("secondary down")
	primary := newFakeClient()

	relay, _ := newTestRelay(t, cfg, secondary, primary)

	err := relay.SendText(context.Background(), -2000, "hello", telegram.SendOptions{})
	if err != nil {
		t.Fatalf("fallback should have succeeded: %v", err)
	}
	if len(primary.sentTexts) != 1 {
		t.Errorf("primary sends = %d, want the fallback send", len(primary.sentTexts))
	}
	if len(secondary.sentTexts) != 0 {
		t.Errorf("secondary recorded %d sends despite failing", len(secondary.sentTexts))
	}
}

func TestSenderFallbackPropagatesLastFailure(t *testing.T) {
	t.Parallel()

	cfg := routedConfig()
	first := newFakeClient()
	first.sendErr = errors.New("first down")
	second := newFakeClient()
	second.sendErr = errors.New("second down")

	relay, _ := newTestRelay(t, cfg, first, second)

	err := relay.SendText(context.Background(), -2000, "hello", telegram.SendOptions{})
	if err == nil {
		t.Fatal("expected an error when every candidate fails")
	}
	if !strings.Contains(err.Error(), "second down") {
		t.Errorf("err = %v, want the last failure", err)
	}
}

func TestBroadcastNoticeDeduplicatesChats(t *testing.T) {
	t.Parallel()

	cfg := routedConfig()
	cfg.ControlGroups["extra"] = config.ControlGroup{ControlChatID: -2000}
	cfg.ControlGroups["other"] = config.ControlGroup{ControlChatID: -3000}

	client := newFakeClient()
	relay, _ := newTestRelay(t, cfg, client)

	relay.BroadcastNotice(context.Background(), "still running")

	if len(client.sentTexts) != 2 {
		t.Fatalf("broadcast sends = %d, want one per distinct chat", len(client.sentTexts))
	}
	chats := map[int64]bool{}
	for _, sent := range client.sentTexts {
		chats[sent.chatID] = true
	}
	if !chats[-2000] || !chats[-3000] {
		t.Errorf("broadcast chats = %v", chats)
	}
}
