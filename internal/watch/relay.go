package watch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/tgwatch/tgwatch/internal/config"
	"github.com/tgwatch/tgwatch/internal/database"
	"github.com/tgwatch/tgwatch/internal/links"
	"github.com/tgwatch/tgwatch/internal/notify"
	"github.com/tgwatch/tgwatch/internal/report"
	"github.com/tgwatch/tgwatch/internal/telegram"
	"github.com/tgwatch/tgwatch/internal/timeutil"
)

// RelayService formats and sends stored events to control destinations
// with topic routing and ordered account fallback. Senders are tried in
// order; a failed attempt falls through to the next candidate and only
// the last failure propagates.
type RelayService struct {
	cfg      *config.Config
	senders  []telegram.Client
	reports  *report.Generator
	notifier *notify.Notifier
	activity *ActivityTracker
	log      *slog.Logger
}

func NewRelayService(cfg *config.Config, senders []telegram.Client, reports *report.Generator, notifier *notify.Notifier, activity *ActivityTracker, log *slog.Logger) *RelayService {
	return &RelayService{
		cfg:      cfg,
		senders:  senders,
		reports:  reports,
		notifier: notifier,
		activity: activity,
		log:      log.With("component", "relay"),
	}
}

// send runs do against each candidate account in order. Rate limits are
// retried on the same account; any other failure falls back to the next
// one.
func (r *RelayService) send(ctx context.Context, do func(c telegram.Client) error) error {
	var lastErr error
	for i, c := range r.senders {
		err := telegram.RetryFloodWait(ctx, r.log, func() error {
			return do(c)
		})
		if err == nil {
			return nil
		}
		lastErr = err
		if i < len(r.senders)-1 {
			r.log.WarnContext(ctx, "Send failed, falling back to next account", "attempt", i+1, "error", err)
		}
	}
	return lastErr
}

// SendText relays plain text to a chat through the fallback chain.
func (r *RelayService) SendText(ctx context.Context, chatID int64, text string, opts telegram.SendOptions) error {
	return r.send(ctx, func(c telegram.Client) error {
		return c.SendText(ctx, chatID, text, opts)
	})
}

// SendEventNotice pushes a live per-message notice for one captured
// event, anchored to the user's topic thread when routing applies.
func (r *RelayService) SendEventNotice(ctx context.Context, target *config.Target, event *database.TrackedEvent) error {
	control := r.cfg.ControlFor(target)

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s — %s", target.Alias(event.SenderID), event.Timestamp.UTC().Format(time.RFC3339))
	if event.Text.Valid {
		sb.WriteString("\n" + previewText(event.Text.String, 200))
	}
	if len(event.Attachments) > 0 {
		fmt.Fprintf(&sb, "\n[%d attachment(s)]", len(event.Attachments))
	}
	if link := links.Message(event.ChatID, event.MessageID); link != "" {
		sb.WriteString("\n" + link)
	}

	opts := telegram.SendOptions{ReplyTo: int64(control.TopicFor(target.TargetChatID, event.SenderID))}
	if err := r.SendText(ctx, control.ControlChatID, sb.String(), opts); err != nil {
		return err
	}
	r.activity.MarkActivity(timeutil.Now())
	return nil
}

// SendReportBundle relays a window report for one target. With topic
// routing the bundle is split one file per user, each routed to that
// user's topic and named by target chat and user id so two targets
// sharing a control group never collide. Without routing a single digest
// plus report file goes to the root thread. reportPath may carry an
// already rendered report for the unrouted case; empty means render here.
func (r *RelayService) SendReportBundle(ctx context.Context, target *config.Target, events []database.TrackedEvent, reportPath string, since time.Time, until *time.Time) error {
	control := r.cfg.ControlFor(target)

	var err error
	if control.IsForum && control.TopicRoutingEnabled {
		err = r.sendRoutedBundle(ctx, target, control, events, since, until)
	} else {
		err = r.sendFlatBundle(ctx, target, control, events, reportPath, since, until)
	}
	if err != nil {
		return err
	}

	r.activity.MarkActivity(timeutil.Now())
	r.notifySummary(ctx, target, events)
	return nil
}

func (r *RelayService) sendFlatBundle(ctx context.Context, target *config.Target, control config.ControlGroup, events []database.TrackedEvent, reportPath string, since time.Time, until *time.Time) error {
	if reportPath == "" {
		var err error
		reportPath, err = r.reports.Generate(events, target.Alias, since, until, "")
		if err != nil {
			return fmt.Errorf("failed to render report for target %q: %w", target.Name, err)
		}
	}

	digest := report.BuildDigest(events, target.Alias, since, until)
	if err := r.SendText(ctx, control.ControlChatID, digest, telegram.SendOptions{}); err != nil {
		return err
	}
	return r.send(ctx, func(c telegram.Client) error {
		return c.SendFile(ctx, control.ControlChatID, reportPath, "Report for "+target.Name, telegram.SendOptions{})
	})
}

func (r *RelayService) sendRoutedBundle(ctx context.Context, target *config.Target, control config.ControlGroup, events []database.TrackedEvent, since time.Time, until *time.Time) error {
	byUser := make(map[int64][]database.TrackedEvent)
	var order []int64
	for _, ev := range events {
		if _, seen := byUser[ev.SenderID]; !seen {
			order = append(order, ev.SenderID)
		}
		byUser[ev.SenderID] = append(byUser[ev.SenderID], ev)
	}

	for _, userID := range order {
		userEvents := byUser[userID]
		filename := fmt.Sprintf("index_%d_%d.html", target.TargetChatID, userID)
		path, err := r.reports.Generate(userEvents, target.Alias, since, until, filename)
		if err != nil {
			return fmt.Errorf("failed to render report for target %q user %d: %w", target.Name, userID, err)
		}

		opts := telegram.SendOptions{ReplyTo: int64(control.TopicFor(target.TargetChatID, userID))}
		digest := report.BuildDigest(userEvents, target.Alias, since, until)
		if err := r.SendText(ctx, control.ControlChatID, digest, opts); err != nil {
			return err
		}
		caption := fmt.Sprintf("Report for %s", target.Alias(userID))
		if err := r.send(ctx, func(c telegram.Client) error {
			return c.SendFile(ctx, control.ControlChatID, path, caption, opts)
		}); err != nil {
			return err
		}
	}
	return nil
}

// notifySummary fires the best-effort push notification with per-user
// message counts.
func (r *RelayService) notifySummary(ctx context.Context, target *config.Target, events []database.TrackedEvent) {
	counts := make(map[int64]int)
	for _, ev := range events {
		counts[ev.SenderID]++
	}
	users := make([]int64, 0, len(counts))
	for id := range counts {
		users = append(users, id)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })

	parts := make([]string, 0, len(users))
	for _, id := range users {
		parts = append(parts, fmt.Sprintf("%s: %d", target.Alias(id), counts[id]))
	}
	r.notifier.Notify(ctx, "tgwatch: "+target.Name, strings.Join(parts, "; "))
}

// BroadcastNotice sends text to every control chat's root thread,
// best-effort per destination. Used for heartbeats and fatal notices.
func (r *RelayService) BroadcastNotice(ctx context.Context, text string) {
	seen := make(map[int64]bool)
	for _, group := range r.cfg.ControlGroups {
		if seen[group.ControlChatID] {
			continue
		}
		seen[group.ControlChatID] = true
		if err := r.SendText(ctx, group.ControlChatID, text, telegram.SendOptions{}); err != nil {
			r.log.ErrorContext(ctx, "Failed to broadcast notice", "chat_id", group.ControlChatID, "error", err)
		}
	}
}

func previewText(text string, limit int) string {
	text = strings.ReplaceAll(text, "\n", " ")
	if runes := []rune(text); len(runes) > limit {
		return string(runes[:limit]) + "…"
	}
	return text
}
