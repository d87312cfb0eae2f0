package watch

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/tgwatch/tgwatch/internal/database"
	"github.com/tgwatch/tgwatch/internal/telegram"
	"github.com/tgwatch/tgwatch/internal/timeutil"
)

const helpText = "Commands:\n" +
	"/help - show this help\n" +
	"/last <user_id|username> [N] - last N tracked messages\n" +
	"/since <Nh|Nm|ISO> - summary counts from window\n" +
	"/export <Nh|Nm|ISO> - generate report for window"

const defaultLastLimit = 5

// handleCommand processes control-chat commands. Only the owning account
// is listened to; anything without a leading slash is ignored.
func (s *Scheduler) handleCommand(ctx context.Context, msg telegram.Message) error {
	if msg.SenderID != s.watcher.Self().ID {
		return nil
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return nil
	}

	parts := strings.Fields(text)
	command, args := parts[0], parts[1:]

	switch command {
	case "/help":
		return s.reply(ctx, msg, helpText)
	case "/last":
		return s.cmdLast(ctx, msg, args)
	case "/since":
		return s.cmdSince(ctx, msg, args)
	case "/export":
		return s.cmdExport(ctx, msg, args)
	}
	return s.reply(ctx, msg, "Unknown command. Use /help")
}

func (s *Scheduler) cmdLast(ctx context.Context, msg telegram.Message, args []string) error {
	if len(args) == 0 {
		return s.reply(ctx, msg, "Usage: /last <user_id> [N]")
	}

	userID, err := s.resolveUser(ctx, args[0])
	if err != nil {
		return s.reply(ctx, msg, fmt.Sprintf("Cannot resolve user: %v", err))
	}
	if !s.tracked(userID) {
		return s.reply(ctx, msg, fmt.Sprintf("User %d not in tracked list.", userID))
	}

	limit := defaultLastLimit
	if len(args) > 1 {
		limit, err = strconv.Atoi(args[1])
		if err != nil {
			return s.reply(ctx, msg, "Limit must be an integer.")
		}
		if limit <= 0 {
			return s.reply(ctx, msg, "Limit must be > 0.")
		}
	}

	events, err := s.store.QueryRecent(ctx, userID, limit, 0)
	if err != nil {
		return s.reply(ctx, msg, fmt.Sprintf("Query failed: %v", err))
	}
	if len(events) == 0 {
		return s.reply(ctx, msg, "No messages stored yet.")
	}

	lines := []string{fmt.Sprintf("Last %d messages for %d:", len(events), userID)}
	for _, ev := range events {
		lines = append(lines, formatEventLine(ev))
	}
	return s.reply(ctx, msg, strings.Join(lines, "\n"))
}

func (s *Scheduler) cmdSince(ctx context.Context, msg telegram.Message, args []string) error {
	if len(args) == 0 {
		return s.reply(ctx, msg, "Usage: /since <Nh|Nm|ISO>")
	}
	since, err := timeutil.ParseSinceSpec(args[0], timeutil.Now())
	if err != nil {
		return s.reply(ctx, msg, err.Error())
	}

	counts, err := s.store.QueryCounts(ctx, s.allTrackedIDs(), since, 0)
	if err != nil {
		return s.reply(ctx, msg, fmt.Sprintf("Query failed: %v", err))
	}
	if len(counts) == 0 {
		return s.reply(ctx, msg, "No messages in that window.")
	}

	users := make([]int64, 0, len(counts))
	for id := range counts {
		users = append(users, id)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })

	lines := []string{"Summary since " + since.Format("2006-01-02T15:04:05Z07:00")}
	for _, id := range users {
		lines = append(lines, fmt.Sprintf("- %d: %d message(s)", id, counts[id]))
	}
	return s.reply(ctx, msg, strings.Join(lines, "\n"))
}

func (s *Scheduler) cmdExport(ctx context.Context, msg telegram.Message, args []string) error {
	if len(args) == 0 {
		return s.reply(ctx, msg, "Usage: /export <Nh|Nm|ISO>")
	}
	since, err := timeutil.ParseSinceSpec(args[0], timeutil.Now())
	if err != nil {
		return s.reply(ctx, msg, err.Error())
	}
	until := timeutil.Now()

	var events []database.TrackedEvent
	for i := range s.cfg.Targets {
		target := &s.cfg.Targets[i]
		targetEvents, err := s.store.QueryRange(ctx, target.TargetChatID, target.TrackedUserIDs, since, until)
		if err != nil {
			return s.reply(ctx, msg, fmt.Sprintf("Query failed: %v", err))
		}
		events = append(events, targetEvents...)
	}

	path, err := s.relay.reports.Generate(events, s.labelFor, since, &until, "")
	if err != nil {
		return s.reply(ctx, msg, fmt.Sprintf("Report failed: %v", err))
	}
	return s.reply(ctx, msg, "Export ready: "+path)
}

func (s *Scheduler) resolveUser(ctx context.Context, ref string) (int64, error) {
	if id, err := strconv.ParseInt(strings.TrimSpace(ref), 10, 64); err == nil {
		return id, nil
	}
	user, err := telegram.WithFloodWait(ctx, s.log, func() (telegram.User, error) {
		return s.watcher.ResolveUser(ctx, ref)
	})
	if err != nil {
		return 0, err
	}
	return user.ID, nil
}

func (s *Scheduler) tracked(userID int64) bool {
	for i := range s.cfg.Targets {
		if s.cfg.Targets[i].Tracks(userID) {
			return true
		}
	}
	return false
}

func (s *Scheduler) allTrackedIDs() []int64 {
	seen := make(map[int64]bool)
	var ids []int64
	for i := range s.cfg.Targets {
		for _, id := range s.cfg.Targets[i].TrackedUserIDs {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// labelFor resolves a display label across all targets; the first target
// tracking the user wins.
func (s *Scheduler) labelFor(userID int64) string {
	for i := range s.cfg.Targets {
		if s.cfg.Targets[i].Tracks(userID) {
			return s.cfg.Targets[i].Alias(userID)
		}
	}
	return fmt.Sprintf("user %d", userID)
}

func (s *Scheduler) reply(ctx context.Context, msg telegram.Message, text string) error {
	return s.relay.SendText(ctx, msg.ChatID, text, telegram.SendOptions{ReplyTo: msg.ID})
}

func formatEventLine(ev database.TrackedEvent) string {
	text := "<no text>"
	if ev.Text.Valid {
		text = previewText(ev.Text.String, 70)
	}
	return fmt.Sprintf("%s — %s", ev.Timestamp.UTC().Format("2006-01-02T15:04:05Z07:00"), text)
}
