package watch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tgwatch/tgwatch/internal/config"
	"github.com/tgwatch/tgwatch/internal/database"
	"github.com/tgwatch/tgwatch/internal/telegram"
	"github.com/tgwatch/tgwatch/internal/timeutil"
)

const (
	heartbeatInterval = 5 * time.Minute
	idleThreshold     = 2 * time.Hour
)

// loopTask is one suspend/resume interval loop: waiting, then fire, then
// waiting again, until stopped. Stop cancels the in-flight wait and
// returns only after a running tick has finished, so a send in progress
// is never cut short.
type loopTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func startLoop(ctx context.Context, interval time.Duration, tick func(ctx context.Context)) *loopTask {
	loopCtx, cancel := context.WithCancel(ctx)
	t := &loopTask{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(t.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				tick(loopCtx)
			}
		}
	}()
	return t
}

func (t *loopTask) Stop() {
	t.cancel()
	<-t.done
}

// Scheduler owns the daemon's long-running loops and live subscriptions:
// one summary loop per target, one heartbeat loop, one capture handler
// per target chat, and the command handler on every control chat.
type Scheduler struct {
	cfg      *config.Config
	store    database.Store
	capture  *CaptureService
	relay    *RelayService
	activity *ActivityTracker
	watcher  telegram.Client
	log      *slog.Logger

	loops []*loopTask
}

func NewScheduler(cfg *config.Config, store database.Store, capture *CaptureService, relay *RelayService, activity *ActivityTracker, watcher telegram.Client, log *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		store:    store,
		capture:  capture,
		relay:    relay,
		activity: activity,
		watcher:  watcher,
		log:      log.With("component", "scheduler"),
	}
}

// RegisterHandlers wires the live subscriptions. Must run before the
// watcher client connects.
func (s *Scheduler) RegisterHandlers() {
	for i := range s.cfg.Targets {
		target := &s.cfg.Targets[i]
		s.watcher.OnNewMessage(target.TargetChatID, s.targetHandler(target))
	}

	seen := make(map[int64]bool)
	for _, group := range s.cfg.ControlGroups {
		if seen[group.ControlChatID] {
			continue
		}
		seen[group.ControlChatID] = true
		s.watcher.OnNewMessage(group.ControlChatID, s.handleCommand)
	}
}

// StartLoops launches the per-target summary loops and the heartbeat
// loop.
func (s *Scheduler) StartLoops(ctx context.Context) {
	for i := range s.cfg.Targets {
		target := &s.cfg.Targets[i]
		interval := target.Interval(s.cfg.Reporting.SummaryIntervalMinutes)
		s.loops = append(s.loops, startLoop(ctx, interval, s.summaryTick(target)))
		s.log.Info("Started summary loop", "target", target.Name, "interval", interval)
	}
	s.loops = append(s.loops, startLoop(ctx, heartbeatInterval, s.heartbeatTick))
}

// Stop cancels every loop and waits for in-flight ticks to finish.
func (s *Scheduler) Stop() {
	for _, loop := range s.loops {
		loop.Stop()
	}
	s.loops = nil
}

// targetHandler persists live messages from tracked users and pushes a
// topic-routed notice when the control group routes that user.
func (s *Scheduler) targetHandler(target *config.Target) telegram.NewMessageHandler {
	return func(ctx context.Context, msg telegram.Message) error {
		event, attachments, ok, err := s.capture.Capture(ctx, target, msg)
		if err != nil {
			s.log.ErrorContext(ctx, "Capture failed",
				"target", target.Name, "message_id", msg.ID, "error", err)
			return err
		}
		if !ok {
			return nil
		}
		if err := s.store.Upsert(ctx, event, attachments); err != nil {
			s.log.ErrorContext(ctx, "Failed to persist event",
				"target", target.Name, "message_id", msg.ID, "error", err)
			return err
		}
		s.log.InfoContext(ctx, "Captured message",
			"target", target.Name, "message_id", event.MessageID, "sender_id", event.SenderID)

		control := s.cfg.ControlFor(target)
		if control.TopicFor(target.TargetChatID, event.SenderID) != 0 {
			event.Attachments = attachments
			if err := s.relay.SendEventNotice(ctx, target, event); err != nil {
				s.log.ErrorContext(ctx, "Failed to send event notice",
					"target", target.Name, "message_id", event.MessageID, "error", err)
			}
		}
		return nil
	}
}

// summaryTick queries the window since the last tick and relays it. The
// watermark advances on every tick, found or not, sent or failed, so a
// window is never reported twice; a failed send is logged and the loop
// lives on.
func (s *Scheduler) summaryTick(target *config.Target) func(ctx context.Context) {
	watermark := timeutil.Now()
	return func(ctx context.Context) {
		now := timeutil.Now()
		since := watermark
		watermark = now

		events, err := s.store.QueryRange(ctx, target.TargetChatID, target.TrackedUserIDs, since, now)
		if err != nil {
			s.log.ErrorContext(ctx, "Summary query failed", "target", target.Name, "error", err)
			return
		}
		if len(events) == 0 {
			s.log.DebugContext(ctx, "No tracked messages since last summary", "target", target.Name)
			return
		}
		if err := s.relay.SendReportBundle(ctx, target, events, "", since, &now); err != nil {
			s.log.ErrorContext(ctx, "Summary relay failed", "target", target.Name, "error", err)
		}
	}
}

func (s *Scheduler) heartbeatTick(ctx context.Context) {
	now := timeutil.Now()
	if !s.activity.ShouldHeartbeat(now, idleThreshold) {
		return
	}
	idle := s.activity.IdleFor(now)
	s.relay.BroadcastNotice(ctx, fmt.Sprintf("tgwatch still running, no tracked activity for %s", timeutil.Humanize(idle)))
	s.activity.MarkHeartbeat(now)
	s.log.InfoContext(ctx, "Sent heartbeat", "idle", idle)
}
