package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tgwatch/tgwatch/internal/config"
	"github.com/tgwatch/tgwatch/internal/database"
	"github.com/tgwatch/tgwatch/internal/maintenance"
	"github.com/tgwatch/tgwatch/internal/notify"
	"github.com/tgwatch/tgwatch/internal/report"
	"github.com/tgwatch/tgwatch/internal/telegram"
	"github.com/tgwatch/tgwatch/internal/timeutil"
)

// Deps carries everything the run entry points need. Watcher is the
// primary account; Sender is the optional secondary used first for
// outbound sends.
type Deps struct {
	Config   *config.Config
	Store    database.Store
	Watcher  telegram.Client
	Sender   telegram.Client
	Reports  *report.Generator
	Notifier *notify.Notifier
	Logger   *slog.Logger
}

// senderCandidates returns the ordered account fallback chain: secondary
// first when present, primary last.
func (d *Deps) senderCandidates() []telegram.Client {
	if d.Sender != nil {
		return []telegram.Client{d.Sender, d.Watcher}
	}
	return []telegram.Client{d.Watcher}
}

// RunOnce backfills each selected target from now back to since,
// persists the in-window messages from tracked users, renders one report
// per target, and optionally pushes the bundles to the control chats.
// Returns the rendered report paths.
func RunOnce(ctx context.Context, deps Deps, since time.Time, targetName string, push bool) ([]string, error) {
	log := deps.Logger.With("component", "runner")

	targets, err := selectTargets(deps.Config, targetName)
	if err != nil {
		return nil, err
	}

	if err := deps.Watcher.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	defer deps.Watcher.Close()

	capture := NewCaptureService(deps.Watcher, deps.Config.Storage.MediaDir, log)
	activity := NewActivityTracker(timeutil.Now())
	relay := NewRelayService(deps.Config, deps.senderCandidates(), deps.Reports, deps.Notifier, activity, log)

	var paths []string
	for _, target := range targets {
		captured, err := collectWindow(ctx, capture, deps.Watcher, target, since, log)
		if err != nil {
			return paths, fmt.Errorf("backfill failed for target %q: %w", target.Name, err)
		}
		for _, c := range captured {
			if err := deps.Store.Upsert(ctx, c.event, c.attachments); err != nil {
				return paths, fmt.Errorf("failed to persist event (chat %d, message %d): %w",
					c.event.ChatID, c.event.MessageID, err)
			}
		}

		until := timeutil.Now()
		events, err := deps.Store.QueryRange(ctx, target.TargetChatID, target.TrackedUserIDs, since, until)
		if err != nil {
			return paths, fmt.Errorf("failed to query stored window for target %q: %w", target.Name, err)
		}

		filename := "index.html"
		if len(targets) > 1 {
			filename = fmt.Sprintf("index_%d.html", target.TargetChatID)
		}
		path, err := deps.Reports.Generate(events, target.Alias, since, &until, filename)
		if err != nil {
			return paths, fmt.Errorf("failed to render report for target %q: %w", target.Name, err)
		}
		paths = append(paths, path)
		log.InfoContext(ctx, "Backfill complete",
			"target", target.Name, "captured", len(captured), "stored", len(events), "report", path)

		if push {
			if err := relay.SendReportBundle(ctx, target, events, path, since, &until); err != nil {
				return paths, fmt.Errorf("failed to push report for target %q: %w", target.Name, err)
			}
		}
	}
	return paths, nil
}

type capturedEvent struct {
	event       *database.TrackedEvent
	attachments []database.Attachment
}

// collectWindow scans the target chat's history newest-first until it
// crosses since, then reverses so persisted order within the batch is
// chronological ascending.
func collectWindow(ctx context.Context, capture *CaptureService, client telegram.Client, target *config.Target, since time.Time, log *slog.Logger) ([]capturedEvent, error) {
	iter := client.IterHistory(target.TargetChatID)

	var captured []capturedEvent
	for {
		msg, err := telegram.WithFloodWait(ctx, log, func() (telegram.Message, error) {
			m, more, err := iter.Next(ctx)
			if err != nil {
				return telegram.Message{}, err
			}
			if !more {
				return telegram.Message{}, errHistoryDone
			}
			return m, nil
		})
		if errors.Is(err, errHistoryDone) {
			break
		}
		if err != nil {
			return nil, err
		}

		if msg.Time.Before(since) {
			break
		}
		event, attachments, tracked, err := capture.Capture(ctx, target, msg)
		if err != nil {
			return nil, err
		}
		if !tracked {
			continue
		}
		captured = append(captured, capturedEvent{event: event, attachments: attachments})
	}

	for i, j := 0, len(captured)-1; i < j; i, j = i+1, j-1 {
		captured[i], captured[j] = captured[j], captured[i]
	}
	return captured, nil
}

var errHistoryDone = errors.New("history exhausted")

// RunDaemon connects the accounts, starts the live subscriptions, the
// summary and heartbeat loops, and the maintenance scheduler, then
// blocks until disconnect or cancellation. An unhandled failure is
// broadcast to every control chat before it propagates.
func RunDaemon(ctx context.Context, deps Deps) error {
	log := deps.Logger.With("component", "runner")
	cfg := deps.Config

	capture := NewCaptureService(deps.Watcher, cfg.Storage.MediaDir, log)
	activity := NewActivityTracker(timeutil.Now())

	senders := []telegram.Client{deps.Watcher}
	if deps.Sender != nil {
		if err := deps.Sender.Connect(ctx); err != nil {
			log.Warn("Secondary account failed to connect, sending with primary only", "error", err)
		} else {
			defer deps.Sender.Close()
			senders = []telegram.Client{deps.Sender, deps.Watcher}
		}
	}
	relay := NewRelayService(cfg, senders, deps.Reports, deps.Notifier, activity, log)

	scheduler := NewScheduler(cfg, deps.Store, capture, relay, activity, deps.Watcher, log)
	scheduler.RegisterHandlers()

	if err := deps.Watcher.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer deps.Watcher.Close()
	log.Info("Logged in", "user_id", deps.Watcher.Self().ID, "username", deps.Watcher.Self().Username)

	tasks := maintenance.NewScheduler(maintenance.Deps{
		Store:         deps.Store,
		ReportsDir:    cfg.Reporting.ReportsDir,
		RetentionDays: cfg.Reporting.RetentionDays,
		Logger:        deps.Logger,
	})
	if err := tasks.Start(); err != nil {
		return fmt.Errorf("failed to start maintenance scheduler: %w", err)
	}
	defer tasks.Stop()

	scheduler.StartLoops(ctx)
	defer scheduler.Stop()

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return deps.Watcher.RunUntilDisconnected(runCtx)
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		relay.BroadcastNotice(context.WithoutCancel(ctx), fmt.Sprintf("tgwatch daemon error: %v", err))
		return err
	}
	return nil
}

func selectTargets(cfg *config.Config, name string) ([]*config.Target, error) {
	if name == "" {
		targets := make([]*config.Target, 0, len(cfg.Targets))
		for i := range cfg.Targets {
			targets = append(targets, &cfg.Targets[i])
		}
		return targets, nil
	}
	target := cfg.TargetByName(name)
	if target == nil {
		return nil, fmt.Errorf("unknown target %q", name)
	}
	return []*config.Target{target}, nil
}
