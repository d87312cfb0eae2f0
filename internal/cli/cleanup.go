package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tgwatch/tgwatch/internal/database"
	"github.com/tgwatch/tgwatch/internal/telegram"
	"github.com/tgwatch/tgwatch/internal/timeutil"
	"github.com/tgwatch/tgwatch/internal/watch"
)

var (
	cleanupApply  bool
	cleanupBackup bool
	cleanupChat   int64
)

// cleanup-replies re-validates stored reply snapshots against the
// authenticity rule by refetching each quoted message. Snapshots that
// turn out to be bare forum-topic linkage are cleared. Dry run unless
// --apply is given.
var cleanupRepliesCmd = &cobra.Command{
	Use:   "cleanup-replies",
	Short: "Clear reply snapshots that are really forum-topic linkage",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := setup()
		if err != nil {
			return err
		}
		defer app.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		candidates, err := app.store.ReplySnapshotCandidates(ctx, cleanupChat)
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No reply snapshots stored.")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Found %d events with reply snapshots.\n", len(candidates))

		client := app.watcherClient()
		if err := client.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		defer client.Close()

		falsePositives, err := findFalsePositives(ctx, app, client, candidates)
		if err != nil {
			return err
		}
		if len(falsePositives) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "All snapshots are genuine replies, nothing to clear.")
			return nil
		}

		for _, key := range falsePositives {
			fmt.Fprintf(cmd.OutOrStdout(), "- chat %d message %d: topic linkage, not a reply\n", key.ChatID, key.MessageID)
		}

		if !cleanupApply {
			fmt.Fprintf(cmd.OutOrStdout(), "Dry run: %d snapshot(s) would be cleared. Re-run with --apply.\n", len(falsePositives))
			return nil
		}

		if cleanupBackup {
			backupPath, err := backupFile(app.cfg.Storage.DBPath)
			if err != nil {
				return fmt.Errorf("failed to back up database: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Backup written:", backupPath)
		}

		cleared, deleted, err := app.store.ClearReplySnapshots(ctx, falsePositives)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d snapshot(s), deleted %d reply attachment(s).\n", cleared, deleted)
		return nil
	},
}

// findFalsePositives refetches each candidate's message and keeps the
// ones whose reply linkage fails the authenticity rule. Messages that
// can no longer be fetched are left untouched; absence is not evidence.
func findFalsePositives(ctx context.Context, app *app, client telegram.Client, candidates []database.EventKey) ([]database.EventKey, error) {
	var falsePositives []database.EventKey
	for _, key := range candidates {
		msg, err := telegram.WithFloodWait(ctx, app.log, func() (*telegram.Message, error) {
			return client.GetMessage(ctx, key.ChatID, key.MessageID)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to refetch (chat %d, message %d): %w", key.ChatID, key.MessageID, err)
		}
		if msg == nil {
			continue
		}
		if msg.IsReply && !watch.IsAuthenticReply(*msg) {
			falsePositives = append(falsePositives, key)
		}
	}
	return falsePositives, nil
}

func backupFile(path string) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer src.Close()

	backupPath := fmt.Sprintf("%s.bak-%s", path, timeutil.Now().Format("20060102-150405"))
	dst, err := os.Create(backupPath)
	if err != nil {
		return "", err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		os.Remove(backupPath)
		return "", err
	}
	return backupPath, nil
}

func init() {
	cleanupRepliesCmd.Flags().BoolVar(&cleanupApply, "apply", false, "actually clear the snapshots (default is dry run)")
	cleanupRepliesCmd.Flags().BoolVar(&cleanupBackup, "backup", false, "copy the database file before applying")
	cleanupRepliesCmd.Flags().Int64Var(&cleanupChat, "chat", 0, "limit to one chat id (0 = all)")
}
