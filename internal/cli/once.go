package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tgwatch/tgwatch/internal/timeutil"
	"github.com/tgwatch/tgwatch/internal/watch"
)

var (
	onceSince  string
	onceTarget string
	oncePush   bool
)

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Backfill a time window and render reports",
	RunE: func(cmd *cobra.Command, args []string) error {
		since, err := timeutil.ParseSinceSpec(onceSince, timeutil.Now())
		if err != nil {
			return err
		}

		app, err := setup()
		if err != nil {
			return err
		}
		defer app.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		paths, err := watch.RunOnce(ctx, app.runDeps(), since, onceTarget, oncePush)
		if err != nil {
			return err
		}
		for _, path := range paths {
			fmt.Println("Report:", path)
		}
		return nil
	},
}

func init() {
	onceCmd.Flags().StringVar(&onceSince, "since", "2h", "window start (Nm, Nh, or RFC 3339)")
	onceCmd.Flags().StringVar(&onceTarget, "target", "", "limit to one named target")
	onceCmd.Flags().BoolVar(&oncePush, "push", false, "relay the rendered reports to the control chats")
}
