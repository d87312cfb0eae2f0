package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tgwatch/tgwatch/internal/watch"
)

// Retention periods past this need an explicit confirmation before the
// daemon starts.
const retentionConfirmDays = 180

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the watch daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := setup()
		if err != nil {
			return err
		}
		defer app.Close()

		if app.cfg.Reporting.RetentionDays > retentionConfirmDays {
			if !confirm(cmd.InOrStdin(), cmd.OutOrStdout(),
				fmt.Sprintf("Report retention is %d days. Continue?", app.cfg.Reporting.RetentionDays)) {
				return fmt.Errorf("aborted")
			}
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return watch.RunDaemon(ctx, app.runDeps())
	},
}

func confirm(in io.Reader, out io.Writer, prompt string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", prompt)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
