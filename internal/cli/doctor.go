package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tgwatch/tgwatch/internal/config"
	"github.com/tgwatch/tgwatch/internal/database"
	"github.com/tgwatch/tgwatch/internal/logger"
)

type checkResult struct {
	name   string
	ok     bool
	detail string
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Validate configuration and local environment",
	RunE: func(cmd *cobra.Command, args []string) error {
		var checks []checkResult

		cfg, err := config.Load(configPath)
		if err != nil {
			checks = append(checks, checkResult{"config", false, err.Error()})
			printChecks(cmd, checks)
			return fmt.Errorf("doctor failed")
		}
		checks = append(checks, checkResult{"config", true, "config parsed successfully"})

		checks = append(checks,
			checkDir("session dir", filepath.Dir(cfg.Telegram.SessionFile)),
			checkDir("media dir", cfg.Storage.MediaDir),
			checkDir("reports dir", cfg.Reporting.ReportsDir),
		)
		if cfg.Sender != nil {
			checks = append(checks, checkDir("sender session dir", filepath.Dir(cfg.Sender.SessionFile)))
		}
		checks = append(checks, checkDatabase(cfg))

		printChecks(cmd, checks)
		for _, c := range checks {
			if !c.ok {
				return fmt.Errorf("doctor failed")
			}
		}
		return nil
	},
}

func checkDir(name, path string) checkResult {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return checkResult{name, false, fmt.Sprintf("cannot create %s: %v", path, err)}
	}
	return checkResult{name, true, path}
}

// checkDatabase opens the store, which also applies pending migrations.
func checkDatabase(cfg *config.Config) checkResult {
	db, err := database.NewDB(cfg.Storage.DBPath)
	if err != nil {
		return checkResult{"database", false, err.Error()}
	}
	defer database.CloseDB(db)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	log := logger.NewLogger("error", false)
	if err := database.NewStore(db, log).Ping(ctx); err != nil {
		return checkResult{"database", false, err.Error()}
	}
	return checkResult{"database", true, cfg.Storage.DBPath}
}

func printChecks(cmd *cobra.Command, checks []checkResult) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CHECK\tSTATUS\tDETAIL")
	for _, c := range checks {
		status := "OK"
		if !c.ok {
			status = "FAIL"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", c.name, status, c.detail)
	}
	w.Flush()
}
