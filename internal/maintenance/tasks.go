package maintenance

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tgwatch/tgwatch/internal/timeutil"
)

// newReportRetentionTask sweeps rendered report bundles older than the
// retention window. Reports live under <reportsDir>/YYYY-MM-DD/HHMM/;
// whole date directories are removed once they age out. The record store
// itself is never touched.
func newReportRetentionTask(deps Deps) TaskFunc {
	log := deps.Logger.With("task", "report_retention")

	return func(ctx context.Context) error {
		removed, err := SweepReports(deps.ReportsDir, deps.RetentionDays, timeutil.Now())
		if err != nil {
			return err
		}
		log.InfoContext(ctx, "Report retention sweep complete",
			"removed", len(removed), "retention_days", deps.RetentionDays)
		return nil
	}
}

// SweepReports deletes report date directories strictly older than
// retentionDays and returns the directory names removed. Entries that do
// not parse as dates are left alone.
func SweepReports(reportsDir string, retentionDays int, now time.Time) ([]string, error) {
	if retentionDays <= 0 {
		return nil, fmt.Errorf("retention days must be positive, got %d", retentionDays)
	}

	entries, err := os.ReadDir(reportsDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read reports directory: %w", err)
	}

	cutoff := now.UTC().AddDate(0, 0, -retentionDays)
	var removed []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		day, err := time.Parse("2006-01-02", entry.Name())
		if err != nil {
			continue
		}
		if !day.Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(reportsDir, entry.Name())); err != nil {
			return removed, fmt.Errorf("failed to remove report directory %s: %w", entry.Name(), err)
		}
		removed = append(removed, entry.Name())
	}
	return removed, nil
}

// newSQLMaintenanceTask runs the store's VACUUM/ANALYZE pass.
func newSQLMaintenanceTask(deps Deps) TaskFunc {
	log := deps.Logger.With("task", "sql_maintenance")

	return func(ctx context.Context) error {
		start := time.Now()
		if err := deps.Store.RunMaintenance(ctx); err != nil {
			return fmt.Errorf("sql maintenance failed: %w", err)
		}
		log.InfoContext(ctx, "SQL maintenance complete", "duration", time.Since(start))
		return nil
	}
}
