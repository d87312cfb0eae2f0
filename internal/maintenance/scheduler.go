// Package maintenance runs the periodic housekeeping jobs: report
// retention sweeps and database upkeep.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/tgwatch/tgwatch/internal/database"
)

// Every task runs once a day, off-peak.
const dailySchedule = "0 4 * * *"

// TaskFunc is the signature every scheduled task implements. The context
// comes from the scheduler and should be respected for cancellation.
type TaskFunc func(ctx context.Context) error

// Deps carries what the tasks need.
type Deps struct {
	Store         database.Store
	ReportsDir    string
	RetentionDays int
	Logger        *slog.Logger
}

// Scheduler wraps gocron with the registered housekeeping tasks.
type Scheduler struct {
	scheduler gocron.Scheduler
	tasks     map[string]TaskFunc
	log       *slog.Logger

	mu      sync.Mutex
	running bool
}

func NewScheduler(deps Deps) *Scheduler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Scheduler{
		tasks: registerTasks(deps),
		log:   deps.Logger.With("component", "maintenance"),
	}
}

func registerTasks(deps Deps) map[string]TaskFunc {
	return map[string]TaskFunc{
		"report_retention": newReportRetentionTask(deps),
		"sql_maintenance":  newSQLMaintenanceTask(deps),
	}
}

// Start schedules every task and begins ticking.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("maintenance scheduler is already running")
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	s.scheduler = scheduler

	for name, task := range s.tasks {
		_, err := s.scheduler.NewJob(
			gocron.CronJob(dailySchedule, false),
			gocron.NewTask(func(ctx context.Context, name string, task TaskFunc) {
				s.log.Info("Running maintenance task", "task_name", name)
				start := time.Now()
				if err := task(ctx); err != nil {
					s.log.Error("Maintenance task failed", "task_name", name, "error", err)
				}
				s.log.Info("Finished maintenance task", "task_name", name, "duration", time.Since(start))
			}, context.Background(), name, task),
			gocron.WithName(name),
		)
		if err != nil {
			return fmt.Errorf("failed to schedule task %s: %w", name, err)
		}
	}

	s.scheduler.Start()
	s.running = true
	s.log.Info("Maintenance scheduler started", "tasks", len(s.tasks))
	return nil
}

// Stop shuts the scheduler down, waiting for running jobs.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	if err := s.scheduler.Shutdown(); err != nil {
		s.log.Error("Error during maintenance scheduler shutdown", "error", err)
		return err
	}
	return nil
}
