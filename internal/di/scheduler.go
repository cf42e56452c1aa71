package di

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cnquant/marketd/internal/scheduler"
)

// InitializeScheduler builds the cron scheduler and registers the standing
// entries. The backup entry only exists when a backup target is configured.
func InitializeScheduler(container *Container, log zerolog.Logger) error {
	sched := scheduler.New(log)
	if err := scheduler.RegisterStandingJobs(sched, container.Work.Processor, container.Backup.Enabled()); err != nil {
		return fmt.Errorf("failed to register standing jobs: %w", err)
	}
	container.Scheduler = sched
	return nil
}
