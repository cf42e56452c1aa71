package work

import (
	"context"
	"fmt"
	"time"
)

// MaintenanceRunner is the slice of the reliability service the
// db:maintenance work calls.
type MaintenanceRunner interface {
	RunMaintenance(ctx context.Context) error
}

// BackupRunner is the slice of the backup service the db:backup work calls.
type BackupRunner interface {
	Enabled() bool
	RunBackup(ctx context.Context) error
}

// StoreWorkDeps carries what the database care work types need.
type StoreWorkDeps struct {
	Maintenance MaintenanceRunner
	Backup      BackupRunner
}

// RegisterStoreWork registers the database maintenance and backup work.
func RegisterStoreWork(registry *Registry, deps *StoreWorkDeps) {
	registry.Register(&WorkType{
		ID:           WorkDBMaintenance,
		Priority:     PriorityLow,
		MarketTiming: AfterClose,
		Interval:     24 * time.Hour,
		FindSubjects: func() []string { return []string{""} },
		Execute: func(ctx context.Context, _ string) error {
			if err := deps.Maintenance.RunMaintenance(ctx); err != nil {
				return fmt.Errorf("%s: %w", WorkDBMaintenance, err)
			}
			return nil
		},
	})

	// Backups wait for maintenance so the archive snapshots a freshly
	// checkpointed, compacted store.
	registry.Register(&WorkType{
		ID:           WorkDBBackup,
		DependsOn:    []string{WorkDBMaintenance},
		Priority:     PriorityLow,
		MarketTiming: AfterClose,
		Interval:     24 * time.Hour,
		FindSubjects: func() []string {
			if !deps.Backup.Enabled() {
				return nil
			}
			return []string{""}
		},
		Execute: func(ctx context.Context, _ string) error {
			if err := deps.Backup.RunBackup(ctx); err != nil {
				return fmt.Errorf("%s: %w", WorkDBBackup, err)
			}
			return nil
		},
	})
}
