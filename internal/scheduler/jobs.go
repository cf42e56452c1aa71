package scheduler

import (
	"github.com/cnquant/marketd/internal/work"
)

// Cron expressions for the standing entries, in Beijing wall-clock time.
const (
	// SpecWorkScan wakes the processor every minute so interval work types
	// are re-evaluated against their staleness and session gates.
	SpecWorkScan = "0 * * * * *"
	// SpecFinalizeDaily fires ten minutes after the afternoon close.
	SpecFinalizeDaily = "0 10 15 * * MON-FRI"
	// SpecMaintenance and SpecBackup run in the overnight quiet window,
	// maintenance first so the backup snapshots a freshly checkpointed store.
	SpecMaintenance = "0 0 2 * * *"
	SpecBackup      = "0 30 2 * * *"
	// SpecRefreshSymbols fires before the morning open.
	SpecRefreshSymbols = "0 40 8 * * MON-FRI"
)

// WorkEnqueuer pushes work onto the background processor queue.
type WorkEnqueuer interface {
	Enqueue(workTypeID, subject string) error
}

// WorkScanner wakes the processor to look for due work.
type WorkScanner interface {
	Trigger()
}

// WorkQueue is the slice of the processor the standing entries drive.
type WorkQueue interface {
	WorkEnqueuer
	WorkScanner
}

// EnqueueJob is a cron job that queues one work type. The queue bypasses
// the processor's interval and session checks, so the cron expression is
// the only clock these entries answer to.
type EnqueueJob struct {
	name   string
	workID string
	enq    WorkEnqueuer
}

// NewEnqueueJob creates a job that queues workID each time it fires.
func NewEnqueueJob(name, workID string, enq WorkEnqueuer) *EnqueueJob {
	return &EnqueueJob{name: name, workID: workID, enq: enq}
}

// Name returns the job name.
func (j *EnqueueJob) Name() string { return j.name }

// Run queues the work type.
func (j *EnqueueJob) Run() error {
	return j.enq.Enqueue(j.workID, "")
}

// ScanJob is a cron job that wakes the processor without queueing anything.
// The processor's own gates decide whether an interval work type actually
// runs on a given wake.
type ScanJob struct {
	name    string
	scanner WorkScanner
}

// NewScanJob creates a job that triggers a processor scan each time it fires.
func NewScanJob(name string, scanner WorkScanner) *ScanJob {
	return &ScanJob{name: name, scanner: scanner}
}

// Name returns the job name.
func (j *ScanJob) Name() string { return j.name }

// Run wakes the processor.
func (j *ScanJob) Run() error {
	j.scanner.Trigger()
	return nil
}

// RegisterStandingJobs adds marketd's wall-clock entries. The backup entry
// is only added when backup storage is configured; everything else is
// unconditional.
func RegisterStandingJobs(s *Scheduler, q WorkQueue, backupEnabled bool) error {
	type entry struct {
		spec string
		job  Job
	}

	entries := []entry{
		{SpecWorkScan, NewScanJob("work_scan", q)},
		{SpecFinalizeDaily, NewEnqueueJob("finalize_daily_bars", work.WorkDailyFinalize, q)},
		{SpecMaintenance, NewEnqueueJob("db_maintenance", work.WorkDBMaintenance, q)},
	}
	if backupEnabled {
		entries = append(entries, entry{SpecBackup, NewEnqueueJob("db_backup", work.WorkDBBackup, q)})
	}
	entries = append(entries, entry{SpecRefreshSymbols, NewEnqueueJob("refresh_symbols", work.WorkSymbolsSync, q)})

	for _, e := range entries {
		if err := s.AddJob(e.spec, e.job); err != nil {
			return err
		}
	}
	return nil
}
