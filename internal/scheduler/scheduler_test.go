package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cnquant/marketd/internal/work"
)

type countingJob struct {
	name string
	err  error
	ran  chan struct{}

	mu   sync.Mutex
	runs int
}

func (j *countingJob) Name() string { return j.name }

func (j *countingJob) Run() error {
	j.mu.Lock()
	j.runs++
	j.mu.Unlock()
	if j.ran != nil {
		select {
		case j.ran <- struct{}{}:
		default:
		}
	}
	return j.err
}

func (j *countingJob) count() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.runs
}

type fakeEnqueuer struct {
	mu       sync.Mutex
	calls    []string
	triggers int
	err      error
}

func (f *fakeEnqueuer) Enqueue(workTypeID, subject string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, workTypeID+"|"+subject)
	return f.err
}

func (f *fakeEnqueuer) Trigger() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers++
}

func (f *fakeEnqueuer) queued() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeEnqueuer) triggered() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.triggers
}

func testLog() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func TestAddJobRejectsInvalidSpec(t *testing.T) {
	s := New(testLog())
	err := s.AddJob("not a cron spec", &countingJob{name: "bad"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
}

func TestAddJobAcceptsStandingSpecs(t *testing.T) {
	s := New(testLog())
	for _, spec := range []string{SpecWorkScan, SpecFinalizeDaily, SpecMaintenance, SpecBackup, SpecRefreshSymbols} {
		require.NoError(t, s.AddJob(spec, &countingJob{name: spec}))
	}
}

func TestScheduledJobFires(t *testing.T) {
	s := New(testLog())
	job := &countingJob{name: "tick", ran: make(chan struct{}, 1)}
	require.NoError(t, s.AddJob("@every 1s", job))

	s.Start()
	defer s.Stop()

	select {
	case <-job.ran:
	case <-time.After(3 * time.Second):
		t.Fatal("job never fired")
	}
	assert.GreaterOrEqual(t, job.count(), 1)
}

func TestRunNowExecutesRegisteredJob(t *testing.T) {
	s := New(testLog())
	job := &countingJob{name: "manual"}
	require.NoError(t, s.AddJob(SpecMaintenance, job))

	require.NoError(t, s.RunNow("manual"))
	assert.Equal(t, 1, job.count())
}

func TestRunNowUnknownJob(t *testing.T) {
	s := New(testLog())
	err := s.RunNow("nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown job")
}

func TestRunNowPropagatesJobError(t *testing.T) {
	s := New(testLog())
	job := &countingJob{name: "broken", err: assert.AnError}
	require.NoError(t, s.AddJob(SpecMaintenance, job))

	err := s.RunNow("broken")
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1, job.count())
}

func TestEnqueueJobQueuesWorkType(t *testing.T) {
	enq := &fakeEnqueuer{}
	job := NewEnqueueJob("finalize_daily_bars", work.WorkDailyFinalize, enq)

	require.NoError(t, job.Run())
	assert.Equal(t, []string{work.WorkDailyFinalize + "|"}, enq.queued())
}

func TestEnqueueJobPropagatesError(t *testing.T) {
	enq := &fakeEnqueuer{err: assert.AnError}
	job := NewEnqueueJob("db_backup", work.WorkDBBackup, enq)
	assert.ErrorIs(t, job.Run(), assert.AnError)
}

func TestScanJobWakesProcessor(t *testing.T) {
	enq := &fakeEnqueuer{}
	job := NewScanJob("work_scan", enq)

	require.NoError(t, job.Run())
	assert.Equal(t, 1, enq.triggered())
	assert.Empty(t, enq.queued())
}

func TestRegisterStandingJobsWithBackup(t *testing.T) {
	s := New(testLog())
	enq := &fakeEnqueuer{}
	require.NoError(t, RegisterStandingJobs(s, enq, true))

	for _, name := range []string{"work_scan", "finalize_daily_bars", "db_maintenance", "db_backup", "refresh_symbols"} {
		require.NoError(t, s.RunNow(name), name)
	}

	assert.Equal(t, 1, enq.triggered())
	assert.Equal(t, []string{
		work.WorkDailyFinalize + "|",
		work.WorkDBMaintenance + "|",
		work.WorkDBBackup + "|",
		work.WorkSymbolsSync + "|",
	}, enq.queued())
}

func TestRegisterStandingJobsSkipsBackupWhenDisabled(t *testing.T) {
	s := New(testLog())
	enq := &fakeEnqueuer{}
	require.NoError(t, RegisterStandingJobs(s, enq, false))

	err := s.RunNow("db_backup")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown job")

	require.NoError(t, s.RunNow("db_maintenance"))
	assert.Equal(t, []string{work.WorkDBMaintenance + "|"}, enq.queued())
}
