package work

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cnquant/marketd/internal/events"
	"github.com/cnquant/marketd/internal/modules/settings"
	syncsvc "github.com/cnquant/marketd/internal/modules/sync"
)

func newTestTriggers(runner *fakeSyncRunner) (*Triggers, *Processor, *CompletionTracker) {
	completion := NewCompletionTracker()
	p := NewProcessor(NewRegistry(), completion, NewTimingChecker(&fakeClock{}))
	return NewTriggers(p, completion, runner), p, completion
}

func TestExecuteNowReturnsEnvelopeAndMarksCompletion(t *testing.T) {
	runner := newFakeSyncRunner()
	trig, _, completion := newTestTriggers(runner)

	res, err := trig.ExecuteNow(context.Background(), WorkSymbolsSync)

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, runner.callCount("symbols"))
	assert.Equal(t, syncsvc.TriggerManual, runner.triggerOf("symbols"))

	_, exists := completion.GetCompletion(WorkSymbolsSync, "")
	assert.True(t, exists)
}

func TestExecuteNowFailureSkipsCompletion(t *testing.T) {
	runner := newFakeSyncRunner()
	runner.fail("finalize", "market is still open", 0)
	trig, _, completion := newTestTriggers(runner)

	res, err := trig.ExecuteNow(context.Background(), WorkDailyFinalize)

	// A failed run is still a valid envelope, not a transport error.
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "market is still open", res.Message)

	_, exists := completion.GetCompletion(WorkDailyFinalize, "")
	assert.False(t, exists)
}

func TestExecuteNowIncrementalUsesManualOptions(t *testing.T) {
	runner := newFakeSyncRunner()
	trig, _, _ := newTestTriggers(runner)

	_, err := trig.ExecuteNow(context.Background(), WorkDailyIncremental)

	require.NoError(t, err)
	opts := runner.lastIncremental
	assert.Equal(t, syncsvc.TriggerManual, opts.Trigger)
	assert.True(t, opts.IncludeIndex)
	assert.True(t, opts.SyncEquities)
}

func TestExecuteNowRejectsNonInteractiveTypes(t *testing.T) {
	trig, _, _ := newTestTriggers(newFakeSyncRunner())

	for _, id := range []string{WorkHistoryBackfill, WorkDBMaintenance, WorkDBBackup, "no:such"} {
		_, err := trig.ExecuteNow(context.Background(), id)
		require.Error(t, err, id)
		assert.Contains(t, err.Error(), "does not run interactively")
	}
}

func TestSyncDatesDelegatesManually(t *testing.T) {
	runner := newFakeSyncRunner()
	trig, _, _ := newTestTriggers(runner)

	res := trig.SyncDates(context.Background(), "2024-06-03", "2024-06-14")

	assert.True(t, res.Success)
	assert.Equal(t, "2024-06-03", runner.lastStart)
	assert.Equal(t, "2024-06-14", runner.lastEnd)
	assert.Equal(t, syncsvc.TriggerManual, runner.triggerOf("daily_by_dates"))
}

func TestQueueBackfillAnnouncesTicketAndExecutes(t *testing.T) {
	runner := newFakeSyncRunner()
	registry := NewRegistry()
	completion := NewCompletionTracker()
	p := NewProcessor(registry, completion, NewTimingChecker(&fakeClock{}))
	trig := NewTriggers(p, completion, runner)
	RegisterSyncWork(registry, &SyncWorkDeps{
		Sync:      runner,
		Backfills: trig,
		Stopping:  p.Stopping,
	})

	go p.Run()
	defer p.Stop()

	ticket, err := trig.QueueBackfill(syncsvc.BackfillOptions{Resume: true, SymbolLimit: 5})
	require.NoError(t, err)
	require.Len(t, ticket, 36)

	deadline := time.Now().Add(2 * time.Second)
	for runner.callCount("backfill") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("queued backfill never ran")
		}
		time.Sleep(10 * time.Millisecond)
	}

	got := runner.backfillOptions()
	assert.Equal(t, ticket, got.RunID)
	assert.True(t, got.Resume)
	assert.Equal(t, 5, got.SymbolLimit)
	assert.Equal(t, syncsvc.TriggerWork, got.Trigger)
	require.NotNil(t, got.StopChecker)
	assert.False(t, got.StopChecker())
}

func TestQueueBackfillWithoutRegisteredWorkType(t *testing.T) {
	trig, _, _ := newTestTriggers(newFakeSyncRunner())

	_, err := trig.QueueBackfill(syncsvc.BackfillOptions{})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown work type")
}

func TestTakeBackfillOptionsPopsOnce(t *testing.T) {
	runner := newFakeSyncRunner()
	registry := NewRegistry()
	completion := NewCompletionTracker()
	p := NewProcessor(registry, completion, NewTimingChecker(&fakeClock{}))
	trig := NewTriggers(p, completion, runner)
	RegisterSyncWork(registry, &SyncWorkDeps{
		Sync:      runner,
		Backfills: trig,
		Stopping:  p.Stopping,
	})

	// Processor never runs, so the queued options stay until taken.
	ticket, err := trig.QueueBackfill(syncsvc.BackfillOptions{SymbolLimit: 9})
	require.NoError(t, err)

	first := trig.TakeBackfillOptions(ticket)
	assert.Equal(t, ticket, first.RunID)
	assert.Equal(t, 9, first.SymbolLimit)
	assert.False(t, first.Resume)

	// A second take sees a retry of an already-started run: same id,
	// resume from the persisted cursor.
	second := trig.TakeBackfillOptions(ticket)
	assert.Equal(t, ticket, second.RunID)
	assert.Equal(t, 0, second.SymbolLimit)
	assert.True(t, second.Resume)
	assert.Equal(t, syncsvc.TriggerWork, second.Trigger)
}

func TestEventTriggersClearFinalizeOnThresholdChange(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	completion := NewCompletionTracker()
	p := NewProcessor(NewRegistry(), completion, NewTimingChecker(&fakeClock{}))

	RegisterEventTriggers(bus, p, completion)

	completion.MarkCompleted(&WorkItem{ID: WorkDailyFinalize, TypeID: WorkDailyFinalize})
	bus.Emit(events.SettingsChanged, "settings", map[string]interface{}{
		"key":   settings.KeyCloseFinalizeTime,
		"value": "15:30",
	})

	// Dispatch is synchronous, so the clear has happened by now.
	_, exists := completion.GetCompletion(WorkDailyFinalize, "")
	assert.False(t, exists)

	// Other keys leave the completion alone.
	completion.MarkCompleted(&WorkItem{ID: WorkDailyFinalize, TypeID: WorkDailyFinalize})
	bus.Emit(events.SettingsChanged, "settings", map[string]interface{}{
		"key":   settings.KeyRetryMax,
		"value": 5,
	})

	_, exists = completion.GetCompletion(WorkDailyFinalize, "")
	assert.True(t, exists)
}

func TestEventTriggersWakeProcessorOnProviderRecovery(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	registry := NewRegistry()
	completion := NewCompletionTracker()
	p := NewProcessor(registry, completion, NewTimingChecker(&fakeClock{}))
	RegisterEventTriggers(bus, p, completion)

	executed := make(chan struct{}, 1)
	registry.Register(&WorkType{
		ID:           "test:wake",
		MarketTiming: AnyTime,
		Interval:     time.Hour,
		FindSubjects: func() []string { return []string{""} },
		Execute: func(ctx context.Context, subject string) error {
			select {
			case executed <- struct{}{}:
			default:
			}
			return nil
		},
	})

	go p.Run()
	defer p.Stop()

	bus.Emit(events.ProviderRecovered, "providers", map[string]interface{}{
		"provider": "tencent",
	})

	select {
	case <-executed:
	case <-time.After(2 * time.Second):
		t.Fatal("recovery event did not wake the processor")
	}
}
