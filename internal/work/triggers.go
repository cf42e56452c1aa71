package work

import (
	"context"
	"fmt"
	stdsync "sync"

	"github.com/google/uuid"

	"github.com/cnquant/marketd/internal/events"
	"github.com/cnquant/marketd/internal/modules/settings"
	syncsvc "github.com/cnquant/marketd/internal/modules/sync"
)

// Triggers bridges the HTTP facade and cron entries into the work system.
// Sync kinds run synchronously and answer with their envelope; backfills
// are queued through the processor under a pre-announced run id.
type Triggers struct {
	processor  *Processor
	completion *CompletionTracker
	sync       SyncRunner

	mu        stdsync.Mutex
	backfills map[string]syncsvc.BackfillOptions
}

// NewTriggers creates the facade bridge.
func NewTriggers(processor *Processor, completion *CompletionTracker, syncRunner SyncRunner) *Triggers {
	return &Triggers{
		processor:  processor,
		completion: completion,
		sync:       syncRunner,
		backfills:  make(map[string]syncsvc.BackfillOptions),
	}
}

var _ BackfillSource = (*Triggers)(nil)

// ExecuteNow runs an interactive work type synchronously and returns its
// envelope. Manual runs bypass the processor; the provider gates and the
// store's write discipline keep them safe next to background work.
func (t *Triggers) ExecuteNow(ctx context.Context, workTypeID string) (syncsvc.Result, error) {
	var res syncsvc.Result
	switch workTypeID {
	case WorkSymbolsSync:
		res = t.sync.SyncSymbols(ctx, syncsvc.TriggerManual)
	case WorkDailyIncremental:
		res = t.sync.SyncDailyIncremental(ctx, syncsvc.IncrementalOptions{
			Trigger:      syncsvc.TriggerManual,
			IncludeIndex: true,
			SyncEquities: true,
		})
	case WorkDailyFinalize:
		res = t.sync.FinalizeTodayAfterClose(ctx, syncsvc.TriggerManual)
	default:
		return syncsvc.Result{}, fmt.Errorf("work type %s does not run interactively", workTypeID)
	}

	if res.Success {
		// A fresh manual run satisfies the background interval too.
		t.completion.MarkCompleted(&WorkItem{ID: workTypeID, TypeID: workTypeID})
	}
	t.processor.Trigger()
	return res, nil
}

// SyncDates runs the whole-market date-window prewarm synchronously.
func (t *Triggers) SyncDates(ctx context.Context, start, end string) syncsvc.Result {
	return t.sync.SyncDailyByDates(ctx, start, end, syncsvc.TriggerManual)
}

// QueueBackfill queues a full-history backfill and returns the run id it
// will be recorded under.
func (t *Triggers) QueueBackfill(opts syncsvc.BackfillOptions) (string, error) {
	ticket := uuid.NewString()
	opts.RunID = ticket
	if opts.Trigger == "" {
		opts.Trigger = syncsvc.TriggerWork
	}

	t.mu.Lock()
	t.backfills[ticket] = opts
	t.mu.Unlock()

	if err := t.processor.Enqueue(WorkHistoryBackfill, ticket); err != nil {
		t.mu.Lock()
		delete(t.backfills, ticket)
		t.mu.Unlock()
		return "", err
	}
	return ticket, nil
}

// TakeBackfillOptions pops the options queued under a ticket. A retried
// item whose options were already taken resumes under the same run id.
func (t *Triggers) TakeBackfillOptions(ticket string) syncsvc.BackfillOptions {
	t.mu.Lock()
	opts, ok := t.backfills[ticket]
	delete(t.backfills, ticket)
	t.mu.Unlock()

	if !ok {
		opts = syncsvc.BackfillOptions{
			Trigger: syncsvc.TriggerWork,
			RunID:   ticket,
			Resume:  true,
		}
	}
	return opts
}

// RegisterEventTriggers wakes the processor on bus events that change what
// work is eligible.
func RegisterEventTriggers(bus *events.Bus, processor *Processor, completion *CompletionTracker) {
	bus.Subscribe(events.SettingsChanged, func(e *events.Event) {
		if key, _ := e.Data["key"].(string); key == settings.KeyCloseFinalizeTime {
			// A moved finalize threshold may make today finalizable now.
			completion.Clear(WorkDailyFinalize, "")
		}
		processor.Trigger()
	})

	bus.Subscribe(events.ProviderRecovered, func(*events.Event) {
		processor.Trigger()
	})
}
