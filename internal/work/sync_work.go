package work

import (
	"context"
	"fmt"
	"time"

	syncsvc "github.com/cnquant/marketd/internal/modules/sync"
)

// SyncRunner is the slice of the sync service the work definitions call.
type SyncRunner interface {
	SyncSymbols(ctx context.Context, trigger string) syncsvc.Result
	SyncDailyIncremental(ctx context.Context, opts syncsvc.IncrementalOptions) syncsvc.Result
	SyncDailyByDates(ctx context.Context, start, end, trigger string) syncsvc.Result
	BackfillHistoryFull(ctx context.Context, opts syncsvc.BackfillOptions) syncsvc.Result
	FinalizeTodayAfterClose(ctx context.Context, trigger string) syncsvc.Result
}

// BackfillSource hands queued backfill options to the executing work item,
// keyed by the run ticket the facade announced.
type BackfillSource interface {
	TakeBackfillOptions(ticket string) syncsvc.BackfillOptions
}

// SyncWorkDeps carries what the ingestion work types need.
type SyncWorkDeps struct {
	Sync      SyncRunner
	Backfills BackfillSource
	// Stopping is polled by the backfill so it parks its cursor when the
	// processor shuts down.
	Stopping func() bool
}

// RegisterSyncWork registers the ingestion work types.
func RegisterSyncWork(registry *Registry, deps *SyncWorkDeps) {
	global := func() []string { return []string{""} }

	// symbols:sync refreshes the listing daily; everything else hangs off it.
	registry.Register(&WorkType{
		ID:           WorkSymbolsSync,
		Priority:     PriorityHigh,
		MarketTiming: AnyTime,
		Interval:     24 * time.Hour,
		FindSubjects: global,
		Execute: func(ctx context.Context, _ string) error {
			return resultErr(WorkSymbolsSync, deps.Sync.SyncSymbols(ctx, syncsvc.TriggerWork))
		},
	})

	// daily:incremental keeps the trailing window current during the
	// session; today's rows stay unfinal until daily:finalize.
	registry.Register(&WorkType{
		ID:           WorkDailyIncremental,
		DependsOn:    []string{WorkSymbolsSync},
		Priority:     PriorityHigh,
		MarketTiming: MarketOpen,
		Interval:     30 * time.Minute,
		FindSubjects: global,
		Execute: func(ctx context.Context, _ string) error {
			res := deps.Sync.SyncDailyIncremental(ctx, syncsvc.IncrementalOptions{
				Trigger:      syncsvc.TriggerWork,
				IncludeIndex: true,
				SyncEquities: true,
			})
			return resultErr(WorkDailyIncremental, res)
		},
	})

	// daily:finalize ratchets today's bars once the close-finalize wall
	// clock has passed.
	registry.Register(&WorkType{
		ID:           WorkDailyFinalize,
		DependsOn:    []string{WorkSymbolsSync},
		Priority:     PriorityHigh,
		MarketTiming: AfterClose,
		Interval:     24 * time.Hour,
		FindSubjects: global,
		Execute: func(ctx context.Context, _ string) error {
			return resultErr(WorkDailyFinalize, deps.Sync.FinalizeTodayAfterClose(ctx, syncsvc.TriggerWork))
		},
	})

	// history:backfill is queued by the facade with a run ticket as its
	// subject. It has no timeout; the cursor checkpoint plus the stop
	// checker make shutdown safe at any point.
	registry.Register(&WorkType{
		ID:       WorkHistoryBackfill,
		Priority: PriorityMedium,
		Timeout:  NoTimeout,
		Execute: func(ctx context.Context, ticket string) error {
			opts := deps.Backfills.TakeBackfillOptions(ticket)
			if opts.StopChecker == nil {
				opts.StopChecker = deps.Stopping
			}
			return resultErr(WorkHistoryBackfill, deps.Sync.BackfillHistoryFull(ctx, opts))
		},
	})
}

// resultErr converts a failed envelope into the error the retry queue
// expects. Successful envelopes, including all-skip passes, return nil.
func resultErr(workID string, res syncsvc.Result) error {
	if res.Success {
		return nil
	}
	msg := res.Message
	if msg == "" {
		msg = fmt.Sprintf("%d errors", res.Errors)
	}
	return fmt.Errorf("%s: %s", workID, msg)
}
