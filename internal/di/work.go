package di

import (
	"github.com/rs/zerolog"

	"github.com/cnquant/marketd/internal/domain"
	"github.com/cnquant/marketd/internal/modules/settings"
	"github.com/cnquant/marketd/internal/work"
)

// settingsClock answers the work engine's market timing questions against
// the Beijing wall clock, with the finalize threshold read from runtime
// settings on every check so close_finalize_time edits apply immediately.
type settingsClock struct {
	settings *settings.Service
}

func (c *settingsClock) MarketOpenNow() bool {
	return domain.MarketOpenAt(domain.NowBeijing())
}

func (c *settingsClock) MarketClosedNow() bool {
	hour, minute, err := domain.ParseClockTime(c.settings.Get().CloseFinalizeTime)
	if err != nil {
		hour, minute = 15, 5
	}
	return domain.MarketClosedAt(domain.NowBeijing(), hour, minute)
}

var _ work.MarketClock = (*settingsClock)(nil)

// InitializeWork builds the work engine and registers every work type.
func InitializeWork(container *Container, log zerolog.Logger) {
	registry := work.NewRegistry()
	completion := work.NewCompletionTracker()
	timing := work.NewTimingChecker(&settingsClock{settings: container.SettingsService})
	processor := work.NewProcessor(registry, completion, timing)
	triggers := work.NewTriggers(processor, completion, container.SyncService)

	work.RegisterSyncWork(registry, &work.SyncWorkDeps{
		Sync:      container.SyncService,
		Backfills: triggers,
		Stopping:  processor.Stopping,
	})
	work.RegisterStoreWork(registry, &work.StoreWorkDeps{
		Maintenance: container.Maintenance,
		Backup:      container.Backup,
	})
	work.RegisterEventTriggers(container.Bus, processor, completion)

	container.Work = &WorkComponents{
		Registry:   registry,
		Completion: completion,
		Timing:     timing,
		Processor:  processor,
		Triggers:   triggers,
	}

	log.Info().Int("work_types", registry.Count()).Msg("Work engine initialized")
}
