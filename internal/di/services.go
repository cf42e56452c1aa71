package di

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cnquant/marketd/internal/config"
	"github.com/cnquant/marketd/internal/events"
	"github.com/cnquant/marketd/internal/modules/settings"
	syncsvc "github.com/cnquant/marketd/internal/modules/sync"
	"github.com/cnquant/marketd/internal/providers"
	"github.com/cnquant/marketd/internal/reliability"
)

// InitializeServices creates the bus, registry, routers, and every service
// on top of the databases.
func InitializeServices(container *Container, cfg *config.Config, log zerolog.Logger) error {
	container.Bus = events.NewBus(log)
	container.Registry = providers.NewRegistry(container.Bus, log)

	settingsRepo, err := settings.NewRepository(container.MetaDB.Conn(), log)
	if err != nil {
		return fmt.Errorf("failed to initialize settings repository: %w", err)
	}
	settingsSvc, err := settings.NewService(settingsRepo, settings.DefaultsFrom(cfg), container.Bus, log)
	if err != nil {
		return fmt.Errorf("failed to initialize settings service: %w", err)
	}
	container.SettingsService = settingsSvc

	runs, err := syncsvc.NewRunsRepository(container.MetaDB.Conn(), log)
	if err != nil {
		return fmt.Errorf("failed to initialize sync runs repository: %w", err)
	}
	container.RunsRepo = runs

	constructed := BuildProviders(container, cfg, log)
	snap := settingsSvc.Get()
	gates := providers.NewGatePool()
	container.HistoryRouter = providers.NewRouter(
		constructed, routerConfig(snap, snap.Providers, snap.ProviderFailoverEnabled, gates),
		container.Registry, log)
	container.RealtimeRouter = providers.NewRouter(
		constructed, routerConfig(snap, snap.RealtimeProviders, snap.RealtimeProviderFailoverEnabled, gates),
		container.Registry, log)
	registerRouterReconfiguration(container)

	container.SyncService = syncsvc.NewService(
		container.Store,
		container.HistoryRouter,
		container.RealtimeRouter,
		container.Registry,
		settingsSvc,
		runs,
		container.Bus,
		log,
	)

	container.Maintenance = reliability.NewMaintenanceService(
		container.Store.Path(), container.MetaDB, runs, container.Bus, log)

	var objects reliability.ObjectStore
	if cfg.Backup.Enabled {
		client, err := reliability.NewS3Client(context.Background(),
			cfg.Backup.Endpoint, cfg.Backup.Bucket, cfg.Backup.AccessKey, cfg.Backup.SecretKey, log)
		if err != nil {
			log.Warn().Err(err).Msg("Backup client construction failed, backups disabled")
		} else {
			objects = client
		}
	}
	container.Backup = reliability.NewBackupService(
		objects, container.Store.Path(), container.MetaDB, cfg.DataDir, cfg.Backup.Keep, container.Bus, log)

	log.Info().Msg("Services initialized")
	return nil
}
