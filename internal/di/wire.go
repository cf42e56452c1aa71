package di

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cnquant/marketd/internal/config"
)

// Wire initializes all dependencies in order: databases, services, the
// work engine, then the scheduler. On any failure the already-opened
// databases are closed before the error returns.
func Wire(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container, err := InitializeDatabases(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize databases: %w", err)
	}

	if err := InitializeServices(container, cfg, log); err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	InitializeWork(container, log)

	if err := InitializeScheduler(container, log); err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("failed to initialize scheduler: %w", err)
	}

	log.Info().Msg("Dependency wiring completed")
	return container, nil
}
