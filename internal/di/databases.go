package di

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cnquant/marketd/internal/config"
	"github.com/cnquant/marketd/internal/database"
	"github.com/cnquant/marketd/internal/modules/market"
)

// InitializeDatabases opens both SQLite files and applies their schemas.
func InitializeDatabases(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	store, err := market.NewStore(cfg.DBPath, cfg.Adjust, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize market store: %w", err)
	}

	metaDB, err := database.New(database.Config{
		Path:    cfg.MetaDBPath,
		Profile: database.ProfileStandard,
		Name:    "meta",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize meta database: %w", err)
	}

	log.Info().
		Str("store", store.Path()).
		Str("adjust", store.Adjust()).
		Str("meta", metaDB.Path()).
		Msg("Databases initialized")

	return &Container{Store: store, MetaDB: metaDB}, nil
}
