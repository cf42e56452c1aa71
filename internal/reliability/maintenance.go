package reliability

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cnquant/marketd/internal/database"
	"github.com/cnquant/marketd/internal/events"
)

const (
	// runsToKeep is how much sync run history survives a maintenance pass.
	runsToKeep = 500

	// vacuumFreelistRatio triggers a VACUUM once free pages exceed this
	// share of the file.
	vacuumFreelistRatio = 0.25
)

// RunPruner trims the sync run history. The sync runs repository satisfies
// it.
type RunPruner interface {
	Prune(keep int) (int, error)
}

// MaintenanceService keeps both SQLite files healthy: WAL checkpoint,
// integrity check, conditional compaction, and run-history pruning.
type MaintenanceService struct {
	marketPath string
	meta       *database.DB
	runs       RunPruner
	bus        *events.Bus
	log        zerolog.Logger
}

// NewMaintenanceService creates the maintenance service. The market store
// is addressed by path because its connections are opened per call.
func NewMaintenanceService(
	marketPath string,
	meta *database.DB,
	runs RunPruner,
	bus *events.Bus,
	log zerolog.Logger,
) *MaintenanceService {
	return &MaintenanceService{
		marketPath: marketPath,
		meta:       meta,
		runs:       runs,
		bus:        bus,
		log:        log.With().Str("service", "maintenance").Logger(),
	}
}

// RunMaintenance checkpoints, verifies, and conditionally compacts both
// databases, then trims the sync run history. An integrity failure aborts
// the pass; everything else degrades to a logged warning.
func (s *MaintenanceService) RunMaintenance(ctx context.Context) error {
	s.log.Info().Msg("Starting store maintenance")
	started := time.Now()

	market, err := database.New(database.Config{
		Path:    s.marketPath,
		Profile: database.ProfileStore,
		Name:    "market",
	})
	if err != nil {
		return fmt.Errorf("open market store: %w", err)
	}
	defer market.Close()

	var vacuumed []string
	for _, db := range []*database.DB{market, s.meta} {
		didVacuum, err := s.maintainDatabase(ctx, db)
		if err != nil {
			return err
		}
		if didVacuum {
			vacuumed = append(vacuumed, db.Name())
		}
	}

	pruned := 0
	if n, err := s.runs.Prune(runsToKeep); err != nil {
		s.log.Warn().Err(err).Msg("Pruning sync run history failed")
	} else {
		pruned = n
	}

	duration := time.Since(started)
	s.bus.EmitData("reliability", &events.MaintenanceCompletedData{
		Vacuumed:   vacuumed,
		RunsPruned: pruned,
		Duration:   duration.Seconds(),
	})

	s.log.Info().
		Dur("duration", duration).
		Strs("vacuumed", vacuumed).
		Int("runs_pruned", pruned).
		Msg("Store maintenance completed")

	return nil
}

// maintainDatabase runs one database through the pass and reports whether
// it was vacuumed.
func (s *MaintenanceService) maintainDatabase(ctx context.Context, db *database.DB) (bool, error) {
	// Checkpoint first so the integrity check and the freelist numbers see
	// the main file, not a fat WAL.
	if err := db.WALCheckpoint("TRUNCATE"); err != nil {
		s.log.Warn().Err(err).Str("database", db.Name()).Msg("WAL checkpoint failed")
	}

	if err := db.HealthCheck(ctx); err != nil {
		s.log.Error().Err(err).Str("database", db.Name()).Msg("Integrity check failed")
		return false, fmt.Errorf("integrity check %s: %w", db.Name(), err)
	}

	stats, err := db.GetStats()
	if err != nil {
		s.log.Warn().Err(err).Str("database", db.Name()).Msg("Reading store stats failed")
		return false, nil
	}

	s.log.Debug().
		Str("database", db.Name()).
		Float64("size_mb", float64(stats.SizeBytes)/1024/1024).
		Float64("wal_size_mb", float64(stats.WALSizeBytes)/1024/1024).
		Int64("freelist", stats.FreelistCount).
		Msg("Store stats")

	if stats.PageCount == 0 || float64(stats.FreelistCount)/float64(stats.PageCount) < vacuumFreelistRatio {
		return false, nil
	}

	s.log.Info().
		Str("database", db.Name()).
		Int64("free_pages", stats.FreelistCount).
		Int64("page_count", stats.PageCount).
		Msg("Running VACUUM")

	if err := db.Vacuum(); err != nil {
		s.log.Error().Err(err).Str("database", db.Name()).Msg("VACUUM failed")
		return false, nil
	}

	if after, err := db.GetStats(); err == nil {
		s.log.Info().
			Str("database", db.Name()).
			Float64("size_before_mb", float64(stats.SizeBytes)/1024/1024).
			Float64("size_after_mb", float64(after.SizeBytes)/1024/1024).
			Msg("VACUUM completed")
	}

	return true, nil
}
