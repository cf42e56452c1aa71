// Package di wires the daemon's dependencies. Wire is the entry point;
// the Initialize functions run in dependency order and fill one Container.
package di

import (
	"github.com/cnquant/marketd/internal/database"
	"github.com/cnquant/marketd/internal/events"
	"github.com/cnquant/marketd/internal/modules/market"
	"github.com/cnquant/marketd/internal/modules/settings"
	syncsvc "github.com/cnquant/marketd/internal/modules/sync"
	"github.com/cnquant/marketd/internal/providers"
	"github.com/cnquant/marketd/internal/reliability"
	"github.com/cnquant/marketd/internal/scheduler"
	"github.com/cnquant/marketd/internal/work"
)

// Container holds every long-lived instance the daemon runs on. It is
// created by Wire and handed to the HTTP server and the main loop.
type Container struct {
	// Databases. The bar store opens connections per call; the meta
	// database holds a long-lived pool.
	Store  *market.Store
	MetaDB *database.DB

	// Core plumbing shared by every service.
	Bus      *events.Bus
	Registry *providers.Registry

	// Failover routers. Both share the registry and one gate pool so a
	// provider serves one request at a time across flows.
	HistoryRouter  *providers.Router
	RealtimeRouter *providers.Router

	// Services.
	SettingsService *settings.Service
	RunsRepo        *syncsvc.RunsRepository
	SyncService     *syncsvc.Service
	Maintenance     *reliability.MaintenanceService
	Backup          *reliability.BackupService

	// Background execution.
	Work      *WorkComponents
	Scheduler *scheduler.Scheduler
}

// WorkComponents bundles the work engine parts.
type WorkComponents struct {
	Registry   *work.Registry
	Completion *work.CompletionTracker
	Timing     *work.TimingChecker
	Processor  *work.Processor
	Triggers   *work.Triggers
}

// Close releases the container's database handles. The bar store has no
// pool to close; only the meta database holds connections.
func (c *Container) Close() error {
	if c.MetaDB == nil {
		return nil
	}
	return c.MetaDB.Close()
}
