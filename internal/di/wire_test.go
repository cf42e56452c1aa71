package di

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cnquant/marketd/internal/config"
	"github.com/cnquant/marketd/internal/work"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		DataDir:    dir,
		DBPath:     filepath.Join(dir, "market.db"),
		MetaDBPath: filepath.Join(dir, "meta.db"),

		Enabled: true,
		Adjust:  "qfq",

		Providers:                       []string{"eastmoney", "tencent", "sina", "pro_api"},
		RealtimeProviders:               []string{"eastmoney", "tencent", "sina", "pro_api"},
		ProviderFailoverEnabled:         true,
		RealtimeProviderFailoverEnabled: true,

		CircuitBreakerSeconds:  300,
		RetryMax:               3,
		RetryBackoffSeconds:    1,
		FailureCooldownSeconds: 120,
		IncrementalHistoryDays: 20,
		BootstrapBatchSize:     200,
		CloseFinalizeTime:      "15:05",

		RateLimitRPS:        0,
		SpotCacheTTLSeconds: 60,

		Port:     8900,
		LogLevel: "disabled",
	}
}

func wireTest(t *testing.T) *Container {
	t.Helper()
	container, err := Wire(testConfig(t), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Close() })
	return container
}

func TestWireBuildsContainer(t *testing.T) {
	c := wireTest(t)

	assert.NotNil(t, c.Store)
	assert.NotNil(t, c.MetaDB)
	assert.NotNil(t, c.Bus)
	assert.NotNil(t, c.Registry)
	assert.NotNil(t, c.HistoryRouter)
	assert.NotNil(t, c.RealtimeRouter)
	assert.NotNil(t, c.SettingsService)
	assert.NotNil(t, c.RunsRepo)
	assert.NotNil(t, c.SyncService)
	assert.NotNil(t, c.Maintenance)
	assert.NotNil(t, c.Backup)
	assert.NotNil(t, c.Scheduler)

	require.NotNil(t, c.Work)
	assert.NotNil(t, c.Work.Registry)
	assert.NotNil(t, c.Work.Completion)
	assert.NotNil(t, c.Work.Timing)
	assert.NotNil(t, c.Work.Processor)
	assert.NotNil(t, c.Work.Triggers)

	// No backup target configured, so the service exists but stays off.
	assert.False(t, c.Backup.Enabled())
}

func TestWireRegistersAllWorkTypes(t *testing.T) {
	c := wireTest(t)

	for _, id := range []string{
		work.WorkSymbolsSync,
		work.WorkDailyIncremental,
		work.WorkDailyFinalize,
		work.WorkHistoryBackfill,
		work.WorkDBMaintenance,
		work.WorkDBBackup,
	} {
		assert.True(t, c.Work.Registry.Has(id), "missing work type %s", id)
	}
}

func TestWireDisablesProAPIWithoutToken(t *testing.T) {
	c := wireTest(t)

	health := c.Registry.Snapshot([]string{"pro_api", "eastmoney"})
	assert.False(t, health["pro_api"].Routable)
	assert.True(t, strings.HasPrefix(health["pro_api"].Reason, "init_failed"))
	assert.True(t, health["eastmoney"].Routable)

	// The failed provider stays in the order as a permanently-disabled
	// candidate so failure reports can name it.
	assert.Equal(t, []string{"eastmoney", "tencent", "sina", "pro_api"}, c.HistoryRouter.Order())
}

func TestWireReconfiguresRoutersOnSettingsChange(t *testing.T) {
	c := wireTest(t)

	_, err := c.SettingsService.UpdateSettings(map[string]interface{}{
		"providers": []string{"tencent", "eastmoney"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"tencent", "eastmoney"}, c.HistoryRouter.Order())
	assert.Equal(t, []string{"eastmoney", "tencent", "sina", "pro_api"}, c.RealtimeRouter.Order())
}

func TestWireSchedulerEntries(t *testing.T) {
	c := wireTest(t)

	// The scan pulse wakes the processor without queueing anything.
	require.NoError(t, c.Scheduler.RunNow("work_scan"))
	assert.Equal(t, 0, c.Work.Processor.QueueDepth())

	// Cron entries only enqueue; with the processor not running the item
	// stays visible on the queue.
	require.NoError(t, c.Scheduler.RunNow("db_maintenance"))
	assert.Equal(t, 1, c.Work.Processor.QueueDepth())

	// Backups are unconfigured, so no cron entry exists for them.
	err := c.Scheduler.RunNow("db_backup")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown job")
}
