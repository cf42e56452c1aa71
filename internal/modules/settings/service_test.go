package settings

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cnquant/marketd/internal/database"
	"github.com/cnquant/marketd/internal/events"
)

func testDefaults() Snapshot {
	return Snapshot{
		Enabled:                         true,
		Providers:                       []string{"eastmoney", "tencent", "sina", "pro_api"},
		RealtimeProviders:               []string{"eastmoney", "tencent", "sina", "pro_api"},
		ProviderFailoverEnabled:         true,
		RealtimeProviderFailoverEnabled: true,
		CircuitBreakerSeconds:           300,
		RetryMax:                        3,
		RetryBackoffSeconds:             1.0,
		FailureCooldownSeconds:          120,
		IncrementalHistoryDays:          20,
		BootstrapBatchSize:              200,
		CloseFinalizeTime:               "15:05",
	}
}

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := database.New(database.Config{
		Path: filepath.Join(t.TempDir(), "meta.db"),
		Name: "meta",
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo, err := NewRepository(db.Conn(), zerolog.Nop())
	require.NoError(t, err)
	return repo
}

func TestServiceLoadsStoredOverrides(t *testing.T) {
	repo := newTestRepo(t)
	require.NoError(t, repo.Set(KeyIncrementalHistoryDays, "30"))
	require.NoError(t, repo.Set(KeyProviders, `["tencent","eastmoney"]`))
	require.NoError(t, repo.Set("left_over_key", `"whatever"`))

	svc, err := NewService(repo, testDefaults(), events.NewBus(zerolog.Nop()), zerolog.Nop())
	require.NoError(t, err)

	snap := svc.Get()
	assert.Equal(t, 30, snap.IncrementalHistoryDays)
	assert.Equal(t, []string{"tencent", "eastmoney"}, snap.Providers)
	// Untouched keys keep their env defaults.
	assert.Equal(t, 200, snap.BootstrapBatchSize)
	assert.True(t, snap.Enabled)
}

func TestUpdateSettingsPersistsAndEmits(t *testing.T) {
	repo := newTestRepo(t)
	bus := events.NewBus(zerolog.Nop())

	var changed []string
	bus.Subscribe(events.SettingsChanged, func(e *events.Event) {
		changed = append(changed, e.Data["key"].(string))
	})

	svc, err := NewService(repo, testDefaults(), bus, zerolog.Nop())
	require.NoError(t, err)

	snap, err := svc.UpdateSettings(map[string]interface{}{
		KeyEnabled:  false,
		KeyRetryMax: float64(5), // JSON numbers decode as float64
	})
	require.NoError(t, err)
	assert.False(t, snap.Enabled)
	assert.Equal(t, 5, snap.RetryMax)
	assert.ElementsMatch(t, []string{KeyEnabled, KeyRetryMax}, changed)

	// A fresh service over the same repository sees the persisted values.
	again, err := NewService(repo, testDefaults(), bus, zerolog.Nop())
	require.NoError(t, err)
	assert.False(t, again.Get().Enabled)
	assert.Equal(t, 5, again.Get().RetryMax)
}

func TestUpdateSettingsRejectsUnknownKey(t *testing.T) {
	repo := newTestRepo(t)
	svc, err := NewService(repo, testDefaults(), events.NewBus(zerolog.Nop()), zerolog.Nop())
	require.NoError(t, err)

	_, err = svc.UpdateSettings(map[string]interface{}{"verbosity": 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown setting")

	// Nothing was applied or persisted.
	assert.True(t, svc.Get().Enabled)
	stored, err := repo.GetAll()
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestUpdateSettingsValidatesProviderNames(t *testing.T) {
	repo := newTestRepo(t)
	svc, err := NewService(repo, testDefaults(), events.NewBus(zerolog.Nop()), zerolog.Nop())
	require.NoError(t, err)

	_, err = svc.UpdateSettings(map[string]interface{}{
		KeyProviders: []interface{}{"eastmoney", "akshare"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown provider "akshare"`)

	_, err = svc.UpdateSettings(map[string]interface{}{
		KeyRealtimeProviders: []interface{}{},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must not be empty")
}

func TestUpdateSettingsValidatesValues(t *testing.T) {
	repo := newTestRepo(t)
	svc, err := NewService(repo, testDefaults(), events.NewBus(zerolog.Nop()), zerolog.Nop())
	require.NoError(t, err)

	_, err = svc.UpdateSettings(map[string]interface{}{KeyCloseFinalizeTime: "25:99"})
	require.Error(t, err)

	_, err = svc.UpdateSettings(map[string]interface{}{KeyEnabled: "yes"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be a boolean")

	_, err = svc.UpdateSettings(map[string]interface{}{KeyRetryMax: float64(0)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 1")

	_, err = svc.UpdateSettings(map[string]interface{}{KeyIncrementalHistoryDays: "20"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be a number")
}

func TestGetReturnsIndependentCopies(t *testing.T) {
	repo := newTestRepo(t)
	svc, err := NewService(repo, testDefaults(), events.NewBus(zerolog.Nop()), zerolog.Nop())
	require.NoError(t, err)

	snap := svc.Get()
	snap.Providers[0] = "mutated"

	assert.Equal(t, "eastmoney", svc.Get().Providers[0])
}
