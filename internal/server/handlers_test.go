package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cnquant/marketd/internal/database"
	"github.com/cnquant/marketd/internal/domain"
	"github.com/cnquant/marketd/internal/events"
	"github.com/cnquant/marketd/internal/modules/market"
	"github.com/cnquant/marketd/internal/modules/settings"
	syncsvc "github.com/cnquant/marketd/internal/modules/sync"
	"github.com/cnquant/marketd/internal/providers"
	testingpkg "github.com/cnquant/marketd/internal/testing"
	"github.com/cnquant/marketd/internal/work"
)

// fakeSyncRunner records every trigger call and answers with a canned
// envelope.
type fakeSyncRunner struct {
	mu     sync.Mutex
	calls  []string
	result syncsvc.Result
}

func (f *fakeSyncRunner) record(call string) syncsvc.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.result
}

func (f *fakeSyncRunner) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeSyncRunner) SyncSymbols(_ context.Context, trigger string) syncsvc.Result {
	return f.record("symbols|" + trigger)
}

func (f *fakeSyncRunner) SyncDailyIncremental(_ context.Context, opts syncsvc.IncrementalOptions) syncsvc.Result {
	return f.record("incremental|" + opts.Trigger)
}

func (f *fakeSyncRunner) SyncDailyByDates(_ context.Context, start, end, trigger string) syncsvc.Result {
	return f.record(fmt.Sprintf("dates|%s|%s|%s", start, end, trigger))
}

func (f *fakeSyncRunner) BackfillHistoryFull(_ context.Context, opts syncsvc.BackfillOptions) syncsvc.Result {
	return f.record("backfill|" + opts.Trigger)
}

func (f *fakeSyncRunner) FinalizeTodayAfterClose(_ context.Context, trigger string) syncsvc.Result {
	return f.record("finalize|" + trigger)
}

// fakeQuotes echoes the requested code so tests can check normalization.
type fakeQuotes struct {
	mu    sync.Mutex
	codes []string
}

func (f *fakeQuotes) FetchRealtimePrice(_ context.Context, code string) syncsvc.QuoteResult {
	f.mu.Lock()
	f.codes = append(f.codes, code)
	f.mu.Unlock()
	price := 10.55
	return syncsvc.QuoteResult{Success: true, StockCode: code, Price: &price}
}

func (f *fakeQuotes) requested() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.codes...)
}

type staticOrder []string

func (o staticOrder) Order() []string { return o }

// closedClock keeps session gates out of the way; handler tests only queue
// or run work directly.
type closedClock struct{}

func (closedClock) MarketOpenNow() bool   { return false }
func (closedClock) MarketClosedNow() bool { return true }

type serverHarness struct {
	srv       *Server
	ts        *httptest.Server
	sync      *fakeSyncRunner
	quotes    *fakeQuotes
	store     *market.Store
	meta      *database.DB
	settings  *settings.Service
	registry  *providers.Registry
	processor *work.Processor
	triggers  *work.Triggers
	runs      *syncsvc.RunsRepository
	bus       *events.Bus
}

func serverTestDefaults() settings.Snapshot {
	return settings.Snapshot{
		Enabled:                         true,
		Providers:                       []string{"eastmoney", "tencent"},
		RealtimeProviders:               []string{"tencent", "sina"},
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

// newTestServer wires a server over a real store and meta database with the
// sync flows and quote lookups faked out. The processor is never started,
// so queued backfills stay visible on the queue.
func newTestServer(t *testing.T) *serverHarness {
	t.Helper()

	store := testingpkg.NewTestStore(t)
	meta := testingpkg.NewTestDB(t, "meta")
	bus := events.NewBus(zerolog.Nop())
	registry := providers.NewRegistry(bus, zerolog.Nop())

	repo, err := settings.NewRepository(meta.Conn(), zerolog.Nop())
	require.NoError(t, err)
	settingsSvc, err := settings.NewService(repo, serverTestDefaults(), bus, zerolog.Nop())
	require.NoError(t, err)

	runs, err := syncsvc.NewRunsRepository(meta.Conn(), zerolog.Nop())
	require.NoError(t, err)

	fake := &fakeSyncRunner{result: syncsvc.Result{Success: true, Message: "done"}}
	quotes := &fakeQuotes{}

	workRegistry := work.NewRegistry()
	completion := work.NewCompletionTracker()
	timing := work.NewTimingChecker(closedClock{})
	processor := work.NewProcessor(workRegistry, completion, timing)
	triggers := work.NewTriggers(processor, completion, fake)
	work.RegisterSyncWork(workRegistry, &work.SyncWorkDeps{
		Sync:      fake,
		Backfills: triggers,
		Stopping:  processor.Stopping,
	})

	srv := New(Config{
		Log:            zerolog.Nop(),
		Port:           0,
		DataDir:        t.TempDir(),
		Store:          store,
		MetaDB:         meta,
		Settings:       settingsSvc,
		Registry:       registry,
		DailyRouter:    staticOrder{"eastmoney", "tencent"},
		RealtimeRouter: staticOrder{"tencent", "sina"},
		Quotes:         quotes,
		Triggers:       triggers,
		Processor:      processor,
		Runs:           runs,
		Bus:            bus,
	})

	ts := httptest.NewServer(srv.router)
	t.Cleanup(ts.Close)

	return &serverHarness{
		srv:       srv,
		ts:        ts,
		sync:      fake,
		quotes:    quotes,
		store:     store,
		meta:      meta,
		settings:  settingsSvc,
		registry:  registry,
		processor: processor,
		triggers:  triggers,
		runs:      runs,
		bus:       bus,
	}
}

func (h *serverHarness) request(t *testing.T, method, path string, body interface{}) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.ts.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp, data
}

func (h *serverHarness) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	return h.request(t, http.MethodGet, path, nil)
}

func decodeInto(t *testing.T, data []byte, target interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(data, target), "body: %s", data)
}

func TestHealthz(t *testing.T) {
	h := newTestServer(t)

	resp, body := h.get(t, "/healthz")
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", body)

	var out struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	decodeInto(t, body, &out)
	assert.Equal(t, "ok", out.Status)
	assert.Equal(t, "ok", out.Checks["store"])
	assert.Equal(t, "ok", out.Checks["meta"])
}

func TestHealthzDeep(t *testing.T) {
	h := newTestServer(t)

	resp, body := h.get(t, "/healthz?deep=1")
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", body)
}

func TestStatusSnapshot(t *testing.T) {
	h := newTestServer(t)
	_, err := h.store.UpsertSymbols(testingpkg.SymbolFixtures())
	require.NoError(t, err)
	_, err = h.store.UpsertBars(testingpkg.BarFixtures("600519.SH", "2024-06-03", 3))
	require.NoError(t, err)

	resp, body := h.get(t, "/api/status")
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", body)

	var out StatusResponse
	decodeInto(t, body, &out)

	assert.Equal(t, "ok", out.Status)
	assert.True(t, out.Enabled)
	assert.Equal(t, len(testingpkg.SymbolFixtures()), out.SymbolCount)
	assert.Equal(t, "2024-06-05", out.LatestTradeDate)
	require.NotNil(t, out.Coverage)
	assert.Equal(t, 1, out.Coverage.DistinctSymbols)
	assert.Equal(t, []string{"eastmoney", "tencent"}, out.ProviderOrder)
	assert.Equal(t, []string{"tencent", "sina"}, out.RealtimeOrder)
	assert.Contains(t, out.Providers, "eastmoney")
	assert.Contains(t, out.Providers, "sina")
	assert.True(t, out.Providers["eastmoney"].Routable)

	require.Contains(t, out.Databases, "store")
	require.Contains(t, out.Databases, "meta")
	assert.Greater(t, out.Databases["store"].SizeMB, 0.0)
	assert.Equal(t, 0, out.QueueDepth)
}

func TestStatusDegradedWhenProviderCools(t *testing.T) {
	h := newTestServer(t)
	h.registry.SetDisabled("eastmoney", time.Time{}, "scripted outage")

	resp, body := h.get(t, "/api/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out StatusResponse
	decodeInto(t, body, &out)
	assert.Equal(t, "degraded", out.Status)
	assert.False(t, out.Providers["eastmoney"].Routable)
}

func TestStatusDisabledViaSettings(t *testing.T) {
	h := newTestServer(t)

	resp, body := h.request(t, http.MethodPut, "/api/settings", map[string]interface{}{"enabled": false})
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", body)

	resp, body = h.get(t, "/api/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out StatusResponse
	decodeInto(t, body, &out)
	assert.Equal(t, "disabled", out.Status)
}

func TestProvidersEndpoint(t *testing.T) {
	h := newTestServer(t)

	resp, body := h.get(t, "/api/providers")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Providers     map[string]providers.ProviderHealth `json:"providers"`
		DailyOrder    []string                             `json:"daily_order"`
		RealtimeOrder []string                             `json:"realtime_order"`
	}
	decodeInto(t, body, &out)
	assert.Equal(t, []string{"eastmoney", "tencent"}, out.DailyOrder)
	assert.Equal(t, []string{"tencent", "sina"}, out.RealtimeOrder)
	assert.Len(t, out.Providers, 3)
}

func TestSyncSymbolsRunsManually(t *testing.T) {
	h := newTestServer(t)

	resp, body := h.request(t, http.MethodPost, "/api/sync/symbols", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", body)

	var out syncsvc.Result
	decodeInto(t, body, &out)
	assert.True(t, out.Success)
	assert.Equal(t, []string{"symbols|manual"}, h.sync.recorded())
}

func TestSyncIncrementalRunsManually(t *testing.T) {
	h := newTestServer(t)

	resp, _ := h.request(t, http.MethodPost, "/api/sync/incremental", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"incremental|manual"}, h.sync.recorded())
}

func TestSyncDatesValidation(t *testing.T) {
	h := newTestServer(t)

	resp, _ := h.request(t, http.MethodPost, "/api/sync/dates", map[string]string{"start": "junk", "end": "2024-06-05"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.request(t, http.MethodPost, "/api/sync/dates", map[string]string{"start": "2024-06-05", "end": "2024-06-03"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.Empty(t, h.sync.recorded())

	resp, _ = h.request(t, http.MethodPost, "/api/sync/dates", map[string]string{"start": "2024-06-03", "end": "2024-06-05"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"dates|2024-06-03|2024-06-05|manual"}, h.sync.recorded())
}

func TestBackfillQueuesTicket(t *testing.T) {
	h := newTestServer(t)

	resp, body := h.request(t, http.MethodPost, "/api/backfill", map[string]interface{}{
		"resume":       false,
		"symbol_limit": 10,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, "body: %s", body)

	var out struct {
		Status string `json:"status"`
		RunID  string `json:"run_id"`
	}
	decodeInto(t, body, &out)
	assert.Equal(t, "queued", out.Status)
	assert.Len(t, out.RunID, 36)
	assert.Equal(t, 1, h.processor.QueueDepth())

	opts := h.triggers.TakeBackfillOptions(out.RunID)
	assert.Equal(t, syncsvc.TriggerManual, opts.Trigger)
	assert.Equal(t, out.RunID, opts.RunID)
	assert.False(t, opts.Resume)
	assert.Equal(t, 10, opts.SymbolLimit)
}

func TestBackfillDefaultsWithEmptyBody(t *testing.T) {
	h := newTestServer(t)

	resp, body := h.request(t, http.MethodPost, "/api/backfill", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, "body: %s", body)

	var out struct {
		RunID string `json:"run_id"`
	}
	decodeInto(t, body, &out)

	opts := h.triggers.TakeBackfillOptions(out.RunID)
	assert.True(t, opts.Resume)
	assert.Zero(t, opts.SymbolLimit)
}

func TestSyncRunsList(t *testing.T) {
	h := newTestServer(t)
	require.NoError(t, h.runs.Start("run-1", "incremental", syncsvc.TriggerManual))
	require.NoError(t, h.runs.Finish("run-1", true, `{"upserted":5}`))
	require.NoError(t, h.runs.Start("run-2", "symbols", syncsvc.TriggerCron))

	resp, body := h.get(t, "/api/sync/runs")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Runs  []syncsvc.Run `json:"runs"`
		Count int           `json:"count"`
	}
	decodeInto(t, body, &out)
	assert.Equal(t, 2, out.Count)

	resp, body = h.get(t, "/api/sync/runs?limit=1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeInto(t, body, &out)
	assert.Equal(t, 1, out.Count)
}

func TestQuoteNormalizesCode(t *testing.T) {
	h := newTestServer(t)

	resp, body := h.get(t, "/api/quote/600519")
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", body)

	var out syncsvc.QuoteResult
	decodeInto(t, body, &out)
	assert.True(t, out.Success)
	assert.Equal(t, "600519.SH", out.StockCode)
	assert.Equal(t, []string{"600519.SH"}, h.quotes.requested())
}

func TestQuoteRejectsUnknownCode(t *testing.T) {
	h := newTestServer(t)

	resp, _ := h.get(t, "/api/quote/notacode")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, h.quotes.requested())
}

func TestPricesExcludesTodayUnfinalByDefault(t *testing.T) {
	h := newTestServer(t)

	final := testingpkg.BarFixtures("000001.SZ", "2024-06-03", 2)
	_, err := h.store.UpsertBars(final)
	require.NoError(t, err)

	todayBar := testingpkg.BarFixtures("000001.SZ", domain.TodayBeijing(), 1)
	todayBar[0].IsFinal = 0
	_, err = h.store.UpsertBars(todayBar)
	require.NoError(t, err)

	resp, body := h.get(t, "/api/prices/000001.SZ")
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", body)

	var out struct {
		Code  string       `json:"code"`
		Count int          `json:"count"`
		Bars  []domain.Bar `json:"bars"`
	}
	decodeInto(t, body, &out)
	assert.Equal(t, "000001.SZ", out.Code)
	assert.Equal(t, 2, out.Count)

	resp, body = h.get(t, "/api/prices/000001.SZ?allow_today_unfinal=1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeInto(t, body, &out)
	assert.Equal(t, 3, out.Count)
}

func TestPricesValidatesInput(t *testing.T) {
	h := newTestServer(t)

	resp, _ := h.get(t, "/api/prices/notacode")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.get(t, "/api/prices/000001.SZ?start=junk")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.get(t, "/api/prices/000001.SZ?end=2024-13-01")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPricesEmptyRangeIsList(t *testing.T) {
	h := newTestServer(t)

	resp, body := h.get(t, "/api/prices/600519.SH")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Count int          `json:"count"`
		Bars  []domain.Bar `json:"bars"`
	}
	decodeInto(t, body, &out)
	assert.Zero(t, out.Count)
	assert.NotNil(t, out.Bars)
}

func TestSettingsRoundtrip(t *testing.T) {
	h := newTestServer(t)

	resp, body := h.get(t, "/api/settings")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap settings.Snapshot
	decodeInto(t, body, &snap)
	assert.True(t, snap.Enabled)
	assert.Equal(t, 20, snap.IncrementalHistoryDays)

	resp, body = h.request(t, http.MethodPut, "/api/settings", map[string]interface{}{
		"incremental_history_days": 30,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", body)
	decodeInto(t, body, &snap)
	assert.Equal(t, 30, snap.IncrementalHistoryDays)

	resp, body = h.get(t, "/api/settings")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeInto(t, body, &snap)
	assert.Equal(t, 30, snap.IncrementalHistoryDays)
}

func TestSettingsRejectsBadUpdates(t *testing.T) {
	h := newTestServer(t)

	resp, _ := h.request(t, http.MethodPut, "/api/settings", map[string]interface{}{"no_such_key": 1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.request(t, http.MethodPut, "/api/settings", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPut, h.ts.URL+"/api/settings", bytes.NewReader([]byte("not json")))
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIndexServesStatusPage(t *testing.T) {
	h := newTestServer(t)

	resp, body := h.get(t, "/")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, string(body), "marketd")
}
