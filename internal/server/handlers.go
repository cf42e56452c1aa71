package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/cnquant/marketd/internal/database"
	"github.com/cnquant/marketd/internal/domain"
	"github.com/cnquant/marketd/internal/modules/market"
	"github.com/cnquant/marketd/internal/modules/settings"
	syncsvc "github.com/cnquant/marketd/internal/modules/sync"
	"github.com/cnquant/marketd/internal/providers"
	"github.com/cnquant/marketd/internal/utils"
	"github.com/cnquant/marketd/internal/work"
)

// APIHandlers serves the JSON API.
type APIHandlers struct {
	log      zerolog.Logger
	started  time.Time
	store    *market.Store
	meta     *database.DB
	settings *settings.Service
	registry *providers.Registry
	daily    ProviderRouter
	realtime ProviderRouter
	quotes   QuoteService
	triggers *work.Triggers
	procs    *work.Processor
	runs     *syncsvc.RunsRepository
}

// NewAPIHandlers creates the API handler set.
func NewAPIHandlers(cfg Config) *APIHandlers {
	return &APIHandlers{
		log:      cfg.Log.With().Str("component", "api").Logger(),
		started:  time.Now(),
		store:    cfg.Store,
		meta:     cfg.MetaDB,
		settings: cfg.Settings,
		registry: cfg.Registry,
		daily:    cfg.DailyRouter,
		realtime: cfg.RealtimeRouter,
		quotes:   cfg.Quotes,
		triggers: cfg.Triggers,
		procs:    cfg.Processor,
		runs:     cfg.Runs,
	}
}

// DatabaseStatus summarizes one SQLite file for the status endpoint.
type DatabaseStatus struct {
	SizeMB        float64 `json:"size_mb"`
	WALSizeMB     float64 `json:"wal_size_mb"`
	PageCount     int64   `json:"page_count"`
	FreelistCount int64   `json:"freelist_count"`
}

// SystemStats reports process host usage.
type SystemStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsedMB  float64 `json:"memory_used_mb"`
}

// StatusResponse is the /api/status envelope.
type StatusResponse struct {
	Status          string                              `json:"status"`
	UptimeSeconds   float64                             `json:"uptime_seconds"`
	Enabled         bool                                `json:"enabled"`
	SymbolCount     int                                 `json:"symbol_count"`
	LatestTradeDate string                              `json:"latest_trade_date,omitempty"`
	Coverage        *market.Coverage                    `json:"coverage,omitempty"`
	SyncState       *domain.SyncState                   `json:"sync_state,omitempty"`
	QueueDepth      int                                 `json:"queue_depth"`
	Providers       map[string]providers.ProviderHealth `json:"providers"`
	ProviderOrder   []string                            `json:"provider_order"`
	RealtimeOrder   []string                            `json:"realtime_order"`
	Databases       map[string]*DatabaseStatus          `json:"databases"`
	System          SystemStats                         `json:"system"`
}

// HandleHealthz reports liveness of both SQLite files. The fast path only
// opens connections; ?deep=1 runs an integrity check, which can take a
// while on a large bar store.
func (h *APIHandlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	deep := r.URL.Query().Get("deep") == "1"
	checks := map[string]string{"store": "ok", "meta": "ok"}
	healthy := true

	storeDB, err := database.New(database.Config{
		Path:    h.store.Path(),
		Profile: database.ProfileStore,
		Name:    "healthz",
	})
	if err != nil {
		checks["store"] = err.Error()
		healthy = false
	} else {
		if deep {
			if err := storeDB.HealthCheck(r.Context()); err != nil {
				checks["store"] = err.Error()
				healthy = false
			}
		}
		_ = storeDB.Close()
	}

	if deep {
		err = h.meta.HealthCheck(r.Context())
	} else {
		err = h.meta.Conn().PingContext(r.Context())
	}
	if err != nil {
		checks["meta"] = err.Error()
		healthy = false
	}

	status := http.StatusOK
	label := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		label = "unhealthy"
	}
	h.writeJSON(w, status, map[string]interface{}{"status": label, "checks": checks})
}

// HandleStatus returns the full daemon snapshot.
func (h *APIHandlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.statusSnapshot())
}

func (h *APIHandlers) statusSnapshot() *StatusResponse {
	snap := h.settings.Get()

	resp := &StatusResponse{
		UptimeSeconds: time.Since(h.started).Seconds(),
		Enabled:       snap.Enabled,
		QueueDepth:    h.procs.QueueDepth(),
		ProviderOrder: h.daily.Order(),
		RealtimeOrder: h.realtime.Order(),
		Databases:     make(map[string]*DatabaseStatus),
	}
	resp.Providers = h.registry.Snapshot(unionOrders(resp.ProviderOrder, resp.RealtimeOrder))
	resp.Status = statusFrom(snap, resp.Providers)

	// Store reads are informational; a locked or missing store should not
	// take the status endpoint down with it.
	if n, err := h.store.CountSymbols(); err == nil {
		resp.SymbolCount = n
	} else {
		h.log.Warn().Err(err).Msg("Status: symbol count unavailable")
	}
	if latest, err := h.store.GetLatestTradeDate(false); err == nil && latest != "" {
		resp.LatestTradeDate = latest
		if cov, err := h.store.GetTradeDateCoverage(latest); err == nil {
			resp.Coverage = cov
		}
	}
	if st, err := h.store.GetSyncState(); err == nil {
		resp.SyncState = st
	} else {
		h.log.Warn().Err(err).Msg("Status: sync state unavailable")
	}

	if storeDB, err := database.New(database.Config{
		Path:    h.store.Path(),
		Profile: database.ProfileStore,
		Name:    "status",
	}); err == nil {
		if stats, err := storeDB.GetStats(); err == nil {
			resp.Databases["store"] = databaseStatusFrom(stats)
		}
		_ = storeDB.Close()
	}
	if stats, err := h.meta.GetStats(); err == nil {
		resp.Databases["meta"] = databaseStatusFrom(stats)
	}

	resp.System = systemStats()
	return resp
}

// statusLabel is the cheap variant used by the periodic status monitor. It
// skips store and host reads and only consults settings and provider health.
func (h *APIHandlers) statusLabel() string {
	snap := h.settings.Get()
	health := h.registry.Snapshot(unionOrders(h.daily.Order(), h.realtime.Order()))
	return statusFrom(snap, health)
}

func statusFrom(snap settings.Snapshot, health map[string]providers.ProviderHealth) string {
	if !snap.Enabled {
		return "disabled"
	}
	for _, ph := range health {
		if !ph.Routable {
			return "degraded"
		}
	}
	return "ok"
}

func unionOrders(orders ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, order := range orders {
		for _, name := range order {
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	return out
}

func databaseStatusFrom(stats *database.Stats) *DatabaseStatus {
	const mb = 1024 * 1024
	return &DatabaseStatus{
		SizeMB:        float64(stats.SizeBytes) / mb,
		WALSizeMB:     float64(stats.WALSizeBytes) / mb,
		PageCount:     stats.PageCount,
		FreelistCount: stats.FreelistCount,
	}
}

func systemStats() SystemStats {
	var out SystemStats
	if percents, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(percents) > 0 {
		out.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		out.MemoryPercent = vm.UsedPercent
		out.MemoryUsedMB = float64(vm.Used) / (1024 * 1024)
	}
	return out
}

// HandleProviders reports per-provider health and the active failover orders.
func (h *APIHandlers) HandleProviders(w http.ResponseWriter, r *http.Request) {
	dailyOrder := h.daily.Order()
	realtimeOrder := h.realtime.Order()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"providers":      h.registry.Snapshot(unionOrders(dailyOrder, realtimeOrder)),
		"daily_order":    dailyOrder,
		"realtime_order": realtimeOrder,
	})
}

// HandleSyncSymbols runs a symbol refresh synchronously and returns its result.
func (h *APIHandlers) HandleSyncSymbols(w http.ResponseWriter, r *http.Request) {
	h.runNow(w, r, work.WorkSymbolsSync)
}

// HandleSyncIncremental runs an incremental bar sync synchronously.
func (h *APIHandlers) HandleSyncIncremental(w http.ResponseWriter, r *http.Request) {
	h.runNow(w, r, work.WorkDailyIncremental)
}

func (h *APIHandlers) runNow(w http.ResponseWriter, r *http.Request, workTypeID string) {
	result, err := h.triggers.ExecuteNow(r.Context(), workTypeID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// HandleSyncDates runs a batch sync over an explicit date range.
func (h *APIHandlers) HandleSyncDates(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Start string `json:"start"`
		End   string `json:"end"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	startT, err := utils.ParseDate(req.Start)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid start date, want YYYY-MM-DD")
		return
	}
	endT, err := utils.ParseDate(req.End)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid end date, want YYYY-MM-DD")
		return
	}
	if endT.Before(startT) {
		h.writeError(w, http.StatusBadRequest, "End date before start date")
		return
	}
	h.writeJSON(w, http.StatusOK, h.triggers.SyncDates(r.Context(), req.Start, req.End))
}

// HandleBackfill queues a full history backfill and returns its ticket.
// The body is optional; an empty POST queues a resuming run with defaults.
func (h *APIHandlers) HandleBackfill(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Resume      *bool `json:"resume"`
		BatchSize   int   `json:"batch_size"`
		SymbolLimit int   `json:"symbol_limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	resume := true
	if req.Resume != nil {
		resume = *req.Resume
	}

	ticket, err := h.triggers.QueueBackfill(syncsvc.BackfillOptions{
		Trigger:     syncsvc.TriggerManual,
		Resume:      resume,
		BatchSize:   req.BatchSize,
		SymbolLimit: req.SymbolLimit,
	})
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "queued",
		"run_id": ticket,
	})
}

// HandleSyncRuns lists recent recorded runs, newest first.
func (h *APIHandlers) HandleSyncRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 200 {
		limit = 200
	}

	runs, err := h.runs.Recent(limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []syncsvc.Run{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

// HandleQuote fetches a realtime quote for one code.
func (h *APIHandlers) HandleQuote(w http.ResponseWriter, r *http.Request) {
	code, mkt := domain.NormalizeCode(chi.URLParam(r, "code"))
	if mkt == domain.MarketUnknown {
		h.writeError(w, http.StatusBadRequest, "Unrecognized stock code")
		return
	}
	h.writeJSON(w, http.StatusOK, h.quotes.FetchRealtimePrice(r.Context(), code))
}

// HandlePrices reads stored daily bars for one code. Provisional bars for
// today are excluded unless allow_today_unfinal is set.
func (h *APIHandlers) HandlePrices(w http.ResponseWriter, r *http.Request) {
	code, mkt := domain.NormalizeCode(chi.URLParam(r, "code"))
	if mkt == domain.MarketUnknown {
		h.writeError(w, http.StatusBadRequest, "Unrecognized stock code")
		return
	}

	q := r.URL.Query()
	start := q.Get("start")
	if start == "" {
		start = "1990-01-01"
	} else if _, err := utils.ParseDate(start); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid start date, want YYYY-MM-DD")
		return
	}
	end := q.Get("end")
	if end == "" {
		end = domain.TodayBeijing()
	} else if _, err := utils.ParseDate(end); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid end date, want YYYY-MM-DD")
		return
	}
	raw := q.Get("allow_today_unfinal")
	allowTodayUnfinal := raw == "1" || strings.EqualFold(raw, "true")

	bars, err := h.store.GetPriceRange(code, start, end, allowTodayUnfinal)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if bars == nil {
		bars = []domain.Bar{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"code":  code,
		"start": start,
		"end":   end,
		"count": len(bars),
		"bars":  bars,
	})
}

// HandleGetSettings returns the current settings snapshot.
func (h *APIHandlers) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.settings.Get())
}

// HandleUpdateSettings applies a partial settings update and returns the
// resulting snapshot.
func (h *APIHandlers) HandleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var changes map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&changes); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(changes) == 0 {
		h.writeError(w, http.StatusBadRequest, "No settings provided")
		return
	}

	snap, err := h.settings.UpdateSettings(changes)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

func (h *APIHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (h *APIHandlers) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

// compile-time interface checks for the concrete wiring
var (
	_ QuoteService   = (*syncsvc.Service)(nil)
	_ ProviderRouter = (*providers.Router)(nil)
)
