// Package sync orchestrates market-data ingestion: symbol listings, daily
// bars, full-history backfills, and realtime quotes, all fetched through
// the provider failover router and written to the bar store.
//
// Public operations never propagate raw vendor errors; callers get a
// Result envelope with counters and the provider routing picture. Each run
// is recorded in the meta database and announced on the event bus.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cnquant/marketd/internal/domain"
	"github.com/cnquant/marketd/internal/events"
	"github.com/cnquant/marketd/internal/modules/market"
	"github.com/cnquant/marketd/internal/modules/settings"
	"github.com/cnquant/marketd/internal/providers"
	"github.com/cnquant/marketd/internal/utils"
)

// Run kinds recorded in sync_runs.
const (
	KindSymbols      = "symbols"
	KindIncremental  = "incremental"
	KindDailyByDates = "daily_by_dates"
	KindBackfill     = "backfill"
)

// Trigger sources recorded in sync_runs.
const (
	TriggerManual = "manual"
	TriggerWork   = "work"
	TriggerCron   = "cron"
)

// backfillStartDate is the left edge of a full-history backfill, predating
// the opening of both exchanges.
const backfillStartDate = "1990-01-01"

// drainSummaryInterval is how often accumulated provider failure counters
// are flushed to the log.
const drainSummaryInterval = 5 * time.Minute

// progressLogEvery is the symbol cadence for progress logs and events.
const progressLogEvery = 200

// Result is the envelope every sync operation answers with.
type Result struct {
	Success          bool     `json:"success"`
	Message          string   `json:"message,omitempty"`
	Upserted         int      `json:"upserted"`
	Errors           int      `json:"errors"`
	Skipped          int      `json:"skipped"`
	Symbols          int      `json:"symbols"`
	StartDate        string   `json:"start_date,omitempty"`
	EndDate          string   `json:"end_date,omitempty"`
	TodayFinal       bool     `json:"today_final"`
	ProviderUsed     string   `json:"provider_used,omitempty"`
	ProviderSwitched bool     `json:"provider_switched"`
	FailedProviders  []string `json:"failed_providers,omitempty"`
}

// QuoteResult is the envelope for realtime quote lookups. Source is
// "<provider>.<path>", e.g. "pro_api.rt_min" or "tencent.spot".
type QuoteResult struct {
	Success         bool     `json:"success"`
	StockCode       string   `json:"stock_code"`
	Price           *float64 `json:"price,omitempty"`
	PreClose        *float64 `json:"pre_close,omitempty"`
	Open            *float64 `json:"open,omitempty"`
	QuoteTime       string   `json:"quote_time,omitempty"`
	ProviderUsed    string   `json:"provider_used,omitempty"`
	ProviderPath    string   `json:"provider_path,omitempty"`
	Source          string   `json:"source,omitempty"`
	FailedProviders []string `json:"failed_providers,omitempty"`
	Message         string   `json:"message,omitempty"`
}

// IncrementalOptions tunes one incremental sync pass.
type IncrementalOptions struct {
	Trigger string
	// HistoryDays is the fetch window; zero takes the settings default.
	// The effective window never drops below two calendar days.
	HistoryDays int
	// Symbols restricts the pass; nil means every stored symbol.
	Symbols []string
	// IncludeIndex also syncs the CSI 300 index for the same window.
	IncludeIndex bool
	// FinalizeToday marks today's bars final when the market has closed.
	FinalizeToday bool
	// SyncEquities bootstraps the symbol table first when it is empty.
	SyncEquities bool
}

// BackfillOptions tunes a full-history backfill.
type BackfillOptions struct {
	Trigger string
	// RunID pre-assigns the recorded run id. Queued runs announce their id
	// to the caller before execution starts; empty generates one.
	RunID string
	// Resume continues after the persisted cursor symbol.
	Resume bool
	// BatchSize is the cursor persistence cadence; zero takes the
	// settings default.
	BatchSize int
	// SymbolLimit truncates the symbol list, for smoke runs.
	SymbolLimit int
	// StopChecker is polled before each symbol; returning true stops the
	// pass cooperatively with the cursor persisted.
	StopChecker func() bool
	// ProgressEvery is the progress event cadence, default 200.
	ProgressEvery int
}

// Service runs the sync flows.
type Service struct {
	store    *market.Store
	history  *providers.Router
	realtime *providers.Router
	registry *providers.Registry
	settings *settings.Service
	runs     *RunsRepository
	bus      *events.Bus
	log      zerolog.Logger

	mu        stdsync.Mutex
	cooldowns map[string]time.Time
}

// NewService creates the sync service.
func NewService(
	store *market.Store,
	history *providers.Router,
	realtime *providers.Router,
	registry *providers.Registry,
	settingsSvc *settings.Service,
	runs *RunsRepository,
	bus *events.Bus,
	log zerolog.Logger,
) *Service {
	return &Service{
		store:     store,
		history:   history,
		realtime:  realtime,
		registry:  registry,
		settings:  settingsSvc,
		runs:      runs,
		bus:       bus,
		log:       log.With().Str("component", "sync").Logger(),
		cooldowns: make(map[string]time.Time),
	}
}

// SyncSymbols refreshes the symbol table from the first provider that
// answers with a non-empty listing.
func (s *Service) SyncSymbols(ctx context.Context, trigger string) Result {
	if res, off := s.disabled(); off {
		return res
	}
	run := s.begin("", KindSymbols, trigger)
	return s.finish(run, s.syncSymbols(ctx))
}

func (s *Service) syncSymbols(ctx context.Context) Result {
	symbols, info, err := s.history.Symbols(ctx)
	var res Result
	mergeRoute(&res, info)

	if err != nil {
		res.Errors = 1
		res.Message = err.Error()
		s.recordLastError("symbols: " + err.Error())
		return res
	}
	if info.Empty || len(symbols) == 0 {
		res.Message = "no provider returned a symbol listing"
		return res
	}

	upserted, err := s.store.UpsertSymbols(symbols)
	if err != nil {
		res.Errors = 1
		res.Message = err.Error()
		s.recordLastError("symbols: " + err.Error())
		return res
	}

	res.Success = true
	res.Symbols = len(symbols)
	res.Upserted = upserted
	s.updateState(func(st *domain.SyncState) {
		st.LastSymbolsSyncAt = wallClock()
	})

	s.log.Info().
		Int("symbols", len(symbols)).
		Str("provider", info.Provider).
		Msg("Symbol table refreshed")
	return res
}

// SyncDailyIncremental fetches a short trailing window of daily bars for
// each symbol. The pass aborts on the first terminal provider failure;
// empty vendor windows only count as skipped.
func (s *Service) SyncDailyIncremental(ctx context.Context, opts IncrementalOptions) Result {
	if res, off := s.disabled(); off {
		return res
	}
	run := s.begin("", KindIncremental, opts.Trigger)
	return s.finish(run, s.syncDailyIncremental(ctx, opts))
}

func (s *Service) syncDailyIncremental(ctx context.Context, opts IncrementalOptions) Result {
	snap := s.settings.Get()

	days := opts.HistoryDays
	if days <= 0 {
		days = snap.IncrementalHistoryDays
	}
	if days < 2 {
		days = 2
	}

	end := domain.TodayBeijing()
	start, err := utils.AddDays(end, -days)
	if err != nil {
		return Result{Message: fmt.Sprintf("failed to compute window: %v", err)}
	}

	todayFinal := opts.FinalizeToday && s.marketClosedNow(snap)
	res := Result{StartDate: start, EndDate: end, TodayFinal: todayFinal}

	symbols := opts.Symbols
	if symbols == nil {
		stored, lerr := s.store.ListCodes()
		if lerr != nil {
			res.Message = lerr.Error()
			return res
		}
		if len(stored) == 0 && opts.SyncEquities {
			boot := s.syncSymbols(ctx)
			mergeResultRoute(&res, boot)
			if !boot.Success {
				res.Message = "symbol bootstrap failed: " + boot.Message
				return res
			}
			if stored, lerr = s.store.ListCodes(); lerr != nil {
				res.Message = lerr.Error()
				return res
			}
		}
		symbols = stored
	}
	symbols = normalizeSymbols(symbols)
	res.Symbols = len(symbols)
	if len(symbols) == 0 {
		res.Success = true
		res.Message = "no symbols to sync"
		return res
	}

	cooldown := time.Duration(snap.FailureCooldownSeconds) * time.Second

	for i, code := range symbols {
		if cerr := ctx.Err(); cerr != nil {
			res.Message = cerr.Error()
			return res
		}

		if s.inCooldown(code) {
			res.Skipped++
			s.log.Debug().Str("stock_code", code).Msg("Symbol in failure cooldown, skipping")
			continue
		}

		bars, info, ferr := s.history.StockHistory(ctx, code, start, end, s.store.Adjust())
		mergeRoute(&res, info)
		if ferr != nil {
			s.armCooldown(code, cooldown)
			res.Errors++
			res.Message = fmt.Sprintf("%s: %v", code, ferr)
			s.recordLastError(res.Message)
			s.log.Warn().Err(ferr).Str("stock_code", code).Msg("Incremental sync aborted on terminal failure")
			return res
		}
		if info.Empty || len(bars) == 0 {
			res.Skipped++
			continue
		}

		bars = clampWindow(bars, start, end)
		finalizeBars(bars, end, todayFinal)
		n, uerr := s.store.UpsertBars(bars)
		if uerr != nil {
			res.Errors++
			res.Message = fmt.Sprintf("%s: %v", code, uerr)
			s.recordLastError(res.Message)
			return res
		}
		res.Upserted += n
		s.clearCooldown(code)

		if (i+1)%progressLogEvery == 0 || i == len(symbols)-1 {
			s.log.Info().
				Int("done", i+1).
				Int("total", len(symbols)).
				Int("upserted", res.Upserted).
				Int("skipped", res.Skipped).
				Msg("Incremental sync progress")
		}
	}

	if opts.IncludeIndex {
		bars, info, ferr := s.history.IndexHistory(ctx, start, end)
		mergeRoute(&res, info)
		if ferr != nil {
			res.Errors++
			res.Message = fmt.Sprintf("index: %v", ferr)
			s.recordLastError(res.Message)
			return res
		}
		if len(bars) > 0 {
			bars = clampWindow(bars, start, end)
			finalizeBars(bars, end, todayFinal)
			n, uerr := s.store.UpsertBars(bars)
			if uerr != nil {
				res.Errors++
				res.Message = fmt.Sprintf("index: %v", uerr)
				s.recordLastError(res.Message)
				return res
			}
			res.Upserted += n
		}
	}

	res.Success = true
	s.updateState(func(st *domain.SyncState) {
		st.LastIncrementalSyncAt = wallClock()
		if todayFinal {
			st.LastFinalizedTradeDate = end
		}
	})
	if res.Upserted > 0 {
		s.bus.EmitData("sync", &events.PriceUpdatedData{
			Symbols:  res.Symbols,
			Upserted: res.Upserted,
			EndDate:  end,
		})
	}
	return res
}

// SyncDailyByDates prewarm-loads whole-market bars one trade date at a
// time through a daily-by-date capable provider. The end date clamps to
// yesterday so only settled sessions are written; every row lands final.
func (s *Service) SyncDailyByDates(ctx context.Context, start, end, trigger string) Result {
	if res, off := s.disabled(); off {
		return res
	}
	run := s.begin("", KindDailyByDates, trigger)
	return s.finish(run, s.syncDailyByDates(ctx, start, end))
}

func (s *Service) syncDailyByDates(ctx context.Context, start, end string) Result {
	yesterday, err := utils.AddDays(domain.TodayBeijing(), -1)
	if err != nil {
		return Result{Message: fmt.Sprintf("failed to compute window: %v", err)}
	}
	end = utils.MinDate(end, yesterday)

	res := Result{StartDate: start, EndDate: end}
	days, err := utils.DatesBetween(start, end)
	if err != nil || len(days) == 0 {
		res.Message = "invalid date window"
		return res
	}

	codes, err := s.store.ListCodes()
	if err != nil {
		res.Message = err.Error()
		return res
	}
	if len(codes) == 0 {
		res.Message = "no symbols stored; run a symbols sync first"
		return res
	}
	known := make(map[string]bool, len(codes))
	for _, code := range codes {
		known[code] = true
	}
	res.Symbols = len(codes)

	var failedDays []string
	for _, day := range days {
		if cerr := ctx.Err(); cerr != nil {
			res.Message = cerr.Error()
			return res
		}

		bars, info, ferr := s.history.DailyByDate(ctx, day)
		mergeRoute(&res, info)
		if ferr != nil {
			res.Errors++
			failedDays = append(failedDays, day)
			s.log.Warn().Err(ferr).Str("trade_date", day).Msg("Daily batch fetch failed")
			continue
		}
		if len(bars) == 0 {
			// Holiday or weekend.
			res.Skipped++
			continue
		}

		kept := bars[:0]
		for _, bar := range bars {
			if known[bar.Code] {
				bar.IsFinal = 1
				kept = append(kept, bar)
			}
		}
		n, uerr := s.store.UpsertBars(kept)
		if uerr != nil {
			res.Errors++
			failedDays = append(failedDays, day)
			s.log.Warn().Err(uerr).Str("trade_date", day).Msg("Daily batch upsert failed")
			continue
		}
		res.Upserted += n
	}

	bars, info, ferr := s.history.IndexHistory(ctx, start, end)
	mergeRoute(&res, info)
	if ferr != nil {
		res.Errors++
		s.log.Warn().Err(ferr).Msg("Index fetch failed during daily-by-dates sync")
	} else if len(bars) > 0 {
		bars = clampWindow(bars, start, end)
		for i := range bars {
			bars[i].IsFinal = 1
		}
		if n, uerr := s.store.UpsertBars(bars); uerr != nil {
			res.Errors++
			s.log.Warn().Err(uerr).Msg("Index upsert failed during daily-by-dates sync")
		} else {
			res.Upserted += n
		}
	}

	res.Success = res.Upserted > 0 || len(failedDays) == 0
	if len(failedDays) > 0 {
		res.Message = "failed days: " + strings.Join(failedDays, ", ")
		s.recordLastError(res.Message)
	}
	if res.Upserted > 0 {
		s.bus.EmitData("sync", &events.PriceUpdatedData{
			Symbols:  res.Symbols,
			Upserted: res.Upserted,
			EndDate:  end,
		})
	}
	return res
}

// BackfillHistoryFull loads the complete daily history for every stored
// symbol. Unlike the incremental pass, per-symbol failures never abort;
// they are counted and the pass moves on. Progress survives restarts via
// the bootstrap cursor in sync_state.
func (s *Service) BackfillHistoryFull(ctx context.Context, opts BackfillOptions) Result {
	if res, off := s.disabled(); off {
		return res
	}
	run := s.begin(opts.RunID, KindBackfill, opts.Trigger)
	return s.finish(run, s.backfillHistoryFull(ctx, opts))
}

func (s *Service) backfillHistoryFull(ctx context.Context, opts BackfillOptions) Result {
	snap := s.settings.Get()

	batch := opts.BatchSize
	if batch <= 0 {
		batch = snap.BootstrapBatchSize
	}
	if batch < 1 {
		batch = 1
	}
	every := opts.ProgressEvery
	if every <= 0 {
		every = progressLogEvery
	}

	start := backfillStartDate
	end := domain.TodayBeijing()
	todayFinal := s.marketClosedNow(snap)
	res := Result{StartDate: start, EndDate: end, TodayFinal: todayFinal}

	codes, err := s.store.ListCodes()
	if err != nil {
		res.Message = err.Error()
		return res
	}
	if len(codes) == 0 {
		boot := s.syncSymbols(ctx)
		mergeResultRoute(&res, boot)
		if !boot.Success {
			res.Message = "symbol bootstrap failed: " + boot.Message
			return res
		}
		if codes, err = s.store.ListCodes(); err != nil {
			res.Message = err.Error()
			return res
		}
	}
	if opts.SymbolLimit > 0 && len(codes) > opts.SymbolLimit {
		codes = codes[:opts.SymbolLimit]
	}
	res.Symbols = len(codes)

	startIdx := 0
	if opts.Resume {
		if state, serr := s.store.GetSyncState(); serr == nil && state.BootstrapCursorSymbol != "" {
			for i, code := range codes {
				if code == state.BootstrapCursorSymbol {
					startIdx = i + 1
					break
				}
			}
		}
	}

	s.updateState(func(st *domain.SyncState) {
		st.BootstrapStatus = domain.BootstrapRunning
	})
	s.log.Info().
		Int("symbols", len(codes)).
		Int("start_index", startIdx).
		Str("start_date", start).
		Msg("Full-history backfill started")

	stopped := false
	cursor := ""
	processed := 0
	for i := startIdx; i < len(codes); i++ {
		if (opts.StopChecker != nil && opts.StopChecker()) || ctx.Err() != nil {
			stopped = true
			break
		}
		code := codes[i]

		bars, info, ferr := s.history.StockHistory(ctx, code, start, end, s.store.Adjust())
		mergeRoute(&res, info)
		switch {
		case ferr != nil:
			res.Errors++
			s.recordLastError(fmt.Sprintf("%s: %v", code, ferr))
			s.log.Warn().Err(ferr).Str("stock_code", code).Msg("Backfill symbol failed, continuing")
		case len(bars) == 0:
			res.Skipped++
		default:
			finalizeBars(bars, end, todayFinal)
			if n, uerr := s.store.UpsertBars(bars); uerr != nil {
				res.Errors++
				s.recordLastError(fmt.Sprintf("%s: %v", code, uerr))
			} else {
				res.Upserted += n
			}
		}

		cursor = code
		processed++
		if processed%batch == 0 {
			s.updateState(func(st *domain.SyncState) {
				st.BootstrapCursorSymbol = cursor
			})
		}
		if processed%every == 0 {
			s.log.Info().
				Int("done", i+1).
				Int("total", len(codes)).
				Int("upserted", res.Upserted).
				Int("errors", res.Errors).
				Msg("Backfill progress")
			s.bus.EmitData("sync", &events.BackfillProgressData{
				Done:   i + 1,
				Total:  len(codes),
				Cursor: cursor,
			})
		}
	}

	if stopped {
		s.updateState(func(st *domain.SyncState) {
			st.BootstrapStatus = domain.BootstrapStopped
			if cursor != "" {
				st.BootstrapCursorSymbol = cursor
			}
		})
		res.Success = true
		res.Message = "backfill stopped"
		s.log.Info().Str("cursor", cursor).Msg("Backfill stopped cooperatively")
		return res
	}

	bars, info, ferr := s.history.IndexHistory(ctx, start, end)
	mergeRoute(&res, info)
	if ferr != nil {
		res.Errors++
		s.recordLastError(fmt.Sprintf("index: %v", ferr))
	} else if len(bars) > 0 {
		finalizeBars(bars, end, todayFinal)
		if n, uerr := s.store.UpsertBars(bars); uerr != nil {
			res.Errors++
			s.recordLastError(fmt.Sprintf("index: %v", uerr))
		} else {
			res.Upserted += n
		}
	}

	s.updateState(func(st *domain.SyncState) {
		if res.Errors > 0 {
			st.BootstrapStatus = domain.BootstrapDoneWithErrors
		} else {
			st.BootstrapStatus = domain.BootstrapDone
		}
		st.BootstrapCursorSymbol = ""
		st.LastBackfillSyncAt = wallClock()
	})

	res.Success = true
	if res.Upserted > 0 {
		s.bus.EmitData("sync", &events.PriceUpdatedData{
			Symbols:  res.Symbols,
			Upserted: res.Upserted,
			EndDate:  end,
		})
	}
	s.log.Info().
		Int("upserted", res.Upserted).
		Int("errors", res.Errors).
		Int("skipped", res.Skipped).
		Msg("Full-history backfill finished")
	return res
}

// FinalizeTodayAfterClose re-runs the incremental pass with FinalizeToday
// set, so today's bars ratchet to final once the Beijing wall clock passes
// the configured close-finalize time. Before the close it behaves like a
// plain incremental pass and leaves today's rows unfinal.
func (s *Service) FinalizeTodayAfterClose(ctx context.Context, trigger string) Result {
	return s.SyncDailyIncremental(ctx, IncrementalOptions{
		Trigger:       trigger,
		IncludeIndex:  true,
		FinalizeToday: true,
		SyncEquities:  true,
	})
}

// FetchRealtimePrice answers one realtime quote through the realtime
// failover chain. A missing pre-close is backfilled from the newest stored
// close within the last 20 days.
func (s *Service) FetchRealtimePrice(ctx context.Context, code string) QuoteResult {
	normalized, _ := domain.NormalizeCode(code)
	out := QuoteResult{StockCode: normalized}

	if !s.settings.Get().Enabled {
		out.Success = true
		out.Message = "market data disabled"
		return out
	}

	quote, path, info, err := s.realtime.Quote(ctx, normalized)
	out.ProviderUsed = info.Provider
	out.FailedProviders = info.Failed
	if err != nil {
		out.Message = err.Error()
		return out
	}
	if quote == nil {
		out.Message = "no provider returned a quote"
		return out
	}

	out.Success = true
	out.Price = &quote.Price
	out.PreClose = quote.PreClose
	out.Open = quote.Open
	out.QuoteTime = quote.QuoteTime
	out.ProviderPath = path
	out.Source = info.Provider + "." + path

	if out.PreClose == nil {
		prev, perr := s.store.GetLatestCloseBefore(normalized, domain.TodayBeijing(), 20)
		if perr != nil {
			s.log.Warn().Err(perr).Str("stock_code", normalized).Msg("Pre-close backfill lookup failed")
		} else if prev != nil {
			out.PreClose = prev
		}
	}

	s.bus.EmitData("sync", &events.QuoteFetchedData{
		Code:   normalized,
		Price:  quote.Price,
		Source: out.Source,
	})
	return out
}

// CooldownCount reports how many symbols sit in failure cooldown.
func (s *Service) CooldownCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	n := 0
	for _, until := range s.cooldowns {
		if until.After(now) {
			n++
		}
	}
	return n
}

// runHandle carries one recorded run through begin/finish.
type runHandle struct {
	id      string
	kind    string
	trigger string
	started time.Time
}

func (s *Service) begin(id, kind, trigger string) *runHandle {
	if id == "" {
		id = uuid.NewString()
	}
	if trigger == "" {
		trigger = TriggerManual
	}
	run := &runHandle{
		id:      id,
		kind:    kind,
		trigger: trigger,
		started: time.Now(),
	}
	if err := s.runs.Start(run.id, kind, trigger); err != nil {
		s.log.Warn().Err(err).Str("kind", kind).Msg("Failed to record sync run start")
	}
	s.bus.EmitData("sync", &events.SyncStartedData{
		RunID:   run.id,
		Kind:    kind,
		Trigger: trigger,
	})
	s.log.Info().Str("run_id", run.id).Str("kind", kind).Str("trigger", trigger).Msg("Sync run started")
	return run
}

func (s *Service) finish(run *runHandle, res Result) Result {
	envelope, err := json.Marshal(res)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to encode sync run envelope")
		envelope = []byte("{}")
	}
	if err := s.runs.Finish(run.id, res.Success, string(envelope)); err != nil {
		s.log.Warn().Err(err).Str("kind", run.kind).Msg("Failed to record sync run finish")
	}

	duration := time.Since(run.started)
	s.bus.EmitData("sync", &events.SyncCompletedData{
		RunID:    run.id,
		Kind:     run.kind,
		Success:  res.Success,
		Upserted: res.Upserted,
		Errors:   res.Errors,
		Skipped:  res.Skipped,
		Duration: duration.Seconds(),
	})
	s.registry.DrainSummaryIfDue(drainSummaryInterval)

	event := s.log.Info()
	if !res.Success {
		event = s.log.Warn()
	}
	event.
		Str("run_id", run.id).
		Str("kind", run.kind).
		Bool("success", res.Success).
		Int("upserted", res.Upserted).
		Int("errors", res.Errors).
		Int("skipped", res.Skipped).
		Dur("duration", duration).
		Msg("Sync run finished")
	return res
}

// disabled answers the early-return envelope when the feature flag is off.
func (s *Service) disabled() (Result, bool) {
	if s.settings.Get().Enabled {
		return Result{}, false
	}
	return Result{Success: true, Message: "market data disabled"}, true
}

// marketClosedNow reports whether the Beijing wall clock has passed the
// configured finalize time. Weekends count as closed; there is no holiday
// calendar, callers schedule on trading days.
func (s *Service) marketClosedNow(snap settings.Snapshot) bool {
	hour, minute, err := domain.ParseClockTime(snap.CloseFinalizeTime)
	if err != nil {
		hour, minute = 15, 5
	}
	return domain.MarketClosedAt(domain.NowBeijing(), hour, minute)
}

// updateState applies a sync_state mutation, logging instead of failing:
// bookkeeping must never block ingestion.
func (s *Service) updateState(mutate func(*domain.SyncState)) {
	if err := s.store.UpdateSyncState(mutate); err != nil {
		s.log.Warn().Err(err).Msg("Failed to update sync state")
	}
}

func (s *Service) recordLastError(msg string) {
	s.updateState(func(st *domain.SyncState) {
		st.LastError = msg
	})
	s.bus.EmitData("sync", &events.ErrorEventData{Error: msg})
}

func (s *Service) inCooldown(code string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.cooldowns[code]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(s.cooldowns, code)
		return false
	}
	return true
}

func (s *Service) armCooldown(code string, d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.cooldowns[code] = time.Now().Add(d)
	s.mu.Unlock()
}

func (s *Service) clearCooldown(code string) {
	s.mu.Lock()
	delete(s.cooldowns, code)
	s.mu.Unlock()
}

// mergeRoute folds one routing outcome into the envelope.
func mergeRoute(res *Result, info providers.RouteInfo) {
	if info.Provider != "" {
		res.ProviderUsed = info.Provider
	}
	if info.Switched {
		res.ProviderSwitched = true
	}
	for _, name := range info.Failed {
		if !containsString(res.FailedProviders, name) {
			res.FailedProviders = append(res.FailedProviders, name)
		}
	}
}

// mergeResultRoute folds a nested pass's routing picture into the outer
// envelope (symbol bootstrap inside incremental or backfill).
func mergeResultRoute(res *Result, inner Result) {
	if inner.ProviderUsed != "" {
		res.ProviderUsed = inner.ProviderUsed
	}
	if inner.ProviderSwitched {
		res.ProviderSwitched = true
	}
	for _, name := range inner.FailedProviders {
		if !containsString(res.FailedProviders, name) {
			res.FailedProviders = append(res.FailedProviders, name)
		}
	}
}

// finalizeBars applies the today rule: past sessions are final, today's
// bar is final only once the market has closed.
func finalizeBars(bars []domain.Bar, today string, todayFinal bool) {
	for i := range bars {
		switch {
		case bars[i].TradeDate < today:
			bars[i].IsFinal = 1
		case bars[i].TradeDate == today && todayFinal:
			bars[i].IsFinal = 1
		default:
			bars[i].IsFinal = 0
		}
	}
}

// clampWindow drops rows outside [start, end].
func clampWindow(bars []domain.Bar, start, end string) []domain.Bar {
	kept := bars[:0]
	for _, bar := range bars {
		if bar.TradeDate < start || bar.TradeDate > end {
			continue
		}
		kept = append(kept, bar)
	}
	return kept
}

// normalizeSymbols normalizes and deduplicates, preserving order.
func normalizeSymbols(codes []string) []string {
	out := make([]string, 0, len(codes))
	seen := make(map[string]bool, len(codes))
	for _, code := range codes {
		normalized, _ := domain.NormalizeCode(code)
		if normalized == "" || seen[normalized] {
			continue
		}
		seen[normalized] = true
		out = append(out, normalized)
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func wallClock() string {
	return domain.NowBeijing().Format("2006-01-02 15:04:05")
}
