package domain

import "math"

// Adjust identifies the price adjustment regime bars are stored under.
// The regime is chosen once at boot; mixing regimes in one store is not
// supported.
type Adjust string

const (
	// AdjustQFQ is forward-adjusted pricing.
	AdjustQFQ Adjust = "qfq"
	// AdjustHFQ is backward-adjusted pricing.
	AdjustHFQ Adjust = "hfq"
	// AdjustNone is unadjusted pricing.
	AdjustNone Adjust = "none"
)

// Symbol is one listed instrument.
type Symbol struct {
	Code   string `json:"stock_code"`
	Name   string `json:"stock_name"`
	Market Market `json:"market"`
	Source string `json:"source"`
}

// Bar is one daily OHLCV row for a symbol.
//
// TradeDate is YYYY-MM-DD in Beijing time. ChangePct and Volume are nil
// when the vendor did not report them. IsFinal is 1 once the bar can no
// longer change (past session, or today after the close-finalize time).
type Bar struct {
	Code      string   `json:"stock_code"`
	TradeDate string   `json:"trade_date"`
	Open      float64  `json:"open"`
	Close     float64  `json:"close"`
	High      float64  `json:"high"`
	Low       float64  `json:"low"`
	ChangePct *float64 `json:"change_pct,omitempty"`
	Volume    *int64   `json:"volume,omitempty"`
	Source    string   `json:"source"`
	IsFinal   int      `json:"is_final"`
}

// Quote is a realtime price observation.
type Quote struct {
	Code      string   `json:"stock_code"`
	Price     float64  `json:"price"`
	PreClose  *float64 `json:"pre_close,omitempty"`
	Open      *float64 `json:"open,omitempty"`
	QuoteTime string   `json:"quote_time,omitempty"`
}

// SyncState is the single bookkeeping row describing sync progress.
type SyncState struct {
	LastSymbolsSyncAt      string `json:"last_symbols_sync_at,omitempty"`
	LastIncrementalSyncAt  string `json:"last_incremental_sync_at,omitempty"`
	LastBackfillSyncAt     string `json:"last_backfill_sync_at,omitempty"`
	LastFinalizedTradeDate string `json:"last_finalized_trade_date,omitempty"`
	BootstrapCursorSymbol  string `json:"bootstrap_cursor_symbol,omitempty"`
	BootstrapStatus        string `json:"bootstrap_status"`
	LastError              string `json:"last_error,omitempty"`
	UpdatedAt              string `json:"updated_at,omitempty"`
}

// Bootstrap statuses recorded in SyncState.
const (
	BootstrapIdle           = "idle"
	BootstrapRunning        = "running"
	BootstrapStopped        = "stopped"
	BootstrapDone           = "done"
	BootstrapDoneWithErrors = "done_with_errors"
)

// ChangePct computes the percent change from prev to close, rounded to
// 4 decimals. Returns nil when prev is nil or zero.
func ChangePct(close float64, prev *float64) *float64 {
	if prev == nil || *prev == 0 {
		return nil
	}
	pct := (close - *prev) / *prev * 100
	pct = math.Round(pct*10000) / 10000
	return &pct
}
