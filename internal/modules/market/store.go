// Package market implements the daily bar store.
//
// One SQLite file holds symbols, daily prices, and the sync bookkeeping
// row. Every public method opens its own connection and closes it before
// returning; WAL mode plus a generous busy timeout (applied through the
// connection string) absorb writer contention between sync flows and the
// HTTP facade.
package market

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cnquant/marketd/internal/database"
	"github.com/cnquant/marketd/internal/domain"
	"github.com/cnquant/marketd/internal/utils"
)

const schema = `
CREATE TABLE IF NOT EXISTS symbols (
  stock_code TEXT PRIMARY KEY,
  stock_name TEXT NOT NULL DEFAULT '',
  market     TEXT NOT NULL DEFAULT '',
  source     TEXT NOT NULL DEFAULT '',
  synced_at  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS daily_prices (
  stock_code TEXT NOT NULL,
  trade_date TEXT NOT NULL,
  adjust     TEXT NOT NULL DEFAULT 'qfq',
  open       REAL,
  close      REAL,
  high       REAL,
  low        REAL,
  change_pct REAL,
  volume     INTEGER,
  source     TEXT NOT NULL DEFAULT '',
  is_final   INTEGER NOT NULL DEFAULT 0,
  fetched_at TEXT NOT NULL DEFAULT '',
  PRIMARY KEY (stock_code, trade_date, adjust)
);

CREATE INDEX IF NOT EXISTS idx_daily_prices_trade_date ON daily_prices(trade_date);
CREATE INDEX IF NOT EXISTS idx_daily_prices_code_date  ON daily_prices(stock_code, trade_date);
CREATE INDEX IF NOT EXISTS idx_daily_prices_final_date ON daily_prices(is_final, trade_date);

CREATE TABLE IF NOT EXISTS sync_state (
  id INTEGER PRIMARY KEY CHECK (id = 1),
  last_symbols_sync_at      TEXT,
  last_incremental_sync_at  TEXT,
  last_backfill_sync_at     TEXT,
  last_finalized_trade_date TEXT,
  bootstrap_cursor_symbol   TEXT,
  bootstrap_status          TEXT NOT NULL DEFAULT 'idle',
  last_error                TEXT,
  updated_at                TEXT
);

INSERT OR IGNORE INTO sync_state (id, bootstrap_status) VALUES (1, 'idle');
`

// upsertBarSQL is the finality ratchet: a final row's prices are never
// overwritten by a non-final fetch, and is_final itself only moves 0→1.
const upsertBarSQL = `
INSERT INTO daily_prices
  (stock_code, trade_date, adjust, open, close, high, low, change_pct, volume, source, is_final, fetched_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(stock_code, trade_date, adjust) DO UPDATE SET
  open       = CASE WHEN daily_prices.is_final = 1 AND excluded.is_final = 0 THEN daily_prices.open       ELSE excluded.open       END,
  close      = CASE WHEN daily_prices.is_final = 1 AND excluded.is_final = 0 THEN daily_prices.close      ELSE excluded.close      END,
  high       = CASE WHEN daily_prices.is_final = 1 AND excluded.is_final = 0 THEN daily_prices.high       ELSE excluded.high       END,
  low        = CASE WHEN daily_prices.is_final = 1 AND excluded.is_final = 0 THEN daily_prices.low        ELSE excluded.low        END,
  change_pct = CASE WHEN daily_prices.is_final = 1 AND excluded.is_final = 0 THEN daily_prices.change_pct ELSE excluded.change_pct END,
  volume     = CASE WHEN daily_prices.is_final = 1 AND excluded.is_final = 0 THEN daily_prices.volume     ELSE excluded.volume     END,
  source     = CASE WHEN daily_prices.is_final = 1 AND excluded.is_final = 0 THEN daily_prices.source     ELSE excluded.source     END,
  is_final   = MAX(daily_prices.is_final, excluded.is_final),
  fetched_at = excluded.fetched_at
`

// DaySnapshotInfo describes one stored bar for diagnostics.
type DaySnapshotInfo struct {
	Close     *float64 `json:"close"`
	IsFinal   int      `json:"is_final"`
	FetchedAt string   `json:"fetched_at"`
	Source    string   `json:"source"`
}

// Coverage summarizes how much of one trade date the store holds.
type Coverage struct {
	TradeDate       string `json:"trade_date"`
	TotalRows       int    `json:"total_rows"`
	FinalRows       int    `json:"final_rows"`
	DistinctSymbols int    `json:"distinct_symbols"`
}

// Store is the bar store. All bars live under the single adjust regime
// chosen at construction.
type Store struct {
	path   string
	adjust string
	log    zerolog.Logger
}

// NewStore initializes the schema and returns a store bound to path.
func NewStore(path, adjust string, log zerolog.Logger) (*Store, error) {
	if adjust == "" {
		adjust = string(domain.AdjustQFQ)
	}

	// database.New resolves the path, creates parent directories, and
	// pings; it is only kept open long enough to run the schema.
	db, err := database.New(database.Config{Path: path, Profile: database.ProfileStore, Name: "market"})
	if err != nil {
		return nil, fmt.Errorf("failed to open market store: %w", err)
	}
	defer db.Close()

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize market schema: %w", err)
	}

	return &Store{
		path:   db.Path(),
		adjust: adjust,
		log:    log.With().Str("repo", "market_store").Logger(),
	}, nil
}

// Path returns the database file path. Maintenance and backup operate on
// the file directly.
func (s *Store) Path() string { return s.path }

// Adjust returns the price regime all bars are stored under.
func (s *Store) Adjust() string { return s.adjust }

// open creates the per-call connection used by every public method.
func (s *Store) open() (*sql.DB, error) {
	db, err := sql.Open("sqlite", database.ConnectionString(s.path, database.ProfileStore))
	if err != nil {
		return nil, fmt.Errorf("failed to open market store: %w", err)
	}
	return db, nil
}

func now() string {
	return domain.NowBeijing().Format(time.RFC3339)
}

// UpsertSymbols writes the listing rows, updating existing entries in
// place. Empty vendor names do not blank out a name already stored.
func (s *Store) UpsertSymbols(symbols []domain.Symbol) (int, error) {
	if len(symbols) == 0 {
		return 0, nil
	}

	db, err := s.open()
	if err != nil {
		return 0, err
	}
	defer db.Close()

	count := 0
	err = database.WithTransaction(db, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO symbols (stock_code, stock_name, market, source, synced_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(stock_code) DO UPDATE SET
			  stock_name = CASE WHEN excluded.stock_name = '' THEN symbols.stock_name ELSE excluded.stock_name END,
			  market     = excluded.market,
			  source     = excluded.source,
			  synced_at  = excluded.synced_at`)
		if err != nil {
			return fmt.Errorf("failed to prepare symbol upsert: %w", err)
		}
		defer stmt.Close()

		ts := now()
		for _, sym := range symbols {
			if sym.Code == "" {
				continue
			}
			if _, err := stmt.Exec(sym.Code, sym.Name, string(sym.Market), sym.Source, ts); err != nil {
				return fmt.Errorf("failed to upsert symbol %s: %w", sym.Code, err)
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// ListSymbols returns every stored symbol ascending by code.
func (s *Store) ListSymbols() ([]domain.Symbol, error) {
	db, err := s.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.Query(`SELECT stock_code, stock_name, market, source FROM symbols ORDER BY stock_code ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query symbols: %w", err)
	}
	defer rows.Close()

	var symbols []domain.Symbol
	for rows.Next() {
		var sym domain.Symbol
		var market string
		if err := rows.Scan(&sym.Code, &sym.Name, &market, &sym.Source); err != nil {
			return nil, fmt.Errorf("failed to scan symbol: %w", err)
		}
		sym.Market = domain.Market(market)
		symbols = append(symbols, sym)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating symbols: %w", err)
	}
	return symbols, nil
}

// ListCodes returns the stored symbol codes ascending. The web vendors'
// spot tables are built from this list.
func (s *Store) ListCodes() ([]string, error) {
	db, err := s.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.Query(`SELECT stock_code FROM symbols ORDER BY stock_code ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query symbol codes: %w", err)
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("failed to scan symbol code: %w", err)
		}
		codes = append(codes, code)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating symbol codes: %w", err)
	}
	return codes, nil
}

// CountSymbols returns the number of stored symbols.
func (s *Store) CountSymbols() (int, error) {
	db, err := s.open()
	if err != nil {
		return 0, err
	}
	defer db.Close()

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM symbols`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count symbols: %w", err)
	}
	return count, nil
}

// UpsertBars writes bars through the finality ratchet in one transaction
// and returns how many rows were written.
func (s *Store) UpsertBars(bars []domain.Bar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}

	db, err := s.open()
	if err != nil {
		return 0, err
	}
	defer db.Close()

	count := 0
	err = database.WithTransaction(db, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(upsertBarSQL)
		if err != nil {
			return fmt.Errorf("failed to prepare bar upsert: %w", err)
		}
		defer stmt.Close()

		ts := now()
		for _, bar := range bars {
			if bar.Code == "" || bar.TradeDate == "" {
				continue
			}
			_, err := stmt.Exec(
				bar.Code, bar.TradeDate, s.adjust,
				bar.Open, bar.Close, bar.High, bar.Low,
				nullFloat(bar.ChangePct), nullInt(bar.Volume),
				bar.Source, bar.IsFinal, ts,
			)
			if err != nil {
				return fmt.Errorf("failed to upsert bar %s/%s: %w", bar.Code, bar.TradeDate, err)
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// GetPriceRange returns bars for one code ascending by trade date. With
// allowTodayUnfinal false, a not-yet-final row on today's Beijing date is
// withheld so consumers only see settled prices.
func (s *Store) GetPriceRange(code, start, end string, allowTodayUnfinal bool) ([]domain.Bar, error) {
	db, err := s.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	query := `
		SELECT stock_code, trade_date, open, close, high, low, change_pct, volume, source, is_final
		FROM daily_prices
		WHERE stock_code = ? AND adjust = ? AND trade_date >= ? AND trade_date <= ?`
	args := []interface{}{code, s.adjust, start, end}
	if !allowTodayUnfinal {
		query += ` AND NOT (is_final = 0 AND trade_date = ?)`
		args = append(args, domain.TodayBeijing())
	}
	query += ` ORDER BY trade_date ASC`

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query price range: %w", err)
	}
	defer rows.Close()

	var bars []domain.Bar
	for rows.Next() {
		bar, err := scanBar(rows)
		if err != nil {
			return nil, err
		}
		bars = append(bars, bar)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating price range: %w", err)
	}
	return bars, nil
}

func scanBar(rows *sql.Rows) (domain.Bar, error) {
	var bar domain.Bar
	var open, closePx, high, low, changePct sql.NullFloat64
	var volume sql.NullInt64
	if err := rows.Scan(&bar.Code, &bar.TradeDate, &open, &closePx, &high, &low, &changePct, &volume, &bar.Source, &bar.IsFinal); err != nil {
		return domain.Bar{}, fmt.Errorf("failed to scan bar: %w", err)
	}
	bar.Open = open.Float64
	bar.Close = closePx.Float64
	bar.High = high.Float64
	bar.Low = low.Float64
	if changePct.Valid {
		bar.ChangePct = &changePct.Float64
	}
	if volume.Valid {
		bar.Volume = &volume.Int64
	}
	return bar, nil
}

// GetLatestTradeDate returns the newest stored trade date, optionally
// restricted to final rows. Empty string when the store holds no bars.
func (s *Store) GetLatestTradeDate(onlyFinal bool) (string, error) {
	db, err := s.open()
	if err != nil {
		return "", err
	}
	defer db.Close()

	query := `SELECT COALESCE(MAX(trade_date), '') FROM daily_prices WHERE adjust = ?`
	if onlyFinal {
		query += ` AND is_final = 1`
	}

	var date string
	if err := db.QueryRow(query, s.adjust).Scan(&date); err != nil {
		return "", fmt.Errorf("failed to query latest trade date: %w", err)
	}
	return date, nil
}

// HasFinalForDate reports whether any symbol has a final bar on date.
func (s *Store) HasFinalForDate(date string) (bool, error) {
	db, err := s.open()
	if err != nil {
		return false, err
	}
	defer db.Close()

	var exists bool
	err = db.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM daily_prices WHERE trade_date = ? AND adjust = ? AND is_final = 1)`,
		date, s.adjust,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to query final rows for date: %w", err)
	}
	return exists, nil
}

// HasFinalForSymbolDate reports whether one symbol has a final bar on date.
func (s *Store) HasFinalForSymbolDate(code, date string) (bool, error) {
	db, err := s.open()
	if err != nil {
		return false, err
	}
	defer db.Close()

	var exists bool
	err = db.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM daily_prices WHERE stock_code = ? AND trade_date = ? AND adjust = ? AND is_final = 1)`,
		code, date, s.adjust,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to query final row for symbol date: %w", err)
	}
	return exists, nil
}

// GetSymbolDaySnapshotInfo returns close/finality/provenance for one bar,
// or nil when the store has no row for it.
func (s *Store) GetSymbolDaySnapshotInfo(code, date string) (*DaySnapshotInfo, error) {
	db, err := s.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var info DaySnapshotInfo
	var closePx sql.NullFloat64
	err = db.QueryRow(
		`SELECT close, is_final, fetched_at, source FROM daily_prices WHERE stock_code = ? AND trade_date = ? AND adjust = ?`,
		code, date, s.adjust,
	).Scan(&closePx, &info.IsFinal, &info.FetchedAt, &info.Source)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query day snapshot: %w", err)
	}
	if closePx.Valid {
		info.Close = &closePx.Float64
	}
	return &info, nil
}

// GetTradeDateCoverage counts how many rows (and how many final rows) the
// store holds for one trade date.
func (s *Store) GetTradeDateCoverage(date string) (*Coverage, error) {
	db, err := s.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	cov := &Coverage{TradeDate: date}
	err = db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(is_final), 0), COUNT(DISTINCT stock_code)
		 FROM daily_prices WHERE trade_date = ? AND adjust = ?`,
		date, s.adjust,
	).Scan(&cov.TotalRows, &cov.FinalRows, &cov.DistinctSymbols)
	if err != nil {
		return nil, fmt.Errorf("failed to query trade date coverage: %w", err)
	}
	return cov, nil
}

// GetLatestCloseBefore returns the newest stored close strictly before
// date, looking back at most lookbackDays calendar days. Nil when nothing
// is stored in the window. Realtime quotes use this to backfill a missing
// pre-close.
func (s *Store) GetLatestCloseBefore(code, date string, lookbackDays int) (*float64, error) {
	if lookbackDays < 1 {
		lookbackDays = 1
	}
	floor, err := utils.AddDays(date, -lookbackDays)
	if err != nil {
		return nil, err
	}

	db, err := s.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var closePx sql.NullFloat64
	err = db.QueryRow(
		`SELECT close FROM daily_prices
		 WHERE stock_code = ? AND adjust = ? AND trade_date < ? AND trade_date >= ? AND close IS NOT NULL
		 ORDER BY trade_date DESC LIMIT 1`,
		code, s.adjust, date, floor,
	).Scan(&closePx)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest close: %w", err)
	}
	if !closePx.Valid {
		return nil, nil
	}
	return &closePx.Float64, nil
}

// GetSyncState returns the bookkeeping row.
func (s *Store) GetSyncState() (*domain.SyncState, error) {
	db, err := s.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	return readSyncState(db)
}

// rowQuerier is satisfied by *sql.DB and *sql.Tx.
type rowQuerier interface {
	QueryRow(query string, args ...interface{}) *sql.Row
}

func readSyncState(q rowQuerier) (*domain.SyncState, error) {
	var state domain.SyncState
	var symbolsAt, incrementalAt, backfillAt, finalized, cursor, lastErr, updatedAt sql.NullString
	err := q.QueryRow(
		`SELECT last_symbols_sync_at, last_incremental_sync_at, last_backfill_sync_at,
		        last_finalized_trade_date, bootstrap_cursor_symbol, bootstrap_status,
		        last_error, updated_at
		 FROM sync_state WHERE id = 1`,
	).Scan(&symbolsAt, &incrementalAt, &backfillAt, &finalized, &cursor, &state.BootstrapStatus, &lastErr, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync state: %w", err)
	}

	state.LastSymbolsSyncAt = symbolsAt.String
	state.LastIncrementalSyncAt = incrementalAt.String
	state.LastBackfillSyncAt = backfillAt.String
	state.LastFinalizedTradeDate = finalized.String
	state.BootstrapCursorSymbol = cursor.String
	state.LastError = lastErr.String
	state.UpdatedAt = updatedAt.String
	return &state, nil
}

// UpdateSyncState applies mutate to the current bookkeeping row and writes
// it back with a fresh updated_at. The read and write share one
// transaction so concurrent flows cannot interleave their edits.
func (s *Store) UpdateSyncState(mutate func(*domain.SyncState)) error {
	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()

	return database.WithTransaction(db, func(tx *sql.Tx) error {
		state, err := readSyncState(tx)
		if err != nil {
			return err
		}

		mutate(state)
		if state.BootstrapStatus == "" {
			state.BootstrapStatus = domain.BootstrapIdle
		}

		_, err = tx.Exec(
			`UPDATE sync_state SET
			   last_symbols_sync_at = ?, last_incremental_sync_at = ?, last_backfill_sync_at = ?,
			   last_finalized_trade_date = ?, bootstrap_cursor_symbol = ?, bootstrap_status = ?,
			   last_error = ?, updated_at = ?
			 WHERE id = 1`,
			state.LastSymbolsSyncAt, state.LastIncrementalSyncAt, state.LastBackfillSyncAt,
			state.LastFinalizedTradeDate, state.BootstrapCursorSymbol, state.BootstrapStatus,
			state.LastError, now(),
		)
		if err != nil {
			return fmt.Errorf("failed to update sync state: %w", err)
		}
		return nil
	})
}

func nullFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
