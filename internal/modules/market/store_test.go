package market

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cnquant/marketd/internal/domain"
	"github.com/cnquant/marketd/internal/utils"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "market.db"), "qfq", zerolog.Nop())
	require.NoError(t, err)
	return store
}

func f64(v float64) *float64 { return &v }
func i64(v int64) *int64     { return &v }

func testBar(code, date string, close float64, isFinal int) domain.Bar {
	return domain.Bar{
		Code:      code,
		TradeDate: date,
		Open:      close - 0.1,
		Close:     close,
		High:      close + 0.2,
		Low:       close - 0.3,
		ChangePct: f64(1.5),
		Volume:    i64(123456),
		Source:    "eastmoney",
		IsFinal:   isFinal,
	}
}

func TestUpsertBarsFinalityRatchet(t *testing.T) {
	store := newTestStore(t)

	n, err := store.UpsertBars([]domain.Bar{testBar("600000.SH", "2024-06-03", 10.2, 1)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// A later non-final fetch must not disturb the settled row.
	stale := testBar("600000.SH", "2024-06-03", 99.9, 0)
	stale.Source = "tencent"
	_, err = store.UpsertBars([]domain.Bar{stale})
	require.NoError(t, err)

	bars, err := store.GetPriceRange("600000.SH", "2024-06-01", "2024-06-30", true)
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, 10.2, bars[0].Close)
	assert.Equal(t, "eastmoney", bars[0].Source)
	assert.Equal(t, 1, bars[0].IsFinal)
}

func TestUpsertBarsNonFinalThenFinal(t *testing.T) {
	store := newTestStore(t)

	_, err := store.UpsertBars([]domain.Bar{testBar("600000.SH", "2024-06-03", 10.0, 0)})
	require.NoError(t, err)

	// The closing fetch settles the row and finality never regresses.
	_, err = store.UpsertBars([]domain.Bar{testBar("600000.SH", "2024-06-03", 10.2, 1)})
	require.NoError(t, err)

	bars, err := store.GetPriceRange("600000.SH", "2024-06-01", "2024-06-30", true)
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, 10.2, bars[0].Close)
	assert.Equal(t, 1, bars[0].IsFinal)

	_, err = store.UpsertBars([]domain.Bar{testBar("600000.SH", "2024-06-03", 10.5, 1)})
	require.NoError(t, err)

	bars, err = store.GetPriceRange("600000.SH", "2024-06-01", "2024-06-30", true)
	require.NoError(t, err)
	assert.Equal(t, 10.5, bars[0].Close, "final rows still accept final corrections")
}

func TestAdjustRegimesDoNotCollide(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "market.db")

	qfq, err := NewStore(path, "qfq", zerolog.Nop())
	require.NoError(t, err)
	raw, err := NewStore(path, "none", zerolog.Nop())
	require.NoError(t, err)

	_, err = qfq.UpsertBars([]domain.Bar{testBar("600000.SH", "2024-06-03", 10.2, 1)})
	require.NoError(t, err)
	_, err = raw.UpsertBars([]domain.Bar{testBar("600000.SH", "2024-06-03", 20.4, 1)})
	require.NoError(t, err)

	qfqBars, err := qfq.GetPriceRange("600000.SH", "2024-06-01", "2024-06-30", true)
	require.NoError(t, err)
	rawBars, err := raw.GetPriceRange("600000.SH", "2024-06-01", "2024-06-30", true)
	require.NoError(t, err)

	require.Len(t, qfqBars, 1)
	require.Len(t, rawBars, 1)
	assert.Equal(t, 10.2, qfqBars[0].Close)
	assert.Equal(t, 20.4, rawBars[0].Close)
}

func TestGetPriceRangeWithholdsTodayUnfinal(t *testing.T) {
	store := newTestStore(t)

	today := domain.TodayBeijing()
	yesterday, err := utils.AddDays(today, -1)
	require.NoError(t, err)

	_, err = store.UpsertBars([]domain.Bar{
		testBar("600000.SH", yesterday, 10.0, 1),
		testBar("600000.SH", today, 10.3, 0),
	})
	require.NoError(t, err)

	start, err := utils.AddDays(today, -5)
	require.NoError(t, err)

	settled, err := store.GetPriceRange("600000.SH", start, today, false)
	require.NoError(t, err)
	require.Len(t, settled, 1)
	assert.Equal(t, yesterday, settled[0].TradeDate)

	all, err := store.GetPriceRange("600000.SH", start, today, true)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestGetLatestTradeDate(t *testing.T) {
	store := newTestStore(t)

	date, err := store.GetLatestTradeDate(false)
	require.NoError(t, err)
	assert.Empty(t, date)

	_, err = store.UpsertBars([]domain.Bar{
		testBar("600000.SH", "2024-06-03", 10.0, 1),
		testBar("600000.SH", "2024-06-04", 10.2, 0),
	})
	require.NoError(t, err)

	date, err = store.GetLatestTradeDate(false)
	require.NoError(t, err)
	assert.Equal(t, "2024-06-04", date)

	date, err = store.GetLatestTradeDate(true)
	require.NoError(t, err)
	assert.Equal(t, "2024-06-03", date)
}

func TestFinalRowLookups(t *testing.T) {
	store := newTestStore(t)

	_, err := store.UpsertBars([]domain.Bar{
		testBar("600000.SH", "2024-06-03", 10.0, 1),
		testBar("000001.SZ", "2024-06-04", 11.0, 0),
	})
	require.NoError(t, err)

	has, err := store.HasFinalForDate("2024-06-03")
	require.NoError(t, err)
	assert.True(t, has)

	has, err = store.HasFinalForDate("2024-06-04")
	require.NoError(t, err)
	assert.False(t, has)

	has, err = store.HasFinalForSymbolDate("600000.SH", "2024-06-03")
	require.NoError(t, err)
	assert.True(t, has)

	has, err = store.HasFinalForSymbolDate("000001.SZ", "2024-06-03")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestGetSymbolDaySnapshotInfo(t *testing.T) {
	store := newTestStore(t)

	info, err := store.GetSymbolDaySnapshotInfo("600000.SH", "2024-06-03")
	require.NoError(t, err)
	assert.Nil(t, info)

	_, err = store.UpsertBars([]domain.Bar{testBar("600000.SH", "2024-06-03", 10.2, 1)})
	require.NoError(t, err)

	info, err = store.GetSymbolDaySnapshotInfo("600000.SH", "2024-06-03")
	require.NoError(t, err)
	require.NotNil(t, info)
	require.NotNil(t, info.Close)
	assert.Equal(t, 10.2, *info.Close)
	assert.Equal(t, 1, info.IsFinal)
	assert.Equal(t, "eastmoney", info.Source)
	assert.NotEmpty(t, info.FetchedAt)
}

func TestGetTradeDateCoverage(t *testing.T) {
	store := newTestStore(t)

	_, err := store.UpsertBars([]domain.Bar{
		testBar("600000.SH", "2024-06-03", 10.0, 1),
		testBar("000001.SZ", "2024-06-03", 11.0, 1),
		testBar("300750.SZ", "2024-06-03", 180.0, 0),
	})
	require.NoError(t, err)

	cov, err := store.GetTradeDateCoverage("2024-06-03")
	require.NoError(t, err)
	assert.Equal(t, "2024-06-03", cov.TradeDate)
	assert.Equal(t, 3, cov.TotalRows)
	assert.Equal(t, 2, cov.FinalRows)
	assert.Equal(t, 3, cov.DistinctSymbols)
}

func TestGetLatestCloseBefore(t *testing.T) {
	store := newTestStore(t)

	today := domain.TodayBeijing()
	yesterday, err := utils.AddDays(today, -1)
	require.NoError(t, err)
	monthAgo, err := utils.AddDays(today, -30)
	require.NoError(t, err)

	_, err = store.UpsertBars([]domain.Bar{
		testBar("600000.SH", monthAgo, 9.0, 1),
		testBar("600000.SH", yesterday, 10.2, 1),
		testBar("600000.SH", today, 10.5, 0),
	})
	require.NoError(t, err)

	// Today's own row is strictly excluded.
	prev, err := store.GetLatestCloseBefore("600000.SH", today, 20)
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, 10.2, *prev)

	// A wide enough lookback reaches the month-old bar.
	prev, err = store.GetLatestCloseBefore("600000.SH", yesterday, 40)
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, 9.0, *prev)

	prev, err = store.GetLatestCloseBefore("000001.SZ", today, 20)
	require.NoError(t, err)
	assert.Nil(t, prev)

	old, err := utils.AddDays(today, -25)
	require.NoError(t, err)
	prev, err = store.GetLatestCloseBefore("600000.SH", old, 3)
	require.NoError(t, err)
	assert.Nil(t, prev, "lookback floor excludes the month-old bar")
}

func TestUpsertSymbols(t *testing.T) {
	store := newTestStore(t)

	n, err := store.UpsertSymbols([]domain.Symbol{
		{Code: "600000.SH", Name: "浦发银行", Market: domain.MarketSH, Source: "eastmoney"},
		{Code: "920368.BJ", Name: "润农节水", Market: domain.MarketBJ, Source: "eastmoney"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	count, err := store.CountSymbols()
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// Re-upsert with a blank name keeps the stored one.
	_, err = store.UpsertSymbols([]domain.Symbol{
		{Code: "600000.SH", Name: "", Market: domain.MarketSH, Source: "pro_api"},
	})
	require.NoError(t, err)

	symbols, err := store.ListSymbols()
	require.NoError(t, err)
	require.Len(t, symbols, 2)
	assert.Equal(t, "600000.SH", symbols[0].Code)
	assert.Equal(t, "浦发银行", symbols[0].Name)
	assert.Equal(t, "pro_api", symbols[0].Source)
	assert.Equal(t, domain.MarketSH, symbols[0].Market)

	codes, err := store.ListCodes()
	require.NoError(t, err)
	assert.Equal(t, []string{"600000.SH", "920368.BJ"}, codes)
}

func TestSyncStateRoundTrip(t *testing.T) {
	store := newTestStore(t)

	state, err := store.GetSyncState()
	require.NoError(t, err)
	assert.Equal(t, domain.BootstrapIdle, state.BootstrapStatus)
	assert.Empty(t, state.LastSymbolsSyncAt)

	err = store.UpdateSyncState(func(s *domain.SyncState) {
		s.LastSymbolsSyncAt = "2024-06-05T16:00:00+08:00"
		s.BootstrapStatus = domain.BootstrapRunning
		s.BootstrapCursorSymbol = "300750.SZ"
	})
	require.NoError(t, err)

	state, err = store.GetSyncState()
	require.NoError(t, err)
	assert.Equal(t, "2024-06-05T16:00:00+08:00", state.LastSymbolsSyncAt)
	assert.Equal(t, domain.BootstrapRunning, state.BootstrapStatus)
	assert.Equal(t, "300750.SZ", state.BootstrapCursorSymbol)
	assert.NotEmpty(t, state.UpdatedAt)

	// A second update edits its own fields without clobbering the rest.
	err = store.UpdateSyncState(func(s *domain.SyncState) {
		s.LastError = "boom"
	})
	require.NoError(t, err)

	state, err = store.GetSyncState()
	require.NoError(t, err)
	assert.Equal(t, "300750.SZ", state.BootstrapCursorSymbol)
	assert.Equal(t, "boom", state.LastError)
}
