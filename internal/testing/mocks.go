package testing

import (
	"context"
	"sync"

	"github.com/cnquant/marketd/internal/domain"
	"github.com/cnquant/marketd/internal/providers"
)

// MockProvider is a scriptable vendor adapter. Every answer is settable and
// every vendor call is counted per operation; all access is mutex-guarded
// so tests can poke it while a sync pass runs.
type MockProvider struct {
	mu          sync.Mutex
	name        string
	markets     []domain.Market
	symbols     []domain.Symbol
	history     map[string][]domain.Bar // keyed by code
	historyErrs map[string]error        // keyed by code
	index       []domain.Bar
	quote       *domain.Quote
	quotePath   string
	errs        map[string]error // keyed by op, "" is the blanket error
	calls       map[string]int
}

var _ providers.Provider = (*MockProvider)(nil)
var _ providers.RealtimeQuoter = (*MockProvider)(nil)

// Operation names used for scripted errors and call counts.
const (
	OpSymbols     = "symbols"
	OpHistory     = "history"
	OpIndex       = "index"
	OpDailyByDate = "daily_by_date"
	OpQuote       = "quote"
)

// NewMockProvider creates a mock serving SH and SZ unless markets are given.
func NewMockProvider(name string, markets ...domain.Market) *MockProvider {
	if len(markets) == 0 {
		markets = []domain.Market{domain.MarketSH, domain.MarketSZ}
	}
	return &MockProvider{
		name:        name,
		markets:     markets,
		history:     make(map[string][]domain.Bar),
		historyErrs: make(map[string]error),
		errs:        make(map[string]error),
		calls:       make(map[string]int),
	}
}

// Name implements providers.Provider.
func (m *MockProvider) Name() string { return m.name }

// Markets implements providers.Provider.
func (m *MockProvider) Markets() []domain.Market { return m.markets }

// SetSymbols scripts the symbol listing.
func (m *MockProvider) SetSymbols(symbols []domain.Symbol) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.symbols = symbols
}

// SetHistory scripts the daily bars returned for one code.
func (m *MockProvider) SetHistory(code string, bars []domain.Bar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[code] = bars
}

// SetHistoryError scripts a failure for one code's history fetch, leaving
// every other code untouched.
func (m *MockProvider) SetHistoryError(code string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.historyErrs[code] = err
}

// SetIndex scripts the index bars.
func (m *MockProvider) SetIndex(bars []domain.Bar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.index = bars
}

// SetQuote scripts the realtime quote and the vendor path reported with it.
func (m *MockProvider) SetQuote(quote *domain.Quote, path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quote = quote
	m.quotePath = path
}

// SetError scripts a blanket error for every operation.
func (m *MockProvider) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[""] = err
}

// SetErrorFor scripts an error for one operation only.
func (m *MockProvider) SetErrorFor(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[op] = err
}

// Calls returns how many vendor calls one operation has seen.
func (m *MockProvider) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// TotalCalls returns the vendor call count across all operations.
func (m *MockProvider) TotalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.calls {
		total += n
	}
	return total
}

func (m *MockProvider) record(op string) error {
	m.calls[op]++
	if err := m.errs[op]; err != nil {
		return err
	}
	return m.errs[""]
}

// FetchSymbols implements providers.Provider.
func (m *MockProvider) FetchSymbols(ctx context.Context) ([]domain.Symbol, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(OpSymbols); err != nil {
		return nil, err
	}
	return m.symbols, nil
}

// FetchStockHistory implements providers.Provider.
func (m *MockProvider) FetchStockHistory(ctx context.Context, code, start, end, adjust string) ([]domain.Bar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(OpHistory); err != nil {
		return nil, err
	}
	if err := m.historyErrs[code]; err != nil {
		return nil, err
	}
	return m.history[code], nil
}

// FetchIndexHistory implements providers.Provider.
func (m *MockProvider) FetchIndexHistory(ctx context.Context, start, end string) ([]domain.Bar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(OpIndex); err != nil {
		return nil, err
	}
	return m.index, nil
}

// FetchRealtimeQuote implements providers.RealtimeQuoter.
func (m *MockProvider) FetchRealtimeQuote(ctx context.Context, code string) (*domain.Quote, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(OpQuote); err != nil {
		return nil, "", err
	}
	return m.quote, m.quotePath, nil
}

// MockDailyProvider additionally serves whole-market daily batches, the way
// pro_api does.
type MockDailyProvider struct {
	MockProvider
	daily map[string][]domain.Bar // keyed by trade date
}

var _ providers.Provider = (*MockDailyProvider)(nil)
var _ providers.DailyByDateFetcher = (*MockDailyProvider)(nil)

// NewMockDailyProvider creates a daily-by-date capable mock.
func NewMockDailyProvider(name string, markets ...domain.Market) *MockDailyProvider {
	if len(markets) == 0 {
		markets = []domain.Market{domain.MarketSH, domain.MarketSZ, domain.MarketBJ}
	}
	return &MockDailyProvider{
		MockProvider: MockProvider{
			name:        name,
			markets:     markets,
			history:     make(map[string][]domain.Bar),
			historyErrs: make(map[string]error),
			errs:        make(map[string]error),
			calls:       make(map[string]int),
		},
		daily: make(map[string][]domain.Bar),
	}
}

// SetDaily scripts the whole-market bars for one trade date.
func (m *MockDailyProvider) SetDaily(date string, bars []domain.Bar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.daily[date] = bars
}

// FetchDailyByDate implements providers.DailyByDateFetcher.
func (m *MockDailyProvider) FetchDailyByDate(ctx context.Context, date string) ([]domain.Bar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(OpDailyByDate); err != nil {
		return nil, err
	}
	return m.daily[date], nil
}
