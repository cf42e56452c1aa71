package testing

import (
	"time"

	"github.com/cnquant/marketd/internal/domain"
)

// SymbolFixtures returns a small cross-exchange listing for tests.
func SymbolFixtures() []domain.Symbol {
	return []domain.Symbol{
		{Code: "000001.SZ", Name: "平安银行", Market: domain.MarketSZ, Source: "eastmoney"},
		{Code: "600519.SH", Name: "贵州茅台", Market: domain.MarketSH, Source: "eastmoney"},
		{Code: "300750.SZ", Name: "宁德时代", Market: domain.MarketSZ, Source: "eastmoney"},
		{Code: "430047.BJ", Name: "诺思兰德", Market: domain.MarketBJ, Source: "eastmoney"},
	}
}

// BarFixtures returns consecutive final daily bars for one symbol starting
// at startDate (YYYY-MM-DD).
func BarFixtures(code, startDate string, n int) []domain.Bar {
	start, err := time.Parse("2006-01-02", startDate)
	if err != nil {
		start = time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	}

	bars := make([]domain.Bar, 0, n)
	for i := 0; i < n; i++ {
		price := 10.0 + float64(i)*0.5
		vol := int64(1_000_000 + i*10_000)
		pct := 1.25
		bars = append(bars, domain.Bar{
			Code:      code,
			TradeDate: start.AddDate(0, 0, i).Format("2006-01-02"),
			Open:      price,
			Close:     price + 0.3,
			High:      price + 0.5,
			Low:       price - 0.2,
			ChangePct: &pct,
			Volume:    &vol,
			Source:    "eastmoney",
			IsFinal:   1,
		})
	}
	return bars
}

// QuoteFixture returns one realtime quote with all optional fields set.
func QuoteFixture(code string) *domain.Quote {
	preClose := 10.2
	open := 10.3
	return &domain.Quote{
		Code:      code,
		Price:     10.55,
		PreClose:  &preClose,
		Open:      &open,
		QuoteTime: "2024-06-05 10:30:00",
	}
}

// Ptr returns a pointer to v, for literal optional fields in test tables.
func Ptr[T any](v T) *T {
	return &v
}
