// Package providers defines the vendor adapter contract and the routing,
// health, retry, and rate-limiting machinery shared by all sync flows.
package providers

import (
	"context"

	"github.com/cnquant/marketd/internal/domain"
)

// Canonical provider names used in configuration and routing.
const (
	NameEastmoney = "eastmoney"
	NameTencent   = "tencent"
	NameSina      = "sina"
	NameProAPI    = "pro_api"
)

// KnownNames lists every provider the router can construct.
var KnownNames = []string{NameEastmoney, NameTencent, NameSina, NameProAPI}

// Provider is one vendor adapter.
//
// History methods return bars ascending by trade date and an empty slice,
// not an error, when the vendor has no data for the window. Adapters never
// classify their own failures; the router does that.
type Provider interface {
	Name() string
	// Markets lists the exchanges this vendor can serve.
	Markets() []domain.Market
	// FetchSymbols returns the full listing of tradable symbols.
	FetchSymbols(ctx context.Context) ([]domain.Symbol, error)
	// FetchStockHistory returns daily bars for one symbol in [start, end].
	FetchStockHistory(ctx context.Context, code, start, end, adjust string) ([]domain.Bar, error)
	// FetchIndexHistory returns daily bars for the CSI 300 index.
	FetchIndexHistory(ctx context.Context, start, end string) ([]domain.Bar, error)
}

// DailyByDateFetcher is implemented by providers that can return the whole
// market's bars for one trade date in a single call.
type DailyByDateFetcher interface {
	FetchDailyByDate(ctx context.Context, date string) ([]domain.Bar, error)
}

// RealtimeQuoter is implemented by providers that serve realtime quotes.
// The second return names the vendor path used (e.g. "rt_min", "spot").
type RealtimeQuoter interface {
	FetchRealtimeQuote(ctx context.Context, code string) (*domain.Quote, string, error)
}

// SupportsMarket reports whether p serves the given market.
func SupportsMarket(p Provider, market domain.Market) bool {
	for _, m := range p.Markets() {
		if m == market {
			return true
		}
	}
	return false
}
