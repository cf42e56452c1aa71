package providers

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cnquant/marketd/internal/domain"
)

// HistoryResult is one provider's answer for a single routed call. Exactly
// one state holds: data came back, the vendor answered with an empty
// window, or the call failed. Empty is not failure and never opens the
// circuit.
type HistoryResult struct {
	Bars  []domain.Bar
	Empty bool
	Err   error
}

// historyResultOf lifts a raw adapter answer into its sum form.
func historyResultOf(bars []domain.Bar, err error) HistoryResult {
	switch {
	case err != nil:
		return HistoryResult{Err: err}
	case len(bars) == 0:
		return HistoryResult{Empty: true}
	default:
		return HistoryResult{Bars: bars}
	}
}

// RouteInfo describes how one failover pass was served.
type RouteInfo struct {
	Provider string   // vendor that served the result, empty when none did
	Switched bool     // more than one vendor call was made
	Empty    bool     // every attempted vendor answered with an empty window
	Failed   []string // vendors skipped or failed, in routing order
}

// GatePool serializes vendor round-trips per provider. The default weight
// of one in-flight request per vendor is what the vendors tolerate; the
// pool is shared between the history and realtime routers so both flows
// honour it together.
type GatePool struct {
	mu    sync.Mutex
	gates map[string]chan struct{}
}

// NewGatePool creates an empty gate pool.
func NewGatePool() *GatePool {
	return &GatePool{gates: make(map[string]chan struct{})}
}

// Acquire takes the named provider's gate, blocking until it is free or the
// context is cancelled. The returned release must be called exactly once.
func (g *GatePool) Acquire(ctx context.Context, provider string) (release func(), err error) {
	g.mu.Lock()
	gate, ok := g.gates[provider]
	if !ok {
		gate = make(chan struct{}, 1)
		g.gates[provider] = gate
	}
	g.mu.Unlock()

	select {
	case gate <- struct{}{}:
		return func() { <-gate }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RouterConfig carries the failover knobs of one router instance.
type RouterConfig struct {
	// Order is the configured provider order. Unknown names are dropped,
	// duplicates collapse to their first position; an empty result falls
	// back to construction order.
	Order []string
	// Failover enables moving to the next provider after a terminal
	// answer. When false, the first attempted provider's answer is final.
	Failover bool
	// Circuit is how long a provider stays unroutable after a failure.
	Circuit time.Duration
	// Retry bounds the per-provider retry loop.
	Retry RetryPolicy
	// Gates serializes per-provider round-trips; nil creates a private
	// pool.
	Gates *GatePool
}

// Router iterates an ordered provider list until one serves the request.
//
// Two instances usually exist per process, one for historical sync and one
// for realtime quotes, sharing the health registry and gate pool. Providers
// that failed construction stay in the order as permanently-disabled
// candidates so callers see them in failure reports.
type Router struct {
	providers map[string]Provider
	initOrder []string
	gates     *GatePool
	registry  *Registry
	log       zerolog.Logger

	// Settings updates swap these at runtime; route snapshots them once
	// per pass so an in-flight pass keeps the knobs it started with.
	mu       sync.RWMutex
	order    []string
	failover bool
	circuit  time.Duration
	retry    RetryPolicy
}

// NewRouter builds a failover router over the constructed providers.
func NewRouter(constructed []Provider, cfg RouterConfig, registry *Registry, log zerolog.Logger) *Router {
	byName := make(map[string]Provider, len(constructed))
	initOrder := make([]string, 0, len(constructed))
	for _, p := range constructed {
		if _, dup := byName[p.Name()]; dup {
			continue
		}
		byName[p.Name()] = p
		initOrder = append(initOrder, p.Name())
	}

	routerLog := log.With().Str("component", "provider_router").Logger()

	gates := cfg.Gates
	if gates == nil {
		gates = NewGatePool()
	}

	return &Router{
		providers: byName,
		initOrder: initOrder,
		order:     filterOrder(cfg.Order, byName, initOrder, routerLog),
		failover:  cfg.Failover,
		circuit:   cfg.Circuit,
		retry:     cfg.Retry,
		gates:     gates,
		registry:  registry,
		log:       routerLog,
	}
}

// filterOrder validates a configured provider order. Unknown names are
// dropped with a warning, duplicates collapse to their first position, and
// an empty result falls back to fallback.
func filterOrder(configured []string, byName map[string]Provider, fallback []string, log zerolog.Logger) []string {
	known := make(map[string]bool, len(KnownNames))
	for _, name := range KnownNames {
		known[name] = true
	}

	order := make([]string, 0, len(configured))
	seen := make(map[string]bool, len(configured))
	for _, name := range configured {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		if _, constructed := byName[name]; !constructed && !known[name] {
			log.Warn().Str("provider", name).Msg("Unknown provider in configured order, dropping")
			continue
		}
		seen[name] = true
		order = append(order, name)
	}
	if len(order) == 0 {
		order = append(order, fallback...)
	}
	return order
}

// Reconfigure applies updated runtime settings. Passes already in flight
// finish with the knobs they started with; the next routed call sees the
// new order, failover flag, circuit duration, and retry policy.
func (r *Router) Reconfigure(order []string, failover bool, circuit time.Duration, retry RetryPolicy) {
	next := filterOrder(order, r.providers, r.initOrder, r.log)

	r.mu.Lock()
	r.order = next
	r.failover = failover
	r.circuit = circuit
	r.retry = retry
	r.mu.Unlock()

	r.log.Info().
		Strs("order", next).
		Bool("failover", failover).
		Dur("circuit", circuit).
		Msg("Router reconfigured")
}

// Order returns the effective provider order.
func (r *Router) Order() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// StockHistory fetches daily bars for one symbol through the failover
// chain. Bars come back ascending by trade date.
func (r *Router) StockHistory(ctx context.Context, code, start, end, adjust string) ([]domain.Bar, RouteInfo, error) {
	market := domain.MarketOf(code)
	var bars []domain.Bar
	info, err := r.route(ctx, "history", market, r.orderFor(market), func(p Provider) HistoryResult {
		res := historyResultOf(p.FetchStockHistory(ctx, code, start, end, adjust))
		if res.Err == nil && !res.Empty {
			bars = res.Bars
		}
		return res
	})
	return bars, info, err
}

// IndexHistory fetches CSI 300 daily bars through the failover chain.
func (r *Router) IndexHistory(ctx context.Context, start, end string) ([]domain.Bar, RouteInfo, error) {
	var bars []domain.Bar
	info, err := r.route(ctx, "index", domain.MarketSH, r.Order(), func(p Provider) HistoryResult {
		res := historyResultOf(p.FetchIndexHistory(ctx, start, end))
		if res.Err == nil && !res.Empty {
			bars = res.Bars
		}
		return res
	})
	return bars, info, err
}

// Symbols fetches the full listing through the failover chain. An empty
// listing moves on to the next provider; the Empty outcome means every
// routable vendor answered empty and the caller must treat the pass as
// unsuccessful.
func (r *Router) Symbols(ctx context.Context) ([]domain.Symbol, RouteInfo, error) {
	var symbols []domain.Symbol
	info, err := r.route(ctx, "symbols", domain.MarketUnknown, r.Order(), func(p Provider) HistoryResult {
		got, ferr := p.FetchSymbols(ctx)
		if ferr != nil {
			return HistoryResult{Err: ferr}
		}
		if len(got) == 0 {
			return HistoryResult{Empty: true}
		}
		symbols = got
		return HistoryResult{}
	})
	return symbols, info, err
}

// DailyByDate fetches one trade date's whole-market bars. Only providers
// implementing DailyByDateFetcher are candidates.
func (r *Router) DailyByDate(ctx context.Context, date string) ([]domain.Bar, RouteInfo, error) {
	order := r.Order()
	candidates := make([]string, 0, len(order))
	for _, name := range order {
		if p, ok := r.providers[name]; !ok {
			// unconstructed providers stay candidates; the disabled gate
			// reports them
			candidates = append(candidates, name)
		} else if _, capable := p.(DailyByDateFetcher); capable {
			candidates = append(candidates, name)
		}
	}
	if len(candidates) == 0 {
		return nil, RouteInfo{}, fmt.Errorf("no configured provider supports daily-by-date fetch")
	}

	var bars []domain.Bar
	info, err := r.route(ctx, "daily_by_date", domain.MarketUnknown, candidates, func(p Provider) HistoryResult {
		fetcher, ok := p.(DailyByDateFetcher)
		if !ok {
			return HistoryResult{Empty: true}
		}
		res := historyResultOf(fetcher.FetchDailyByDate(ctx, date))
		if res.Err == nil && !res.Empty {
			bars = res.Bars
		}
		return res
	})
	return bars, info, err
}

// Quote fetches a realtime quote through the failover chain. A provider
// answering without a quote (symbol not in its table yet) is treated like
// an empty window. The path return names the vendor surface that served
// the quote, e.g. "spot" or "rt_min".
func (r *Router) Quote(ctx context.Context, code string) (*domain.Quote, string, RouteInfo, error) {
	market := domain.MarketOf(code)
	var quote *domain.Quote
	var path string
	info, err := r.route(ctx, "quote", market, r.orderFor(market), func(p Provider) HistoryResult {
		quoter, ok := p.(RealtimeQuoter)
		if !ok {
			return HistoryResult{Empty: true}
		}
		got, gotPath, qerr := quoter.FetchRealtimeQuote(ctx, code)
		if qerr != nil {
			return HistoryResult{Err: qerr}
		}
		if got == nil {
			return HistoryResult{Empty: true}
		}
		quote, path = got, gotPath
		return HistoryResult{}
	})
	return quote, path, info, err
}

// orderFor returns the candidate order for one market. Beijing symbols
// promote the vendors that can serve them to the front, keeping relative
// order within each group.
func (r *Router) orderFor(market domain.Market) []string {
	order := r.Order()
	if market != domain.MarketBJ {
		return order
	}

	promoted := make([]string, 0, len(order))
	rest := make([]string, 0, len(order))
	for _, name := range order {
		if p, ok := r.providers[name]; ok && SupportsMarket(p, market) {
			promoted = append(promoted, name)
		} else {
			rest = append(rest, name)
		}
	}
	return append(promoted, rest...)
}

// route runs one failover pass over candidates. call performs the vendor
// round-trip for one provider and reports the outcome in sum form.
//
// Providers that cannot serve the market are excluded up front, before any
// vendor call, and latched into the registry so health snapshots show the
// exclusion. Terminal failures open the provider's circuit and move on;
// empty windows move on without touching the circuit.
func (r *Router) route(ctx context.Context, op string, market domain.Market, candidates []string, call func(Provider) HistoryResult) (RouteInfo, error) {
	r.mu.RLock()
	failover, circuit, retry := r.failover, r.circuit, r.retry
	r.mu.RUnlock()

	var info RouteInfo
	var failParts []string
	attempts := 0
	empties := 0

	fail := func(name, reason string) {
		info.Failed = append(info.Failed, name)
		failParts = append(failParts, name+": "+reason)
	}

	routable := make([]string, 0, len(candidates))
	for _, name := range candidates {
		p := r.providers[name]
		if p != nil && market != domain.MarketUnknown && !SupportsMarket(p, market) {
			reason := "market_unsupported:" + string(market)
			r.registry.RecordFailure(name, op, reason)
			if _, _, disabled := r.registry.DisabledReason(name); !disabled {
				r.registry.SetDisabled(name, time.Now().Add(circuit), reason)
			}
			fail(name, reason)
			continue
		}
		routable = append(routable, name)
	}

	for _, name := range routable {
		if err := ctx.Err(); err != nil {
			return info, err
		}

		p := r.providers[name]

		if reason, until, disabled := r.registry.DisabledReason(name); disabled {
			skip := "provider_unavailable:" + reason
			if !until.IsZero() {
				skip = fmt.Sprintf("circuit_open:%.0fs", math.Ceil(time.Until(until).Seconds()))
			}
			r.registry.RecordFailure(name, op, skip)
			r.log.Debug().Str("provider", name).Str("op", op).Str("reason", skip).Msg("Skipping provider")
			fail(name, reason)
			continue
		}

		if p == nil {
			r.registry.RecordFailure(name, op, "provider_unavailable:not_constructed")
			fail(name, "not_constructed")
			continue
		}

		attempts++
		res := HistoryResult{}
		err := CallWithRetry(ctx, r.log, retry, op, func() error {
			release, gateErr := r.gates.Acquire(ctx, name)
			if gateErr != nil {
				return gateErr
			}
			defer release()
			res = call(p)
			return res.Err
		})
		if err != nil && ctx.Err() != nil {
			return info, ctx.Err()
		}
		if err != nil {
			res = HistoryResult{Err: err}
		}

		switch {
		case res.Err != nil:
			reason := trimReason(res.Err.Error())
			r.registry.RecordFailure(name, op, reason)
			r.registry.SetDisabled(name, time.Now().Add(circuit), reason)
			fail(name, reason)
		case res.Empty:
			empties++
			r.log.Debug().Str("provider", name).Str("op", op).Msg("Provider answered with empty window")
		default:
			info.Provider = name
			info.Switched = attempts > 1
			return info, nil
		}

		if !failover {
			break
		}
	}

	info.Switched = attempts > 1

	if attempts > 0 && len(failParts) == 0 && empties > 0 {
		info.Empty = true
		return info, nil
	}

	return info, fmt.Errorf("all providers failed: %s, failed_providers=[%s]", op, strings.Join(failParts, "; "))
}
