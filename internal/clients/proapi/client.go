// Package proapi adapts a tushare-style pro API to the provider contract.
// Every surface is the same POST endpoint with an api_name; the adapter
// converts dates to the vendor's compact YYYYMMDD form at the boundary and
// composes adj_factor onto raw daily bars for adjusted regimes.
package proapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cnquant/marketd/internal/domain"
	"github.com/cnquant/marketd/internal/providers"
	"github.com/cnquant/marketd/internal/utils"
)

const (
	defaultAPIURL = "http://api.tushare.pro"

	dailyFields = "ts_code,trade_date,open,high,low,close,pct_chg,vol"
)

// realtimePaths are tried in order until one yields a price.
var realtimePaths = []string{"rt_min", "stk_mins", "realtime_quote"}

// Client talks to the pro API. Safe for concurrent use.
type Client struct {
	apiURL     string
	token      string
	httpClient *http.Client
	limiter    *providers.RateLimiter
	log        zerolog.Logger
}

var _ providers.Provider = (*Client)(nil)
var _ providers.DailyByDateFetcher = (*Client)(nil)
var _ providers.RealtimeQuoter = (*Client)(nil)

// NewClient validates the token and creates a pro API adapter. Cookie-like
// tokens (a pasted browser header instead of an API token) are rejected so
// the daemon degrades to the other providers instead of hammering the
// vendor with doomed requests.
func NewClient(token string, limiter *providers.RateLimiter, log zerolog.Logger) (*Client, error) {
	token = strings.TrimSpace(token)
	if token == "" || strings.ContainsAny(token, ";") ||
		strings.Contains(token, "uid=") || strings.Contains(token, "username=") {
		return nil, errors.New("tushare token invalid")
	}
	return &Client{
		apiURL:     defaultAPIURL,
		token:      token,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		limiter:    limiter,
		log:        log.With().Str("client", "pro_api").Logger(),
	}, nil
}

// Name implements providers.Provider.
func (c *Client) Name() string { return providers.NameProAPI }

// Markets implements providers.Provider. The pro API covers all three
// exchanges, Beijing included.
func (c *Client) Markets() []domain.Market {
	return []domain.Market{domain.MarketSH, domain.MarketSZ, domain.MarketBJ}
}

type apiResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data *struct {
		Fields []string        `json:"fields"`
		Items  [][]interface{} `json:"items"`
	} `json:"data"`
}

// call POSTs one api_name request and zips the columnar answer into rows
// keyed by field name.
func (c *Client) call(ctx context.Context, apiName string, params map[string]interface{}, fields string) ([]map[string]interface{}, error) {
	if err := c.limiter.Wait(ctx, providers.NameProAPI); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(map[string]interface{}{
		"api_name": apiName,
		"token":    c.token,
		"params":   params,
		"fields":   fields,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var decoded apiResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if decoded.Code != 0 {
		return nil, fmt.Errorf("vendor error %d: %s", decoded.Code, decoded.Msg)
	}
	if decoded.Data == nil {
		return nil, nil
	}

	rows := make([]map[string]interface{}, 0, len(decoded.Data.Items))
	for _, item := range decoded.Data.Items {
		row := make(map[string]interface{}, len(decoded.Data.Fields))
		for i, field := range decoded.Data.Fields {
			if i < len(item) {
				row[field] = item[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// FetchSymbols implements providers.Provider via stock_basic.
func (c *Client) FetchSymbols(ctx context.Context) ([]domain.Symbol, error) {
	rows, err := c.call(ctx, "stock_basic", map[string]interface{}{"list_status": "L"}, "ts_code,name")
	if err != nil {
		return nil, err
	}

	symbols := make([]domain.Symbol, 0, len(rows))
	for _, row := range rows {
		code, market := domain.NormalizeCode(utils.StrField(row["ts_code"]))
		if market == domain.MarketUnknown {
			continue
		}
		symbols = append(symbols, domain.Symbol{
			Code:   code,
			Name:   utils.StrField(row["name"]),
			Market: market,
			Source: providers.NameProAPI,
		})
	}
	return symbols, nil
}

// FetchStockHistory implements providers.Provider. Raw bars come from
// daily; qfq and hfq are composed from adj_factor on top of them.
func (c *Client) FetchStockHistory(ctx context.Context, code, start, end, adjust string) ([]domain.Bar, error) {
	normalized, _ := domain.NormalizeCode(code)
	bars, err := c.fetchDaily(ctx, "daily", map[string]interface{}{
		"ts_code":    normalized,
		"start_date": utils.CompactDate(start),
		"end_date":   utils.CompactDate(end),
	})
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 || (adjust != string(domain.AdjustQFQ) && adjust != string(domain.AdjustHFQ)) {
		return bars, nil
	}

	factors, err := c.fetchAdjFactors(ctx, normalized, start)
	if err != nil {
		return nil, err
	}
	if len(factors) == 0 {
		c.log.Debug().Str("code", normalized).Msg("no adjust factors, serving raw bars")
		return bars, nil
	}

	latest := factors[len(factors)-1].factor
	for i := range bars {
		f := factorAt(factors, bars[i].TradeDate)
		scale := f
		if adjust == string(domain.AdjustQFQ) && latest != 0 {
			scale = f / latest
		}
		bars[i].Open = round4(bars[i].Open * scale)
		bars[i].Close = round4(bars[i].Close * scale)
		bars[i].High = round4(bars[i].High * scale)
		bars[i].Low = round4(bars[i].Low * scale)
	}
	return bars, nil
}

// FetchIndexHistory implements providers.Provider via index_daily.
func (c *Client) FetchIndexHistory(ctx context.Context, start, end string) ([]domain.Bar, error) {
	return c.fetchDaily(ctx, "index_daily", map[string]interface{}{
		"ts_code":    domain.HS300IndexCode,
		"start_date": utils.CompactDate(start),
		"end_date":   utils.CompactDate(end),
	})
}

// FetchDailyByDate implements providers.DailyByDateFetcher: one call
// returns the raw bars of every symbol that traded on the date.
func (c *Client) FetchDailyByDate(ctx context.Context, date string) ([]domain.Bar, error) {
	return c.fetchDaily(ctx, "daily", map[string]interface{}{
		"trade_date": utils.CompactDate(date),
	})
}

func (c *Client) fetchDaily(ctx context.Context, apiName string, params map[string]interface{}) ([]domain.Bar, error) {
	rows, err := c.call(ctx, apiName, params, dailyFields)
	if err != nil {
		return nil, err
	}

	bars := make([]domain.Bar, 0, len(rows))
	for _, row := range rows {
		code, market := domain.NormalizeCode(utils.StrField(row["ts_code"]))
		if market == domain.MarketUnknown {
			continue
		}

		open := utils.NumField(row["open"])
		closePx := utils.NumField(row["close"])
		high := utils.NumField(row["high"])
		low := utils.NumField(row["low"])
		if open == nil || closePx == nil || high == nil || low == nil {
			continue
		}

		var volume *int64
		if v := utils.NumField(row["vol"]); v != nil {
			n := int64(math.Round(*v))
			volume = &n
		}

		bars = append(bars, domain.Bar{
			Code:      code,
			TradeDate: utils.SpreadDate(utils.StrField(row["trade_date"])),
			Open:      *open,
			Close:     *closePx,
			High:      *high,
			Low:       *low,
			ChangePct: utils.NumField(row["pct_chg"]),
			Volume:    volume,
			Source:    providers.NameProAPI,
		})
	}

	// The vendor answers newest-first.
	sort.Slice(bars, func(i, j int) bool { return bars[i].TradeDate < bars[j].TradeDate })
	return bars, nil
}

type datedFactor struct {
	date   string
	factor float64
}

// fetchAdjFactors returns the factor series from start to the present,
// ascending. The open end matters: qfq scales by the latest factor, which
// lives on the most recent session, not inside the requested window.
func (c *Client) fetchAdjFactors(ctx context.Context, code, start string) ([]datedFactor, error) {
	rows, err := c.call(ctx, "adj_factor", map[string]interface{}{
		"ts_code":    code,
		"start_date": utils.CompactDate(start),
	}, "ts_code,trade_date,adj_factor")
	if err != nil {
		return nil, err
	}

	factors := make([]datedFactor, 0, len(rows))
	for _, row := range rows {
		f := utils.NumField(row["adj_factor"])
		date := utils.SpreadDate(utils.StrField(row["trade_date"]))
		if f == nil || date == "" {
			continue
		}
		factors = append(factors, datedFactor{date: date, factor: *f})
	}
	sort.Slice(factors, func(i, j int) bool { return factors[i].date < factors[j].date })
	return factors, nil
}

// factorAt returns the factor in effect on date: the newest entry at or
// before it, or the first entry when the date precedes the series.
func factorAt(factors []datedFactor, date string) float64 {
	idx := sort.Search(len(factors), func(i int) bool { return factors[i].date > date })
	if idx == 0 {
		return factors[0].factor
	}
	return factors[idx-1].factor
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// FetchRealtimeQuote implements providers.RealtimeQuoter. The vendor's
// realtime surfaces differ by subscription tier, so the paths are tried in
// order and the first one that yields a price wins.
func (c *Client) FetchRealtimeQuote(ctx context.Context, code string) (*domain.Quote, string, error) {
	normalized, _ := domain.NormalizeCode(code)

	var lastErr error
	for _, apiName := range realtimePaths {
		quote, err := c.realtimeVia(ctx, apiName, normalized)
		if err != nil {
			c.log.Debug().Err(err).Str("path", apiName).Str("code", normalized).Msg("realtime path failed")
			lastErr = err
			continue
		}
		if quote != nil {
			return quote, apiName, nil
		}
	}
	if lastErr != nil {
		return nil, "", lastErr
	}
	return nil, "", nil
}

func (c *Client) realtimeVia(ctx context.Context, apiName, code string) (*domain.Quote, error) {
	params := map[string]interface{}{"ts_code": code}
	if apiName == "rt_min" || apiName == "stk_mins" {
		params["freq"] = "1min"
	}

	rows, err := c.call(ctx, apiName, params, "")
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	row := newestRow(rows)
	price := firstNum(row, "price", "close")
	if price == nil || *price == 0 {
		return nil, nil
	}

	quote := &domain.Quote{
		Code:     code,
		Price:    *price,
		PreClose: firstNum(row, "pre_close"),
		Open:     firstNum(row, "open"),
	}
	if t := firstStr(row, "trade_time"); t != "" {
		quote.QuoteTime = t
	} else if d, tm := firstStr(row, "date"), firstStr(row, "time"); d != "" && tm != "" {
		quote.QuoteTime = utils.SpreadDate(d) + " " + tm
	}
	return quote, nil
}

// newestRow picks the row with the greatest trade_time so minute-bar
// surfaces yield the freshest price regardless of answer order.
func newestRow(rows []map[string]interface{}) map[string]interface{} {
	best := rows[0]
	bestTime := firstStr(best, "trade_time")
	for _, row := range rows[1:] {
		if t := firstStr(row, "trade_time"); t > bestTime {
			best, bestTime = row, t
		}
	}
	return best
}

func firstNum(row map[string]interface{}, keys ...string) *float64 {
	for _, key := range keys {
		if v := utils.NumField(row[key]); v != nil {
			return v
		}
	}
	return nil
}

func firstStr(row map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if s := utils.StrField(row[key]); s != "" {
			return s
		}
	}
	return ""
}
