// Package eastmoney adapts the Eastmoney push2 quote APIs to the provider
// contract. Daily bars come from the push2his kline surface, the symbol
// listing and realtime spot table from the paged clist surface.
package eastmoney

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cnquant/marketd/internal/domain"
	"github.com/cnquant/marketd/internal/providers"
	"github.com/cnquant/marketd/internal/utils"
)

const (
	defaultKlineURL = "https://push2his.eastmoney.com/api/qt/stock/kline/get"
	defaultClistURL = "https://push2.eastmoney.com/api/qt/clist/get"

	referer   = "https://www.eastmoney.com"
	userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

	// fs filter covering SZ main/GEM, SH main/STAR, and BJ boards.
	clistBoards = "m:0+t:6,m:0+t:80,m:1+t:2,m:1+t:23,m:0+t:81+s:2048"

	clistPageSize = 1000
	clistMaxPages = 50
)

// Client talks to Eastmoney. Safe for concurrent use.
type Client struct {
	klineURL   string
	clistURL   string
	httpClient *http.Client
	limiter    *providers.RateLimiter
	spot       *providers.SpotCache
	log        zerolog.Logger
}

var _ providers.Provider = (*Client)(nil)
var _ providers.RealtimeQuoter = (*Client)(nil)

// NewClient creates an Eastmoney adapter. cacheDir may be empty to keep
// the spot table memory-only.
func NewClient(cacheDir string, spotTTL time.Duration, limiter *providers.RateLimiter, log zerolog.Logger) *Client {
	c := &Client{
		klineURL:   defaultKlineURL,
		clistURL:   defaultClistURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		limiter:    limiter,
		log:        log.With().Str("client", "eastmoney").Logger(),
	}
	c.spot = providers.NewSpotCache(providers.NameEastmoney, cacheDir, spotTTL, c.fetchSpotTable, log)
	return c
}

// Name implements providers.Provider.
func (c *Client) Name() string { return providers.NameEastmoney }

// Markets implements providers.Provider.
func (c *Client) Markets() []domain.Market {
	return []domain.Market{domain.MarketSH, domain.MarketSZ, domain.MarketBJ}
}

// secid is Eastmoney's exchange-prefixed code: 1 for Shanghai, 0 for
// Shenzhen and Beijing.
func secid(code string) string {
	if domain.MarketOf(code) == domain.MarketSH {
		return "1." + domain.PureCode(code)
	}
	return "0." + domain.PureCode(code)
}

// fqt maps the adjust regime to Eastmoney's kline parameter.
func fqt(adjust string) string {
	switch domain.Adjust(adjust) {
	case domain.AdjustQFQ:
		return "1"
	case domain.AdjustHFQ:
		return "2"
	default:
		return "0"
	}
}

type klineResponse struct {
	Data *struct {
		Code   string   `json:"code"`
		Klines []string `json:"klines"`
	} `json:"data"`
}

// FetchStockHistory implements providers.Provider.
func (c *Client) FetchStockHistory(ctx context.Context, code, start, end, adjust string) ([]domain.Bar, error) {
	normalized, _ := domain.NormalizeCode(code)
	return c.fetchKlines(ctx, normalized, secid(normalized), start, end, fqt(adjust))
}

// FetchIndexHistory implements providers.Provider. Index levels are never
// adjusted, so fqt stays 0.
func (c *Client) FetchIndexHistory(ctx context.Context, start, end string) ([]domain.Bar, error) {
	return c.fetchKlines(ctx, domain.HS300IndexCode, "1."+domain.PureCode(domain.HS300IndexCode), start, end, "0")
}

func (c *Client) fetchKlines(ctx context.Context, code, secid, start, end, fqt string) ([]domain.Bar, error) {
	params := url.Values{}
	params.Set("secid", secid)
	params.Set("fields1", "f1,f2,f3,f4,f5,f6")
	params.Set("fields2", "f51,f52,f53,f54,f55,f56,f57,f58,f59,f60,f61")
	params.Set("klt", "101")
	params.Set("fqt", fqt)
	params.Set("beg", utils.CompactDate(start))
	params.Set("end", utils.CompactDate(end))

	var resp klineResponse
	if err := c.getJSON(ctx, c.klineURL+"?"+params.Encode(), &resp); err != nil {
		return nil, err
	}
	if resp.Data == nil {
		return nil, nil
	}

	bars := make([]domain.Bar, 0, len(resp.Data.Klines))
	for _, line := range resp.Data.Klines {
		// date,open,close,high,low,volume,amount,amplitude,change_pct,...
		parts := strings.Split(line, ",")
		if len(parts) < 6 {
			continue
		}
		open := utils.ParseFloat(parts[1])
		closePx := utils.ParseFloat(parts[2])
		high := utils.ParseFloat(parts[3])
		low := utils.ParseFloat(parts[4])
		if open == nil || closePx == nil || high == nil || low == nil {
			continue
		}

		bar := domain.Bar{
			Code:      code,
			TradeDate: parts[0],
			Open:      *open,
			Close:     *closePx,
			High:      *high,
			Low:       *low,
			Volume:    utils.ParseInt64(parts[5]),
			Source:    providers.NameEastmoney,
		}
		if len(parts) > 8 {
			bar.ChangePct = utils.ParseFloat(parts[8])
		}
		bars = append(bars, bar)
	}

	sort.Slice(bars, func(i, j int) bool { return bars[i].TradeDate < bars[j].TradeDate })
	return bars, nil
}

type clistRow struct {
	Price    interface{} `json:"f2"`
	Code     string      `json:"f12"`
	MarketID int         `json:"f13"`
	Name     string      `json:"f14"`
	Open     interface{} `json:"f17"`
	PreClose interface{} `json:"f18"`
	UpdateTs int64       `json:"f124"`
}

type clistResponse struct {
	Data *struct {
		Total int        `json:"total"`
		Diff  []clistRow `json:"diff"`
	} `json:"data"`
}

// FetchSymbols implements providers.Provider, walking the clist pages until
// the reported total is reached.
func (c *Client) FetchSymbols(ctx context.Context) ([]domain.Symbol, error) {
	var symbols []domain.Symbol
	err := c.walkClist(ctx, "f12,f13,f14", func(row clistRow) {
		code, market := c.normalizeRow(row)
		if code == "" {
			return
		}
		symbols = append(symbols, domain.Symbol{
			Code:   code,
			Name:   row.Name,
			Market: market,
			Source: providers.NameEastmoney,
		})
	})
	if err != nil {
		return nil, err
	}
	return symbols, nil
}

// FetchRealtimeQuote implements providers.RealtimeQuoter from the cached
// spot table.
func (c *Client) FetchRealtimeQuote(ctx context.Context, code string) (*domain.Quote, string, error) {
	row, err := c.spot.Lookup(ctx, code)
	if err != nil {
		return nil, "", err
	}
	if row == nil {
		return nil, "", nil
	}
	normalized, _ := domain.NormalizeCode(code)
	return &domain.Quote{
		Code:      normalized,
		Price:     row.Price,
		PreClose:  row.PreClose,
		Open:      row.Open,
		QuoteTime: row.QuoteTime,
	}, "spot", nil
}

// fetchSpotTable loads the full realtime table from the clist surface.
func (c *Client) fetchSpotTable(ctx context.Context) ([]providers.SpotRow, error) {
	var rows []providers.SpotRow
	err := c.walkClist(ctx, "f2,f12,f13,f14,f17,f18,f124", func(row clistRow) {
		code, _ := c.normalizeRow(row)
		price := utils.NumField(row.Price)
		if code == "" || price == nil {
			return // suspended symbols report "-"
		}
		spot := providers.SpotRow{
			Code:     code,
			Name:     row.Name,
			Price:    *price,
			PreClose: utils.NumField(row.PreClose),
			Open:     utils.NumField(row.Open),
		}
		if row.UpdateTs > 0 {
			spot.QuoteTime = time.Unix(row.UpdateTs, 0).In(domain.BeijingTZ).Format("2006-01-02 15:04:05")
		}
		rows = append(rows, spot)
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// normalizeRow trusts the vendor's Shanghai flag and derives the rest from
// the code itself (Shenzhen and Beijing share flag 0).
func (c *Client) normalizeRow(row clistRow) (string, domain.Market) {
	pure := strings.TrimSpace(row.Code)
	if pure == "" {
		return "", domain.MarketUnknown
	}
	if row.MarketID == 1 {
		return pure + ".SH", domain.MarketSH
	}
	return domain.NormalizeCode(pure)
}

func (c *Client) walkClist(ctx context.Context, fields string, visit func(clistRow)) error {
	seen := 0
	for page := 1; page <= clistMaxPages; page++ {
		params := url.Values{}
		params.Set("pn", fmt.Sprintf("%d", page))
		params.Set("pz", fmt.Sprintf("%d", clistPageSize))
		params.Set("po", "1")
		params.Set("np", "1")
		params.Set("fltt", "2")
		params.Set("invt", "2")
		params.Set("fid", "f12")
		params.Set("fs", clistBoards)
		params.Set("fields", fields)

		var resp clistResponse
		if err := c.getJSON(ctx, c.clistURL+"?"+params.Encode(), &resp); err != nil {
			return err
		}
		if resp.Data == nil || len(resp.Data.Diff) == 0 {
			return nil
		}

		for _, row := range resp.Data.Diff {
			visit(row)
		}
		seen += len(resp.Data.Diff)
		if seen >= resp.Data.Total {
			return nil
		}
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, rawURL string, out interface{}) error {
	if err := c.limiter.Wait(ctx, providers.NameEastmoney); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Referer", referer)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(body, 200))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	s := string(b)
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
