// Package tencent adapts the Tencent ifzq/qt quote APIs to the provider
// contract. Daily bars come from the fqkline JSONP endpoint; the realtime
// spot table is assembled from batched qt.gtimg.cn lookups over the
// symbols the daemon already knows.
package tencent

import (
	"bytes"
	"context"
	"encoding/json"
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
	defaultKlineURL = "https://ifzq.gtimg.cn/appstock/app/fqkline/get"
	defaultSpotURL  = "https://qt.gtimg.cn/q="

	referer   = "https://gu.qq.com"
	userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

	spotBatchSize = 400
	maxKlineCount = 20000
)

// CodesFunc supplies the normalized codes whose spot rows are worth
// fetching. Vendors without a full-table endpoint build their table from
// this list.
type CodesFunc func(ctx context.Context) ([]string, error)

// Client talks to Tencent. Safe for concurrent use.
type Client struct {
	klineURL   string
	spotURL    string
	httpClient *http.Client
	limiter    *providers.RateLimiter
	spot       *providers.SpotCache
	codes      CodesFunc
	log        zerolog.Logger
}

var _ providers.Provider = (*Client)(nil)
var _ providers.RealtimeQuoter = (*Client)(nil)

// NewClient creates a Tencent adapter. codes may be nil, which leaves the
// spot table empty until symbols are known.
func NewClient(cacheDir string, spotTTL time.Duration, codes CodesFunc, limiter *providers.RateLimiter, log zerolog.Logger) *Client {
	c := &Client{
		klineURL:   defaultKlineURL,
		spotURL:    defaultSpotURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		limiter:    limiter,
		codes:      codes,
		log:        log.With().Str("client", "tencent").Logger(),
	}
	c.spot = providers.NewSpotCache(providers.NameTencent, cacheDir, spotTTL, c.fetchSpotTable, log)
	return c
}

// Name implements providers.Provider.
func (c *Client) Name() string { return providers.NameTencent }

// Markets implements providers.Provider. Tencent does not serve Beijing
// listings.
func (c *Client) Markets() []domain.Market {
	return []domain.Market{domain.MarketSH, domain.MarketSZ}
}

// vendorSymbol is Tencent's lowercased exchange-prefixed form, sh600000.
func vendorSymbol(code string) string {
	return strings.ToLower(string(domain.MarketOf(code))) + domain.PureCode(code)
}

// klineKeys returns the fq parameter and the data keys to probe, most
// specific first.
func klineKeys(adjust string) (string, []string) {
	switch domain.Adjust(adjust) {
	case domain.AdjustQFQ:
		return "qfq", []string{"qfqday", "day"}
	case domain.AdjustHFQ:
		return "hfq", []string{"hfqday", "day"}
	default:
		return "", []string{"day"}
	}
}

type klineResponse struct {
	Code int                        `json:"code"`
	Msg  string                     `json:"msg"`
	Data map[string]json.RawMessage `json:"data"`
}

// FetchSymbols implements providers.Provider. Tencent has no listing
// surface, so the answer is always an empty window and the router moves on.
func (c *Client) FetchSymbols(ctx context.Context) ([]domain.Symbol, error) {
	return nil, nil
}

// FetchStockHistory implements providers.Provider.
func (c *Client) FetchStockHistory(ctx context.Context, code, start, end, adjust string) ([]domain.Bar, error) {
	normalized, _ := domain.NormalizeCode(code)
	return c.fetchKlines(ctx, normalized, vendorSymbol(normalized), start, end, adjust)
}

// FetchIndexHistory implements providers.Provider. Index levels are never
// adjusted.
func (c *Client) FetchIndexHistory(ctx context.Context, start, end string) ([]domain.Bar, error) {
	return c.fetchKlines(ctx, domain.HS300IndexCode, "sh000300", start, end, string(domain.AdjustNone))
}

func (c *Client) fetchKlines(ctx context.Context, code, symbol, start, end, adjust string) ([]domain.Bar, error) {
	fq, keys := klineKeys(adjust)

	count := maxKlineCount
	if days, err := utils.DatesBetween(start, end); err == nil && len(days) < count {
		count = len(days)
	}

	rawURL := fmt.Sprintf("%s?_var=kline_day%s&param=%s,day,%s,%s,%d,%s", c.klineURL, fq, symbol, start, end, count, fq)

	body, err := c.get(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	var resp klineResponse
	if err := json.Unmarshal(stripJSONP(body), &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if resp.Code != 0 {
		return nil, fmt.Errorf("vendor error %d: %s", resp.Code, resp.Msg)
	}

	raw, ok := resp.Data[symbol]
	if !ok {
		return nil, nil
	}
	var series map[string]json.RawMessage
	if err := json.Unmarshal(raw, &series); err != nil {
		return nil, fmt.Errorf("failed to decode symbol payload: %w", err)
	}

	var rows [][]interface{}
	for _, key := range keys {
		entry, ok := series[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(entry, &rows); err != nil {
			return nil, fmt.Errorf("failed to decode kline rows: %w", err)
		}
		break
	}

	bars := make([]domain.Bar, 0, len(rows))
	var prevClose *float64
	for _, row := range rows {
		// [date, open, close, high, low, volume]
		if len(row) < 6 {
			continue
		}
		open := utils.NumField(row[1])
		closePx := utils.NumField(row[2])
		high := utils.NumField(row[3])
		low := utils.NumField(row[4])
		if open == nil || closePx == nil || high == nil || low == nil {
			continue
		}

		var volume *int64
		if v := utils.NumField(row[5]); v != nil {
			n := int64(math.Round(*v))
			volume = &n
		}

		bars = append(bars, domain.Bar{
			Code:      code,
			TradeDate: utils.StrField(row[0]),
			Open:      *open,
			Close:     *closePx,
			High:      *high,
			Low:       *low,
			ChangePct: domain.ChangePct(*closePx, prevClose),
			Volume:    volume,
			Source:    providers.NameTencent,
		})
		prevClose = closePx
	}

	sort.Slice(bars, func(i, j int) bool { return bars[i].TradeDate < bars[j].TradeDate })
	return bars, nil
}

// FetchRealtimeQuote implements providers.RealtimeQuoter from the cached
// spot table.
func (c *Client) FetchRealtimeQuote(ctx context.Context, code string) (*domain.Quote, string, error) {
	if domain.MarketOf(code) == domain.MarketBJ {
		return nil, "", nil
	}
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

// fetchSpotTable loads quote records for every known SH/SZ symbol in
// batches.
func (c *Client) fetchSpotTable(ctx context.Context) ([]providers.SpotRow, error) {
	if c.codes == nil {
		return nil, nil
	}
	codes, err := c.codes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list codes for spot table: %w", err)
	}

	symbols := make([]string, 0, len(codes))
	for _, code := range codes {
		market := domain.MarketOf(code)
		if market != domain.MarketSH && market != domain.MarketSZ {
			continue
		}
		symbols = append(symbols, vendorSymbol(code))
	}

	var rows []providers.SpotRow
	for start := 0; start < len(symbols); start += spotBatchSize {
		stop := start + spotBatchSize
		if stop > len(symbols) {
			stop = len(symbols)
		}

		body, err := c.get(ctx, c.spotURL+strings.Join(symbols[start:stop], ","))
		if err != nil {
			return nil, err
		}
		rows = append(rows, parseSpotRecords(body)...)
	}
	return rows, nil
}

// parseSpotRecords decodes the v_sh600000="..." record lines. Names stay
// in the vendor's encoding, passed through as-is.
func parseSpotRecords(body []byte) []providers.SpotRow {
	var rows []providers.SpotRow
	for _, line := range strings.Split(string(body), ";") {
		line = strings.TrimSpace(line)
		eq := strings.Index(line, "=")
		if !strings.HasPrefix(line, "v_") || eq < 0 {
			continue
		}

		fields := strings.Split(strings.Trim(line[eq+1:], `"`), "~")
		// 1 name, 2 pure code, 3 price, 4 pre-close, 5 open, 30 timestamp
		if len(fields) < 6 {
			continue
		}
		code, market := domain.NormalizeCode(fields[2])
		price := utils.ParseFloat(fields[3])
		if market == domain.MarketUnknown || price == nil || *price == 0 {
			continue
		}

		row := providers.SpotRow{
			Code:     code,
			Name:     fields[1],
			Price:    *price,
			PreClose: utils.ParseFloat(fields[4]),
			Open:     utils.ParseFloat(fields[5]),
		}
		if len(fields) > 30 {
			row.QuoteTime = formatQuoteTime(fields[30])
		}
		rows = append(rows, row)
	}
	return rows
}

// formatQuoteTime converts 20240605150059 to 2024-06-05 15:00:59.
func formatQuoteTime(s string) string {
	if len(s) != 14 {
		return s
	}
	return fmt.Sprintf("%s-%s-%s %s:%s:%s", s[0:4], s[4:6], s[6:8], s[8:10], s[10:12], s[12:14])
}

// stripJSONP removes the _var=...= assignment prefix and trailing
// semicolon.
func stripJSONP(body []byte) []byte {
	if i := bytes.IndexByte(body, '='); i >= 0 {
		body = body[i+1:]
	}
	return bytes.TrimSuffix(bytes.TrimSpace(body), []byte(";"))
}

func (c *Client) get(ctx context.Context, rawURL string) ([]byte, error) {
	if err := c.limiter.Wait(ctx, providers.NameTencent); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Referer", referer)

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
	return body, nil
}
