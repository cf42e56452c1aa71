// Package sina adapts the Sina finance quote APIs to the provider
// contract. Daily bars come from the CN_MarketDataService kline endpoint;
// the realtime spot table is assembled from batched hq.sinajs.cn lookups
// over the symbols the daemon already knows.
package sina

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
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
	defaultKlineURL = "https://money.finance.sina.com.cn/quotes_service/api/json_v2.php/CN_MarketDataService.getKLineData"
	defaultSpotURL  = "https://hq.sinajs.cn/list="

	referer   = "https://finance.sina.com.cn"
	userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

	spotBatchSize = 300
	maxDatalen    = 10000
)

// CodesFunc supplies the normalized codes whose spot rows are worth
// fetching.
type CodesFunc func(ctx context.Context) ([]string, error)

// Client talks to Sina. Safe for concurrent use.
//
// The kline endpoint has no adjust parameter and counts bars backwards
// from the current session, so the adapter over-fetches and filters to the
// requested window itself.
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

// NewClient creates a Sina adapter. codes may be nil, which leaves the
// spot table empty until symbols are known.
func NewClient(cacheDir string, spotTTL time.Duration, codes CodesFunc, limiter *providers.RateLimiter, log zerolog.Logger) *Client {
	c := &Client{
		klineURL:   defaultKlineURL,
		spotURL:    defaultSpotURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		limiter:    limiter,
		codes:      codes,
		log:        log.With().Str("client", "sina").Logger(),
	}
	c.spot = providers.NewSpotCache(providers.NameSina, cacheDir, spotTTL, c.fetchSpotTable, log)
	return c
}

// Name implements providers.Provider.
func (c *Client) Name() string { return providers.NameSina }

// Markets implements providers.Provider. Sina does not serve Beijing
// listings.
func (c *Client) Markets() []domain.Market {
	return []domain.Market{domain.MarketSH, domain.MarketSZ}
}

func vendorSymbol(code string) string {
	return strings.ToLower(string(domain.MarketOf(code))) + domain.PureCode(code)
}

type klineEntry struct {
	Day    string `json:"day"`
	Open   string `json:"open"`
	High   string `json:"high"`
	Low    string `json:"low"`
	Close  string `json:"close"`
	Volume string `json:"volume"`
}

// FetchSymbols implements providers.Provider. Sina has no listing surface,
// so the answer is always an empty window and the router moves on.
func (c *Client) FetchSymbols(ctx context.Context) ([]domain.Symbol, error) {
	return nil, nil
}

// FetchStockHistory implements providers.Provider.
func (c *Client) FetchStockHistory(ctx context.Context, code, start, end, adjust string) ([]domain.Bar, error) {
	normalized, _ := domain.NormalizeCode(code)
	return c.fetchKlines(ctx, normalized, vendorSymbol(normalized), start, end)
}

// FetchIndexHistory implements providers.Provider.
func (c *Client) FetchIndexHistory(ctx context.Context, start, end string) ([]domain.Bar, error) {
	return c.fetchKlines(ctx, domain.HS300IndexCode, "sh000300", start, end)
}

func (c *Client) fetchKlines(ctx context.Context, code, symbol, start, end string) ([]domain.Bar, error) {
	rawURL := fmt.Sprintf("%s?symbol=%s&scale=240&ma=no&datalen=%d", c.klineURL, symbol, datalenFor(start))

	body, err := c.get(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	var entries []klineEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	bars := make([]domain.Bar, 0, len(entries))
	var prevClose *float64
	for _, e := range entries {
		day := e.Day
		if len(day) > 10 {
			day = day[:10]
		}

		open := utils.ParseFloat(e.Open)
		closePx := utils.ParseFloat(e.Close)
		high := utils.ParseFloat(e.High)
		low := utils.ParseFloat(e.Low)
		if open == nil || closePx == nil || high == nil || low == nil {
			continue
		}
		if day < start || day > end {
			prevClose = closePx
			continue
		}

		bars = append(bars, domain.Bar{
			Code:      code,
			TradeDate: day,
			Open:      *open,
			Close:     *closePx,
			High:      *high,
			Low:       *low,
			ChangePct: domain.ChangePct(*closePx, prevClose),
			Volume:    utils.ParseInt64(e.Volume),
			Source:    providers.NameSina,
		})
		prevClose = closePx
	}

	sort.Slice(bars, func(i, j int) bool { return bars[i].TradeDate < bars[j].TradeDate })
	return bars, nil
}

// datalenFor sizes the backwards-counting fetch so it reaches the window
// start.
func datalenFor(start string) int {
	s, err := utils.ParseDate(start)
	if err != nil {
		return maxDatalen
	}
	days := int(domain.NowBeijing().Sub(s).Hours()/24) + 10
	if days < 10 {
		days = 10
	}
	if days > maxDatalen {
		days = maxDatalen
	}
	return days
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

// parseSpotRecords decodes var hq_str_sh600000="..." record lines. Names
// stay in the vendor's encoding, passed through as-is.
func parseSpotRecords(body []byte) []providers.SpotRow {
	var rows []providers.SpotRow
	for _, line := range strings.Split(string(body), ";") {
		line = strings.TrimSpace(line)
		const prefix = "var hq_str_"
		eq := strings.Index(line, "=")
		if !strings.HasPrefix(line, prefix) || eq < 0 {
			continue
		}

		symbol := line[len(prefix):eq]
		if len(symbol) < 3 {
			continue
		}
		code, market := domain.NormalizeCode(symbol[2:])
		if market == domain.MarketUnknown {
			continue
		}

		// name, open, pre-close, price, high, low, ..., date(30), time(31)
		fields := strings.Split(strings.Trim(line[eq+1:], `"`), ",")
		if len(fields) < 6 {
			continue
		}
		price := utils.ParseFloat(fields[3])
		if price == nil || *price == 0 {
			continue
		}

		row := providers.SpotRow{
			Code:     code,
			Name:     fields[0],
			Price:    *price,
			Open:     utils.ParseFloat(fields[1]),
			PreClose: utils.ParseFloat(fields[2]),
		}
		if len(fields) > 31 {
			row.QuoteTime = fields[30] + " " + fields[31]
		}
		rows = append(rows, row)
	}
	return rows
}

func (c *Client) get(ctx context.Context, rawURL string) ([]byte, error) {
	if err := c.limiter.Wait(ctx, providers.NameSina); err != nil {
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
