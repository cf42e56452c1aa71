package proapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cnquant/marketd/internal/domain"
)

type apiRequest struct {
	APIName string                 `json:"api_name"`
	Token   string                 `json:"token"`
	Params  map[string]interface{} `json:"params"`
	Fields  string                 `json:"fields"`
}

func decodeRequest(t *testing.T, r *http.Request) apiRequest {
	t.Helper()
	var req apiRequest
	require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
	return req
}

func writeResponse(t *testing.T, w http.ResponseWriter, fields []string, items ...[]interface{}) {
	t.Helper()
	if items == nil {
		items = [][]interface{}{}
	}
	require.NoError(t, json.NewEncoder(w).Encode(map[string]interface{}{
		"code": 0,
		"msg":  nil,
		"data": map[string]interface{}{"fields": fields, "items": items},
	}))
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c, err := NewClient("test-token", nil, zerolog.Nop())
	require.NoError(t, err)
	c.apiURL = server.URL
	return c
}

func TestNewClientRejectsInvalidTokens(t *testing.T) {
	for _, token := range []string{
		"",
		"   ",
		"uid=12345abc",
		"xq_a_token=abc; username=foo@bar",
		"a;b",
		"username=someone",
	} {
		_, err := NewClient(token, nil, zerolog.Nop())
		require.Error(t, err, "token %q", token)
		assert.EqualError(t, err, "tushare token invalid")
	}

	c, err := NewClient("0123456789abcdef0123456789abcdef", nil, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "pro_api", c.Name())
}

func TestFetchSymbolsViaStockBasic(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		assert.Equal(t, "stock_basic", req.APIName)
		assert.Equal(t, "test-token", req.Token)
		assert.Equal(t, "L", req.Params["list_status"])
		assert.Equal(t, "ts_code,name", req.Fields)

		writeResponse(t, w, []string{"ts_code", "name"},
			[]interface{}{"600000.SH", "浦发银行"},
			[]interface{}{"920368.BJ", "润农节水"},
			[]interface{}{"T00018", "weird listing"},
		)
	})

	c := newTestClient(t, handler)
	symbols, err := c.FetchSymbols(context.Background())
	require.NoError(t, err)
	require.Len(t, symbols, 2)

	assert.Equal(t, "600000.SH", symbols[0].Code)
	assert.Equal(t, "浦发银行", symbols[0].Name)
	assert.Equal(t, domain.MarketSH, symbols[0].Market)
	assert.Equal(t, "pro_api", symbols[0].Source)
	assert.Equal(t, domain.MarketBJ, symbols[1].Market)
}

func TestFetchStockHistoryUnadjustedIsOneCall(t *testing.T) {
	var calls []string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		calls = append(calls, req.APIName)
		assert.Equal(t, "600000.SH", req.Params["ts_code"])
		assert.Equal(t, "20240601", req.Params["start_date"])
		assert.Equal(t, "20240605", req.Params["end_date"])

		// Vendor answers newest-first.
		writeResponse(t, w, []string{"ts_code", "trade_date", "open", "high", "low", "close", "pct_chg", "vol"},
			[]interface{}{"600000.SH", "20240604", 10.2, 10.8, 10.15, 10.71, 5.0, 98765.0},
			[]interface{}{"600000.SH", "20240603", 10.0, 10.3, 9.9, 10.2, 2.0, 123456.4},
		)
	})

	c := newTestClient(t, handler)
	bars, err := c.FetchStockHistory(context.Background(), "600000.SH", "2024-06-01", "2024-06-05", "none")
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, []string{"daily"}, calls)

	assert.Equal(t, "2024-06-03", bars[0].TradeDate)
	assert.Equal(t, "2024-06-04", bars[1].TradeDate)
	assert.Equal(t, 10.2, bars[0].Close)
	require.NotNil(t, bars[0].ChangePct)
	assert.Equal(t, 2.0, *bars[0].ChangePct)
	require.NotNil(t, bars[0].Volume)
	assert.Equal(t, int64(123456), *bars[0].Volume)
	assert.Equal(t, "pro_api", bars[0].Source)
}

func adjustHandler(t *testing.T) (http.Handler, *[]string) {
	calls := &[]string{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		*calls = append(*calls, req.APIName)
		switch req.APIName {
		case "daily":
			writeResponse(t, w, []string{"ts_code", "trade_date", "open", "high", "low", "close", "pct_chg", "vol"},
				[]interface{}{"600000.SH", "20240604", 5.0, 5.2, 4.9, 5.1, nil, 200.0},
				[]interface{}{"600000.SH", "20240603", 9.8, 10.1, 9.7, 10.0, nil, 100.0},
			)
		case "adj_factor":
			_, hasEnd := req.Params["end_date"]
			assert.False(t, hasEnd, "factor series must stay open-ended")
			assert.Equal(t, "20240603", req.Params["start_date"])
			writeResponse(t, w, []string{"ts_code", "trade_date", "adj_factor"},
				[]interface{}{"600000.SH", "20240604", 2.0},
				[]interface{}{"600000.SH", "20240603", 1.0},
			)
		default:
			t.Fatalf("unexpected api %q", req.APIName)
		}
	})
	return handler, calls
}

func TestFetchStockHistoryComposesForwardAdjust(t *testing.T) {
	handler, calls := adjustHandler(t)
	c := newTestClient(t, handler)

	bars, err := c.FetchStockHistory(context.Background(), "600000.SH", "2024-06-03", "2024-06-04", "qfq")
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, []string{"daily", "adj_factor"}, *calls)

	// factor/latest: 10.0×1.0/2.0 then 5.1×2.0/2.0
	assert.Equal(t, 5.0, bars[0].Close)
	assert.Equal(t, 5.1, bars[1].Close)
	assert.Equal(t, 4.9, bars[0].Open)
}

func TestFetchStockHistoryComposesBackwardAdjust(t *testing.T) {
	handler, _ := adjustHandler(t)
	c := newTestClient(t, handler)

	bars, err := c.FetchStockHistory(context.Background(), "600000.SH", "2024-06-03", "2024-06-04", "hfq")
	require.NoError(t, err)
	require.Len(t, bars, 2)

	// factor only: 10.0×1.0 then 5.1×2.0
	assert.Equal(t, 10.0, bars[0].Close)
	assert.Equal(t, 10.2, bars[1].Close)
}

func TestFetchIndexHistoryUsesIndexDaily(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		assert.Equal(t, "index_daily", req.APIName)
		assert.Equal(t, "000300.SH", req.Params["ts_code"])

		writeResponse(t, w, []string{"ts_code", "trade_date", "open", "high", "low", "close", "pct_chg", "vol"},
			[]interface{}{"000300.SH", "20240604", 3500.0, 3520.0, 3480.0, 3510.0, 0.5, 1000000.0},
		)
	})

	c := newTestClient(t, handler)
	bars, err := c.FetchIndexHistory(context.Background(), "2024-06-01", "2024-06-05")
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, domain.HS300IndexCode, bars[0].Code)
	assert.Equal(t, 3510.0, bars[0].Close)
}

func TestFetchDailyByDateBatchesWholeMarket(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		assert.Equal(t, "daily", req.APIName)
		assert.Equal(t, "20240605", req.Params["trade_date"])
		_, hasCode := req.Params["ts_code"]
		assert.False(t, hasCode)

		writeResponse(t, w, []string{"ts_code", "trade_date", "open", "high", "low", "close", "pct_chg", "vol"},
			[]interface{}{"600000.SH", "20240605", 10.0, 10.3, 9.9, 10.2, 2.0, 100.0},
			[]interface{}{"920368.BJ", "20240605", 8.0, 8.2, 7.9, 8.1, 1.0, 50.0},
		)
	})

	c := newTestClient(t, handler)
	bars, err := c.FetchDailyByDate(context.Background(), "2024-06-05")
	require.NoError(t, err)
	require.Len(t, bars, 2)

	codes := []string{bars[0].Code, bars[1].Code}
	assert.ElementsMatch(t, []string{"600000.SH", "920368.BJ"}, codes)
	assert.Equal(t, "2024-06-05", bars[0].TradeDate)
}

func TestVendorErrorSurfacesMessage(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":40203,"msg":"抱歉，您每分钟最多访问该接口500次","data":null}`))
	})

	c := newTestClient(t, handler)
	_, err := c.FetchStockHistory(context.Background(), "600000.SH", "2024-06-01", "2024-06-05", "none")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "每分钟最多")
	assert.Contains(t, err.Error(), "40203")
}

func TestFetchRealtimeQuoteFallsThroughPaths(t *testing.T) {
	var calls []string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		calls = append(calls, req.APIName)
		switch req.APIName {
		case "rt_min":
			w.Write([]byte(`{"code":40001,"msg":"no permission","data":null}`))
		case "stk_mins":
			writeResponse(t, w, []string{"trade_time", "close"})
		case "realtime_quote":
			writeResponse(t, w, []string{"name", "ts_code", "date", "time", "open", "pre_close", "price"},
				[]interface{}{"浦发银行", "600000.SH", "20240605", "15:00:59", 10.1, 10.05, 10.2},
			)
		default:
			t.Fatalf("unexpected api %q", req.APIName)
		}
	})

	c := newTestClient(t, handler)
	quote, path, err := c.FetchRealtimeQuote(context.Background(), "600000.SH")
	require.NoError(t, err)
	require.NotNil(t, quote)

	assert.Equal(t, []string{"rt_min", "stk_mins", "realtime_quote"}, calls)
	assert.Equal(t, "realtime_quote", path)
	assert.Equal(t, 10.2, quote.Price)
	require.NotNil(t, quote.PreClose)
	assert.Equal(t, 10.05, *quote.PreClose)
	assert.Equal(t, "2024-06-05 15:00:59", quote.QuoteTime)
}

func TestFetchRealtimeQuotePicksNewestMinuteBar(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		require.Equal(t, "rt_min", req.APIName)
		assert.Equal(t, "1min", req.Params["freq"])

		writeResponse(t, w, []string{"trade_time", "close"},
			[]interface{}{"2024-06-05 15:00:00", 10.2},
			[]interface{}{"2024-06-05 14:59:00", 10.1},
		)
	})

	c := newTestClient(t, handler)
	quote, path, err := c.FetchRealtimeQuote(context.Background(), "600000")
	require.NoError(t, err)
	require.NotNil(t, quote)

	assert.Equal(t, "rt_min", path)
	assert.Equal(t, "600000.SH", quote.Code)
	assert.Equal(t, 10.2, quote.Price)
	assert.Nil(t, quote.PreClose)
	assert.Equal(t, "2024-06-05 15:00:00", quote.QuoteTime)
}

func TestMarketsIncludeBeijing(t *testing.T) {
	c, err := NewClient("test-token", nil, zerolog.Nop())
	require.NoError(t, err)
	assert.Contains(t, c.Markets(), domain.MarketBJ)
}
