package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/cnquant/marketd/internal/domain"
	syncsvc "github.com/cnquant/marketd/internal/modules/sync"
)

const (
	defaultQuoteInterval = 5 * time.Second
	maxStreamCodes       = 50
	wsWriteTimeout       = 5 * time.Second
)

// QuoteStreamHandler pushes realtime quotes over a WebSocket at a fixed
// interval. Quotes come through the realtime failover router, so provider
// cooldowns apply to streams the same as to single lookups.
type QuoteStreamHandler struct {
	quotes  QuoteService
	closing <-chan struct{}
	log     zerolog.Logger
}

// NewQuoteStreamHandler creates the WebSocket quote handler.
func NewQuoteStreamHandler(quotes QuoteService, closing <-chan struct{}, log zerolog.Logger) *QuoteStreamHandler {
	return &QuoteStreamHandler{
		quotes:  quotes,
		closing: closing,
		log:     log.With().Str("component", "quotes_stream").Logger(),
	}
}

// ServeHTTP validates ?codes= before upgrading so bad requests get a plain
// 400 instead of a WebSocket close frame.
func (h *QuoteStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	codes, err := parseStreamCodes(r.URL.Query().Get("codes"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	interval := defaultQuoteInterval
	if raw := r.URL.Query().Get("interval_seconds"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 60 {
			http.Error(w, "interval_seconds must be between 1 and 60", http.StatusBadRequest)
			return
		}
		interval = time.Duration(n) * time.Second
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream ended")

	// CloseRead cancels the context when the client disconnects. No
	// client-to-server messages are expected on this stream.
	ctx := conn.CloseRead(r.Context())

	h.log.Debug().Strs("codes", codes).Dur("interval", interval).Msg("Quote stream opened")

	if err := h.write(ctx, conn, map[string]interface{}{
		"type":             "subscribed",
		"codes":            codes,
		"interval_seconds": int(interval / time.Second),
	}); err != nil {
		return
	}

	if err := h.pushQuotes(ctx, conn, codes); err != nil {
		h.logStreamEnd(err)
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.closing:
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case <-ticker.C:
			if err := h.pushQuotes(ctx, conn, codes); err != nil {
				h.logStreamEnd(err)
				return
			}
		}
	}
}

func (h *QuoteStreamHandler) pushQuotes(ctx context.Context, conn *websocket.Conn, codes []string) error {
	quotes := make([]syncsvc.QuoteResult, 0, len(codes))
	for _, code := range codes {
		quotes = append(quotes, h.quotes.FetchRealtimePrice(ctx, code))
	}
	return h.write(ctx, conn, map[string]interface{}{
		"type":      "quotes",
		"timestamp": time.Now().Format(time.RFC3339),
		"quotes":    quotes,
	})
}

func (h *QuoteStreamHandler) write(ctx context.Context, conn *websocket.Conn, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func (h *QuoteStreamHandler) logStreamEnd(err error) {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return
	}
	h.log.Debug().Err(err).Msg("Quote stream ended")
}

func parseStreamCodes(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("codes query parameter is required")
	}

	seen := make(map[string]bool)
	var codes []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		code, mkt := domain.NormalizeCode(part)
		if mkt == domain.MarketUnknown {
			return nil, fmt.Errorf("unrecognized stock code %q", part)
		}
		if seen[code] {
			continue
		}
		seen[code] = true
		codes = append(codes, code)
	}
	if len(codes) == 0 {
		return nil, fmt.Errorf("codes query parameter is required")
	}
	if len(codes) > maxStreamCodes {
		return nil, fmt.Errorf("too many codes, limit is %d", maxStreamCodes)
	}
	return codes, nil
}
