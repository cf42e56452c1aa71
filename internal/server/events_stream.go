package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cnquant/marketd/internal/events"
)

// streamedEvents is every bus event a client may subscribe to.
var streamedEvents = []events.EventType{
	events.SyncStarted,
	events.SyncCompleted,
	events.BackfillProgress,
	events.PriceUpdated,
	events.QuoteFetched,
	events.ProviderDisabled,
	events.ProviderRecovered,
	events.SettingsChanged,
	events.MaintenanceCompleted,
	events.BackupCompleted,
	events.SystemStatusChanged,
	events.LogFileChanged,
	events.ErrorOccurred,
}

// EventsStreamHandler pushes bus events to clients over Server-Sent Events.
type EventsStreamHandler struct {
	bus     *events.Bus
	dataDir string
	closing <-chan struct{}
	log     zerolog.Logger
}

// NewEventsStreamHandler creates the SSE handler. closing ends every open
// stream when the server shuts down.
func NewEventsStreamHandler(bus *events.Bus, dataDir string, closing <-chan struct{}, log zerolog.Logger) *EventsStreamHandler {
	return &EventsStreamHandler{
		bus:     bus,
		dataDir: dataDir,
		closing: closing,
		log:     log.With().Str("component", "events_stream").Logger(),
	}
}

// ServeHTTP streams bus events as SSE. ?types=A,B filters to the named
// event types; ?watch_log=1 additionally polls the log file and emits
// LOG_FILE_CHANGED when it grows.
func (h *EventsStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	allowed := parseTypesFilter(r.URL.Query().Get("types"))

	// Buffered so slow clients drop events instead of blocking the bus.
	eventChan := make(chan events.Event, 100)
	handler := func(e *events.Event) {
		select {
		case eventChan <- *e:
		default:
			h.log.Warn().Str("type", string(e.Type)).Msg("Event stream buffer full, dropping event")
		}
	}

	type subRef struct {
		t  events.EventType
		id int64
	}
	var subs []subRef
	for _, t := range streamedEvents {
		if allowed != nil && !allowed[t] {
			continue
		}
		subs = append(subs, subRef{t: t, id: h.bus.Subscribe(t, handler)})
	}
	defer func() {
		for _, s := range subs {
			h.bus.Unsubscribe(s.t, s.id)
		}
	}()

	watchLog := r.URL.Query().Get("watch_log")
	if watchLog == "1" || strings.EqualFold(watchLog, "true") {
		stop := make(chan struct{})
		defer close(stop)
		go h.watchLogFile(eventChan, stop)
	}

	fmt.Fprintf(w, "data: %s\n\n", encodeEvent(events.Event{
		Type:      "connected",
		Module:    "server",
		Timestamp: time.Now(),
	}))
	flusher.Flush()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.closing:
			return
		case e := <-eventChan:
			fmt.Fprintf(w, "data: %s\n\n", encodeEvent(e))
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprintf(w, "data: %s\n\n", encodeEvent(events.Event{
				Type:      "heartbeat",
				Module:    "server",
				Timestamp: time.Now(),
			}))
			flusher.Flush()
		}
	}
}

// parseTypesFilter returns nil for "stream everything".
func parseTypesFilter(raw string) map[events.EventType]bool {
	if raw == "" {
		return nil
	}
	allowed := make(map[events.EventType]bool)
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToUpper(strings.TrimSpace(part))
		if part != "" {
			allowed[events.EventType(part)] = true
		}
	}
	return allowed
}

// watchLogFile polls the daemon log and reports growth as events on the
// connection's own channel. Runs per connection, so each watcher stops
// with its stream.
func (h *EventsStreamHandler) watchLogFile(eventChan chan<- events.Event, stop <-chan struct{}) {
	logPath := filepath.Join(h.dataDir, "logs", "marketd.log")

	var lastMod time.Time
	var lastSize int64
	if info, err := os.Stat(logPath); err == nil {
		lastMod = info.ModTime()
		lastSize = info.Size()
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			info, err := os.Stat(logPath)
			if err != nil {
				continue
			}
			if info.ModTime().Equal(lastMod) && info.Size() == lastSize {
				continue
			}
			lastMod = info.ModTime()
			lastSize = info.Size()

			e := events.Event{
				Type:      events.LogFileChanged,
				Module:    "server",
				Timestamp: time.Now(),
				Data: map[string]interface{}{
					"path": logPath,
					"size": info.Size(),
				},
			}
			select {
			case eventChan <- e:
			default:
			}
		}
	}
}

func encodeEvent(e events.Event) []byte {
	data, err := json.Marshal(e)
	if err != nil {
		fallback, _ := json.Marshal(map[string]string{"type": "error", "error": err.Error()})
		return fallback
	}
	return data
}
