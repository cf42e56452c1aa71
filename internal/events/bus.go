// Package events provides the in-process event bus and typed event payloads.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType identifies a class of event on the bus.
type EventType string

const (
	// SyncStarted fires when a sync run begins.
	SyncStarted EventType = "SYNC_STARTED"
	// SyncCompleted fires when a sync run finishes, success or not.
	SyncCompleted EventType = "SYNC_COMPLETED"
	// BackfillProgress fires periodically during a historical backfill.
	BackfillProgress EventType = "BACKFILL_PROGRESS"
	// PriceUpdated fires after daily bars are upserted.
	PriceUpdated EventType = "PRICE_UPDATED"
	// QuoteFetched fires after a realtime quote lookup succeeds.
	QuoteFetched EventType = "QUOTE_FETCHED"
	// ProviderDisabled fires when a provider's circuit opens.
	ProviderDisabled EventType = "PROVIDER_DISABLED"
	// ProviderRecovered fires when a provider becomes routable again.
	ProviderRecovered EventType = "PROVIDER_RECOVERED"
	// SettingsChanged fires when runtime settings are updated.
	SettingsChanged EventType = "SETTINGS_CHANGED"
	// MaintenanceCompleted fires after a maintenance pass.
	MaintenanceCompleted EventType = "MAINTENANCE_COMPLETED"
	// BackupCompleted fires after a backup upload.
	BackupCompleted EventType = "BACKUP_COMPLETED"
	// SystemStatusChanged fires when overall daemon status changes.
	SystemStatusChanged EventType = "SYSTEM_STATUS_CHANGED"
	// LogFileChanged fires when a watched log file is modified.
	LogFileChanged EventType = "LOG_FILE_CHANGED"
	// ErrorOccurred fires for errors worth surfacing to stream clients.
	ErrorOccurred EventType = "ERROR_OCCURRED"
)

// Event is one occurrence delivered to subscribers.
type Event struct {
	Type      EventType              `json:"type"`
	Module    string                 `json:"module"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Handler receives events. Handlers run synchronously on the emitter's
// goroutine; long work belongs elsewhere.
type Handler func(*Event)

type subscription struct {
	id int64
	fn Handler
}

// Bus is a simple synchronous publish/subscribe bus.
type Bus struct {
	handlers map[EventType][]subscription
	nextID   int64
	mu       sync.RWMutex
	log      zerolog.Logger
}

// NewBus creates an event bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[EventType][]subscription),
		log:      log.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe registers a handler for one event type. The returned id lets
// transient subscribers, such as stream connections, remove themselves
// with Unsubscribe; long-lived subscribers can ignore it.
func (b *Bus) Subscribe(t EventType, h Handler) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.handlers[t] = append(b.handlers[t], subscription{id: b.nextID, fn: h})
	return b.nextID
}

// Unsubscribe removes a handler registered with Subscribe. Unknown ids
// are ignored.
func (b *Bus) Unsubscribe(t EventType, id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.handlers[t]
	for i, sub := range subs {
		if sub.id == id {
			b.handlers[t] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Emit delivers an event to all handlers subscribed to its type.
// A panicking handler is recovered and logged; remaining handlers still run.
func (b *Bus) Emit(t EventType, module string, data map[string]interface{}) {
	event := &Event{
		Type:      t,
		Module:    module,
		Timestamp: time.Now(),
		Data:      data,
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.handlers[t]))
	copy(subs, b.handlers[t])
	b.mu.RUnlock()

	for _, sub := range subs {
		b.dispatch(event, sub.fn)
	}
}

// EmitData delivers a typed payload, converting it through its map form.
func (b *Bus) EmitData(module string, data EventData) {
	b.Emit(data.EventType(), module, data.ToMap())
}

func (b *Bus) dispatch(event *Event, h Handler) {
	defer func() {
		if p := recover(); p != nil {
			b.log.Error().
				Interface("panic", p).
				Str("event_type", string(event.Type)).
				Msg("Event handler panicked")
		}
	}()
	h(event)
}
