package server

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cnquant/marketd/internal/events"
)

// StatusMonitor periodically recomputes the daemon status label and emits
// SystemStatusChanged when it moves. Stream subscribers pick the event up
// without polling /api/status.
type StatusMonitor struct {
	bus     *events.Bus
	api     *APIHandlers
	log     zerolog.Logger
	stop    chan struct{}
	done    chan struct{}
	started atomic.Bool
	last    string
}

// NewStatusMonitor creates a monitor. Call Start to begin checks.
func NewStatusMonitor(bus *events.Bus, api *APIHandlers, log zerolog.Logger) *StatusMonitor {
	return &StatusMonitor{
		bus:  bus,
		api:  api,
		log:  log.With().Str("component", "status_monitor").Logger(),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Start launches the periodic check loop.
func (m *StatusMonitor) Start(interval time.Duration) {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	m.log.Info().Dur("interval", interval).Msg("Starting status monitor")

	go func() {
		defer close(m.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		m.check()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				m.check()
			}
		}
	}()
}

// Stop halts the loop and waits for it to exit. Safe to call without a
// prior Start.
func (m *StatusMonitor) Stop() {
	if !m.started.Load() {
		return
	}
	close(m.stop)
	<-m.done
}

func (m *StatusMonitor) check() {
	status := m.api.statusLabel()
	if status == m.last {
		return
	}
	previous := m.last
	m.last = status

	m.log.Info().Str("status", status).Str("previous", previous).Msg("System status changed")
	m.bus.Emit(events.SystemStatusChanged, "server", map[string]interface{}{
		"status":   status,
		"previous": previous,
	})
}
