package providers

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cnquant/marketd/internal/events"
)

// DefaultSummaryInterval is how often accumulated failures are summarized.
const DefaultSummaryInterval = 300 * time.Second

// MinSummaryInterval is the floor for the failure summary cadence.
const MinSummaryInterval = 30 * time.Second

const maxReasonLen = 160

// ProviderHealth is one provider's entry in a registry snapshot.
type ProviderHealth struct {
	Routable      bool           `json:"routable"`
	Reason        string         `json:"reason,omitempty"`
	CooldownUntil *time.Time     `json:"cooldown_until,omitempty"`
	Failures      map[string]int `json:"failures,omitempty"`
}

type disabledEntry struct {
	until  time.Time // zero means disabled until restart (init failure)
	reason string
}

// Registry tracks provider availability and failure counts for the whole
// process. One instance is created at startup and injected; sync and
// realtime flows share it.
type Registry struct {
	disabled    map[string]disabledEntry
	failures    map[string]map[string]int
	lastSummary time.Time
	mu          sync.Mutex
	bus         *events.Bus // optional
	log         zerolog.Logger
}

// NewRegistry creates a provider health registry. bus may be nil.
func NewRegistry(bus *events.Bus, log zerolog.Logger) *Registry {
	return &Registry{
		disabled: make(map[string]disabledEntry),
		failures: make(map[string]map[string]int),
		bus:      bus,
		log:      log.With().Str("component", "provider_registry").Logger(),
	}
}

// SetDisabled marks a provider unroutable until the deadline. A zero
// deadline disables it for the life of the process (failed construction).
func (r *Registry) SetDisabled(provider string, until time.Time, reason string) {
	reason = trimReason(reason)

	r.mu.Lock()
	r.disabled[provider] = disabledEntry{until: until, reason: reason}
	r.mu.Unlock()

	evt := r.log.Warn().Str("provider", provider).Str("reason", reason)
	if !until.IsZero() {
		evt = evt.Time("until", until)
	}
	evt.Msg("Provider disabled")

	if r.bus != nil {
		r.bus.EmitData("provider_registry", &events.ProviderDisabledData{
			Provider: provider,
			Reason:   reason,
			Until:    until,
		})
	}
}

// ClearDisabled makes a provider routable again.
func (r *Registry) ClearDisabled(provider string) {
	r.mu.Lock()
	_, was := r.disabled[provider]
	delete(r.disabled, provider)
	r.mu.Unlock()

	if was {
		r.log.Info().Str("provider", provider).Msg("Provider re-enabled")
		if r.bus != nil {
			r.bus.EmitData("provider_registry", &events.ProviderRecoveredData{Provider: provider})
		}
	}
}

// DisabledReason returns why a provider is unroutable. Entries whose
// deadline has passed are cleared on the way out.
func (r *Registry) DisabledReason(provider string) (reason string, until time.Time, disabled bool) {
	r.mu.Lock()
	entry, ok := r.disabled[provider]
	if ok && !entry.until.IsZero() && time.Now().After(entry.until) {
		delete(r.disabled, provider)
		ok = false
	}
	r.mu.Unlock()

	if !ok {
		return "", time.Time{}, false
	}
	return entry.reason, entry.until, true
}

// RecordFailure counts one failure for provider, keyed op:reason.
func (r *Registry) RecordFailure(provider, op, reason string) {
	key := op + ":" + trimReason(reason)

	r.mu.Lock()
	if r.failures[provider] == nil {
		r.failures[provider] = make(map[string]int)
	}
	r.failures[provider][key]++
	r.mu.Unlock()
}

// DrainSummaryIfDue logs one aggregated failure summary when the interval
// has elapsed, draining the counters. Intervals below the floor are clamped.
func (r *Registry) DrainSummaryIfDue(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSummaryInterval
	}
	if interval < MinSummaryInterval {
		interval = MinSummaryInterval
	}

	r.mu.Lock()
	if time.Since(r.lastSummary) < interval {
		r.mu.Unlock()
		return
	}
	r.lastSummary = time.Now()

	drained := r.failures
	r.failures = make(map[string]map[string]int)
	r.mu.Unlock()

	if len(drained) == 0 {
		return
	}

	for provider, counts := range drained {
		type kv struct {
			key   string
			count int
		}
		sorted := make([]kv, 0, len(counts))
		total := 0
		for k, c := range counts {
			sorted = append(sorted, kv{k, c})
			total += c
		}
		sort.Slice(sorted, func(i, j int) bool {
			if sorted[i].count != sorted[j].count {
				return sorted[i].count > sorted[j].count
			}
			return sorted[i].key < sorted[j].key
		})

		parts := make([]string, 0, len(sorted))
		for _, s := range sorted {
			parts = append(parts, fmt.Sprintf("%s=%d", s.key, s.count))
		}

		r.log.Warn().
			Str("provider", provider).
			Int("total", total).
			Str("failures", strings.Join(parts, ", ")).
			Msg("Provider failure summary")
	}
}

// Snapshot returns the current health view for every provider that has any
// state, plus the given routable baseline names.
func (r *Registry) Snapshot(names []string) map[string]ProviderHealth {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]ProviderHealth, len(names))
	for _, name := range names {
		health := ProviderHealth{Routable: true}

		if entry, ok := r.disabled[name]; ok {
			if entry.until.IsZero() || now.Before(entry.until) {
				health.Routable = false
				health.Reason = entry.reason
				if !entry.until.IsZero() {
					until := entry.until
					health.CooldownUntil = &until
				}
			} else {
				delete(r.disabled, name)
			}
		}

		if counts := r.failures[name]; len(counts) > 0 {
			health.Failures = make(map[string]int, len(counts))
			for k, c := range counts {
				health.Failures[k] = c
			}
		}

		out[name] = health
	}
	return out
}

func trimReason(reason string) string {
	reason = strings.TrimSpace(reason)
	if len(reason) > maxReasonLen {
		reason = reason[:maxReasonLen]
	}
	return reason
}
