package settings

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cnquant/marketd/internal/config"
	"github.com/cnquant/marketd/internal/domain"
	"github.com/cnquant/marketd/internal/events"
	"github.com/cnquant/marketd/internal/providers"
)

// Setting keys accepted by UpdateSettings. Everything else is immutable
// after boot (paths, adjust regime, credentials, ports).
const (
	KeyEnabled                         = "enabled"
	KeyProviders                       = "providers"
	KeyRealtimeProviders               = "realtime_providers"
	KeyProviderFailoverEnabled         = "provider_failover_enabled"
	KeyRealtimeProviderFailoverEnabled = "realtime_provider_failover_enabled"
	KeyCircuitBreakerSeconds           = "provider_circuit_breaker_seconds"
	KeyRetryMax                        = "sync_retry_max"
	KeyRetryBackoffSeconds             = "sync_retry_backoff_seconds"
	KeyFailureCooldownSeconds          = "sync_failure_cooldown_seconds"
	KeyIncrementalHistoryDays          = "incremental_history_days"
	KeyBootstrapBatchSize              = "bootstrap_batch_size"
	KeyCloseFinalizeTime               = "close_finalize_time"
)

// KnownKeys lists every mutable setting key.
var KnownKeys = []string{
	KeyEnabled,
	KeyProviders,
	KeyRealtimeProviders,
	KeyProviderFailoverEnabled,
	KeyRealtimeProviderFailoverEnabled,
	KeyCircuitBreakerSeconds,
	KeyRetryMax,
	KeyRetryBackoffSeconds,
	KeyFailureCooldownSeconds,
	KeyIncrementalHistoryDays,
	KeyBootstrapBatchSize,
	KeyCloseFinalizeTime,
}

// Snapshot is one immutable view of the runtime settings.
type Snapshot struct {
	Enabled                         bool     `json:"enabled"`
	Providers                       []string `json:"providers"`
	RealtimeProviders               []string `json:"realtime_providers"`
	ProviderFailoverEnabled         bool     `json:"provider_failover_enabled"`
	RealtimeProviderFailoverEnabled bool     `json:"realtime_provider_failover_enabled"`
	CircuitBreakerSeconds           int      `json:"provider_circuit_breaker_seconds"`
	RetryMax                        int      `json:"sync_retry_max"`
	RetryBackoffSeconds             float64  `json:"sync_retry_backoff_seconds"`
	FailureCooldownSeconds          int      `json:"sync_failure_cooldown_seconds"`
	IncrementalHistoryDays          int      `json:"incremental_history_days"`
	BootstrapBatchSize              int      `json:"bootstrap_batch_size"`
	CloseFinalizeTime               string   `json:"close_finalize_time"`
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Providers = append([]string(nil), s.Providers...)
	out.RealtimeProviders = append([]string(nil), s.RealtimeProviders...)
	return out
}

func (s *Snapshot) validate() error {
	if _, _, err := domain.ParseClockTime(s.CloseFinalizeTime); err != nil {
		return fmt.Errorf("invalid %s: %w", KeyCloseFinalizeTime, err)
	}
	if err := validateProviderList(KeyProviders, s.Providers); err != nil {
		return err
	}
	if err := validateProviderList(KeyRealtimeProviders, s.RealtimeProviders); err != nil {
		return err
	}
	if s.RetryMax < 1 {
		return fmt.Errorf("%s must be at least 1", KeyRetryMax)
	}
	if s.CircuitBreakerSeconds < 0 || s.FailureCooldownSeconds < 0 {
		return fmt.Errorf("circuit breaker and cooldown seconds must not be negative")
	}
	if s.RetryBackoffSeconds < 0 {
		return fmt.Errorf("%s must not be negative", KeyRetryBackoffSeconds)
	}
	if s.IncrementalHistoryDays < 1 {
		return fmt.Errorf("%s must be at least 1", KeyIncrementalHistoryDays)
	}
	if s.BootstrapBatchSize < 1 {
		return fmt.Errorf("%s must be at least 1", KeyBootstrapBatchSize)
	}
	return nil
}

func validateProviderList(key string, names []string) error {
	if len(names) == 0 {
		return fmt.Errorf("%s must not be empty", key)
	}
	known := make(map[string]bool, len(providers.KnownNames))
	for _, n := range providers.KnownNames {
		known[n] = true
	}
	for _, n := range names {
		if !known[n] {
			return fmt.Errorf("%s: unknown provider %q", key, n)
		}
	}
	return nil
}

// DefaultsFrom builds the boot snapshot from environment configuration.
func DefaultsFrom(cfg *config.Config) Snapshot {
	return Snapshot{
		Enabled:                         cfg.Enabled,
		Providers:                       append([]string(nil), cfg.Providers...),
		RealtimeProviders:               append([]string(nil), cfg.RealtimeProviders...),
		ProviderFailoverEnabled:         cfg.ProviderFailoverEnabled,
		RealtimeProviderFailoverEnabled: cfg.RealtimeProviderFailoverEnabled,
		CircuitBreakerSeconds:           cfg.CircuitBreakerSeconds,
		RetryMax:                        cfg.RetryMax,
		RetryBackoffSeconds:             cfg.RetryBackoffSeconds,
		FailureCooldownSeconds:          cfg.FailureCooldownSeconds,
		IncrementalHistoryDays:          cfg.IncrementalHistoryDays,
		BootstrapBatchSize:              cfg.BootstrapBatchSize,
		CloseFinalizeTime:               cfg.CloseFinalizeTime,
	}
}

// Service caches the current snapshot and persists updates.
type Service struct {
	repo *Repository
	bus  *events.Bus
	log  zerolog.Logger

	mu      sync.RWMutex
	current Snapshot
}

// NewService loads stored overrides on top of the defaults. Stored values
// that no longer parse are logged and skipped rather than blocking boot.
func NewService(repo *Repository, defaults Snapshot, bus *events.Bus, log zerolog.Logger) (*Service, error) {
	s := &Service{
		repo:    repo,
		bus:     bus,
		log:     log.With().Str("component", "settings").Logger(),
		current: defaults.clone(),
	}

	stored, err := repo.GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to load stored settings: %w", err)
	}
	for key, raw := range stored {
		if err := decodeInto(&s.current, key, raw); err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("Ignoring unreadable stored setting")
		}
	}
	if err := s.current.validate(); err != nil {
		return nil, fmt.Errorf("stored settings are invalid: %w", err)
	}

	return s, nil
}

// Get returns the current snapshot.
func (s *Service) Get() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.clone()
}

// UpdateSettings validates and applies changes, persists them, and emits
// one SettingsChanged event per key. The returned snapshot is the new
// state. Unknown keys and malformed values reject the whole update.
func (s *Service) UpdateSettings(changes map[string]interface{}) (Snapshot, error) {
	if len(changes) == 0 {
		return s.Get(), nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current.clone()
	for key, value := range changes {
		if err := applyChange(&next, key, value); err != nil {
			return Snapshot{}, err
		}
	}
	if err := next.validate(); err != nil {
		return Snapshot{}, err
	}

	encoded := make(map[string]string, len(changes))
	for key := range changes {
		raw, err := json.Marshal(valueOf(&next, key))
		if err != nil {
			return Snapshot{}, fmt.Errorf("failed to encode setting %s: %w", key, err)
		}
		encoded[key] = string(raw)
	}
	if err := s.repo.SetMany(encoded); err != nil {
		return Snapshot{}, fmt.Errorf("failed to persist settings: %w", err)
	}

	s.current = next
	for key := range changes {
		s.log.Info().Str("key", key).Interface("value", valueOf(&next, key)).Msg("Setting updated")
		s.bus.EmitData("settings", &events.SettingsChangedData{Key: key, Value: valueOf(&next, key)})
	}
	return next.clone(), nil
}

// decodeInto applies one stored JSON value to the snapshot.
func decodeInto(snap *Snapshot, key, raw string) error {
	target, err := fieldOf(snap, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), target); err != nil {
		return fmt.Errorf("failed to decode %s=%s: %w", key, raw, err)
	}
	return nil
}

// fieldOf maps a settings key to its snapshot field.
func fieldOf(snap *Snapshot, key string) (interface{}, error) {
	switch key {
	case KeyEnabled:
		return &snap.Enabled, nil
	case KeyProviders:
		return &snap.Providers, nil
	case KeyRealtimeProviders:
		return &snap.RealtimeProviders, nil
	case KeyProviderFailoverEnabled:
		return &snap.ProviderFailoverEnabled, nil
	case KeyRealtimeProviderFailoverEnabled:
		return &snap.RealtimeProviderFailoverEnabled, nil
	case KeyCircuitBreakerSeconds:
		return &snap.CircuitBreakerSeconds, nil
	case KeyRetryMax:
		return &snap.RetryMax, nil
	case KeyRetryBackoffSeconds:
		return &snap.RetryBackoffSeconds, nil
	case KeyFailureCooldownSeconds:
		return &snap.FailureCooldownSeconds, nil
	case KeyIncrementalHistoryDays:
		return &snap.IncrementalHistoryDays, nil
	case KeyBootstrapBatchSize:
		return &snap.BootstrapBatchSize, nil
	case KeyCloseFinalizeTime:
		return &snap.CloseFinalizeTime, nil
	default:
		return nil, fmt.Errorf("unknown setting %q", key)
	}
}

func valueOf(snap *Snapshot, key string) interface{} {
	switch key {
	case KeyEnabled:
		return snap.Enabled
	case KeyProviders:
		return snap.Providers
	case KeyRealtimeProviders:
		return snap.RealtimeProviders
	case KeyProviderFailoverEnabled:
		return snap.ProviderFailoverEnabled
	case KeyRealtimeProviderFailoverEnabled:
		return snap.RealtimeProviderFailoverEnabled
	case KeyCircuitBreakerSeconds:
		return snap.CircuitBreakerSeconds
	case KeyRetryMax:
		return snap.RetryMax
	case KeyRetryBackoffSeconds:
		return snap.RetryBackoffSeconds
	case KeyFailureCooldownSeconds:
		return snap.FailureCooldownSeconds
	case KeyIncrementalHistoryDays:
		return snap.IncrementalHistoryDays
	case KeyBootstrapBatchSize:
		return snap.BootstrapBatchSize
	case KeyCloseFinalizeTime:
		return snap.CloseFinalizeTime
	default:
		return nil
	}
}

// applyChange coerces one incoming value (decoded JSON, so numbers arrive
// as float64) onto the snapshot.
func applyChange(snap *Snapshot, key string, value interface{}) error {
	switch key {
	case KeyEnabled:
		return setBool(&snap.Enabled, key, value)
	case KeyProviderFailoverEnabled:
		return setBool(&snap.ProviderFailoverEnabled, key, value)
	case KeyRealtimeProviderFailoverEnabled:
		return setBool(&snap.RealtimeProviderFailoverEnabled, key, value)
	case KeyProviders:
		return setStringList(&snap.Providers, key, value)
	case KeyRealtimeProviders:
		return setStringList(&snap.RealtimeProviders, key, value)
	case KeyCircuitBreakerSeconds:
		return setInt(&snap.CircuitBreakerSeconds, key, value)
	case KeyRetryMax:
		return setInt(&snap.RetryMax, key, value)
	case KeyFailureCooldownSeconds:
		return setInt(&snap.FailureCooldownSeconds, key, value)
	case KeyIncrementalHistoryDays:
		return setInt(&snap.IncrementalHistoryDays, key, value)
	case KeyBootstrapBatchSize:
		return setInt(&snap.BootstrapBatchSize, key, value)
	case KeyRetryBackoffSeconds:
		return setFloat(&snap.RetryBackoffSeconds, key, value)
	case KeyCloseFinalizeTime:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("%s must be a string", key)
		}
		snap.CloseFinalizeTime = s
		return nil
	default:
		return fmt.Errorf("unknown setting %q", key)
	}
}

func setBool(dst *bool, key string, value interface{}) error {
	b, ok := value.(bool)
	if !ok {
		return fmt.Errorf("%s must be a boolean", key)
	}
	*dst = b
	return nil
}

func setInt(dst *int, key string, value interface{}) error {
	switch v := value.(type) {
	case float64:
		*dst = int(v)
	case int:
		*dst = v
	default:
		return fmt.Errorf("%s must be a number", key)
	}
	return nil
}

func setFloat(dst *float64, key string, value interface{}) error {
	switch v := value.(type) {
	case float64:
		*dst = v
	case int:
		*dst = float64(v)
	default:
		return fmt.Errorf("%s must be a number", key)
	}
	return nil
}

func setStringList(dst *[]string, key string, value interface{}) error {
	switch v := value.(type) {
	case []string:
		*dst = append([]string(nil), v...)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return fmt.Errorf("%s must be a list of strings", key)
			}
			out = append(out, s)
		}
		*dst = out
	default:
		return fmt.Errorf("%s must be a list of strings", key)
	}
	return nil
}
