package events

import "time"

// EventData is the interface that all typed event payloads implement.
// ToMap feeds Bus.Emit, which transports plain maps so SSE clients get
// stable JSON regardless of payload type.
type EventData interface {
	EventType() EventType
	ToMap() map[string]interface{}
}

// SyncStartedData describes a sync run beginning.
type SyncStartedData struct {
	RunID   string `json:"run_id"`
	Kind    string `json:"kind"`
	Trigger string `json:"trigger"`
}

// EventType returns the event type for SyncStartedData.
func (d *SyncStartedData) EventType() EventType { return SyncStarted }

// ToMap converts the payload for bus transport.
func (d *SyncStartedData) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"run_id":  d.RunID,
		"kind":    d.Kind,
		"trigger": d.Trigger,
	}
}

// SyncCompletedData describes a finished sync run.
type SyncCompletedData struct {
	RunID    string  `json:"run_id"`
	Kind     string  `json:"kind"`
	Success  bool    `json:"success"`
	Upserted int     `json:"upserted"`
	Errors   int     `json:"errors"`
	Skipped  int     `json:"skipped"`
	Duration float64 `json:"duration_seconds"`
}

// EventType returns the event type for SyncCompletedData.
func (d *SyncCompletedData) EventType() EventType { return SyncCompleted }

// ToMap converts the payload for bus transport.
func (d *SyncCompletedData) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"run_id":           d.RunID,
		"kind":             d.Kind,
		"success":          d.Success,
		"upserted":         d.Upserted,
		"errors":           d.Errors,
		"skipped":          d.Skipped,
		"duration_seconds": d.Duration,
	}
}

// BackfillProgressData reports backfill position.
type BackfillProgressData struct {
	Done   int    `json:"done"`
	Total  int    `json:"total"`
	Cursor string `json:"cursor"`
}

// EventType returns the event type for BackfillProgressData.
func (d *BackfillProgressData) EventType() EventType { return BackfillProgress }

// ToMap converts the payload for bus transport.
func (d *BackfillProgressData) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"done":   d.Done,
		"total":  d.Total,
		"cursor": d.Cursor,
	}
}

// PriceUpdatedData reports bars written to the store.
type PriceUpdatedData struct {
	Symbols  int    `json:"symbols"`
	Upserted int    `json:"upserted"`
	EndDate  string `json:"end_date,omitempty"`
}

// EventType returns the event type for PriceUpdatedData.
func (d *PriceUpdatedData) EventType() EventType { return PriceUpdated }

// ToMap converts the payload for bus transport.
func (d *PriceUpdatedData) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"symbols":  d.Symbols,
		"upserted": d.Upserted,
		"end_date": d.EndDate,
	}
}

// QuoteFetchedData reports a realtime quote observation.
type QuoteFetchedData struct {
	Code   string  `json:"stock_code"`
	Price  float64 `json:"price"`
	Source string  `json:"source"`
}

// EventType returns the event type for QuoteFetchedData.
func (d *QuoteFetchedData) EventType() EventType { return QuoteFetched }

// ToMap converts the payload for bus transport.
func (d *QuoteFetchedData) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"stock_code": d.Code,
		"price":      d.Price,
		"source":     d.Source,
	}
}

// ProviderDisabledData reports a provider circuit opening.
type ProviderDisabledData struct {
	Provider string    `json:"provider"`
	Reason   string    `json:"reason"`
	Until    time.Time `json:"until"`
}

// EventType returns the event type for ProviderDisabledData.
func (d *ProviderDisabledData) EventType() EventType { return ProviderDisabled }

// ToMap converts the payload for bus transport.
func (d *ProviderDisabledData) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"provider": d.Provider,
		"reason":   d.Reason,
		"until":    d.Until.Format(time.RFC3339),
	}
}

// ProviderRecoveredData reports a provider becoming routable again.
type ProviderRecoveredData struct {
	Provider string `json:"provider"`
}

// EventType returns the event type for ProviderRecoveredData.
func (d *ProviderRecoveredData) EventType() EventType { return ProviderRecovered }

// ToMap converts the payload for bus transport.
func (d *ProviderRecoveredData) ToMap() map[string]interface{} {
	return map[string]interface{}{"provider": d.Provider}
}

// SettingsChangedData reports one updated settings key.
type SettingsChangedData struct {
	Key   string      `json:"key"`
	Value interface{} `json:"value"`
}

// EventType returns the event type for SettingsChangedData.
func (d *SettingsChangedData) EventType() EventType { return SettingsChanged }

// ToMap converts the payload for bus transport.
func (d *SettingsChangedData) ToMap() map[string]interface{} {
	return map[string]interface{}{"key": d.Key, "value": d.Value}
}

// MaintenanceCompletedData reports a finished maintenance pass.
type MaintenanceCompletedData struct {
	Vacuumed   []string `json:"vacuumed,omitempty"`
	RunsPruned int      `json:"runs_pruned"`
	Duration   float64  `json:"duration_seconds"`
}

// EventType returns the event type for MaintenanceCompletedData.
func (d *MaintenanceCompletedData) EventType() EventType { return MaintenanceCompleted }

// ToMap converts the payload for bus transport.
func (d *MaintenanceCompletedData) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"vacuumed":         d.Vacuumed,
		"runs_pruned":      d.RunsPruned,
		"duration_seconds": d.Duration,
	}
}

// BackupCompletedData reports an uploaded backup archive.
type BackupCompletedData struct {
	Key       string `json:"key"`
	SizeBytes int64  `json:"size_bytes"`
}

// EventType returns the event type for BackupCompletedData.
func (d *BackupCompletedData) EventType() EventType { return BackupCompleted }

// ToMap converts the payload for bus transport.
func (d *BackupCompletedData) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"key":        d.Key,
		"size_bytes": d.SizeBytes,
	}
}

// SystemStatusChangedData reports a daemon status transition.
type SystemStatusChangedData struct {
	Status    string `json:"status,omitempty"`
	Timestamp string `json:"timestamp"`
}

// EventType returns the event type for SystemStatusChangedData.
func (d *SystemStatusChangedData) EventType() EventType { return SystemStatusChanged }

// ToMap converts the payload for bus transport.
func (d *SystemStatusChangedData) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"status":    d.Status,
		"timestamp": d.Timestamp,
	}
}

// ErrorEventData carries errors worth surfacing to stream clients.
type ErrorEventData struct {
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// EventType returns the event type for ErrorEventData.
func (d *ErrorEventData) EventType() EventType { return ErrorOccurred }

// ToMap converts the payload for bus transport.
func (d *ErrorEventData) ToMap() map[string]interface{} {
	m := map[string]interface{}{"error": d.Error}
	for k, v := range d.Context {
		m[k] = v
	}
	return m
}
