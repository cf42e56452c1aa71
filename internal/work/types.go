package work

import (
	"context"
	"strings"
	"time"
)

// WorkTimeout is the default ceiling for one work execution.
const WorkTimeout = 7 * time.Minute

// NoTimeout disables the execution ceiling for work that manages its own
// lifetime, like the cursor-checkpointed backfill.
const NoTimeout = time.Duration(-1)

// MaxRetries bounds how often a failed work item is re-queued.
const MaxRetries = 3

// Registered work type IDs.
const (
	WorkSymbolsSync      = "symbols:sync"
	WorkDailyIncremental = "daily:incremental"
	WorkDailyFinalize    = "daily:finalize"
	WorkHistoryBackfill  = "history:backfill"
	WorkDBMaintenance    = "db:maintenance"
	WorkDBBackup         = "db:backup"
)

// MarketTiming gates work execution on the A-share session state.
type MarketTiming int

const (
	// AnyTime runs regardless of the session.
	AnyTime MarketTiming = iota
	// MarketOpen runs only while the session is open (weekday, 09:30 to
	// 15:00 Beijing).
	MarketOpen
	// AfterClose runs only once the close-finalize wall clock has passed,
	// or on weekends.
	AfterClose
)

func (mt MarketTiming) String() string {
	switch mt {
	case AnyTime:
		return "AnyTime"
	case MarketOpen:
		return "MarketOpen"
	case AfterClose:
		return "AfterClose"
	default:
		return "Unknown"
	}
}

// Priority orders eligible work; higher runs first.
type Priority int

const (
	// PriorityLow is for maintenance and backup.
	PriorityLow Priority = iota
	// PriorityMedium is for deferred ingestion like backfills.
	PriorityMedium
	// PriorityHigh is for the ingestion passes that keep the store current.
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "Low"
	case PriorityMedium:
		return "Medium"
	case PriorityHigh:
		return "High"
	default:
		return "Unknown"
	}
}

// WorkType defines one registered kind of background work.
type WorkType struct {
	// ID is the unique identifier, e.g. "daily:incremental".
	ID string

	// DependsOn lists work type IDs that must have completed at least once
	// this process before this work runs.
	DependsOn []string

	// MarketTiming gates execution on the session state.
	MarketTiming MarketTiming

	// Interval is the minimum time between runs; zero means on-demand only
	// (the scanner never picks it up, it must be enqueued).
	Interval time.Duration

	// Priority orders eligible work.
	Priority Priority

	// Timeout overrides the default execution ceiling; zero takes
	// WorkTimeout, NoTimeout disables it.
	Timeout time.Duration

	// FindSubjects returns the subjects needing this work. Global work
	// returns []string{""}; nil means nothing to do right now.
	FindSubjects func() []string

	// Execute performs the work. Subject is empty for global work; queued
	// work may carry an instance qualifier like a run ticket.
	Execute func(ctx context.Context, subject string) error
}

// WorkItem is one scheduled unit of work.
type WorkItem struct {
	// ID is the full item id including subject, e.g. "history:backfill:<ticket>".
	ID string

	// TypeID is the registered work type id.
	TypeID string

	// Subject qualifies the item; empty for global work.
	Subject string

	// Retries counts how often this item was re-queued after failure.
	Retries int

	// CreatedAt is when the item was built.
	CreatedAt time.Time
}

// NewWorkItem builds an item for a work type and subject.
func NewWorkItem(workType *WorkType, subject string) *WorkItem {
	id := workType.ID
	if subject != "" {
		id = workType.ID + ":" + subject
	}
	return &WorkItem{
		ID:        id,
		TypeID:    workType.ID,
		Subject:   subject,
		CreatedAt: time.Now(),
	}
}

// ParseWorkID splits a full item id into its type id and subject. Type IDs
// are "category:name", so anything past the second colon is the subject.
func ParseWorkID(id string) (typeID, subject string) {
	parts := strings.Split(id, ":")
	if len(parts) <= 2 {
		return id, ""
	}
	return strings.Join(parts[:2], ":"), strings.Join(parts[2:], ":")
}
