package providers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/cnquant/marketd/internal/domain"
)

// SpotRow is one symbol's entry in a vendor's realtime spot table.
type SpotRow struct {
	Code      string   `msgpack:"code" json:"code"` // normalized CODE.MKT
	Name      string   `msgpack:"name" json:"name"`
	Price     float64  `msgpack:"price" json:"price"`
	PreClose  *float64 `msgpack:"pre_close" json:"pre_close,omitempty"`
	Open      *float64 `msgpack:"open" json:"open,omitempty"`
	QuoteTime string   `msgpack:"quote_time" json:"quote_time,omitempty"`
}

// spotSnapshot is the on-disk form of a cached spot table.
type spotSnapshot struct {
	Vendor    string    `msgpack:"vendor"`
	FetchedAt time.Time `msgpack:"fetched_at"`
	Rows      []SpotRow `msgpack:"rows"`
}

// SpotFetcher loads a vendor's full spot table, one row per listed symbol.
type SpotFetcher func(ctx context.Context) ([]SpotRow, error)

// SpotCache memoizes one web vendor's spot table so realtime lookups hit
// the vendor at most once per TTL. Snapshots persist to disk and are
// reloaded on boot when still fresh, so a restart inside the TTL window
// costs no vendor call. Corrupt or stale snapshot files are deleted.
type SpotCache struct {
	vendor string
	path   string // empty disables persistence
	ttl    time.Duration
	fetch  SpotFetcher

	mu        sync.Mutex
	rows      map[string]SpotRow // keyed by pure code
	fetchedAt time.Time

	log zerolog.Logger
}

// NewSpotCache creates a spot cache for one vendor. cacheDir may be empty
// to keep the cache memory-only.
func NewSpotCache(vendor, cacheDir string, ttl time.Duration, fetch SpotFetcher, log zerolog.Logger) *SpotCache {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}

	c := &SpotCache{
		vendor: vendor,
		ttl:    ttl,
		fetch:  fetch,
		log:    log.With().Str("component", "spot_cache").Str("vendor", vendor).Logger(),
	}
	if cacheDir != "" {
		c.path = filepath.Join(cacheDir, fmt.Sprintf("spot_%s.msgpack", vendor))
		c.loadSnapshot()
	}
	return c
}

// Lookup returns the spot row for one symbol, refreshing the table when it
// is older than the TTL. A symbol absent from a fresh table yields
// (nil, nil): the vendor answered, it just does not list the code.
func (c *SpotCache) Lookup(ctx context.Context, code string) (*SpotRow, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.refreshLocked(ctx); err != nil {
		return nil, err
	}

	row, ok := c.rows[domain.PureCode(code)]
	if !ok {
		return nil, nil
	}
	out := row
	return &out, nil
}

// Rows returns a copy of the current table, refreshing it when stale.
func (c *SpotCache) Rows(ctx context.Context) ([]SpotRow, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.refreshLocked(ctx); err != nil {
		return nil, err
	}

	out := make([]SpotRow, 0, len(c.rows))
	for _, row := range c.rows {
		out = append(out, row)
	}
	return out, nil
}

// FetchedAt reports when the table was last loaded from the vendor.
func (c *SpotCache) FetchedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetchedAt
}

func (c *SpotCache) refreshLocked(ctx context.Context) error {
	if c.rows != nil && time.Since(c.fetchedAt) < c.ttl {
		return nil
	}

	rows, err := c.fetch(ctx)
	if err != nil {
		return err
	}

	table := make(map[string]SpotRow, len(rows))
	for _, row := range rows {
		table[domain.PureCode(row.Code)] = row
	}
	c.rows = table
	c.fetchedAt = time.Now()

	c.saveSnapshotLocked()
	return nil
}

// loadSnapshot restores a persisted table when it is fresher than the TTL.
func (c *SpotCache) loadSnapshot() {
	if c.path == "" {
		return
	}

	raw, err := os.ReadFile(c.path)
	if err != nil {
		return
	}

	var snap spotSnapshot
	if err := msgpack.Unmarshal(raw, &snap); err != nil || snap.Vendor != c.vendor {
		c.log.Warn().Err(err).Str("path", c.path).Msg("Discarding unreadable spot snapshot")
		_ = os.Remove(c.path)
		return
	}
	if time.Since(snap.FetchedAt) >= c.ttl {
		_ = os.Remove(c.path)
		return
	}

	table := make(map[string]SpotRow, len(snap.Rows))
	for _, row := range snap.Rows {
		table[domain.PureCode(row.Code)] = row
	}
	c.rows = table
	c.fetchedAt = snap.FetchedAt
	c.log.Debug().Int("rows", len(table)).Msg("Restored spot snapshot")
}

// saveSnapshotLocked persists the table, best effort.
func (c *SpotCache) saveSnapshotLocked() {
	if c.path == "" {
		return
	}

	snap := spotSnapshot{Vendor: c.vendor, FetchedAt: c.fetchedAt, Rows: make([]SpotRow, 0, len(c.rows))}
	for _, row := range c.rows {
		snap.Rows = append(snap.Rows, row)
	}

	raw, err := msgpack.Marshal(&snap)
	if err != nil {
		c.log.Warn().Err(err).Msg("Failed to encode spot snapshot")
		return
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		c.log.Warn().Err(err).Msg("Failed to create spot cache directory")
		return
	}
	if err := os.WriteFile(c.path, raw, 0o644); err != nil {
		c.log.Warn().Err(err).Msg("Failed to write spot snapshot")
	}
}
