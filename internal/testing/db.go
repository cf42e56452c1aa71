// Package testing provides shared test helpers: throwaway databases,
// fixtures, and scriptable provider mocks.
package testing

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/cnquant/marketd/internal/database"
	"github.com/cnquant/marketd/internal/modules/market"

	_ "github.com/mattn/go-sqlite3" // in-memory driver for repository tests
)

// NewTestStore creates a bar store over a temp-file database. The store
// opens connections per call, so file-backed beats :memory: here; the file
// lives in t.TempDir() and vanishes with the test.
func NewTestStore(t *testing.T) *market.Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "market.db")
	store, err := market.NewStore(path, "qfq", zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	return store
}

// NewTestStoreWithAdjust creates a bar store under a specific adjustment
// regime.
func NewTestStoreWithAdjust(t *testing.T, adjust string) *market.Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "market.db")
	store, err := market.NewStore(path, adjust, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	return store
}

// NewTestMetaDB opens an in-memory database for repository tests. It uses
// the cgo driver because :memory: needs a single shared connection, which
// the pure-Go profile pools are not set up for. Closed via t.Cleanup.
func NewTestMetaDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	// One connection keeps every statement on the same :memory: handle.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// NewTestDB creates a long-lived database handle over a temp file, the way
// the daemon opens its meta database.
func NewTestDB(t *testing.T, name string) *database.DB {
	t.Helper()

	db, err := database.New(database.Config{
		Path: filepath.Join(t.TempDir(), name+".db"),
		Name: name,
	})
	if err != nil {
		t.Fatalf("failed to create test database %s: %v", name, err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}
