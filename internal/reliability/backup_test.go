package reliability

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cnquant/marketd/internal/events"
	testingpkg "github.com/cnquant/marketd/internal/testing"
)

type fakeObjectStore struct {
	mu          sync.Mutex
	objects     map[string][]byte
	deleted     []string
	uploadErr   error
	dropUploads bool
}

var _ ObjectStore = (*fakeObjectStore)(nil)

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: make(map[string][]byte)}
}

func (f *fakeObjectStore) Upload(_ context.Context, key string, body io.Reader) error {
	if f.uploadErr != nil {
		return f.uploadErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.dropUploads {
		f.objects[key] = data
	}
	return nil
}

func (f *fakeObjectStore) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	keys := make([]string, 0, len(f.objects))
	for key := range f.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	infos := make([]ObjectInfo, 0, len(keys))
	for _, key := range keys {
		infos = append(infos, ObjectInfo{Key: key, SizeBytes: int64(len(f.objects[key]))})
	}
	return infos, nil
}

func (f *fakeObjectStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *fakeObjectStore) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.objects))
	for key := range f.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (f *fakeObjectStore) seed(ts time.Time) string {
	key := backupKeyPrefix + ts.UTC().Format(backupTimeLayout) + ".tar.gz"
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = []byte("archive")
	return key
}

func newBackupService(t *testing.T, store ObjectStore, keep int) (*BackupService, *events.Bus, string) {
	t.Helper()

	marketPath := newMarketFile(t)
	meta := testingpkg.NewTestDB(t, "meta")
	_, err := meta.Exec(`CREATE TABLE settings (key TEXT PRIMARY KEY, value TEXT)`)
	require.NoError(t, err)

	dataDir := t.TempDir()
	bus := events.NewBus(zerolog.Nop())
	svc := NewBackupService(store, marketPath, meta, dataDir, keep, bus, zerolog.Nop())
	return svc, bus, dataDir
}

func unpackArchive(t *testing.T, data []byte) map[string][]byte {
	t.Helper()

	gz, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer gz.Close()

	files := make(map[string][]byte)
	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		content, err := io.ReadAll(tr)
		require.NoError(t, err)
		files[header.Name] = content
	}
	return files
}

func TestRunBackupUploadsVerifiableArchive(t *testing.T) {
	store := newFakeObjectStore()
	svc, bus, dataDir := newBackupService(t, store, 14)

	var completed []*events.Event
	bus.Subscribe(events.BackupCompleted, func(e *events.Event) {
		completed = append(completed, e)
	})

	require.True(t, svc.Enabled())
	require.NoError(t, svc.RunBackup(context.Background()))

	keys := store.keys()
	require.Len(t, keys, 1)
	assert.Regexp(t, regexp.MustCompile(`^marketd-backup-\d{4}-\d{2}-\d{2}-\d{6}\.tar\.gz$`), keys[0])

	files := unpackArchive(t, store.objects[keys[0]])
	require.Contains(t, files, "market.db")
	require.Contains(t, files, "meta.db")
	require.Contains(t, files, "backup-metadata.json")

	var metadata BackupMetadata
	require.NoError(t, json.Unmarshal(files["backup-metadata.json"], &metadata))
	require.Len(t, metadata.Databases, 2)
	for _, db := range metadata.Databases {
		content := files[db.Filename]
		assert.Equal(t, int64(len(content)), db.SizeBytes)
		assert.Equal(t, fmt.Sprintf("sha256:%x", sha256.Sum256(content)), db.Checksum)
	}

	// Staging is removed after the run.
	_, err := os.Stat(filepath.Join(dataDir, "backup-staging"))
	assert.True(t, os.IsNotExist(err))

	require.Len(t, completed, 1)
	assert.Equal(t, keys[0], completed[0].Data["key"])
}

func TestRunBackupDisabledWithoutStore(t *testing.T) {
	svc, _, _ := newBackupService(t, nil, 14)

	assert.False(t, svc.Enabled())

	err := svc.RunBackup(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")
}

func TestRunBackupFailsWhenUploadNotListed(t *testing.T) {
	store := newFakeObjectStore()
	store.dropUploads = true
	svc, bus, _ := newBackupService(t, store, 14)

	emitted := false
	bus.Subscribe(events.BackupCompleted, func(*events.Event) { emitted = true })

	err := svc.RunBackup(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "not listed")
	assert.False(t, emitted)
}

func TestRunBackupRotatesKeepingNewest(t *testing.T) {
	store := newFakeObjectStore()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	oldest := store.seed(base)
	second := store.seed(base.Add(24 * time.Hour))
	store.seed(base.Add(48 * time.Hour))
	store.seed(base.Add(72 * time.Hour))
	unparseable := backupKeyPrefix + "bogus.tar.gz"
	store.objects[unparseable] = []byte("junk")

	svc, _, _ := newBackupService(t, store, 3)
	require.NoError(t, svc.RunBackup(context.Background()))

	backups, err := svc.ListBackups(context.Background())
	require.NoError(t, err)
	assert.Len(t, backups, 3)

	assert.Contains(t, store.deleted, oldest)
	assert.Contains(t, store.deleted, second)
	// Keys without a parseable timestamp are never rotated away.
	assert.Contains(t, store.keys(), unparseable)
}

func TestListBackupsNewestFirst(t *testing.T) {
	store := newFakeObjectStore()
	base := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	store.seed(base)
	newest := store.seed(base.Add(48 * time.Hour))
	store.seed(base.Add(24 * time.Hour))

	svc, _, _ := newBackupService(t, store, 14)

	backups, err := svc.ListBackups(context.Background())
	require.NoError(t, err)
	require.Len(t, backups, 3)
	assert.Equal(t, newest, backups[0].Key)
	assert.True(t, backups[0].Timestamp.After(backups[1].Timestamp))
	assert.True(t, backups[1].Timestamp.After(backups[2].Timestamp))
	assert.GreaterOrEqual(t, backups[0].AgeHours, int64(0))
}

func TestParseBackupKey(t *testing.T) {
	ts, ok := parseBackupKey("marketd-backup-2024-06-03-150405.tar.gz")
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 6, 3, 15, 4, 5, 0, time.UTC), ts)

	_, ok = parseBackupKey("marketd-backup-garbage.tar.gz")
	assert.False(t, ok)
	_, ok = parseBackupKey("other-2024-06-03-150405.tar.gz")
	assert.False(t, ok)
	_, ok = parseBackupKey("marketd-backup-2024-06-03-150405.zip")
	assert.False(t, ok)
}
