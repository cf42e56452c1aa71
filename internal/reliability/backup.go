package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cnquant/marketd/internal/database"
	"github.com/cnquant/marketd/internal/events"
)

const (
	backupKeyPrefix  = "marketd-backup-"
	backupTimeLayout = "2006-01-02-150405"

	// minBackupsToKeep floors the rotation no matter how low the
	// configured retention is.
	minBackupsToKeep = 3
)

// BackupMetadata describes one archive.
type BackupMetadata struct {
	Timestamp time.Time          `json:"timestamp"`
	Databases []DatabaseMetadata `json:"databases"`
}

// DatabaseMetadata describes one snapshot inside an archive.
type DatabaseMetadata struct {
	Name      string `json:"name"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// BackupInfo is one stored archive. ListBackups returns them newest first.
type BackupInfo struct {
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
	AgeHours  int64     `json:"age_hours"`
}

// BackupService snapshots both databases with VACUUM INTO, archives the
// snapshots, and uploads the archive to an S3-compatible bucket. A nil
// object store leaves the service disabled.
type BackupService struct {
	store      ObjectStore
	marketPath string
	meta       *database.DB
	dataDir    string
	keep       int
	bus        *events.Bus
	log        zerolog.Logger
}

// NewBackupService creates the backup service. keep is how many archives
// rotation preserves, floored at three.
func NewBackupService(
	store ObjectStore,
	marketPath string,
	meta *database.DB,
	dataDir string,
	keep int,
	bus *events.Bus,
	log zerolog.Logger,
) *BackupService {
	if keep < minBackupsToKeep {
		keep = minBackupsToKeep
	}
	return &BackupService{
		store:      store,
		marketPath: marketPath,
		meta:       meta,
		dataDir:    dataDir,
		keep:       keep,
		bus:        bus,
		log:        log.With().Str("service", "backup").Logger(),
	}
}

// Enabled reports whether an object store is configured.
func (s *BackupService) Enabled() bool {
	return s.store != nil
}

// RunBackup stages snapshots, uploads the archive, verifies it is listed,
// and rotates old archives.
func (s *BackupService) RunBackup(ctx context.Context) error {
	if !s.Enabled() {
		return fmt.Errorf("backups are not configured")
	}

	s.log.Info().Msg("Starting backup")
	started := time.Now()

	stagingDir := filepath.Join(s.dataDir, "backup-staging")
	// Leftovers from an interrupted run would make VACUUM INTO fail.
	_ = os.RemoveAll(stagingDir)
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	metadata, err := s.stageSnapshots(ctx, stagingDir)
	if err != nil {
		return err
	}

	metadataPath := filepath.Join(stagingDir, "backup-metadata.json")
	if err := writeMetadata(metadataPath, metadata); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}

	key := backupKeyPrefix + started.UTC().Format(backupTimeLayout) + ".tar.gz"
	archivePath := filepath.Join(stagingDir, key)
	files := []string{"market.db", "meta.db", "backup-metadata.json"}
	if err := createArchive(archivePath, stagingDir, files); err != nil {
		return fmt.Errorf("create archive: %w", err)
	}

	info, err := os.Stat(archivePath)
	if err != nil {
		return fmt.Errorf("stat archive: %w", err)
	}

	archive, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	err = s.store.Upload(ctx, key, archive)
	archive.Close()
	if err != nil {
		return fmt.Errorf("upload archive: %w", err)
	}

	if err := s.verifyUploaded(ctx, key); err != nil {
		return err
	}

	if err := s.rotate(ctx); err != nil {
		s.log.Warn().Err(err).Msg("Backup rotation failed")
	}

	s.bus.EmitData("reliability", &events.BackupCompletedData{
		Key:       key,
		SizeBytes: info.Size(),
	})

	s.log.Info().
		Dur("duration", time.Since(started)).
		Str("key", key).
		Int64("size_bytes", info.Size()).
		Msg("Backup completed")

	return nil
}

// ListBackups returns the stored archives, newest first. Keys that do not
// carry a parseable timestamp are skipped.
func (s *BackupService) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	if !s.Enabled() {
		return nil, fmt.Errorf("backups are not configured")
	}

	objects, err := s.store.List(ctx, backupKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}

	now := time.Now()
	backups := make([]BackupInfo, 0, len(objects))
	for _, obj := range objects {
		ts, ok := parseBackupKey(obj.Key)
		if !ok {
			s.log.Warn().Str("key", obj.Key).Msg("Skipping unparseable backup key")
			continue
		}
		backups = append(backups, BackupInfo{
			Key:       obj.Key,
			Timestamp: ts,
			SizeBytes: obj.SizeBytes,
			AgeHours:  int64(now.Sub(ts).Hours()),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// stageSnapshots writes point-in-time copies of both databases into the
// staging directory and returns their metadata.
func (s *BackupService) stageSnapshots(ctx context.Context, stagingDir string) (BackupMetadata, error) {
	metadata := BackupMetadata{Timestamp: time.Now().UTC()}

	if err := snapshotPath(ctx, s.marketPath, filepath.Join(stagingDir, "market.db")); err != nil {
		return metadata, fmt.Errorf("snapshot market store: %w", err)
	}
	if _, err := s.meta.ExecContext(ctx, "VACUUM INTO ?", filepath.Join(stagingDir, "meta.db")); err != nil {
		return metadata, fmt.Errorf("snapshot meta store: %w", err)
	}

	for _, name := range []string{"market", "meta"} {
		path := filepath.Join(stagingDir, name+".db")
		info, err := os.Stat(path)
		if err != nil {
			return metadata, fmt.Errorf("stat %s snapshot: %w", name, err)
		}
		checksum, err := fileChecksum(path)
		if err != nil {
			return metadata, fmt.Errorf("checksum %s snapshot: %w", name, err)
		}
		metadata.Databases = append(metadata.Databases, DatabaseMetadata{
			Name:      name,
			Filename:  name + ".db",
			SizeBytes: info.Size(),
			Checksum:  checksum,
		})
	}
	return metadata, nil
}

// snapshotPath copies a database addressed by path through a short-lived
// connection, matching the market store's per-call open discipline.
func snapshotPath(ctx context.Context, srcPath, dstPath string) error {
	db, err := database.New(database.Config{
		Path:    srcPath,
		Profile: database.ProfileStore,
		Name:    "backup-src",
	})
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, "VACUUM INTO ?", dstPath)
	return err
}

// verifyUploaded re-lists the key so a silently dropped upload fails the
// run instead of rotating away good archives.
func (s *BackupService) verifyUploaded(ctx context.Context, key string) error {
	objects, err := s.store.List(ctx, key)
	if err != nil {
		return fmt.Errorf("verify upload: %w", err)
	}
	for _, obj := range objects {
		if obj.Key == key {
			return nil
		}
	}
	return fmt.Errorf("uploaded archive %s is not listed", key)
}

// rotate deletes archives beyond the newest keep.
func (s *BackupService) rotate(ctx context.Context) error {
	backups, err := s.ListBackups(ctx)
	if err != nil {
		return err
	}
	if len(backups) <= s.keep {
		return nil
	}

	for _, backup := range backups[s.keep:] {
		if err := s.store.Delete(ctx, backup.Key); err != nil {
			s.log.Error().Err(err).Str("key", backup.Key).Msg("Deleting old backup failed")
			continue
		}
		s.log.Info().
			Str("key", backup.Key).
			Time("timestamp", backup.Timestamp).
			Msg("Deleted old backup")
	}
	return nil
}

func parseBackupKey(key string) (time.Time, bool) {
	if !strings.HasPrefix(key, backupKeyPrefix) || !strings.HasSuffix(key, ".tar.gz") {
		return time.Time{}, false
	}
	stamp := strings.TrimSuffix(strings.TrimPrefix(key, backupKeyPrefix), ".tar.gz")
	ts, err := time.Parse(backupTimeLayout, stamp)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}

func writeMetadata(path string, metadata BackupMetadata) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(metadata)
}

func createArchive(archivePath, sourceDir string, filenames []string) error {
	archive, err := os.Create(archivePath)
	if err != nil {
		return err
	}
	defer archive.Close()

	gz := gzip.NewWriter(archive)
	defer gz.Close()

	tw := tar.NewWriter(gz)
	defer tw.Close()

	for _, filename := range filenames {
		if err := addFileToArchive(tw, filepath.Join(sourceDir, filename), filename); err != nil {
			return fmt.Errorf("add %s: %w", filename, err)
		}
	}
	return nil
}

func addFileToArchive(tw *tar.Writer, path, nameInArchive string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	header := &tar.Header{
		Name:    nameInArchive,
		Size:    info.Size(),
		Mode:    int64(info.Mode()),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}
