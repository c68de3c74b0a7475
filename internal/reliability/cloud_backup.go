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
)

const (
	archivePrefix  = "gateway-backup-"
	archiveStamp   = "2006-01-02-150405"
	metadataFile   = "backup-metadata.json"
	minCloudBackup = 3
)

// ArchiveMetadata describes one uploaded archive.
type ArchiveMetadata struct {
	Timestamp time.Time          `json:"timestamp"`
	Databases []DatabaseMetadata `json:"databases"`
}

// DatabaseMetadata describes one database inside an archive.
type DatabaseMetadata struct {
	Name      string `json:"name"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// BackupInfo summarizes one remote archive for listing and rotation.
type BackupInfo struct {
	Filename  string    `json:"filename"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
	AgeHours  int64     `json:"age_hours"`
}

// CloudBackupService archives every database into one tar.gz and ships it
// to the object store.
type CloudBackupService struct {
	store   ObjectStore
	backups *BackupService
	dataDir string
	log     zerolog.Logger
}

func NewCloudBackupService(store ObjectStore, backups *BackupService, dataDir string, log zerolog.Logger) *CloudBackupService {
	return &CloudBackupService{
		store:   store,
		backups: backups,
		dataDir: dataDir,
		log:     log.With().Str("service", "cloud_backup").Logger(),
	}
}

// CreateAndUpload stages fresh database copies, archives them with a
// checksum manifest and uploads the archive.
func (s *CloudBackupService) CreateAndUpload(ctx context.Context) error {
	s.log.Info().Msg("starting cloud backup")
	start := time.Now()

	stagingDir := filepath.Join(s.dataDir, "cloud-staging")
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	names := s.backups.DatabaseNames()
	metadata := ArchiveMetadata{
		Timestamp: time.Now().UTC(),
		Databases: make([]DatabaseMetadata, 0, len(names)),
	}

	files := make([]string, 0, len(names)+1)
	for _, name := range names {
		dbPath := filepath.Join(stagingDir, name+".db")
		if err := s.backups.BackupDatabase(name, dbPath); err != nil {
			return fmt.Errorf("failed to stage %s: %w", name, err)
		}
		if err := s.backups.VerifyBackup(dbPath); err != nil {
			return fmt.Errorf("staged copy of %s failed verification: %w", name, err)
		}

		info, err := os.Stat(dbPath)
		if err != nil {
			return fmt.Errorf("failed to stat staged %s: %w", name, err)
		}
		checksum, err := fileChecksum(dbPath)
		if err != nil {
			return fmt.Errorf("failed to checksum %s: %w", name, err)
		}

		metadata.Databases = append(metadata.Databases, DatabaseMetadata{
			Name:      name,
			Filename:  name + ".db",
			SizeBytes: info.Size(),
			Checksum:  checksum,
		})
		files = append(files, name+".db")
	}

	metadataPath := filepath.Join(stagingDir, metadataFile)
	if err := writeMetadata(metadataPath, metadata); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	files = append(files, metadataFile)

	archiveName := archivePrefix + time.Now().Format(archiveStamp) + ".tar.gz"
	archivePath := filepath.Join(stagingDir, archiveName)
	if err := createArchive(archivePath, stagingDir, files); err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}

	archive, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer archive.Close()

	if err := s.store.Upload(ctx, archiveName, archive); err != nil {
		return fmt.Errorf("failed to upload archive: %w", err)
	}

	info, _ := os.Stat(archivePath)
	var sizeMB int64
	if info != nil {
		sizeMB = info.Size() / 1024 / 1024
	}
	s.log.Info().
		Dur("duration_ms", time.Since(start)).
		Str("archive", archiveName).
		Int64("size_mb", sizeMB).
		Msg("cloud backup completed")
	return nil
}

// ListBackups returns remote archives, newest first.
func (s *CloudBackupService) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	objects, err := s.store.List(ctx, archivePrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list cloud backups: %w", err)
	}

	backups := make([]BackupInfo, 0, len(objects))
	now := time.Now()
	for _, obj := range objects {
		if !strings.HasPrefix(obj.Key, archivePrefix) || !strings.HasSuffix(obj.Key, ".tar.gz") {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(obj.Key, archivePrefix), ".tar.gz")
		ts, err := time.Parse(archiveStamp, stamp)
		if err != nil {
			s.log.Warn().Str("key", obj.Key).Msg("unparseable backup key")
			continue
		}
		backups = append(backups, BackupInfo{
			Filename:  obj.Key,
			Timestamp: ts,
			SizeBytes: obj.Size,
			AgeHours:  int64(now.Sub(ts).Hours()),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// RotateOldBackups deletes archives past the retention window, always
// keeping the newest three regardless of age.
func (s *CloudBackupService) RotateOldBackups(ctx context.Context, retentionDays int) error {
	backups, err := s.ListBackups(ctx)
	if err != nil {
		return err
	}
	if len(backups) <= minCloudBackup || retentionDays <= 0 {
		return nil
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	deleted := 0
	for i, backup := range backups {
		if i < minCloudBackup || !backup.Timestamp.Before(cutoff) {
			continue
		}
		if err := s.store.Delete(ctx, backup.Filename); err != nil {
			s.log.Error().Err(err).Str("key", backup.Filename).Msg("failed to delete old cloud backup")
			continue
		}
		s.log.Info().Str("key", backup.Filename).Msg("deleted old cloud backup")
		deleted++
	}

	s.log.Info().
		Int("deleted", deleted).
		Int("remaining", len(backups)-deleted).
		Msg("cloud backup rotation completed")
	return nil
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

func writeMetadata(path string, metadata ArchiveMetadata) error {
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
	out, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	for _, filename := range filenames {
		if err := addFileToArchive(tw, filepath.Join(sourceDir, filename), filename); err != nil {
			return fmt.Errorf("failed to add %s to archive: %w", filename, err)
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

// CloudBackupJob runs the nightly upload plus rotation.
type CloudBackupJob struct {
	service       *CloudBackupService
	retentionDays int
	timeout       time.Duration
}

func NewCloudBackupJob(service *CloudBackupService, retentionDays int) *CloudBackupJob {
	return &CloudBackupJob{
		service:       service,
		retentionDays: retentionDays,
		timeout:       10 * time.Minute,
	}
}

func (j *CloudBackupJob) Name() string { return "cloud_backup" }

func (j *CloudBackupJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	if err := j.service.CreateAndUpload(ctx); err != nil {
		return err
	}
	return j.service.RotateOldBackups(ctx, j.retentionDays)
}
