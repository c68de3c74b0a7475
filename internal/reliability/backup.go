package reliability

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/buntythecoder/trademaster-broker-gateway/internal/database"
)

const (
	dailyRetentionDays  = 7
	weeklyRetentionWeek = 4
)

// BackupService creates verified local copies of the gateway databases.
// Copies are taken with VACUUM INTO, which is atomic and leaves no WAL
// sidecar next to the copy.
type BackupService struct {
	databases map[string]*database.DB
	backupDir string
	log       zerolog.Logger
}

func NewBackupService(databases map[string]*database.DB, backupDir string, log zerolog.Logger) *BackupService {
	return &BackupService{
		databases: databases,
		backupDir: backupDir,
		log:       log.With().Str("service", "backup").Logger(),
	}
}

// DatabaseNames returns the managed database names in stable order.
func (s *BackupService) DatabaseNames() []string {
	names := make([]string, 0, len(s.databases))
	for name := range s.databases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DailyBackup copies every database into backups/daily/<date>/ and prunes
// run directories older than a week.
func (s *BackupService) DailyBackup() error {
	s.log.Info().Msg("starting daily backup")
	start := time.Now()

	date := time.Now().Format("2006-01-02")
	dailyDir := filepath.Join(s.backupDir, "daily", date)
	if err := os.MkdirAll(dailyDir, 0o755); err != nil {
		return fmt.Errorf("failed to create daily backup directory: %w", err)
	}

	if err := s.backupAll(dailyDir); err != nil {
		return err
	}

	if err := s.rotateDaily(); err != nil {
		s.log.Error().Err(err).Msg("failed to rotate daily backups")
	}

	s.log.Info().
		Dur("duration_ms", time.Since(start)).
		Str("backup_dir", dailyDir).
		Msg("daily backup completed")
	return nil
}

// WeeklyBackup copies every database into backups/weekly/<iso-week>/ and
// prunes directories older than four weeks.
func (s *BackupService) WeeklyBackup() error {
	s.log.Info().Msg("starting weekly backup")
	start := time.Now()

	year, week := time.Now().ISOWeek()
	weekDir := filepath.Join(s.backupDir, "weekly", fmt.Sprintf("%04d-W%02d", year, week))
	if err := os.MkdirAll(weekDir, 0o755); err != nil {
		return fmt.Errorf("failed to create weekly backup directory: %w", err)
	}

	if err := s.backupAll(weekDir); err != nil {
		return err
	}

	if err := s.rotateWeekly(); err != nil {
		s.log.Error().Err(err).Msg("failed to rotate weekly backups")
	}

	s.log.Info().
		Dur("duration_ms", time.Since(start)).
		Str("backup_dir", weekDir).
		Msg("weekly backup completed")
	return nil
}

// backupAll copies and verifies each database; a single bad database does
// not stop the others.
func (s *BackupService) backupAll(dir string) error {
	var lastErr error
	for _, name := range s.DatabaseNames() {
		path := filepath.Join(dir, name+".db")
		if err := s.BackupDatabase(name, path); err != nil {
			s.log.Error().Err(err).Str("database", name).Msg("failed to back up database")
			lastErr = err
			continue
		}
		if err := s.VerifyBackup(path); err != nil {
			s.log.Error().Err(err).Str("database", name).Msg("backup verification failed")
			os.Remove(path)
			lastErr = err
		}
	}
	return lastErr
}

// BackupDatabase copies one database to path using VACUUM INTO.
func (s *BackupService) BackupDatabase(name, path string) error {
	db, ok := s.databases[name]
	if !ok {
		return fmt.Errorf("database %s not found", name)
	}

	// VACUUM INTO refuses to overwrite.
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to replace existing backup: %w", err)
		}
	}

	if _, err := db.Conn().Exec(fmt.Sprintf("VACUUM INTO '%s'", path)); err != nil {
		return fmt.Errorf("VACUUM INTO failed for %s: %w", name, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat backup: %w", err)
	}
	s.log.Debug().
		Str("database", name).
		Float64("size_mb", float64(info.Size())/1024/1024).
		Msg("backup created")
	return nil
}

// VerifyBackup opens the copy and runs a full integrity check.
func (s *BackupService) VerifyBackup(path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("failed to open backup: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

func (s *BackupService) rotateDaily() error {
	return s.rotateDated(filepath.Join(s.backupDir, "daily"), "2006-01-02",
		time.Now().AddDate(0, 0, -dailyRetentionDays))
}

func (s *BackupService) rotateWeekly() error {
	dir := filepath.Join(s.backupDir, "weekly")
	cutoff := time.Now().AddDate(0, 0, -weeklyRetentionWeek*7)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read weekly backup directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		// Week directory names do not parse back to a date; age by mtime.
		if info.ModTime().Before(cutoff) {
			s.removeRun(filepath.Join(dir, entry.Name()))
		}
	}
	return nil
}

// rotateDated prunes run directories whose name parses to a date before
// the cutoff.
func (s *BackupService) rotateDated(dir, layout string, cutoff time.Time) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read backup directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		runDate, err := time.Parse(layout, entry.Name())
		if err != nil {
			s.log.Warn().Str("dir", entry.Name()).Msg("unparseable backup directory name")
			continue
		}
		if runDate.Before(cutoff) {
			s.removeRun(filepath.Join(dir, entry.Name()))
		}
	}
	return nil
}

func (s *BackupService) removeRun(path string) {
	if err := os.RemoveAll(path); err != nil {
		s.log.Warn().Err(err).Str("path", path).Msg("failed to delete old backup")
		return
	}
	s.log.Debug().Str("path", path).Msg("deleted old backup")
}

// DailyBackupJob wraps DailyBackup for the scheduler.
type DailyBackupJob struct {
	service *BackupService
}

func NewDailyBackupJob(service *BackupService) *DailyBackupJob {
	return &DailyBackupJob{service: service}
}

func (j *DailyBackupJob) Name() string { return "daily_backup" }

func (j *DailyBackupJob) Run() error { return j.service.DailyBackup() }

// WeeklyBackupJob wraps WeeklyBackup for the scheduler.
type WeeklyBackupJob struct {
	service *BackupService
}

func NewWeeklyBackupJob(service *BackupService) *WeeklyBackupJob {
	return &WeeklyBackupJob{service: service}
}

func (j *WeeklyBackupJob) Name() string { return "weekly_backup" }

func (j *WeeklyBackupJob) Run() error { return j.service.WeeklyBackup() }
