package reliability

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/buntythecoder/trademaster-broker-gateway/internal/database"
)

// MaintenanceJob runs the daily database upkeep pass: integrity checks,
// WAL checkpoints and a disk space gate.
type MaintenanceJob struct {
	databases map[string]*database.DB
	dataDir   string
	timeout   time.Duration
	log       zerolog.Logger
}

func NewMaintenanceJob(databases map[string]*database.DB, dataDir string, log zerolog.Logger) *MaintenanceJob {
	return &MaintenanceJob{
		databases: databases,
		dataDir:   dataDir,
		timeout:   5 * time.Minute,
		log:       log.With().Str("job", "db_maintenance").Logger(),
	}
}

func (j *MaintenanceJob) Name() string { return "db_maintenance" }

func (j *MaintenanceJob) Run() error {
	j.log.Info().Msg("starting database maintenance")
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	for name, db := range j.databases {
		if err := db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("integrity check failed for %s: %w", name, err)
		}
	}

	for name, db := range j.databases {
		if err := db.WALCheckpoint(""); err != nil {
			// Checkpoints retry on the next run.
			j.log.Warn().Err(err).Str("database", name).Msg("WAL checkpoint failed")
		}
	}

	if err := j.checkDiskSpace(); err != nil {
		return err
	}

	j.logDatabaseSizes()

	j.log.Info().
		Dur("duration_ms", time.Since(start)).
		Msg("database maintenance completed")
	return nil
}

// checkDiskSpace fails the job when free space drops below half a
// gigabyte; the scheduler surfaces the failure loudly.
func (j *MaintenanceJob) checkDiskSpace() error {
	usage, err := disk.Usage(j.dataDir)
	if err != nil {
		return fmt.Errorf("failed to stat filesystem: %w", err)
	}

	freeGB := float64(usage.Free) / 1e9
	switch {
	case freeGB < 0.5:
		j.log.Error().Float64("free_gb", freeGB).Msg("insufficient disk space")
		return fmt.Errorf("only %.2f GB free on data volume", freeGB)
	case freeGB < 5.0:
		j.log.Error().Float64("free_gb", freeGB).Msg("low disk space")
	case freeGB < 10.0:
		j.log.Warn().Float64("free_gb", freeGB).Msg("disk space running low")
	}
	return nil
}

func (j *MaintenanceJob) logDatabaseSizes() {
	for name, db := range j.databases {
		stats, err := db.GetStats()
		if err != nil {
			j.log.Warn().Err(err).Str("database", name).Msg("failed to read database stats")
			continue
		}
		j.log.Info().
			Str("database", name).
			Float64("size_mb", float64(stats.SizeBytes)/1024/1024).
			Float64("wal_size_mb", float64(stats.WALSizeBytes)/1024/1024).
			Msg("database size")
	}
}

// VacuumJob reclaims space from the rebuildable databases weekly. The
// connections ledger is append-mostly and is deliberately skipped.
type VacuumJob struct {
	databases map[string]*database.DB
	skip      map[string]bool
	log       zerolog.Logger
}

func NewVacuumJob(databases map[string]*database.DB, log zerolog.Logger) *VacuumJob {
	return &VacuumJob{
		databases: databases,
		skip:      map[string]bool{"connections": true},
		log:       log.With().Str("job", "db_vacuum").Logger(),
	}
}

func (j *VacuumJob) Name() string { return "db_vacuum" }

func (j *VacuumJob) Run() error {
	var lastErr error
	for name, db := range j.databases {
		if j.skip[name] {
			continue
		}
		if err := j.vacuum(name, db); err != nil {
			j.log.Error().Err(err).Str("database", name).Msg("VACUUM failed")
			lastErr = err
		}
	}
	return lastErr
}

func (j *VacuumJob) vacuum(name string, db *database.DB) error {
	before, err := db.GetStats()
	if err != nil {
		return fmt.Errorf("failed to read stats before VACUUM: %w", err)
	}

	if _, err := db.Conn().Exec("VACUUM"); err != nil {
		return fmt.Errorf("VACUUM failed: %w", err)
	}

	after, err := db.GetStats()
	if err != nil {
		return fmt.Errorf("failed to read stats after VACUUM: %w", err)
	}

	j.log.Info().
		Str("database", name).
		Float64("size_before_mb", float64(before.PageCount*before.PageSize)/1024/1024).
		Float64("size_after_mb", float64(after.PageCount*after.PageSize)/1024/1024).
		Msg("VACUUM completed")
	return nil
}
