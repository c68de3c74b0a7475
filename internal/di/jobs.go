package di

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/buntythecoder/trademaster-broker-gateway/internal/clientdata"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/config"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/connections"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/fx"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/oauth"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/reliability"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/scheduler"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/snapshots"
)

// RegisterJobs creates the background jobs and registers them with the
// scheduler. Returns the instances for manual triggering.
func RegisterJobs(container *Container, cfg *config.Config, sched *scheduler.Scheduler, log zerolog.Logger) (*JobInstances, error) {
	if container == nil {
		return nil, fmt.Errorf("container cannot be nil")
	}

	instances := &JobInstances{}

	add := func(spec string, job scheduler.Job) error {
		if err := sched.AddJob(spec, job); err != nil {
			return fmt.Errorf("failed to schedule %s: %w", job.Name(), err)
		}
		return nil
	}

	// Connection probing keeps health and latency data fresh; the order
	// router and the health endpoint both read it.
	instances.Probe = connections.NewProbeJob(container.Manager)
	if err := add("@every "+cfg.ProbeInterval.String(), instances.Probe); err != nil {
		return nil, err
	}

	// FX rates move slowly; refreshing ahead of cache expiry keeps INR
	// conversion off the request path.
	instances.FXRefresh = fx.NewRefreshJob(container.FX)
	if err := add("@every "+cfg.FXRefreshInterval.String(), instances.FXRefresh); err != nil {
		return nil, err
	}

	instances.SnapshotPrune = snapshots.NewPruneJob(container.Snapshots)
	if err := add("0 45 * * * *", instances.SnapshotPrune); err != nil {
		return nil, err
	}

	instances.CacheCleanup = clientdata.NewCleanupJob(container.ClientData, log)
	if err := add("0 */10 * * * *", instances.CacheCleanup); err != nil {
		return nil, err
	}

	instances.StatePrune = oauth.NewPruneJob(container.States)
	if err := add("0 */15 * * * *", instances.StatePrune); err != nil {
		return nil, err
	}

	// Backups and maintenance run overnight, outside Indian market hours.
	instances.DailyBackup = reliability.NewDailyBackupJob(container.Backups)
	if err := add("0 30 1 * * *", instances.DailyBackup); err != nil {
		return nil, err
	}

	instances.WeeklyBackup = reliability.NewWeeklyBackupJob(container.Backups)
	if err := add("0 0 2 * * 0", instances.WeeklyBackup); err != nil {
		return nil, err
	}

	instances.Maintenance = reliability.NewMaintenanceJob(container.Databases(), cfg.DataDir, log)
	if err := add("0 0 3 * * *", instances.Maintenance); err != nil {
		return nil, err
	}

	instances.Vacuum = reliability.NewVacuumJob(container.Databases(), log)
	if err := add("0 0 4 * * 0", instances.Vacuum); err != nil {
		return nil, err
	}

	if container.CloudBackups != nil {
		instances.CloudBackup = reliability.NewCloudBackupJob(container.CloudBackups, cfg.Backup.RetentionDays)
		if err := add("0 30 2 * * *", instances.CloudBackup); err != nil {
			return nil, err
		}
	}

	log.Info().Msg("Background jobs registered")

	return instances, nil
}
