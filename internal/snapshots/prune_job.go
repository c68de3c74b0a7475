package snapshots

import (
	"context"
	"time"
)

// retention keeps a month of history, matching the backup retention window.
const retention = 30 * 24 * time.Hour

// PruneJob deletes expired snapshots on the scheduler.
type PruneJob struct {
	store   *Store
	timeout time.Duration
}

func NewPruneJob(store *Store) *PruneJob {
	return &PruneJob{store: store, timeout: time.Minute}
}

// Name implements scheduler.Job.
func (j *PruneJob) Name() string { return "snapshot_prune" }

// Run removes snapshots older than the retention window.
func (j *PruneJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	_, err := j.store.Prune(ctx, time.Now().Add(-retention))
	return err
}
