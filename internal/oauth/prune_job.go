package oauth

import (
	"context"
	"time"
)

// PruneJob clears expired authorization states from the ledger. Used
// states stay until expiry so replays keep failing.
type PruneJob struct {
	states  *StateStore
	timeout time.Duration
}

// NewPruneJob creates the state prune job.
func NewPruneJob(states *StateStore) *PruneJob {
	return &PruneJob{states: states, timeout: 30 * time.Second}
}

// Name implements scheduler.Job.
func (j *PruneJob) Name() string { return "oauth_state_prune" }

// Run deletes every state past its expiry.
func (j *PruneJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	_, err := j.states.PruneExpired(ctx)
	return err
}
