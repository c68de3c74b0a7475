package connections

import (
	"context"
	"time"
)

// ProbeJob runs the five-minute probe sweep on the scheduler.
type ProbeJob struct {
	manager *Manager
	timeout time.Duration
}

// NewProbeJob creates the sweep job.
func NewProbeJob(manager *Manager) *ProbeJob {
	return &ProbeJob{manager: manager, timeout: 2 * time.Minute}
}

// Name implements scheduler.Job.
func (j *ProbeJob) Name() string { return "connection_probe" }

// Run probes every Connected and Degraded connection once.
func (j *ProbeJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	return j.manager.ProbeAll(ctx)
}
