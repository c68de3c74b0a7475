package fx

import (
	"context"
	"time"
)

// watchedPairs are pre-warmed so display conversions hit a fresh cache
// instead of paying the upstream round trip on a user request.
var watchedPairs = [][2]string{
	{"INR", "USD"},
	{"INR", "EUR"},
	{"INR", "GBP"},
	{"USD", "INR"},
}

// RefreshJob re-fetches the watched pairs on the scheduler.
type RefreshJob struct {
	service *Service
	timeout time.Duration
}

func NewRefreshJob(service *Service) *RefreshJob {
	return &RefreshJob{service: service, timeout: 30 * time.Second}
}

// Name implements scheduler.Job.
func (j *RefreshJob) Name() string { return "fx_refresh" }

// Run refreshes each watched pair, continuing past individual failures.
func (j *RefreshJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	var lastErr error
	for _, pair := range watchedPairs {
		if _, err := j.service.Rate(ctx, pair[0], pair[1]); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
