package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fortdesk/knoxcore/internal/store"
	"github.com/fortdesk/knoxcore/pkg/telemetry"
)

// Reaper sweeps jobs stuck in "running" past Deadline and fails them with
// error_code "TIMEOUT". The core has no distributed coordinator to enforce
// a deadline inline, so the deadline is made concrete as a periodic sweep
// instead.
type Reaper struct {
	store  *store.Store
	logger *telemetry.Logger
	cron   *cron.Cron
}

func NewReaper(s *store.Store, logger *telemetry.Logger) *Reaper {
	return &Reaper{store: s, logger: logger}
}

// Start schedules the sweep on the given seconds-enabled cron spec (e.g.
// "*/30 * * * * *" for every 30s) and returns once scheduled; it does not
// block.
func (r *Reaper) Start(spec string) error {
	c := cron.New(cron.WithSeconds())
	if _, err := c.AddFunc(spec, r.sweepOnce); err != nil {
		return err
	}
	r.cron = c
	c.Start()
	return nil
}

func (r *Reaper) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

func (r *Reaper) sweepOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := r.store.FailStaleRunningJobs(ctx, Deadline)
	if err != nil {
		if r.logger != nil {
			r.logger.Error(ctx, "job_reaper_sweep_failed", map[string]any{"error": err.Error()})
		}
		return
	}
	if n > 0 && r.logger != nil {
		r.logger.Info(ctx, "job_reaper_swept_stale_jobs", map[string]any{"count": n})
	}
}
