package postgres

import (
	"context"
	"log/slog"
	"time"

	"github.com/observatory-hq/observatory/internal/adapter/observability"
	"github.com/observatory-hq/observatory/internal/domain"
)

// Reaper enforces TTL retention on a periodic tick. A missed or failed tick
// only extends retention; the next one recovers.
type Reaper struct {
	jobs     domain.JobRepository
	interval time.Duration
}

// NewReaper constructs a Reaper over the job repository.
func NewReaper(jobs domain.JobRepository, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reaper{jobs: jobs, interval: interval}
}

// Run ticks until the context is cancelled. The first pass runs immediately.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.reapOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("reaper stopping")
			return
		case <-ticker.C:
			r.reapOnce(ctx)
		}
	}
}

func (r *Reaper) reapOnce(ctx context.Context) {
	stats, err := r.jobs.Reap(ctx, time.Now().UTC())
	if err != nil {
		slog.Error("reap pass failed", slog.Any("error", err))
		return
	}
	observability.JobsReapedTotal.WithLabelValues("deleted").Add(float64(stats.Deleted))
	observability.JobsReapedTotal.WithLabelValues("timed_out").Add(float64(stats.TimedOut))
	if stats.Deleted > 0 || stats.TimedOut > 0 {
		slog.Info("reap pass completed",
			slog.Int64("deleted", stats.Deleted),
			slog.Int64("timed_out", stats.TimedOut))
	}
}
