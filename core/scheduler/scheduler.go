package scheduler

import (
	"context"
	"log/slog"
	"time"

	"inference-orchestrator/core/queue"
)

// PendingLister finds jobs that were created but never picked up
type PendingLister interface {
	ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
}

// Enqueuer dispatches a job to the workers
type Enqueuer interface {
	Enqueue(ctx context.Context, kind, jobID string) error
}

// Scheduler re-dispatches analysis jobs left PENDING, for example when the
// API stored the job but the publish to the queue failed
type Scheduler struct {
	jobs     PendingLister
	queue    Enqueuer
	interval time.Duration
	minAge   time.Duration
	batch    int
	logger   *slog.Logger
	now      func() time.Time
}

// NewScheduler creates a new scheduler. Jobs younger than minAge are left
// alone so a normal enqueue is never duplicated.
func NewScheduler(jobs PendingLister, q Enqueuer, interval, minAge time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		jobs:     jobs,
		queue:    q,
		interval: interval,
		minAge:   minAge,
		batch:    100,
		logger:   logger,
		now:      time.Now,
	}
}

// Start sweeps once, then on every tick until ctx is done
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep enqueues stale pending jobs and returns how many were dispatched
func (s *Scheduler) Sweep(ctx context.Context) int {
	ids, err := s.jobs.ListStalePending(ctx, s.now().Add(-s.minAge), s.batch)
	if err != nil {
		s.logger.Error("failed to load pending jobs", "err", err)
		return 0
	}

	sent := 0
	for _, id := range ids {
		if err := s.queue.Enqueue(ctx, queue.KindAnalysis, id); err != nil {
			s.logger.Error("failed to re-enqueue job", "job_id", id, "err", err)
			continue
		}
		sent++
	}
	if sent > 0 {
		s.logger.Info("re-enqueued stale pending jobs", "count", sent)
	}
	return sent
}
