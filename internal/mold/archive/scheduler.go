package archive

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs one independent cron entry per archive Job. Each entry's
// own Job.running guard means a slow archive cycle is skipped, not queued,
// on the next scheduled firing.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	jobs   []*Job
}

// NewScheduler creates an empty Scheduler. Use AddJob to register one cron
// entry per stream before calling Start.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))
	return &Scheduler{cron: c, logger: logger}
}

// AddJob registers job to run on the given standard 5-field cron schedule.
func (s *Scheduler) AddJob(schedule string, job *Job) error {
	jobRef := job
	if _, err := s.cron.AddFunc(schedule, func() {
		ctx := context.Background()
		if err := jobRef.Run(ctx, time.Now()); err != nil {
			s.logger.Error("archive: job failed", "stream", jobRef.StreamName, "err", err)
		}
	}); err != nil {
		return fmt.Errorf("archive: adding cron entry for %q: %w", job.StreamName, err)
	}
	s.jobs = append(s.jobs, job)
	s.logger.Info("archive: registered rotation job", "stream", job.StreamName, "schedule", schedule)
	return nil
}

// Start begins running registered jobs on their schedules.
func (s *Scheduler) Start() {
	s.logger.Info("archive: scheduler started", "jobs", len(s.jobs))
	s.cron.Start()
}

// Stop stops the scheduler and waits (bounded by ctx) for in-flight jobs to
// finish their current cycle.
func (s *Scheduler) Stop(ctx context.Context) {
	s.logger.Info("archive: scheduler stopping")
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		s.logger.Info("archive: scheduler stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn("archive: scheduler stop timed out")
	}
}

// Jobs returns the registered jobs.
func (s *Scheduler) Jobs() []*Job {
	return s.jobs
}
