// Package scheduler runs periodic maintenance jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is a named unit of periodic work.
type Job struct {
	Name     string
	Schedule string // five-field cron expression or descriptor such as "@daily"
	Run      func(ctx context.Context, now time.Time) error
}

type scheduledJob struct {
	job      Job
	schedule cron.Schedule
	next     time.Time
	lastErr  error
}

// Scheduler polls its jobs on a ticker and runs the ones that are due.
type Scheduler struct {
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	jobsMu sync.Mutex
	jobs   map[string]*scheduledJob

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job names currently executing (dedup)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a Scheduler that checks for due jobs every interval
// (default 60s).
func NewScheduler(interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Scheduler{
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logger,
		interval: interval,
		now:      time.Now,
		jobs:     make(map[string]*scheduledJob),
		inflight: make(map[string]struct{}),
	}
}

// SetClock overrides the time source.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// Add registers a job. Its first run is the schedule's next activation after now.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("scheduled job requires a name and a run func")
	}
	sched, err := s.parser.Parse(job.Schedule)
	if err != nil {
		return fmt.Errorf("parse cron expression %q: %w", job.Schedule, err)
	}

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("scheduled job %q already registered", job.Name)
	}
	s.jobs[job.Name] = &scheduledJob{job: job, schedule: sched, next: sched.Next(s.now())}
	return nil
}

// NextRun returns when a job is next due.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	sj, ok := s.jobs[name]
	if !ok {
		return time.Time{}, false
	}
	return sj.next, true
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every job whose next activation has passed.
func (s *Scheduler) tick(ctx context.Context) int {
	now := s.now().UTC()

	s.jobsMu.Lock()
	var due []*scheduledJob
	for _, sj := range s.jobs {
		if !sj.next.After(now) {
			due = append(due, sj)
		}
	}
	s.jobsMu.Unlock()

	ran := 0
	for _, sj := range due {
		if !s.tryAcquire(sj.job.Name) {
			continue // already running (dedup)
		}
		s.runJob(ctx, sj, now)
		s.releaseJob(sj.job.Name)
		ran++
	}
	return ran
}

// runJob executes a job and schedules its next activation.
func (s *Scheduler) runJob(ctx context.Context, sj *scheduledJob, now time.Time) {
	s.logger.Debug("running scheduled job", slog.String("job", sj.job.Name))

	err := sj.job.Run(ctx, now)
	if err != nil {
		s.logger.Error("scheduled job failed",
			slog.String("job", sj.job.Name),
			slog.String("error", err.Error()),
		)
	}

	s.jobsMu.Lock()
	sj.lastErr = err
	sj.next = sj.schedule.Next(now)
	s.jobsMu.Unlock()
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

// releaseJob removes the job from the in-flight set.
func (s *Scheduler) releaseJob(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}

// Stop gracefully shuts down the scheduler, waiting for a running tick.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
