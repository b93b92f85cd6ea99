package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ReaperConfig configures idle-session reclamation.
type ReaperConfig struct {
	IdleTimeout time.Duration
	Interval    time.Duration
}

// Reaper periodically deletes sessions idle longer than the timeout, whatever their status.
type Reaper struct {
	store  Store
	config ReaperConfig
	logger *slog.Logger
	now    func() time.Time
	onReap func(s *Session)

	mu   sync.Mutex
	cron *cron.Cron
}

// NewReaper creates a reaper over store. onReap, if non-nil, is called for each removed session.
func NewReaper(store Store, cfg ReaperConfig, logger *slog.Logger, onReap func(*Session)) *Reaper {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Reaper{store: store, config: cfg, logger: logger, now: time.Now, onReap: onReap}
}

// SetClock overrides the time source.
func (r *Reaper) SetClock(now func() time.Time) { r.now = now }

// Start schedules Sweep every Interval.
func (r *Reaper) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cron != nil {
		return fmt.Errorf("reaper already started")
	}
	if r.config.Interval <= 0 || r.config.IdleTimeout <= 0 {
		return fmt.Errorf("reaper interval and idle timeout must be positive")
	}

	c := cron.New()
	c.Schedule(cron.Every(r.config.Interval), cron.FuncJob(func() { r.Sweep() }))
	c.Start()
	r.cron = c

	r.logger.Info("session reaper started",
		slog.Duration("interval", r.config.Interval),
		slog.Duration("idle_timeout", r.config.IdleTimeout),
	)
	return nil
}

// Stop cancels the schedule and waits for a running sweep to finish.
func (r *Reaper) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	r.logger.Info("session reaper stopped")
}

// Sweep removes every idle session and returns how many were removed.
func (r *Reaper) Sweep() int {
	now := r.now()
	removed := 0

	r.store.Range(func(s *Session) bool {
		if !s.IdleSince(now, r.config.IdleTimeout) {
			return true
		}
		if r.store.Delete(s.ID) {
			removed++
			r.logger.Info("reaped idle session",
				slog.String("session_id", s.ID),
				slog.String("workflow", s.Workflow.Name),
				slog.String("status", string(s.Status())),
				slog.Duration("idle", now.Sub(s.LastUpdated())),
			)
			if r.onReap != nil {
				r.onReap(s)
			}
		}
		return true
	})
	return removed
}
