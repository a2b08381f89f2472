// Package cron runs periodic maintenance jobs such as sweeping orphaned
// sandboxes and pruning execution history. Schedules are either
// "@every <duration>" or a standard 5-field cron expression.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	robfig "github.com/robfig/cron/v3"
)

// JobFunc is the work a job does on each firing.
type JobFunc func(ctx context.Context) error

// Job is a named, scheduled JobFunc.
type Job struct {
	Name     string
	Schedule string
}

type jobEntry struct {
	job   Job
	sched robfig.Schedule
	fn    JobFunc
	mu    sync.Mutex // one firing at a time
}

// ErrJobNotFound is returned by RunNow for an unknown job.
var ErrJobNotFound = errors.New("cron: job not found")

// Scheduler fires jobs on their schedules until stopped.
type Scheduler struct {
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]*jobEntry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates an empty Scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger:  logger.With(slog.String("component", "cron")),
		entries: make(map[string]*jobEntry),
	}
}

// Add registers a job. It must be called before Start.
func (s *Scheduler) Add(name, spec string, fn JobFunc) error {
	sched, err := parseSchedule(spec)
	if err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", spec, name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[name]; exists {
		return fmt.Errorf("cron: job %q already registered", name)
	}
	s.entries[name] = &jobEntry{job: Job{Name: name, Schedule: spec}, sched: sched, fn: fn}
	return nil
}

// Jobs lists registered jobs by name.
func (s *Scheduler) Jobs() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]Job, 0, len(s.entries))
	for _, e := range s.entries {
		jobs = append(jobs, e.job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Name < jobs[j].Name })
	return jobs
}

// Start launches one goroutine per job. Jobs stop when ctx is cancelled or
// Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, entry := range s.entries {
		s.wg.Add(1)
		go func(e *jobEntry) {
			defer s.wg.Done()
			s.loop(ctx, e)
		}(entry)
	}
}

// Stop cancels all jobs and waits for running firings to return.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// RunNow fires a job immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.RLock()
	entry, ok := s.entries[name]
	s.mu.RUnlock()
	if !ok {
		return ErrJobNotFound
	}
	return s.fire(ctx, entry)
}

func (s *Scheduler) loop(ctx context.Context, e *jobEntry) {
	for {
		now := time.Now()
		delay := e.sched.Next(now).Sub(now)
		if delay < 0 {
			delay = time.Second
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			_ = s.fire(ctx, e)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, e *jobEntry) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cron: job %s panicked: %v", e.job.Name, r)
		}
		if err != nil {
			s.logger.Warn("job failed", slog.String("job", e.job.Name), slog.String("error", err.Error()))
			return
		}
		s.logger.Debug("job finished", slog.String("job", e.job.Name), slog.Duration("took", time.Since(start)))
	}()

	return e.fn(ctx)
}
