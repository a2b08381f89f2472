package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// envPrefix starts every environment name and payload directory.
const envPrefix = "pybox-"

// ManagedContainer is an environment container found on the backend.
type ManagedContainer struct {
	ID      string
	Name    string
	Created time.Time
}

// ContainerLister finds and removes environment containers.
type ContainerLister interface {
	ListManaged(ctx context.Context) ([]ManagedContainer, error)
	Remove(ctx context.Context, id string) error
}

// SweepReport counts what a sweep removed.
type SweepReport struct {
	Containers  int
	PayloadDirs int
}

// Reaper removes environments left behind by a process that died before its
// teardown ran. Anything younger than MaxAge may still belong to a live
// request and is never touched.
type Reaper struct {
	backend ContainerLister
	policy  Policy
	logger  *slog.Logger
	now     func() time.Time
}

// NewReaper creates a Reaper for environments created under policy.
func NewReaper(backend ContainerLister, policy Policy, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		backend: backend,
		policy:  policy,
		logger:  logger.With(slog.String("component", "reaper")),
		now:     time.Now,
	}
}

// MaxAge is the longest a healthy request can hold an environment, plus a
// minute of slack.
func (r *Reaper) MaxAge() time.Duration {
	return r.policy.Timeout + 2*r.policy.GracePeriod + 2*teardownTimeout + time.Minute
}

// Sweep removes stale containers and payload directories. It keeps going
// past individual failures and returns the first one.
func (r *Reaper) Sweep(ctx context.Context) (SweepReport, error) {
	var (
		report   SweepReport
		firstErr error
	)
	cutoff := r.now().Add(-r.MaxAge())

	containers, err := r.backend.ListManaged(ctx)
	if err != nil {
		return report, fmt.Errorf("listing containers: %w", err)
	}
	for _, c := range containers {
		if c.Created.After(cutoff) {
			continue
		}
		if err := r.backend.Remove(ctx, c.ID); err != nil {
			r.logger.Warn("failed to remove orphaned container",
				slog.String("container", c.Name), slog.String("error", err.Error()))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		r.logger.Info("removed orphaned container",
			slog.String("container", c.Name),
			slog.Duration("age", r.now().Sub(c.Created).Round(time.Second)))
		report.Containers++
	}

	n, err := r.sweepPayloadDirs(cutoff)
	report.PayloadDirs = n
	if err != nil && firstErr == nil {
		firstErr = err
	}
	return report, firstErr
}

func (r *Reaper) sweepPayloadDirs(cutoff time.Time) (int, error) {
	root := r.policy.TempDir
	if root == "" {
		root = os.TempDir()
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", root, err)
	}

	removed := 0
	var firstErr error
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), envPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		// Only directories that look like staged payloads.
		if _, err := os.Stat(filepath.Join(dir, PayloadFile)); err != nil {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		removed++
	}
	return removed, firstErr
}
