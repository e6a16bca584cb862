// Package cleanup runs the periodic housekeeping jobs: removing stale temp
// files and re-enqueueing tasks whose stage lease expired.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
)

// RunnableLister finds tasks that are waiting for a stage to run
type RunnableLister interface {
	ListRunnable(ctx context.Context, limit int) ([]string, error)
}

// Enqueuer schedules a task for processing
type Enqueuer interface {
	Enqueue(taskID string) bool
}

// sweepBatch bounds how many tasks one recovery sweep re-enqueues
const sweepBatch = 100

// Config holds the scheduler's dependencies
type Config struct {
	TempDir       string
	Interval      time.Duration
	MaxAge        time.Duration
	SweepInterval time.Duration
	Store         RunnableLister
	Queue         Enqueuer
	Logger        *slog.Logger
}

// Scheduler handles cleanup of temporary files and recovery of abandoned tasks
type Scheduler struct {
	cfg    Config
	cron   *cron.Cron
	logger *slog.Logger
	now    func() time.Time
}

// NewScheduler creates a new cleanup scheduler
func NewScheduler(cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 24 * time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:    cfg,
		cron:   cron.New(),
		logger: logger.With("component", "cleanup"),
		now:    time.Now,
	}
}

// Start runs both jobs once and then on their intervals
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("running initial temp file cleanup")
	s.CleanOldFiles()
	s.Sweep(ctx)

	if _, err := s.cron.AddFunc(every(s.cfg.Interval), s.CleanOldFiles); err != nil {
		return fmt.Errorf("schedule temp cleanup: %w", err)
	}
	if s.cfg.Store != nil && s.cfg.Queue != nil {
		if _, err := s.cron.AddFunc(every(s.cfg.SweepInterval), func() { s.Sweep(ctx) }); err != nil {
			return fmt.Errorf("schedule recovery sweep: %w", err)
		}
	}
	s.cron.Start()

	s.logger.Info("cleanup scheduler started",
		"interval", s.cfg.Interval,
		"max_age", s.cfg.MaxAge,
		"sweep_interval", s.cfg.SweepInterval)
	return nil
}

// Stop stops the scheduler and waits for a running job to finish
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("cleanup scheduler stopped")
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

// Sweep re-enqueues tasks that are runnable but not held by any worker,
// which covers tasks orphaned by a crash and retries lost on restart.
func (s *Scheduler) Sweep(ctx context.Context) int {
	if s.cfg.Store == nil || s.cfg.Queue == nil {
		return 0
	}
	ids, err := s.cfg.Store.ListRunnable(ctx, sweepBatch)
	if err != nil {
		s.logger.Error("recovery sweep failed", "error", err)
		return 0
	}
	var enqueued int
	for _, id := range ids {
		if s.cfg.Queue.Enqueue(id) {
			enqueued++
		}
	}
	if enqueued > 0 {
		s.logger.Info("recovery sweep re-enqueued tasks", "count", enqueued)
	}
	return enqueued
}

// CleanOldFiles removes files older than MaxAge from the temp directory,
// then drops task directories left empty.
func (s *Scheduler) CleanOldFiles() {
	now := s.now()

	var deletedCount int
	var deletedSize int64
	var dirs []string

	err := filepath.Walk(s.cfg.TempDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			if path != s.cfg.TempDir {
				dirs = append(dirs, path)
			}
			return nil
		}

		age := now.Sub(info.ModTime())
		if age <= s.cfg.MaxAge {
			return nil
		}
		size := info.Size()
		if err := os.Remove(path); err != nil {
			s.logger.Warn("failed to delete old file", "path", path, "error", err)
			return nil
		}
		deletedCount++
		deletedSize += size
		s.logger.Debug("deleted old temp file",
			"file", filepath.Base(path),
			"age", age.Round(time.Hour),
			"size_kb", size/1024)
		return nil
	})
	if err != nil {
		s.logger.Error("error during cleanup", "error", err)
	}

	// Deepest first so parents empty out after their children.
	for i := len(dirs) - 1; i >= 0; i-- {
		entries, err := os.ReadDir(dirs[i])
		if err == nil && len(entries) == 0 {
			_ = os.Remove(dirs[i])
		}
	}

	if deletedCount > 0 {
		s.logger.Info("cleanup complete",
			"files_deleted", deletedCount,
			"freed_mb", fmt.Sprintf("%.2f", float64(deletedSize)/(1024*1024)))
	}
}

// EnsureDir creates the directory if it doesn't exist
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}
