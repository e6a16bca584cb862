package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DurationLimit holds the reloadable source duration limit
type DurationLimit struct {
	v atomic.Int64
}

// NewDurationLimit creates a limit holder initialised to d
func NewDurationLimit(d time.Duration) *DurationLimit {
	l := &DurationLimit{}
	l.Set(d)
	return l
}

// Get returns the current limit
func (l *DurationLimit) Get() time.Duration { return time.Duration(l.v.Load()) }

// Set replaces the current limit
func (l *DurationLimit) Set(d time.Duration) { l.v.Store(int64(d)) }

// Watcher reloads the config file on change and hands the result to onChange.
// Invalid files are logged and ignored.
type Watcher struct {
	path     string
	logger   *slog.Logger
	onChange func(*Config)
}

// NewWatcher creates a watcher for the config file at path
func NewWatcher(path string, logger *slog.Logger, onChange func(*Config)) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{path: path, logger: logger, onChange: onChange}
}

// Start watches the file's directory until ctx is done
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Editors replace files by rename, so watch the directory.
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		_ = fsw.Close()
		return err
	}
	target := filepath.Clean(w.path)

	go func() {
		defer fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				w.reload(ev.Op)
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (w *Watcher) reload(op fsnotify.Op) {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload rejected", "path", w.path, "op", op.String(), "error", err)
		return
	}
	w.logger.Info("config reloaded", "path", w.path, "op", op.String())
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
