// Package admission validates submitted sources and turns them into tasks.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/codebuildervaibhav/lecture-digest/internal/telemetry"
	"github.com/codebuildervaibhav/lecture-digest/internal/types"
)

// Prober reads source metadata without downloading media
type Prober interface {
	Probe(ctx context.Context, ref string) (types.SourceMetadata, error)
}

// TaskCreator persists new tasks, returning the active duplicate if one exists
type TaskCreator interface {
	FindActiveTask(ctx context.Context, userID int64, sourceRef string) (*types.Task, error)
	CreateTask(ctx context.Context, userID int64, sourceRef string, durationSeconds *int) (*types.Task, bool, error)
}

// Enqueuer schedules a task for processing
type Enqueuer interface {
	Enqueue(taskID string) bool
}

// Admitter validates a source reference and creates its task
type Admitter struct {
	store        TaskCreator
	prober       Prober
	queue        Enqueuer
	maxDuration  func() time.Duration
	probeTimeout time.Duration
	metrics      *telemetry.Metrics
	logger       *slog.Logger
}

// Config wires an Admitter. Prober and Metrics may be nil.
type Config struct {
	Store        TaskCreator
	Prober       Prober
	Queue        Enqueuer
	MaxDuration  func() time.Duration
	ProbeTimeout time.Duration
	Metrics      *telemetry.Metrics
	Logger       *slog.Logger
}

// New creates an Admitter
func New(cfg Config) *Admitter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxDuration == nil {
		cfg.MaxDuration = func() time.Duration { return 0 }
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 30 * time.Second
	}
	return &Admitter{
		store:        cfg.Store,
		prober:       cfg.Prober,
		queue:        cfg.Queue,
		maxDuration:  cfg.MaxDuration,
		probeTimeout: cfg.ProbeTimeout,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger.With("component", "admission"),
	}
}

// Admit validates ref, probes its duration when a prober is configured and
// creates a pending task. When the user already has an unfinished task for
// the same source, that task is returned with created false and nothing is
// enqueued.
func (a *Admitter) Admit(ctx context.Context, userID int64, ref string) (*types.Task, bool, error) {
	ref = strings.TrimSpace(ref)
	if err := ValidateSource(ref); err != nil {
		return nil, false, err
	}

	// An unfinished task for the same source is returned without probing again.
	active, err := a.store.FindActiveTask(ctx, userID, ref)
	switch {
	case err == nil:
		a.logger.Info("returning active task for duplicate submission", "task_id", active.ID, "user_id", userID)
		return active, false, nil
	case !errors.Is(err, types.ErrTaskNotFound):
		return nil, false, err
	}

	var duration *int
	if a.prober != nil {
		d, err := a.probe(ctx, ref)
		if err != nil {
			return nil, false, err
		}
		duration = d
	}

	task, created, err := a.store.CreateTask(ctx, userID, ref, duration)
	if err != nil {
		return nil, false, err
	}
	if !created {
		a.logger.Info("returning active task for duplicate submission", "task_id", task.ID, "user_id", userID)
		return task, false, nil
	}

	a.logger.Info("task admitted", "task_id", task.ID, "user_id", userID, "source", ref)
	if a.metrics != nil {
		a.metrics.TasksAdmitted.Add(ctx, 1, metric.WithAttributes(telemetry.AttrOutcome.String("created")))
	}
	if !a.queue.Enqueue(task.ID) {
		a.logger.Warn("queue busy, task left for recovery sweep", "task_id", task.ID)
	}
	return task, true, nil
}

// probe returns the source duration. A transient probe failure admits the
// task without a duration; acquisition checks the limit again.
func (a *Admitter) probe(ctx context.Context, ref string) (*int, error) {
	pctx, cancel := context.WithTimeout(ctx, a.probeTimeout)
	defer cancel()

	meta, err := a.prober.Probe(pctx, ref)
	if err != nil {
		var ae *types.AcquisitionError
		if errors.As(err, &ae) {
			switch ae.Kind {
			case types.KindForbidden:
				return nil, &types.ValidationError{Code: types.CodeForbidden, Message: ae.Message}
			case types.KindNotFound:
				return nil, &types.ValidationError{Code: types.CodeNotFound, Message: "Video is unavailable or private."}
			}
		}
		a.logger.Warn("duration probe failed, admitting without duration", "source", ref, "error", err)
		return nil, nil
	}

	limit := a.maxDuration()
	if limit > 0 && time.Duration(meta.DurationSeconds)*time.Second > limit {
		return nil, &types.ValidationError{
			Code: types.CodeTooLong,
			Message: fmt.Sprintf("Video is too long (%d min). Maximum allowed is %d min.",
				meta.DurationSeconds/60, int(limit.Minutes())),
		}
	}
	if meta.DurationSeconds <= 0 {
		return nil, nil
	}
	d := meta.DurationSeconds
	return &d, nil
}

// ValidateSource accepts http(s) YouTube watch, shorts, live and youtu.be links
func ValidateSource(ref string) error {
	invalid := &types.ValidationError{
		Code:    types.CodeInvalidInput,
		Message: "Please send a valid YouTube link (youtube.com/watch?v=..., youtu.be/..., /shorts/ or /live/).",
	}
	if ref == "" {
		return invalid
	}

	u, err := url.Parse(ref)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return invalid
	}

	path := strings.TrimSuffix(u.Path, "/")
	switch strings.ToLower(u.Hostname()) {
	case "youtube.com", "www.youtube.com", "m.youtube.com":
		switch {
		case path == "/watch":
			if u.Query().Get("v") != "" {
				return nil
			}
		case strings.HasPrefix(path, "/shorts/") && len(path) > len("/shorts/"),
			strings.HasPrefix(path, "/live/") && len(path) > len("/live/"):
			return nil
		}
	case "youtu.be":
		if id := strings.TrimPrefix(path, "/"); id != "" && !strings.Contains(id, "/") {
			return nil
		}
	}
	return invalid
}
