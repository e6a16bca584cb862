package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/codebuildervaibhav/lecture-digest/internal/export"
	"github.com/codebuildervaibhav/lecture-digest/internal/types"
)

// Sink delivers task outcomes to a recipient. Delivery is best effort; the
// caller logs failures and never changes task state because of them.
type Sink interface {
	Deliver(ctx context.Context, recipient int64, set export.ArtifactSet) error
	NotifyFailure(ctx context.Context, recipient int64, taskID string, te types.TaskError) error
}

// Multi fans out to every sink and joins their errors
type Multi []Sink

// Deliver sends the artifact set to every sink
func (m Multi) Deliver(ctx context.Context, recipient int64, set export.ArtifactSet) error {
	var errs []error
	for _, s := range m {
		if err := s.Deliver(ctx, recipient, set); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NotifyFailure reports the failure to every sink
func (m Multi) NotifyFailure(ctx context.Context, recipient int64, taskID string, te types.TaskError) error {
	var errs []error
	for _, s := range m {
		if err := s.NotifyFailure(ctx, recipient, taskID, te); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log records outcomes when no transport is configured
type Log struct {
	Logger *slog.Logger
}

func (l Log) Deliver(ctx context.Context, recipient int64, set export.ArtifactSet) error {
	names := make([]string, 0, len(set.Artifacts))
	for _, a := range set.Artifacts {
		names = append(names, a.Name)
	}
	l.Logger.Info("artifacts ready", "task_id", set.TaskID, "recipient", recipient, "files", names)
	return nil
}

func (l Log) NotifyFailure(ctx context.Context, recipient int64, taskID string, te types.TaskError) error {
	l.Logger.Info("task failed", "task_id", taskID, "recipient", recipient, "code", te.Code, "message", te.UserMessage())
	return nil
}
