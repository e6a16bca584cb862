// Package pipeline drives tasks through acquisition, transcription,
// summarization and finalization. It is the only writer of task status.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/codebuildervaibhav/lecture-digest/internal/acquisition"
	"github.com/codebuildervaibhav/lecture-digest/internal/events"
	"github.com/codebuildervaibhav/lecture-digest/internal/export"
	"github.com/codebuildervaibhav/lecture-digest/internal/notify"
	"github.com/codebuildervaibhav/lecture-digest/internal/summarize"
	"github.com/codebuildervaibhav/lecture-digest/internal/telemetry"
	"github.com/codebuildervaibhav/lecture-digest/internal/types"
)

// ErrNotCompleted is returned when artifacts are requested for an unfinished task
var ErrNotCompleted = errors.New("task is not completed")

const deliveryTimeout = 2 * time.Minute

// Store is the persistence the orchestrator needs
type Store interface {
	GetTask(ctx context.Context, id string) (*types.Task, error)
	GetResult(ctx context.Context, taskID string) (*types.Result, error)
	BeginStage(ctx context.Context, id string, stage types.Stage, from []types.Status, running types.Status, owner string, lease time.Duration) (int, bool, error)
	AdvanceStage(ctx context.Context, id, owner string, running, next types.Status, out types.StageOutput) (bool, error)
	ReleaseForRetry(ctx context.Context, id, owner string, stage types.Stage, cause string, retryAt time.Time) (bool, error)
	FailTask(ctx context.Context, id, owner string, terr types.TaskError) (bool, error)
}

// Scheduler delivers task ids back to the workers
type Scheduler interface {
	Enqueue(taskID string) bool
	EnqueueAfter(taskID string, delay time.Duration)
}

// Fetcher acquires audio for a source
type Fetcher interface {
	Fetch(ctx context.Context, req acquisition.FetchRequest) (types.Audio, error)
}

// Transcriber turns audio into text
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (types.Transcript, error)
}

// Summarizer reduces a transcript to a summary and an outline
type Summarizer interface {
	Summarize(ctx context.Context, transcript string) (summarize.Digest, error)
}

// ArtifactWriter persists the exported files
type ArtifactWriter interface {
	SaveArtifacts(set export.ArtifactSet) (string, error)
}

// Publisher receives status events
type Publisher interface {
	Publish(ev events.StatusEvent)
}

// Deps are the collaborators of an Orchestrator. Artifacts, Notifier,
// Events, Tracer and Metrics are optional.
type Deps struct {
	Store       Store
	Scheduler   Scheduler
	Fetcher     Fetcher
	Transcriber Transcriber
	Summarizer  Summarizer
	Artifacts   ArtifactWriter
	Notifier    notify.Sink
	Events      Publisher
	Tracer      trace.Tracer
	Metrics     *telemetry.Metrics
	Logger      *slog.Logger
}

// Options tune an Orchestrator
type Options struct {
	Policies    map[types.Stage]StagePolicy
	LeaseGrace  time.Duration
	TempDir     string
	MaxDuration func() time.Duration
}

// Orchestrator runs one stage per delivery and re-enqueues the task for the next
type Orchestrator struct {
	Deps
	opts     Options
	instance string
	now      func() time.Time
}

// New creates an Orchestrator
func New(deps Deps, opts Options) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	deps.Logger = deps.Logger.With("component", "pipeline")
	if deps.Tracer == nil {
		deps.Tracer = telemetry.NoopProvider().Tracer
	}
	if opts.MaxDuration == nil {
		opts.MaxDuration = func() time.Duration { return 0 }
	}
	if opts.LeaseGrace <= 0 {
		opts.LeaseGrace = time.Minute
	}
	host, _ := os.Hostname()
	return &Orchestrator{
		Deps:     deps,
		opts:     opts,
		instance: fmt.Sprintf("%s-%d", host, os.Getpid()),
		now:      time.Now,
	}
}

// WorkDir is the temporary directory holding a task's intermediate files
func (o *Orchestrator) WorkDir(taskID string) string {
	return filepath.Join(o.opts.TempDir, taskID)
}

func (o *Orchestrator) policy(stage types.Stage) StagePolicy {
	p, ok := o.opts.Policies[stage]
	if !ok {
		p = StagePolicy{}
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Timeout <= 0 {
		p.Timeout = 10 * time.Minute
	}
	return p
}

// stageResult is what a successful stage hands back
type stageResult struct {
	output    types.StageOutput
	artifacts *export.ArtifactSet
}

// Process runs the next stage of the task. Deliveries for terminal tasks, for
// tasks whose stage is held by another worker, and for unknown ids are
// no-ops. Only store failures are returned; the task then waits for its
// lease to expire and the recovery sweep.
func (o *Orchestrator) Process(ctx context.Context, taskID string) error {
	// Stage work outlives the delivering context; shutdown drains, it does not cancel.
	ctx = context.WithoutCancel(ctx)
	logger := o.Logger.With("task_id", taskID)

	task, err := o.Store.GetTask(ctx, taskID)
	if errors.Is(err, types.ErrTaskNotFound) {
		logger.Warn("delivery for unknown task ignored")
		return nil
	}
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		logger.Debug("task already terminal", "status", task.Status)
		return nil
	}

	tr, ok := transitionFor(task.Status)
	if !ok {
		return fmt.Errorf("no stage starts from status %s", task.Status)
	}
	policy := o.policy(tr.stage)
	owner := o.instance + ":" + uuid.NewString()
	logger = logger.With("stage", tr.stage)

	attempt, claimed, err := o.Store.BeginStage(ctx, taskID, tr.stage, tr.from, tr.running, owner, policy.Timeout+o.opts.LeaseGrace)
	if err != nil {
		return err
	}
	if !claimed {
		logger.Debug("stage claimed elsewhere or status moved on")
		return nil
	}
	logger = logger.With("attempt", attempt)

	// Attempts begun by a worker that died without recording an outcome still count.
	if attempt > policy.MaxAttempts {
		cause := fmt.Errorf("%s did not complete within %d attempts", tr.stage, policy.MaxAttempts)
		return o.fail(ctx, logger, task, tr.stage, owner, attempt-1, cause)
	}

	o.publish(events.StatusEvent{TaskID: taskID, Kind: events.KindStageStarted, Stage: tr.stage, Status: tr.running, Attempt: attempt})
	logger.Info("stage started")

	spanCtx, span := telemetry.StartSpan(ctx, o.Tracer, "pipeline."+string(tr.stage),
		telemetry.AttrTaskID.String(taskID),
		telemetry.AttrStage.String(string(tr.stage)),
		telemetry.AttrAttempt.Int(attempt),
	)
	defer span.End()

	start := o.now()
	stageCtx, cancel := context.WithTimeout(spanCtx, policy.Timeout)
	res, runErr := o.runStage(stageCtx, tr.stage, task)
	cancel()
	elapsed := o.now().Sub(start)

	if runErr == nil {
		advanced, err := o.Store.AdvanceStage(ctx, taskID, owner, tr.running, tr.next, res.output)
		if err != nil {
			span.RecordError(err)
			return err
		}
		if !advanced {
			logger.Warn("lease lost before stage output was stored")
			o.record(spanCtx, tr.stage, "lease_lost", elapsed)
			return nil
		}
		o.record(spanCtx, tr.stage, "advanced", elapsed)
		span.SetAttributes(telemetry.AttrOutcome.String("advanced"))
		logger.Info("stage completed", "status", tr.next, "duration", elapsed)

		if tr.next == types.StatusCompleted {
			o.publish(events.StatusEvent{TaskID: taskID, Kind: events.KindCompleted, Stage: tr.stage, Status: tr.next})
			o.deliver(ctx, logger, task, res.artifacts)
			o.cleanup(logger, taskID)
			return nil
		}
		o.publish(events.StatusEvent{TaskID: taskID, Kind: events.KindStatusChanged, Stage: tr.stage, Status: tr.next})
		if !o.Scheduler.Enqueue(taskID) {
			logger.Warn("queue busy, next stage left for recovery sweep")
		}
		return nil
	}

	span.RecordError(runErr)
	span.SetStatus(codes.Error, runErr.Error())

	var storeErr *types.StoreError
	if errors.As(runErr, &storeErr) {
		o.record(spanCtx, tr.stage, "store_error", elapsed)
		return runErr
	}

	if policy.Allows(attempt, runErr) {
		delay := policy.Delay(attempt)
		released, err := o.Store.ReleaseForRetry(ctx, taskID, owner, tr.stage, runErr.Error(), o.now().Add(delay))
		if err != nil {
			return err
		}
		o.record(spanCtx, tr.stage, "retry", elapsed)
		span.SetAttributes(telemetry.AttrOutcome.String("retry"))
		if !released {
			logger.Warn("lease lost before retry was scheduled", "error", runErr)
			return nil
		}
		logger.Warn("stage failed, retrying", "error", runErr, "delay", delay)
		o.publish(events.StatusEvent{TaskID: taskID, Kind: events.KindStageRetrying, Stage: tr.stage, Status: tr.running, Attempt: attempt})
		o.Scheduler.EnqueueAfter(taskID, delay)
		return nil
	}

	o.record(spanCtx, tr.stage, "failed", elapsed)
	span.SetAttributes(telemetry.AttrOutcome.String("failed"))
	return o.fail(ctx, logger, task, tr.stage, owner, attempt, runErr)
}

// fail records the terminal failure and tells the recipient
func (o *Orchestrator) fail(ctx context.Context, logger *slog.Logger, task *types.Task, stage types.Stage, owner string, attempts int, cause error) error {
	te := types.DescribeFailure(stage, attempts, cause)
	failed, err := o.Store.FailTask(ctx, task.ID, owner, te)
	if err != nil {
		return err
	}
	if !failed {
		logger.Warn("task moved on before failure was stored", "error", cause)
		return nil
	}
	logger.Error("task failed", "code", te.Code, "error", cause)
	o.publish(events.StatusEvent{TaskID: task.ID, Kind: events.KindFailed, Stage: stage, Status: types.StatusFailed, Error: &te})

	if o.Notifier != nil {
		nctx, cancel := context.WithTimeout(ctx, deliveryTimeout)
		defer cancel()
		if err := o.Notifier.NotifyFailure(nctx, task.UserID, task.ID, te); err != nil {
			logger.Error("failed to send failure notification", "error", err)
		}
	}
	o.cleanup(logger, task.ID)
	return nil
}

func (o *Orchestrator) runStage(ctx context.Context, stage types.Stage, task *types.Task) (stageResult, error) {
	switch stage {
	case types.StageAcquisition:
		return o.acquire(ctx, task)
	case types.StageTranscription:
		return o.transcribe(ctx, task)
	case types.StageSummarization:
		return o.summarize(ctx, task)
	case types.StageFinalization:
		return o.finalize(ctx, task)
	}
	return stageResult{}, fmt.Errorf("unknown stage %s", stage)
}

func (o *Orchestrator) acquire(ctx context.Context, task *types.Task) (stageResult, error) {
	maxSeconds := int(o.opts.MaxDuration().Seconds())
	if task.DurationSeconds != nil {
		if err := acquisition.CheckDuration(*task.DurationSeconds, maxSeconds); err != nil {
			return stageResult{}, err
		}
	}

	audio, err := o.Fetcher.Fetch(ctx, acquisition.FetchRequest{
		SourceRef:          task.SourceRef,
		WorkDir:            o.WorkDir(task.ID),
		MaxDurationSeconds: maxSeconds,
	})
	if err != nil {
		return stageResult{}, err
	}
	if err := acquisition.CheckDuration(audio.DurationSeconds, maxSeconds); err != nil {
		return stageResult{}, err
	}

	out := types.StageOutput{AudioPath: audio.Path, Language: audio.LanguageHint}
	if audio.DurationSeconds > 0 {
		d := audio.DurationSeconds
		out.DurationSeconds = &d
	}
	return stageResult{output: out}, nil
}

func (o *Orchestrator) transcribe(ctx context.Context, task *types.Task) (stageResult, error) {
	if task.AudioPath == "" {
		return stageResult{}, &types.TranscriptionError{Message: "no acquired audio recorded for task"}
	}
	transcript, err := o.Transcriber.Transcribe(ctx, task.AudioPath)
	if err != nil {
		return stageResult{}, err
	}
	return stageResult{output: types.StageOutput{Transcript: &transcript, Language: transcript.Language}}, nil
}

func (o *Orchestrator) summarize(ctx context.Context, task *types.Task) (stageResult, error) {
	digest, err := o.Summarizer.Summarize(ctx, task.Transcript)
	if err != nil {
		return stageResult{}, err
	}
	return stageResult{output: types.StageOutput{Result: &types.Result{
		TaskID:         task.ID,
		TranscriptText: task.Transcript,
		Segments:       task.Segments,
		SummaryText:    digest.Summary,
		OutlineText:    digest.Outline,
	}}}, nil
}

func (o *Orchestrator) finalize(ctx context.Context, task *types.Task) (stageResult, error) {
	result, err := o.Store.GetResult(ctx, task.ID)
	if err != nil {
		return stageResult{}, err
	}
	set := export.Build(task.ID, *result)
	if o.Artifacts != nil {
		if _, err := o.Artifacts.SaveArtifacts(set); err != nil {
			return stageResult{}, err
		}
	}
	return stageResult{artifacts: &set}, nil
}

// Resend delivers the stored artifacts of a completed task again
func (o *Orchestrator) Resend(ctx context.Context, taskID string) error {
	task, err := o.Store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != types.StatusCompleted {
		return ErrNotCompleted
	}
	result, err := o.Store.GetResult(ctx, taskID)
	if err != nil {
		return err
	}
	if o.Notifier == nil {
		return nil
	}
	return o.Notifier.Deliver(ctx, task.UserID, export.Build(taskID, *result))
}

func (o *Orchestrator) deliver(ctx context.Context, logger *slog.Logger, task *types.Task, set *export.ArtifactSet) {
	if o.Notifier == nil || set == nil {
		return
	}
	dctx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()
	if err := o.Notifier.Deliver(dctx, task.UserID, *set); err != nil {
		logger.Error("artifact delivery failed", "error", err)
	}
}

func (o *Orchestrator) cleanup(logger *slog.Logger, taskID string) {
	if o.opts.TempDir == "" {
		return
	}
	if err := os.RemoveAll(o.WorkDir(taskID)); err != nil {
		logger.Warn("failed to remove work dir", "error", err)
	}
}

func (o *Orchestrator) publish(ev events.StatusEvent) {
	if o.Events != nil {
		o.Events.Publish(ev)
	}
}

func (o *Orchestrator) record(ctx context.Context, stage types.Stage, outcome string, elapsed time.Duration) {
	if o.Metrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("stage", string(stage)),
		attribute.String("outcome", outcome),
	)
	o.Metrics.StageDuration.Record(ctx, elapsed.Seconds(), attrs)
	o.Metrics.StageOutcomes.Add(ctx, 1, attrs)
}
