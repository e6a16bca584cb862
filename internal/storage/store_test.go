package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/codebuildervaibhav/lecture-digest/internal/export"
	"github.com/codebuildervaibhav/lecture-digest/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateTaskReturnsActiveDuplicate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ref := "https://youtu.be/abc"

	first, created, err := s.CreateTask(ctx, 7, ref, nil)
	if err != nil || !created {
		t.Fatalf("CreateTask: created=%v err=%v", created, err)
	}
	if first.Status != types.StatusPending {
		t.Errorf("status = %s, want pending", first.Status)
	}

	second, created, err := s.CreateTask(ctx, 7, ref, nil)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if created || second.ID != first.ID {
		t.Errorf("duplicate created new task %s (first %s)", second.ID, first.ID)
	}

	other, created, err := s.CreateTask(ctx, 8, ref, nil)
	if err != nil || !created || other.ID == first.ID {
		t.Errorf("different user should get a new task: created=%v err=%v", created, err)
	}
}

func TestCreateTaskAfterTerminalMakesNewTask(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, _, err := s.CreateTask(ctx, 1, "ref", nil)
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := s.FailTask(ctx, first.ID, "w", types.TaskError{Code: types.CodeForbidden}); err != nil || !ok {
		t.Fatalf("FailTask: ok=%v err=%v", ok, err)
	}

	second, created, err := s.CreateTask(ctx, 1, "ref", nil)
	if err != nil || !created || second.ID == first.ID {
		t.Errorf("expected a fresh task after failure: created=%v err=%v", created, err)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetTask(context.Background(), "missing"); !errors.Is(err, types.ErrTaskNotFound) {
		t.Errorf("err = %v, want ErrTaskNotFound", err)
	}
}

func TestStageLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task, _, err := s.CreateTask(ctx, 1, "ref", nil)
	if err != nil {
		t.Fatal(err)
	}

	from := []types.Status{types.StatusPending, types.StatusAcquiring}
	attempt, ok, err := s.BeginStage(ctx, task.ID, types.StageAcquisition, from, types.StatusAcquiring, "w1", time.Minute)
	if err != nil || !ok || attempt != 1 {
		t.Fatalf("BeginStage: attempt=%d ok=%v err=%v", attempt, ok, err)
	}

	// A second worker cannot claim while the lease is live.
	if _, ok, err := s.BeginStage(ctx, task.ID, types.StageAcquisition, from, types.StatusAcquiring, "w2", time.Minute); err != nil || ok {
		t.Fatalf("concurrent claim: ok=%v err=%v", ok, err)
	}

	retryAt := time.Now().Add(time.Hour)
	if ok, err := s.ReleaseForRetry(ctx, task.ID, "w1", types.StageAcquisition, "timeout", retryAt); err != nil || !ok {
		t.Fatalf("ReleaseForRetry: ok=%v err=%v", ok, err)
	}
	ids, err := s.ListRunnable(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Errorf("task with future retry listed as runnable: %v", ids)
	}

	// The retry is not due yet, so a duplicate delivery cannot claim it.
	if _, ok, err := s.BeginStage(ctx, task.ID, types.StageAcquisition, from, types.StatusAcquiring, "w2", time.Minute); err != nil || ok {
		t.Fatalf("claim before retry was due: ok=%v err=%v", ok, err)
	}

	s.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	attempt, ok, err = s.BeginStage(ctx, task.ID, types.StageAcquisition, from, types.StatusAcquiring, "w2", time.Minute)
	if err != nil || !ok || attempt != 2 {
		t.Fatalf("second BeginStage: attempt=%d ok=%v err=%v", attempt, ok, err)
	}

	duration := 600
	out := types.StageOutput{Language: "en", DurationSeconds: &duration, AudioPath: "/tmp/a.opus"}
	if ok, err := s.AdvanceStage(ctx, task.ID, "w1", types.StatusAcquiring, types.StatusAcquired, out); err != nil || ok {
		t.Fatalf("stale owner advanced: ok=%v err=%v", ok, err)
	}
	if ok, err := s.AdvanceStage(ctx, task.ID, "w2", types.StatusAcquiring, types.StatusAcquired, out); err != nil || !ok {
		t.Fatalf("AdvanceStage: ok=%v err=%v", ok, err)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != types.StatusAcquired || got.AudioPath != "/tmp/a.opus" || got.Language != "en" {
		t.Errorf("unexpected task after advance: %+v", got)
	}
	if got.DurationSeconds == nil || *got.DurationSeconds != 600 {
		t.Errorf("duration = %v", got.DurationSeconds)
	}
	if got.AttemptCount(types.StageAcquisition) != 2 {
		t.Errorf("attempts = %v", got.Attempts)
	}

	// Transcription output keeps acquisition output intact.
	if _, ok, err := s.BeginStage(ctx, task.ID, types.StageTranscription,
		[]types.Status{types.StatusAcquired, types.StatusTranscribing}, types.StatusTranscribing, "w1", time.Minute); err != nil || !ok {
		t.Fatalf("BeginStage transcription: ok=%v err=%v", ok, err)
	}
	segs := []types.Segment{{Start: 0, End: 1.5, Text: "hi"}}
	if ok, err := s.AdvanceStage(ctx, task.ID, "w1", types.StatusTranscribing, types.StatusTranscribed,
		types.StageOutput{Transcript: &types.Transcript{Text: "hi", Segments: segs}}); err != nil || !ok {
		t.Fatalf("AdvanceStage transcription: ok=%v err=%v", ok, err)
	}
	got, _ = s.GetTask(ctx, task.ID)
	if got.Transcript != "hi" || got.AudioPath != "/tmp/a.opus" {
		t.Errorf("outputs lost: %+v", got)
	}
	if diff := cmp.Diff(segs, got.Segments); diff != "" {
		t.Errorf("segments mismatch (-want +got):\n%s", diff)
	}
}

func TestBeginStageRejectsWrongStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task, _, _ := s.CreateTask(ctx, 1, "ref", nil)

	_, ok, err := s.BeginStage(ctx, task.ID, types.StageSummarization,
		[]types.Status{types.StatusTranscribed, types.StatusSummarizing}, types.StatusSummarizing, "w", time.Minute)
	if err != nil || ok {
		t.Errorf("claimed from wrong status: ok=%v err=%v", ok, err)
	}
}

func TestFailTaskIsFinal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task, _, _ := s.CreateTask(ctx, 1, "ref", nil)

	te := types.TaskError{Code: types.CodeTooLong, Stage: types.StageAcquisition, Message: "90 min > 60 min", Attempts: 1}
	if ok, err := s.FailTask(ctx, task.ID, "w", te); err != nil || !ok {
		t.Fatalf("FailTask: ok=%v err=%v", ok, err)
	}
	if ok, _ := s.FailTask(ctx, task.ID, "w", types.TaskError{Code: "other"}); ok {
		t.Error("failed task failed twice")
	}
	if _, ok, _ := s.BeginStage(ctx, task.ID, types.StageAcquisition,
		[]types.Status{types.StatusPending, types.StatusAcquiring}, types.StatusAcquiring, "w", time.Minute); ok {
		t.Error("failed task re-entered the pipeline")
	}

	got, _ := s.GetTask(ctx, task.ID)
	if got.Status != types.StatusFailed || got.Error == nil {
		t.Fatalf("unexpected task: %+v", got)
	}
	if diff := cmp.Diff(te, *got.Error); diff != "" {
		t.Errorf("error mismatch (-want +got):\n%s", diff)
	}
}

func TestUpsertResultIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task, _, _ := s.CreateTask(ctx, 1, "ref", nil)

	r := types.Result{
		TaskID:         task.ID,
		TranscriptText: "text",
		Segments:       []types.Segment{{Start: 0, End: 1, Text: "text"}},
		SummaryText:    "summary",
		OutlineText:    "outline",
	}
	for i := 0; i < 2; i++ {
		if err := s.UpsertResult(ctx, r); err != nil {
			t.Fatalf("UpsertResult #%d: %v", i+1, err)
		}
	}

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM results WHERE task_id = ?`, task.ID).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("rows = %d, want 1", n)
	}

	got, err := s.GetResult(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(r, *got, cmpopts.IgnoreFields(types.Result{}, "CreatedAt", "UpdatedAt")); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
}

func TestConcurrentUpsertsKeepOneRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task, _, _ := s.CreateTask(ctx, 1, "ref", nil)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.UpsertResult(ctx, types.Result{TaskID: task.ID, TranscriptText: "t", SummaryText: "s", OutlineText: "o"})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("UpsertResult: %v", err)
		}
	}

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM results WHERE task_id = ?`, task.ID).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("rows = %d, want 1", n)
	}
}

func TestGetResultNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetResult(context.Background(), "none"); !errors.Is(err, types.ErrResultNotFound) {
		t.Errorf("err = %v, want ErrResultNotFound", err)
	}
}

func TestListRunnableSkipsLeasedAndTerminal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	pending, _, _ := s.CreateTask(ctx, 1, "a", nil)
	leased, _, _ := s.CreateTask(ctx, 1, "b", nil)
	failed, _, _ := s.CreateTask(ctx, 1, "c", nil)

	from := []types.Status{types.StatusPending}
	if _, ok, _ := s.BeginStage(ctx, leased.ID, types.StageAcquisition, from, types.StatusAcquiring, "w", time.Hour); !ok {
		t.Fatal("claim failed")
	}
	if ok, _ := s.FailTask(ctx, failed.ID, "w", types.TaskError{Code: types.CodeForbidden}); !ok {
		t.Fatal("fail failed")
	}

	ids, err := s.ListRunnable(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{pending.ID}, ids); diff != "" {
		t.Errorf("runnable mismatch (-want +got):\n%s", diff)
	}

	// An expired lease makes the task runnable again.
	s.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	ids, _ = s.ListRunnable(ctx, 10)
	if len(ids) != 2 {
		t.Errorf("expected expired lease to be runnable, got %v", ids)
	}
}

func TestSaveArtifacts(t *testing.T) {
	dir := t.TempDir()
	ls := NewLocalStorage(dir)
	ls.now = func() time.Time { return time.Date(2025, 1, 23, 10, 0, 0, 0, time.UTC) }

	set := export.Build("t-1", types.Result{TranscriptText: "x", SummaryText: "y", OutlineText: "z"})
	path, err := ls.SaveArtifacts(set)
	if err != nil {
		t.Fatalf("SaveArtifacts: %v", err)
	}
	if want := filepath.Join(dir, "2025", "01", "23", "t-1"); path != want {
		t.Errorf("path = %q, want %q", path, want)
	}
	for _, a := range set.Artifacts {
		got, err := os.ReadFile(filepath.Join(path, a.Name))
		if err != nil {
			t.Fatalf("read %s: %v", a.Name, err)
		}
		if string(got) != string(a.Content) {
			t.Errorf("%s content mismatch", a.Name)
		}
	}
	if _, err := os.Stat(filepath.Join(path, "manifest.json")); err != nil {
		t.Errorf("manifest missing: %v", err)
	}

	// Rewriting the same set succeeds.
	if _, err := ls.SaveArtifacts(set); err != nil {
		t.Errorf("second SaveArtifacts: %v", err)
	}
}

func TestSanitizeFilename(t *testing.T) {
	if got := sanitizeFilename("../a:b?.md"); got != "a_b_.md" {
		t.Errorf("sanitizeFilename = %q", got)
	}
}
