package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/go-cmp/cmp"

	"github.com/codebuildervaibhav/lecture-digest/internal/export"
	"github.com/codebuildervaibhav/lecture-digest/internal/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeBot struct {
	sent   []tgbotapi.Chattable
	failOn int // 1-based index of the send that fails, 0 for none
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.sent = append(f.sent, c)
	if f.failOn == len(f.sent) {
		return tgbotapi.Message{}, errors.New("Bad Request: file too big")
	}
	return tgbotapi.Message{MessageID: len(f.sent)}, nil
}

func testSet() export.ArtifactSet {
	return export.Build("t1", types.Result{
		TranscriptText: "hello",
		Segments:       []types.Segment{{Start: 0, End: 1, Text: "hello"}},
		SummaryText:    "s",
		OutlineText:    "o",
	})
}

func TestTelegramDeliver(t *testing.T) {
	bot := &fakeBot{}
	tg := &Telegram{bot: bot, logger: discardLogger()}

	if err := tg.Deliver(context.Background(), 42, testSet()); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(bot.sent) != 5 {
		t.Fatalf("sent %d messages, want 1 text + 4 documents", len(bot.sent))
	}
	msg, ok := bot.sent[0].(tgbotapi.MessageConfig)
	if !ok || msg.ChatID != 42 || msg.Text != "Task t1 completed. Sending result files." {
		t.Errorf("unexpected first message %+v", bot.sent[0])
	}

	var names []string
	for _, c := range bot.sent[1:] {
		doc, ok := c.(tgbotapi.DocumentConfig)
		if !ok {
			t.Fatalf("expected document, got %T", c)
		}
		names = append(names, doc.File.(tgbotapi.FileBytes).Name)
	}
	want := []string{"task_t1_summary.md", "task_t1_outline.md", "task_t1_transcript.md", "task_t1_subtitles.srt"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("documents mismatch (-want +got):\n%s", diff)
	}
}

func TestTelegramDeliverFailureSendsNotice(t *testing.T) {
	bot := &fakeBot{failOn: 3}
	tg := &Telegram{bot: bot, logger: discardLogger()}

	if err := tg.Deliver(context.Background(), 1, testSet()); err == nil {
		t.Fatal("expected error")
	}
	last, ok := bot.sent[len(bot.sent)-1].(tgbotapi.MessageConfig)
	if !ok || !strings.Contains(last.Text, "file delivery failed") {
		t.Errorf("unexpected last message %+v", bot.sent[len(bot.sent)-1])
	}
}

func TestTelegramNotifyFailure(t *testing.T) {
	bot := &fakeBot{}
	tg := &Telegram{bot: bot, logger: discardLogger()}

	te := types.TaskError{Code: types.CodeTooLong, Stage: types.StageAcquisition, Message: "Video is too long (90 min). Maximum allowed is 60 min.", Attempts: 1}
	if err := tg.NotifyFailure(context.Background(), 7, "t9", te); err != nil {
		t.Fatal(err)
	}
	msg := bot.sent[0].(tgbotapi.MessageConfig)
	if !strings.HasPrefix(msg.Text, "Task t9 failed: ") || !strings.Contains(msg.Text, te.UserMessage()) {
		t.Errorf("text = %q", msg.Text)
	}
}

type recordingSink struct {
	delivered []string
	err       error
}

func (r *recordingSink) Deliver(ctx context.Context, recipient int64, set export.ArtifactSet) error {
	r.delivered = append(r.delivered, set.TaskID)
	return r.err
}

func (r *recordingSink) NotifyFailure(ctx context.Context, recipient int64, taskID string, te types.TaskError) error {
	return r.err
}

func TestMultiJoinsErrorsAndReachesEverySink(t *testing.T) {
	bad := &recordingSink{err: errors.New("down")}
	good := &recordingSink{}
	m := Multi{bad, good, Log{Logger: discardLogger()}}

	err := m.Deliver(context.Background(), 1, testSet())
	if err == nil || !strings.Contains(err.Error(), "down") {
		t.Errorf("err = %v", err)
	}
	if len(good.delivered) != 1 {
		t.Error("later sink skipped after earlier failure")
	}
	if err := (Multi{good}).NotifyFailure(context.Background(), 1, "t", types.TaskError{}); err != nil {
		t.Errorf("NotifyFailure: %v", err)
	}
}

type fakeDrive struct {
	folders map[string]string // parent/name -> id
	uploads []string
	nextID  int
}

func (f *fakeDrive) FindFolder(ctx context.Context, name, parentID string) (string, error) {
	return f.folders[parentID+"/"+name], nil
}

func (f *fakeDrive) CreateFolder(ctx context.Context, name, parentID string) (string, error) {
	f.nextID++
	id := fmt.Sprintf("f%d", f.nextID)
	f.folders[parentID+"/"+name] = id
	return id, nil
}

func (f *fakeDrive) Upload(ctx context.Context, name, parentID, mimeType string, content io.Reader) (string, error) {
	b, _ := io.ReadAll(content)
	f.uploads = append(f.uploads, fmt.Sprintf("%s/%s:%d", parentID, name, len(b)))
	return "u", nil
}

func TestDriveDeliverCreatesDatedFolders(t *testing.T) {
	files := &fakeDrive{folders: map[string]string{}}
	d, err := newDrive(context.Background(), files, "Lecture Digests", discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	d.now = func() time.Time { return time.Date(2025, 1, 23, 0, 0, 0, 0, time.UTC) }

	set := testSet()
	if err := d.Deliver(context.Background(), 1, set); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	taskFolder := files.folders["f4/task_t1"]
	if taskFolder == "" || files.folders["f1/2025"] != "f2" {
		t.Fatalf("folders = %v", files.folders)
	}
	if len(files.uploads) != len(set.Artifacts) || !strings.HasPrefix(files.uploads[0], taskFolder+"/task_t1_summary.md:") {
		t.Errorf("uploads = %v", files.uploads)
	}

	// A second delivery reuses the folders.
	before := files.nextID
	if err := d.Deliver(context.Background(), 1, set); err != nil {
		t.Fatal(err)
	}
	if files.nextID != before {
		t.Errorf("folders recreated: %d -> %d", before, files.nextID)
	}
}
