package acquisition

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/codebuildervaibhav/lecture-digest/internal/types"
)

type call struct {
	name string
	args []string
}

// scriptedRunner replays canned results in order and records invocations
type scriptedRunner struct {
	calls   []call
	results []result
	onRun   func(args []string)
}

type result struct {
	stdout, stderr string
	err            error
}

func (r *scriptedRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	r.calls = append(r.calls, call{name: name, args: args})
	if r.onRun != nil {
		r.onRun(args)
	}
	if len(r.results) == 0 {
		return nil, nil, errors.New("unexpected call")
	}
	res := r.results[0]
	r.results = r.results[1:]
	return []byte(res.stdout), []byte(res.stderr), res.err
}

func newTestYtDlp(r Runner, cookies string) *YtDlp {
	y := NewYtDlp("yt-dlp", cookies, slog.New(slog.NewTextHandler(io.Discard, nil)))
	y.runner = r
	return y
}

func TestProbeParsesMetadata(t *testing.T) {
	r := &scriptedRunner{results: []result{{stdout: `{"title":"Lecture 1","duration":600.4,"language":"en"}`}}}
	y := newTestYtDlp(r, "/secrets/cookies.txt")

	meta, err := y.Probe(context.Background(), "https://youtu.be/abc")
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	want := types.SourceMetadata{DurationSeconds: 600, Title: "Lecture 1", Language: "en"}
	if diff := cmp.Diff(want, meta); diff != "" {
		t.Errorf("metadata mismatch (-want +got):\n%s", diff)
	}

	args := r.calls[0].args
	if !slices.Contains(args, "--dump-single-json") || !slices.Contains(args, "/secrets/cookies.txt") {
		t.Errorf("unexpected args %v", args)
	}
}

func TestProbeClassifiesFailures(t *testing.T) {
	tests := []struct {
		name   string
		stderr string
		want   types.ErrorKind
	}{
		{"forbidden", "ERROR: unable to download video data: HTTP Error 403: Forbidden", types.KindForbidden},
		{"bot check", "ERROR: [youtube] abc: Sign in to confirm you're not a bot", types.KindForbidden},
		{"unavailable", "ERROR: [youtube] abc: Video unavailable", types.KindNotFound},
		{"private", "ERROR: [youtube] abc: Private video", types.KindNotFound},
		{"network", "ERROR: Unable to download webpage: connection reset", types.KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &scriptedRunner{results: []result{{stderr: tt.stderr, err: errors.New("exit status 1")}}}
			_, err := newTestYtDlp(r, "").Probe(context.Background(), "ref")

			var ae *types.AcquisitionError
			if !errors.As(err, &ae) {
				t.Fatalf("err = %v, want AcquisitionError", err)
			}
			if ae.Kind != tt.want {
				t.Errorf("kind = %s, want %s", ae.Kind, tt.want)
			}
		})
	}
}

func TestFetchRejectsTooLong(t *testing.T) {
	r := &scriptedRunner{results: []result{{stdout: `{"title":"Long","duration":5400}`}}}
	_, err := newTestYtDlp(r, "").Fetch(context.Background(), FetchRequest{
		SourceRef:          "ref",
		WorkDir:            t.TempDir(),
		MaxDurationSeconds: 3600,
	})

	var ae *types.AcquisitionError
	if !errors.As(err, &ae) || ae.Kind != types.KindTooLong {
		t.Fatalf("err = %v, want too_long", err)
	}
	if ae.Message != "Video is too long (90 min). Maximum allowed is 60 min." {
		t.Errorf("message = %q", ae.Message)
	}
	if len(r.calls) != 1 {
		t.Errorf("download attempted after too_long: %d calls", len(r.calls))
	}
}

func TestFetchFallsBackAndFindsFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "work")
	r := &scriptedRunner{results: []result{
		{stdout: `{"title":"Lecture","duration":600}`},
		{stderr: "ERROR: Requested format is not available", err: errors.New("exit status 1")},
		{},
	}}
	r.onRun = func(args []string) {
		if len(r.calls) == 3 {
			if err := os.WriteFile(filepath.Join(dir, "source.webm"), []byte("audio"), 0o644); err != nil {
				t.Fatal(err)
			}
		}
	}

	audio, err := newTestYtDlp(r, "").Fetch(context.Background(), FetchRequest{SourceRef: "ref", WorkDir: dir, MaxDurationSeconds: 3600})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if audio.Path != filepath.Join(dir, "source.webm") || audio.DurationSeconds != 600 {
		t.Errorf("unexpected audio %+v", audio)
	}
}

func TestFetchStopsOnForbidden(t *testing.T) {
	r := &scriptedRunner{results: []result{
		{stdout: `{"duration":60}`},
		{stderr: "HTTP Error 403: Forbidden", err: errors.New("exit status 1")},
	}}
	_, err := newTestYtDlp(r, "").Fetch(context.Background(), FetchRequest{SourceRef: "ref", WorkDir: t.TempDir()})

	var ae *types.AcquisitionError
	if !errors.As(err, &ae) || ae.Kind != types.KindForbidden {
		t.Fatalf("err = %v, want forbidden", err)
	}
	if len(r.calls) != 2 {
		t.Errorf("calls = %d, want 2", len(r.calls))
	}
}

func TestCheckDuration(t *testing.T) {
	if err := CheckDuration(600, 3600); err != nil {
		t.Errorf("600s under limit: %v", err)
	}
	if err := CheckDuration(0, 3600); err != nil {
		t.Errorf("unknown duration: %v", err)
	}
	if err := CheckDuration(7200, 0); err != nil {
		t.Errorf("no limit: %v", err)
	}
	if err := CheckDuration(3601, 3600); err == nil {
		t.Error("expected too_long")
	}
}

func TestParsePlayerDetails(t *testing.T) {
	tests := []struct {
		name     string
		in       *playerDetails
		want     types.SourceMetadata
		wantKind types.ErrorKind
	}{
		{"ok", &playerDetails{LengthSeconds: "754", Title: "Intro", Status: "OK"}, types.SourceMetadata{DurationSeconds: 754, Title: "Intro"}, ""},
		{"missing", nil, types.SourceMetadata{}, types.KindTransient},
		{"login", &playerDetails{Status: "LOGIN_REQUIRED"}, types.SourceMetadata{}, types.KindForbidden},
		{"error", &playerDetails{Status: "ERROR", Reason: "Video unavailable"}, types.SourceMetadata{}, types.KindNotFound},
		{"bad length", &playerDetails{LengthSeconds: "abc", Status: "OK"}, types.SourceMetadata{}, types.KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parsePlayerDetails(tt.in)
			if tt.wantKind == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if diff := cmp.Diff(tt.want, got); diff != "" {
					t.Errorf("mismatch (-want +got):\n%s", diff)
				}
				return
			}
			var ae *types.AcquisitionError
			if !errors.As(err, &ae) || ae.Kind != tt.wantKind {
				t.Errorf("err = %v, want kind %s", err, tt.wantKind)
			}
		})
	}
}
