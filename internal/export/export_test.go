package export

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/codebuildervaibhav/lecture-digest/internal/types"
)

func TestFormatTimestamp(t *testing.T) {
	tests := []struct {
		ms   int64
		want string
	}{
		{0, "00:00:00,000"},
		{1500, "00:00:01,500"},
		{61_001, "00:01:01,001"},
		{3_723_456, "01:02:03,456"},
		{-5, "00:00:00,000"},
	}
	for _, tt := range tests {
		if got := FormatTimestamp(tt.ms); got != tt.want {
			t.Errorf("FormatTimestamp(%d) = %q, want %q", tt.ms, got, tt.want)
		}
	}
}

func TestBuildSRT(t *testing.T) {
	segments := []types.Segment{
		{Start: 0, End: 2.5, Text: " Hello everyone. "},
		{Start: 2.0, End: 4.0, Text: "Overlapping start."},
		{Start: 4.0, End: 4.0, Text: "Zero length."},
		{Start: 5.0, End: 6.0, Text: "   "},
		{Start: 6.0, End: 7.25, Text: "Last."},
	}
	want := "1\n00:00:00,000 --> 00:00:02,500\nHello everyone.\n\n" +
		"2\n00:00:02,500 --> 00:00:04,000\nOverlapping start.\n\n" +
		"3\n00:00:04,000 --> 00:00:04,001\nZero length.\n\n" +
		"4\n00:00:06,000 --> 00:00:07,250\nLast.\n\n"
	if diff := cmp.Diff(want, BuildSRT(segments)); diff != "" {
		t.Errorf("BuildSRT mismatch (-want +got):\n%s", diff)
	}
}

func TestCuesNeverOverlap(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for trial := 0; trial < 100; trial++ {
		var segs []types.Segment
		n := rng.Intn(60)
		for i := 0; i < n; i++ {
			start := rng.Float64() * 600
			segs = append(segs, types.Segment{Start: start, End: start + rng.Float64()*10 - 3, Text: "w"})
		}
		cues := Cues(segs)
		for i, c := range cues {
			if c.StartMs >= c.EndMs {
				t.Fatalf("trial %d: cue %d start %d >= end %d", trial, i, c.StartMs, c.EndMs)
			}
			if c.Index != i+1 {
				t.Fatalf("trial %d: cue %d has index %d", trial, i, c.Index)
			}
			if i+1 < len(cues) && c.EndMs > cues[i+1].StartMs {
				t.Fatalf("trial %d: cue %d ends after next starts", trial, i)
			}
		}
	}
}

func TestBuildArtifactSet(t *testing.T) {
	r := types.Result{
		TaskID:         "abc",
		TranscriptText: "Full text.",
		SummaryText:    "Short.",
		OutlineText:    "1. Point",
		Segments:       []types.Segment{{Start: 0, End: 1, Text: "Full text."}},
	}
	set := Build("abc", r)

	var names []string
	for _, a := range set.Artifacts {
		names = append(names, a.Name)
	}
	want := []string{"task_abc_summary.md", "task_abc_outline.md", "task_abc_transcript.md", "task_abc_subtitles.srt"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("artifact names mismatch (-want +got):\n%s", diff)
	}

	summary, _ := set.Get(KindSummary)
	if string(summary.Content) != "# Summary\n\nTask ID: abc\n\nShort.\n" {
		t.Errorf("summary = %q", summary.Content)
	}
}

func TestBuildOmitsSubtitlesWithoutSegments(t *testing.T) {
	set := Build("t1", types.Result{TranscriptText: "", SummaryText: "s", OutlineText: "o"})
	if _, ok := set.Get(KindSubtitles); ok {
		t.Error("subtitles present without segments")
	}
	transcript, ok := set.Get(KindTranscript)
	if !ok || !strings.Contains(string(transcript.Content), EmptyTranscript) {
		t.Errorf("transcript = %q", transcript.Content)
	}
	if len(set.Artifacts) != 3 {
		t.Errorf("got %d artifacts, want 3", len(set.Artifacts))
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	r := types.Result{TranscriptText: "x", SummaryText: "y", OutlineText: "z", Segments: []types.Segment{{Start: 1, End: 2, Text: "x"}}}
	if diff := cmp.Diff(Build("id", r), Build("id", r)); diff != "" {
		t.Errorf("Build not deterministic:\n%s", diff)
	}
}

func TestParseKind(t *testing.T) {
	if k, ok := ParseKind("outline"); !ok || k != KindOutline {
		t.Errorf("ParseKind(outline) = %q, %v", k, ok)
	}
	if _, ok := ParseKind("video"); ok {
		t.Error("ParseKind accepted unknown kind")
	}
}
