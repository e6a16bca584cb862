// Package export renders a task's Result into the deliverable artifact files.
// Rendering is pure; writing the files is left to storage.
package export

import (
	"fmt"
	"math"
	"strings"

	"github.com/codebuildervaibhav/lecture-digest/internal/types"
)

// Kind identifies one artifact of the set
type Kind string

const (
	KindSummary    Kind = "summary"
	KindOutline    Kind = "outline"
	KindTranscript Kind = "transcript"
	KindSubtitles  Kind = "subtitles"
)

// Kinds lists artifact kinds in delivery order
var Kinds = []Kind{KindSummary, KindOutline, KindTranscript, KindSubtitles}

// ParseKind validates an artifact kind name
func ParseKind(s string) (Kind, bool) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// EmptyTranscript is rendered in place of a transcript with no text
const EmptyTranscript = "(Empty transcript)"

// Artifact is one rendered file
type Artifact struct {
	Kind        Kind
	Name        string
	ContentType string
	Content     []byte
}

// ArtifactSet is everything delivered for a completed task
type ArtifactSet struct {
	TaskID    string
	Artifacts []Artifact
}

// Get returns the artifact of the given kind
func (s ArtifactSet) Get(kind Kind) (Artifact, bool) {
	for _, a := range s.Artifacts {
		if a.Kind == kind {
			return a, true
		}
	}
	return Artifact{}, false
}

// FileName is the deterministic name of an artifact
func FileName(taskID string, kind Kind) string {
	ext := "md"
	if kind == KindSubtitles {
		ext = "srt"
	}
	return fmt.Sprintf("task_%s_%s.%s", taskID, kind, ext)
}

// Build renders the artifact set for a result. The subtitle artifact is only
// present when the result carries timed segments.
func Build(taskID string, r types.Result) ArtifactSet {
	set := ArtifactSet{TaskID: taskID}
	add := func(kind Kind, contentType, body string) {
		set.Artifacts = append(set.Artifacts, Artifact{
			Kind:        kind,
			Name:        FileName(taskID, kind),
			ContentType: contentType,
			Content:     []byte(body),
		})
	}

	add(KindSummary, "text/markdown; charset=utf-8", renderMarkdown("Summary", taskID, r.SummaryText))
	add(KindOutline, "text/markdown; charset=utf-8", renderMarkdown("Lecture Outline", taskID, r.OutlineText))

	transcript := strings.TrimSpace(r.TranscriptText)
	if transcript == "" {
		transcript = EmptyTranscript
	}
	add(KindTranscript, "text/markdown; charset=utf-8", renderMarkdown("Full Transcript", taskID, transcript))

	if srt := BuildSRT(r.Segments); srt != "" {
		add(KindSubtitles, "application/x-subrip; charset=utf-8", srt)
	}
	return set
}

func renderMarkdown(title, taskID, body string) string {
	return fmt.Sprintf("# %s\n\nTask ID: %s\n\n%s\n", title, taskID, strings.TrimSpace(body))
}

// minCueMillis is the duration given to cues whose end does not follow their start
const minCueMillis = 1

// Cue is one rendered subtitle entry with millisecond times
type Cue struct {
	Index   int
	StartMs int64
	EndMs   int64
	Text    string
}

// Cues converts segments into ordered, non-overlapping cues. Segments without
// text are skipped; numbering stays contiguous.
func Cues(segments []types.Segment) []Cue {
	var cues []Cue
	var prevEnd int64
	for _, seg := range segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		start := toMillis(seg.Start)
		end := toMillis(seg.End)
		if start < prevEnd {
			start = prevEnd
		}
		if end <= start {
			end = start + minCueMillis
		}
		cues = append(cues, Cue{Index: len(cues) + 1, StartMs: start, EndMs: end, Text: text})
		prevEnd = end
	}
	return cues
}

// BuildSRT renders segments as SubRip text, or "" when there is nothing to show
func BuildSRT(segments []types.Segment) string {
	cues := Cues(segments)
	if len(cues) == 0 {
		return ""
	}
	var b strings.Builder
	for _, c := range cues {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n", c.Index, FormatTimestamp(c.StartMs), FormatTimestamp(c.EndMs), c.Text)
	}
	return b.String()
}

// FormatTimestamp renders milliseconds as HH:MM:SS,mmm
func FormatTimestamp(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	h := ms / 3_600_000
	m := ms % 3_600_000 / 60_000
	s := ms % 60_000 / 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms%1000)
}

func toMillis(seconds float64) int64 {
	if seconds <= 0 || math.IsNaN(seconds) {
		return 0
	}
	return int64(math.Round(seconds * 1000))
}
