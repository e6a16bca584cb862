package transcription

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/codebuildervaibhav/lecture-digest/internal/types"
)

// Model is the process-wide whisper model handle. Load downloads and checks
// the weights once at startup so the first task does not pay for it. Each
// transcription still runs in its own whisper process; the handle gates
// transcription on a successful Load and refuses work after Close.
type Model struct {
	Name    string
	Device  string
	Python  string
	Threads int

	runner Runner
	mu     sync.Mutex
	loaded bool
}

// NewModel creates an unloaded model handle
func NewModel(name, device, python string, threads int) *Model {
	if name == "" {
		name = "small"
	}
	if device == "" {
		device = "cpu"
	}
	if python == "" {
		python = "python"
	}
	return &Model{Name: name, Device: device, Python: python, Threads: threads, runner: execRunner{}}
}

// Load fetches and loads the model weights once
func (m *Model) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loaded {
		return nil
	}
	script := fmt.Sprintf("import whisper; whisper.load_model(%q, device=%q)", m.Name, m.Device)
	if output, err := m.runner.CombinedOutput(ctx, m.Python, "-c", script); err != nil {
		return fmt.Errorf("whisper model %s failed to load: %w\nOutput: %s", m.Name, err, tail(output, 512))
	}
	m.loaded = true
	return nil
}

// Loaded reports whether Load has succeeded
func (m *Model) Loaded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loaded
}

// Close releases the handle
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaded = false
	return nil
}

// WhisperTranscriber runs Python Whisper over acquired audio
type WhisperTranscriber struct {
	model    *Model
	language string
	runner   Runner
	logger   *slog.Logger
	mu       sync.Mutex // one transcription at a time per process
}

// NewWhisperTranscriber creates a transcriber. An empty language lets whisper detect it.
func NewWhisperTranscriber(model *Model, language string, logger *slog.Logger) *WhisperTranscriber {
	return &WhisperTranscriber{
		model:    model,
		language: language,
		runner:   model.runner,
		logger:   logger.With("component", "whisper", "model", model.Name),
	}
}

// Transcribe normalizes the audio and returns text, detected language and segments
func (wt *WhisperTranscriber) Transcribe(ctx context.Context, audioPath string) (types.Transcript, error) {
	if !ValidateAudioFormat(audioPath) {
		return types.Transcript{}, &types.TranscriptionError{
			Message: fmt.Sprintf("unsupported audio format %q", filepath.Ext(audioPath)),
		}
	}

	if !wt.model.Loaded() {
		return types.Transcript{}, &types.TranscriptionError{
			Message: fmt.Sprintf("whisper model %s is not loaded", wt.model.Name),
		}
	}

	wt.mu.Lock()
	defer wt.mu.Unlock()

	normalizedPath, err := NormalizeAudio(ctx, wt.runner, audioPath)
	if err != nil {
		return types.Transcript{}, &types.TranscriptionError{Message: "audio normalization failed", Err: err}
	}
	defer os.Remove(normalizedPath)

	outDir := filepath.Join(filepath.Dir(audioPath), "whisper_output")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return types.Transcript{}, &types.TranscriptionError{Message: "failed to create output dir", Err: err}
	}
	defer os.RemoveAll(outDir)

	wt.logger.Info("transcribing", "audio", audioPath)

	args := []string{"-m", "whisper", normalizedPath,
		"--model", wt.model.Name,
		"--device", wt.model.Device,
		"--output_dir", outDir,
		"--output_format", "json",
		"--fp16", "False",
		"--verbose", "False",
	}
	if wt.language != "" {
		args = append(args, "--language", wt.language)
	}
	if wt.model.Threads > 0 {
		args = append(args, "--threads", strconv.Itoa(wt.model.Threads))
	}

	output, err := wt.runner.CombinedOutput(ctx, wt.model.Python, args...)
	if err != nil {
		msg := "whisper transcription failed"
		if ctx.Err() != nil {
			msg = "whisper transcription timed out"
		}
		return types.Transcript{}, &types.TranscriptionError{
			Message: msg,
			Err:     fmt.Errorf("%w\nOutput: %s", err, tail(output, 512)),
		}
	}

	baseName := strings.TrimSuffix(filepath.Base(normalizedPath), filepath.Ext(normalizedPath))
	jsonData, err := os.ReadFile(filepath.Join(outDir, baseName+".json"))
	if err != nil {
		return types.Transcript{}, &types.TranscriptionError{Message: "failed to read whisper output", Err: err}
	}

	transcript, err := parseWhisperOutput(jsonData)
	if err != nil {
		return types.Transcript{}, &types.TranscriptionError{Message: "failed to parse whisper JSON", Err: err}
	}
	wt.logger.Info("transcription completed", "segments", len(transcript.Segments), "language", transcript.Language)
	return transcript, nil
}

// whisperOutput matches Python Whisper's JSON output format
type whisperOutput struct {
	Text     string           `json:"text"`
	Language string           `json:"language"`
	Segments []whisperSegment `json:"segments"`
}

type whisperSegment struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

func parseWhisperOutput(data []byte) (types.Transcript, error) {
	var out whisperOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return types.Transcript{}, err
	}
	segments := make([]types.Segment, 0, len(out.Segments))
	for _, seg := range out.Segments {
		segments = append(segments, types.Segment{
			Start: seg.Start,
			End:   seg.End,
			Text:  strings.TrimSpace(seg.Text),
		})
	}
	return types.Transcript{
		Text:     strings.TrimSpace(out.Text),
		Language: out.Language,
		Segments: segments,
	}, nil
}
