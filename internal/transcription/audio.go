package transcription

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// Runner executes an external command and returns its combined output
type Runner interface {
	CombinedOutput(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) CombinedOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// NormalizeAudio converts any audio file to 16kHz mono WAV next to the input
func NormalizeAudio(ctx context.Context, runner Runner, inputPath string) (string, error) {
	outputPath := filepath.Join(filepath.Dir(inputPath), "normalized.wav")

	output, err := runner.CombinedOutput(ctx, "ffmpeg",
		"-i", inputPath,
		"-ar", "16000", // 16kHz sample rate
		"-ac", "1", // Mono
		"-c:a", "pcm_s16le",
		"-y",
		outputPath,
	)
	if err != nil {
		return "", fmt.Errorf("ffmpeg failed: %w\nOutput: %s", err, tail(output, 512))
	}
	return outputPath, nil
}

// ValidateAudioFormat checks if the file format is supported
func ValidateAudioFormat(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".mp3", ".wav", ".m4a", ".ogg", ".opus", ".flac", ".webm", ".aac", ".wma", ".mp4":
		return true
	}
	return false
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return strings.TrimSpace(string(b))
}
