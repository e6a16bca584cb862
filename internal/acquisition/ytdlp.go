package acquisition

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/codebuildervaibhav/lecture-digest/internal/types"
)

const forbiddenHint = "YouTube blocked the download (HTTP 403). " +
	"Set YTDLP_COOKIES_FILE with browser-exported cookies (Netscape format)."

// FetchRequest describes one acquisition attempt
type FetchRequest struct {
	SourceRef          string
	WorkDir            string
	MaxDurationSeconds int
}

// Runner executes an external command and returns its captured output
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// YtDlp probes and downloads sources with the yt-dlp binary
type YtDlp struct {
	path        string
	cookiesFile string
	runner      Runner
	logger      *slog.Logger
}

// NewYtDlp creates a yt-dlp client. An empty cookiesFile disables cookies.
func NewYtDlp(path, cookiesFile string, logger *slog.Logger) *YtDlp {
	if path == "" {
		path = "yt-dlp"
	}
	return &YtDlp{
		path:        path,
		cookiesFile: cookiesFile,
		runner:      execRunner{},
		logger:      logger.With("component", "ytdlp"),
	}
}

// baseArgs are shared by metadata and download invocations
func (y *YtDlp) baseArgs() []string {
	args := []string{
		"--no-playlist",
		"--no-warnings",
		"--retries", "10",
		"--fragment-retries", "10",
		"--geo-bypass",
	}
	if y.cookiesFile != "" {
		args = append(args, "--cookies", y.cookiesFile)
	}
	return args
}

type videoInfo struct {
	Title    string  `json:"title"`
	Duration float64 `json:"duration"`
	Language string  `json:"language"`
}

// Probe reads source metadata without downloading media
func (y *YtDlp) Probe(ctx context.Context, ref string) (types.SourceMetadata, error) {
	args := append(y.baseArgs(), "--dump-single-json", "--skip-download", ref)
	stdout, stderr, err := y.runner.Run(ctx, y.path, args...)
	if err != nil {
		return types.SourceMetadata{}, classify(ctx, "probe", stderr, err)
	}

	var info videoInfo
	if err := json.Unmarshal(stdout, &info); err != nil {
		return types.SourceMetadata{}, &types.AcquisitionError{
			Kind:    types.KindTransient,
			Message: "unreadable metadata from yt-dlp",
			Err:     err,
		}
	}
	return types.SourceMetadata{
		DurationSeconds: int(info.Duration),
		Title:           info.Title,
		Language:        info.Language,
	}, nil
}

// downloadAttempts are tried in order until one leaves an audio file behind
var downloadAttempts = [][]string{
	{"--format", "bestaudio[ext=m4a]/bestaudio[ext=webm]/bestaudio/best", "--extractor-args", "youtube:player_client=android"},
	{"--format", "bestaudio[ext=m4a]/bestaudio[ext=webm]/bestaudio/best", "--extractor-args", "youtube:player_client=web"},
	{"--format", "bestaudio"},
}

// Fetch checks the duration limit and downloads the best audio stream into
// req.WorkDir as source.<ext>.
func (y *YtDlp) Fetch(ctx context.Context, req FetchRequest) (types.Audio, error) {
	meta, err := y.Probe(ctx, req.SourceRef)
	if err != nil {
		return types.Audio{}, err
	}
	if err := CheckDuration(meta.DurationSeconds, req.MaxDurationSeconds); err != nil {
		return types.Audio{}, err
	}

	if err := os.MkdirAll(req.WorkDir, 0o755); err != nil {
		return types.Audio{}, fmt.Errorf("failed to create work dir: %w", err)
	}
	outTmpl := filepath.Join(req.WorkDir, "source.%(ext)s")

	var lastErr error
	for i, extra := range downloadAttempts {
		args := append(y.baseArgs(), extra...)
		args = append(args, "-o", outTmpl, req.SourceRef)

		y.logger.Info("attempting audio download", "attempt", i+1, "source", req.SourceRef)
		_, stderr, err := y.runner.Run(ctx, y.path, args...)
		if err == nil {
			path, findErr := findDownloaded(req.WorkDir)
			if findErr == nil {
				y.logger.Info("audio downloaded", "path", path, "duration_seconds", meta.DurationSeconds)
				return types.Audio{
					Path:            path,
					DurationSeconds: meta.DurationSeconds,
					LanguageHint:    meta.Language,
				}, nil
			}
			err = findErr
		}
		lastErr = classify(ctx, "download", stderr, err)
		y.logger.Warn("audio download attempt failed", "attempt", i+1, "error", lastErr)

		var ae *types.AcquisitionError
		if errors.As(lastErr, &ae) && ae.Kind != types.KindTransient {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	return types.Audio{}, lastErr
}

// CheckDuration rejects sources longer than maxSeconds. A zero limit or an
// unknown duration passes.
func CheckDuration(durationSeconds, maxSeconds int) error {
	if maxSeconds <= 0 || durationSeconds <= maxSeconds {
		return nil
	}
	return &types.AcquisitionError{
		Kind: types.KindTooLong,
		Message: fmt.Sprintf("Video is too long (%d min). Maximum allowed is %d min.",
			durationSeconds/60, maxSeconds/60),
	}
}

func findDownloaded(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "source.*"))
	if err != nil {
		return "", err
	}
	for _, m := range matches {
		if !strings.HasSuffix(m, ".part") && !strings.HasSuffix(m, ".ytdl") {
			return m, nil
		}
	}
	return "", errors.New("file not found after download")
}

// classify maps a failed yt-dlp run onto the acquisition error kinds
func classify(ctx context.Context, op string, stderr []byte, err error) error {
	msg := strings.TrimSpace(string(stderr))
	switch {
	case ctx.Err() != nil:
		return &types.AcquisitionError{Kind: types.KindTransient, Message: op + " timed out", Err: ctx.Err()}
	case strings.Contains(msg, "HTTP Error 403"), strings.Contains(msg, "Sign in to confirm"):
		return &types.AcquisitionError{Kind: types.KindForbidden, Message: forbiddenHint, Err: err}
	case strings.Contains(msg, "Video unavailable"), strings.Contains(msg, "HTTP Error 404"),
		strings.Contains(msg, "Private video"), strings.Contains(msg, "is not a valid URL"):
		return &types.AcquisitionError{Kind: types.KindNotFound, Message: "Video is unavailable or private.", Err: err}
	}
	if msg == "" && err != nil {
		msg = err.Error()
	}
	return &types.AcquisitionError{
		Kind:    types.KindTransient,
		Message: fmt.Sprintf("yt-dlp %s failed: %s", op, lastLine(msg)),
		Err:     err,
	}
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
