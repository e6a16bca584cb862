package summarize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/codebuildervaibhav/lecture-digest/internal/retry"
	"github.com/codebuildervaibhav/lecture-digest/internal/telemetry"
	"github.com/codebuildervaibhav/lecture-digest/internal/types"
)

// Mode tells the model which instruction to apply
type Mode string

const (
	ModeMap    Mode = "map"
	ModeReduce Mode = "reduce"
)

// Section markers the reduce instruction asks the model to emit
const (
	SummaryMarker = "[SUMMARY]"
	OutlineMarker = "[OUTLINE]"
)

// Placeholders used when the transcript has no speech
const (
	EmptySummary = "No speech detected."
	EmptyOutline = "No lecture outline available."
)

// Model is the external summarization capability
type Model interface {
	Summarize(ctx context.Context, text, targetLanguage string, mode Mode) (string, error)
}

// Options configures a Summarizer
type Options struct {
	TargetLanguage string
	Chunking       ChunkOptions
	Concurrency    int
	CallTimeout    time.Duration
	ChunkPolicy    retry.Policy
	Tracer         trace.Tracer
	Metrics        *telemetry.Metrics
}

// Digest is the reduced output of a transcript
type Digest struct {
	Summary string
	Outline string
	Chunks  int
}

// Summarizer runs the map-reduce summarization over a transcript
type Summarizer struct {
	model  Model
	opts   Options
	logger *slog.Logger
}

// New creates a Summarizer
func New(model Model, opts Options, logger *slog.Logger) *Summarizer {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.NoopProvider().Tracer
	}
	return &Summarizer{model: model, opts: opts, logger: logger}
}

// Summarize chunks the transcript, summarizes every chunk independently and
// reduces the partial notes into a summary and an outline. The reduce call
// always runs, even for a single chunk.
func (s *Summarizer) Summarize(ctx context.Context, transcript string) (Digest, error) {
	if strings.TrimSpace(transcript) == "" {
		return Digest{Summary: EmptySummary, Outline: EmptyOutline, Chunks: 0}, nil
	}

	chunks, err := Split(transcript, s.opts.Chunking)
	if err != nil {
		return Digest{}, &types.SummarizationError{Kind: types.KindInvalidInput, Message: "chunking failed", Err: err}
	}
	s.logger.Info("summarizing transcript", "chunks", len(chunks), "concurrency", s.opts.Concurrency)

	partials, err := s.mapChunks(ctx, chunks)
	if err != nil {
		return Digest{}, err
	}

	reduced, err := retry.Do(ctx, s.opts.ChunkPolicy, func(ctx context.Context, attempt int) (string, error) {
		return s.call(ctx, mergePartials(partials), ModeReduce, -1)
	})
	if err != nil {
		return Digest{}, fmt.Errorf("reduce: %w", err)
	}

	summary, outline := ParseReduce(reduced)
	return Digest{Summary: summary, Outline: outline, Chunks: len(chunks)}, nil
}

// mapChunks summarizes chunks with bounded concurrency. Results keep chunk
// order regardless of completion order.
func (s *Summarizer) mapChunks(ctx context.Context, chunks []Chunk) ([]string, error) {
	partials := make([]string, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for _, c := range chunks {
		g.Go(func() error {
			out, err := retry.Do(gctx, s.opts.ChunkPolicy, func(ctx context.Context, attempt int) (string, error) {
				if attempt > 1 {
					s.logger.Warn("retrying chunk", "chunk", c.Index, "attempt", attempt)
				}
				return s.call(ctx, c.Text, ModeMap, c.Index)
			})
			if err != nil {
				return fmt.Errorf("chunk %d/%d: %w", c.Index+1, len(chunks), err)
			}
			partials[c.Index] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return partials, nil
}

func (s *Summarizer) call(ctx context.Context, text string, mode Mode, chunk int) (string, error) {
	ctx, span := telemetry.StartClientSpan(ctx, s.opts.Tracer, "summarize."+string(mode),
		telemetry.AttrChunk.Int(chunk))
	defer span.End()

	if s.opts.Metrics != nil {
		s.opts.Metrics.SummarizeCalls.Add(ctx, 1, metric.WithAttributes(telemetry.AttrStage.String(string(mode))))
	}

	if s.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.CallTimeout)
		defer cancel()
	}

	out, err := s.model.Summarize(ctx, text, s.opts.TargetLanguage, mode)
	if err != nil {
		span.RecordError(err)
		var sumErr *types.SummarizationError
		if errors.As(err, &sumErr) {
			return "", err
		}
		return "", &types.SummarizationError{Kind: types.KindTransient, Message: string(mode) + " call failed", Err: err}
	}
	if strings.TrimSpace(out) == "" {
		return "", &types.SummarizationError{Kind: types.KindTransient, Message: string(mode) + " call returned no text"}
	}
	return strings.TrimSpace(out), nil
}

func mergePartials(partials []string) string {
	var b strings.Builder
	for i, p := range partials {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "### Part %d\n%s", i+1, p)
	}
	return b.String()
}

// ParseReduce splits the reduce output into summary and outline. Without
// markers the first paragraph becomes the summary and the whole text the outline.
func ParseReduce(text string) (summary, outline string) {
	text = strings.TrimSpace(text)
	si := strings.Index(text, SummaryMarker)
	oi := strings.Index(text, OutlineMarker)

	switch {
	case si >= 0 && oi > si:
		summary = text[si+len(SummaryMarker) : oi]
		outline = text[oi+len(OutlineMarker):]
	case oi >= 0 && si > oi:
		outline = text[oi+len(OutlineMarker) : si]
		summary = text[si+len(SummaryMarker):]
	case oi >= 0:
		summary = text[:oi]
		outline = text[oi+len(OutlineMarker):]
	default:
		text = strings.TrimSpace(strings.Replace(text, SummaryMarker, "", 1))
		summary, _, _ = strings.Cut(text, "\n\n")
		outline = text
	}

	summary = strings.TrimSpace(summary)
	outline = strings.TrimSpace(outline)
	if summary == "" {
		summary = outline
	}
	if outline == "" {
		outline = summary
	}
	return summary, outline
}
