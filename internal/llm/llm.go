package llm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/codebuildervaibhav/lecture-digest/internal/config"
	"github.com/codebuildervaibhav/lecture-digest/internal/summarize"
)

// New builds the configured summarization backend
func New(ctx context.Context, cfg config.SummarizationConfig, logger *slog.Logger) (summarize.Model, error) {
	switch cfg.Provider {
	case "gemini":
		return NewGemini(ctx, cfg.APIKey, cfg.Model, logger)
	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai: no API key configured")
		}
		return NewOpenAI(cfg.APIKey, cfg.Model, logger), nil
	default:
		return nil, fmt.Errorf("unknown summarization provider %q", cfg.Provider)
	}
}
