package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/codebuildervaibhav/lecture-digest/internal/summarize"
)

// generateFunc performs one content generation with the client at index key
type generateFunc func(ctx context.Context, key int, system, user string) (string, error)

// Gemini summarizes through the Gemini API. Several API keys may be given;
// a rate-limited key rotates to the next one.
type Gemini struct {
	model    string
	keys     int
	generate generateFunc
	logger   *slog.Logger

	mu      sync.Mutex
	current int
}

// NewGemini creates one client per comma-separated API key
func NewGemini(ctx context.Context, apiKeys, model string, logger *slog.Logger) (*Gemini, error) {
	var clients []*genai.Client
	for _, key := range strings.Split(apiKeys, ",") {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  key,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("create gemini client: %w", err)
		}
		clients = append(clients, client)
	}
	if len(clients) == 0 {
		return nil, fmt.Errorf("gemini: no API key configured")
	}

	g := &Gemini{
		model:  model,
		keys:   len(clients),
		logger: logger.With("component", "gemini", "model", model),
	}
	g.generate = func(ctx context.Context, key int, system, user string) (string, error) {
		cfg := &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
			Temperature:       genai.Ptr[float32](0.3),
		}
		result, err := clients[key].Models.GenerateContent(ctx, g.model, genai.Text(user), cfg)
		if err != nil {
			return "", err
		}
		if result == nil || len(result.Candidates) == 0 || result.Candidates[0].Content == nil {
			return "", errEmptyResponse
		}
		var text strings.Builder
		for _, part := range result.Candidates[0].Content.Parts {
			if part.Text != "" {
				text.WriteString(part.Text)
			}
		}
		return text.String(), nil
	}
	return g, nil
}

// Summarize runs one map or reduce call
func (g *Gemini) Summarize(ctx context.Context, text, targetLanguage string, mode summarize.Mode) (string, error) {
	system, user := BuildPrompt(text, targetLanguage, mode)

	var lastErr error
	for range g.keys {
		key := g.key()
		out, err := g.generate(ctx, key, system, user)
		if err == nil {
			out = strings.TrimSpace(out)
			if out == "" {
				return "", classify("gemini", 0, errEmptyResponse)
			}
			return out, nil
		}
		lastErr = err
		if !(isRateLimited(err) || geminiStatus(err) == 429) || ctx.Err() != nil {
			break
		}
		g.logger.Warn("API key rate limited, rotating", "key", key+1)
		g.rotate(key)
	}
	return "", classify("gemini", geminiStatus(lastErr), lastErr)
}

// geminiStatus extracts the HTTP status code of a Gemini API error
func geminiStatus(err error) int {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return apiErrPtr.Code
	}
	return 0
}

func (g *Gemini) key() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

// rotate advances past key unless another caller already did
func (g *Gemini) rotate(key int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current == key {
		g.current = (g.current + 1) % g.keys
	}
}
