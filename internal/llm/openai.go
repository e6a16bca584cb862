package llm

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/codebuildervaibhav/lecture-digest/internal/summarize"
)

type chatFunc func(ctx context.Context, system, user string) (string, error)

// OpenAI summarizes through the Chat Completions API
type OpenAI struct {
	model  string
	chat   chatFunc
	logger *slog.Logger
}

// NewOpenAI creates an OpenAI-backed model
func NewOpenAI(apiKey, model string, logger *slog.Logger) *OpenAI {
	client := openai.NewClient(option.WithAPIKey(apiKey), option.WithMaxRetries(0))
	o := &OpenAI{
		model:  model,
		logger: logger.With("component", "openai", "model", model),
	}
	o.chat = func(ctx context.Context, system, user string) (string, error) {
		completion, err := client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
			Model: openai.ChatModel(o.model),
			Messages: []openai.ChatCompletionMessageParamUnion{
				openai.SystemMessage(system),
				openai.UserMessage(user),
			},
		})
		if err != nil {
			return "", err
		}
		if len(completion.Choices) == 0 {
			return "", errEmptyResponse
		}
		return completion.Choices[0].Message.Content, nil
	}
	return o
}

// Summarize runs one map or reduce call
func (o *OpenAI) Summarize(ctx context.Context, text, targetLanguage string, mode summarize.Mode) (string, error) {
	system, user := BuildPrompt(text, targetLanguage, mode)
	out, err := o.chat(ctx, system, user)
	if err != nil {
		status := 0
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			status = apiErr.StatusCode
		}
		return "", classify("openai", status, err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", classify("openai", 0, errEmptyResponse)
	}
	return out, nil
}
