package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/codebuildervaibhav/lecture-digest/internal/types"
)

var errEmptyResponse = errors.New("empty response from model")

// classify maps a provider failure onto the summarization error kinds.
// Status is the HTTP status when the SDK exposes one, otherwise zero.
func classify(provider string, status int, err error) error {
	if err == nil {
		return nil
	}
	var se *types.SummarizationError
	if errors.As(err, &se) {
		return err
	}

	kind := types.KindTransient
	msg := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		msg = "model call timed out"
	case status == 400 || status == 404 || status == 413 || status == 422,
		strings.Contains(msg, "INVALID_ARGUMENT"),
		strings.Contains(msg, "context_length_exceeded"):
		kind = types.KindInvalidInput
	}
	return &types.SummarizationError{
		Kind:    kind,
		Message: fmt.Sprintf("%s: %s", provider, firstLine(msg)),
		Err:     err,
	}
}

// isRateLimited reports quota failures that another API key may not hit
func isRateLimited(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "RESOURCE_EXHAUSTED")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
