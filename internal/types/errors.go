package types

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind refines an error class into a retry decision
type ErrorKind string

// Error kinds shared by the capability errors
const (
	KindForbidden    ErrorKind = "forbidden"
	KindNotFound     ErrorKind = "not_found"
	KindTooLong      ErrorKind = "too_long"
	KindTransient    ErrorKind = "transient"
	KindInvalidInput ErrorKind = "invalid_input"
)

// ErrTaskNotFound is returned by stores when no task has the given id
var ErrTaskNotFound = errors.New("task not found")

// ErrResultNotFound is returned by stores when a task has no result yet
var ErrResultNotFound = errors.New("result not found")

// ValidationError rejects a submission before any task is created
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// AcquisitionError is returned by the fetch and probe capabilities
type AcquisitionError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *AcquisitionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("acquisition %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("acquisition %s: %s: %v", e.Kind, e.Message, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// TranscriptionError is returned by the speech recognition capability
type TranscriptionError struct {
	Message string
	Err     error
}

func (e *TranscriptionError) Error() string {
	if e.Err == nil {
		return "transcription: " + e.Message
	}
	return fmt.Sprintf("transcription: %s: %v", e.Message, e.Err)
}

func (e *TranscriptionError) Unwrap() error { return e.Err }

// SummarizationError is returned by the summarization capability
type SummarizationError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *SummarizationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("summarization %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("summarization %s: %s: %v", e.Kind, e.Message, e.Err)
}

func (e *SummarizationError) Unwrap() error { return e.Err }

// StoreError wraps persistence failures. It is never retried by the pipeline.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsRetryable is the default retry predicate. Errors that do not explicitly
// mark themselves permanent are retryable, timeouts included.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		return false
	}
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return false
	}
	var acqErr *AcquisitionError
	if errors.As(err, &acqErr) {
		return acqErr.Kind == KindTransient
	}
	var sumErr *SummarizationError
	if errors.As(err, &sumErr) {
		return sumErr.Kind != KindInvalidInput
	}
	return true
}

// Task error codes
const (
	CodeForbidden        = "forbidden"
	CodeNotFound         = "not_found"
	CodeTooLong          = "too_long"
	CodeInvalidInput     = "invalid_input"
	CodeRetriesExhausted = "retries_exhausted"
	CodeInternal         = "internal"
)

// TaskError is the structured reason stored on a failed task. It is the only
// failure detail that leaves the pipeline.
type TaskError struct {
	Code     string `json:"code"`
	Stage    Stage  `json:"stage"`
	Message  string `json:"message"`
	Attempts int    `json:"attempts"`
}

// DescribeFailure turns the final error of a stage into a TaskError
func DescribeFailure(stage Stage, attempts int, err error) TaskError {
	te := TaskError{Code: CodeInternal, Stage: stage, Attempts: attempts, Message: err.Error()}

	var acqErr *AcquisitionError
	var sumErr *SummarizationError
	switch {
	case errors.As(err, &acqErr) && acqErr.Kind != KindTransient:
		te.Code = string(acqErr.Kind)
		te.Message = acqErr.Message
	case errors.As(err, &sumErr) && sumErr.Kind == KindInvalidInput:
		te.Code = CodeInvalidInput
		te.Message = sumErr.Message
	case IsRetryable(err):
		te.Code = CodeRetriesExhausted
	}
	return te
}

// UserMessage renders the error for the task's recipient
func (e TaskError) UserMessage() string {
	switch e.Code {
	case CodeForbidden:
		return "The source is blocked or requires authorization, so it could not be downloaded. " + e.Message
	case CodeNotFound:
		return "The source could not be found or is unavailable."
	case CodeTooLong:
		return "The source is too long. " + e.Message
	case CodeInvalidInput:
		return "The transcript could not be summarized. " + e.Message
	case CodeRetriesExhausted:
		return fmt.Sprintf("Temporary failure during %s after %d attempts. Please try again later.", e.Stage, e.Attempts)
	default:
		return fmt.Sprintf("Processing failed during %s.", e.Stage)
	}
}
