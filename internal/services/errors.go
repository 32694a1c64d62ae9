package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrEncoding       = errors.New("encoding error")
	ErrIO             = errors.New("io error")
	ErrStageExecution = errors.New("stage execution failed")
	ErrValidation     = errors.New("validation error")
	ErrConfiguration  = errors.New("configuration error")
	ErrTimeout        = errors.New("timeout")
)

// Kind is the coarse classification of an error used for logging and CLI exit
// reporting.
type Kind string

const (
	KindNotFound       Kind = "not_found"
	KindEncoding       Kind = "encoding"
	KindIO             Kind = "io"
	KindStageExecution Kind = "stage_execution"
	KindValidation     Kind = "validation"
	KindConfiguration  Kind = "configuration"
	KindTimeout        Kind = "timeout"
	KindUnknown        Kind = "unknown"
)

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later classification. The marker should be one of the
// exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrIO
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// StageExecutionError reports that the external transform for a stage failed.
// It matches ErrStageExecution and unwraps to the transform's own error.
type StageExecutionError struct {
	Stage       string
	Fingerprint string
	Cause       error
}

func (e *StageExecutionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString("stage ")
	b.WriteString(e.Stage)
	if e.Fingerprint != "" {
		b.WriteString(" (")
		b.WriteString(e.Fingerprint)
		b.WriteString(")")
	}
	b.WriteString(" failed")
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *StageExecutionError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrStageExecution}
	}
	return []error{ErrStageExecution, e.Cause}
}

// ErrorKind satisfies the classifier interface used by the CLI.
func (e *StageExecutionError) ErrorKind() string { return string(KindStageExecution) }

// NewStageExecutionError wraps a transform failure.
func NewStageExecutionError(stage, fingerprint string, cause error) error {
	return &StageExecutionError{Stage: stage, Fingerprint: fingerprint, Cause: cause}
}

// KindOf classifies err. Stage execution wins over anything the transform's own
// cause may match so callers see where the failure originated.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrStageExecution):
		return KindStageExecution
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrEncoding):
		return KindEncoding
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrConfiguration):
		return KindConfiguration
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrIO):
		return KindIO
	default:
		return KindUnknown
	}
}

// Retryable reports whether a caller-driven retry may succeed. Only io and
// timeout failures qualify; encoding and validation errors are deterministic.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindIO, KindTimeout:
		return true
	default:
		return false
	}
}

// ErrorDetails is a user-facing summary of an error.
type ErrorDetails struct {
	Kind    Kind
	Message string
}

// Details summarises err for logs and CLI output.
func Details(err error) ErrorDetails {
	if err == nil {
		return ErrorDetails{}
	}
	return ErrorDetails{Kind: KindOf(err), Message: strings.TrimSpace(err.Error())}
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
