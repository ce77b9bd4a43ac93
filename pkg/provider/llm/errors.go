package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error is the uniform error shape surfaced by provider adapters. It carries
// enough structure for the engine to classify failures without string
// matching against SDK-specific messages.
type Error struct {
	// Op labels the operation that failed ("complete", "stream", "tool_step").
	Op string

	// Provider is the provider family tag as a string.
	Provider string

	// StatusCode is the HTTP status when the backend returned one, else 0.
	StatusCode int

	// Detail is the best available human-readable failure description.
	Detail string

	// Err is the wrapped cause, if any.
	Err error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString("llm")
	if e.Provider != "" {
		sb.WriteString(" [")
		sb.WriteString(e.Provider)
		sb.WriteString("]")
	}
	if e.Op != "" {
		sb.WriteString(" ")
		sb.WriteString(e.Op)
	}
	sb.WriteString(": ")
	if e.Detail != "" {
		sb.WriteString(e.Detail)
	} else if e.Err != nil {
		sb.WriteString(e.Err.Error())
	} else {
		sb.WriteString("unknown error")
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorDetail extracts the most useful description from any provider error.
// For *Error values it prefers Detail; otherwise the plain Error() text.
func ErrorDetail(err error) string {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) && pe.Detail != "" {
		return pe.Detail
	}
	return err.Error()
}

// IsRefusal reports whether err looks like a content-policy refusal from the
// backend (HTTP 400 with a policy marker, or an explicit filter status).
func IsRefusal(err error) bool {
	var pe *Error
	if !errors.As(err, &pe) {
		return false
	}
	d := strings.ToLower(pe.Detail)
	return strings.Contains(d, "content_filter") ||
		strings.Contains(d, "content policy") ||
		strings.Contains(d, "safety system")
}

// WithTimeout runs fn under a deadline, labelling any timeout error so the
// label appears in logs and the dev record. All outbound provider calls go
// through this wrapper; no unbounded wait is permitted.
func WithTimeout[T any](ctx context.Context, label string, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	v, err := fn(tctx)
	if err != nil && errors.Is(tctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		var zero T
		return zero, fmt.Errorf("%s: timed out after %s: %w", label, d, err)
	}
	return v, err
}
