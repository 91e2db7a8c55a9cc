package gemini

import (
	"context"
	"errors"
	"net/http"

	"github.com/hashicorp/go-multierror"

	"github.com/gosuda/mcproxy/internal/domain"
	"github.com/gosuda/mcproxy/internal/sessionlog"
)

// attemptKind tags the outcome of one key attempt. Rotation decisions are
// made on the tag alone.
type attemptKind int

const (
	attemptOK attemptKind = iota
	attemptRetryable
	attemptFatal
)

func (k attemptKind) String() string {
	switch k {
	case attemptOK:
		return "ok"
	case attemptRetryable:
		return "retryable"
	default:
		return "fatal"
	}
}

// attemptResult is the tagged outcome of one key attempt.
type attemptResult[T any] struct {
	value T
	kind  attemptKind
	err   error
}

func classifyStatus(code int) attemptKind {
	switch {
	case code >= 200 && code < 300:
		return attemptOK
	case code == http.StatusTooManyRequests,
		code == http.StatusInternalServerError,
		code == http.StatusServiceUnavailable:
		return attemptRetryable
	default:
		return attemptFatal
	}
}

// rotation describes how a rotated call is logged.
type rotation struct {
	purpose       string
	rotationEvent domain.EventType
	errorType     string
	exhaustedType string
	context       map[string]any
	rec           domain.Recorder
}

func (r rotation) errorContext(extra map[string]any) map[string]any {
	out := make(map[string]any, len(r.context)+len(extra))
	for k, v := range r.context {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// rotate runs try once per shuffled key until an attempt is ok or fatal.
// When every key fails retryably it returns an *ExhaustedError aggregating
// all causes.
func rotate[T any](
	ctx context.Context,
	g *Gateway,
	r rotation,
	try func(ctx context.Context, key string) (T, attemptKind, error),
) (T, error) {
	var zero T
	rec := domain.RecorderOrNop(r.rec)

	keys := g.shuffledKeys()
	if len(keys) == 0 {
		return zero, ErrNoAPIKeys
	}

	start := g.clock.Now()
	var (
		causes *multierror.Error
		last   error
	)

	for i, key := range keys {
		attempt := i + 1
		if attempt > 1 {
			rec.Record(r.rotationEvent, sessionlog.KeyRotation{
				Attempt:   attempt,
				TotalKeys: len(keys),
				Reason:    last.Error(),
			})
		}

		value, kind, err := try(ctx, key)
		res := attemptResult[T]{value: value, kind: kind, err: err}
		g.metrics.LLMAttempt(r.purpose, res.kind.String())

		switch res.kind {
		case attemptOK:
			g.metrics.LLMCall(r.purpose, g.clock.Since(start), false)
			return res.value, nil

		case attemptFatal:
			g.metrics.LLMCall(r.purpose, g.clock.Since(start), false)
			if !errors.Is(res.err, context.Canceled) {
				rec.Record(domain.EventError, sessionlog.NewError(r.errorType, res.err, r.errorContext(map[string]any{"attempt": attempt})))
			}
			return zero, res.err

		case attemptRetryable:
			var apiErr *APIError
			if !errors.As(res.err, &apiErr) && !errors.Is(res.err, context.DeadlineExceeded) {
				rec.Record(domain.EventError, sessionlog.NewError(r.errorType, res.err, r.errorContext(map[string]any{"attempt": attempt})))
			}
			logAttempt(r.purpose, attempt, len(keys), res.err)
			last = res.err
			causes = multierror.Append(causes, res.err)
		}
	}

	g.metrics.LLMCall(r.purpose, g.clock.Since(start), true)
	exhausted := &ExhaustedError{Attempts: len(keys), Last: last, Causes: causes.ErrorOrNil()}
	rec.Record(domain.EventError, sessionlog.NewError(r.exhaustedType, exhausted, map[string]any{"total_keys": len(keys)}))
	return zero, exhausted
}
