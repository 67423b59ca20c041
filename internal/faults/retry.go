package faults

import (
	"context"
	"log/slog"
	"time"
)

// Policy bounds retries for a backend operation. The zero value retries
// once (two attempts total) with a fixed half-second delay.
type Policy struct {
	// MaxAttempts is the total attempt budget, including the first call.
	MaxAttempts int
	// Delay is the wait before the first retry.
	Delay time.Duration
	// Multiplier scales the delay between attempts; 1.0 keeps it fixed.
	Multiplier float64
	// Idempotent marks the operation safe to retry on system errors.
	// Backend-service errors are retryable regardless; user-input and
	// permission errors never are.
	Idempotent bool
}

const (
	defaultMaxAttempts = 2
	defaultDelay       = 500 * time.Millisecond
)

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.Delay <= 0 {
		p.Delay = defaultDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	return p
}

// Retryable reports whether a classified fault may be retried under p.
func (p Policy) Retryable(f *Fault) bool {
	switch f.Kind {
	case KindBackendService:
		return true
	case KindSystem:
		return p.Idempotent
	}
	return false
}

// Do runs fn under the retry policy. Every failure is classified; only
// retryable kinds consume the retry budget. After the budget is exhausted
// the last classified fault is returned unchanged, never wrapped again.
// The between-attempt delay is scoped to this call and respects ctx.
func Do[T any](ctx context.Context, p Policy, op string, fn func(context.Context) (T, error)) (T, error) {
	p = p.withDefaults()

	var zero T
	var last *Fault
	delay := p.Delay

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				slog.Info("retry succeeded", "op", op, "attempt", attempt)
			}
			return result, nil
		}

		last = Classify(err, op)
		if !p.Retryable(last) || attempt == p.MaxAttempts {
			return zero, last
		}

		slog.Warn("operation failed, retrying",
			"op", op,
			"attempt", attempt,
			"max_attempts", p.MaxAttempts,
			"delay", delay,
			"error_type", last.Kind,
			"error", last.Details,
		)

		select {
		case <-ctx.Done():
			return zero, last
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * p.Multiplier)
	}

	return zero, last
}
