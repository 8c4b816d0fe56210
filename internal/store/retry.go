package store

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy shapes the exponential-backoff-with-jitter loop used around
// every store primitive: initial ~30ms, cap ~350ms, ~7 attempts.
type RetryPolicy struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy returns the standard 30ms/350ms/7-attempt policy used
// across every backend.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Initial:     30 * time.Millisecond,
		Max:         350 * time.Millisecond,
		MaxAttempts: 7,
	}
}

// WithRetry runs fn, retrying on retryable errors per p, with full jitter
// backoff, generalized to wrap arbitrary store primitives rather than only
// GORM transactions.
func (p RetryPolicy) WithRetry(ctx context.Context, logger *zap.Logger, op string, fn func() error) error {
	var lastErr error
	delay := p.Initial

	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryableError(err) {
			return err
		}

		if logger != nil {
			logger.Warn("store operation failed, retrying",
				zap.String("op", op),
				zap.Int("attempt", attempt+1),
				zap.Int("max_attempts", p.MaxAttempts),
				zap.Error(err),
			)
		}

		jittered := time.Duration(rand.Int63n(int64(delay) + 1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered):
		}

		delay *= 2
		if delay > p.Max {
			delay = p.Max
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, p.MaxAttempts, lastErr)
}

// isRetryableError classifies transient busy/locked conditions as
// retryable, versus permission/corruption errors that must bubble up
// immediately.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "database is locked"):
		return true
	case strings.Contains(msg, "database table is locked"):
		return true
	case strings.Contains(msg, "busy"):
		return true
	case strings.Contains(msg, "deadlock"):
		return true
	case strings.Contains(msg, "serialization failure"), strings.Contains(msg, "40001"):
		return true
	case strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "broken pipe"):
		return true
	case strings.Contains(msg, "lock timeout"), strings.Contains(msg, "lock wait timeout"):
		return true
	case strings.Contains(msg, "bad connection"):
		return true
	default:
		return false
	}
}
