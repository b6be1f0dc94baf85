package retry

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/user/agentmem/internal/types"
)

// Policy controls how failed operations are retried with exponential backoff.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration

	// Retryable classifies errors. Nil means DefaultRetryable.
	Retryable func(error) bool
}

// Default returns a Policy with 3 attempts, 1s initial delay, 2x multiplier
// and a 30s cap. It is used for background jobs.
func Default() *Policy {
	return &Policy{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
	}
}

// Sequence returns the short policy used around event appends: conflicts on
// the (session, sequence) key are retried quickly a bounded number of times.
func Sequence() *Policy {
	return &Policy{
		MaxAttempts:  5,
		InitialDelay: 5 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     100 * time.Millisecond,
		Retryable: func(err error) bool {
			return errors.Is(err, types.ErrSequenceConflict) || errors.Is(err, types.ErrStoreUnavailable)
		},
	}
}

// ShouldRetry returns true if the error is retryable and the attempt count
// has not exceeded MaxAttempts.
func (p *Policy) ShouldRetry(err error, attempt int) bool {
	if attempt > p.MaxAttempts {
		return false
	}
	if p.Retryable != nil {
		return err != nil && p.Retryable(err)
	}
	return DefaultRetryable(err)
}

// DefaultRetryable treats conflicts and transient store or network failures as
// retryable, and structural failures (not found, ended, invalid input,
// cancellation) as permanent. Unknown errors default to retryable.
func DefaultRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, types.ErrNotFound),
		errors.Is(err, types.ErrAlreadyEnded),
		errors.Is(err, types.ErrInvalidInput):
		return false
	case errors.Is(err, types.ErrSequenceConflict), errors.Is(err, types.ErrStoreUnavailable):
		return true
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "temporary failure") {
		return true
	}
	if strings.Contains(msg, "invalid") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "forbidden") {
		return false
	}
	return true
}

// NextDelay returns the backoff delay for the given attempt number (1-indexed).
// The delay is InitialDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (p *Policy) NextDelay(attempt int) time.Duration {
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Do runs fn up to MaxAttempts times, sleeping between retries with
// exponential backoff. It stops early when ctx is done or the error is not
// retryable, and returns the last error.
func (p *Policy) Do(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !p.ShouldRetry(err, attempt) || attempt == p.MaxAttempts {
			return err
		}
		timer := time.NewTimer(p.NextDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}
	return lastErr
}
