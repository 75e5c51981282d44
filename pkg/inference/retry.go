package inference

import (
	"context"
	"errors"
	"time"
)

// Policy bounds the retry loop of a single inference call
type Policy struct {
	MaxRetries int           // total attempts, including the first
	BaseDelay  time.Duration // backoff after attempt k is BaseDelay * 2^k
	Timeout    time.Duration // wall-clock cap per attempt
}

// DefaultPolicy returns 3 attempts, 1s base delay and a 60s per-attempt timeout.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		Timeout:    60 * time.Second,
	}
}

// Backoff returns the delay after the zero-based attempt.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return p.BaseDelay * time.Duration(1<<uint(attempt))
}

func (p Policy) attempts() int {
	if p.MaxRetries < 1 {
		return 1
	}
	return p.MaxRetries
}

// RetryState describes the loop right before it sleeps. It lives for one call.
type RetryState struct {
	Attempt   int // 1-based attempt that just failed
	LastErr   *Error
	NextDelay time.Duration
}

// AttemptFunc performs one attempt. attempt is zero-based; ctx carries the
// per-attempt deadline.
type AttemptFunc func(ctx context.Context, attempt int) (string, error)

// Retrier runs AttemptFuncs with exponential backoff
type Retrier struct {
	Policy Policy
	// Sleep waits between attempts; defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnAttempt is called after every attempt with its error (nil on success).
	OnAttempt func(attempt int, err *Error)
	// OnRetry is called before every backoff sleep.
	OnRetry func(state RetryState)
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempt cap is reached. Every returned error is an *Error.
func (r Retrier) Do(ctx context.Context, fn AttemptFunc) (string, error) {
	sleep := r.Sleep
	if sleep == nil {
		sleep = SleepContext
	}

	attempts := r.Policy.attempts()
	for attempt := 0; attempt < attempts; attempt++ {
		out, err := r.runAttempt(ctx, fn, attempt)
		if err == nil {
			if r.OnAttempt != nil {
				r.OnAttempt(attempt, nil)
			}
			return out, nil
		}

		ierr := classify(err)
		ierr.Attempts = attempt + 1
		if r.OnAttempt != nil {
			r.OnAttempt(attempt, ierr)
		}

		if !ierr.Retryable() || attempt == attempts-1 {
			return "", ierr
		}
		if ctx.Err() != nil {
			return "", &Error{Kind: KindTransport, Attempts: attempt + 1, Err: ctx.Err()}
		}

		state := RetryState{
			Attempt:   attempt + 1,
			LastErr:   ierr,
			NextDelay: r.Policy.Backoff(attempt),
		}
		if r.OnRetry != nil {
			r.OnRetry(state)
		}
		if err := sleep(ctx, state.NextDelay); err != nil {
			return "", &Error{Kind: KindTransport, Attempts: attempt + 1, Err: err}
		}
	}
	// unreachable: the loop always returns on its last attempt
	return "", &Error{Kind: KindTransport, Attempts: attempts, Err: errors.New("max retries exceeded")}
}

func (r Retrier) runAttempt(ctx context.Context, fn AttemptFunc, attempt int) (string, error) {
	if r.Policy.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Policy.Timeout)
		defer cancel()
	}
	return fn(ctx, attempt)
}

// classify copies tagged errors and treats anything untagged as transport.
func classify(err error) *Error {
	var ierr *Error
	if errors.As(err, &ierr) {
		cp := *ierr
		return &cp
	}
	return &Error{Kind: KindTransport, Err: err}
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
