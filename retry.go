package mirage

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// retryProvider wraps a Provider and automatically retries recoverable
// failures (transport errors and rate limits) with exponential backoff.
type retryProvider struct {
	inner       Provider
	maxAttempts int
	baseDelay   time.Duration
	timeout     time.Duration // overall budget across attempts; 0 = none
	logger      *slog.Logger
}

// RetryOption configures a retryProvider.
type RetryOption func(*retryProvider)

// RetryMaxAttempts sets the maximum number of attempts (default: 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(r *retryProvider) { r.maxAttempts = n }
}

// RetryBaseDelay sets the initial backoff delay before the second attempt
// (default: 1s). Each subsequent delay doubles.
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *retryProvider) { r.baseDelay = d }
}

// RetryTimeout sets the overall budget for the whole retry sequence. Zero
// (default) disables it.
func RetryTimeout(d time.Duration) RetryOption {
	return func(r *retryProvider) { r.timeout = d }
}

// RetryLogger sets the structured logger for retry events.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(r *retryProvider) { r.logger = l }
}

// WithRetry wraps p with automatic retry on recoverable provider errors.
// Retries use exponential backoff with jitter; when the error carries a
// Retry-After hint, the delay is at least that long.
func WithRetry(p Provider, opts ...RetryOption) Provider {
	r := &retryProvider{
		inner:       p,
		maxAttempts: 3,
		baseDelay:   time.Second,
		logger:      nopLogger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ Provider = (*retryProvider)(nil)

func (r *retryProvider) Name() string { return r.inner.Name() }

func (r *retryProvider) CreateMessage(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var last error
	for i := 0; i < r.maxAttempts; i++ {
		resp, err := r.inner.CreateMessage(ctx, req)
		if err == nil || !isRecoverable(err) {
			return resp, err
		}
		last = err
		r.logger.Warn("retrying recoverable provider error",
			"provider", r.inner.Name(), "attempt", i+1, "max_attempts", r.maxAttempts, "error", err)
		if i < r.maxAttempts-1 {
			if err := sleepBackoff(ctx, r.baseDelay, i, err); err != nil {
				return ChatResponse{}, err
			}
		}
	}
	r.logger.Error("all retry attempts exhausted",
		"provider", r.inner.Name(), "attempts", r.maxAttempts, "error", last)
	return ChatResponse{}, last
}

// StreamMessage retries only while no fragment has been forwarded yet.
// Once streaming has started, errors pass through so clients never see
// duplicate content. ch is always closed before returning.
func (r *retryProvider) StreamMessage(ctx context.Context, req ChatRequest, ch chan<- Fragment) (ChatResponse, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	defer close(ch)

	var last error
	for i := 0; i < r.maxAttempts; i++ {
		mid := make(chan Fragment, 64)
		var (
			resp      ChatResponse
			streamErr error
		)
		done := make(chan struct{})
		go func() {
			defer close(done)
			resp, streamErr = r.inner.StreamMessage(ctx, req, mid)
		}()

		var forwarded bool
		for frag := range mid {
			forwarded = true
			ch <- frag
		}
		<-done

		if streamErr == nil || !isRecoverable(streamErr) || forwarded {
			return resp, streamErr
		}

		last = streamErr
		r.logger.Warn("retrying recoverable provider error (stream)",
			"provider", r.inner.Name(), "attempt", i+1, "max_attempts", r.maxAttempts, "error", streamErr)
		if i < r.maxAttempts-1 {
			if err := sleepBackoff(ctx, r.baseDelay, i, streamErr); err != nil {
				return ChatResponse{}, err
			}
		}
	}
	r.logger.Error("all retry attempts exhausted (stream)",
		"provider", r.inner.Name(), "attempts", r.maxAttempts, "error", last)
	return ChatResponse{}, last
}

// withTimeout returns a child context with a deadline if r.timeout is set
// and ctx doesn't already carry an earlier one.
func (r *retryProvider) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	deadline := time.Now().Add(r.timeout)
	if existing, ok := ctx.Deadline(); ok && existing.Before(deadline) {
		return ctx, func() {}
	}
	return context.WithDeadline(ctx, deadline)
}

// isRecoverable reports whether err should be retried with backoff.
func isRecoverable(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Recoverable()
}

// retryAfterOf extracts the provider's Retry-After hint, or 0.
func retryAfterOf(err error) time.Duration {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

// sleepBackoff waits before retry attempt i, respecting context
// cancellation. The delay is max(exponential backoff with jitter,
// server Retry-After).
func sleepBackoff(ctx context.Context, base time.Duration, i int, err error) error {
	delay := retryBackoff(base, i)
	if ra := retryAfterOf(err); ra > delay {
		delay = ra
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryBackoff returns the delay for retry i (0-indexed).
// Exponential: base * 2^i, plus up to 50% random jitter.
func retryBackoff(base time.Duration, i int) time.Duration {
	exp := base * (1 << i)
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp + jitter
}
