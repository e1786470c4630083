package consulta

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// retryClient wraps a ModelClient and automatically retries transient HTTP
// errors (status 429 Too Many Requests and 503 Service Unavailable) with
// exponential backoff and jitter.
type retryClient struct {
	inner       ModelClient
	maxAttempts int
	baseDelay   time.Duration
	timeout     time.Duration // overall timeout across all attempts; 0 = no limit
	logger      *slog.Logger
}

// RetryOption configures a retryClient.
type RetryOption func(*retryClient)

// RetryMaxAttempts sets the maximum number of attempts (default: 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(r *retryClient) { r.maxAttempts = n }
}

// RetryBaseDelay sets the initial backoff delay before the second attempt
// (default: 1s). Each subsequent delay doubles.
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *retryClient) { r.baseDelay = d }
}

// RetryTimeout sets the overall timeout for the entire retry sequence.
// The zero value (default) disables the timeout.
func RetryTimeout(d time.Duration) RetryOption {
	return func(r *retryClient) { r.timeout = d }
}

// RetryLogger sets the structured logger for retry events. Retries log at
// WARN level and final failures after exhausting attempts log at ERROR.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(r *retryClient) { r.logger = l }
}

// WithRetry wraps client with automatic retry on transient HTTP errors
// (429, 503). When the error includes a Retry-After duration, the retry
// delay is at least that long. Compose with any ModelClient:
//
//	model = consulta.WithRetry(gemini.New(apiKey))
//	model = consulta.WithRetry(gemini.New(apiKey), consulta.RetryMaxAttempts(5))
func WithRetry(client ModelClient, opts ...RetryOption) ModelClient {
	r := &retryClient{
		inner:       client,
		maxAttempts: 3,
		baseDelay:   time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r
}

// Name delegates to the inner client.
func (r *retryClient) Name() string { return r.inner.Name() }

// Generate implements ModelClient with retry.
func (r *retryClient) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return retryCall(ctx, r.maxAttempts, r.baseDelay, r.inner.Name(), r.logger, func() (GenerateResponse, error) {
		return r.inner.Generate(ctx, req)
	})
}

// StreamGenerate implements ModelClient with retry. Retries are only
// performed if no chunks have been forwarded yet; once streaming has
// started, errors pass through immediately to avoid duplicate content.
// ch is always closed before returning.
func (r *retryClient) StreamGenerate(ctx context.Context, req GenerateRequest, ch chan<- Chunk) (GenerateResponse, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	var lastErr error
	for i := 0; i < r.maxAttempts; i++ {
		mid := make(chan Chunk, 64)
		var (
			resp      GenerateResponse
			streamErr error
		)
		done := make(chan struct{})
		go func() {
			defer close(done)
			resp, streamErr = r.inner.StreamGenerate(ctx, req, mid)
		}()

		var sent bool
		for c := range mid {
			sent = true
			ch <- c
		}
		<-done

		if streamErr == nil || !IsRetriable(streamErr) || sent {
			close(ch)
			return resp, streamErr
		}

		lastErr = streamErr
		r.logger.Warn("retrying transient error",
			"provider", r.inner.Name(),
			"attempt", i+1,
			"max_attempts", r.maxAttempts)
		if i < r.maxAttempts-1 {
			timer := time.NewTimer(retryDelay(r.baseDelay, i, streamErr))
			select {
			case <-ctx.Done():
				timer.Stop()
				close(ch)
				return GenerateResponse{}, ctx.Err()
			case <-timer.C:
			}
		}
	}
	r.logger.Error("all retry attempts exhausted (stream)",
		"provider", r.inner.Name(),
		"attempts", r.maxAttempts,
		"error", lastErr)
	close(ch)
	return GenerateResponse{}, lastErr
}

// withTimeout returns a child context with a deadline if r.timeout is set.
// If timeout is zero or ctx already has an earlier deadline, returns ctx
// unchanged.
func (r *retryClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	deadline := time.Now().Add(r.timeout)
	if existing, ok := ctx.Deadline(); ok && existing.Before(deadline) {
		return ctx, func() {}
	}
	return context.WithDeadline(ctx, deadline)
}

// retryAfterOf extracts the Retry-After duration from an ErrHTTP, or 0.
func retryAfterOf(err error) time.Duration {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// retryDelay computes the delay before retry attempt i, using jittered
// exponential backoff as a floor and the server's Retry-After value
// (if present) as a minimum.
func retryDelay(base time.Duration, i int, err error) time.Duration {
	backoff := retryBackoff(base, i)
	if ra := retryAfterOf(err); ra > backoff {
		return ra
	}
	return backoff
}

// retryBackoff returns base·2^i plus up to 25% random jitter.
func retryBackoff(base time.Duration, i int) time.Duration {
	d := base << uint(i)
	if d <= 0 {
		return 0
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}

// retryCall calls fn up to maxAttempts times, sleeping between transient failures.
func retryCall[T any](ctx context.Context, maxAttempts int, base time.Duration, name string, logger *slog.Logger, fn func() (T, error)) (T, error) {
	var zero T
	var last error
	for i := 0; i < maxAttempts; i++ {
		result, err := fn()
		if err == nil || !IsRetriable(err) {
			return result, err
		}
		last = err
		logger.Warn("retrying transient error",
			"provider", name,
			"attempt", i+1,
			"max_attempts", maxAttempts)
		if i < maxAttempts-1 {
			timer := time.NewTimer(retryDelay(base, i, err))
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}
	}
	logger.Error("all retry attempts exhausted",
		"provider", name,
		"attempts", maxAttempts,
		"error", last)
	return zero, last
}
