package consulta

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryGenerateSucceedsAfterTransient(t *testing.T) {
	model := &stubModel{results: []stubResult{
		{err: &ErrHTTP{Status: 429, Body: "rate limited"}},
		{err: &ErrHTTP{Status: 503, Body: "unavailable"}},
		{resp: GenerateResponse{Content: "listo"}},
	}}
	r := WithRetry(model, RetryBaseDelay(time.Millisecond))

	resp, err := r.Generate(context.Background(), GenerateRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "listo" {
		t.Errorf("content = %q", resp.Content)
	}
	if model.callCount() != 3 {
		t.Errorf("calls = %d, want 3", model.callCount())
	}
}

func TestRetryGenerateNonRetriablePassesThrough(t *testing.T) {
	blocked := &ErrBlocked{Stage: "input", Reason: "SAFETY"}
	model := &stubModel{results: []stubResult{{err: blocked}}}
	r := WithRetry(model, RetryBaseDelay(time.Millisecond))

	_, err := r.Generate(context.Background(), GenerateRequest{})
	if !errors.Is(err, blocked) {
		t.Fatalf("err = %v", err)
	}
	if model.callCount() != 1 {
		t.Errorf("calls = %d, want 1", model.callCount())
	}
}

func TestRetryGenerateExhaustsAttempts(t *testing.T) {
	model := &stubModel{results: []stubResult{
		{err: &ErrHTTP{Status: 429}},
		{err: &ErrHTTP{Status: 429}},
	}}
	r := WithRetry(model, RetryMaxAttempts(2), RetryBaseDelay(time.Millisecond))

	_, err := r.Generate(context.Background(), GenerateRequest{})
	if !IsRateLimited(err) {
		t.Fatalf("err = %v", err)
	}
	if model.callCount() != 2 {
		t.Errorf("calls = %d, want 2", model.callCount())
	}
}

func TestRetryHonorsRetryAfterMinimum(t *testing.T) {
	const ra = 30 * time.Millisecond
	model := &stubModel{results: []stubResult{
		{err: &ErrHTTP{Status: 429, RetryAfter: ra}},
		{resp: GenerateResponse{Content: "ok"}},
	}}
	r := WithRetry(model, RetryBaseDelay(time.Millisecond))

	start := time.Now()
	if _, err := r.Generate(context.Background(), GenerateRequest{}); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < ra {
		t.Errorf("retried after %v, want at least %v", elapsed, ra)
	}
}

func TestRetryStreamRetriesBeforeFirstChunk(t *testing.T) {
	model := &stubModel{results: []stubResult{
		{err: &ErrHTTP{Status: 503}},
		{resp: GenerateResponse{Content: "hola mundo"}, tokens: []string{"hola ", "mundo"}},
	}}
	r := WithRetry(model, RetryBaseDelay(time.Millisecond))

	ch := make(chan Chunk, 16)
	resp, err := r.StreamGenerate(context.Background(), GenerateRequest{}, ch)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "hola mundo" {
		t.Errorf("content = %q", resp.Content)
	}
	var tokens []string
	for c := range ch {
		if c.Type == ChunkTextDelta {
			tokens = append(tokens, c.Text)
		}
	}
	if len(tokens) != 2 {
		t.Errorf("tokens = %v", tokens)
	}
}

func TestRetryStreamNoRetryAfterFirstChunk(t *testing.T) {
	model := &stubModel{results: []stubResult{
		{err: &ErrHTTP{Status: 429}, tokens: []string{"parcial"}},
		{resp: GenerateResponse{Content: "nunca"}},
	}}
	r := WithRetry(model, RetryBaseDelay(time.Millisecond))

	ch := make(chan Chunk, 16)
	_, err := r.StreamGenerate(context.Background(), GenerateRequest{}, ch)
	if !IsRateLimited(err) {
		t.Fatalf("err = %v", err)
	}
	if model.callCount() != 1 {
		t.Errorf("calls = %d, want 1: streaming already started", model.callCount())
	}
	// Channel is closed; the partial chunk was forwarded.
	var n int
	for range ch {
		n++
	}
	if n != 1 {
		t.Errorf("forwarded %d chunks, want 1", n)
	}
}

func TestRetryTimeoutCancelsSequence(t *testing.T) {
	model := &stubModel{results: []stubResult{
		{err: &ErrHTTP{Status: 429, RetryAfter: time.Minute}},
	}}
	r := WithRetry(model, RetryTimeout(20*time.Millisecond), RetryBaseDelay(time.Millisecond))

	_, err := r.Generate(context.Background(), GenerateRequest{})
	if !IsCancelled(err) {
		t.Fatalf("err = %v", err)
	}
}

func TestIsRetriable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&ErrHTTP{Status: 429}, true},
		{&ErrHTTP{Status: 503}, true},
		{&ErrHTTP{Status: 500}, false},
		{&ErrHTTP{Status: 400}, false},
		{&ErrTransient{Message: "db locked"}, true},
		{&ErrBlocked{Stage: "input"}, false},
		{errors.New("plain"), false},
		{nil, false},
	}
	for _, tc := range cases {
		if got := IsRetriable(tc.err); got != tc.want {
			t.Errorf("IsRetriable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestIsCancelled(t *testing.T) {
	if !IsCancelled(context.Canceled) || !IsCancelled(context.DeadlineExceeded) {
		t.Error("context errors must count as cancelled")
	}
	wrapped := errors.Join(errors.New("turn failed"), context.Canceled)
	if !IsCancelled(wrapped) {
		t.Error("wrapped cancellation not detected")
	}
	if IsCancelled(errors.New("other")) {
		t.Error("plain error counted as cancelled")
	}
}
