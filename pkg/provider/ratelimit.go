package provider

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimitedCompletion wraps a completion provider with a token-bucket
// limiter. Calls wait for a token rather than failing, so bursts queue
// instead of erroring.
type RateLimitedCompletion struct {
	inner   Completion
	limiter *rate.Limiter
}

// NewRateLimitedCompletion wraps inner at rps requests per second with
// the given burst
func NewRateLimitedCompletion(inner Completion, rps float64, burst int) *RateLimitedCompletion {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitedCompletion{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Name returns the wrapped provider's name
func (r *RateLimitedCompletion) Name() string {
	return r.inner.Name()
}

// Complete waits for limiter capacity, then delegates
func (r *RateLimitedCompletion) Complete(ctx context.Context, prompt Prompt) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait: %w", err)
	}
	return r.inner.Complete(ctx, prompt)
}

// RateLimitedMetadata wraps a metadata provider with a token-bucket
// limiter shared across both lookup operations
type RateLimitedMetadata struct {
	inner   Metadata
	limiter *rate.Limiter
}

// NewRateLimitedMetadata wraps inner at rps requests per second with the
// given burst
func NewRateLimitedMetadata(inner Metadata, rps float64, burst int) *RateLimitedMetadata {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitedMetadata{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Name returns the wrapped provider's name
func (r *RateLimitedMetadata) Name() string {
	return r.inner.Name()
}

// LookupDOI waits for limiter capacity, then delegates
func (r *RateLimitedMetadata) LookupDOI(ctx context.Context, doi string) (*Candidate, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	return r.inner.LookupDOI(ctx, doi)
}

// SearchTitle waits for limiter capacity, then delegates
func (r *RateLimitedMetadata) SearchTitle(ctx context.Context, title string) (*Candidate, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	return r.inner.SearchTitle(ctx, title)
}
