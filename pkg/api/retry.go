package api

import (
	"math/rand"
	"time"
)

// BackoffPolicy governs execution-level redelivery after an unexpected
// failure: delay = min(Base * 2^retryCount + uniform(0, Jitter), Max).
// It is distinct from the per-step RetrySpec, which retries a single
// tool/code step in-process before the step is recorded as failed.
type BackoffPolicy struct {
	Base       time.Duration
	Jitter     time.Duration
	Max        time.Duration
	MaxRetries int
}

// DefaultBackoffPolicy returns the standard policy: base 2s, jitter up to
// 3s, capped at 300s, at most 10 retries.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Base:       2 * time.Second,
		Jitter:     3 * time.Second,
		Max:        300 * time.Second,
		MaxRetries: 10,
	}
}

// WithDefaults fills zero fields from DefaultBackoffPolicy.
func (p BackoffPolicy) WithDefaults() BackoffPolicy {
	d := DefaultBackoffPolicy()
	if p.Base <= 0 {
		p.Base = d.Base
	}
	if p.Jitter <= 0 {
		p.Jitter = d.Jitter
	}
	if p.Max <= 0 {
		p.Max = d.Max
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = d.MaxRetries
	}
	return p
}

// Backoff computes the redelivery delay for the given retry count. The
// result is always >= Base*2^retryCount (pre-cap) and never exceeds Max.
func Backoff(retryCount int, p BackoffPolicy) time.Duration {
	p = p.WithDefaults()
	if retryCount < 0 {
		retryCount = 0
	}

	// Doubling past the cap is pointless and overflows for large counts.
	delay := p.Base
	for i := 0; i < retryCount && delay < p.Max; i++ {
		delay *= 2
	}
	if delay < p.Max && p.Jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(p.Jitter)))
	}
	if delay > p.Max {
		delay = p.Max
	}
	return delay
}
