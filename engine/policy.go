package engine

import (
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// RetryPolicy configures automatic retry of retryable step failures.
//
// Delay between attempts follows exponential backoff with jitter:
//
//	delay = min(base * 2^attempt, maxDelay) + jitter(0, base)
//
// Jitter is drawn from the step's derived RNG, so retry timing is part of
// the deterministic envelope like everything else.
type RetryPolicy struct {
	// MaxAttempts is the total attempt budget including the first try.
	// Must be >= 1; 1 means no retries.
	MaxAttempts int

	// BaseDelay is the base for exponential backoff.
	BaseDelay time.Duration

	// MaxDelay caps the exponential component. Must be >= BaseDelay.
	MaxDelay time.Duration
}

// DefaultRetryPolicy is applied to steps without an explicit policy:
// three attempts with 100ms base backoff.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

// Validate checks the policy's constraints.
func (p *RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return errors.New("retry policy: MaxAttempts must be >= 1")
	}
	if p.BaseDelay <= 0 {
		return errors.New("retry policy: BaseDelay must be positive")
	}
	if p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("retry policy: MaxDelay %v must be >= BaseDelay %v", p.MaxDelay, p.BaseDelay)
	}
	return nil
}

// computeBackoff calculates the delay before retry attempt `attempt`
// (zero-based). The rng provides jitter; passing the step's derived RNG
// keeps the delays reproducible.
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	exponential := base * (1 << attempt)
	if exponential > maxDelay || exponential <= 0 {
		exponential = maxDelay
	}

	var jitter time.Duration
	if rng != nil && base > 0 {
		jitter = time.Duration(rng.Int63n(int64(base)))
	}
	return exponential + jitter
}
