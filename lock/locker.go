package lock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotAcquired is returned by TryLock when the key is held elsewhere
	ErrNotAcquired = errors.New("lock not acquired")
	// ErrLeaseLost is returned by Unlock when the lease expired or was taken over
	ErrLeaseLost = errors.New("lock lease lost")
	// ErrExhausted is returned by Acquire when all attempts failed
	ErrExhausted = errors.New("lock retries exhausted")
)

// Locker is a named mutual-exclusion primitive
type Locker interface {
	// TryLock acquires key without blocking. Returns ErrNotAcquired when held.
	TryLock(ctx context.Context, key string) (Lease, error)
}

// Lease is a held lock
type Lease interface {
	Key() string
	Unlock(ctx context.Context) error
}

// RetryPolicy bounds the attempts made by Acquire
type RetryPolicy struct {
	// MaxAttempts is the maximum number of TryLock calls (default: 50)
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// InitialBackoff is the delay after the first failed attempt (default: 5ms)
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff"`

	// MaxBackoff caps the delay between attempts (default: 200ms)
	MaxBackoff time.Duration `json:"max_backoff" yaml:"max_backoff"`

	// Multiplier is the exponential backoff factor (default: 2.0)
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`
}

// DefaultRetryPolicy returns the default retry policy
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    50,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     200 * time.Millisecond,
		Multiplier:     2.0,
	}
}

// Backoff calculates the delay after a failed attempt (0-based)
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	backoff := p.InitialBackoff
	if attempt <= 0 {
		return backoff
	}
	for i := 0; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * p.Multiplier)
		if backoff > p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return backoff
}

func (p RetryPolicy) normalized() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = d.InitialBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	return p
}

// Acquire calls TryLock until it succeeds, the policy is exhausted or ctx is done.
// Errors other than ErrNotAcquired are retried as well; the last one is wrapped
// into the exhaustion error.
func Acquire(ctx context.Context, l Locker, key string, policy RetryPolicy) (Lease, error) {
	policy = policy.normalized()

	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		lease, err := l.TryLock(ctx, key)
		if err == nil {
			return lease, nil
		}
		lastErr = err

		if attempt == policy.MaxAttempts-1 {
			break
		}

		timer := time.NewTimer(policy.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return nil, fmt.Errorf("%w: key %s after %d attempts: %v", ErrExhausted, key, policy.MaxAttempts, lastErr)
}
