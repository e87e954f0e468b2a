package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyLocker fails the first n attempts
type flakyLocker struct {
	inner    Locker
	failures int32
	calls    atomic.Int32
	err      error
}

func (l *flakyLocker) TryLock(ctx context.Context, key string) (Lease, error) {
	if l.calls.Add(1) <= l.failures {
		return nil, l.err
	}
	return l.inner.TryLock(ctx, key)
}

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Multiplier:     2,
	}
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{InitialBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond, Multiplier: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 10 * time.Millisecond},
		{1, 20 * time.Millisecond},
		{2, 40 * time.Millisecond},
		{3, 50 * time.Millisecond},
		{10, 50 * time.Millisecond},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Backoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestRetryPolicy_Normalized(t *testing.T) {
	p := RetryPolicy{}.normalized()
	assert.Equal(t, DefaultRetryPolicy(), p)

	p = RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Second, MaxBackoff: time.Millisecond, Multiplier: 0.5}.normalized()
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, time.Second, p.MaxBackoff)
	assert.Equal(t, 2.0, p.Multiplier)
}

func TestAcquire_RetriesUntilFree(t *testing.T) {
	l := &flakyLocker{inner: NewMemoryLocker(), failures: 3, err: ErrNotAcquired}

	lease, err := Acquire(context.Background(), l, "k", fastPolicy(10))
	require.NoError(t, err)
	assert.Equal(t, "k", lease.Key())
	assert.Equal(t, int32(4), l.calls.Load())
	require.NoError(t, lease.Unlock(context.Background()))
}

func TestAcquire_Exhausted(t *testing.T) {
	backendErr := errors.New("connection refused")
	l := &flakyLocker{inner: NewMemoryLocker(), failures: 100, err: backendErr}

	_, err := Acquire(context.Background(), l, "k", fastPolicy(4))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Contains(t, err.Error(), "after 4 attempts")
	assert.Equal(t, int32(4), l.calls.Load())
}

func TestAcquire_ContextCancelled(t *testing.T) {
	l := &flakyLocker{inner: NewMemoryLocker(), failures: 100, err: ErrNotAcquired}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Acquire(ctx, l, "k", RetryPolicy{MaxAttempts: 10, InitialBackoff: time.Second})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryLocker_MutualExclusion(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	lease, err := l.TryLock(ctx, "k")
	require.NoError(t, err)
	assert.True(t, l.Held("k"))

	_, err = l.TryLock(ctx, "k")
	assert.ErrorIs(t, err, ErrNotAcquired)

	other, err := l.TryLock(ctx, "other")
	require.NoError(t, err)
	require.NoError(t, other.Unlock(ctx))

	require.NoError(t, lease.Unlock(ctx))
	assert.False(t, l.Held("k"))
	assert.ErrorIs(t, lease.Unlock(ctx), ErrLeaseLost)
}

func TestMemoryLocker_StaleLeaseCannotReleaseNewHolder(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	first, err := l.TryLock(ctx, "k")
	require.NoError(t, err)
	require.NoError(t, first.Unlock(ctx))

	second, err := l.TryLock(ctx, "k")
	require.NoError(t, err)

	assert.ErrorIs(t, first.Unlock(ctx), ErrLeaseLost)
	assert.True(t, l.Held("k"))
	require.NoError(t, second.Unlock(ctx))
}

func TestAcquire_SerializesCriticalSections(t *testing.T) {
	l := NewMemoryLocker()
	var inside, maxInside atomic.Int32
	var counter int

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := Acquire(context.Background(), l, "k", RetryPolicy{
				MaxAttempts:    1000,
				InitialBackoff: 100 * time.Microsecond,
				MaxBackoff:     time.Millisecond,
				Multiplier:     2,
			})
			if !assert.NoError(t, err) {
				return
			}
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			counter++
			inside.Add(-1)
			assert.NoError(t, lease.Unlock(context.Background()))
		}()
	}
	wg.Wait()

	assert.Equal(t, 16, counter)
	assert.Equal(t, int32(1), maxInside.Load())
}
