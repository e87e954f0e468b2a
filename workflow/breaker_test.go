package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_StateMachine(t *testing.T) {
	cfg := BreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Minute, HalfOpenProbes: 2, SuccessThreshold: 2}.normalized()
	now := time.Unix(1000, 0)
	b := &breaker{}

	_, err := b.allow(cfg, now)
	require.NoError(t, err)
	assert.Equal(t, BreakerClosed, b.record(cfg, true, now))
	assert.Equal(t, BreakerOpen, b.record(cfg, true, now))

	_, err = b.allow(cfg, now.Add(30*time.Second))
	assert.ErrorIs(t, err, ErrBreakerOpen)

	// 恢复时间到后进入半开，探测次数有限
	state, err := b.allow(cfg, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, BreakerHalfOpen, state)
	assert.Equal(t, BreakerHalfOpen, b.record(cfg, false, now.Add(time.Minute)))

	_, err = b.allow(cfg, now.Add(time.Minute))
	require.NoError(t, err)
	_, err = b.allow(cfg, now.Add(time.Minute))
	assert.ErrorIs(t, err, ErrBreakerOpen, "probes exhausted")

	assert.Equal(t, BreakerClosed, b.record(cfg, false, now.Add(time.Minute)))
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	cfg := BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Second}.normalized()
	now := time.Unix(1000, 0)
	b := &breaker{}

	assert.Equal(t, BreakerOpen, b.record(cfg, true, now))
	_, err := b.allow(cfg, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, BreakerOpen, b.record(cfg, true, now.Add(time.Second)))

	_, err = b.allow(cfg, now.Add(1500*time.Millisecond))
	assert.ErrorIs(t, err, ErrBreakerOpen)
}

func TestBreakerConfig_Normalized(t *testing.T) {
	cfg := BreakerConfig{HalfOpenProbes: 1, SuccessThreshold: 4}.normalized()
	assert.Equal(t, DefaultBreakerConfig().FailureThreshold, cfg.FailureThreshold)
	assert.Equal(t, DefaultBreakerConfig().RecoveryTimeout, cfg.RecoveryTimeout)
	assert.Equal(t, 1, cfg.SuccessThreshold)
}

func TestEngine_BreakerShortCircuitsFailingActivity(t *testing.T) {
	boom := errors.New("boom")
	clock := time.Unix(1000, 0)
	breakers := NewBreakers(BreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Minute, HalfOpenProbes: 1, SuccessThreshold: 1})
	breakers.now = func() time.Time { return clock }

	f := newFixture(WithBreakers(breakers))
	g := diamond(t, "g", "a", "b")

	var calls, failing atomic.Int32
	failing.Store(1)
	f.register(t, g, map[string]ActivityHandler{
		"a": HandlerFunc(func(ctx context.Context, ac *ActivityContext) (Outcome, error) {
			calls.Add(1)
			if failing.Load() == 1 {
				return Outcome{}, boom
			}
			return Continue(), nil
		}),
	})

	run := func(i int) error {
		_, err := f.engine.Run(context.Background(), RunRequest{GraphID: "g", ProcessInstanceID: fmt.Sprintf("pi-%d", i)})
		return err
	}

	require.ErrorIs(t, run(1), boom)
	require.ErrorIs(t, run(2), boom)
	assert.Equal(t, BreakerOpen, breakers.State("g", "a"))
	assert.Equal(t, []string{"g/a"}, breakers.Open())

	err := run(3)
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.Equal(t, int32(2), calls.Load(), "open breaker skips the handler")

	// 恢复时间过后，一次成功的探测关闭熔断器
	failing.Store(0)
	clock = clock.Add(time.Minute)
	require.NoError(t, run(4))
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, BreakerClosed, breakers.State("g", "a"))
	assert.Empty(t, breakers.Open())

	assert.Equal(t, BreakerClosed, breakers.State("g", "b"))
}

func TestBreakers_Reset(t *testing.T) {
	bs := NewBreakers(BreakerConfig{FailureThreshold: 1})
	b := bs.get("g", "a")
	b.record(bs.cfg, true, time.Now())
	require.Equal(t, BreakerOpen, bs.State("g", "a"))

	bs.Reset("g", "a")
	assert.Equal(t, BreakerClosed, bs.State("g", "a"))
}
