package workflow

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrBreakerOpen is returned instead of running a handler whose activity
// has failed too many times in a row
var ErrBreakerOpen = errors.New("activity circuit breaker is open")

// BreakerState 熔断器状态
type BreakerState int

const (
	// BreakerClosed 正常放行
	BreakerClosed BreakerState = iota
	// BreakerOpen 拒绝执行，直到 RecoveryTimeout 过去
	BreakerOpen
	// BreakerHalfOpen 放行有限次数的探测执行
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	// FailureThreshold 连续失败多少次后熔断
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`
	// RecoveryTimeout 熔断后多久进入半开
	RecoveryTimeout time.Duration `json:"recovery_timeout" yaml:"recovery_timeout"`
	// HalfOpenProbes 半开状态允许的探测次数
	HalfOpenProbes int `json:"half_open_probes" yaml:"half_open_probes"`
	// SuccessThreshold 半开状态连续成功多少次后恢复
	SuccessThreshold int `json:"success_threshold" yaml:"success_threshold"`
}

// DefaultBreakerConfig 默认熔断器配置
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenProbes:   3,
		SuccessThreshold: 2,
	}
}

func (c BreakerConfig) normalized() BreakerConfig {
	def := DefaultBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = def.RecoveryTimeout
	}
	if c.HalfOpenProbes <= 0 {
		c.HalfOpenProbes = def.HalfOpenProbes
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = def.SuccessThreshold
	}
	if c.SuccessThreshold > c.HalfOpenProbes {
		c.SuccessThreshold = c.HalfOpenProbes
	}
	return c
}

// breaker guards the handler of one activity of one graph
type breaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	probes    int
	openedAt  time.Time
}

// allow reports whether the handler may run; it moves an expired open
// breaker to half-open
func (b *breaker) allow(cfg BreakerConfig, now time.Time) (BreakerState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen && now.Sub(b.openedAt) >= cfg.RecoveryTimeout {
		b.state = BreakerHalfOpen
		b.probes, b.successes = 0, 0
	}

	switch b.state {
	case BreakerOpen:
		return b.state, fmt.Errorf("%w: %d consecutive failures, retry in %v",
			ErrBreakerOpen, b.failures, cfg.RecoveryTimeout-now.Sub(b.openedAt))
	case BreakerHalfOpen:
		if b.probes >= cfg.HalfOpenProbes {
			return b.state, fmt.Errorf("%w: half-open probes exhausted", ErrBreakerOpen)
		}
		b.probes++
	}
	return b.state, nil
}

// record updates the breaker with the result of a handler run and returns
// the state after it
func (b *breaker) record(cfg BreakerConfig, failed bool, now time.Time) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !failed {
		switch b.state {
		case BreakerClosed:
			b.failures = 0
		case BreakerHalfOpen:
			b.successes++
			if b.successes >= cfg.SuccessThreshold {
				b.state = BreakerClosed
				b.failures, b.successes, b.probes = 0, 0, 0
			}
		}
		return b.state
	}

	b.failures++
	switch b.state {
	case BreakerClosed:
		if b.failures >= cfg.FailureThreshold {
			b.state = BreakerOpen
			b.openedAt = now
		}
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.openedAt = now
		b.successes = 0
	}
	return b.state
}

// Breakers holds one circuit breaker per graph activity. An activity whose
// handler fails FailureThreshold times in a row is short-circuited with
// ErrBreakerOpen until RecoveryTimeout elapses. Suspensions count as
// successes.
type Breakers struct {
	cfg BreakerConfig
	now func() time.Time

	mu       sync.Mutex
	breakers map[string]*breaker
}

// NewBreakers creates an empty breaker set; zero config fields take defaults
func NewBreakers(cfg BreakerConfig) *Breakers {
	return &Breakers{
		cfg:      cfg.normalized(),
		now:      time.Now,
		breakers: make(map[string]*breaker),
	}
}

func breakerKey(graphID, activityID string) string {
	return graphID + "/" + activityID
}

func (bs *Breakers) get(graphID, activityID string) *breaker {
	key := breakerKey(graphID, activityID)
	bs.mu.Lock()
	defer bs.mu.Unlock()
	b, ok := bs.breakers[key]
	if !ok {
		b = &breaker{}
		bs.breakers[key] = b
	}
	return b
}

// State returns the state of an activity's breaker
func (bs *Breakers) State(graphID, activityID string) BreakerState {
	bs.mu.Lock()
	b, ok := bs.breakers[breakerKey(graphID, activityID)]
	bs.mu.Unlock()
	if !ok {
		return BreakerClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Open lists the "graph/activity" keys whose breaker is not closed
func (bs *Breakers) Open() []string {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	var keys []string
	for key, b := range bs.breakers {
		b.mu.Lock()
		if b.state != BreakerClosed {
			keys = append(keys, key)
		}
		b.mu.Unlock()
	}
	sort.Strings(keys)
	return keys
}

// Reset closes the breaker of an activity
func (bs *Breakers) Reset(graphID, activityID string) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	delete(bs.breakers, breakerKey(graphID, activityID))
}
