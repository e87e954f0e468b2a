package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/flowgate/internal/ctxkeys"
	"github.com/BaSui01/flowgate/internal/metrics"
	"github.com/BaSui01/flowgate/lock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/BaSui01/flowgate/workflow"

// ForkMode selects how a fork enters its branches
type ForkMode string

const (
	// ModeSequential runs every branch to its end, one after another
	ModeSequential ForkMode = "sequential"
	// ModeConcurrent runs all branches on the executor and waits for all
	ModeConcurrent ForkMode = "concurrent"
	// ModeAsyncSequential runs branches one after another and stops the fan-out
	// at the first suspended branch
	ModeAsyncSequential ForkMode = "async_sequential"
)

// LockKey returns the lock key of a process instance
func LockKey(instanceID string) string {
	return "flowgate:instance:" + instanceID
}

// RunRequest starts a process instance
type RunRequest struct {
	GraphID           string         `json:"graph_id"`
	ProcessInstanceID string         `json:"process_instance_id"`
	Variables         map[string]any `json:"variables,omitempty"`
}

// Engine drives process instances through their activity graph and
// synchronizes forked branches at join gateways.
type Engine struct {
	ledger    *Ledger
	locker    lock.Locker
	snapshots SnapshotStore
	handlers  *HandlerRegistry
	executor  Executor
	async     bool
	lockRetry lock.RetryPolicy
	listeners listeners
	metrics   *metrics.Collector
	breakers  *Breakers
	logger    *zap.Logger
	tracer    trace.Tracer

	mu     sync.RWMutex
	graphs map[string]*Graph
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithExecutor enables concurrent forks
func WithExecutor(x Executor) Option {
	return func(e *Engine) { e.executor = x }
}

// WithAsyncSequential makes forks stop their fan-out at the first suspended
// branch. It takes precedence over the executor.
func WithAsyncSequential(enabled bool) Option {
	return func(e *Engine) { e.async = enabled }
}

// WithLockRetry sets the retry policy used to acquire instance locks
func WithLockRetry(policy lock.RetryPolicy) Option {
	return func(e *Engine) { e.lockRetry = policy }
}

// WithListener adds an event listener
func WithListener(l Listener) Option {
	return func(e *Engine) {
		if l != nil {
			e.listeners = append(e.listeners, l)
		}
	}
}

// WithMetrics sets the prometheus collector
func WithMetrics(c *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = c }
}

// WithBreakers guards task handlers with per-activity circuit breakers
func WithBreakers(bs *Breakers) Option {
	return func(e *Engine) { e.breakers = bs }
}

// WithHandlers sets the handler registry
func WithHandlers(r *HandlerRegistry) Option {
	return func(e *Engine) {
		if r != nil {
			e.handlers = r
		}
	}
}

// NewEngine creates an engine on top of a token store, a locker and a
// snapshot store.
func NewEngine(store TokenStore, locker lock.Locker, snapshots SnapshotStore, opts ...Option) *Engine {
	e := &Engine{
		locker:    locker,
		snapshots: snapshots,
		handlers:  NewHandlerRegistry(),
		lockRetry: lock.DefaultRetryPolicy(),
		logger:    zap.NewNop(),
		tracer:    otel.Tracer(instrumentationName),
		graphs:    make(map[string]*Graph),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("component", "workflow_engine"))
	e.ledger = NewLedger(store, e.logger)
	return e
}

// Mode returns the fork mode derived from the engine options
func (e *Engine) Mode() ForkMode {
	switch {
	case e.async:
		return ModeAsyncSequential
	case e.executor != nil:
		return ModeConcurrent
	default:
		return ModeSequential
	}
}

// Breakers returns the circuit breakers, nil when disabled
func (e *Engine) Breakers() *Breakers {
	return e.breakers
}

// Handlers returns the handler registry
func (e *Engine) Handlers() *HandlerRegistry {
	return e.handlers
}

// RegisterGraph validates a graph and makes it available to Run and Resume
func (e *Engine) RegisterGraph(g *Graph) error {
	if err := g.Validate(); err != nil {
		return err
	}
	for _, a := range g.Activities() {
		if a.Kind != ActivityTask && a.Kind != ActivityStart {
			continue
		}
		if _, err := e.handlers.resolve(a); err != nil {
			return fmt.Errorf("graph %s: %w", g.ID(), err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.graphs[g.ID()] = g

	e.logger.Info("graph registered",
		zap.String("graph_id", g.ID()),
		zap.Int("activities", len(g.Activities())))
	return nil
}

// Graph returns a registered graph
func (e *Engine) Graph(id string) (*Graph, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	g, ok := e.graphs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGraphNotFound, id)
	}
	return g, nil
}

// GraphIDs returns the IDs of all registered graphs
func (e *Engine) GraphIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.graphs))
	for id := range e.graphs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ActiveTokens returns the active tokens of an instance
func (e *Engine) ActiveTokens(ctx context.Context, instanceID string) ([]*Token, error) {
	return e.ledger.ActiveTokens(ctx, instanceID)
}

// Run starts a process instance at the start activity of its graph. Every
// instance ID runs once: a second Run with the same ID is rejected with
// ErrInstanceExists, whether the first one completed, suspended or failed.
func (e *Engine) Run(ctx context.Context, req RunRequest) (Outcome, error) {
	if req.ProcessInstanceID == "" {
		return Outcome{}, fmt.Errorf("process instance id is required")
	}
	g, err := e.Graph(req.GraphID)
	if err != nil {
		return Outcome{}, err
	}
	if err := e.reserve(ctx, req.ProcessInstanceID); err != nil {
		return Outcome{}, err
	}

	ctx = ctxkeys.WithInstanceID(ctx, req.ProcessInstanceID)
	ctx, span := e.tracer.Start(ctx, "flowgate.run", trace.WithAttributes(instanceAttrs(req.ProcessInstanceID, g.ID())...))
	defer span.End()

	end := e.ledger.Begin(req.ProcessInstanceID)
	defer end()

	rc := NewRequestContext(req.Variables)
	x := &execution{
		graph:      g,
		instanceID: req.ProcessInstanceID,
		rc:         rc,
		token:      newRootToken(req.ProcessInstanceID, g.Start()),
	}

	e.logger.Info("process instance started",
		zap.String("instance_id", req.ProcessInstanceID),
		zap.String("graph_id", g.ID()),
		zap.String("mode", string(e.Mode())))

	out, err := e.walk(ctx, x, g.Start())
	if err != nil {
		err = e.checkpointFailed(ctx, x, err)
		recordSpanError(span, err)
		e.logger.Error("process instance failed",
			zap.String("instance_id", req.ProcessInstanceID),
			zap.Bool("fatal", IsFatal(err)),
			zap.Error(err))
		return out, err
	}
	if err := e.checkpoint(ctx, x, nil); err != nil {
		recordSpanError(span, err)
		return out, err
	}
	return out, nil
}

// reserve fails when an instance ID was used before. Otherwise it stores a
// consumed reservation token so later runs with the same ID are refused even when
// this one leaves nothing else behind.
func (e *Engine) reserve(ctx context.Context, instanceID string) error {
	lease, err := e.acquire(ctx, instanceID)
	if err != nil {
		return err
	}
	defer e.release(ctx, lease)

	_, err = e.snapshots.LoadSnapshot(ctx, instanceID)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s has a suspended branch", ErrInstanceExists, instanceID)
	case !errors.Is(err, ErrSnapshotNotFound):
		return fmt.Errorf("load snapshot: %w", err)
	}

	c := newReservationToken(instanceID)
	_, err = e.ledger.store.FindToken(ctx, instanceID, c.ID)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s", ErrInstanceExists, instanceID)
	case !errors.Is(err, ErrTokenNotFound):
		return fmt.Errorf("find token %s: %w", c.ID, err)
	}
	if err := e.ledger.store.SaveToken(ctx, c); err != nil {
		return fmt.Errorf("save token %s: %w", c.ID, err)
	}
	return nil
}

// checkpointFailed keeps the branches that suspended before a pass failed
// resumable. The pass error is returned together with any checkpoint error.
func (e *Engine) checkpointFailed(ctx context.Context, x *execution, cause error) error {
	if !x.restored && !x.rc.outstanding() {
		return cause
	}
	return multierr.Append(cause, e.checkpoint(ctx, x, cause))
}

// checkpoint merges the changes of this pass into the stored snapshot under
// the instance lock. The snapshot is kept while anything waits on a resume
// and dropped otherwise. cause is the error of a failed pass; a failed pass
// never reports the instance as completed.
func (e *Engine) checkpoint(ctx context.Context, x *execution, cause error) error {
	lease, err := e.acquire(ctx, x.instanceID)
	if err != nil {
		return err
	}
	defer e.release(ctx, lease)

	base := newContext()
	existed := false
	snap, err := e.snapshots.LoadSnapshot(ctx, x.instanceID)
	switch {
	case err == nil:
		if base, err = decodeContext(snap.Context); err != nil {
			return err
		}
		existed = true
	case !errors.Is(err, ErrSnapshotNotFound):
		return fmt.Errorf("load snapshot: %w", err)
	}
	rc := x.rc.rebase(base)

	if !rc.outstanding() {
		if existed {
			if err := e.snapshots.DeleteSnapshot(ctx, x.instanceID); err != nil && !errors.Is(err, ErrSnapshotNotFound) {
				return fmt.Errorf("delete snapshot: %w", err)
			}
		}
		// 快照已被并发的另一次恢复删除时，完成事件由那次恢复发出
		if cause == nil && (existed || !x.restored) {
			e.emit(ctx, x, Event{Type: EventInstanceCompleted})
		}
		return nil
	}

	data, err := rc.Encode()
	if err != nil {
		return err
	}
	if err := e.snapshots.SaveSnapshot(ctx, &Snapshot{
		ProcessInstanceID: x.instanceID,
		GraphID:           x.graph.ID(),
		Context:           data,
		UpdatedAt:         time.Now(),
	}); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// acquire takes the instance lock with bounded retry
func (e *Engine) acquire(ctx context.Context, instanceID string) (lock.Lease, error) {
	start := time.Now()
	lease, err := lock.Acquire(ctx, e.locker, LockKey(instanceID), e.lockRetry)
	e.metrics.ObserveLockWait(time.Since(start), err == nil)
	if err != nil {
		return nil, fmt.Errorf("lock instance %s: %w", instanceID, err)
	}
	return lease, nil
}

func (e *Engine) release(ctx context.Context, lease lock.Lease) {
	// 即使调用方的 ctx 已取消也要释放锁
	if err := lease.Unlock(context.WithoutCancel(ctx)); err != nil {
		e.logger.Warn("failed to release instance lock",
			zap.String("key", lease.Key()),
			zap.Error(err))
	}
}

func (e *Engine) emit(ctx context.Context, x *execution, ev Event) {
	if len(e.listeners) == 0 {
		return
	}
	ev.ProcessInstanceID = x.instanceID
	ev.GraphID = x.graph.ID()
	if ev.TokenID == "" && x.token != nil {
		ev.TokenID = x.token.ID
	}
	e.listeners.OnEvent(ctx, ev)
}
