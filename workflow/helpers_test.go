package workflow

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/flowgate/lock"
	"github.com/stretchr/testify/require"
)

// memStore is a TokenStore and SnapshotStore kept in maps
type memStore struct {
	mu        sync.Mutex
	tokens    map[string]map[string]*Token
	snapshots map[string]*Snapshot
	saves     atomic.Int32
}

func newMemStore() *memStore {
	return &memStore{
		tokens:    make(map[string]map[string]*Token),
		snapshots: make(map[string]*Snapshot),
	}
}

func (s *memStore) SaveToken(ctx context.Context, token *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves.Add(1)
	if s.tokens[token.ProcessInstanceID] == nil {
		s.tokens[token.ProcessInstanceID] = make(map[string]*Token)
	}
	s.tokens[token.ProcessInstanceID][token.ID] = token.Clone()
	return nil
}

func (s *memStore) FindActiveTokens(ctx context.Context, instanceID string) ([]*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []*Token
	for _, t := range s.tokens[instanceID] {
		if !t.Done {
			result = append(result, t.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *memStore) FindToken(ctx context.Context, instanceID, tokenID string) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[instanceID][tokenID]
	if !ok {
		return nil, ErrTokenNotFound
	}
	return t.Clone(), nil
}

func (s *memStore) MarkDone(ctx context.Context, tokens ...*Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tokens {
		if s.tokens[t.ProcessInstanceID] == nil {
			s.tokens[t.ProcessInstanceID] = make(map[string]*Token)
		}
		c := t.Clone()
		c.Done = true
		c.Suspended = false
		s.tokens[t.ProcessInstanceID][t.ID] = c
	}
	return nil
}

func (s *memStore) SaveSnapshot(ctx context.Context, snapshot *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *snapshot
	s.snapshots[snapshot.ProcessInstanceID] = &c
	return nil
}

func (s *memStore) LoadSnapshot(ctx context.Context, instanceID string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[instanceID]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	c := *snap
	return &c, nil
}

func (s *memStore) DeleteSnapshot(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, instanceID)
	return nil
}

func (s *memStore) hasSnapshot(instanceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.snapshots[instanceID]
	return ok
}

// gatedStore blocks the first FindActiveTokens call after arm until release
// is closed. The read happens before blocking, so the caller holds a stale
// view while other writers proceed.
type gatedStore struct {
	*memStore
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func newGatedStore() *gatedStore {
	return &gatedStore{
		memStore: newMemStore(),
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
}

func (s *gatedStore) arm() { s.armed.Store(true) }

func (s *gatedStore) FindActiveTokens(ctx context.Context, instanceID string) ([]*Token, error) {
	tokens, err := s.memStore.FindActiveTokens(ctx, instanceID)
	if s.armed.CompareAndSwap(true, false) {
		close(s.entered)
		<-s.release
	}
	return tokens, err
}

// recorder counts handler invocations and remembers their order
type recorder struct {
	mu     sync.Mutex
	order  []string
	counts map[string]int
}

func newRecorder() *recorder {
	return &recorder{counts: make(map[string]int)}
}

func (r *recorder) hit(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, id)
	r.counts[id]++
}

func (r *recorder) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[id]
}

func (r *recorder) sequence() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// handler returns a handler that records its activity and continues
func (r *recorder) handler() HandlerFunc {
	return func(ctx context.Context, ac *ActivityContext) (Outcome, error) {
		r.hit(ac.Activity.ID)
		return Continue(), nil
	}
}

// suspendOnce suspends on the first visit and continues once resumed
func (r *recorder) suspendOnce() HandlerFunc {
	return func(ctx context.Context, ac *ActivityContext) (Outcome, error) {
		r.hit(ac.Activity.ID)
		if !ac.Resumed {
			return Suspend(), nil
		}
		return Continue(), nil
	}
}

// diamond builds start -> fork -> branches -> join -> after -> end
func diamond(t require.TestingT, id string, branches ...string) *Graph {
	if h, ok := t.(interface{ Helper() }); ok {
		h.Helper()
	}
	g := NewGraph(id)
	require.NoError(t, g.AddActivity(&Activity{ID: "start", Kind: ActivityStart}))
	require.NoError(t, g.AddActivity(&Activity{ID: "fork", Kind: ActivityGateway}))
	for _, b := range branches {
		require.NoError(t, g.AddActivity(&Activity{ID: b, Kind: ActivityTask}))
	}
	require.NoError(t, g.AddActivity(&Activity{ID: "join", Kind: ActivityGateway}))
	require.NoError(t, g.AddActivity(&Activity{ID: "after", Kind: ActivityTask}))
	require.NoError(t, g.AddActivity(&Activity{ID: "end", Kind: ActivityEnd}))

	require.NoError(t, g.AddTransition(&Transition{Source: "start", Target: "fork"}))
	for _, b := range branches {
		require.NoError(t, g.AddTransition(&Transition{Source: "fork", Target: b}))
	}
	for _, b := range branches {
		require.NoError(t, g.AddTransition(&Transition{Source: b, Target: "join"}))
	}
	require.NoError(t, g.AddTransition(&Transition{Source: "join", Target: "after"}))
	require.NoError(t, g.AddTransition(&Transition{Source: "after", Target: "end"}))
	return g
}

type engineFixture struct {
	engine   *Engine
	store    *memStore
	locker   *lock.MemoryLocker
	recorder *recorder
}

func newFixture(opts ...Option) *engineFixture {
	store := newMemStore()
	locker := lock.NewMemoryLocker()
	fastRetry := WithLockRetry(lock.RetryPolicy{
		MaxAttempts:    500,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2,
	})
	e := NewEngine(store, locker, store, append([]Option{fastRetry}, opts...)...)
	return &engineFixture{engine: e, store: store, locker: locker, recorder: newRecorder()}
}

// register binds the recorder to every task of g, with overrides by activity ID
func (f *engineFixture) register(t require.TestingT, g *Graph, overrides map[string]ActivityHandler) {
	if h, ok := t.(interface{ Helper() }); ok {
		h.Helper()
	}
	for _, a := range g.Activities() {
		if a.Kind != ActivityTask {
			continue
		}
		var h ActivityHandler = f.recorder.handler()
		if o, ok := overrides[a.ID]; ok {
			h = o
		}
		require.NoError(t, f.engine.Handlers().Register(a.ID, h))
	}
	require.NoError(t, f.engine.RegisterGraph(g))
}

// eventCounter counts events by type and activity
type eventCounter struct {
	mu     sync.Mutex
	counts map[string]int
	events []Event
}

func newEventCounter() *eventCounter {
	return &eventCounter{counts: make(map[string]int)}
}

func (c *eventCounter) OnEvent(ctx context.Context, ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[string(ev.Type)+":"+ev.ActivityID]++
	c.events = append(c.events, ev)
}

func (c *eventCounter) count(typ EventType, activityID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[string(typ)+":"+activityID]
}
