package workflow

import (
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"sync"
)

// SuspendMarker records the fork at which an async-sequential fan-out began.
// It lives in the request context and travels with the snapshot, never in the
// token store.
type SuspendMarker struct {
	ForkActivityID string `json:"fork_activity_id"`
	ForkID         string `json:"fork_id"`
}

// FrameRef is the serialized form of one level of the fork stack
type FrameRef struct {
	ForkID    string `json:"fork_id,omitempty"`
	GatewayID string `json:"gateway_id,omitempty"`
	TokenID   string `json:"token_id"`
}

// PendingFork holds the siblings of an async-sequential fork that have not
// been entered yet. Frames is the fork stack of a branch of this fork, with
// the fork's own frame last.
type PendingFork struct {
	ForkID     string     `json:"fork_id"`
	GatewayID  string     `json:"gateway_id"`
	NextBranch int        `json:"next_branch"`
	Frames     []FrameRef `json:"frames"`
}

// RequestContext is the transient state of one process instance request.
// It is shared by all branches of an execution pass and serialized into the
// snapshot when a branch suspends.
type RequestContext struct {
	Variables map[string]any           `json:"variables,omitempty"`
	Markers   map[string]SuspendMarker `json:"suspend_markers,omitempty"`
	Pending   map[string]*PendingFork  `json:"pending_forks,omitempty"`
	// Branches maps a suspended token ID to its fork stack
	Branches map[string][]FrameRef `json:"suspended_branches,omitempty"`

	// origin is the state the context was created from
	origin *RequestContext
	mu     sync.RWMutex
}

// NewRequestContext creates a request context seeded with variables
func NewRequestContext(vars map[string]any) *RequestContext {
	rc := newContext()
	for k, v := range vars {
		rc.Variables[k] = v
	}
	rc.origin = newContext()
	return rc
}

func newContext() *RequestContext {
	return &RequestContext{
		Variables: make(map[string]any),
		Markers:   make(map[string]SuspendMarker),
		Pending:   make(map[string]*PendingFork),
		Branches:  make(map[string][]FrameRef),
	}
}

// DecodeRequestContext restores a context from its snapshot form
func DecodeRequestContext(data []byte) (*RequestContext, error) {
	rc, err := decodeContext(data)
	if err != nil {
		return nil, err
	}
	// 独立解码一份作为基线，rebase 时据此计算本次的改动
	if rc.origin, err = decodeContext(data); err != nil {
		return nil, err
	}
	return rc, nil
}

func decodeContext(data []byte) (*RequestContext, error) {
	rc := newContext()
	if len(data) == 0 {
		return rc, nil
	}
	if err := json.Unmarshal(data, rc); err != nil {
		return nil, fmt.Errorf("decode request context: %w", err)
	}
	if rc.Variables == nil {
		rc.Variables = make(map[string]any)
	}
	if rc.Markers == nil {
		rc.Markers = make(map[string]SuspendMarker)
	}
	if rc.Pending == nil {
		rc.Pending = make(map[string]*PendingFork)
	}
	if rc.Branches == nil {
		rc.Branches = make(map[string][]FrameRef)
	}
	return rc, nil
}

// Encode serializes the context for the snapshot store
func (rc *RequestContext) Encode() ([]byte, error) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	data, err := json.Marshal(rc)
	if err != nil {
		return nil, fmt.Errorf("encode request context: %w", err)
	}
	return data, nil
}

// Get returns a variable
func (rc *RequestContext) Get(key string) (any, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	v, ok := rc.Variables[key]
	return v, ok
}

// Set stores a variable
func (rc *RequestContext) Set(key string, value any) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.Variables[key] = value
}

// Merge copies values into the variables
func (rc *RequestContext) Merge(values map[string]any) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	for k, v := range values {
		rc.Variables[k] = v
	}
}

// Marker returns the suspend marker of an instance
func (rc *RequestContext) Marker(instanceID string) (SuspendMarker, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	m, ok := rc.Markers[instanceID]
	return m, ok
}

// markIfAbsent sets the suspend marker unless one is already set.
// Returns true when the marker was written.
func (rc *RequestContext) markIfAbsent(instanceID string, marker SuspendMarker) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if _, exists := rc.Markers[instanceID]; exists {
		return false
	}
	rc.Markers[instanceID] = marker
	return true
}

// closeFork drops everything recorded for a fork once its join fired
func (rc *RequestContext) closeFork(instanceID, forkID string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if m, ok := rc.Markers[instanceID]; ok && m.ForkID == forkID {
		delete(rc.Markers, instanceID)
	}
	delete(rc.Pending, forkID)
}

func (rc *RequestContext) setPending(p *PendingFork) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	c := *p
	c.Frames = append([]FrameRef(nil), p.Frames...)
	rc.Pending[p.ForkID] = &c
}

func (rc *RequestContext) pending(forkID string) (*PendingFork, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	p, ok := rc.Pending[forkID]
	if !ok {
		return nil, false
	}
	c := *p
	c.Frames = append([]FrameRef(nil), p.Frames...)
	return &c, true
}

func (rc *RequestContext) deletePending(forkID string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	delete(rc.Pending, forkID)
}

func (rc *RequestContext) setBranch(tokenID string, frames []FrameRef) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.Branches[tokenID] = frames
}

func (rc *RequestContext) takeBranch(tokenID string) ([]FrameRef, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	frames, ok := rc.Branches[tokenID]
	delete(rc.Branches, tokenID)
	return frames, ok
}

// outstanding reports whether anything still waits on a resume
func (rc *RequestContext) outstanding() bool {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return len(rc.Branches) > 0 || len(rc.Pending) > 0
}

// rebase applies the changes made to rc since it was created onto base, the
// latest stored context, and returns base. Entries removed from rc are removed
// from base; entries added or changed in rc overwrite base. Everything else in
// base, written by other passes meanwhile, is kept.
func (rc *RequestContext) rebase(base *RequestContext) *RequestContext {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	origin := rc.origin
	if origin == nil {
		origin = newContext()
	}

	base.mu.Lock()
	defer base.mu.Unlock()
	applyChanges(base.Variables, origin.Variables, rc.Variables, func(a, b any) bool {
		return reflect.DeepEqual(a, b)
	})
	applyChanges(base.Markers, origin.Markers, rc.Markers, func(a, b SuspendMarker) bool {
		return a == b
	})
	applyChanges(base.Pending, origin.Pending, rc.Pending, func(a, b *PendingFork) bool {
		return reflect.DeepEqual(a, b)
	})
	applyChanges(base.Branches, origin.Branches, rc.Branches, func(a, b []FrameRef) bool {
		return slices.Equal(a, b)
	})
	return base
}

func applyChanges[K comparable, V any](dst, origin, current map[K]V, equal func(a, b V) bool) {
	for k := range origin {
		if _, ok := current[k]; !ok {
			delete(dst, k)
		}
	}
	for k, v := range current {
		if o, ok := origin[k]; !ok || !equal(o, v) {
			dst[k] = v
		}
	}
}
