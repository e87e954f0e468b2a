package persistence

import (
	"context"
	"sync"

	"github.com/BaSui01/flowgate/workflow"
)

// MemoryStore is an in-memory Store.
// Suitable for development and testing. Data is lost on restart.
type MemoryStore struct {
	mu        sync.RWMutex
	tokens    map[string]map[string]*workflow.Token
	snapshots map[string]*workflow.Snapshot
	closed    bool
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tokens:    make(map[string]map[string]*workflow.Token),
		snapshots: make(map[string]*workflow.Snapshot),
	}
}

// Close closes the store
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ping checks if the store is open
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *MemoryStore) putLocked(token *workflow.Token) {
	byID, ok := s.tokens[token.ProcessInstanceID]
	if !ok {
		byID = make(map[string]*workflow.Token)
		s.tokens[token.ProcessInstanceID] = byID
	}
	byID[token.ID] = token.Clone()
}

// SaveToken inserts or replaces a token
func (s *MemoryStore) SaveToken(ctx context.Context, token *workflow.Token) error {
	if err := validateToken(token); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.putLocked(token)
	return nil
}

// FindActiveTokens returns the tokens of an instance that are not done
func (s *MemoryStore) FindActiveTokens(ctx context.Context, instanceID string) ([]*workflow.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	result := make([]*workflow.Token, 0, len(s.tokens[instanceID]))
	for _, t := range s.tokens[instanceID] {
		if !t.Done {
			result = append(result, t.Clone())
		}
	}
	sortTokens(result)
	return result, nil
}

// FindToken returns a token whether it is done or not
func (s *MemoryStore) FindToken(ctx context.Context, instanceID, tokenID string) (*workflow.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	t, ok := s.tokens[instanceID][tokenID]
	if !ok {
		return nil, workflow.ErrTokenNotFound
	}
	return t.Clone(), nil
}

// MarkDone flags tokens as consumed, inserting the ones never saved
func (s *MemoryStore) MarkDone(ctx context.Context, tokens ...*workflow.Token) error {
	for _, t := range tokens {
		if err := validateToken(t); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	for _, t := range tokens {
		s.putLocked(consumed(t))
	}
	return nil
}

// SaveSnapshot stores the snapshot of an instance
func (s *MemoryStore) SaveSnapshot(ctx context.Context, snapshot *workflow.Snapshot) error {
	if err := validateSnapshot(snapshot); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.snapshots[snapshot.ProcessInstanceID] = stamp(snapshot)
	return nil
}

// LoadSnapshot returns the snapshot of an instance
func (s *MemoryStore) LoadSnapshot(ctx context.Context, instanceID string) (*workflow.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	snap, ok := s.snapshots[instanceID]
	if !ok {
		return nil, workflow.ErrSnapshotNotFound
	}
	return stamp(snap), nil
}

// DeleteSnapshot removes the snapshot of an instance
func (s *MemoryStore) DeleteSnapshot(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	delete(s.snapshots, instanceID)
	return nil
}
