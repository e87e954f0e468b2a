package lock

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryLocker is an in-process Locker
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]string
}

// NewMemoryLocker creates an in-process locker
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]string)}
}

// TryLock acquires key if it is free
func (l *MemoryLocker) TryLock(ctx context.Context, key string) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return nil, ErrNotAcquired
	}
	token := uuid.NewString()
	l.held[key] = token
	return &memoryLease{locker: l, key: key, token: token}, nil
}

// Held reports whether key is currently locked
func (l *MemoryLocker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}

type memoryLease struct {
	locker *MemoryLocker
	key    string
	token  string
}

func (le *memoryLease) Key() string {
	return le.key
}

func (le *memoryLease) Unlock(ctx context.Context) error {
	le.locker.mu.Lock()
	defer le.locker.mu.Unlock()

	if le.locker.held[le.key] != le.token {
		return ErrLeaseLost
	}
	delete(le.locker.held, le.key)
	return nil
}
