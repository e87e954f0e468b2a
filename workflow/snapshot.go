package workflow

import (
	"context"
	"time"
)

// Snapshot is the persisted state of a process instance that waits on at
// least one external signal. Context is the encoded RequestContext.
type Snapshot struct {
	ProcessInstanceID string    `json:"process_instance_id"`
	GraphID           string    `json:"graph_id"`
	Context           []byte    `json:"context"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// SnapshotStore persists snapshots keyed by process instance.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snapshot *Snapshot) error
	// LoadSnapshot returns ErrSnapshotNotFound for unknown instances
	LoadSnapshot(ctx context.Context, instanceID string) (*Snapshot, error)
	DeleteSnapshot(ctx context.Context, instanceID string) error
}

// Store is a backend that keeps both tokens and snapshots
type Store interface {
	TokenStore
	SnapshotStore
}
