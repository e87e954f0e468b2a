package persistence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/BaSui01/flowgate/workflow"
)

var (
	// ErrStoreClosed is returned by every operation after Close
	ErrStoreClosed = errors.New("store is closed")
	// ErrInvalidInput is returned for nil tokens or tokens without identity
	ErrInvalidInput = errors.New("invalid input")
)

// Store is a workflow.Store that owns backend resources
type Store interface {
	workflow.Store

	// Ping checks if the backend is reachable
	Ping(ctx context.Context) error

	// Close releases the resources owned by the store
	Close() error
}

func validateToken(token *workflow.Token) error {
	if token == nil {
		return fmt.Errorf("%w: nil token", ErrInvalidInput)
	}
	if token.ID == "" || token.ProcessInstanceID == "" {
		return fmt.Errorf("%w: token requires id and process instance id", ErrInvalidInput)
	}
	return nil
}

func validateSnapshot(snapshot *workflow.Snapshot) error {
	if snapshot == nil || snapshot.ProcessInstanceID == "" {
		return fmt.Errorf("%w: snapshot requires process instance id", ErrInvalidInput)
	}
	return nil
}

// consumed returns a done copy of a token
func consumed(token *workflow.Token) *workflow.Token {
	c := token.Clone()
	c.Done = true
	c.Suspended = false
	return c
}

// stamp fills UpdatedAt on a copy of the snapshot
func stamp(snapshot *workflow.Snapshot) *workflow.Snapshot {
	c := *snapshot
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	c.Context = append([]byte(nil), snapshot.Context...)
	return &c
}

// sortTokens orders tokens by creation time then ID
func sortTokens(tokens []*workflow.Token) {
	sort.Slice(tokens, func(i, j int) bool {
		if !tokens[i].CreatedAt.Equal(tokens[j].CreatedAt) {
			return tokens[i].CreatedAt.Before(tokens[j].CreatedAt)
		}
		return tokens[i].ID < tokens[j].ID
	})
}
