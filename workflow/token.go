package workflow

import (
	"context"
	"time"
)

// Token is one control-flow position of a process instance.
//
// The ID identifies a logical arrival: a branch created by a fork keeps the
// same ID for its whole life, so a persisted copy and an in-memory copy of the
// same branch always collapse into one.
type Token struct {
	ID                string    `json:"id"`
	ProcessInstanceID string    `json:"process_instance_id"`
	ActivityID        string    `json:"activity_id"`
	ForkID            string    `json:"fork_id,omitempty"`
	Branch            string    `json:"branch,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	Suspended         bool      `json:"suspended,omitempty"`
	Done              bool      `json:"done"`
}

// NewBranchToken creates the token of one fork branch
func NewBranchToken(instanceID, forkID, branch, activityID string) *Token {
	return &Token{
		ID:                forkID + "/" + branch,
		ProcessInstanceID: instanceID,
		ActivityID:        activityID,
		ForkID:            forkID,
		Branch:            branch,
		CreatedAt:         time.Now(),
	}
}

// newRootToken creates the token carried by the main path of an instance
func newRootToken(instanceID, activityID string) *Token {
	return &Token{
		ID:                instanceID + "/root",
		ProcessInstanceID: instanceID,
		ActivityID:        activityID,
		Branch:            "root",
		CreatedAt:         time.Now(),
	}
}

// newReservationToken marks an instance ID as taken. It is stored consumed
// so it never counts as an active token.
func newReservationToken(instanceID string) *Token {
	return &Token{
		ID:                instanceID + "/reserved",
		ProcessInstanceID: instanceID,
		Branch:            "reserved",
		Done:              true,
		CreatedAt:         time.Now(),
	}
}

// Clone returns a copy of the token
func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// TokenStore is the durable repository of tokens keyed by process instance.
type TokenStore interface {
	// SaveToken inserts or replaces a token
	SaveToken(ctx context.Context, token *Token) error
	// FindActiveTokens returns the tokens of an instance that are not done
	FindActiveTokens(ctx context.Context, instanceID string) ([]*Token, error)
	// FindToken returns a token whether it is done or not.
	// Returns ErrTokenNotFound when the store never saw it.
	FindToken(ctx context.Context, instanceID, tokenID string) (*Token, error)
	// MarkDone flags the given tokens as consumed
	MarkDone(ctx context.Context, tokens ...*Token) error
}
