package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/flowgate/workflow"
)

// RedisStore is a Redis-based Store for distributed deployments.
//
// Key layout (prefix defaults to "flowgate:"):
//
//	{prefix}tokens:{instance}    hash   token ID -> token JSON
//	{prefix}active:{instance}    set    IDs of tokens that are not done
//	{prefix}snapshot:{instance}  string snapshot JSON
//
// The client is shared with other components and is not closed by the store.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	logger    *zap.Logger
	closed    atomic.Bool
}

// NewRedisStore creates a store on top of an existing client
func NewRedisStore(client redis.UniversalClient, keyPrefix string, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if keyPrefix == "" {
		keyPrefix = "flowgate:"
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    logger.With(zap.String("component", "redis_store")),
	}
}

// Close marks the store closed
func (s *RedisStore) Close() error {
	s.closed.Store(true)
	return nil
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) tokensKey(instanceID string) string {
	return s.keyPrefix + "tokens:" + instanceID
}

func (s *RedisStore) activeKey(instanceID string) string {
	return s.keyPrefix + "active:" + instanceID
}

func (s *RedisStore) snapshotKey(instanceID string) string {
	return s.keyPrefix + "snapshot:" + instanceID
}

// queueToken adds the writes of one token to a transaction pipeline
func (s *RedisStore) queueToken(ctx context.Context, pipe redis.Pipeliner, token *workflow.Token) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token %s: %w", token.ID, err)
	}

	pipe.HSet(ctx, s.tokensKey(token.ProcessInstanceID), token.ID, data)
	if token.Done {
		pipe.SRem(ctx, s.activeKey(token.ProcessInstanceID), token.ID)
	} else {
		pipe.SAdd(ctx, s.activeKey(token.ProcessInstanceID), token.ID)
	}
	return nil
}

// SaveToken inserts or replaces a token
func (s *RedisStore) SaveToken(ctx context.Context, token *workflow.Token) error {
	if err := validateToken(token); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrStoreClosed
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return s.queueToken(ctx, pipe, token)
	})
	if err != nil {
		return fmt.Errorf("redis save token %s: %w", token.ID, err)
	}
	return nil
}

// FindActiveTokens returns the tokens of an instance that are not done
func (s *RedisStore) FindActiveTokens(ctx context.Context, instanceID string) ([]*workflow.Token, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}

	ids, err := s.client.SMembers(ctx, s.activeKey(instanceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis active index %s: %w", instanceID, err)
	}
	if len(ids) == 0 {
		return []*workflow.Token{}, nil
	}

	values, err := s.client.HMGet(ctx, s.tokensKey(instanceID), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis load tokens %s: %w", instanceID, err)
	}

	result := make([]*workflow.Token, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// 索引与数据不一致，只记录不报错
			s.logger.Warn("active token missing from hash",
				zap.String("instance_id", instanceID),
				zap.String("token_id", ids[i]))
			continue
		}
		var t workflow.Token
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("failed to unmarshal token %s: %w", ids[i], err)
		}
		if !t.Done {
			result = append(result, &t)
		}
	}
	sortTokens(result)
	return result, nil
}

// FindToken returns a token whether it is done or not
func (s *RedisStore) FindToken(ctx context.Context, instanceID, tokenID string) (*workflow.Token, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}

	data, err := s.client.HGet(ctx, s.tokensKey(instanceID), tokenID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, workflow.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis find token %s: %w", tokenID, err)
	}

	var t workflow.Token
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token %s: %w", tokenID, err)
	}
	return &t, nil
}

// MarkDone flags tokens as consumed in a single MULTI/EXEC
func (s *RedisStore) MarkDone(ctx context.Context, tokens ...*workflow.Token) error {
	if len(tokens) == 0 {
		return nil
	}
	for _, t := range tokens {
		if err := validateToken(t); err != nil {
			return err
		}
	}
	if s.closed.Load() {
		return ErrStoreClosed
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, t := range tokens {
			if err := s.queueToken(ctx, pipe, consumed(t)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis mark done: %w", err)
	}
	return nil
}

// SaveSnapshot stores the snapshot of an instance
func (s *RedisStore) SaveSnapshot(ctx context.Context, snapshot *workflow.Snapshot) error {
	if err := validateSnapshot(snapshot); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrStoreClosed
	}

	data, err := json.Marshal(stamp(snapshot))
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := s.client.Set(ctx, s.snapshotKey(snapshot.ProcessInstanceID), data, 0).Err(); err != nil {
		return fmt.Errorf("redis save snapshot %s: %w", snapshot.ProcessInstanceID, err)
	}
	return nil
}

// LoadSnapshot returns the snapshot of an instance
func (s *RedisStore) LoadSnapshot(ctx context.Context, instanceID string) (*workflow.Snapshot, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}

	data, err := s.client.Get(ctx, s.snapshotKey(instanceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, workflow.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis load snapshot %s: %w", instanceID, err)
	}

	var snap workflow.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// DeleteSnapshot removes the snapshot of an instance
func (s *RedisStore) DeleteSnapshot(ctx context.Context, instanceID string) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if err := s.client.Del(ctx, s.snapshotKey(instanceID)).Err(); err != nil {
		return fmt.Errorf("redis delete snapshot %s: %w", instanceID, err)
	}
	return nil
}
