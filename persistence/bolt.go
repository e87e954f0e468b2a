package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/BaSui01/flowgate/workflow"
)

var (
	tokensBucket    = []byte("tokens")
	snapshotsBucket = []byte("snapshots")
)

// BoltStore is a single-file Store backed by bbolt.
//
// Tokens live in tokens/{instance}/{token ID}; snapshots in
// snapshots/{instance}. Values are JSON.
type BoltStore struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// OpenBoltStore opens (or creates) the database file at path
func OpenBoltStore(path string, mode os.FileMode, logger *zap.Logger) (*BoltStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if mode == 0 {
		mode = 0o600
	}

	db, err := bbolt.Open(path, mode, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt database %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(tokensBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(snapshotsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bolt buckets: %w", err)
	}

	logger.Info("bolt store opened", zap.String("path", path))
	return &BoltStore{
		db:     db,
		logger: logger.With(zap.String("component", "bolt_store")),
	}, nil
}

// Close closes the database file
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Ping checks the database is still open
func (s *BoltStore) Ping(ctx context.Context) error {
	return s.view(func(tx *bbolt.Tx) error { return nil })
}

// view 与 update 在关闭后的数据库上返回 ErrStoreClosed
func (s *BoltStore) view(fn func(tx *bbolt.Tx) error) error {
	err := s.db.View(fn)
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return ErrStoreClosed
	}
	return err
}

func (s *BoltStore) update(fn func(tx *bbolt.Tx) error) error {
	err := s.db.Update(fn)
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return ErrStoreClosed
	}
	return err
}

func putToken(tx *bbolt.Tx, token *workflow.Token) error {
	b, err := tx.Bucket(tokensBucket).CreateBucketIfNotExists([]byte(token.ProcessInstanceID))
	if err != nil {
		return fmt.Errorf("instance bucket %s: %w", token.ProcessInstanceID, err)
	}
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token %s: %w", token.ID, err)
	}
	return b.Put([]byte(token.ID), data)
}

// SaveToken inserts or replaces a token
func (s *BoltStore) SaveToken(ctx context.Context, token *workflow.Token) error {
	if err := validateToken(token); err != nil {
		return err
	}
	return s.update(func(tx *bbolt.Tx) error {
		return putToken(tx, token)
	})
}

// FindActiveTokens returns the tokens of an instance that are not done
func (s *BoltStore) FindActiveTokens(ctx context.Context, instanceID string) ([]*workflow.Token, error) {
	result := make([]*workflow.Token, 0)
	err := s.view(func(tx *bbolt.Tx) error {
		b := tx.Bucket(tokensBucket).Bucket([]byte(instanceID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var t workflow.Token
			if err := json.Unmarshal(v, &t); err != nil {
				return fmt.Errorf("failed to unmarshal token %s: %w", k, err)
			}
			if !t.Done {
				result = append(result, &t)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortTokens(result)
	return result, nil
}

// FindToken returns a token whether it is done or not
func (s *BoltStore) FindToken(ctx context.Context, instanceID, tokenID string) (*workflow.Token, error) {
	var t *workflow.Token
	err := s.view(func(tx *bbolt.Tx) error {
		b := tx.Bucket(tokensBucket).Bucket([]byte(instanceID))
		if b == nil {
			return workflow.ErrTokenNotFound
		}
		v := b.Get([]byte(tokenID))
		if v == nil {
			return workflow.ErrTokenNotFound
		}
		t = &workflow.Token{}
		return json.Unmarshal(v, t)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// MarkDone flags tokens as consumed in one write transaction
func (s *BoltStore) MarkDone(ctx context.Context, tokens ...*workflow.Token) error {
	for _, t := range tokens {
		if err := validateToken(t); err != nil {
			return err
		}
	}
	return s.update(func(tx *bbolt.Tx) error {
		for _, t := range tokens {
			if err := putToken(tx, consumed(t)); err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveSnapshot stores the snapshot of an instance
func (s *BoltStore) SaveSnapshot(ctx context.Context, snapshot *workflow.Snapshot) error {
	if err := validateSnapshot(snapshot); err != nil {
		return err
	}
	data, err := json.Marshal(stamp(snapshot))
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return s.update(func(tx *bbolt.Tx) error {
		return tx.Bucket(snapshotsBucket).Put([]byte(snapshot.ProcessInstanceID), data)
	})
}

// LoadSnapshot returns the snapshot of an instance
func (s *BoltStore) LoadSnapshot(ctx context.Context, instanceID string) (*workflow.Snapshot, error) {
	var snap *workflow.Snapshot
	err := s.view(func(tx *bbolt.Tx) error {
		v := tx.Bucket(snapshotsBucket).Get([]byte(instanceID))
		if v == nil {
			return workflow.ErrSnapshotNotFound
		}
		snap = &workflow.Snapshot{}
		return json.Unmarshal(v, snap)
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// DeleteSnapshot removes the snapshot of an instance
func (s *BoltStore) DeleteSnapshot(ctx context.Context, instanceID string) error {
	return s.update(func(tx *bbolt.Tx) error {
		return tx.Bucket(snapshotsBucket).Delete([]byte(instanceID))
	})
}
