package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/flowgate/internal/database"
	"github.com/BaSui01/flowgate/internal/metrics"
	"github.com/BaSui01/flowgate/workflow"
)

// markDoneRetries bounds the retries of a MarkDone transaction that hit a
// deadlock or serialization failure
const markDoneRetries = 3

// tokenRecord is the flowgate_tokens row
type tokenRecord struct {
	ProcessInstanceID string    `gorm:"primaryKey;size:255;index:idx_flowgate_tokens_active,priority:1"`
	ID                string    `gorm:"primaryKey;size:512"`
	ActivityID        string    `gorm:"size:255;not null"`
	ForkID            string    `gorm:"size:64;not null"`
	Branch            string    `gorm:"size:255;not null"`
	Suspended         bool      `gorm:"not null"`
	Done              bool      `gorm:"not null;index:idx_flowgate_tokens_active,priority:2"`
	CreatedAt         time.Time `gorm:"not null"`
	UpdatedAt         time.Time `gorm:"not null"`
}

func (tokenRecord) TableName() string { return "flowgate_tokens" }

func newTokenRecord(t *workflow.Token) *tokenRecord {
	return &tokenRecord{
		ProcessInstanceID: t.ProcessInstanceID,
		ID:                t.ID,
		ActivityID:        t.ActivityID,
		ForkID:            t.ForkID,
		Branch:            t.Branch,
		Suspended:         t.Suspended,
		Done:              t.Done,
		CreatedAt:         t.CreatedAt,
	}
}

func (r *tokenRecord) token() *workflow.Token {
	return &workflow.Token{
		ID:                r.ID,
		ProcessInstanceID: r.ProcessInstanceID,
		ActivityID:        r.ActivityID,
		ForkID:            r.ForkID,
		Branch:            r.Branch,
		CreatedAt:         r.CreatedAt,
		Suspended:         r.Suspended,
		Done:              r.Done,
	}
}

// snapshotRecord is the flowgate_snapshots row
type snapshotRecord struct {
	ProcessInstanceID string `gorm:"primaryKey;size:255"`
	GraphID           string `gorm:"size:255;not null"`
	Context           []byte
	UpdatedAt         time.Time `gorm:"not null"`
}

func (snapshotRecord) TableName() string { return "flowgate_snapshots" }

// GormStore is a relational Store on top of the database pool manager.
// The schema is created by internal/migration; AutoMigrate exists for
// embedded and test databases.
type GormStore struct {
	pool    *database.PoolManager
	driver  string
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewGormStore creates a store. collector may be nil.
func NewGormStore(pool *database.PoolManager, driver string, collector *metrics.Collector, logger *zap.Logger) *GormStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{
		pool:    pool,
		driver:  driver,
		metrics: collector,
		logger:  logger.With(zap.String("component", "gorm_store"), zap.String("driver", driver)),
	}
}

// AutoMigrate creates the tables from the record models
func (s *GormStore) AutoMigrate(ctx context.Context) error {
	if err := s.pool.DB().WithContext(ctx).AutoMigrate(&tokenRecord{}, &snapshotRecord{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// Close closes the underlying pool
func (s *GormStore) Close() error {
	return s.pool.Close()
}

// Ping checks the database connection
func (s *GormStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *GormStore) observe(operation string, start time.Time) {
	s.metrics.RecordDBQuery(s.driver, operation, time.Since(start))
}

// upsert 以主键冲突为条件覆盖全部非主键列
func upsert() clause.Expression {
	return clause.OnConflict{UpdateAll: true}
}

// SaveToken inserts or replaces a token
func (s *GormStore) SaveToken(ctx context.Context, token *workflow.Token) error {
	if err := validateToken(token); err != nil {
		return err
	}
	defer s.observe("save_token", time.Now())

	rec := newTokenRecord(token)
	if err := s.pool.DB().WithContext(ctx).Clauses(upsert()).Create(rec).Error; err != nil {
		return fmt.Errorf("save token %s: %w", token.ID, err)
	}
	return nil
}

// FindActiveTokens returns the tokens of an instance that are not done
func (s *GormStore) FindActiveTokens(ctx context.Context, instanceID string) ([]*workflow.Token, error) {
	defer s.observe("find_active_tokens", time.Now())

	var records []tokenRecord
	err := s.pool.DB().WithContext(ctx).
		Where("process_instance_id = ? AND done = ?", instanceID, false).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("find active tokens %s: %w", instanceID, err)
	}

	result := make([]*workflow.Token, 0, len(records))
	for i := range records {
		result = append(result, records[i].token())
	}
	sortTokens(result)
	return result, nil
}

// FindToken returns a token whether it is done or not
func (s *GormStore) FindToken(ctx context.Context, instanceID, tokenID string) (*workflow.Token, error) {
	defer s.observe("find_token", time.Now())

	var rec tokenRecord
	err := s.pool.DB().WithContext(ctx).
		Where("process_instance_id = ? AND id = ?", instanceID, tokenID).
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, workflow.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find token %s: %w", tokenID, err)
	}
	return rec.token(), nil
}

// MarkDone flags tokens as consumed in one transaction
func (s *GormStore) MarkDone(ctx context.Context, tokens ...*workflow.Token) error {
	if len(tokens) == 0 {
		return nil
	}
	records := make([]*tokenRecord, 0, len(tokens))
	for _, t := range tokens {
		if err := validateToken(t); err != nil {
			return err
		}
		records = append(records, newTokenRecord(consumed(t)))
	}
	defer s.observe("mark_done", time.Now())

	return s.pool.WithTransactionRetry(ctx, markDoneRetries, func(tx *gorm.DB) error {
		return tx.Clauses(upsert()).Create(&records).Error
	})
}

// SaveSnapshot stores the snapshot of an instance
func (s *GormStore) SaveSnapshot(ctx context.Context, snapshot *workflow.Snapshot) error {
	if err := validateSnapshot(snapshot); err != nil {
		return err
	}
	defer s.observe("save_snapshot", time.Now())

	snap := stamp(snapshot)
	rec := &snapshotRecord{
		ProcessInstanceID: snap.ProcessInstanceID,
		GraphID:           snap.GraphID,
		Context:           snap.Context,
		UpdatedAt:         snap.UpdatedAt,
	}
	if err := s.pool.DB().WithContext(ctx).Clauses(upsert()).Create(rec).Error; err != nil {
		return fmt.Errorf("save snapshot %s: %w", snapshot.ProcessInstanceID, err)
	}
	return nil
}

// LoadSnapshot returns the snapshot of an instance
func (s *GormStore) LoadSnapshot(ctx context.Context, instanceID string) (*workflow.Snapshot, error) {
	defer s.observe("load_snapshot", time.Now())

	var rec snapshotRecord
	err := s.pool.DB().WithContext(ctx).
		Where("process_instance_id = ?", instanceID).
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, workflow.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", instanceID, err)
	}
	return &workflow.Snapshot{
		ProcessInstanceID: rec.ProcessInstanceID,
		GraphID:           rec.GraphID,
		Context:           rec.Context,
		UpdatedAt:         rec.UpdatedAt,
	}, nil
}

// DeleteSnapshot removes the snapshot of an instance
func (s *GormStore) DeleteSnapshot(ctx context.Context, instanceID string) error {
	defer s.observe("delete_snapshot", time.Now())

	err := s.pool.DB().WithContext(ctx).
		Where("process_instance_id = ?", instanceID).
		Delete(&snapshotRecord{}).Error
	if err != nil {
		return fmt.Errorf("delete snapshot %s: %w", instanceID, err)
	}
	s.logger.Debug("snapshot deleted", zap.String("instance_id", instanceID))
	return nil
}
