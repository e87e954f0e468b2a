package persistence

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/flowgate/internal/database"
	"github.com/BaSui01/flowgate/internal/metrics"
)

// newTestGormStore opens a pure-Go SQLite file database
func newTestGormStore(t *testing.T, collector *metrics.Collector) *GormStore {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "store.db")
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	pool, err := database.NewPoolManager(db, database.PoolConfig{
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	}, nil)
	require.NoError(t, err)

	s := NewGormStore(pool, "sqlite", collector, nil)
	require.NoError(t, s.AutoMigrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestGormStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		return newTestGormStore(t, nil)
	})
}

func TestGormStore_TableNames(t *testing.T) {
	s := newTestGormStore(t, nil)
	migrator := s.pool.DB().Migrator()
	assert.True(t, migrator.HasTable("flowgate_tokens"))
	assert.True(t, migrator.HasTable("flowgate_snapshots"))
	assert.True(t, migrator.HasIndex(&tokenRecord{}, "idx_flowgate_tokens_active"))
}

func TestGormStore_RecordsQueryMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollectorWith(reg, "gormstoretest", nil)
	s := newTestGormStore(t, collector)
	ctx := context.Background()

	require.NoError(t, s.SaveToken(ctx, newToken("i1", "a", 0)))
	_, err := s.FindActiveTokens(ctx, "i1")
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)

	operations := map[string]uint64{}
	for _, mf := range families {
		if mf.GetName() != "gormstoretest_db_query_duration_seconds" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "operation" {
					operations[lp.GetValue()] = m.GetHistogram().GetSampleCount()
				}
			}
		}
	}
	assert.Equal(t, uint64(1), operations["save_token"])
	assert.Equal(t, uint64(1), operations["find_active_tokens"])
}

func TestGormStore_ClosedPool(t *testing.T) {
	s := newTestGormStore(t, nil)
	require.NoError(t, s.Close())
	assert.Error(t, s.Ping(context.Background()))
}
