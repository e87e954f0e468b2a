package persistence

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/flowgate/config"
)

func TestOpen(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	tests := []struct {
		name    string
		mutate  func(cfg *config.Config)
		deps    Deps
		want    any
		wantErr string
	}{
		{
			name:   "memory",
			mutate: func(cfg *config.Config) { cfg.Store.Type = config.StoreMemory },
			want:   &MemoryStore{},
		},
		{
			name:   "redis",
			mutate: func(cfg *config.Config) { cfg.Store.Type = config.StoreRedis },
			deps:   Deps{Redis: client},
			want:   &RedisStore{},
		},
		{
			name:    "redis without client",
			mutate:  func(cfg *config.Config) { cfg.Store.Type = config.StoreRedis },
			wantErr: "requires a redis client",
		},
		{
			name: "bolt",
			mutate: func(cfg *config.Config) {
				cfg.Store.Type = config.StoreBolt
				cfg.Store.BoltPath = filepath.Join(t.TempDir(), "factory.db")
			},
			want: &BoltStore{},
		},
		{
			name: "database with unsupported driver",
			mutate: func(cfg *config.Config) {
				cfg.Store.Type = config.StoreDatabase
				cfg.Database.Driver = "oracle"
			},
			wantErr: "unsupported database driver",
		},
		{
			name:    "unknown",
			mutate:  func(cfg *config.Config) { cfg.Store.Type = "etcd" },
			wantErr: "unsupported store type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.mutate(cfg)

			s, err := Open(ctx, cfg, tt.deps)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			defer s.Close()
			assert.IsType(t, tt.want, s)
			assert.NoError(t, s.Ping(ctx))
		})
	}
}

func TestOpen_DatabaseAutoMigrate(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping test that requires CGO in short mode")
	}
	ctx := context.Background()

	cfg := config.DefaultConfig()
	cfg.Store.Type = config.StoreDatabase
	cfg.Store.AutoMigrate = true
	cfg.Database.Driver = "sqlite"
	cfg.Database.Name = filepath.Join(t.TempDir(), "flowgate.db")

	s, err := Open(ctx, cfg, Deps{})
	require.NoError(t, err)
	defer s.Close()
	require.IsType(t, &GormStore{}, s)

	tok := newToken("i1", "a", 0)
	require.NoError(t, s.SaveToken(ctx, tok))
	require.NoError(t, s.MarkDone(ctx, tok))
	got, err := s.FindToken(ctx, "i1", "a")
	require.NoError(t, err)
	assert.True(t, got.Done)
}
