package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// 仅当值与持有者令牌一致时才删除键，避免误删他人重新获取的锁
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// RedisLockerConfig Redis 锁配置
type RedisLockerConfig struct {
	// KeyPrefix 键前缀
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`

	// TTL 锁的自动过期时间，防止持有者崩溃后死锁
	TTL time.Duration `yaml:"ttl" json:"ttl"`
}

// DefaultRedisLockerConfig 返回默认配置
func DefaultRedisLockerConfig() RedisLockerConfig {
	return RedisLockerConfig{
		KeyPrefix: "",
		TTL:       30 * time.Second,
	}
}

// RedisLocker is a distributed Locker backed by SET NX PX
type RedisLocker struct {
	client redis.UniversalClient
	config RedisLockerConfig
	logger *zap.Logger
}

// NewRedisLocker creates a redis locker
func NewRedisLocker(client redis.UniversalClient, config RedisLockerConfig, logger *zap.Logger) *RedisLocker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.TTL <= 0 {
		config.TTL = DefaultRedisLockerConfig().TTL
	}
	return &RedisLocker{
		client: client,
		config: config,
		logger: logger.With(zap.String("component", "redis_locker")),
	}
}

// TryLock acquires key if it is free
func (l *RedisLocker) TryLock(ctx context.Context, key string) (Lease, error) {
	fullKey := l.config.KeyPrefix + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, fullKey, token, l.config.TTL).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx %s: %w", fullKey, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}

	return &redisLease{locker: l, key: key, fullKey: fullKey, token: token}, nil
}

type redisLease struct {
	locker  *RedisLocker
	key     string
	fullKey string
	token   string
}

func (le *redisLease) Key() string {
	return le.key
}

func (le *redisLease) Unlock(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, le.locker.client, []string{le.fullKey}, le.token).Int()
	if err != nil {
		return fmt.Errorf("redis release %s: %w", le.fullKey, err)
	}
	if n == 0 {
		le.locker.logger.Warn("lock lease lost before release", zap.String("key", le.key))
		return ErrLeaseLost
	}
	return nil
}
