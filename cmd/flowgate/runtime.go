package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/BaSui01/flowgate/catalog"
	"github.com/BaSui01/flowgate/config"
	"github.com/BaSui01/flowgate/internal/metrics"
	"github.com/BaSui01/flowgate/internal/pool"
	"github.com/BaSui01/flowgate/internal/redisclient"
	"github.com/BaSui01/flowgate/internal/telemetry"
	"github.com/BaSui01/flowgate/lock"
	"github.com/BaSui01/flowgate/persistence"
	"github.com/BaSui01/flowgate/workflow"
)

// =============================================================================
// 🧩 运行时组装
// =============================================================================

// runtime 持有引擎及其依赖的全部资源，serve 与 run 命令共用
type runtime struct {
	cfg    *config.Config
	logger *zap.Logger

	telemetry *telemetry.Providers
	metrics   *metrics.Collector
	redis     *redisclient.Manager
	locker    lock.Locker
	store     persistence.Store
	pool      *pool.GoroutinePool
	history   *workflow.HistoryStore
	engine    *workflow.Engine
	watcher   *catalog.Watcher
}

// runtimeOptions 控制组装过程中与命令相关的部分
type runtimeOptions struct {
	// registerer 为 nil 时不创建指标收集器
	registerer prometheus.Registerer
	// handlers 额外的活动处理器，nil 时只注册内置处理器
	handlers *workflow.HandlerRegistry
	// skipGraphDir 为 true 时不加载 cfg.Engine.GraphDir
	skipGraphDir bool
}

// buildRuntime 按配置依次创建遥测、指标、Redis、锁、存储、执行器与引擎。
// 任一步失败都会关闭已创建的资源。
func buildRuntime(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts runtimeOptions) (_ *runtime, err error) {
	rt := &runtime{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			err = multierr.Append(err, rt.Close(context.Background()))
		}
	}()

	rt.telemetry, err = telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	if cfg.Metrics.Enabled && opts.registerer != nil {
		rt.metrics = metrics.NewCollectorWith(opts.registerer, cfg.Metrics.Namespace, logger)
	}

	if cfg.Store.Type == config.StoreRedis || cfg.Lock.Type == config.LockRedis {
		rt.redis, err = redisclient.NewManager(ctx, redisclient.Config{
			Addr:                cfg.Redis.Addr,
			Password:            cfg.Redis.Password,
			DB:                  cfg.Redis.DB,
			MaxRetries:          cfg.Redis.MaxRetries,
			PoolSize:            cfg.Redis.PoolSize,
			MinIdleConns:        cfg.Redis.MinIdleConns,
			HealthCheckInterval: cfg.Redis.HealthCheckInterval,
			TLS:                 cfg.Redis.TLS,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
	}

	rt.locker, err = newLocker(cfg.Lock, rt.redis, logger)
	if err != nil {
		return nil, err
	}

	deps := persistence.Deps{Metrics: rt.metrics, Logger: logger}
	if rt.redis != nil {
		deps.Redis = rt.redis.Client()
	}
	rt.store, err = persistence.Open(ctx, cfg, deps)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Type, err)
	}

	engineOpts := []workflow.Option{
		workflow.WithLogger(logger),
		workflow.WithAsyncSequential(cfg.Engine.AsyncSequential),
		workflow.WithLockRetry(cfg.Engine.LockRetry.Policy()),
		workflow.WithListener(workflow.NewLoggingListener(logger)),
		workflow.WithMetrics(rt.metrics),
		workflow.WithHandlers(builtinHandlers(opts.handlers, logger)),
	}

	executor, err := rt.newExecutor(cfg.Engine)
	if err != nil {
		return nil, err
	}
	if executor != nil {
		engineOpts = append(engineOpts, workflow.WithExecutor(executor))
	}

	if b := cfg.Engine.Breaker; b.Enabled {
		engineOpts = append(engineOpts, workflow.WithBreakers(workflow.NewBreakers(workflow.BreakerConfig{
			FailureThreshold: b.FailureThreshold,
			RecoveryTimeout:  b.RecoveryTimeout,
			HalfOpenProbes:   b.HalfOpenProbes,
			SuccessThreshold: b.SuccessThreshold,
		})))
	}

	if cfg.Engine.HistoryLimit > 0 {
		rt.history = workflow.NewHistoryStore(cfg.Engine.HistoryLimit)
		engineOpts = append(engineOpts, workflow.WithListener(rt.history))
	}

	rt.engine = workflow.NewEngine(rt.store, rt.locker, rt.store, engineOpts...)

	if cfg.Engine.GraphDir != "" && !opts.skipGraphDir {
		// 单个文件失败不阻止启动，已在 LoadDir 中逐条记录
		if _, loadErr := catalog.LoadDir(rt.engine, cfg.Engine.GraphDir, logger); loadErr != nil {
			logger.Warn("some graph definitions were rejected", zap.Error(loadErr))
		}
	}

	logger.Info("engine ready",
		zap.String("mode", string(rt.engine.Mode())),
		zap.String("store", cfg.Store.Type),
		zap.String("lock", cfg.Lock.Type),
		zap.Strings("graphs", rt.engine.GraphIDs()))

	return rt, nil
}

// newLocker 按配置创建流程实例锁
func newLocker(cfg config.LockConfig, rdb *redisclient.Manager, logger *zap.Logger) (lock.Locker, error) {
	switch cfg.Type {
	case config.LockMemory, "":
		return lock.NewMemoryLocker(), nil
	case config.LockRedis:
		if rdb == nil {
			return nil, fmt.Errorf("redis lock requires a redis client")
		}
		return lock.NewRedisLocker(rdb.Client(), lock.RedisLockerConfig{
			KeyPrefix: cfg.KeyPrefix,
			TTL:       cfg.TTL,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unsupported lock type: %s", cfg.Type)
	}
}

// newExecutor 按配置创建并发 fork 执行器，none 返回 nil
func (rt *runtime) newExecutor(cfg config.EngineConfig) (workflow.Executor, error) {
	switch cfg.Executor {
	case config.ExecutorNone, "":
		return nil, nil
	case config.ExecutorErrGroup:
		return workflow.NewErrGroupExecutor(cfg.Concurrency), nil
	case config.ExecutorPool:
		poolCfg := pool.DefaultGoroutinePoolConfig()
		if cfg.Concurrency > 0 {
			poolCfg.MaxWorkers = cfg.Concurrency
		}
		if cfg.QueueSize > 0 {
			poolCfg.QueueSize = cfg.QueueSize
		}
		poolCfg.PanicHandler = func(r any) {
			rt.logger.Error("branch panicked in worker pool", zap.Any("panic", r))
		}
		rt.pool = pool.NewGoroutinePool(poolCfg)
		return rt.pool, nil
	default:
		return nil, fmt.Errorf("unsupported executor: %s", cfg.Executor)
	}
}

// startWatcher 启动图定义目录监听
func (rt *runtime) startWatcher(ctx context.Context) error {
	if rt.cfg.Engine.GraphDir == "" || !rt.cfg.Engine.WatchGraphs {
		return nil
	}
	w, err := catalog.NewWatcher(rt.cfg.Engine.GraphDir, rt.engine, catalog.WithWatcherLogger(rt.logger))
	if err != nil {
		return fmt.Errorf("create graph watcher: %w", err)
	}
	w.OnReload(func(ev catalog.ReloadEvent) {
		if ev.Error != nil {
			rt.logger.Warn("graph reload failed",
				zap.String("path", ev.Path),
				zap.String("op", ev.Op.String()),
				zap.Error(ev.Error))
			return
		}
		rt.logger.Info("graph reloaded",
			zap.String("path", ev.Path),
			zap.String("graph_id", ev.GraphID))
	})
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("start graph watcher: %w", err)
	}
	rt.watcher = w
	return nil
}

// Close 以创建的逆序释放资源并合并错误
func (rt *runtime) Close(ctx context.Context) error {
	var errs error
	if rt.watcher != nil {
		errs = multierr.Append(errs, rt.watcher.Stop())
	}
	if rt.pool != nil {
		rt.pool.Close()
	}
	if rt.store != nil {
		errs = multierr.Append(errs, rt.store.Close())
	}
	if rt.redis != nil {
		errs = multierr.Append(errs, rt.redis.Close())
	}
	if rt.telemetry != nil {
		errs = multierr.Append(errs, rt.telemetry.Shutdown(ctx))
	}
	return errs
}
