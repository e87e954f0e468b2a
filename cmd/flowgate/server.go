package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/BaSui01/flowgate/api/handlers"
	"github.com/BaSui01/flowgate/config"
	"github.com/BaSui01/flowgate/internal/server"
)

// =============================================================================
// 🖥️ Server
// =============================================================================

// Server 组合引擎运行时与 API / metrics 两个 HTTP 监听器
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	rt     *runtime

	group   *server.Group
	handler http.Handler

	// 限流器后台清理 goroutine 的生命周期
	cancel context.CancelFunc
}

// NewServer 组装运行时与路由，尚未开始监听
func NewServer(ctx context.Context, cfg *config.Config, logger *zap.Logger, registry *prometheus.Registry) (*Server, error) {
	var reg prometheus.Registerer
	if registry != nil {
		reg = registry
	}
	rt, err := buildRuntime(ctx, cfg, logger, runtimeOptions{registerer: reg})
	if err != nil {
		return nil, err
	}

	bg, cancel := context.WithCancel(context.Background())
	s := &Server{cfg: cfg, logger: logger, rt: rt, cancel: cancel}

	if err := rt.startWatcher(bg); err != nil {
		cancel()
		return nil, multierr.Append(err, rt.Close(ctx))
	}

	s.handler = s.routes(bg)
	s.group = server.NewGroup(logger, server.NewManager(s.handler, server.Config{
		Name:            "api",
		Addr:            fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     2 * cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		TLSCertFile:     cfg.Server.TLSCertFile,
		TLSKeyFile:      cfg.Server.TLSKeyFile,
	}, logger))

	if cfg.Metrics.Enabled && registry != nil && cfg.Server.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
		s.group.Add(server.NewManager(mux, server.Config{
			Name:            "metrics",
			Addr:            fmt.Sprintf(":%d", cfg.Server.MetricsPort),
			ReadTimeout:     cfg.Server.ReadTimeout,
			WriteTimeout:    cfg.Server.WriteTimeout,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, logger))
	}

	return s, nil
}

// routes 注册全部路由并套上中间件链
func (s *Server) routes(ctx context.Context) http.Handler {
	mux := http.NewServeMux()

	// ========================================
	// 健康检查
	// ========================================
	health := handlers.NewHealthHandler(s.logger)
	health.RegisterCheck(handlers.NewStoreHealthCheck(s.rt.store))
	if s.rt.redis != nil {
		health.RegisterCheck(handlers.NewRedisHealthCheck(s.rt.redis.Client()))
	}
	mux.HandleFunc("GET /health", health.HandleHealth)
	mux.HandleFunc("GET /healthz", health.HandleHealthz)
	mux.HandleFunc("GET /ready", health.HandleReady)
	mux.HandleFunc("GET /readyz", health.HandleReady)
	mux.HandleFunc("GET /version", health.HandleVersion(Version, BuildTime, GitCommit))

	// ========================================
	// 流程实例与图
	// ========================================
	var history handlers.HistoryReader
	if s.rt.history != nil {
		history = s.rt.history
	}
	handlers.NewInstanceHandler(s.rt.engine, history, s.logger).Register(mux)
	handlers.NewGraphHandler(s.rt.engine, s.logger).Register(mux)

	return Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.rt.metrics),
		OTelTracing(),
		RateLimiter(ctx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger),
	)
}

// Handler 返回带中间件的 API 路由
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start 启动全部监听器（非阻塞）
func (s *Server) Start() error {
	if err := s.group.Start(); err != nil {
		return err
	}
	s.logger.Info("all servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("tls", s.cfg.Server.TLSCertFile != ""))
	return nil
}

// Wait 阻塞直到收到退出信号或某个监听器异常退出
func (s *Server) Wait(ctx context.Context) error {
	return s.group.Wait(ctx)
}

// Shutdown 先停止监听器，再释放引擎运行时
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("starting graceful shutdown")

	err := s.group.Shutdown(ctx)
	s.cancel()
	err = multierr.Append(err, s.rt.Close(ctx))

	if err != nil {
		s.logger.Error("shutdown finished with errors", zap.Error(err))
		return err
	}
	s.logger.Info("graceful shutdown completed")
	return nil
}
