// =============================================================================
// flowgate 主入口
// =============================================================================
// fork/join 同步引擎的服务入口，包含 HTTP API、健康检查、Prometheus 指标
//
// 使用方法:
//
//	flowgate serve                                  # 启动服务
//	flowgate serve --config config.yaml             # 指定配置文件
//	flowgate run --graph order.yaml                 # 在本进程内执行一个图
//	flowgate resume --graph order.yaml --instance pi-1 --target wait-payment
//	flowgate migrate up                             # 运行数据库迁移
//	flowgate health --addr https://localhost:8080   # 健康检查
//	flowgate version                                # 显示版本信息
// =============================================================================

// @title flowgate API
// @version 1.0.0
// @description Fork/join synchronization engine for process graphs.

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /
// @schemes http https

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/flowgate/config"
	"github.com/BaSui01/flowgate/internal/tlsutil"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "run":
		runInstance(os.Args[2:])
	case "resume":
		runResume(os.Args[2:])
	case "migrate":
		runMigrate(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting flowgate",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ctx := context.Background()
	srv, err := NewServer(ctx, cfg, logger, registry)
	if err != nil {
		logger.Fatal("failed to build server", zap.Error(err))
	}
	if err := srv.Start(); err != nil {
		_ = srv.Shutdown(ctx)
		logger.Fatal("failed to start server", zap.Error(err))
	}

	waitErr := srv.Wait(ctx)

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout+5*time.Second)
	defer cancel()
	shutdownErr := srv.Shutdown(shutdownCtx)

	if waitErr != nil || shutdownErr != nil {
		logger.Error("flowgate stopped with errors", zap.NamedError("serve", waitErr), zap.NamedError("shutdown", shutdownErr))
		_ = logger.Sync()
		os.Exit(1)
	}
	logger.Info("flowgate stopped")
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	path := fs.String("path", "/health", "Health endpoint path")
	timeout := fs.Duration("timeout", 5*time.Second, "Request timeout")
	_ = fs.Parse(args)

	if err := checkHealth(healthClient(*addr, *timeout), strings.TrimRight(*addr, "/")+*path); err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("OK")
}

// healthClient https 地址使用加固的 TLS 客户端
func healthClient(addr string, timeout time.Duration) *http.Client {
	if strings.HasPrefix(addr, "https://") {
		return tlsutil.SecureHTTPClient(timeout)
	}
	return &http.Client{Timeout: timeout}
}

func checkHealth(client *http.Client, url string) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("flowgate %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`flowgate - fork/join synchronization engine

Usage:
  flowgate <command> [options]

Commands:
  serve     Start the HTTP API and metrics servers
  run       Run a graph definition file in-process
  resume    Resume a suspended branch of an instance
  migrate   Database migration commands
  version   Show version information
  health    Check server health
  help      Show this help message

Options for 'serve':
  --config <path>     Path to configuration file (YAML)

Options for 'run':
  --config <path>     Path to configuration file (YAML)
  --graph <path>      Graph definition file (yaml or json)
  --instance <id>     Process instance ID (generated when empty)
  --vars <json>       Initial variables as a JSON object

Options for 'resume':
  --config <path>     Path to configuration file (YAML)
  --graph <path>      Graph definition file (yaml or json)
  --instance <id>     Process instance ID
  --target <id>       Activity holding the suspended branch
  --payload <json>    Resume payload as a JSON object

Examples:
  flowgate serve --config /etc/flowgate/config.yaml
  flowgate run --graph configs/graphs/order-approval.yaml --instance pi-1
  flowgate resume --graph configs/graphs/order-approval.yaml --instance pi-1 --target wait-payment
  flowgate migrate up
  flowgate health --addr https://localhost:8080
  flowgate version`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       encoding == "console",
		Encoding:          encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}

	logger, err := zapConfig.Build()
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}
	return logger.With(zap.String("service", "flowgate"))
}
