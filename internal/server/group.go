package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Group 管理一组一起启动、一起关闭的服务器（API 端口与 metrics 端口）
type Group struct {
	managers []*Manager
	logger   *zap.Logger
}

// NewGroup 创建服务器组
func NewGroup(logger *zap.Logger, managers ...*Manager) *Group {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Group{managers: managers, logger: logger}
}

// Add 追加服务器，需在 Start 之前调用
func (g *Group) Add(m *Manager) {
	g.managers = append(g.managers, m)
}

// Start 依次启动全部服务器，任一失败时关闭已启动的服务器
func (g *Group) Start() error {
	for i, m := range g.managers {
		if err := m.Start(); err != nil {
			rollback := g.shutdown(context.Background(), g.managers[:i])
			return multierr.Append(fmt.Errorf("start %s: %w", m.Name(), err), rollback)
		}
	}
	return nil
}

// Wait 阻塞直到收到 SIGINT/SIGTERM、ctx 结束或任一服务器异常退出。
// 返回异常退出的错误，正常信号返回 nil。
func (g *Group) Wait(ctx context.Context) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	failed := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)
	for _, m := range g.managers {
		go func(m *Manager) {
			select {
			case err := <-m.Errors():
				select {
				case failed <- err:
				default:
				}
			case <-stop:
			}
		}(m)
	}

	select {
	case sig := <-quit:
		g.logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		return nil
	case <-ctx.Done():
		return nil
	case err := <-failed:
		g.logger.Error("server exited unexpectedly", zap.Error(err))
		return err
	}
}

// Shutdown 关闭全部服务器并合并错误
func (g *Group) Shutdown(ctx context.Context) error {
	return g.shutdown(ctx, g.managers)
}

func (g *Group) shutdown(ctx context.Context, managers []*Manager) error {
	var err error
	for i := len(managers) - 1; i >= 0; i-- {
		err = multierr.Append(err, managers[i].Shutdown(ctx))
	}
	return err
}
