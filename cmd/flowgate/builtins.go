package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/flowgate/workflow"
)

// 内置处理器名称，图定义中通过 handler 字段引用
const (
	handlerAwait = "await"
	handlerLog   = "log"
)

// builtinHandlers 在 reg 上补充内置处理器，已注册的同名处理器保持不变
func builtinHandlers(reg *workflow.HandlerRegistry, logger *zap.Logger) *workflow.HandlerRegistry {
	if reg == nil {
		reg = workflow.NewHandlerRegistry()
	}
	builtins := map[string]workflow.HandlerFunc{
		handlerAwait: awaitSignal,
		handlerLog:   logActivity(logger),
	}
	for name, fn := range builtins {
		if _, ok := reg.Get(name); ok {
			continue
		}
		_ = reg.Register(name, fn)
	}
	return reg
}

// awaitSignal 挂起分支，直到 resume 命中该活动；resume 的 payload 合并进请求变量
func awaitSignal(_ context.Context, ac *workflow.ActivityContext) (workflow.Outcome, error) {
	if !ac.Resumed {
		return workflow.Suspend(), nil
	}
	ac.Request.Merge(ac.Payload)
	return workflow.Continue(), nil
}

func logActivity(logger *zap.Logger) workflow.HandlerFunc {
	return func(_ context.Context, ac *workflow.ActivityContext) (workflow.Outcome, error) {
		logger.Info("activity executed",
			zap.String("instance_id", ac.ProcessInstanceID),
			zap.String("graph_id", ac.GraphID),
			zap.String("activity_id", ac.Activity.ID),
			zap.Bool("resumed", ac.Resumed))
		return workflow.Continue(), nil
	}
}
