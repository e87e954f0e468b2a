package api

import (
	"time"

	"github.com/BaSui01/flowgate/workflow"
)

// =============================================================================
// 流程实例类型
// =============================================================================

// RunInstanceRequest 启动流程实例的请求
// @Description 启动流程实例
type RunInstanceRequest struct {
	// 已注册的图 ID
	GraphID string `json:"graph_id" example:"order-approval" binding:"required"`
	// 流程实例 ID，为空时由服务端生成
	ProcessInstanceID string `json:"process_instance_id,omitempty" example:"pi-42"`
	// 初始变量
	Variables map[string]any `json:"variables,omitempty"`
}

// ResumeInstanceRequest 恢复挂起分支的请求，实例 ID 取自路径
// @Description 恢复挂起分支
type ResumeInstanceRequest struct {
	// 挂起分支所在的活动
	TargetActivityID string `json:"target_activity_id" example:"wait-payment" binding:"required"`
	// 合并进请求上下文的变量
	Payload map[string]any `json:"payload,omitempty"`
}

// OutcomeResponse 一次 Run / Resume 的结果
// @Description 执行结果
type OutcomeResponse struct {
	ProcessInstanceID string `json:"process_instance_id" example:"pi-42"`
	// advanced, paused, suspended, ignored
	Status string `json:"status" example:"suspended"`
	// 执行停止的活动
	ActivityID string `json:"activity_id,omitempty" example:"wait-payment"`
}

// =============================================================================
// 令牌类型
// =============================================================================

// TokenView 活动令牌的只读视图
type TokenView struct {
	ID         string    `json:"id" example:"fork-1/b"`
	ActivityID string    `json:"activity_id" example:"wait-payment"`
	ForkID     string    `json:"fork_id,omitempty" example:"fork-1"`
	Branch     string    `json:"branch,omitempty" example:"b"`
	Suspended  bool      `json:"suspended"`
	CreatedAt  time.Time `json:"created_at"`
}

// TokenViewOf 转换引擎令牌
func TokenViewOf(t *workflow.Token) TokenView {
	return TokenView{
		ID:         t.ID,
		ActivityID: t.ActivityID,
		ForkID:     t.ForkID,
		Branch:     t.Branch,
		Suspended:  t.Suspended,
		CreatedAt:  t.CreatedAt,
	}
}

// TokensResponse 某个实例的活动令牌
type TokensResponse struct {
	ProcessInstanceID string      `json:"process_instance_id"`
	Tokens            []TokenView `json:"tokens"`
	Count             int         `json:"count"`
}

// =============================================================================
// 图类型
// =============================================================================

// GraphSummary 已注册图的概要
type GraphSummary struct {
	ID            string `json:"id" example:"order-approval"`
	Start         string `json:"start,omitempty" example:"start"`
	Activities    int    `json:"activities"`
	Transitions   int    `json:"transitions"`
	Forks         int    `json:"forks"`
	Joins         int    `json:"joins"`
	Misconfigured int    `json:"misconfigured,omitempty"`
}

// GraphListResponse 图列表
type GraphListResponse struct {
	Graphs []GraphSummary `json:"graphs"`
	Count  int            `json:"count"`
}
