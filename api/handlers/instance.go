package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/BaSui01/flowgate/api"
	"github.com/BaSui01/flowgate/internal/ctxkeys"
	"github.com/BaSui01/flowgate/workflow"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// =============================================================================
// 🔀 流程实例 Handler
// =============================================================================

// InstanceEngine 流程实例处理器依赖的引擎能力
type InstanceEngine interface {
	Run(ctx context.Context, req workflow.RunRequest) (workflow.Outcome, error)
	Resume(ctx context.Context, req workflow.ResumeRequest) (workflow.Outcome, error)
	ActiveTokens(ctx context.Context, instanceID string) ([]*workflow.Token, error)
}

// HistoryReader 执行历史来源
type HistoryReader interface {
	Get(instanceID string) (*workflow.ExecutionHistory, bool)
}

// InstanceHandler 流程实例处理器
type InstanceHandler struct {
	engine  InstanceEngine
	history HistoryReader
	logger  *zap.Logger
}

// NewInstanceHandler 创建流程实例处理器，history 可以为 nil
func NewInstanceHandler(engine InstanceEngine, history HistoryReader, logger *zap.Logger) *InstanceHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InstanceHandler{
		engine:  engine,
		history: history,
		logger:  logger.With(zap.String("handler", "instance")),
	}
}

// Register 在 mux 上注册实例路由
func (h *InstanceHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/instances", h.HandleRun)
	mux.HandleFunc("POST /v1/instances/{id}/resume", h.HandleResume)
	mux.HandleFunc("GET /v1/instances/{id}/tokens", h.HandleTokens)
	mux.HandleFunc("GET /v1/instances/{id}/history", h.HandleHistory)
}

// HandleRun 启动流程实例
// @Summary 启动流程实例
// @Tags 实例
// @Accept json
// @Produce json
// @Param request body api.RunInstanceRequest true "启动请求"
// @Success 201 {object} Response "执行结果"
// @Failure 400 {object} Response "请求无效"
// @Failure 404 {object} Response "图不存在"
// @Failure 409 {object} Response "实例 ID 已被使用"
// @Failure 503 {object} Response "实例锁不可用"
// @Router /v1/instances [post]
func (h *InstanceHandler) HandleRun(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.RunInstanceRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if strings.TrimSpace(req.GraphID) == "" {
		WriteErrorMessage(w, http.StatusBadRequest, ErrInvalidRequest, "graph_id is required", h.logger)
		return
	}
	if req.ProcessInstanceID == "" {
		req.ProcessInstanceID = uuid.NewString()
	}

	ctx := ctxkeys.WithInstanceID(r.Context(), req.ProcessInstanceID)
	out, err := h.engine.Run(ctx, workflow.RunRequest{
		GraphID:           req.GraphID,
		ProcessInstanceID: req.ProcessInstanceID,
		Variables:         req.Variables,
	})
	if err != nil {
		WriteEngineError(w, err, h.logger.With(zap.String("instance_id", req.ProcessInstanceID)))
		return
	}

	writeSuccessFor(w, r, http.StatusCreated, outcomeResponse(req.ProcessInstanceID, out))
}

// HandleResume 恢复挂起的分支
// @Summary 恢复挂起分支
// @Description 未找到挂起令牌时返回 status=ignored，重复信号不会重复执行
// @Tags 实例
// @Accept json
// @Produce json
// @Param id path string true "流程实例 ID"
// @Param request body api.ResumeInstanceRequest true "恢复请求"
// @Success 200 {object} Response "执行结果"
// @Failure 400 {object} Response "请求无效"
// @Failure 409 {object} Response "join 状态不一致"
// @Failure 503 {object} Response "实例锁不可用"
// @Router /v1/instances/{id}/resume [post]
func (h *InstanceHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	instanceID := r.PathValue("id")
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.ResumeInstanceRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	resume := workflow.ResumeRequest{
		ProcessInstanceID: instanceID,
		TargetActivityID:  req.TargetActivityID,
		Payload:           req.Payload,
	}
	if err := resume.Validate(); err != nil {
		WriteEngineError(w, err, h.logger)
		return
	}

	ctx := ctxkeys.WithInstanceID(r.Context(), instanceID)
	out, err := h.engine.Resume(ctx, resume)
	if err != nil {
		WriteEngineError(w, err, h.logger.With(
			zap.String("instance_id", instanceID),
			zap.String("activity_id", req.TargetActivityID)))
		return
	}

	writeSuccessFor(w, r, http.StatusOK, outcomeResponse(instanceID, out))
}

// HandleTokens 查询实例的活动令牌
// @Summary 活动令牌
// @Tags 实例
// @Produce json
// @Param id path string true "流程实例 ID"
// @Success 200 {object} Response "令牌列表"
// @Router /v1/instances/{id}/tokens [get]
func (h *InstanceHandler) HandleTokens(w http.ResponseWriter, r *http.Request) {
	instanceID := r.PathValue("id")

	tokens, err := h.engine.ActiveTokens(r.Context(), instanceID)
	if err != nil {
		WriteEngineError(w, err, h.logger.With(zap.String("instance_id", instanceID)))
		return
	}

	views := make([]api.TokenView, 0, len(tokens))
	for _, t := range tokens {
		views = append(views, api.TokenViewOf(t))
	}

	writeSuccessFor(w, r, http.StatusOK, api.TokensResponse{
		ProcessInstanceID: instanceID,
		Tokens:            views,
		Count:             len(views),
	})
}

// HandleHistory 查询实例的执行历史
// @Summary 执行历史
// @Tags 实例
// @Produce json
// @Param id path string true "流程实例 ID"
// @Success 200 {object} Response "执行历史"
// @Failure 404 {object} Response "无历史记录"
// @Router /v1/instances/{id}/history [get]
func (h *InstanceHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		WriteErrorMessage(w, http.StatusNotFound, ErrNotFound, "execution history is disabled", h.logger)
		return
	}

	instanceID := r.PathValue("id")
	hist, ok := h.history.Get(instanceID)
	if !ok {
		WriteErrorMessage(w, http.StatusNotFound, ErrNotFound, "no history for instance "+instanceID, h.logger)
		return
	}

	writeSuccessFor(w, r, http.StatusOK, hist)
}

func outcomeResponse(instanceID string, out workflow.Outcome) api.OutcomeResponse {
	return api.OutcomeResponse{
		ProcessInstanceID: instanceID,
		Status:            out.Status.String(),
		ActivityID:        out.ActivityID,
	}
}
