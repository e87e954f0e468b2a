package handlers

import (
	"errors"
	"net/http"

	"github.com/BaSui01/flowgate/api"
	"github.com/BaSui01/flowgate/workflow"
	"go.uber.org/zap"
)

// GraphCatalog 已注册图的只读视图
type GraphCatalog interface {
	Graph(id string) (*workflow.Graph, error)
	GraphIDs() []string
}

// GraphHandler 图查询处理器
type GraphHandler struct {
	catalog GraphCatalog
	logger  *zap.Logger
}

// NewGraphHandler 创建图查询处理器
func NewGraphHandler(catalog GraphCatalog, logger *zap.Logger) *GraphHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GraphHandler{
		catalog: catalog,
		logger:  logger.With(zap.String("handler", "graph")),
	}
}

// Register 在 mux 上注册图路由
func (h *GraphHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/graphs", h.HandleList)
	mux.HandleFunc("GET /v1/graphs/{id}", h.HandleGet)
}

// HandleList 列出已注册的图
// @Summary 图列表
// @Tags 图
// @Produce json
// @Success 200 {object} Response "图概要列表"
// @Router /v1/graphs [get]
func (h *GraphHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	ids := h.catalog.GraphIDs()
	summaries := make([]api.GraphSummary, 0, len(ids))
	for _, id := range ids {
		g, err := h.catalog.Graph(id)
		if err != nil {
			// 列表与查询之间被替换或移除
			if errors.Is(err, workflow.ErrGraphNotFound) {
				continue
			}
			WriteEngineError(w, err, h.logger)
			return
		}
		summaries = append(summaries, summarize(g))
	}

	writeSuccessFor(w, r, http.StatusOK, api.GraphListResponse{
		Graphs: summaries,
		Count:  len(summaries),
	})
}

// HandleGet 导出单个图的定义
// @Summary 图定义
// @Tags 图
// @Produce json
// @Param id path string true "图 ID"
// @Success 200 {object} Response "图定义"
// @Failure 404 {object} Response "图不存在"
// @Router /v1/graphs/{id} [get]
func (h *GraphHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	g, err := h.catalog.Graph(r.PathValue("id"))
	if err != nil {
		WriteEngineError(w, err, h.logger)
		return
	}
	writeSuccessFor(w, r, http.StatusOK, workflow.DefinitionOf(g))
}

func summarize(g *workflow.Graph) api.GraphSummary {
	s := api.GraphSummary{
		ID:          g.ID(),
		Start:       g.Start(),
		Activities:  len(g.Activities()),
		Transitions: len(g.Transitions()),
	}
	for _, a := range g.Activities() {
		if a.Kind != workflow.ActivityGateway {
			continue
		}
		role, err := g.Classify(a.ID)
		switch {
		case err != nil:
			s.Misconfigured++
		case role == workflow.GatewayFork:
			s.Forks++
		case role == workflow.GatewayJoin:
			s.Joins++
		}
	}
	return s
}
