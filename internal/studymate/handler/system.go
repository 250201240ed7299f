package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kart-io/logger"

	"github.com/kart-io/studymate/internal/studymate/biz"
	"github.com/kart-io/studymate/internal/studymate/metrics"
	"github.com/kart-io/studymate/pkg/component"
	"github.com/kart-io/studymate/pkg/infra/pool"
	"github.com/kart-io/studymate/pkg/utils/response"
)

// readyTimeout bounds all dependency checks of one readiness probe.
const readyTimeout = 3 * time.Second

// SystemHandler serves health, readiness, metrics and stats endpoints.
type SystemHandler struct {
	ingestor  *biz.Ingestor
	pools     *pool.Manager
	clients   []component.Client
	namespace string
	subsystem string
}

// NewSystemHandler creates a new SystemHandler. pools may be nil.
func NewSystemHandler(ingestor *biz.Ingestor, pools *pool.Manager, namespace, subsystem string, clients ...component.Client) *SystemHandler {
	return &SystemHandler{
		ingestor:  ingestor,
		pools:     pools,
		clients:   clients,
		namespace: namespace,
		subsystem: subsystem,
	}
}

// Health 存活探针。
func (h *SystemHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready 就绪探针，检查数据库等依赖。
func (h *SystemHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readyTimeout)
	defer cancel()

	checks := component.CheckHealth(ctx, h.clients...)
	status, state := http.StatusOK, "ready"
	for _, chk := range checks {
		if !chk.Healthy {
			logger.Warnw("readiness check failed", "component", chk.Name, "error", chk.Error)
			status, state = http.StatusServiceUnavailable, "not_ready"
		}
	}
	c.JSON(status, gin.H{"status": state, "checks": checks})
}

// Metrics 以 Prometheus 文本格式导出业务指标。
func (h *SystemHandler) Metrics(c *gin.Context) {
	c.Data(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8",
		[]byte(metrics.Get().Export(h.namespace, h.subsystem)))
}

// StatsResponse combines catalog counts with process metrics.
type StatsResponse struct {
	*biz.DocumentStats
	Metrics map[string]interface{} `json:"metrics"`
	Pools   []pool.Stats           `json:"pools,omitempty"`
}

// Stats 返回当前用户的文档与分块计数以及指标快照。
func (h *SystemHandler) Stats(c *gin.Context) {
	stats, err := h.ingestor.Stats(c.Request.Context(), principal(c))
	if err != nil {
		response.Fail(c, err)
		return
	}
	resp := StatsResponse{DocumentStats: stats, Metrics: metrics.Get().Stats()}
	if h.pools != nil {
		resp.Pools = h.pools.Stats()
	}
	response.OK(c, resp)
}
