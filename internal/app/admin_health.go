package app

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// HandleHealth 存活检查（公开访问）
// GET /health
func (s *Server) HandleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := gin.H{
		"status":         "ok",
		"tracked":        s.tracker.Len(),
		"sse_clients":    s.cooldownService.SubscriberCount(),
		"index_dropped":  s.groupIndex.Dropped(),
		"triplog_drops":  s.tripLogService.Dropped(),
		"redis_mirrored": s.mirror != nil,
	}
	if err := s.store.Ping(ctx); err != nil {
		status["status"] = "degraded"
		c.JSON(http.StatusServiceUnavailable, APIResponse{Success: false, Data: status, Error: err.Error()})
		return
	}
	RespondJSON(c, http.StatusOK, status)
}
