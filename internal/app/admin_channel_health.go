package app

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/pipiwei123/ppwapi/internal/config"
	"github.com/pipiwei123/ppwapi/internal/cooldown"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// HandleChannelHealth 渠道健康快照，可按 model、channel_id 过滤
// GET /admin/channel-health
func (s *Server) HandleChannelHealth(c *gin.Context) {
	modelName := c.Query("model")
	var channelID int64
	if raw := c.Query("channel_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			RespondErrorMsg(c, http.StatusBadRequest, "invalid channel_id")
			return
		}
		channelID = id
	}

	all := s.tracker.Snapshot()
	out := make([]cooldown.Snapshot, 0, len(all))
	for _, snap := range all {
		if modelName != "" && snap.Model != modelName {
			continue
		}
		if channelID > 0 && snap.ChannelID != channelID {
			continue
		}
		out = append(out, snap)
	}
	RespondJSON(c, http.StatusOK, out)
}

// HandleResetChannelHealth 手动恢复熔断
// POST /admin/channel-health/reset
func (s *Server) HandleResetChannelHealth(c *gin.Context) {
	var req HealthResetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondErrorMsg(c, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}

	restored := 0
	if req.Model != "" {
		if s.tracker.Reset(req.Model, req.ChannelID) {
			restored = 1
		}
		if s.mirror != nil {
			s.mirror.Forget(req.Model, req.ChannelID)
		}
	} else {
		restored = s.tracker.ResetChannel(req.ChannelID)
		if s.mirror != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), config.RedisOperationTimeout)
			if err := s.mirror.ForgetChannel(ctx, req.ChannelID); err != nil {
				logrus.WithError(err).WithField("channel", req.ChannelID).Warn("删除 Redis 熔断镜像失败")
			}
			cancel()
		}
	}
	s.cooldownService.BroadcastReset(req.Model, req.ChannelID)

	logrus.WithFields(logrus.Fields{
		"model":    req.Model,
		"channel":  req.ChannelID,
		"restored": restored,
	}).Info("渠道熔断已手动恢复")
	RespondJSON(c, http.StatusOK, gin.H{"restored": restored})
}

// HandleReportCompletion 接收外部网关的完成遥测
// POST /admin/channel-health/report
func (s *Server) HandleReportCompletion(c *gin.Context) {
	var req CompletionReport
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondErrorMsg(c, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	switch req.Failure {
	case "":
		s.tracker.RecordCompletion(req.Model, req.ChannelID, req.FRTMs, req.TotalMs)
	case cooldown.ReasonCancelled, cooldown.ReasonAttemptTimeout:
		s.tracker.RecordFailure(req.Model, req.ChannelID, req.Failure)
	default:
		RespondErrorMsg(c, http.StatusBadRequest, fmt.Sprintf("unknown failure: %s", req.Failure))
		return
	}
	RespondJSON(c, http.StatusOK, gin.H{"eligible": s.tracker.IsEligible(req.Model, req.ChannelID)})
}

// HandleTripLogs 最近的熔断记录
// GET /admin/channel-health/logs?channel_id=&limit=
func (s *Server) HandleTripLogs(c *gin.Context) {
	var channelID int64
	if raw := c.Query("channel_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			RespondErrorMsg(c, http.StatusBadRequest, "invalid channel_id")
			return
		}
		channelID = id
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	logs, err := s.store.ListTripLogs(c.Request.Context(), channelID, limit)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, err)
		return
	}
	RespondJSON(c, http.StatusOK, logs)
}
