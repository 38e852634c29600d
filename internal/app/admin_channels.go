package app

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// HandleListChannels 全部路由渠道
// GET /admin/channels
func (s *Server) HandleListChannels(c *gin.Context) {
	channels, err := s.store.ListChannels(c.Request.Context())
	if err != nil {
		RespondError(c, http.StatusInternalServerError, err)
		return
	}
	RespondJSON(c, http.StatusOK, channels)
}

// HandleCreateChannel 创建路由渠道
// POST /admin/channels
func (s *Server) HandleCreateChannel(c *gin.Context) {
	var req ChannelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondErrorMsg(c, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	ch, err := req.toChannel()
	if err != nil {
		RespondError(c, http.StatusBadRequest, err)
		return
	}
	if err := s.store.CreateChannel(c.Request.Context(), ch); err != nil {
		RespondError(c, http.StatusInternalServerError, err)
		return
	}
	s.InvalidateChannelCache()
	logrus.WithFields(logrus.Fields{"channel": ch.ID, "name": ch.Name}).Info("渠道已创建")
	RespondJSON(c, http.StatusOK, ch)
}

// HandleSetChannelEnabled 启用/禁用渠道
// PUT /admin/channels/:id/enabled
func (s *Server) HandleSetChannelEnabled(c *gin.Context) {
	id, err := ParseInt64Param(c, "id")
	if err != nil {
		RespondError(c, http.StatusBadRequest, err)
		return
	}
	var req ChannelEnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondErrorMsg(c, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if err := s.store.SetChannelEnabled(c.Request.Context(), id, req.Enabled); err != nil {
		RespondDomainError(c, err)
		return
	}
	s.InvalidateChannelCache()
	RespondJSON(c, http.StatusOK, gin.H{"id": id, "enabled": req.Enabled})
}
