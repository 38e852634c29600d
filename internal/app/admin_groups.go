package app

import (
	"fmt"
	"net/http"

	"github.com/pipiwei123/ppwapi/internal/model"

	"github.com/gin-gonic/gin"
)

// HandleListGroups 分组注册表（按优先级排序）
// GET /admin/groups
func (s *Server) HandleListGroups(c *gin.Context) {
	RespondJSON(c, http.StatusOK, s.groupService.List())
}

// HandleReplaceGroups 整体替换分组注册表
// PUT /admin/groups
func (s *Server) HandleReplaceGroups(c *gin.Context) {
	var req []GroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondErrorMsg(c, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	groups := make([]*model.Group, 0, len(req))
	for _, g := range req {
		groups = append(groups, &model.Group{
			Name:     g.Name,
			Desc:     g.Desc,
			Ratio:    g.Ratio,
			Priority: g.Priority,
		})
	}
	if err := s.groupService.Replace(c.Request.Context(), groups); err != nil {
		RespondDomainError(c, err)
		return
	}
	RespondJSON(c, http.StatusOK, s.groupService.List())
}
