package app

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// TokenGroupInfoResponse 令牌分组视图
type TokenGroupInfoResponse struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Key       string `json:"key"`
	Group     string `json:"group"`
	GroupInfo any    `json:"group_info"`
	// Candidates 选择时实际使用的分组顺序
	Candidates []string `json:"candidates"`
}

// HandleGetTokenGroupInfo 读取令牌分组配置
// GET /admin/tokens/:id/group-info
func (s *Server) HandleGetTokenGroupInfo(c *gin.Context) {
	id, err := ParseInt64Param(c, "id")
	if err != nil {
		RespondError(c, http.StatusBadRequest, err)
		return
	}
	t, err := s.tokenService.Get(c.Request.Context(), id)
	if err != nil {
		RespondDomainError(c, err)
		return
	}
	RespondJSON(c, http.StatusOK, TokenGroupInfoResponse{
		ID:         t.ID,
		Name:       t.Name,
		Key:        t.MaskedKey(),
		Group:      t.GroupProjection(),
		GroupInfo:  t.GroupInfo,
		Candidates: s.selector.Candidates(t),
	})
}

// HandleUpdateTokenGroupInfo 更新令牌分组；多分组中出现 auto 时拒绝
// PUT /admin/tokens/:id/group-info
func (s *Server) HandleUpdateTokenGroupInfo(c *gin.Context) {
	id, err := ParseInt64Param(c, "id")
	if err != nil {
		RespondError(c, http.StatusBadRequest, err)
		return
	}
	var req GroupInfoUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondErrorMsg(c, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	t, err := s.tokenService.UpdateGroupInfo(c.Request.Context(), id, req, s.groupService.Priorities())
	if err != nil {
		RespondDomainError(c, err)
		return
	}
	RespondJSON(c, http.StatusOK, TokenGroupInfoResponse{
		ID:         t.ID,
		Name:       t.Name,
		Key:        t.MaskedKey(),
		Group:      t.GroupProjection(),
		GroupInfo:  t.GroupInfo,
		Candidates: s.selector.Candidates(t),
	})
}
