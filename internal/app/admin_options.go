package app

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// HandleGetOption 读取超时熔断配置
// GET /admin/options/:key
func (s *Server) HandleGetOption(c *gin.Context) {
	key := c.Param("key")
	value, err := s.optionService.Get(key)
	if err != nil {
		RespondDomainError(c, err)
		return
	}
	RespondJSON(c, http.StatusOK, gin.H{"key": key, "value": value})
}

// HandleUpdateOption 保存超时熔断配置；解析或校验失败时旧配置保持生效
// PUT /admin/options/:key
func (s *Server) HandleUpdateOption(c *gin.Context) {
	key := c.Param("key")
	var req OptionUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondErrorMsg(c, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	changed, err := s.optionService.Update(c.Request.Context(), key, req.Value)
	if err != nil {
		RespondDomainError(c, err)
		return
	}
	RespondJSON(c, http.StatusOK, gin.H{"key": key, "changed": changed})
}
