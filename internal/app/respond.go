package app

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/pipiwei123/ppwapi/internal/failover"
	"github.com/pipiwei123/ppwapi/internal/model"
	"github.com/pipiwei123/ppwapi/internal/storage"

	"github.com/gin-gonic/gin"
)

// APIResponse 管理接口统一响应
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// RespondJSON 成功响应
func RespondJSON(c *gin.Context, status int, data any) {
	c.JSON(status, APIResponse{Success: true, Data: data})
}

// RespondErrorMsg 失败响应
func RespondErrorMsg(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, APIResponse{Success: false, Error: msg})
}

// RespondError 失败响应，错误信息取自 err
func RespondError(c *gin.Context, status int, err error) {
	RespondErrorMsg(c, status, err.Error())
}

// statusForError 领域错误到 HTTP 状态码的映射
func statusForError(err error) int {
	switch {
	case errors.Is(err, failover.ErrNoEligibleGroup):
		return http.StatusServiceUnavailable
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, ErrUnknownOption):
		return http.StatusNotFound
	case errors.Is(err, model.ErrAutoInMultiGroup),
		errors.Is(err, model.ErrEmptyGroupName),
		errors.Is(err, model.ErrInvalidPolicy),
		errors.Is(err, model.ErrInvalidGroup):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrTokenDisabled),
		errors.Is(err, model.ErrTokenExpired),
		errors.Is(err, model.ErrTokenExhausted),
		errors.Is(err, model.ErrModelNotAllowed):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// RespondDomainError 按错误类型选择状态码；无可用路由统一返回 "no available route"
func RespondDomainError(c *gin.Context, err error) {
	status := statusForError(err)
	if status == http.StatusServiceUnavailable {
		RespondErrorMsg(c, status, "no available route")
		return
	}
	RespondError(c, status, err)
}

// ParseInt64Param 解析正整数路径参数
func ParseInt64Param(c *gin.Context, name string) (int64, error) {
	raw := c.Param(name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", name, raw)
	}
	return id, nil
}
