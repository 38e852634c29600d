package app

import (
	"fmt"
	"strings"

	"github.com/pipiwei123/ppwapi/internal/model"
)

// SettingUpdateRequest 设置更新请求
type SettingUpdateRequest struct {
	Value string `json:"value"`
}

// OptionUpdateRequest 超时熔断配置更新请求；value 为 JSON 字符串，空串清空配置
type OptionUpdateRequest struct {
	Value string `json:"value"`
}

// GroupRequest 分组注册表条目
type GroupRequest struct {
	Name     string  `json:"name" binding:"required"`
	Desc     string  `json:"desc"`
	Ratio    float64 `json:"ratio"`
	Priority int     `json:"priority"`
}

// ChannelRequest 渠道创建请求
type ChannelRequest struct {
	Name     string   `json:"name" binding:"required"`
	Groups   []string `json:"groups" binding:"required,min=1"`
	Models   []string `json:"models" binding:"required,min=1"`
	Priority int      `json:"priority"`
	Enabled  *bool    `json:"enabled"`
}

func (r *ChannelRequest) toChannel() (*model.Channel, error) {
	name := strings.TrimSpace(r.Name)
	if name == "" {
		return nil, fmt.Errorf("name cannot be empty")
	}
	groups := model.DedupGroups(r.Groups)
	if len(groups) == 0 {
		return nil, fmt.Errorf("groups cannot be empty")
	}
	models := model.DedupGroups(r.Models)
	if len(models) == 0 {
		return nil, fmt.Errorf("models cannot be empty")
	}
	enabled := true
	if r.Enabled != nil {
		enabled = *r.Enabled
	}
	return &model.Channel{
		Name:     name,
		Groups:   groups,
		Models:   models,
		Priority: r.Priority,
		Enabled:  enabled,
	}, nil
}

// ChannelEnabledRequest 启用/禁用渠道
type ChannelEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// HealthResetRequest 手动恢复；model 为空时恢复渠道在所有模型上的熔断
type HealthResetRequest struct {
	Model     string `json:"model"`
	ChannelID int64  `json:"channel_id" binding:"required,min=1"`
}

// CompletionReport 外部网关上报的完成遥测；frt_ms < 0 表示没有首字时间
type CompletionReport struct {
	Model     string `json:"model" binding:"required"`
	ChannelID int64  `json:"channel_id" binding:"required,min=1"`
	FRTMs     int64  `json:"frt_ms"`
	TotalMs   int64  `json:"total_ms" binding:"min=0"`
	// Failure 非空时按取消/超时处理（cancelled、attempt_timeout）
	Failure string `json:"failure"`
}

// RoutePreviewRequest 路由预览：token_id 与 groups 二选一
type RoutePreviewRequest struct {
	TokenID  int64    `json:"token_id"`
	Groups   []string `json:"groups"`
	Model    string   `json:"model" binding:"required"`
	Excluded []string `json:"excluded"`
}

// RoutePreviewResponse 路由预览结果
type RoutePreviewResponse struct {
	Candidates []string         `json:"candidates"`
	Group      string           `json:"group,omitempty"`
	Channels   []*model.Channel `json:"channels,omitempty"`
}

// RouteSimulateRequest 路由模拟：按给定结果执行一次完整分发，会真实上报健康遥测
type RouteSimulateRequest struct {
	TokenID int64  `json:"token_id" binding:"required,min=1"`
	Model   string `json:"model" binding:"required"`
	// FailGroups 中的分组尝试时返回错误
	FailGroups []string `json:"fail_groups"`
	FRTMs      int64    `json:"frt_ms"`
	TotalMs    int64    `json:"total_ms"`
}

// RouteSimulateAttempt 模拟中的一次尝试
type RouteSimulateAttempt struct {
	Number    int    `json:"number"`
	Group     string `json:"group"`
	ChannelID int64  `json:"channel_id"`
	Error     string `json:"error,omitempty"`
}
