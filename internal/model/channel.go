package model

import "slices"

// Channel 路由渠道：服务若干分组下的若干模型
type Channel struct {
	ID        int64    `json:"id"`
	Name      string   `json:"name"`
	Groups    []string `json:"groups"`
	Models    []string `json:"models"`
	Priority  int      `json:"priority"` // 越大越优先
	Enabled   bool     `json:"enabled"`
	CreatedAt int64    `json:"created_at"`
	UpdatedAt int64    `json:"updated_at"`
}

func (c *Channel) InGroup(group string) bool {
	return slices.Contains(c.Groups, group)
}

// SupportsModel 模型列表含 "*" 时视为支持全部模型
func (c *Channel) SupportsModel(name string) bool {
	return slices.Contains(c.Models, name) || slices.Contains(c.Models, "*")
}

// Serves 渠道已启用且服务 (model, group)
func (c *Channel) Serves(modelName, group string) bool {
	return c.Enabled && c.InGroup(group) && c.SupportsModel(modelName)
}
