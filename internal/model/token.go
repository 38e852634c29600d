package model

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// Token 状态
const (
	TokenStatusEnabled   = 1
	TokenStatusDisabled  = 2
	TokenStatusExpired   = 3
	TokenStatusExhausted = 4
)

// 分组状态（multi_group_status_list 的取值）
const (
	GroupStatusEnabled  = 1
	GroupStatusDisabled = 2
)

// AutoGroup 自动分组，与多分组模式互斥
const AutoGroup = "auto"

var (
	ErrAutoInMultiGroup = errors.New("auto group cannot be used in multi-group mode")
	ErrEmptyGroupName   = errors.New("group name cannot be empty")
	ErrTokenDisabled    = errors.New("token is disabled")
	ErrTokenExpired     = errors.New("token has expired")
	ErrTokenExhausted   = errors.New("token quota exhausted")
	ErrModelNotAllowed  = errors.New("model not allowed for this token")
)

// GroupInfo 令牌的多分组配置（tokens.group_info 列，JSON存储）
type GroupInfo struct {
	IsMultiGroup         bool           `json:"is_multi_group"`
	MultiGroupSize       int            `json:"multi_group_size"`
	MultiGroupList       []string       `json:"multi_group_list"`
	MultiGroupStatusList map[string]int `json:"multi_group_status_list"`
	// CurrentGroupIndex 仅为观测提示，选择逻辑从不读取
	CurrentGroupIndex int `json:"current_group_index"`
}

// Validate 写入时校验：多分组模式不允许 auto，分组名不能为空
func (g *GroupInfo) Validate() error {
	if g == nil || !g.IsMultiGroup {
		return nil
	}
	for i, name := range g.MultiGroupList {
		name = strings.TrimSpace(name)
		if name == "" {
			return fmt.Errorf("multi_group_list[%d]: %w", i, ErrEmptyGroupName)
		}
		if name == AutoGroup {
			return ErrAutoInMultiGroup
		}
	}
	return nil
}

// Value 实现 driver.Valuer
func (g GroupInfo) Value() (driver.Value, error) {
	data, err := sonic.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("marshal group_info: %w", err)
	}
	return string(data), nil
}

// Scan 实现 sql.Scanner；NULL 和空串视为零值
func (g *GroupInfo) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*g = GroupInfo{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("scan group_info: unsupported type %T", src)
	}
	if len(data) == 0 {
		*g = GroupInfo{}
		return nil
	}
	var info GroupInfo
	if err := sonic.Unmarshal(data, &info); err != nil {
		return fmt.Errorf("unmarshal group_info: %w", err)
	}
	*g = info
	return nil
}

// BindingKind 分组绑定类型
type BindingKind int

const (
	SingleGroup BindingKind = iota
	MultiGroup
)

func (k BindingKind) String() string {
	if k == MultiGroup {
		return "multi"
	}
	return "single"
}

// GroupBinding 令牌分组绑定的唯一权威形式。
// SingleGroup 时 Groups 至多一个元素（空表示使用默认分组）。
type GroupBinding struct {
	Kind   BindingKind
	Groups []string
}

// Token 访问令牌
type Token struct {
	ID                 int64     `json:"id"`
	Name               string    `json:"name"`
	Key                string    `json:"key"`
	Status             int       `json:"status"`
	RemainQuota        int64     `json:"remain_quota"`
	UnlimitedQuota     bool      `json:"unlimited_quota"`
	ExpiredTime        int64     `json:"expired_time"` // Unix秒，-1 表示永不过期
	ModelLimitsEnabled bool      `json:"model_limits_enabled"`
	ModelLimits        []string  `json:"model_limits"`
	AllowIPs           []string  `json:"allow_ips"`
	Group              string    `json:"group"` // 单分组名，多分组时为逗号拼接的投影
	GroupInfo          GroupInfo `json:"group_info"`
	CreatedAt          int64     `json:"created_at"`
	UpdatedAt          int64     `json:"updated_at"`
}

// Binding 返回令牌的分组绑定。
// 多分组时以 multi_group_list 为准，group 字段不再解析。
func (t *Token) Binding() GroupBinding {
	if t.GroupInfo.IsMultiGroup {
		return GroupBinding{Kind: MultiGroup, Groups: t.enabledMultiGroups()}
	}
	if strings.Contains(t.Group, ",") {
		// 旧数据：逗号分隔但尚未迁移为结构化形式
		return GroupBinding{Kind: MultiGroup, Groups: splitGroups(t.Group)}
	}
	g := strings.TrimSpace(t.Group)
	if g == "" {
		return GroupBinding{Kind: SingleGroup}
	}
	return GroupBinding{Kind: SingleGroup, Groups: []string{g}}
}

func (t *Token) enabledMultiGroups() []string {
	out := make([]string, 0, len(t.GroupInfo.MultiGroupList))
	for _, g := range t.GroupInfo.MultiGroupList {
		g = strings.TrimSpace(g)
		if g == "" {
			continue
		}
		if st, ok := t.GroupInfo.MultiGroupStatusList[g]; ok && st != GroupStatusEnabled {
			continue
		}
		out = append(out, g)
	}
	return out
}

// GroupProjection 逗号拼接的分组字符串（仅用于展示和旧接口兼容）
func (t *Token) GroupProjection() string {
	if t.GroupInfo.IsMultiGroup {
		return strings.Join(t.GroupInfo.MultiGroupList, ",")
	}
	return t.Group
}

// SetGroups 设置分组；多于一个时切换为多分组模式
func (t *Token) SetGroups(groups []string) {
	groups = DedupGroups(groups)
	if len(groups) <= 1 {
		t.GroupInfo.IsMultiGroup = false
		t.GroupInfo.MultiGroupList = nil
		t.GroupInfo.MultiGroupSize = 0
		t.GroupInfo.CurrentGroupIndex = 0
		t.Group = ""
		if len(groups) == 1 {
			t.Group = groups[0]
		}
		return
	}
	t.GroupInfo.IsMultiGroup = true
	t.GroupInfo.MultiGroupList = groups
	t.GroupInfo.MultiGroupSize = len(groups)
	if t.GroupInfo.CurrentGroupIndex >= len(groups) {
		t.GroupInfo.CurrentGroupIndex = 0
	}
	t.Group = strings.Join(groups, ",")
}

// NormalizeLegacyGroup 将逗号分隔的旧 group 升级为多分组结构，返回是否发生变化
func (t *Token) NormalizeLegacyGroup() bool {
	if t.GroupInfo.IsMultiGroup || !strings.Contains(t.Group, ",") {
		return false
	}
	groups := splitGroups(t.Group)
	if slices.Contains(groups, AutoGroup) {
		// auto 与多分组互斥，迁移时剔除
		groups = slices.DeleteFunc(groups, func(g string) bool { return g == AutoGroup })
	}
	t.SetGroups(groups)
	return true
}

// CheckUsable 检查令牌状态、有效期和额度
func (t *Token) CheckUsable(now time.Time) error {
	switch {
	case t.Status == TokenStatusDisabled:
		return ErrTokenDisabled
	case t.Status == TokenStatusExpired || t.IsExpired(now):
		return ErrTokenExpired
	case t.Status == TokenStatusExhausted || !t.HasQuota():
		return ErrTokenExhausted
	}
	return nil
}

func (t *Token) IsExpired(now time.Time) bool {
	return t.ExpiredTime != -1 && t.ExpiredTime != 0 && t.ExpiredTime < now.Unix()
}

func (t *Token) HasQuota() bool {
	return t.UnlimitedQuota || t.RemainQuota > 0
}

// AllowsModel 未启用模型限制或列表为空时允许全部模型
func (t *Token) AllowsModel(name string) bool {
	if !t.ModelLimitsEnabled || len(t.ModelLimits) == 0 {
		return true
	}
	return slices.Contains(t.ModelLimits, name)
}

// AllowsIP 支持单个IP和CIDR，列表为空时不限制
func (t *Token) AllowsIP(ip string) bool {
	if len(t.AllowIPs) == 0 {
		return true
	}
	addr := net.ParseIP(strings.TrimSpace(ip))
	if addr == nil {
		return false
	}
	for _, entry := range t.AllowIPs {
		entry = strings.TrimSpace(entry)
		if strings.Contains(entry, "/") {
			if _, cidr, err := net.ParseCIDR(entry); err == nil && cidr.Contains(addr) {
				return true
			}
			continue
		}
		if allowed := net.ParseIP(entry); allowed != nil && allowed.Equal(addr) {
			return true
		}
	}
	return false
}

// MaskedKey 日志和管理接口中展示的脱敏 key
func (t *Token) MaskedKey() string {
	if len(t.Key) <= 8 {
		return "****"
	}
	return t.Key[:4] + "****" + t.Key[len(t.Key)-4:]
}

// DedupGroups 去除空白和重复分组，保留首次出现的顺序
func DedupGroups(groups []string) []string {
	seen := make(map[string]struct{}, len(groups))
	out := make([]string, 0, len(groups))
	for _, g := range groups {
		g = strings.TrimSpace(g)
		if g == "" {
			continue
		}
		if _, ok := seen[g]; ok {
			continue
		}
		seen[g] = struct{}{}
		out = append(out, g)
	}
	return out
}

func splitGroups(s string) []string {
	return DedupGroups(strings.Split(s, ","))
}
