// Package failover 为令牌和模型选择分组与渠道，并在尝试失败时按顺序切换分组。
package failover

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"

	"github.com/pipiwei123/ppwapi/internal/config"
	"github.com/pipiwei123/ppwapi/internal/model"

	"github.com/sirupsen/logrus"
)

// ErrNoEligibleGroup 所有候选分组都没有可用渠道
var ErrNoEligibleGroup = errors.New("no eligible group")

// ChannelSource 列出服务 (model, group) 的已启用渠道
type ChannelSource interface {
	ChannelsFor(ctx context.Context, modelName, group string) ([]*model.Channel, error)
}

// Eligibility 渠道健康判断（cooldown.Tracker 实现）
type Eligibility interface {
	IsEligible(modelName string, channelID int64) bool
}

// GroupRegistry 分组注册表，nil 表示不校验
type GroupRegistry interface {
	HasGroup(name string) bool
	// SortedNames 按优先级排序的全部分组名，用于展开 auto
	SortedNames() []string
}

// Settings 运行时可调整的选择参数
type Settings interface {
	GetString(key, defaultValue string) string
	GetBool(key string, defaultValue bool) bool
}

// ExcludedGroups 本次逻辑请求中已失败的分组
type ExcludedGroups map[string]struct{}

func (e ExcludedGroups) Add(group string) { e[group] = struct{}{} }

func (e ExcludedGroups) Has(group string) bool {
	_, ok := e[group]
	return ok
}

// Selector 分组选择器
type Selector struct {
	channels ChannelSource
	health   Eligibility
	registry GroupRegistry
	settings Settings
}

func NewSelector(channels ChannelSource, health Eligibility, registry GroupRegistry, settings Settings) *Selector {
	return &Selector{channels: channels, health: health, registry: registry, settings: settings}
}

func (s *Selector) defaultGroup() string {
	if s.settings == nil {
		return config.DefaultGroup
	}
	if g := s.settings.GetString(config.SettingDefaultGroup, config.DefaultGroup); g != "" {
		return g
	}
	return config.DefaultGroup
}

// Candidates 去重后的有序候选分组。
// 单分组 auto 展开为注册表中按优先级排序的全部分组。
func (s *Selector) Candidates(token *model.Token) []string {
	b := token.Binding()
	if len(b.Groups) == 0 {
		return []string{s.defaultGroup()}
	}
	if b.Kind == model.SingleGroup && b.Groups[0] == model.AutoGroup && s.registry != nil {
		names := slices.DeleteFunc(s.registry.SortedNames(), func(n string) bool { return n == model.AutoGroup })
		if len(names) > 0 {
			return names
		}
		return []string{s.defaultGroup()}
	}
	return model.DedupGroups(b.Groups)
}

// SelectGroup 按顺序返回第一个存在可用渠道的候选分组。
// 未注册的分组被跳过（默认分组除外）；current_group_index 不参与选择。
func (s *Selector) SelectGroup(ctx context.Context, token *model.Token, modelName string, excluded ExcludedGroups) (string, error) {
	defaultGroup := s.defaultGroup()
	for _, group := range s.Candidates(token) {
		if excluded.Has(group) {
			continue
		}
		// 默认分组总是视为已注册
		if s.registry != nil && group != defaultGroup && !s.registry.HasGroup(group) {
			logrus.WithFields(logrus.Fields{
				"token": token.ID,
				"group": group,
			}).Debug("分组未注册，跳过")
			continue
		}
		channels, err := s.EligibleChannels(ctx, modelName, group)
		if err != nil {
			return "", err
		}
		if len(channels) > 0 {
			return group, nil
		}
	}
	return "", ErrNoEligibleGroup
}

// EligibleChannels 分组内当前可用的渠道，按优先级降序；
// 开启负载均衡时同优先级渠道随机打乱
func (s *Selector) EligibleChannels(ctx context.Context, modelName, group string) ([]*model.Channel, error) {
	channels, err := s.channels.ChannelsFor(ctx, modelName, group)
	if err != nil {
		return nil, fmt.Errorf("list channels for %s/%s: %w", modelName, group, err)
	}
	out := make([]*model.Channel, 0, len(channels))
	for _, ch := range channels {
		if !ch.Serves(modelName, group) {
			continue
		}
		if s.health != nil && !s.health.IsEligible(modelName, ch.ID) {
			continue
		}
		out = append(out, ch)
	}
	slices.SortStableFunc(out, func(a, b *model.Channel) int {
		return cmp.Compare(b.Priority, a.Priority)
	})
	if s.settings == nil || s.settings.GetBool(config.SettingChannelLoadBalance, true) {
		out = shuffleSamePriority(out)
	}
	return out, nil
}

// shuffleSamePriority 打乱相同优先级的相邻渠道，保持优先级顺序
func shuffleSamePriority(channels []*model.Channel) []*model.Channel {
	n := len(channels)
	if n <= 1 {
		return channels
	}
	start := 0
	for i := 1; i <= n; i++ {
		if i < n && channels[i].Priority == channels[start].Priority {
			continue
		}
		if i-start > 1 {
			run := channels[start:i]
			rand.Shuffle(len(run), func(a, b int) { run[a], run[b] = run[b], run[a] })
		}
		start = i
	}
	return channels
}
