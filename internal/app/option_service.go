package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pipiwei123/ppwapi/internal/config"
	"github.com/pipiwei123/ppwapi/internal/model"

	"github.com/sirupsen/logrus"
)

// ErrUnknownOption 不支持的配置项
var ErrUnknownOption = errors.New("unknown option")

// deepSeekModelPrefix 模型名（不区分大小写）以此开头时使用 deepseek 默认策略
const deepSeekModelPrefix = "deepseek"

var optionKeys = []string{config.OptionChannelTimeoutConfig, config.OptionDeepSeekTimeoutConfig}

type optionSnapshot struct {
	raw      map[string]string
	channel  model.ChannelTimeoutConfig
	deepSeek *model.ChannelTimeoutPolicy
}

// OptionService 超时熔断配置。读路径无锁（atomic 快照），写入顺序为 解析 → 校验 → 持久化 → 替换，
// 任一步失败时旧配置保持生效。
type OptionService struct {
	config *ConfigService
	mu     sync.Mutex // 串行化写入
	snap   atomic.Pointer[optionSnapshot]
}

func NewOptionService(cs *ConfigService) *OptionService {
	s := &OptionService{config: cs}
	s.snap.Store(&optionSnapshot{raw: map[string]string{}, channel: model.ChannelTimeoutConfig{}})
	return s
}

// Keys 支持的配置项
func (s *OptionService) Keys() []string {
	return slices.Clone(optionKeys)
}

// Load 从 ConfigService 缓存构建快照；库中的非法值记 WARN 后按空配置处理
func (s *OptionService) Load() {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := &optionSnapshot{raw: map[string]string{}, channel: model.ChannelTimeoutConfig{}}
	for _, key := range optionKeys {
		raw := strings.TrimSpace(s.config.GetString(key, ""))
		if err := next.apply(key, raw); err != nil {
			logrus.WithError(err).WithField("key", key).Warn("忽略数据库中无效的超时熔断配置")
			continue
		}
	}
	s.snap.Store(next)
}

func (snap *optionSnapshot) apply(key, raw string) error {
	switch key {
	case config.OptionChannelTimeoutConfig:
		cfg, err := model.ParseChannelTimeoutConfig(raw)
		if err != nil {
			return err
		}
		snap.channel = cfg
	case config.OptionDeepSeekTimeoutConfig:
		p, err := model.ParseTimeoutPolicy(raw)
		if err != nil {
			return err
		}
		snap.deepSeek = p
	default:
		return fmt.Errorf("%w: %s", ErrUnknownOption, key)
	}
	snap.raw[key] = raw
	return nil
}

func (snap *optionSnapshot) clone() *optionSnapshot {
	raw := make(map[string]string, len(snap.raw))
	for k, v := range snap.raw {
		raw[k] = v
	}
	return &optionSnapshot{raw: raw, channel: snap.channel, deepSeek: snap.deepSeek}
}

// Get 当前生效的原始 JSON
func (s *OptionService) Get(key string) (string, error) {
	if !slices.Contains(optionKeys, key) {
		return "", fmt.Errorf("%w: %s", ErrUnknownOption, key)
	}
	return s.snap.Load().raw[key], nil
}

// Update 保存配置项。与当前值相同时不写库也不替换快照，返回 changed=false。
func (s *OptionService) Update(ctx context.Context, key, raw string) (bool, error) {
	if !slices.Contains(optionKeys, key) {
		return false, fmt.Errorf("%w: %s", ErrUnknownOption, key)
	}
	raw = strings.TrimSpace(raw)

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snap.Load()
	if cur.raw[key] == raw {
		return false, nil
	}
	next := cur.clone()
	if err := next.apply(key, raw); err != nil {
		return false, err
	}
	if err := s.config.UpdateSetting(ctx, key, raw); err != nil {
		return false, fmt.Errorf("persist option %s: %w", key, err)
	}
	s.snap.Store(next)

	logrus.WithFields(logrus.Fields{
		"key":    key,
		"models": len(next.channel),
	}).Info("超时熔断配置已更新")
	return true, nil
}

// TimeoutPolicy 实现 cooldown.PolicySource：先查 (model, channel) 专属策略，
// 再对 deepseek 系列模型回退到默认策略
func (s *OptionService) TimeoutPolicy(modelName string, channelID int64) (model.ChannelTimeoutPolicy, bool) {
	snap := s.snap.Load()
	if p, ok := snap.channel.Lookup(modelName, channelID); ok {
		return p, true
	}
	if snap.deepSeek != nil && strings.HasPrefix(strings.ToLower(modelName), deepSeekModelPrefix) {
		return *snap.deepSeek, true
	}
	return model.ChannelTimeoutPolicy{}, false
}
