package model

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// UnboundedUseTime timeout_use_time 取该值时不检查总耗时
const UnboundedUseTime = -1

var ErrInvalidPolicy = errors.New("invalid timeout policy")

// ChannelTimeoutPolicy 渠道超时熔断策略
type ChannelTimeoutPolicy struct {
	Enable              bool  `json:"enable"`
	TimeoutWindow       int   `json:"timeout_window"`        // 统计窗口（秒）
	TimeoutFRTTimeMs    int64 `json:"timeout_frt_time_ms"`   // 首字时间阈值（毫秒）
	TimeoutUseTime      int64 `json:"timeout_use_time"`      // 总耗时阈值（毫秒），-1 不限
	DisableRecoveryTime int   `json:"disable_recovery_time"` // 熔断后恢复时间（秒）
}

func (p ChannelTimeoutPolicy) Validate() error {
	switch {
	case p.TimeoutWindow < 0:
		return fmt.Errorf("%w: timeout_window must be >= 0", ErrInvalidPolicy)
	case p.TimeoutFRTTimeMs < 0:
		return fmt.Errorf("%w: timeout_frt_time_ms must be >= 0", ErrInvalidPolicy)
	case p.TimeoutUseTime < UnboundedUseTime:
		return fmt.Errorf("%w: timeout_use_time must be >= 0 or -1", ErrInvalidPolicy)
	case p.DisableRecoveryTime < 0:
		return fmt.Errorf("%w: disable_recovery_time must be >= 0", ErrInvalidPolicy)
	case p.Enable && p.DisableRecoveryTime == 0:
		return fmt.Errorf("%w: disable_recovery_time must be > 0 when enabled", ErrInvalidPolicy)
	}
	return nil
}

// Violates 判断一次完成是否违反阈值。frtMs < 0 表示未观测到首字（非流式）。
func (p ChannelTimeoutPolicy) Violates(frtMs, totalMs int64) bool {
	if frtMs >= 0 && frtMs > p.TimeoutFRTTimeMs {
		return true
	}
	return p.TimeoutUseTime != UnboundedUseTime && totalMs > p.TimeoutUseTime
}

func (p ChannelTimeoutPolicy) RecoveryDuration() time.Duration {
	return time.Duration(p.DisableRecoveryTime) * time.Second
}

func (p ChannelTimeoutPolicy) Window() time.Duration {
	return time.Duration(p.TimeoutWindow) * time.Second
}

// ChannelTimeoutConfig model -> channelID(字符串) -> 策略
type ChannelTimeoutConfig map[string]map[string]ChannelTimeoutPolicy

func (c ChannelTimeoutConfig) Validate() error {
	for _, modelName := range slices.Sorted(maps.Keys(c)) {
		if strings.TrimSpace(modelName) == "" {
			return fmt.Errorf("%w: empty model name", ErrInvalidPolicy)
		}
		channels := c[modelName]
		for _, id := range slices.Sorted(maps.Keys(channels)) {
			if n, err := strconv.ParseInt(id, 10, 64); err != nil || n <= 0 {
				return fmt.Errorf("%w: model %q: channel id %q is not a positive integer", ErrInvalidPolicy, modelName, id)
			}
			if err := channels[id].Validate(); err != nil {
				return fmt.Errorf("model %q channel %s: %w", modelName, id, err)
			}
		}
	}
	return nil
}

// Lookup 查找 (model, channel) 的策略
func (c ChannelTimeoutConfig) Lookup(modelName string, channelID int64) (ChannelTimeoutPolicy, bool) {
	channels, ok := c[modelName]
	if !ok {
		return ChannelTimeoutPolicy{}, false
	}
	p, ok := channels[strconv.FormatInt(channelID, 10)]
	return p, ok
}

// ParseChannelTimeoutConfig 解析并校验；空串表示清空配置
func ParseChannelTimeoutConfig(raw string) (ChannelTimeoutConfig, error) {
	if strings.TrimSpace(raw) == "" {
		return ChannelTimeoutConfig{}, nil
	}
	var cfg ChannelTimeoutConfig
	if err := sonic.UnmarshalString(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	if cfg == nil {
		cfg = ChannelTimeoutConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseTimeoutPolicy 解析单个策略；空串返回 nil
func ParseTimeoutPolicy(raw string) (*ChannelTimeoutPolicy, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var p ChannelTimeoutPolicy
	if err := sonic.UnmarshalString(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
