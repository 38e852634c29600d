package app

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/pipiwei123/ppwapi/internal/model"
	"github.com/pipiwei123/ppwapi/internal/storage"

	"github.com/sirupsen/logrus"
)

// ConfigService system_settings 的内存缓存，读路径无数据库访问
type ConfigService struct {
	store storage.Store
	cache map[string]*model.SystemSetting
	mu    sync.RWMutex
}

func NewConfigService(store storage.Store) *ConfigService {
	return &ConfigService{
		store: store,
		cache: make(map[string]*model.SystemSetting),
	}
}

// Load 从数据库加载全部设置到内存，可重复调用
func (cs *ConfigService) Load(ctx context.Context) error {
	settings, err := cs.store.ListAllSettings(ctx)
	if err != nil {
		return fmt.Errorf("load settings from db: %w", err)
	}
	cache := make(map[string]*model.SystemSetting, len(settings))
	for _, s := range settings {
		cache[s.Key] = s
	}
	cs.mu.Lock()
	cs.cache = cache
	cs.mu.Unlock()

	logrus.WithField("count", len(settings)).Info("ConfigService 已加载系统设置")
	return nil
}

func (cs *ConfigService) GetInt(key string, defaultValue int) int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	if setting, ok := cs.cache[key]; ok {
		if intVal, err := strconv.Atoi(setting.Value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func (cs *ConfigService) GetBool(key string, defaultValue bool) bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	if setting, ok := cs.cache[key]; ok {
		switch setting.Value {
		case "true", "1":
			return true
		case "false", "0":
			return false
		}
	}
	return defaultValue
}

func (cs *ConfigService) GetString(key string, defaultValue string) string {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	if setting, ok := cs.cache[key]; ok {
		return setting.Value
	}
	return defaultValue
}

// GetDuration 时长配置(秒)
func (cs *ConfigService) GetDuration(key string, defaultValue time.Duration) time.Duration {
	seconds := cs.GetInt(key, int(defaultValue.Seconds()))
	return time.Duration(seconds) * time.Second
}

// GetIntMin 小于 min 时记录警告并返回 defaultValue
func (cs *ConfigService) GetIntMin(key string, defaultValue, min int) int {
	val := cs.GetInt(key, defaultValue)
	if val < min {
		logrus.Warnf("无效的 %s=%d（必须 >= %d），已使用默认值 %d", key, val, min, defaultValue)
		return defaultValue
	}
	return val
}

// GetDurationPositive 值 <= 0 时记录警告并返回 defaultValue
func (cs *ConfigService) GetDurationPositive(key string, defaultValue time.Duration) time.Duration {
	val := cs.GetDuration(key, defaultValue)
	if val <= 0 {
		logrus.Warnf("无效的 %s=%v（必须 > 0），已使用默认值 %v", key, val, defaultValue)
		return defaultValue
	}
	return val
}

// GetSetting 完整配置对象的副本
func (cs *ConfigService) GetSetting(key string) *model.SystemSetting {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	if s, ok := cs.cache[key]; ok {
		cp := *s
		return &cp
	}
	return nil
}

// UpdateSetting 写库并刷新缓存
func (cs *ConfigService) UpdateSetting(ctx context.Context, key, value string) error {
	if err := cs.store.UpdateSetting(ctx, key, value); err != nil {
		return err
	}
	updated, err := cs.store.GetSetting(ctx, key)
	if err != nil {
		return fmt.Errorf("reload setting %s: %w", key, err)
	}
	cs.mu.Lock()
	cs.cache[key] = updated
	cs.mu.Unlock()
	return nil
}

func (cs *ConfigService) ListAllSettings(ctx context.Context) ([]*model.SystemSetting, error) {
	return cs.store.ListAllSettings(ctx)
}

// BatchUpdateSettings 事务内批量更新后整体刷新缓存
func (cs *ConfigService) BatchUpdateSettings(ctx context.Context, updates map[string]string) error {
	if err := cs.store.BatchUpdateSettings(ctx, updates); err != nil {
		return err
	}
	return cs.Load(ctx)
}
