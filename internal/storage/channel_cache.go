package storage

import (
	"context"
	"sync"
	"time"

	"github.com/pipiwei123/ppwapi/internal/model"

	"github.com/patrickmn/go-cache"
)

const enabledChannelsKey = "channels:enabled"

// ChannelLister 读取已启用渠道
type ChannelLister interface {
	ListEnabledChannels(ctx context.Context) ([]*model.Channel, error)
}

// ChannelCache 已启用渠道的 TTL 缓存，写渠道后调用 Invalidate
type ChannelCache struct {
	lister ChannelLister
	cache  *cache.Cache
	mu     sync.Mutex // 防止缓存失效时并发回源
}

func NewChannelCache(lister ChannelLister, ttl time.Duration) *ChannelCache {
	return &ChannelCache{
		lister: lister,
		cache:  cache.New(ttl, 2*ttl),
	}
}

// ChannelsFor 服务 (model, group) 的已启用渠道
func (c *ChannelCache) ChannelsFor(ctx context.Context, modelName, group string) ([]*model.Channel, error) {
	all, err := c.enabled(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Channel, 0, len(all))
	for _, ch := range all {
		if ch.Serves(modelName, group) {
			out = append(out, ch)
		}
	}
	return out, nil
}

func (c *ChannelCache) enabled(ctx context.Context) ([]*model.Channel, error) {
	if v, ok := c.cache.Get(enabledChannelsKey); ok {
		return v.([]*model.Channel), nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.cache.Get(enabledChannelsKey); ok {
		return v.([]*model.Channel), nil
	}
	channels, err := c.lister.ListEnabledChannels(ctx)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(enabledChannelsKey, channels)
	return channels, nil
}

// Invalidate 丢弃缓存，下次读取回源
func (c *ChannelCache) Invalidate() {
	c.cache.Delete(enabledChannelsKey)
}
