// Package dedup 合并并发的相同只读请求：同一个 key 同时只有一次实际调用，
// 所有等待者共享同一结果，调用结束后立即移除，失败不缓存。
package dedup

import (
	"context"
	"net/url"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// FetchOpts 单次调用选项
type FetchOpts struct {
	// DisableDuplicate 跳过合并，总是发起独立调用
	DisableDuplicate bool
}

// Cache 进行中请求的合并表
type Cache struct {
	group    singleflight.Group
	inflight atomic.Int64
	calls    atomic.Int64
}

func New() *Cache {
	return &Cache{}
}

// Fetch 若 key 已有进行中的调用则等待其结果，否则发起 perform。
// shared 表示结果被多个调用方共享。ctx 取消只释放当前等待者，不影响共享调用本身；
// perform 收到的 context 不随首个调用方取消。
func (c *Cache) Fetch(ctx context.Context, key string, perform func(ctx context.Context) (any, error), opts ...FetchOpts) (any, bool, error) {
	if len(opts) > 0 && opts[0].DisableDuplicate {
		c.calls.Add(1)
		v, err := perform(ctx)
		return v, false, err
	}

	callCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		c.calls.Add(1)
		c.inflight.Add(1)
		defer c.inflight.Add(-1)
		return perform(callCtx)
	})

	select {
	case res := <-ch:
		return res.Val, res.Shared, res.Err
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Inflight 当前正在执行的合并调用数
func (c *Cache) Inflight() int {
	return int(c.inflight.Load())
}

// Calls 累计实际发起的调用次数
func (c *Cache) Calls() int64 {
	return c.calls.Load()
}

// Key 由目标地址和参数生成稳定的键：参数按名称排序，同名参数保持原有顺序
func Key(target string, params url.Values) string {
	if len(params) == 0 {
		return target
	}
	// Encode 只按 key 排序，值的顺序有语义（如多次出现的排序字段）
	return target + "?" + params.Encode()
}

// KeyFromMap 便捷形式，等价于单值的 Key
func KeyFromMap(target string, params map[string]string) string {
	values := make(url.Values, len(params))
	for k, v := range params {
		values.Set(k, v)
	}
	return Key(target, values)
}
