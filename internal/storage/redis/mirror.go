// Package redis 把渠道熔断状态镜像到 Redis，进程重启后可恢复
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pipiwei123/ppwapi/internal/config"
	"github.com/pipiwei123/ppwapi/internal/cooldown"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Restorer 接收恢复的熔断状态（cooldown.Tracker 实现）
type Restorer interface {
	Restore(modelName string, channelID int64, until time.Time) bool
}

type mirrorOp struct {
	key   string
	until time.Time
	del   bool
}

// CooldownMirror 异步写入熔断截止时间；Redis 故障时只记 WARN，不影响选路
type CooldownMirror struct {
	client goredis.UniversalClient
	prefix string
	now    func() time.Time

	ops     chan mirrorOp
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	failed  atomic.Int64
}

// NewCooldownMirrorFromURL 解析 redis:// URL 创建镜像
func NewCooldownMirrorFromURL(rawURL, prefix string) (*CooldownMirror, error) {
	opts, err := goredis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewCooldownMirror(goredis.NewClient(opts), prefix), nil
}

func NewCooldownMirror(client goredis.UniversalClient, prefix string) *CooldownMirror {
	if prefix == "" {
		prefix = config.DefaultRedisPrefix
	}
	m := &CooldownMirror{
		client: client,
		prefix: prefix,
		now:    time.Now,
		ops:    make(chan mirrorOp, config.CooldownEventBufferSize),
		done:   make(chan struct{}),
	}
	go m.run()
	return m
}

// Key ppwapi:cooldown:<model>:<channel>
func (m *CooldownMirror) Key(modelName string, channelID int64) string {
	return m.prefix + modelName + ":" + strconv.FormatInt(channelID, 10)
}

// parseKey 模型名可能包含冒号，渠道ID取最后一段
func (m *CooldownMirror) parseKey(key string) (string, int64, bool) {
	rest, ok := strings.CutPrefix(key, m.prefix)
	if !ok {
		return "", 0, false
	}
	i := strings.LastIndexByte(rest, ':')
	if i <= 0 {
		return "", 0, false
	}
	id, err := strconv.ParseInt(rest[i+1:], 10, 64)
	if err != nil || id <= 0 {
		return "", 0, false
	}
	return rest[:i], id, true
}

// OnTrip 作为 Tracker 的熔断回调，不阻塞；队列满时丢弃
func (m *CooldownMirror) OnTrip(ev cooldown.TripEvent) {
	m.enqueue(mirrorOp{key: m.Key(ev.Model, ev.ChannelID), until: ev.Until})
}

// Forget 手动恢复后删除镜像
func (m *CooldownMirror) Forget(modelName string, channelID int64) {
	m.enqueue(mirrorOp{key: m.Key(modelName, channelID), del: true})
}

func (m *CooldownMirror) enqueue(op mirrorOp) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.ops <- op:
	default:
		m.dropped.Add(1)
	}
}

func (m *CooldownMirror) run() {
	defer close(m.done)
	for op := range m.ops {
		if err := m.apply(op); err != nil {
			m.failed.Add(1)
			logrus.WithError(err).WithField("key", op.key).Warn("熔断状态写入 Redis 失败，降级为仅内存")
		}
	}
}

func (m *CooldownMirror) apply(op mirrorOp) error {
	ctx, cancel := context.WithTimeout(context.Background(), config.RedisOperationTimeout)
	defer cancel()
	if op.del {
		return m.client.Del(ctx, op.key).Err()
	}
	ttl := op.until.Sub(m.now())
	if ttl <= 0 {
		return nil
	}
	return m.client.Set(ctx, op.key, strconv.FormatInt(op.until.UnixMilli(), 10), ttl).Err()
}

// ForgetChannel 删除渠道在所有模型上的镜像
func (m *CooldownMirror) ForgetChannel(ctx context.Context, channelID int64) error {
	keys, err := m.scan(ctx)
	if err != nil {
		return err
	}
	var del []string
	for _, k := range keys {
		if _, id, ok := m.parseKey(k); ok && id == channelID {
			del = append(del, k)
		}
	}
	if len(del) == 0 {
		return nil
	}
	return m.client.Del(ctx, del...).Err()
}

// Restore 启动时把仍未到期的熔断重新应用到 Tracker，返回恢复数量
func (m *CooldownMirror) Restore(ctx context.Context, r Restorer) (int, error) {
	keys, err := m.scan(ctx)
	if err != nil {
		return 0, err
	}
	restored := 0
	for _, key := range keys {
		modelName, channelID, ok := m.parseKey(key)
		if !ok {
			continue
		}
		raw, err := m.client.Get(ctx, key).Result()
		if errors.Is(err, goredis.Nil) {
			continue // 扫描后过期
		}
		if err != nil {
			return restored, fmt.Errorf("get %s: %w", key, err)
		}
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			logrus.WithField("key", key).Warn("忽略无法解析的熔断镜像")
			continue
		}
		if r.Restore(modelName, channelID, time.UnixMilli(ms)) {
			restored++
		}
	}
	if restored > 0 {
		logrus.WithField("count", restored).Info("已从 Redis 恢复渠道熔断状态")
	}
	return restored, nil
}

func (m *CooldownMirror) scan(ctx context.Context) ([]string, error) {
	var keys []string
	iter := m.client.Scan(ctx, 0, m.prefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s*: %w", m.prefix, err)
	}
	return keys, nil
}

func (m *CooldownMirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// Dropped 因队列满丢弃的写入数
func (m *CooldownMirror) Dropped() int64 { return m.dropped.Load() }

// Failed 写入失败数
func (m *CooldownMirror) Failed() int64 { return m.failed.Load() }

// Close 停止接收新写入，等待队列排空后关闭连接
func (m *CooldownMirror) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.ops)
	m.mu.Unlock()

	select {
	case <-m.done:
	case <-ctx.Done():
		logrus.Warn("Redis 熔断镜像未在超时前排空")
	}
	return m.client.Close()
}
