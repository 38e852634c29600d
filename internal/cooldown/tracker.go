// Package cooldown 跟踪 (model, channel) 的响应耗时，超阈值时临时熔断渠道。
//
// 熔断状态只保存一个 disabled_until 时间戳，恢复是惰性的：
// IsEligible 比较当前时间与该时间戳，不依赖任何定时器。
package cooldown

import (
	"cmp"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pipiwei123/ppwapi/internal/config"
	"github.com/pipiwei123/ppwapi/internal/model"

	"github.com/sirupsen/logrus"
)

// 熔断原因
const (
	ReasonFirstResponseTimeout = "first_response_timeout"
	ReasonTotalTimeout         = "total_timeout"
	ReasonCancelled            = "cancelled"
	ReasonAttemptTimeout       = "attempt_timeout"
	ReasonRestored             = "restored"
)

// PolicySource 提供 (model, channel) 的超时策略
type PolicySource interface {
	TimeoutPolicy(modelName string, channelID int64) (model.ChannelTimeoutPolicy, bool)
}

// TripEvent 渠道被熔断（或熔断被延长）
type TripEvent struct {
	Model     string    `json:"model"`
	ChannelID int64     `json:"channel_id"`
	Until     time.Time `json:"until"`
	Reason    string    `json:"reason"`
	FRTMs     int64     `json:"frt_ms"`
	TotalMs   int64     `json:"total_ms"`
	At        time.Time `json:"at"`
}

// TripCallback 在锁外同步调用，实现方不应阻塞
type TripCallback func(TripEvent)

// Snapshot 单个 (model, channel) 的只读健康视图
type Snapshot struct {
	Model            string     `json:"model"`
	ChannelID        int64      `json:"channel_id"`
	Eligible         bool       `json:"eligible"`
	DisabledUntil    *time.Time `json:"disabled_until,omitempty"`
	RemainingMs      int64      `json:"remaining_ms"`
	TripCount        int64      `json:"trip_count"`
	LastReason       string     `json:"last_reason,omitempty"`
	WindowRequests   int64      `json:"window_requests"`
	WindowViolations int64      `json:"window_violations"`
	AvgFRTMs         float64    `json:"avg_frt_ms"`
	AvgTotalMs       float64    `json:"avg_total_ms"`
}

type entryKey struct {
	model     string
	channelID int64
}

type entry struct {
	disabledUntil atomic.Int64 // UnixNano，0 表示从未熔断
	lastSeen      atomic.Int64 // UnixNano
	tripCount     atomic.Int64

	mu         sync.Mutex
	win        *window
	lastReason string
	removed    bool // 已被 CleanupIdle 移出 entries
}

// extend CAS 取较大值，返回是否实际更新
func (e *entry) extend(until int64) bool {
	for {
		cur := e.disabledUntil.Load()
		if cur >= until {
			return false
		}
		if e.disabledUntil.CompareAndSwap(cur, until) {
			return true
		}
	}
}

// Tracker 渠道健康跟踪器，热路径无全局锁
type Tracker struct {
	policies PolicySource
	now      func() time.Time
	entries  sync.Map // entryKey -> *entry

	callbacksMu sync.RWMutex
	callbacks   []TripCallback
}

type Option func(*Tracker)

// WithClock 注入时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func NewTracker(policies PolicySource, opts ...Option) *Tracker {
	t := &Tracker{policies: policies, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnTrip 注册熔断回调
func (t *Tracker) OnTrip(cb TripCallback) {
	t.callbacksMu.Lock()
	t.callbacks = append(t.callbacks, cb)
	t.callbacksMu.Unlock()
}

func (t *Tracker) policy(modelName string, channelID int64) (model.ChannelTimeoutPolicy, bool) {
	if t.policies == nil {
		return model.ChannelTimeoutPolicy{}, false
	}
	p, ok := t.policies.TimeoutPolicy(modelName, channelID)
	if !ok || !p.Enable {
		return model.ChannelTimeoutPolicy{}, false
	}
	return p, true
}

func (t *Tracker) entry(modelName string, channelID int64) *entry {
	key := entryKey{model: modelName, channelID: channelID}
	if v, ok := t.entries.Load(key); ok {
		return v.(*entry)
	}
	v, _ := t.entries.LoadOrStore(key, &entry{
		win: newWindow(config.MonitorBucketInterval, config.MonitorMaxBuckets),
	})
	return v.(*entry)
}

// acquire 返回仍在 entries 中的条目并持有其锁。
// 条目在取出后被 CleanupIdle 移除时重新获取，保证写入不会落在孤立条目上。
func (t *Tracker) acquire(modelName string, channelID int64) *entry {
	for {
		e := t.entry(modelName, channelID)
		e.mu.Lock()
		if !e.removed {
			return e
		}
		e.mu.Unlock()
	}
}

// RecordCompletion 记录一次完成的请求。frtMs < 0 表示没有首字时间。
// 无启用策略时不做任何事。
func (t *Tracker) RecordCompletion(modelName string, channelID int64, frtMs, totalMs int64) {
	p, ok := t.policy(modelName, channelID)
	if !ok {
		return
	}
	now := t.now()
	violated := p.Violates(frtMs, totalMs)

	e := t.acquire(modelName, channelID)
	e.lastSeen.Store(now.UnixNano())
	e.win.add(now, p.Window(), frtMs, totalMs, violated)
	if !violated {
		e.mu.Unlock()
		return
	}
	reason := ReasonTotalTimeout
	if frtMs >= 0 && frtMs > p.TimeoutFRTTimeMs {
		reason = ReasonFirstResponseTimeout
	}
	ev := TripEvent{
		Model:     modelName,
		ChannelID: channelID,
		Until:     now.Add(p.RecoveryDuration()),
		Reason:    reason,
		FRTMs:     frtMs,
		TotalMs:   totalMs,
		At:        now,
	}
	tripped := e.tripLocked(ev)
	e.mu.Unlock()
	if tripped {
		t.notify(ev)
	}
}

// RecordFailure 记录被取消或超时的尝试，不看阈值直接视为违规
func (t *Tracker) RecordFailure(modelName string, channelID int64, reason string) {
	p, ok := t.policy(modelName, channelID)
	if !ok {
		return
	}
	now := t.now()
	ev := TripEvent{
		Model:     modelName,
		ChannelID: channelID,
		Until:     now.Add(p.RecoveryDuration()),
		Reason:    reason,
		FRTMs:     -1,
		At:        now,
	}

	e := t.acquire(modelName, channelID)
	e.lastSeen.Store(now.UnixNano())
	e.win.add(now, p.Window(), -1, 0, true)
	tripped := e.tripLocked(ev)
	e.mu.Unlock()
	if tripped {
		t.notify(ev)
	}
}

// Restore 直接设置熔断截止时间（例如从 Redis 恢复），已过期的忽略
func (t *Tracker) Restore(modelName string, channelID int64, until time.Time) bool {
	now := t.now()
	if !until.After(now) {
		return false
	}
	e := t.acquire(modelName, channelID)
	defer e.mu.Unlock()
	e.lastSeen.Store(now.UnixNano())
	if !e.extend(until.UnixNano()) {
		return false
	}
	e.lastReason = ReasonRestored
	return true
}

// tripLocked 在持有 e.mu 时延长熔断；disabled_until 写入后 CleanupIdle 不会再移除该条目
func (e *entry) tripLocked(ev TripEvent) bool {
	if !e.extend(ev.Until.UnixNano()) {
		return false
	}
	e.tripCount.Add(1)
	e.lastReason = ev.Reason
	return true
}

// notify 记录日志并在锁外调用回调
func (t *Tracker) notify(ev TripEvent) {
	logrus.WithFields(logrus.Fields{
		"model":    ev.Model,
		"channel":  ev.ChannelID,
		"reason":   ev.Reason,
		"frt_ms":   ev.FRTMs,
		"total_ms": ev.TotalMs,
		"until":    ev.Until.Format(time.RFC3339),
	}).Warn("渠道超时熔断")

	t.callbacksMu.RLock()
	cbs := t.callbacks
	t.callbacksMu.RUnlock()
	for _, cb := range cbs {
		cb(ev)
	}
}

// IsEligible 无启用策略或已过 disabled_until 时可用；不阻塞
func (t *Tracker) IsEligible(modelName string, channelID int64) bool {
	if _, ok := t.policy(modelName, channelID); !ok {
		return true
	}
	v, ok := t.entries.Load(entryKey{model: modelName, channelID: channelID})
	if !ok {
		return true
	}
	return t.now().UnixNano() >= v.(*entry).disabledUntil.Load()
}

// DisabledUntil 返回当前熔断截止时间；未熔断或已恢复时 ok=false
func (t *Tracker) DisabledUntil(modelName string, channelID int64) (time.Time, bool) {
	v, ok := t.entries.Load(entryKey{model: modelName, channelID: channelID})
	if !ok {
		return time.Time{}, false
	}
	until := v.(*entry).disabledUntil.Load()
	if until == 0 || t.now().UnixNano() >= until {
		return time.Time{}, false
	}
	return time.Unix(0, until), true
}

// Reset 手动恢复 (model, channel)
func (t *Tracker) Reset(modelName string, channelID int64) bool {
	v, ok := t.entries.Load(entryKey{model: modelName, channelID: channelID})
	if !ok {
		return false
	}
	return v.(*entry).disabledUntil.Swap(0) > t.now().UnixNano()
}

// ResetChannel 手动恢复渠道在所有模型上的熔断，返回实际恢复的数量
func (t *Tracker) ResetChannel(channelID int64) int {
	now := t.now().UnixNano()
	n := 0
	t.entries.Range(func(k, v any) bool {
		if k.(entryKey).channelID != channelID {
			return true
		}
		if v.(*entry).disabledUntil.Swap(0) > now {
			n++
		}
		return true
	})
	return n
}

// Snapshot 按 model、channel 排序的健康快照
func (t *Tracker) Snapshot() []Snapshot {
	now := t.now()
	out := make([]Snapshot, 0)
	t.entries.Range(func(k, v any) bool {
		key := k.(entryKey)
		e := v.(*entry)
		s := Snapshot{
			Model:     key.model,
			ChannelID: key.channelID,
			Eligible:  true,
			TripCount: e.tripCount.Load(),
		}
		if until := e.disabledUntil.Load(); until > now.UnixNano() {
			ts := time.Unix(0, until)
			s.DisabledUntil = &ts
			s.RemainingMs = ts.Sub(now).Milliseconds()
			s.Eligible = !t.hasPolicy(key.model, key.channelID)
		}

		var span time.Duration
		if p, ok := t.policy(key.model, key.channelID); ok {
			span = p.Window()
		}
		e.mu.Lock()
		st := e.win.stats(now, span)
		s.LastReason = e.lastReason
		e.mu.Unlock()
		s.WindowRequests = st.requests
		s.WindowViolations = st.violations
		s.AvgFRTMs = st.avgFRTMs
		s.AvgTotalMs = st.avgTotalMs

		out = append(out, s)
		return true
	})
	slices.SortFunc(out, func(a, b Snapshot) int {
		return cmp.Or(cmp.Compare(a.Model, b.Model), cmp.Compare(a.ChannelID, b.ChannelID))
	})
	return out
}

func (t *Tracker) hasPolicy(modelName string, channelID int64) bool {
	_, ok := t.policy(modelName, channelID)
	return ok
}

// CleanupIdle 删除已恢复且超过 maxIdle 未活动的条目，返回删除数量
func (t *Tracker) CleanupIdle(maxIdle time.Duration) int {
	now := t.now().UnixNano()
	horizon := now - int64(maxIdle)
	n := 0
	t.entries.Range(func(k, v any) bool {
		e := v.(*entry)
		if e.disabledUntil.Load() > now || e.lastSeen.Load() > horizon {
			return true
		}
		// 加锁复查，与正在写入的 RecordCompletion/RecordFailure 互斥
		e.mu.Lock()
		if e.disabledUntil.Load() <= now && e.lastSeen.Load() <= horizon && !e.removed {
			e.removed = true
			t.entries.CompareAndDelete(k, v)
			n++
		}
		e.mu.Unlock()
		return true
	})
	if n > 0 {
		logrus.WithField("removed", n).Debug("清理空闲的渠道监控条目")
	}
	return n
}

// Len 当前跟踪的条目数
func (t *Tracker) Len() int {
	n := 0
	t.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
