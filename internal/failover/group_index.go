package failover

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// GroupIndexWriter 持久化 current_group_index
type GroupIndexWriter interface {
	UpdateTokenGroupIndex(ctx context.Context, tokenID int64, index int) error
}

type groupIndexUpdate struct {
	tokenID int64
	index   int
}

// GroupIndexRecorder 异步记录令牌最近命中的分组下标。
// 该值只用于观测：队列满时直接丢弃，永远不阻塞请求路径。
type GroupIndexRecorder struct {
	writer    GroupIndexWriter
	ch        chan groupIndexUpdate
	dropCount atomic.Int64
	mu        sync.RWMutex // 保护 ch 的关闭
	closed    bool
	done      chan struct{}
}

func NewGroupIndexRecorder(writer GroupIndexWriter, buffer int) *GroupIndexRecorder {
	if buffer <= 0 {
		buffer = 1
	}
	r := &GroupIndexRecorder{
		writer: writer,
		ch:     make(chan groupIndexUpdate, buffer),
		done:   make(chan struct{}),
	}
	go r.worker()
	return r
}

// Record 非阻塞入队
func (r *GroupIndexRecorder) Record(tokenID int64, index int) {
	if r == nil || tokenID <= 0 {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.ch <- groupIndexUpdate{tokenID: tokenID, index: index}:
	default:
		if n := r.dropCount.Add(1); n%100 == 1 {
			logrus.WithField("dropped", n).Warn("分组下标更新队列已满，丢弃更新")
		}
	}
}

// Dropped 累计丢弃数
func (r *GroupIndexRecorder) Dropped() int64 {
	return r.dropCount.Load()
}

func (r *GroupIndexRecorder) worker() {
	defer close(r.done)
	for upd := range r.ch {
		r.flush(upd)
	}
}

func (r *GroupIndexRecorder) flush(upd groupIndexUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := r.writer.UpdateTokenGroupIndex(ctx, upd.tokenID, upd.index); err != nil {
		logrus.WithError(err).WithField("token", upd.tokenID).Warn("更新 current_group_index 失败")
	}
}

// Close 停止接收并写完队列中剩余的更新，ctx 到期时不再等待
func (r *GroupIndexRecorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.ch)
	}
	r.mu.Unlock()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
