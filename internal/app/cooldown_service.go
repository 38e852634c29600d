package app

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pipiwei123/ppwapi/internal/config"
	"github.com/pipiwei123/ppwapi/internal/cooldown"
)

// CooldownEvent 熔断事件（用于 SSE 推送）
type CooldownEvent struct {
	Type       string    `json:"type"` // "trip" 或 "reset"
	Model      string    `json:"model,omitempty"`
	ChannelID  int64     `json:"channel_id"`
	Reason     string    `json:"reason,omitempty"`
	FRTMs      int64     `json:"frt_ms,omitempty"`
	TotalMs    int64     `json:"total_ms,omitempty"`
	CooldownMs int64     `json:"cooldown_ms"` // 熔断时长（毫秒）
	Until      time.Time `json:"until"`
	Timestamp  int64     `json:"timestamp"` // 事件时间戳（毫秒）
}

// CooldownService 熔断事件广播服务
type CooldownService struct {
	subscribers   map[chan *CooldownEvent]struct{}
	subscribersMu sync.RWMutex
	dropCount     atomic.Uint64

	shutdownCh     chan struct{}
	isShuttingDown *atomic.Bool
}

func NewCooldownService(shutdownCh chan struct{}, isShuttingDown *atomic.Bool) *CooldownService {
	return &CooldownService{
		subscribers:    make(map[chan *CooldownEvent]struct{}),
		shutdownCh:     shutdownCh,
		isShuttingDown: isShuttingDown,
	}
}

func (s *CooldownService) Subscribe() chan *CooldownEvent {
	ch := make(chan *CooldownEvent, config.CooldownEventBufferSize)
	s.subscribersMu.Lock()
	s.subscribers[ch] = struct{}{}
	s.subscribersMu.Unlock()
	return ch
}

// Unsubscribe 取消订阅；Shutdown 已关闭的 channel 不再重复关闭
func (s *CooldownService) Unsubscribe(ch chan *CooldownEvent) {
	s.subscribersMu.Lock()
	defer s.subscribersMu.Unlock()
	if _, ok := s.subscribers[ch]; !ok {
		return
	}
	delete(s.subscribers, ch)
	close(ch)
}

// Broadcast 慢订阅者挤掉最旧事件，保持实时性
func (s *CooldownService) Broadcast(event *CooldownEvent) {
	if s.isShuttingDown.Load() {
		return
	}

	s.subscribersMu.RLock()
	defer s.subscribersMu.RUnlock()

	for ch := range s.subscribers {
		select {
		case ch <- event:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- event:
			default:
			}
			s.dropCount.Add(1)
		}
	}
}

// OnTrip 签名匹配 cooldown.TripCallback
func (s *CooldownService) OnTrip(ev cooldown.TripEvent) {
	s.Broadcast(&CooldownEvent{
		Type:       "trip",
		Model:      ev.Model,
		ChannelID:  ev.ChannelID,
		Reason:     ev.Reason,
		FRTMs:      ev.FRTMs,
		TotalMs:    ev.TotalMs,
		CooldownMs: ev.Until.Sub(ev.At).Milliseconds(),
		Until:      ev.Until,
		Timestamp:  ev.At.UnixMilli(),
	})
}

// BroadcastReset 手动恢复事件，modelName 为空表示渠道所有模型
func (s *CooldownService) BroadcastReset(modelName string, channelID int64) {
	s.Broadcast(&CooldownEvent{
		Type:      "reset",
		Model:     modelName,
		ChannelID: channelID,
		Timestamp: time.Now().UnixMilli(),
	})
}

// SubscriberCount 当前订阅者数量
func (s *CooldownService) SubscriberCount() int {
	s.subscribersMu.RLock()
	defer s.subscribersMu.RUnlock()
	return len(s.subscribers)
}

// Dropped 因慢订阅者丢弃的事件数
func (s *CooldownService) Dropped() uint64 {
	return s.dropCount.Load()
}

func (s *CooldownService) Shutdown() {
	s.subscribersMu.Lock()
	for ch := range s.subscribers {
		delete(s.subscribers, ch)
		close(ch)
	}
	s.subscribersMu.Unlock()
}
