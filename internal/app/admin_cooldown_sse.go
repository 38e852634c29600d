package app

import (
	"time"

	"github.com/pipiwei123/ppwapi/internal/config"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
)

// HandleCooldownSSE 熔断事件实时推送
// GET /admin/cooldown/stream
func (s *Server) HandleCooldownSSE(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	w := c.Writer

	eventCh := s.cooldownService.Subscribe()
	defer s.cooldownService.Unsubscribe(eventCh)

	if _, err := w.WriteString("event: connected\ndata: {\"status\":\"connected\"}\n\n"); err != nil {
		return
	}
	w.Flush()

	// 心跳防止连接被中间代理超时断开
	heartbeat := time.NewTicker(config.SSEHeartbeatInterval)
	defer heartbeat.Stop()

	clientGone := c.Request.Context().Done()

	for {
		select {
		case <-clientGone:
			return
		case <-s.shutdownCh:
			_, _ = w.WriteString("event: close\ndata: {\"reason\":\"server_shutdown\"}\n\n")
			w.Flush()
			return
		case <-heartbeat.C:
			if _, err := w.WriteString(": heartbeat\n\n"); err != nil {
				return
			}
			w.Flush()
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			if err := writeSSECooldownEvent(w, event); err != nil {
				return
			}
			w.Flush()
		}
	}
}

func writeSSECooldownEvent(w gin.ResponseWriter, event *CooldownEvent) error {
	data, err := sonic.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := w.WriteString("event: " + event.Type + "\ndata: "); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err = w.WriteString("\n\n")
	return err
}
