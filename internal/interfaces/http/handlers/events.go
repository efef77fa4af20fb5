package handlers

import (
	"io"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/aikesi233/qzone-transfer/pkg/logger"
)

// 单个订阅者的事件缓冲，写满时丢弃旧事件
const clientBufferSize = 64

// Event 一条推送事件
type Event struct {
	Name    string
	Payload interface{}
}

// EventBroadcaster SSE事件广播器，实现services.EventSink。
// 推送器的所有通道汇聚到这里，经由一条事件流下发给前端
type EventBroadcaster struct {
	mu      sync.Mutex
	clients map[chan Event]struct{}
}

func NewEventBroadcaster() *EventBroadcaster {
	return &EventBroadcaster{clients: map[chan Event]struct{}{}}
}

// Publish 向所有订阅者广播，慢订阅者丢弃最旧的事件
func (b *EventBroadcaster) Publish(event string, payload interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.clients {
		select {
		case ch <- Event{event, payload}:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- Event{event, payload}:
			default:
			}
		}
	}
}

func (b *EventBroadcaster) subscribe() chan Event {
	ch := make(chan Event, clientBufferSize)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *EventBroadcaster) unsubscribe(ch chan Event) {
	b.mu.Lock()
	delete(b.clients, ch)
	b.mu.Unlock()
}

// ClientCount 当前订阅者数量
func (b *EventBroadcaster) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Stream SSE事件流端点
func (b *EventBroadcaster) Stream(c *gin.Context) {
	ch := b.subscribe()
	defer b.unsubscribe(ch)
	logger.Debug("事件流订阅", "clients", b.ClientCount())

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(ev.Name, ev.Payload)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
