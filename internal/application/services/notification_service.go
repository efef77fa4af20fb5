package services

import (
	"fmt"
	"sync"

	"github.com/aikesi233/qzone-transfer/internal/domain/entities"
	"github.com/aikesi233/qzone-transfer/internal/infrastructure/config"
	"github.com/aikesi233/qzone-transfer/internal/infrastructure/telegram"
)

var queueNames = map[string]string{
	"download": "下载",
	"upload":   "上传",
}

// NotificationService 队列完成通知。作为事件出口的旁路观察者，
// 监听角标计数事件，队列从非空变空时向Telegram广播一条摘要
type NotificationService struct {
	cfg *config.TelegramConfig
	tg  *telegram.Client

	mu        sync.Mutex
	lastCount map[string]int
	stats     map[string]entities.Stats
}

func NewNotificationService(cfg *config.TelegramConfig, tg *telegram.Client) *NotificationService {
	return &NotificationService{
		cfg:       cfg,
		tg:        tg,
		lastCount: map[string]int{},
		stats:     map[string]entities.Stats{},
	}
}

// Publish 实现EventSink，旁路消费事件流
func (n *NotificationService) Publish(event string, payload interface{}) {
	if !n.cfg.Enabled || n.tg == nil {
		return
	}

	switch event {
	case "download:stats-update", "upload:stats-update":
		if stats, ok := payload.(entities.Stats); ok {
			n.mu.Lock()
			n.stats[prefixOf(event)] = stats
			n.mu.Unlock()
		}
	case "download:active-count", "upload:active-count":
		m, ok := payload.(map[string]interface{})
		if !ok {
			return
		}
		count, ok := m["count"].(int)
		if !ok {
			return
		}
		n.onCount(prefixOf(event), count)
	}
}

func prefixOf(event string) string {
	for i := 0; i < len(event); i++ {
		if event[i] == ':' {
			return event[:i]
		}
	}
	return event
}

func (n *NotificationService) onCount(prefix string, count int) {
	n.mu.Lock()
	last, seen := n.lastCount[prefix]
	n.lastCount[prefix] = count
	stats := n.stats[prefix]
	n.mu.Unlock()

	if !seen || last == 0 || count != 0 {
		return
	}

	name := queueNames[prefix]
	text := fmt.Sprintf("✅ %s队列已全部处理完成\n完成: %d  失败: %d",
		name, stats.Completed, stats.Error)
	go n.tg.Broadcast(text)
}
