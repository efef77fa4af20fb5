package ratelimit

import (
	"sync"
	"time"
)

// Throttle 前沿触发的节流器：窗口内首次调用立即执行，
// 窗口内的后续调用只保留最后一次，窗口结束时补发。
// 每个推送通道持有独立实例
type Throttle struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
	pending  func()
	timer    *time.Timer
}

// NewThrottle 创建指定窗口的节流器
func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{interval: interval}
}

// Do 提交一次调用。距上次执行超过窗口时立即执行，
// 否则记录为待补发，窗口结束时执行最后一次提交
func (t *Throttle) Do(fn func()) {
	t.mu.Lock()
	now := time.Now()
	if now.Sub(t.last) >= t.interval {
		t.last = now
		t.pending = nil
		if t.timer != nil {
			t.timer.Stop()
			t.timer = nil
		}
		t.mu.Unlock()
		fn()
		return
	}

	t.pending = fn
	if t.timer == nil {
		delay := t.interval - now.Sub(t.last)
		t.timer = time.AfterFunc(delay, t.fire)
	}
	t.mu.Unlock()
}

// fire 窗口结束时补发最后一次提交
func (t *Throttle) fire() {
	t.mu.Lock()
	fn := t.pending
	t.pending = nil
	t.timer = nil
	if fn != nil {
		t.last = time.Now()
	}
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Cancel 丢弃待补发的调用
func (t *Throttle) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = nil
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
