package handlers

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestBroadcasterPublishToSubscribers(t *testing.T) {
	b := NewEventBroadcaster()
	ch1 := b.subscribe()
	ch2 := b.subscribe()
	defer b.unsubscribe(ch1)
	defer b.unsubscribe(ch2)

	if b.ClientCount() != 2 {
		t.Fatalf("订阅者数量应为2，实际 %d", b.ClientCount())
	}

	b.Publish("download:active-count", map[string]int{"count": 3})

	for _, ch := range []chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Name != "download:active-count" {
				t.Errorf("事件名不符: %s", ev.Name)
			}
		default:
			t.Fatal("订阅者未收到事件")
		}
	}
}

func TestBroadcasterDropsOldestWhenFull(t *testing.T) {
	b := NewEventBroadcaster()
	ch := b.subscribe()
	defer b.unsubscribe(ch)

	// 填满缓冲后继续发布，最旧的事件被挤出
	for i := 0; i < clientBufferSize+5; i++ {
		b.Publish("tick", i)
	}

	if len(ch) != clientBufferSize {
		t.Fatalf("缓冲应为满，实际 %d", len(ch))
	}
	first := <-ch
	if first.Payload.(int) != 5 {
		t.Errorf("最旧的5条应被丢弃，队首为 %v", first.Payload)
	}
}

func TestBroadcasterUnsubscribe(t *testing.T) {
	b := NewEventBroadcaster()
	ch := b.subscribe()
	b.unsubscribe(ch)

	if b.ClientCount() != 0 {
		t.Errorf("退订后订阅者数量应为0，实际 %d", b.ClientCount())
	}
	b.Publish("tick", nil)
	if len(ch) != 0 {
		t.Error("退订后不应再收到事件")
	}
}

func TestStreamDeliversSSE(t *testing.T) {
	gin.SetMode(gin.TestMode)
	b := NewEventBroadcaster()

	router := gin.New()
	router.GET("/events", b.Stream)
	srv := httptest.NewServer(router)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("Content-Type应为text/event-stream，实际 %s", ct)
	}

	// 等待订阅注册后推送一条事件
	deadline := time.Now().Add(2 * time.Second)
	for b.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("订阅未注册")
		}
		time.Sleep(10 * time.Millisecond)
	}
	b.Publish("download:status-update", map[string]string{"status": "idle"})

	reader := bufio.NewReader(resp.Body)
	var sawEvent, sawData bool
	for !sawEvent || !sawData {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("读取事件流失败: %v", err)
		}
		if strings.HasPrefix(line, "event:") && strings.Contains(line, "download:status-update") {
			sawEvent = true
		}
		if strings.HasPrefix(line, "data:") && strings.Contains(line, "idle") {
			sawData = true
		}
	}
}
