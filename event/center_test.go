package event

import (
	"testing"
	"time"
)

func TestEventBusPublishNonBlocking(t *testing.T) {
	eventBus := NewEventBus(2)

	// 超出缓冲容量的发布不应阻塞
	for i := 0; i < 5; i++ {
		eventBus.Publish(&Event{Type: EventTypeTradeIngested, Data: map[string]interface{}{}})
	}

	// 只有前2个事件进入队列
	count := 0
	timeout := time.After(100 * time.Millisecond)
loop:
	for {
		select {
		case <-eventBus.Subscribe():
			count++
		case <-timeout:
			break loop
		}
	}
	if count != 2 {
		t.Errorf("缓冲区应只保留2个事件, 得到 %d", count)
	}
}

func TestEventSeverity(t *testing.T) {
	tests := []struct {
		eventType EventType
		expected  EventSeverity
	}{
		{EventTypeWebSocketDisconnected, SeverityCritical},
		{EventTypeFatalAlert, SeverityCritical},
		{EventTypeOrderUnknown, SeverityCritical},
		{EventTypeAPIRateLimited, SeverityWarning},
		{EventTypeOrderRejected, SeverityWarning},
		{EventTypeOrderPlaced, SeverityInfo},
		{EventTypeTradeIngested, SeverityInfo},
	}

	for _, tt := range tests {
		severity := GetEventSeverity(tt.eventType)
		if severity != tt.expected {
			t.Errorf("GetEventSeverity(%s) = %s, want %s", tt.eventType, severity, tt.expected)
		}
	}
}

func TestShouldNotify(t *testing.T) {
	ec := NewEventCenter(nil, NewEventBus(10), nil, &EventCenterConfig{Enabled: false})

	if !ec.shouldNotify(EventTypeFatalAlert, SeverityCritical) {
		t.Error("Critical 事件应触发通知")
	}
	if !ec.shouldNotify(EventTypeAPIRateLimited, SeverityWarning) {
		t.Error("限流事件应触发通知")
	}
	if ec.shouldNotify(EventTypeOrderPlaced, SeverityInfo) {
		t.Error("Info 事件不应触发通知")
	}
}

func TestPublishSetsTimestamp(t *testing.T) {
	eventBus := NewEventBus(1)
	eventBus.Publish(&Event{Type: EventTypeSystemStart, Data: map[string]interface{}{}})

	select {
	case ev := <-eventBus.Subscribe():
		if ev.Timestamp.IsZero() {
			t.Error("发布时应自动填充时间戳")
		}
	case <-time.After(time.Second):
		t.Fatal("未收到事件")
	}
}
