package event

import (
	"time"

	"tradelink/logger"
)

// EventType 事件类型
type EventType string

const (
	// 订单生命周期
	EventTypeOrderPlaced   EventType = "order_placed"
	EventTypeOrderReplaced EventType = "order_replaced"
	EventTypeOrderFilled   EventType = "order_filled"
	EventTypeOrderCanceled EventType = "order_canceled"
	EventTypeOrderRejected EventType = "order_rejected"
	EventTypeOrderUnknown  EventType = "order_unknown_outcome"

	// 行情与账本
	EventTypeTradeIngested    EventType = "trade_ingested"
	EventTypeInstrumentUpdate EventType = "instrument_update"
	EventTypeFundingIngested  EventType = "funding_ingested"

	// 连接状态
	EventTypeWebSocketConnected    EventType = "websocket_connected"
	EventTypeWebSocketDisconnected EventType = "websocket_disconnected"
	EventTypeWebSocketReconnected  EventType = "websocket_reconnected"

	// API 层
	EventTypeAPIRateLimited   EventType = "api_rate_limited"
	EventTypeAPIRequestFailed EventType = "api_request_failed"
	EventTypeAPIUnauthorized  EventType = "api_unauthorized"

	// 对账
	EventTypeReconStarted   EventType = "recon_started"
	EventTypeReconCompleted EventType = "recon_completed"
	EventTypeHistoryBackfill EventType = "history_backfill"

	// 系统
	EventTypeFatalAlert       EventType = "fatal_alert"
	EventTypeSystemStart      EventType = "system_start"
	EventTypeSystemStop       EventType = "system_stop"
	EventTypeSystemCPUHigh    EventType = "system_cpu_high"
	EventTypeSystemMemoryHigh EventType = "system_memory_high"
)

// EventSeverity 事件严重程度
type EventSeverity string

const (
	SeverityInfo     EventSeverity = "info"
	SeverityWarning  EventSeverity = "warning"
	SeverityCritical EventSeverity = "critical"
)

// GetEventSeverity 返回事件类型对应的严重程度
func GetEventSeverity(eventType EventType) EventSeverity {
	switch eventType {
	case EventTypeWebSocketDisconnected, EventTypeAPIUnauthorized,
		EventTypeFatalAlert, EventTypeOrderUnknown:
		return SeverityCritical
	case EventTypeAPIRateLimited, EventTypeAPIRequestFailed,
		EventTypeOrderRejected, EventTypeSystemCPUHigh, EventTypeSystemMemoryHigh:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// Event 事件结构
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]interface{}
}

// EventBus 事件总线
type EventBus struct {
	eventCh    chan *Event
	bufferSize int
}

// NewEventBus 创建事件总线
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 1000 // 默认1000
	}
	return &EventBus{
		eventCh:    make(chan *Event, bufferSize),
		bufferSize: bufferSize,
	}
}

// Publish 发布事件（非阻塞）
func (eb *EventBus) Publish(event *Event) {
	if event == nil {
		return
	}

	// 设置时间戳
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case eb.eventCh <- event:
		// 成功发布
	default:
		// Channel 满了，记录警告但不阻塞
		logger.Warn("⚠️ 事件队列已满，丢弃事件: %s", event.Type)
	}
}

// Subscribe 订阅事件（返回 channel）
func (eb *EventBus) Subscribe() <-chan *Event {
	return eb.eventCh
}

// Close 关闭事件总线
func (eb *EventBus) Close() {
	close(eb.eventCh)
}
