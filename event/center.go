package event

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"tradelink/database"
	"tradelink/logger"
)

// EventCenter 事件中心
// 从总线消费事件，持久化到 events 表，关键事件触发通知
type EventCenter struct {
	db       database.Database
	eventBus *EventBus
	notifier NotificationService
	config   *EventCenterConfig
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// EventCenterConfig 事件中心配置
type EventCenterConfig struct {
	Enabled         bool
	CleanupInterval int // 清理周期（小时）
	Retention       RetentionConfig
}

// RetentionConfig 保留策略配置
type RetentionConfig struct {
	CriticalDays     int
	WarningDays      int
	InfoDays         int
	CriticalMaxCount int
	WarningMaxCount  int
	InfoMaxCount     int
}

// NotificationService 通知服务接口
type NotificationService interface {
	Send(event *Event)
}

// NopNotifier 空通知实现
type NopNotifier struct{}

func (n *NopNotifier) Send(event *Event) {}

// NewEventCenter 创建事件中心
func NewEventCenter(db database.Database, eventBus *EventBus, notifier NotificationService, config *EventCenterConfig) *EventCenter {
	ctx, cancel := context.WithCancel(context.Background())

	if notifier == nil {
		notifier = &NopNotifier{}
	}

	return &EventCenter{
		db:       db,
		eventBus: eventBus,
		notifier: notifier,
		config:   config,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start 启动事件中心
func (ec *EventCenter) Start() error {
	if !ec.config.Enabled {
		logger.Info("⏸️ 事件中心未启用")
		return nil
	}

	logger.Info("🚀 启动事件中心...")

	ec.wg.Add(1)
	go ec.processEvents()

	ec.wg.Add(1)
	go ec.cleanupTask()

	logger.Info("✅ 事件中心已启动")
	return nil
}

// Stop 停止事件中心
func (ec *EventCenter) Stop() {
	logger.Info("🛑 停止事件中心...")
	ec.cancel()
	ec.wg.Wait()
	logger.Info("✅ 事件中心已停止")
}

// processEvents 处理事件
func (ec *EventCenter) processEvents() {
	defer ec.wg.Done()

	eventCh := ec.eventBus.Subscribe()

	for {
		select {
		case <-ec.ctx.Done():
			return
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			ec.handleEvent(event)
		}
	}
}

// handleEvent 处理单个事件
func (ec *EventCenter) handleEvent(event *Event) {
	if event == nil {
		return
	}

	severity := GetEventSeverity(event.Type)
	exchange := ec.extractString(event.Data, "exchange")
	symbol := ec.extractString(event.Data, "symbol")
	message := ec.buildMessage(event)

	detailsJSON, err := json.Marshal(event.Data)
	if err != nil {
		logger.Warn("⚠️ 序列化事件详情失败: %v", err)
		detailsJSON = []byte("{}")
	}

	record := &database.EventRecord{
		Type:      string(event.Type),
		Severity:  string(severity),
		Exchange:  exchange,
		Symbol:    symbol,
		Message:   message,
		Details:   string(detailsJSON),
		CreatedAt: event.Timestamp,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := ec.db.SaveEvent(ctx, record); err != nil {
		logger.Error("❌ 保存事件失败: %v", err)
		return
	}

	if ec.shouldNotify(event.Type, severity) {
		ec.notifier.Send(event)
	}
}

// extractString 从事件数据中提取字符串字段
func (ec *EventCenter) extractString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

// buildMessage 构建事件消息
func (ec *EventCenter) buildMessage(event *Event) string {
	switch event.Type {
	case EventTypeOrderPlaced, EventTypeOrderReplaced, EventTypeOrderFilled,
		EventTypeOrderCanceled, EventTypeOrderRejected:
		return ec.buildOrderMessage(event)
	case EventTypeWebSocketConnected, EventTypeWebSocketDisconnected, EventTypeWebSocketReconnected:
		return ec.buildWebSocketMessage(event)
	case EventTypeAPIRateLimited, EventTypeAPIRequestFailed, EventTypeAPIUnauthorized:
		return ec.buildAPIMessage(event)
	case EventTypeFatalAlert:
		return ec.buildFatalMessage(event)
	case EventTypeHistoryBackfill, EventTypeReconStarted, EventTypeReconCompleted:
		return ec.buildReconMessage(event)
	default:
		if msg, ok := event.Data["message"].(string); ok {
			return msg
		}
		if err, ok := event.Data["error"].(string); ok {
			return err
		}
		return fmt.Sprintf("事件类型: %s", event.Type)
	}
}

// buildOrderMessage 构建订单消息
func (ec *EventCenter) buildOrderMessage(event *Event) string {
	symbol := ec.extractString(event.Data, "symbol")
	side := ec.extractString(event.Data, "side")
	emi := ec.extractString(event.Data, "emi")
	clOrdID := ec.extractString(event.Data, "clordid")

	if emi != "" {
		return fmt.Sprintf("[%s] %s %s clOrdID=%s", emi, symbol, side, clOrdID)
	}
	return fmt.Sprintf("%s %s clOrdID=%s", symbol, side, clOrdID)
}

// buildWebSocketMessage 构建 WebSocket 消息
func (ec *EventCenter) buildWebSocketMessage(event *Event) string {
	exchange := ec.extractString(event.Data, "exchange")
	reason := ec.extractString(event.Data, "reason")

	if reason != "" {
		return fmt.Sprintf("%s WebSocket: %s", exchange, reason)
	}
	return fmt.Sprintf("%s WebSocket 连接状态变化", exchange)
}

// buildAPIMessage 构建 API 消息
func (ec *EventCenter) buildAPIMessage(event *Event) string {
	exchange := ec.extractString(event.Data, "exchange")
	endpoint := ec.extractString(event.Data, "endpoint")
	errorMsg := ec.extractString(event.Data, "error")

	if endpoint != "" {
		return fmt.Sprintf("%s API [%s]: %s", exchange, endpoint, errorMsg)
	}
	return fmt.Sprintf("%s API 错误: %s", exchange, errorMsg)
}

// buildFatalMessage 构建致命告警消息
func (ec *EventCenter) buildFatalMessage(event *Event) string {
	exchange := ec.extractString(event.Data, "exchange")
	level := ec.extractString(event.Data, "level")
	reason := ec.extractString(event.Data, "reason")

	return fmt.Sprintf("%s 告警级别升至 %s: %s", exchange, level, reason)
}

// buildReconMessage 构建对账消息
func (ec *EventCenter) buildReconMessage(event *Event) string {
	exchange := ec.extractString(event.Data, "exchange")
	if msg, ok := event.Data["message"].(string); ok {
		return fmt.Sprintf("%s 对账: %s", exchange, msg)
	}
	return fmt.Sprintf("%s 对账: %s", exchange, event.Type)
}

// shouldNotify 判断是否需要发送通知
func (ec *EventCenter) shouldNotify(eventType EventType, severity EventSeverity) bool {
	// Critical 级别的事件总是通知
	if severity == SeverityCritical {
		return true
	}

	// Warning 级别的某些重要事件需要通知
	if severity == SeverityWarning {
		switch eventType {
		case EventTypeAPIRateLimited, EventTypeOrderRejected:
			return true
		}
	}

	return false
}

// cleanupTask 清理任务
func (ec *EventCenter) cleanupTask() {
	defer ec.wg.Done()

	// 首次等待1小时后再开始清理
	timer := time.NewTimer(1 * time.Hour)
	defer timer.Stop()

	for {
		select {
		case <-ec.ctx.Done():
			return
		case <-timer.C:
			ec.performCleanup()
			timer.Reset(time.Duration(ec.config.CleanupInterval) * time.Hour)
		}
	}
}

// performCleanup 执行清理
func (ec *EventCenter) performCleanup() {
	logger.Info("🧹 开始清理旧事件...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	retention := []struct {
		severity string
		maxCount int
		maxDays  int
	}{
		{"critical", ec.config.Retention.CriticalMaxCount, ec.config.Retention.CriticalDays},
		{"warning", ec.config.Retention.WarningMaxCount, ec.config.Retention.WarningDays},
		{"info", ec.config.Retention.InfoMaxCount, ec.config.Retention.InfoDays},
	}

	for _, r := range retention {
		if err := ec.db.CleanupOldEvents(ctx, r.severity, r.maxCount, r.maxDays); err != nil {
			logger.Error("❌ 清理 %s 事件失败: %v", r.severity, err)
		}
	}

	logger.Info("✅ 事件清理完成")
}

// PublishEvent 发布事件（便捷方法）
func (ec *EventCenter) PublishEvent(eventType EventType, data map[string]interface{}) {
	event := &Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	ec.eventBus.Publish(event)
}
