package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// REST 请求指标
	apiCallTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradelink_api_call_total",
			Help: "Total number of REST API calls",
		},
		[]string{"exchange", "endpoint", "status"},
	)

	apiCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tradelink_api_call_duration_seconds",
			Help:    "REST API call duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0},
		},
		[]string{"exchange", "endpoint"},
	)

	apiRetryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradelink_api_retry_total",
			Help: "Total number of REST API retries",
		},
		[]string{"exchange", "endpoint", "reason"},
	)

	apiRateLimitHit = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradelink_api_rate_limit_hit_total",
			Help: "Total number of API rate limit hits",
		},
		[]string{"exchange"},
	)

	// 告警级别指标
	fatalLevel = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tradelink_fatal_level",
			Help: "Current escalation level (0=none 1=warn 2=block 3=cancel 4=reconnect 5=shutdown)",
		},
		[]string{"exchange"},
	)

	// 订单指标
	orderTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradelink_order_total",
			Help: "Total number of order operations",
		},
		[]string{"exchange", "symbol", "side", "operation", "status"},
	)

	orderUnknownOutcome = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradelink_order_unknown_outcome_total",
			Help: "Mutating requests that timed out with unknown outcome",
		},
		[]string{"exchange", "endpoint"},
	)

	// WebSocket 指标
	websocketConnected = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tradelink_websocket_connected",
			Help: "WebSocket connection status (0=disconnected, 1=connected)",
		},
		[]string{"exchange", "stream_type"},
	)

	websocketReconnectCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradelink_websocket_reconnect_count_total",
			Help: "Total number of WebSocket reconnections",
		},
		[]string{"exchange", "stream_type"},
	)

	// 账本指标
	ledgerInsertTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradelink_ledger_insert_total",
			Help: "Total number of ledger rows inserted",
		},
		[]string{"exchange", "source"},
	)

	ledgerDuplicateTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradelink_ledger_duplicate_total",
			Help: "Total number of duplicate executions skipped by EXECID dedup",
		},
		[]string{"exchange", "source"},
	)

	// 对账指标
	reconciliationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tradelink_reconciliation_duration_seconds",
			Help:    "Reconciliation pass duration in seconds",
			Buckets: []float64{0.1, 0.5, 1.0, 5.0, 15.0, 30.0, 60.0, 120.0},
		},
		[]string{"exchange"},
	)

	reconciliationOrphans = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tradelink_reconciliation_orphans",
			Help: "Ledger positions without a matching robot definition",
		},
		[]string{"exchange"},
	)

	historyBackfillRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradelink_history_backfill_rows_total",
			Help: "Total number of history rows fetched during backfill",
		},
		[]string{"exchange"},
	)

	// 系统指标
	goroutineCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradelink_goroutine_count",
			Help: "Number of goroutines",
		},
	)

	memoryAllocBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradelink_memory_alloc_bytes",
			Help: "Bytes of allocated heap objects",
		},
	)

	processCPUPercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradelink_process_cpu_percent",
			Help: "Process CPU usage percentage",
		},
	)

	processMemoryMB = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradelink_process_memory_mb",
			Help: "Process resident memory in megabytes",
		},
	)
)

// PrometheusMetrics Prometheus 指标收集器
type PrometheusMetrics struct{}

// NewPrometheusMetrics 创建 Prometheus 指标收集器
func NewPrometheusMetrics() *PrometheusMetrics {
	return &PrometheusMetrics{}
}

// RecordAPICall 记录 API 调用
func (pm *PrometheusMetrics) RecordAPICall(exchange, endpoint, status string, duration time.Duration) {
	apiCallTotal.WithLabelValues(exchange, endpoint, status).Inc()
	apiCallDuration.WithLabelValues(exchange, endpoint).Observe(duration.Seconds())
}

// RecordAPIRetry 记录 API 重试
func (pm *PrometheusMetrics) RecordAPIRetry(exchange, endpoint, reason string) {
	apiRetryTotal.WithLabelValues(exchange, endpoint, reason).Inc()
}

// RecordAPIRateLimitHit 记录 API 限流
func (pm *PrometheusMetrics) RecordAPIRateLimitHit(exchange string) {
	apiRateLimitHit.WithLabelValues(exchange).Inc()
}

// SetFatalLevel 设置告警级别
func (pm *PrometheusMetrics) SetFatalLevel(exchange string, level int32) {
	fatalLevel.WithLabelValues(exchange).Set(float64(level))
}

// RecordOrder 记录订单操作
func (pm *PrometheusMetrics) RecordOrder(exchange, symbol, side, operation, status string) {
	orderTotal.WithLabelValues(exchange, symbol, side, operation, status).Inc()
}

// RecordOrderUnknownOutcome 记录结果未知的变更请求
func (pm *PrometheusMetrics) RecordOrderUnknownOutcome(exchange, endpoint string) {
	orderUnknownOutcome.WithLabelValues(exchange, endpoint).Inc()
}

// SetWebSocketStatus 设置 WebSocket 连接状态
func (pm *PrometheusMetrics) SetWebSocketStatus(exchange, streamType string, connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	websocketConnected.WithLabelValues(exchange, streamType).Set(value)
}

// RecordWebSocketReconnect 记录 WebSocket 重连
func (pm *PrometheusMetrics) RecordWebSocketReconnect(exchange, streamType string) {
	websocketReconnectCount.WithLabelValues(exchange, streamType).Inc()
}

// RecordLedgerInsert 记录账本插入
func (pm *PrometheusMetrics) RecordLedgerInsert(exchange, source string) {
	ledgerInsertTotal.WithLabelValues(exchange, source).Inc()
}

// RecordLedgerDuplicate 记录账本去重跳过
func (pm *PrometheusMetrics) RecordLedgerDuplicate(exchange, source string) {
	ledgerDuplicateTotal.WithLabelValues(exchange, source).Inc()
}

// RecordReconciliation 记录一次对账耗时
func (pm *PrometheusMetrics) RecordReconciliation(exchange string, duration time.Duration) {
	reconciliationDuration.WithLabelValues(exchange).Observe(duration.Seconds())
}

// SetReconciliationOrphans 设置孤儿持仓数量
func (pm *PrometheusMetrics) SetReconciliationOrphans(exchange string, count int) {
	reconciliationOrphans.WithLabelValues(exchange).Set(float64(count))
}

// RecordHistoryBackfill 记录历史回填行数
func (pm *PrometheusMetrics) RecordHistoryBackfill(exchange string, rows int) {
	historyBackfillRows.WithLabelValues(exchange).Add(float64(rows))
}

// SetGoroutineCount 设置 Goroutine 数量
func (pm *PrometheusMetrics) SetGoroutineCount(count int) {
	goroutineCount.Set(float64(count))
}

// SetMemoryAlloc 设置堆内存分配
func (pm *PrometheusMetrics) SetMemoryAlloc(bytes uint64) {
	memoryAllocBytes.Set(float64(bytes))
}

// SetProcessCPU 设置进程 CPU 占用
func (pm *PrometheusMetrics) SetProcessCPU(percent float64) {
	processCPUPercent.Set(percent)
}

// SetProcessMemoryMB 设置进程内存占用
func (pm *PrometheusMetrics) SetProcessMemoryMB(mb float64) {
	processMemoryMB.Set(mb)
}

// 全局实例
var globalPrometheusMetrics *PrometheusMetrics

// GetPrometheusMetrics 获取全局 Prometheus 指标收集器
func GetPrometheusMetrics() *PrometheusMetrics {
	once.Do(func() {
		globalPrometheusMetrics = NewPrometheusMetrics()
	})
	return globalPrometheusMetrics
}
