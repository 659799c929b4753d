package metrics

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"tradelink/logger"
)

// SystemMetricsCollector 系统指标采集器
// 周期性采集进程 CPU/内存和 Go 运行时指标
type SystemMetricsCollector struct {
	pm       *PrometheusMetrics
	interval time.Duration
	proc     *process.Process
	ctx      context.Context
	cancel   context.CancelFunc

	// CPU/内存超过阈值时回调（用于发布告警事件），可为 nil
	OnCPUHigh    func(percent, threshold float64)
	OnMemoryHigh func(percent, threshold float64)
	CPUThreshold float64
	MemThreshold float64
}

// NewSystemMetricsCollector 创建系统指标采集器
func NewSystemMetricsCollector(interval time.Duration) *SystemMetricsCollector {
	ctx, cancel := context.WithCancel(context.Background())

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn("⚠️ 获取进程句柄失败: %v", err)
	}

	return &SystemMetricsCollector{
		pm:           GetPrometheusMetrics(),
		interval:     interval,
		proc:         proc,
		ctx:          ctx,
		cancel:       cancel,
		CPUThreshold: 90,
		MemThreshold: 90,
	}
}

// Start 启动采集
func (smc *SystemMetricsCollector) Start() {
	go smc.collectLoop()
}

// Stop 停止采集
func (smc *SystemMetricsCollector) Stop() {
	if smc.cancel != nil {
		smc.cancel()
	}
}

// collectLoop 采集循环
func (smc *SystemMetricsCollector) collectLoop() {
	ticker := time.NewTicker(smc.interval)
	defer ticker.Stop()

	// 立即采集一次
	smc.collect()

	for {
		select {
		case <-smc.ctx.Done():
			return
		case <-ticker.C:
			smc.collect()
		}
	}
}

// collect 采集系统指标
func (smc *SystemMetricsCollector) collect() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	smc.pm.SetGoroutineCount(runtime.NumGoroutine())
	smc.pm.SetMemoryAlloc(m.Alloc)

	if smc.proc == nil {
		return
	}

	if cpuPercent, err := smc.proc.CPUPercent(); err == nil {
		smc.pm.SetProcessCPU(cpuPercent)
		if smc.OnCPUHigh != nil && cpuPercent >= smc.CPUThreshold {
			smc.OnCPUHigh(cpuPercent, smc.CPUThreshold)
		}
	}

	memInfo, err := smc.proc.MemoryInfo()
	if err != nil {
		return
	}
	smc.pm.SetProcessMemoryMB(float64(memInfo.RSS) / 1024 / 1024)

	if memStat, err := mem.VirtualMemory(); err == nil && memStat.Total > 0 {
		memoryPercent := (float64(memInfo.RSS) / float64(memStat.Total)) * 100
		if smc.OnMemoryHigh != nil && memoryPercent >= smc.MemThreshold {
			smc.OnMemoryHigh(memoryPercent, smc.MemThreshold)
		}
	}
}
