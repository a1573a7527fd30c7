package middleware

import (
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// highMemoryMB 超过该值记录告警
const highMemoryMB = 1536

// MemoryStats 内存统计
type MemoryStats struct {
	Alloc      uint64 `json:"alloc"`       // 当前分配的内存 (字节)
	TotalAlloc uint64 `json:"total_alloc"` // 累计分配的内存
	Sys        uint64 `json:"sys"`         // 从系统获取的内存
	NumGC      uint32 `json:"num_gc"`
	Goroutines int    `json:"goroutines"`
	AllocMB    uint64 `json:"alloc_mb"`
	SysMB      uint64 `json:"sys_mb"`
}

// Collector 每个周期调用一次，用于刷新外部 gauge
type Collector func()

// RuntimeMonitor 周期性采集运行时统计并写入 Prometheus
type RuntimeMonitor struct {
	logger     *logrus.Logger
	metrics    *PrometheusMetrics
	interval   time.Duration
	collectors []Collector

	mutex    sync.RWMutex
	stats    MemoryStats
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewRuntimeMonitor 创建运行时监控器
func NewRuntimeMonitor(logger *logrus.Logger, metrics *PrometheusMetrics, interval time.Duration, collectors ...Collector) *RuntimeMonitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &RuntimeMonitor{
		logger:     logger,
		metrics:    metrics,
		interval:   interval,
		collectors: collectors,
		stopChan:   make(chan struct{}),
	}
}

// Start 启动监控
func (m *RuntimeMonitor) Start() {
	m.Collect()
	go m.loop()
}

// Stop 停止监控
func (m *RuntimeMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
}

func (m *RuntimeMonitor) loop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.Collect()
		}
	}
}

// Collect 采集一次
func (m *RuntimeMonitor) Collect() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	stats := MemoryStats{
		Alloc:      ms.Alloc,
		TotalAlloc: ms.TotalAlloc,
		Sys:        ms.Sys,
		NumGC:      ms.NumGC,
		Goroutines: runtime.NumGoroutine(),
		AllocMB:    ms.Alloc / 1024 / 1024,
		SysMB:      ms.Sys / 1024 / 1024,
	}

	m.mutex.Lock()
	m.stats = stats
	m.mutex.Unlock()

	m.metrics.UpdateMemoryStats(stats)
	for _, collect := range m.collectors {
		collect()
	}

	if stats.AllocMB > highMemoryMB {
		m.logger.WithFields(logrus.Fields{
			"alloc_mb":   stats.AllocMB,
			"sys_mb":     stats.SysMB,
			"goroutines": stats.Goroutines,
		}).Warn("High memory usage detected")
	}
}

// Stats 最近一次采集结果
func (m *RuntimeMonitor) Stats() MemoryStats {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.stats
}

// StatsHandler 运行时统计端点
func (m *RuntimeMonitor) StatsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"memory": m.Stats()})
	}
}
