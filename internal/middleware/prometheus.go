package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// 分析阶段
const (
	StageDecompile   = "decompile"
	StagePermissions = "permissions"
	StageObfuscation = "obfuscation"
	StageReport      = "report"
)

// PrometheusMetrics Prometheus 指标收集器，nil 接收者上的记录方法为空操作
type PrometheusMetrics struct {
	logger *logrus.Logger

	// HTTP 请求指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 分析指标
	analysesTotal       *prometheus.CounterVec
	analysesInProgress  prometheus.Gauge
	analysisDuration    *prometheus.HistogramVec
	stageDuration       *prometheus.HistogramVec
	obfuscationScore    prometheus.Histogram
	obfuscatedTotal     prometheus.Counter
	snippetsTotal       prometheus.Counter
	filesScannedTotal   prometheus.Counter
	securityScore       prometheus.Histogram
	dangerousPermsTotal prometheus.Counter

	// 系统指标
	memoryUsage     prometheus.Gauge
	goroutinesCount prometheus.Gauge
	gcCount         prometheus.Gauge

	// Worker Pool 与队列指标
	workerPoolSize      prometheus.Gauge
	workerPoolActive    prometheus.Gauge
	workerPoolQueueSize prometheus.Gauge
	queueDepth          prometheus.Gauge
	sessionsCached      prometheus.Gauge

	// 数据库指标
	dbConnectionsOpen  prometheus.Gauge
	dbConnectionsIdle  prometheus.Gauge
	dbConnectionsInUse prometheus.Gauge

	// 重试指标
	retryAttemptsTotal *prometheus.CounterVec
	retrySuccessTotal  *prometheus.CounterVec
}

// NewPrometheusMetrics 创建 Prometheus 指标收集器
func NewPrometheusMetrics(logger *logrus.Logger, namespace string) *PrometheusMetrics {
	if namespace == "" {
		namespace = "apk_security"
	}

	gauge := func(name, help string) prometheus.Gauge {
		return promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	}
	counter := func(name, help string) prometheus.Counter {
		return promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	}

	pm := &PrometheusMetrics{
		logger: logger,

		httpRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latencies in seconds",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 60},
			},
			[]string{"method", "path"},
		),

		analysesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "analyses_total",
				Help:      "Total number of APK analyses by status",
			},
			[]string{"status"}, // queued, started, completed, failed
		),
		analysesInProgress: gauge("analyses_in_progress", "Number of APK analyses currently running"),
		analysisDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "analysis_duration_seconds",
				Help:      "End-to-end APK analysis duration in seconds",
				Buckets:   []float64{5, 10, 30, 60, 120, 300, 600, 1200},
			},
			[]string{"status"},
		),
		stageDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of each analysis stage in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 600},
			},
			[]string{"stage"},
		),
		obfuscationScore: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "obfuscation_confidence",
			Help:      "Distribution of obfuscation confidence scores",
			Buckets:   prometheus.LinearBuckets(10, 10, 10),
		}),
		obfuscatedTotal:   counter("obfuscated_apks_total", "Total number of APKs judged obfuscated"),
		snippetsTotal:     counter("obfuscation_snippets_total", "Total number of evidence snippets collected"),
		filesScannedTotal: counter("files_scanned_total", "Total number of smali/java files scanned"),
		securityScore: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "security_score",
			Help:      "Distribution of APK security scores",
			Buckets:   prometheus.LinearBuckets(10, 10, 10),
		}),
		dangerousPermsTotal: counter("dangerous_permissions_total", "Total number of dangerous permissions requested"),

		memoryUsage:     gauge("memory_usage_bytes", "Current memory usage in bytes"),
		goroutinesCount: gauge("goroutines_count", "Current number of goroutines"),
		gcCount:         gauge("gc_count", "Number of completed GC cycles"),

		workerPoolSize:      gauge("worker_pool_size", "Total number of workers in the pool"),
		workerPoolActive:    gauge("worker_pool_active", "Number of active workers"),
		workerPoolQueueSize: gauge("worker_pool_queue_size", "Number of jobs waiting in the pool"),
		queueDepth:          gauge("queue_depth", "Number of messages waiting in the broker queue"),
		sessionsCached:      gauge("sessions_cached", "Number of analysis sessions held in memory"),

		dbConnectionsOpen:  gauge("db_connections_open", "Number of open database connections"),
		dbConnectionsIdle:  gauge("db_connections_idle", "Number of idle database connections"),
		dbConnectionsInUse: gauge("db_connections_in_use", "Number of database connections in use"),

		retryAttemptsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts",
			},
			[]string{"operation", "attempt"},
		),
		retrySuccessTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_success_total",
				Help:      "Total number of operations that succeeded after retrying",
			},
			[]string{"operation"},
		),
	}

	logger.Info("Prometheus metrics initialized")
	return pm
}

// HTTPMiddleware HTTP 请求监控中间件
func (pm *PrometheusMetrics) HTTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		pm.httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		pm.httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler 返回 Prometheus HTTP Handler
func (pm *PrometheusMetrics) Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordAnalysisQueued 记录分析入队
func (pm *PrometheusMetrics) RecordAnalysisQueued() {
	if pm == nil {
		return
	}
	pm.analysesTotal.WithLabelValues("queued").Inc()
}

// RecordAnalysisStarted 记录分析开始
func (pm *PrometheusMetrics) RecordAnalysisStarted() {
	if pm == nil {
		return
	}
	pm.analysesTotal.WithLabelValues("started").Inc()
	pm.analysesInProgress.Inc()
}

// RecordAnalysisCompleted 记录分析完成
func (pm *PrometheusMetrics) RecordAnalysisCompleted(duration time.Duration) {
	if pm == nil {
		return
	}
	pm.analysesTotal.WithLabelValues("completed").Inc()
	pm.analysesInProgress.Dec()
	pm.analysisDuration.WithLabelValues("completed").Observe(duration.Seconds())
}

// RecordAnalysisFailed 记录分析失败
func (pm *PrometheusMetrics) RecordAnalysisFailed(duration time.Duration) {
	if pm == nil {
		return
	}
	pm.analysesTotal.WithLabelValues("failed").Inc()
	pm.analysesInProgress.Dec()
	pm.analysisDuration.WithLabelValues("failed").Observe(duration.Seconds())
}

// RecordStage 记录单个阶段耗时
func (pm *PrometheusMetrics) RecordStage(stage string, duration time.Duration) {
	if pm == nil {
		return
	}
	pm.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordObfuscation 记录混淆检测结论
func (pm *PrometheusMetrics) RecordObfuscation(confidence int, obfuscated bool, snippets, files int) {
	if pm == nil {
		return
	}
	pm.obfuscationScore.Observe(float64(confidence))
	if obfuscated {
		pm.obfuscatedTotal.Inc()
	}
	pm.snippetsTotal.Add(float64(snippets))
	pm.filesScannedTotal.Add(float64(files))
}

// RecordSecurity 记录安全评分与危险权限数
func (pm *PrometheusMetrics) RecordSecurity(score, dangerous int) {
	if pm == nil {
		return
	}
	pm.securityScore.Observe(float64(score))
	pm.dangerousPermsTotal.Add(float64(dangerous))
}

// UpdateMemoryStats 更新内存统计
func (pm *PrometheusMetrics) UpdateMemoryStats(stats MemoryStats) {
	if pm == nil {
		return
	}
	pm.memoryUsage.Set(float64(stats.Alloc))
	pm.goroutinesCount.Set(float64(stats.Goroutines))
	pm.gcCount.Set(float64(stats.NumGC))
}

// UpdateWorkerPoolStats 更新 Worker Pool 统计
func (pm *PrometheusMetrics) UpdateWorkerPoolStats(size, active, queueSize int) {
	if pm == nil {
		return
	}
	pm.workerPoolSize.Set(float64(size))
	pm.workerPoolActive.Set(float64(active))
	pm.workerPoolQueueSize.Set(float64(queueSize))
}

// UpdateQueueDepth 更新消息队列积压数
func (pm *PrometheusMetrics) UpdateQueueDepth(depth int) {
	if pm == nil {
		return
	}
	pm.queueDepth.Set(float64(depth))
}

// UpdateSessionsCached 更新内存中的会话数
func (pm *PrometheusMetrics) UpdateSessionsCached(n int) {
	if pm == nil {
		return
	}
	pm.sessionsCached.Set(float64(n))
}

// UpdateDBStats 更新数据库连接统计
func (pm *PrometheusMetrics) UpdateDBStats(open, idle, inUse int) {
	if pm == nil {
		return
	}
	pm.dbConnectionsOpen.Set(float64(open))
	pm.dbConnectionsIdle.Set(float64(idle))
	pm.dbConnectionsInUse.Set(float64(inUse))
}

// RecordRetryAttempt 记录重试尝试
func (pm *PrometheusMetrics) RecordRetryAttempt(operation string, attempt int) {
	if pm == nil {
		return
	}
	pm.retryAttemptsTotal.WithLabelValues(operation, strconv.Itoa(attempt)).Inc()
}

// RecordRetrySuccess 记录重试后成功
func (pm *PrometheusMetrics) RecordRetrySuccess(operation string) {
	if pm == nil {
		return
	}
	pm.retrySuccessTotal.WithLabelValues(operation).Inc()
}
