package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

// setupTestMetrics 创建测试用的 Prometheus 指标收集器
func setupTestMetrics(t *testing.T) *PrometheusMetrics {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	// 使用唯一的 namespace 避免指标冲突
	namespace := "test_" + t.Name() + "_" + time.Now().Format("20060102150405999999999")
	return NewPrometheusMetrics(logger, namespace)
}

// TestHTTPMiddleware 测试 HTTP 中间件
func TestHTTPMiddleware(t *testing.T) {
	pm := setupTestMetrics(t)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(pm.HTTPMiddleware())
	router.GET("/api/summary/:id", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})

	for _, id := range []string{"a", "b"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", "/api/summary/"+id, nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	// 路由模板作为标签，避免高基数
	assert.Equal(t, 2.0, testutil.ToFloat64(pm.httpRequestsTotal.WithLabelValues("GET", "/api/summary/:id", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.httpRequestsTotal.WithLabelValues("GET", "unmatched", "404")))
}

// TestRecordAnalysisLifecycle 测试分析生命周期指标
func TestRecordAnalysisLifecycle(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.RecordAnalysisQueued()
	pm.RecordAnalysisStarted()
	pm.RecordAnalysisStarted()
	assert.Equal(t, 2.0, testutil.ToFloat64(pm.analysesInProgress))

	pm.RecordAnalysisCompleted(90 * time.Second)
	pm.RecordAnalysisFailed(5 * time.Second)

	assert.Equal(t, 0.0, testutil.ToFloat64(pm.analysesInProgress))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.analysesTotal.WithLabelValues("queued")))
	assert.Equal(t, 2.0, testutil.ToFloat64(pm.analysesTotal.WithLabelValues("started")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.analysesTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.analysesTotal.WithLabelValues("failed")))
	assert.Equal(t, 2, testutil.CollectAndCount(pm.analysisDuration))
}

// TestRecordStageAndResults 测试阶段与结论指标
func TestRecordStageAndResults(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.RecordStage(StageDecompile, 30*time.Second)
	pm.RecordStage(StageObfuscation, 2*time.Second)
	assert.Equal(t, 2, testutil.CollectAndCount(pm.stageDuration))

	pm.RecordObfuscation(85, true, 120, 900)
	pm.RecordObfuscation(10, false, 3, 50)
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.obfuscatedTotal))
	assert.Equal(t, 123.0, testutil.ToFloat64(pm.snippetsTotal))
	assert.Equal(t, 950.0, testutil.ToFloat64(pm.filesScannedTotal))

	pm.RecordSecurity(55, 4)
	assert.Equal(t, 4.0, testutil.ToFloat64(pm.dangerousPermsTotal))
}

// TestUpdateGauges 测试各类 gauge
func TestUpdateGauges(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.UpdateMemoryStats(MemoryStats{Alloc: 100 * 1024 * 1024, NumGC: 10, Goroutines: 50})
	assert.Equal(t, float64(100*1024*1024), testutil.ToFloat64(pm.memoryUsage))
	assert.Equal(t, 50.0, testutil.ToFloat64(pm.goroutinesCount))
	assert.Equal(t, 10.0, testutil.ToFloat64(pm.gcCount))

	pm.UpdateWorkerPoolStats(8, 5, 12)
	assert.Equal(t, 8.0, testutil.ToFloat64(pm.workerPoolSize))
	assert.Equal(t, 5.0, testutil.ToFloat64(pm.workerPoolActive))
	assert.Equal(t, 12.0, testutil.ToFloat64(pm.workerPoolQueueSize))

	pm.UpdateDBStats(10, 4, 6)
	assert.Equal(t, 6.0, testutil.ToFloat64(pm.dbConnectionsInUse))

	pm.UpdateQueueDepth(7)
	pm.UpdateSessionsCached(3)
	assert.Equal(t, 7.0, testutil.ToFloat64(pm.queueDepth))
	assert.Equal(t, 3.0, testutil.ToFloat64(pm.sessionsCached))
}

// TestRecordRetryMetrics 测试重试指标
func TestRecordRetryMetrics(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.RecordRetryAttempt("decompile", 1)
	pm.RecordRetryAttempt("decompile", 2)
	pm.RecordRetrySuccess("decompile")

	assert.Equal(t, 1.0, testutil.ToFloat64(pm.retryAttemptsTotal.WithLabelValues("decompile", "2")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.retrySuccessTotal.WithLabelValues("decompile")))
}

// TestNilMetrics 测试 nil 收集器不 panic
func TestNilMetrics(t *testing.T) {
	var pm *PrometheusMetrics
	assert.NotPanics(t, func() {
		pm.RecordAnalysisStarted()
		pm.RecordAnalysisCompleted(time.Second)
		pm.RecordStage(StageReport, time.Second)
		pm.RecordObfuscation(1, false, 1, 1)
		pm.RecordSecurity(90, 0)
		pm.UpdateSessionsCached(1)
		pm.RecordRetryAttempt("decompile", 1)
	})
}

// TestConcurrentMetrics 测试并发指标记录
func TestConcurrentMetrics(t *testing.T) {
	pm := setupTestMetrics(t)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				pm.RecordAnalysisQueued()
				pm.RecordObfuscation(50, false, 1, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 30.0, testutil.ToFloat64(pm.analysesTotal.WithLabelValues("queued")))
	assert.Equal(t, 30.0, testutil.ToFloat64(pm.snippetsTotal))
}

// TestPrometheusHandler 测试 Prometheus HTTP Handler
func TestPrometheusHandler(t *testing.T) {
	pm := setupTestMetrics(t)
	pm.RecordAnalysisQueued()

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/metrics", pm.Handler())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "# HELP")
	assert.Contains(t, w.Body.String(), "analyses_total")
}

// TestRuntimeMonitor 测试运行时采集与外部 collector
func TestRuntimeMonitor(t *testing.T) {
	pm := setupTestMetrics(t)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	calls := 0
	m := NewRuntimeMonitor(logger, pm, time.Hour, func() { calls++ })
	m.Collect()

	assert.Equal(t, 1, calls)
	assert.Greater(t, m.Stats().Goroutines, 0)
	assert.Greater(t, testutil.ToFloat64(pm.memoryUsage), 0.0)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/stats", m.StatsHandler())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/stats", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "goroutines")

	m.Stop()
	m.Stop()
}

// TestTokenAuth 测试令牌认证
func TestTokenAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)

	newRouter := func(token string) *gin.Engine {
		r := gin.New()
		r.Use(TokenAuth(token))
		r.GET("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })
		return r
	}

	do := func(r *gin.Engine, header string) int {
		req := httptest.NewRequest("GET", "/x", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	open := newRouter("")
	assert.Equal(t, http.StatusNoContent, do(open, ""))

	secured := newRouter("s3cret-token")
	assert.Equal(t, http.StatusUnauthorized, do(secured, ""))
	assert.Equal(t, http.StatusUnauthorized, do(secured, "s3cret-token"))
	assert.Equal(t, http.StatusUnauthorized, do(secured, "Bearer wrong"))
	assert.Equal(t, http.StatusNoContent, do(secured, "Bearer s3cret-token"))

	req := httptest.NewRequest("GET", "/x?access_token=s3cret-token", nil)
	w := httptest.NewRecorder()
	secured.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
}
