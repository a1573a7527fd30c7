package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-security-analyzer/internal/api/handlers"
	"github.com/apk-analysis/apk-security-analyzer/internal/config"
	"github.com/apk-analysis/apk-security-analyzer/internal/middleware"
	"github.com/apk-analysis/apk-security-analyzer/internal/service"
)

// Version 服务版本
const Version = "1.0.0"

// Deps 路由依赖，Hub、Metrics 与 Monitor 可为空
type Deps struct {
	Service service.AnalysisService
	Hub     *handlers.ProgressHub
	Metrics *middleware.PrometheusMetrics
	Monitor *middleware.RuntimeMonitor
}

func SetupRouter(cfg *config.Config, logger *logrus.Logger, deps Deps) *gin.Engine {
	// 设置 Gin 模式
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// 全局中间件
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware(cfg.Server.AllowedOrigin))

	// Prometheus 监控中间件
	if deps.Metrics != nil {
		r.Use(deps.Metrics.HTTPMiddleware())
		r.GET("/metrics", deps.Metrics.Handler())
	}

	maxUpload := int64(cfg.Server.MaxUploadMB) * 1024 * 1024
	r.MaxMultipartMemory = 32 << 20

	analysisHandler := handlers.NewAnalysisHandler(deps.Service, maxUpload, logger)
	auth := middleware.TokenAuth(cfg.Server.APIToken)

	r.POST("/upload", auth, analysisHandler.Upload)

	// WebSocket 进度推送
	if deps.Hub != nil {
		r.GET("/ws/progress/:session_id", auth, deps.Hub.HandleWebSocket)
	}

	v1 := r.Group("/api")
	{
		// 健康检查（无需认证）
		v1.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"status":  "ok",
				"version": Version,
			})
		})

		secured := v1.Group("", auth)

		secured.POST("/upload", analysisHandler.Upload)

		// 分析结果
		secured.GET("/summary/:id", analysisHandler.GetSummary)
		secured.GET("/details/:id", analysisHandler.GetDetails)
		secured.GET("/obfuscation/:id/snippets", analysisHandler.GetSnippets)
		secured.GET("/obfuscation/:id/sarif", analysisHandler.GetSARIF)

		// 会话管理
		secured.GET("/analyses", analysisHandler.ListAnalyses)
		secured.GET("/analyses/:id", analysisHandler.GetAnalysis)
		secured.DELETE("/analyses/:id", analysisHandler.DeleteAnalysis)

		// 参考数据
		secured.GET("/techniques", analysisHandler.ListTechniques)
		secured.GET("/permissions/:name", analysisHandler.GetPermission)

		// 运行时统计
		if deps.Monitor != nil {
			secured.GET("/system/memory", deps.Monitor.StatsHandler())
		}
	}

	return r
}

// LoggerMiddleware 日志中间件
func LoggerMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		fields := logrus.Fields{
			"status":  c.Writer.Status(),
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"latency": time.Since(startTime).Milliseconds(),
		}
		if len(c.Errors) > 0 {
			fields["errors"] = c.Errors.String()
		}

		// 健康检查和指标抓取降为 debug
		entry := logger.WithFields(fields)
		switch c.Request.URL.Path {
		case "/api/health", "/metrics":
			entry.Debug("HTTP Request")
		default:
			entry.Info("HTTP Request")
		}
	}
}

// CORSMiddleware CORS 中间件
func CORSMiddleware(allowedOrigin string) gin.HandlerFunc {
	if allowedOrigin == "" {
		allowedOrigin = "*"
	}
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if allowedOrigin != "*" {
			c.Writer.Header().Set("Vary", "Origin")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
