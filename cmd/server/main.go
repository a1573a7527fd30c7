package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/apk-analysis/apk-security-analyzer/internal/api"
	"github.com/apk-analysis/apk-security-analyzer/internal/api/handlers"
	"github.com/apk-analysis/apk-security-analyzer/internal/config"
	"github.com/apk-analysis/apk-security-analyzer/internal/decompiler"
	"github.com/apk-analysis/apk-security-analyzer/internal/domain"
	"github.com/apk-analysis/apk-security-analyzer/internal/middleware"
	"github.com/apk-analysis/apk-security-analyzer/internal/obfuscation"
	"github.com/apk-analysis/apk-security-analyzer/internal/packer"
	"github.com/apk-analysis/apk-security-analyzer/internal/permission"
	"github.com/apk-analysis/apk-security-analyzer/internal/queue"
	"github.com/apk-analysis/apk-security-analyzer/internal/repository"
	"github.com/apk-analysis/apk-security-analyzer/internal/service"
	"github.com/apk-analysis/apk-security-analyzer/internal/session"
	"github.com/apk-analysis/apk-security-analyzer/internal/watcher"
	"github.com/apk-analysis/apk-security-analyzer/internal/worker"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "config file path")
	flag.Parse()

	// 1. 打印版本信息
	fmt.Printf("APK Security Analyzer\n")
	fmt.Printf("Version: %s\n", Version)
	fmt.Printf("Build Time: %s\n", BuildTime)
	fmt.Printf("Git Commit: %s\n\n", GitCommit)

	// 2. 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 3. 初始化日志
	logger := config.InitLogger(&cfg.Log)
	logger.Infof("Starting APK Security Analyzer %s", Version)
	logger.Infof("Config loaded from: %s", *configPath)

	// 4. 初始化数据库
	db, err := repository.InitDB(&cfg.Database, logger)
	if err != nil {
		logger.Fatalf("Failed to init database: %v", err)
	}
	logger.Info("Database connected successfully")

	// 清理因服务重启而中断的分析
	if err := cleanupInterruptedSessions(db, logger); err != nil {
		logger.WithError(err).Warn("Failed to cleanup interrupted sessions")
	}

	analysisRepo := repository.NewAnalysisRepository(db)
	cache := session.NewLRUStore(cfg.Session.Capacity, time.Duration(cfg.Session.TTLMinutes)*time.Minute, logger)
	store := session.NewPersistentStore(cache, analysisRepo, logger)

	// 5. 初始化分析组件
	table, err := permission.LoadTable(cfg.Permission.TablePath, logger)
	if err != nil {
		// 参考表缺失时所有权限记为 unknown，不阻止启动
		logger.WithError(err).Warn("Permission table unavailable, descriptions disabled")
	}
	permAnalyzer := permission.NewAnalyzer(table, logger)

	detector, err := obfuscation.NewDetector(obfuscation.Options{
		Workers:      cfg.Obfuscation.Workers,
		Exclude:      cfg.Obfuscation.Exclude,
		ProgressRate: cfg.Obfuscation.ProgressRate,
	}, logger)
	if err != nil {
		logger.Fatalf("Failed to init obfuscation detector: %v", err)
	}

	apktool := decompiler.New(decompiler.Config{
		JavaPath:    cfg.Decompiler.JavaPath,
		ApktoolPath: cfg.Decompiler.ApktoolPath,
		OutputDir:   cfg.OutputDir,
		Timeout:     time.Duration(cfg.Decompiler.Timeout) * time.Second,
		MaxAttempts: cfg.Decompiler.MaxAttempts,
	}, logger)

	// 6. 监控与进度推送
	promMetrics := middleware.NewPrometheusMetrics(logger, "apk_analyzer")
	hub := handlers.NewProgressHub(cfg.Server.AllowedOrigin, logger)
	hub.Start()

	// 7. 初始化 Worker Pool 与分析服务
	// Pool 的处理函数需要 svc，svc 又以 Pool 作为 Runner，先声明后赋值
	var svc service.AnalysisService
	pool := worker.NewPool(cfg.Worker.Concurrency, cfg.Worker.QueueSize, func(ctx context.Context, job *worker.Job) error {
		return svc.Process(ctx, job)
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps := service.Deps{
		Decompiler:  apktool,
		Permissions: permAnalyzer,
		Detector:    detector,
		Packer:      packer.NewDetector(logger),
		Store:       store,
		Runner:      pool,
		Repo:        analysisRepo,
		Notifier:    hub,
		Metrics:     promMetrics,
	}

	// 8. RabbitMQ（可选）
	var (
		mq       *queue.RabbitMQ
		consumer *queue.Consumer
	)
	if cfg.RabbitMQ.Enabled {
		mq, err = queue.NewRabbitMQ(&queue.RabbitMQConfig{
			Host:     cfg.RabbitMQ.Host,
			Port:     cfg.RabbitMQ.Port,
			User:     cfg.RabbitMQ.User,
			Password: cfg.RabbitMQ.Password,
			VHost:    cfg.RabbitMQ.VHost,
			Queue:    cfg.RabbitMQ.Queue,
			Prefetch: cfg.Worker.Concurrency,
		}, logger)
		if err != nil {
			logger.Fatalf("Failed to init RabbitMQ: %v", err)
		}
		deps.Publisher = queue.NewProducer(mq, logger)
		logger.WithField("queue", cfg.RabbitMQ.Queue).Info("RabbitMQ connected successfully")
	}

	svc = service.NewAnalysisService(deps, service.Options{
		UploadDir:      cfg.UploadDir,
		OutputDir:      cfg.OutputDir,
		MaxUploadBytes: int64(cfg.Server.MaxUploadMB) * 1024 * 1024,
	}, logger)

	pool.Start(ctx)
	logger.WithFields(logrus.Fields{
		"workers":    cfg.Worker.Concurrency,
		"queue_size": cfg.Worker.QueueSize,
	}).Info("Worker pool started")

	if mq != nil {
		consumer = queue.NewConsumer(mq, createMessageHandler(pool, logger), cfg.Worker.Concurrency, logger)
		if err := consumer.Start(ctx); err != nil {
			logger.Fatalf("Failed to start consumer: %v", err)
		}
		logger.Info("RabbitMQ consumer started")
	}

	// 9. 投递目录监听（可选）
	var fileWatcher *watcher.FileWatcher
	if cfg.InboundDir != "" {
		fileWatcher, err = watcher.NewFileWatcher(watcher.Options{
			Dir:          cfg.InboundDir,
			ScanExisting: true,
		}, createFileHandler(svc, logger), logger)
		if err != nil {
			logger.Fatalf("Failed to create file watcher: %v", err)
		}
		if err := fileWatcher.Start(ctx); err != nil {
			logger.Fatalf("Failed to start file watcher: %v", err)
		}
	}

	// 10. 运行时监控
	collectors := []middleware.Collector{
		func() {
			promMetrics.UpdateWorkerPoolStats(cfg.Worker.Concurrency, pool.Active(), pool.QueueSize())
		},
		func() { promMetrics.UpdateSessionsCached(store.Len()) },
		func() {
			if sqlDB, err := db.DB(); err == nil {
				stats := sqlDB.Stats()
				promMetrics.UpdateDBStats(stats.OpenConnections, stats.Idle, stats.InUse)
			}
		},
	}
	if mq != nil {
		collectors = append(collectors, func() {
			if depth, err := mq.QueueDepth(); err == nil {
				promMetrics.UpdateQueueDepth(depth)
			}
		})
	}
	monitor := middleware.NewRuntimeMonitor(logger, promMetrics, 30*time.Second, collectors...)
	monitor.Start()

	// 11. 启动 HTTP Server
	router := api.SetupRouter(cfg, logger, api.Deps{
		Service: svc,
		Hub:     hub,
		Metrics: promMetrics,
		Monitor: monitor,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Infof("HTTP server listening on :%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// 12. 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// 停止 HTTP Server
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("HTTP server shutdown error: %v", err)
	}

	// 先停入口，再停执行
	if fileWatcher != nil {
		if err := fileWatcher.Stop(); err != nil {
			logger.WithError(err).Warn("File watcher stop error")
		}
	}
	if consumer != nil {
		consumer.Stop()
	}
	cancel()
	pool.Stop()
	monitor.Stop()
	hub.Stop()

	if mq != nil {
		if err := mq.Close(); err != nil {
			logger.WithError(err).Warn("RabbitMQ close error")
		}
	}

	// 关闭数据库连接
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}

	logger.Info("Server stopped")
}

// createMessageHandler 把队列消息交给 Worker Pool 并等待完成
// 返回错误时消费者会 nack，消息不重新入队
func createMessageHandler(pool *worker.Pool, logger *logrus.Logger) queue.Handler {
	return func(ctx context.Context, msg *queue.AnalysisMessage) error {
		logger.WithFields(logrus.Fields{
			"session_id": msg.SessionID,
			"apk_name":   msg.APKName,
			"apk_path":   msg.APKPath,
		}).Info("Received analysis from RabbitMQ, submitting to worker pool")

		job := &worker.Job{
			SessionID: msg.SessionID,
			APKName:   msg.APKName,
			APKPath:   msg.APKPath,
		}
		if err := pool.SubmitAndWait(ctx, job); err != nil {
			logger.WithError(err).WithField("session_id", msg.SessionID).Error("Analysis execution failed")
			return err
		}

		logger.WithField("session_id", msg.SessionID).Info("Analysis completed successfully")
		return nil
	}
}

// createFileHandler 投递目录中的新 APK 直接进入分析
func createFileHandler(svc service.AnalysisService, logger *logrus.Logger) watcher.FileHandler {
	return func(ctx context.Context, filePath string) error {
		logger.WithField("file", filePath).Debug("Inbound APK detected")
		if _, err := svc.Ingest(ctx, filePath); err != nil {
			return fmt.Errorf("failed to ingest %s: %w", filePath, err)
		}
		return nil
	}
}

// cleanupInterruptedSessions 把重启前未完成的分析标记为失败
// queued 状态保留，队列模式下消息仍在 RabbitMQ 中
func cleanupInterruptedSessions(db *gorm.DB, logger *logrus.Logger) error {
	interrupted := []domain.AnalysisStatus{domain.StatusDecompiling, domain.StatusAnalyzing}

	result := db.Model(&domain.AnalysisRecord{}).
		Where("status IN ?", interrupted).
		Updates(map[string]interface{}{
			"status":        domain.StatusFailed,
			"error_message": "Analysis interrupted by service restart",
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update interrupted sessions: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		logger.WithField("count", result.RowsAffected).Warn("Marked interrupted sessions as failed due to service restart")
	} else {
		logger.Info("No interrupted sessions found")
	}
	return nil
}
