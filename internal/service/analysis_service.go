package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-security-analyzer/internal/decompiler"
	"github.com/apk-analysis/apk-security-analyzer/internal/domain"
	"github.com/apk-analysis/apk-security-analyzer/internal/manifest"
	"github.com/apk-analysis/apk-security-analyzer/internal/middleware"
	"github.com/apk-analysis/apk-security-analyzer/internal/obfuscation"
	"github.com/apk-analysis/apk-security-analyzer/internal/packer"
	"github.com/apk-analysis/apk-security-analyzer/internal/permission"
	"github.com/apk-analysis/apk-security-analyzer/internal/queue"
	"github.com/apk-analysis/apk-security-analyzer/internal/report"
	"github.com/apk-analysis/apk-security-analyzer/internal/repository"
	"github.com/apk-analysis/apk-security-analyzer/internal/session"
	"github.com/apk-analysis/apk-security-analyzer/internal/worker"
)

var (
	// ErrNotReady 会话尚未完成分析
	ErrNotReady = errors.New("analysis not finished")
	// ErrNoRunner 未配置执行方式
	ErrNoRunner = errors.New("no job runner or queue configured")
	// ErrInProgress 会话正在分析
	ErrInProgress = errors.New("analysis in progress")
)

// 清单读取失败时的占位内容
const manifestUnavailable = "Could not read AndroidManifest.xml"

// AnalysisService 分析服务接口
type AnalysisService interface {
	// 保存上传文件并创建会话
	Upload(ctx context.Context, filename string, src io.Reader) (*session.Session, error)

	// 执行会话：启用队列时发布消息并立即返回，否则在 worker 池中执行并等待结果
	Submit(ctx context.Context, sess *session.Session) (*session.Session, error)

	// 为投递目录中的 APK 创建会话并异步执行
	Ingest(ctx context.Context, apkPath string) (*session.Session, error)

	// 执行完整分析流水线（worker.Handler）
	Process(ctx context.Context, job *worker.Job) error

	Get(ctx context.Context, sessionID string) (*session.Session, error)
	Summary(ctx context.Context, sessionID string) (*report.Summary, error)
	Details(ctx context.Context, sessionID string) (*Details, error)
	Snippets(ctx context.Context, sessionID string, page, perPage int) (*obfuscation.SnippetPage, error)
	LookupPermission(name string) permission.Info
	History(ctx context.Context, limit int) ([]*domain.AnalysisRecord, error)
	Delete(ctx context.Context, sessionID string) error
}

// Decompiler 反编译器
type Decompiler interface {
	DecompileTo(ctx context.Context, apkPath, outputDir string, status decompiler.StatusFunc) decompiler.Result
}

// PermissionAnalyzer 权限分析器
type PermissionAnalyzer interface {
	Analyze(decompiledDir string) ([]permission.Info, error)
	Table() *permission.Table
}

// ObfuscationDetector 混淆检测器
type ObfuscationDetector interface {
	Analyze(ctx context.Context, root string, observer obfuscation.ProgressObserver) (*obfuscation.Verdict, error)
}

// PackerDetector 加固检测器
type PackerDetector interface {
	Detect(ctx context.Context, apkPath, decompiledDir string) *packer.Result
}

// JobRunner 任务执行池
type JobRunner interface {
	Submit(job *worker.Job) error
	SubmitAndWait(ctx context.Context, job *worker.Job) error
}

// Details 详情页数据
type Details struct {
	SessionID     string               `json:"session_id"`
	APKInfo       *report.APKInfo      `json:"apk_info"`
	Permissions   []permission.Info    `json:"permissions"`
	Obfuscation   *obfuscation.Verdict `json:"obfuscation"`
	Packer        *packer.Result       `json:"packer,omitempty"`
	SecurityScore report.SecurityScore `json:"security_score"`
	Manifest      ManifestContent      `json:"manifest"`
	FileStructure []string             `json:"file_structure"`
}

// ManifestContent 原始清单内容
type ManifestContent struct {
	Content string `json:"content"`
}

// Options 服务配置
type Options struct {
	UploadDir      string
	OutputDir      string
	MaxUploadBytes int64
}

// Deps 服务依赖，Packer/Publisher/Runner/Repo/Notifier/Metrics 可为空
type Deps struct {
	Decompiler  Decompiler
	Permissions PermissionAnalyzer
	Detector    ObfuscationDetector
	Packer      PackerDetector
	Store       session.Store
	Runner      JobRunner
	Publisher   queue.Publisher
	Repo        repository.AnalysisRepository
	Notifier    Notifier
	Metrics     *middleware.PrometheusMetrics
}

type analysisService struct {
	Deps
	opts   Options
	logger *logrus.Logger
}

// NewAnalysisService 创建分析服务实例
func NewAnalysisService(deps Deps, opts Options, logger *logrus.Logger) AnalysisService {
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	return &analysisService{Deps: deps, opts: opts, logger: logger}
}

// createSession 创建排队中的会话
func (s *analysisService) createSession(ctx context.Context, id, apkName, apkPath string) (*session.Session, error) {
	sess := &session.Session{
		ID:        id,
		APKName:   apkName,
		APKPath:   apkPath,
		Status:    domain.StatusQueued,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.Store.Put(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	return sess, nil
}

func jobFor(sess *session.Session) *worker.Job {
	return &worker.Job{SessionID: sess.ID, APKName: sess.APKName, APKPath: sess.APKPath}
}

func (s *analysisService) Submit(ctx context.Context, sess *session.Session) (*session.Session, error) {
	if s.Publisher != nil {
		if err := s.publish(ctx, sess); err != nil {
			return nil, err
		}
		return sess, nil
	}
	if s.Runner == nil {
		return nil, ErrNoRunner
	}

	s.Metrics.RecordAnalysisQueued()
	if err := s.Runner.SubmitAndWait(ctx, jobFor(sess)); err != nil {
		// 流水线失败时会话已记录失败原因
		if latest, getErr := s.Store.Get(ctx, sess.ID); getErr == nil && latest.Status == domain.StatusFailed {
			return latest, err
		}
		return nil, err
	}
	return s.Store.Get(ctx, sess.ID)
}

func (s *analysisService) Ingest(ctx context.Context, apkPath string) (*session.Session, error) {
	name := filepath.Base(apkPath)
	if !IsAPK(name) {
		return nil, ErrInvalidExtension
	}

	sess, err := s.createSession(ctx, uuid.New().String(), name, apkPath)
	if err != nil {
		return nil, err
	}

	switch {
	case s.Publisher != nil:
		err = s.publish(ctx, sess)
	case s.Runner != nil:
		s.Metrics.RecordAnalysisQueued()
		err = s.Runner.Submit(jobFor(sess))
	default:
		err = ErrNoRunner
	}
	if err != nil {
		s.fail(ctx, sess, err.Error())
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"session_id": sess.ID,
		"apk_path":   apkPath,
	}).Info("Inbound APK queued for analysis")
	return sess, nil
}

func (s *analysisService) publish(ctx context.Context, sess *session.Session) error {
	msg := &queue.AnalysisMessage{SessionID: sess.ID, APKName: sess.APKName, APKPath: sess.APKPath}
	if err := s.Publisher.PublishAnalysis(ctx, msg); err != nil {
		return fmt.Errorf("failed to enqueue analysis: %w", err)
	}
	s.Metrics.RecordAnalysisQueued()
	return nil
}

// Process 解码 → 权限 → 混淆 → 加固识别 → 基础信息 → 评分
//
// 反编译失败或取消时会话标记为失败；权限与混淆分析失败不影响整体结果。
func (s *analysisService) Process(ctx context.Context, job *worker.Job) error {
	startTime := time.Now()

	sess, err := s.Store.Get(ctx, job.SessionID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		sess, err = s.createSession(ctx, job.SessionID, job.APKName, job.APKPath)
		if err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("failed to load session: %w", err)
	}

	// 消息重复投递
	if sess.Status == domain.StatusCompleted {
		s.logger.WithField("session_id", sess.ID).Info("Session already analyzed, skipping")
		return nil
	}

	logger := s.logger.WithFields(logrus.Fields{
		"session_id": sess.ID,
		"apk_name":   sess.APKName,
	})
	s.Metrics.RecordAnalysisStarted()

	sess.OutputDir = filepath.Join(s.opts.OutputDir, sess.ID)
	s.setStatus(ctx, sess, domain.StatusDecompiling)

	// 1. 反编译
	stageStart := time.Now()
	result := s.Decompiler.DecompileTo(ctx, sess.APKPath, sess.OutputDir, func(message string) {
		s.notify(ProgressEvent{SessionID: sess.ID, Type: EventStatus, Stage: middleware.StageDecompile, Message: message})
	})
	s.Metrics.RecordStage(middleware.StageDecompile, time.Since(stageStart))
	s.recordRetries(result)
	if !result.Success {
		s.fail(ctx, sess, result.Error)
		s.Metrics.RecordAnalysisFailed(time.Since(startTime))
		return fmt.Errorf("decompilation failed: %s", result.Error)
	}

	s.setStatus(ctx, sess, domain.StatusAnalyzing)

	// 2. 权限
	stageStart = time.Now()
	perms, err := s.Permissions.Analyze(sess.OutputDir)
	if err != nil {
		logger.WithError(err).Warn("Permission analysis failed, continuing without permissions")
		perms = []permission.Info{}
	}
	s.Metrics.RecordStage(middleware.StagePermissions, time.Since(stageStart))
	s.notify(ProgressEvent{
		SessionID: sess.ID,
		Type:      EventStatus,
		Stage:     middleware.StagePermissions,
		Message:   fmt.Sprintf("Found %d permissions", len(perms)),
	})

	// 3. 混淆
	stageStart = time.Now()
	verdict, err := s.Detector.Analyze(ctx, sess.OutputDir, obfuscation.ProgressFunc(func(current, total int) {
		s.notify(ProgressEvent{
			SessionID: sess.ID,
			Type:      EventProgress,
			Stage:     middleware.StageObfuscation,
			Current:   current,
			Total:     total,
		})
	}))
	s.Metrics.RecordStage(middleware.StageObfuscation, time.Since(stageStart))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			s.fail(ctx, sess, err.Error())
			s.Metrics.RecordAnalysisFailed(time.Since(startTime))
			return err
		}
		logger.WithError(err).Warn("Obfuscation analysis failed, reporting zero confidence")
	}
	if verdict == nil {
		verdict = &obfuscation.Verdict{Indicators: []obfuscation.Indicator{}, Evidence: []obfuscation.MatchEvidence{}}
	}
	s.Metrics.RecordObfuscation(verdict.Confidence, verdict.IsObfuscated, verdict.TotalSnippets, verdict.FilesAnalyzed)

	// 4. 加固识别
	var packed *packer.Result
	if s.Packer != nil {
		packed = s.Packer.Detect(ctx, sess.APKPath, sess.OutputDir)
		if packed.IsPacked {
			logger.WithField("packer", packed.Name).Warn("APK is packed, obfuscation results may be incomplete")
		}
	}

	// 5. 基础信息与评分
	stageStart = time.Now()
	info, err := report.ExtractAPKInfo(sess.APKPath, sess.OutputDir, s.logger)
	if err != nil {
		s.fail(ctx, sess, err.Error())
		s.Metrics.RecordAnalysisFailed(time.Since(startTime))
		return fmt.Errorf("failed to extract apk info: %w", err)
	}
	score := report.ScoreSecurity(perms, verdict, info)
	s.Metrics.RecordStage(middleware.StageReport, time.Since(stageStart))
	s.Metrics.RecordSecurity(score.Score, permission.CountByLevel(perms, permission.LevelDangerous))

	completedAt := time.Now().UTC()
	sess.APKInfo = info
	sess.Permissions = perms
	sess.Verdict = verdict
	sess.Packer = packed
	sess.SecurityScore = score
	sess.Status = domain.StatusCompleted
	sess.Error = ""
	sess.CompletedAt = &completedAt

	if err := s.Store.Put(ctx, sess); err != nil {
		logger.WithError(err).Error("Failed to save analysis result")
		s.Metrics.RecordAnalysisFailed(time.Since(startTime))
		return fmt.Errorf("failed to save session: %w", err)
	}

	s.Metrics.RecordAnalysisCompleted(time.Since(startTime))
	s.notify(ProgressEvent{SessionID: sess.ID, Type: EventComplete, Summary: sess.Summary()})

	logger.WithFields(logrus.Fields{
		"confidence":     verdict.Confidence,
		"snippets":       verdict.TotalSnippets,
		"permissions":    len(perms),
		"security_score": score.Score,
		"risk_level":     score.Level,
		"duration_ms":    time.Since(startTime).Milliseconds(),
	}).Info("Analysis completed")

	return nil
}

func (s *analysisService) recordRetries(result decompiler.Result) {
	for attempt := 1; attempt < result.Attempts; attempt++ {
		s.Metrics.RecordRetryAttempt(middleware.StageDecompile, attempt)
	}
	if result.Success && result.Attempts > 1 {
		s.Metrics.RecordRetrySuccess(middleware.StageDecompile)
	}
}

// setStatus 更新状态并推送，保存失败只记录日志
func (s *analysisService) setStatus(ctx context.Context, sess *session.Session, status domain.AnalysisStatus) {
	sess.Status = status
	if err := s.Store.Put(ctx, sess); err != nil {
		s.logger.WithError(err).WithField("session_id", sess.ID).Warn("Failed to save session status")
	}
	s.notify(ProgressEvent{SessionID: sess.ID, Type: EventStatus, Message: string(status)})
}

// fail 标记失败，使用独立 context 保证取消后仍能落库
func (s *analysisService) fail(ctx context.Context, sess *session.Session, message string) {
	completedAt := time.Now().UTC()
	sess.Status = domain.StatusFailed
	sess.Error = message
	sess.CompletedAt = &completedAt

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.Store.Put(saveCtx, sess); err != nil {
		s.logger.WithError(err).WithField("session_id", sess.ID).Error("Failed to save failed session")
	}

	s.logger.WithFields(logrus.Fields{
		"session_id": sess.ID,
		"error":      message,
	}).Error("Analysis failed")
	s.notify(ProgressEvent{SessionID: sess.ID, Type: EventError, Message: message})
}

func (s *analysisService) Get(ctx context.Context, sessionID string) (*session.Session, error) {
	return s.Store.Get(ctx, sessionID)
}

// completed 取已完成的会话
func (s *analysisService) completed(ctx context.Context, sessionID string) (*session.Session, error) {
	sess, err := s.Store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != domain.StatusCompleted {
		return sess, ErrNotReady
	}
	return sess, nil
}

func (s *analysisService) Summary(ctx context.Context, sessionID string) (*report.Summary, error) {
	sess, err := s.completed(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return sess.Summary(), nil
}

func (s *analysisService) Details(ctx context.Context, sessionID string) (*Details, error) {
	sess, err := s.completed(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	content, err := manifest.ReadRaw(sess.OutputDir)
	if err != nil {
		s.logger.WithError(err).WithField("session_id", sessionID).Warn("Could not read manifest")
		content = manifestUnavailable
	}

	return &Details{
		SessionID:     sess.ID,
		APKInfo:       sess.APKInfo,
		Permissions:   sess.Permissions,
		Obfuscation:   sess.Verdict,
		Packer:        sess.Packer,
		SecurityScore: sess.SecurityScore,
		Manifest:      ManifestContent{Content: content},
		FileStructure: report.FileStructure(sess.OutputDir),
	}, nil
}

func (s *analysisService) Snippets(ctx context.Context, sessionID string, page, perPage int) (*obfuscation.SnippetPage, error) {
	sess, err := s.completed(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var evidence []obfuscation.MatchEvidence
	if sess.Verdict != nil {
		evidence = sess.Verdict.DisplayEvidence()
	}
	result := obfuscation.Paginate(evidence, page, perPage)
	return &result, nil
}

func (s *analysisService) LookupPermission(name string) permission.Info {
	return s.Permissions.Table().Lookup(name)
}

func (s *analysisService) History(ctx context.Context, limit int) ([]*domain.AnalysisRecord, error) {
	if s.Repo == nil {
		return []*domain.AnalysisRecord{}, nil
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.Repo.ListRecent(ctx, limit)
}

// Delete 删除会话及其上传文件和反编译目录
func (s *analysisService) Delete(ctx context.Context, sessionID string) error {
	sess, err := s.Store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if !sess.Status.IsTerminal() && sess.Status != domain.StatusQueued {
		return fmt.Errorf("cannot delete session in status %s: %w", sess.Status, ErrInProgress)
	}

	if err := s.Store.Delete(ctx, sessionID); err != nil {
		return err
	}
	if sess.OutputDir != "" {
		if err := os.RemoveAll(sess.OutputDir); err != nil {
			s.logger.WithError(err).WithField("output_dir", sess.OutputDir).Warn("Failed to remove output directory")
		}
	}
	// 只清理上传目录内的文件，投递目录中的 APK 保留
	uploadDir := filepath.Join(s.opts.UploadDir, sess.ID)
	if filepath.Dir(sess.APKPath) == uploadDir {
		if err := os.RemoveAll(uploadDir); err != nil {
			s.logger.WithError(err).WithField("upload_dir", uploadDir).Warn("Failed to remove upload directory")
		}
	}

	s.logger.WithField("session_id", sessionID).Info("Session deleted")
	return nil
}
