package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-security-analyzer/internal/domain"
	"github.com/apk-analysis/apk-security-analyzer/internal/obfuscation"
	"github.com/apk-analysis/apk-security-analyzer/internal/report"
	"github.com/apk-analysis/apk-security-analyzer/internal/service"
	"github.com/apk-analysis/apk-security-analyzer/internal/session"
)

// AnalysisHandler 上传与分析结果接口
type AnalysisHandler struct {
	svc            service.AnalysisService
	maxUploadBytes int64
	logger         *logrus.Logger
}

// NewAnalysisHandler 创建分析处理器
func NewAnalysisHandler(svc service.AnalysisService, maxUploadBytes int64, logger *logrus.Logger) *AnalysisHandler {
	return &AnalysisHandler{svc: svc, maxUploadBytes: maxUploadBytes, logger: logger}
}

// Upload 上传 APK 并分析
// POST /upload
//
// 同步模式返回摘要与完整数据；启用队列时返回 202 与会话 ID。
func (h *AnalysisHandler) Upload(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file part"})
		return
	}
	if file.Filename == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No selected file"})
		return
	}
	if !service.IsAPK(file.Filename) {
		c.JSON(http.StatusBadRequest, gin.H{"error": service.ErrInvalidExtension.Error()})
		return
	}
	if h.maxUploadBytes > 0 && file.Size > h.maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": fmt.Sprintf("File too large (max %dMB)", h.maxUploadBytes/(1024*1024)),
		})
		return
	}

	src, err := file.Open()
	if err != nil {
		h.logger.WithError(err).Error("Failed to open uploaded file")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read uploaded file"})
		return
	}
	defer src.Close()

	ctx := c.Request.Context()
	sess, err := h.svc.Upload(ctx, file.Filename, src)
	if err != nil {
		h.writeUploadError(c, err)
		return
	}

	result, err := h.svc.Submit(ctx, sess)
	if err != nil {
		if result != nil && result.Status == domain.StatusFailed {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":      "Decompilation failed",
				"details":    result.Error,
				"session_id": result.ID,
			})
			return
		}
		h.logger.WithError(err).WithField("session_id", sess.ID).Error("Failed to run analysis")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "An error occurred", "details": err.Error()})
		return
	}

	if result.Status != domain.StatusCompleted {
		c.JSON(http.StatusAccepted, gin.H{
			"success":    true,
			"session_id": result.ID,
			"status":     result.Status,
		})
		return
	}

	details, err := h.svc.Details(ctx, result.ID)
	if err != nil {
		h.logger.WithError(err).WithField("session_id", result.ID).Error("Failed to load analysis details")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "An error occurred", "details": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"session_id": result.ID,
		"summary":    result.Summary(),
		"complete_data": gin.H{
			"fileName":      result.APKName,
			"permissions":   details.Permissions,
			"obfuscation":   details.Obfuscation,
			"packer":        details.Packer,
			"apkInfo":       details.APKInfo,
			"manifest":      details.Manifest.Content,
			"fileStructure": details.FileStructure,
		},
	})
}

func (h *AnalysisHandler) writeUploadError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidExtension), errors.Is(err, service.ErrEmptyFile):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrFileTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
	default:
		h.logger.WithError(err).Error("Failed to save upload")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save file"})
	}
}

// writeLookupError 会话不存在返回 404，未完成返回 202 与当前状态
func (h *AnalysisHandler) writeLookupError(c *gin.Context, sessionID string, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
	case errors.Is(err, service.ErrNotReady):
		resp := gin.H{"session_id": sessionID, "error": "Analysis not finished"}
		if sess, getErr := h.svc.Get(c.Request.Context(), sessionID); getErr == nil {
			resp["status"] = sess.Status
			if sess.Error != "" {
				resp["details"] = sess.Error
			}
		}
		c.JSON(http.StatusAccepted, resp)
	default:
		h.logger.WithError(err).WithField("session_id", sessionID).Error("Failed to load session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal Server Error"})
	}
}

// GetSummary 摘要
// GET /api/summary/:id
func (h *AnalysisHandler) GetSummary(c *gin.Context) {
	id := c.Param("id")
	summary, err := h.svc.Summary(c.Request.Context(), id)
	if err != nil {
		h.writeLookupError(c, id, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// GetDetails 详情
// GET /api/details/:id
func (h *AnalysisHandler) GetDetails(c *gin.Context) {
	id := c.Param("id")
	details, err := h.svc.Details(c.Request.Context(), id)
	if err != nil {
		h.writeLookupError(c, id, err)
		return
	}
	c.JSON(http.StatusOK, details)
}

// GetSnippets 混淆证据分页
// GET /api/obfuscation/:id/snippets?page=1&per_page=10
func (h *AnalysisHandler) GetSnippets(c *gin.Context) {
	id := c.Param("id")
	page := queryInt(c, "page", 1)
	perPage := queryInt(c, "per_page", obfuscation.DefaultPerPage)

	result, err := h.svc.Snippets(c.Request.Context(), id, page, perPage)
	if err != nil {
		h.writeLookupError(c, id, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetSARIF 以 SARIF 格式导出混淆证据
// GET /api/obfuscation/:id/sarif
func (h *AnalysisHandler) GetSARIF(c *gin.Context) {
	id := c.Param("id")
	details, err := h.svc.Details(c.Request.Context(), id)
	if err != nil {
		h.writeLookupError(c, id, err)
		return
	}

	c.Header("Content-Type", "application/sarif+json")
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.sarif"`, id))
	c.Status(http.StatusOK)
	if err := report.WriteSARIF(c.Writer, details.Obfuscation); err != nil {
		h.logger.WithError(err).WithField("session_id", id).Error("Failed to write SARIF report")
	}
}

// GetAnalysis 会话状态
// GET /api/analyses/:id
func (h *AnalysisHandler) GetAnalysis(c *gin.Context) {
	id := c.Param("id")
	sess, err := h.svc.Get(c.Request.Context(), id)
	if err != nil {
		h.writeLookupError(c, id, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id":   sess.ID,
		"apk_name":     sess.APKName,
		"status":       sess.Status,
		"error":        sess.Error,
		"created_at":   sess.CreatedAt,
		"completed_at": sess.CompletedAt,
	})
}

// ListAnalyses 最近的分析记录
// GET /api/analyses?limit=20
func (h *AnalysisHandler) ListAnalyses(c *gin.Context) {
	records, err := h.svc.History(c.Request.Context(), queryInt(c, "limit", 20))
	if err != nil {
		h.logger.WithError(err).Error("Failed to list analyses")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list analyses"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"analyses": records, "total": len(records)})
}

// DeleteAnalysis 删除会话
// DELETE /api/analyses/:id
func (h *AnalysisHandler) DeleteAnalysis(c *gin.Context) {
	id := c.Param("id")
	if err := h.svc.Delete(c.Request.Context(), id); err != nil {
		switch {
		case errors.Is(err, session.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		case errors.Is(err, service.ErrInProgress):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			h.logger.WithError(err).WithField("session_id", id).Error("Failed to delete session")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete session"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Session deleted", "session_id": id})
}

// GetPermission 查询权限说明
// GET /api/permissions/:name
func (h *AnalysisHandler) GetPermission(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.LookupPermission(c.Param("name")))
}

// techniqueView 规则的展示形式
type techniqueView struct {
	Name        obfuscation.RuleName `json:"name"`
	Description string               `json:"description"`
	Severity    obfuscation.Severity `json:"severity"`
	Weight      int                  `json:"weight"`
	Pattern     string               `json:"pattern"`
}

// ListTechniques 混淆检测规则表
// GET /api/techniques
func (h *AnalysisHandler) ListTechniques(c *gin.Context) {
	rules := obfuscation.Rules()
	views := make([]techniqueView, 0, len(rules))
	for _, r := range rules {
		views = append(views, techniqueView{
			Name:        r.Name,
			Description: r.Description,
			Severity:    r.Severity,
			Weight:      r.Weight,
			Pattern:     r.Pattern.String(),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"techniques": views,
		"threshold":  obfuscation.ConfidenceThreshold,
	})
}

func queryInt(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return def
	}
	return v
}
