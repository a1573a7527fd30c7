package repository

import (
	"context"
	"errors"
	"time"

	"github.com/apk-analysis/apk-security-analyzer/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("analysis record not found")

// AnalysisRepository 分析记录 Repository
type AnalysisRepository interface {
	Create(ctx context.Context, record *domain.AnalysisRecord) error
	Upsert(ctx context.Context, record *domain.AnalysisRecord) error
	UpdateStatus(ctx context.Context, sessionID string, status domain.AnalysisStatus, errMsg string) error
	FindBySessionID(ctx context.Context, sessionID string) (*domain.AnalysisRecord, error)
	ListRecent(ctx context.Context, limit int) ([]*domain.AnalysisRecord, error)
	Delete(ctx context.Context, sessionID string) error
}

// analysisRepo 分析记录 Repository 实现
type analysisRepo struct {
	db *gorm.DB
}

// NewAnalysisRepository 创建分析记录 Repository
func NewAnalysisRepository(db *gorm.DB) AnalysisRepository {
	return &analysisRepo{db: db}
}

// Create 创建分析记录
func (r *analysisRepo) Create(ctx context.Context, record *domain.AnalysisRecord) error {
	return r.db.WithContext(ctx).Create(record).Error
}

// Upsert 按 session_id 插入或更新
func (r *analysisRepo) Upsert(ctx context.Context, record *domain.AnalysisRecord) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "session_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"apk_name", "apk_path", "output_dir", "status", "error_message",
				"package_name", "version_name", "target_sdk_version", "md5",
				"is_obfuscated", "confidence", "total_snippets",
				"security_score", "risk_level", "permission_count", "dangerous_count",
				"apk_info_json", "permissions_json", "verdict_json",
				"duration_ms", "analyzed_at", "updated_at",
			}),
		}).
		Create(record).Error
}

// UpdateStatus 只更新状态和错误信息
func (r *analysisRepo) UpdateStatus(ctx context.Context, sessionID string, status domain.AnalysisStatus, errMsg string) error {
	result := r.db.WithContext(ctx).
		Model(&domain.AnalysisRecord{}).
		Where("session_id = ?", sessionID).
		Updates(map[string]interface{}{
			"status":        status,
			"error_message": errMsg,
			"updated_at":    time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// FindBySessionID 根据会话 ID 查询
func (r *analysisRepo) FindBySessionID(ctx context.Context, sessionID string) (*domain.AnalysisRecord, error) {
	var record domain.AnalysisRecord
	err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &record, nil
}

// ListRecent 按创建时间倒序列出最近的记录
func (r *analysisRepo) ListRecent(ctx context.Context, limit int) ([]*domain.AnalysisRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var records []*domain.AnalysisRecord
	err := r.db.WithContext(ctx).
		Omit("apk_info_json", "permissions_json", "verdict_json").
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// Delete 删除分析记录
func (r *analysisRepo) Delete(ctx context.Context, sessionID string) error {
	return r.db.WithContext(ctx).Where("session_id = ?", sessionID).Delete(&domain.AnalysisRecord{}).Error
}
