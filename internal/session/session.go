package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/apk-analysis/apk-security-analyzer/internal/domain"
	"github.com/apk-analysis/apk-security-analyzer/internal/obfuscation"
	"github.com/apk-analysis/apk-security-analyzer/internal/packer"
	"github.com/apk-analysis/apk-security-analyzer/internal/permission"
	"github.com/apk-analysis/apk-security-analyzer/internal/report"
)

// ErrNotFound 会话不存在或已过期
var ErrNotFound = errors.New("session not found")

// Session 一次分析的完整结果
type Session struct {
	ID        string                `json:"session_id"`
	APKName   string                `json:"apk_name"`
	APKPath   string                `json:"-"`
	OutputDir string                `json:"-"`
	Status    domain.AnalysisStatus `json:"status"`
	Error     string                `json:"error,omitempty"`

	APKInfo       *report.APKInfo      `json:"apk_info,omitempty"`
	Permissions   []permission.Info    `json:"permissions"`
	Verdict       *obfuscation.Verdict `json:"obfuscation,omitempty"`
	Packer        *packer.Result       `json:"packer,omitempty"`
	SecurityScore report.SecurityScore `json:"security_score"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Summary 由会话重新组装摘要
func (s *Session) Summary() *report.Summary {
	return report.BuildSummary(s.APKInfo, s.Permissions, s.Verdict, s.SecurityScore)
}

// Clone 深拷贝会话，结果中的切片与指针不与原值共享
func (s *Session) Clone() *Session {
	out := *s
	out.Permissions = slices.Clone(s.Permissions)
	if s.APKInfo != nil {
		info := *s.APKInfo
		out.APKInfo = &info
	}
	if s.Verdict != nil {
		verdict := *s.Verdict
		verdict.Indicators = slices.Clone(s.Verdict.Indicators)
		verdict.Evidence = slices.Clone(s.Verdict.Evidence)
		out.Verdict = &verdict
	}
	if s.Packer != nil {
		packed := *s.Packer
		packed.Indicators = slices.Clone(s.Packer.Indicators)
		out.Packer = &packed
	}
	if s.CompletedAt != nil {
		completedAt := *s.CompletedAt
		out.CompletedAt = &completedAt
	}
	return &out
}

// Store 会话存储
type Store interface {
	Put(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Delete(ctx context.Context, id string) error
	Len() int
}

// ToRecord 转为持久化记录
func ToRecord(s *Session) (*domain.AnalysisRecord, error) {
	record := &domain.AnalysisRecord{
		SessionID:    s.ID,
		APKName:      s.APKName,
		APKPath:      s.APKPath,
		OutputDir:    s.OutputDir,
		Status:       s.Status,
		ErrorMessage: s.Error,
		CreatedAt:    s.CreatedAt,
		AnalyzedAt:   s.CompletedAt,
	}

	if s.APKInfo != nil {
		record.PackageName = s.APKInfo.PackageName
		record.VersionName = s.APKInfo.VersionName
		record.TargetSDKVersion = s.APKInfo.TargetSDKVersion
		record.MD5 = s.APKInfo.MD5

		data, err := json.Marshal(s.APKInfo)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal apk info: %w", err)
		}
		record.APKInfoJSON = string(data)
	}

	if s.Permissions != nil {
		data, err := json.Marshal(s.Permissions)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal permissions: %w", err)
		}
		record.PermissionsJSON = string(data)
		record.PermissionCount = len(s.Permissions)
		record.DangerousCount = permission.CountByLevel(s.Permissions, permission.LevelDangerous)
	}

	if s.Verdict != nil {
		// 序列化时证据列表按展示上限截断，计数字段保持真实值
		data, err := json.Marshal(s.Verdict)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal verdict: %w", err)
		}
		record.VerdictJSON = string(data)
		record.IsObfuscated = s.Verdict.IsObfuscated
		record.Confidence = s.Verdict.Confidence
		record.TotalSnippets = s.Verdict.TotalSnippets
	}

	if s.Packer != nil {
		data, err := json.Marshal(s.Packer)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal packer result: %w", err)
		}
		record.PackerJSON = string(data)
		record.PackerName = s.Packer.Name
	}

	record.SecurityScore = s.SecurityScore.Score
	record.RiskLevel = s.SecurityScore.Level

	if s.CompletedAt != nil && !s.CreatedAt.IsZero() {
		record.DurationMs = int(s.CompletedAt.Sub(s.CreatedAt).Milliseconds())
	}

	return record, nil
}

// FromRecord 由持久化记录恢复会话
func FromRecord(record *domain.AnalysisRecord) (*Session, error) {
	s := &Session{
		ID:          record.SessionID,
		APKName:     record.APKName,
		APKPath:     record.APKPath,
		OutputDir:   record.OutputDir,
		Status:      record.Status,
		Error:       record.ErrorMessage,
		CreatedAt:   record.CreatedAt,
		CompletedAt: record.AnalyzedAt,
		SecurityScore: report.SecurityScore{
			Score: record.SecurityScore,
			Level: record.RiskLevel,
		},
	}

	if record.APKInfoJSON != "" {
		s.APKInfo = &report.APKInfo{}
		if err := json.Unmarshal([]byte(record.APKInfoJSON), s.APKInfo); err != nil {
			return nil, fmt.Errorf("failed to unmarshal apk info: %w", err)
		}
	}
	if record.PermissionsJSON != "" {
		if err := json.Unmarshal([]byte(record.PermissionsJSON), &s.Permissions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal permissions: %w", err)
		}
	}
	if record.VerdictJSON != "" {
		s.Verdict = &obfuscation.Verdict{}
		if err := json.Unmarshal([]byte(record.VerdictJSON), s.Verdict); err != nil {
			return nil, fmt.Errorf("failed to unmarshal verdict: %w", err)
		}
	}
	if record.PackerJSON != "" {
		s.Packer = &packer.Result{}
		if err := json.Unmarshal([]byte(record.PackerJSON), s.Packer); err != nil {
			return nil, fmt.Errorf("failed to unmarshal packer result: %w", err)
		}
	}

	return s, nil
}
