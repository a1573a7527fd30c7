package domain

import "time"

// AnalysisStatus 分析状态
type AnalysisStatus string

const (
	StatusQueued      AnalysisStatus = "queued"
	StatusDecompiling AnalysisStatus = "decompiling"
	StatusAnalyzing   AnalysisStatus = "analyzing"
	StatusCompleted   AnalysisStatus = "completed"
	StatusFailed      AnalysisStatus = "failed"
)

// IsTerminal 是否为终态
func (s AnalysisStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// AnalysisRecord 一次 APK 分析的持久化记录
type AnalysisRecord struct {
	ID        uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID string `gorm:"type:varchar(36);uniqueIndex:uk_session_id;not null" json:"session_id"`

	APKName   string `gorm:"type:varchar(255)" json:"apk_name"`
	APKPath   string `gorm:"type:varchar(1024)" json:"apk_path"`
	OutputDir string `gorm:"type:varchar(1024)" json:"output_dir"`

	Status       AnalysisStatus `gorm:"type:varchar(20);default:'queued';index:idx_status" json:"status"`
	ErrorMessage string         `gorm:"type:text" json:"error_message,omitempty"`

	// 冗余字段，方便查询
	PackageName      string `gorm:"type:varchar(255);index:idx_package_name" json:"package_name,omitempty"`
	VersionName      string `gorm:"type:varchar(100)" json:"version_name,omitempty"`
	TargetSDKVersion string `gorm:"type:varchar(20)" json:"target_sdk_version,omitempty"`
	MD5              string `gorm:"type:varchar(32)" json:"md5,omitempty"`

	// 混淆检测
	IsObfuscated  bool `gorm:"default:false" json:"is_obfuscated"`
	Confidence    int  `gorm:"default:0" json:"confidence"`
	TotalSnippets int  `gorm:"default:0" json:"total_snippets"`

	// 加固识别，未加固时为空
	PackerName string `gorm:"type:varchar(100)" json:"packer_name,omitempty"`

	// 安全评分
	SecurityScore   int    `gorm:"default:0" json:"security_score"`
	RiskLevel       string `gorm:"type:varchar(10)" json:"risk_level,omitempty"`
	PermissionCount int    `gorm:"default:0" json:"permission_count"`
	DangerousCount  int    `gorm:"default:0" json:"dangerous_count"`

	// 完整 JSON 数据
	APKInfoJSON     string `gorm:"type:text" json:"-"`
	PermissionsJSON string `gorm:"type:mediumtext" json:"-"`
	VerdictJSON     string `gorm:"type:longtext" json:"-"`
	PackerJSON      string `gorm:"type:text" json:"-"`

	DurationMs int        `gorm:"type:int" json:"duration_ms,omitempty"`
	AnalyzedAt *time.Time `json:"analyzed_at,omitempty"`
	CreatedAt  time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func (AnalysisRecord) TableName() string {
	return "analysis_records"
}
