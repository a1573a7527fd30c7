package report

import (
	"fmt"

	"github.com/apk-analysis/apk-security-analyzer/internal/obfuscation"
	"github.com/apk-analysis/apk-security-analyzer/internal/permission"
)

// 关键发现类型
const (
	FindingWarning = "warning"
	FindingInfo    = "info"
	FindingSuccess = "success"
)

// PermissionCounts 按保护级别统计的权限数量
type PermissionCounts struct {
	Total     int `json:"total"`
	Dangerous int `json:"dangerous"`
	Normal    int `json:"normal"`
	Signature int `json:"signature"`
	Unknown   int `json:"unknown"`
}

// Finding 关键发现
type Finding struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Summary 摘要页数据
type Summary struct {
	APKInfo            *APKInfo             `json:"apk_info"`
	SecurityScore      SecurityScore        `json:"security_score"`
	PermissionsSummary PermissionCounts     `json:"permissions_summary"`
	Obfuscation        *obfuscation.Verdict `json:"obfuscation"`
	KeyFindings        []Finding            `json:"key_findings"`
}

// CountPermissions 统计各保护级别的权限数
func CountPermissions(perms []permission.Info) PermissionCounts {
	return PermissionCounts{
		Total:     len(perms),
		Dangerous: permission.CountByLevel(perms, permission.LevelDangerous),
		Normal:    permission.CountByLevel(perms, permission.LevelNormal),
		Signature: permission.CountByLevel(perms, permission.LevelSignature),
		Unknown:   permission.CountByLevel(perms, permission.LevelUnknown),
	}
}

// BuildSummary 组装摘要与关键发现
func BuildSummary(info *APKInfo, perms []permission.Info, verdict *obfuscation.Verdict, score SecurityScore) *Summary {
	counts := CountPermissions(perms)
	findings := []Finding{}

	if counts.Dangerous > 5 {
		findings = append(findings, Finding{
			Type:    FindingWarning,
			Message: fmt.Sprintf("High number of dangerous permissions (%d)", counts.Dangerous),
		})
	}

	if verdict != nil && verdict.IsObfuscated {
		findings = append(findings, Finding{
			Type:    FindingInfo,
			Message: fmt.Sprintf("Code obfuscation detected (%d%% confidence, %d code snippets found)", verdict.Confidence, verdict.TotalSnippets),
		})
	}

	if sdk, ok := targetSDK(info); ok && sdk < 28 {
		findings = append(findings, Finding{
			Type:    FindingWarning,
			Message: fmt.Sprintf("Outdated target SDK version (%d)", sdk),
		})
	}

	if score.Score >= 70 {
		findings = append(findings, Finding{
			Type:    FindingSuccess,
			Message: "App shows good security practices",
		})
	}

	return &Summary{
		APKInfo:            info,
		SecurityScore:      score,
		PermissionsSummary: counts,
		Obfuscation:        verdict,
		KeyFindings:        findings,
	}
}
