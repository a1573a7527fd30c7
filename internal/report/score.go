package report

import (
	"strconv"

	"github.com/apk-analysis/apk-security-analyzer/internal/obfuscation"
	"github.com/apk-analysis/apk-security-analyzer/internal/permission"
)

// 风险等级
const (
	RiskLow    = "Low"
	RiskMedium = "Medium"
	RiskHigh   = "High"
)

// SecurityScore 安全评分
type SecurityScore struct {
	Score int    `json:"score"`
	Level string `json:"level"`
}

// ScoreSecurity 计算安全评分
//
// 从 100 分开始：每个 dangerous 权限扣 5 分；判定混淆时按置信度最多扣 20 分；
// targetSdk < 28 扣 15，< 30 扣 10，无法解析扣 5。结果截断为整数并限制在 0..100。
func ScoreSecurity(perms []permission.Info, verdict *obfuscation.Verdict, info *APKInfo) SecurityScore {
	score := 100.0

	score -= float64(permission.CountByLevel(perms, permission.LevelDangerous) * 5)

	if verdict != nil && verdict.IsObfuscated {
		score -= float64(verdict.Confidence) / 100 * 20
	}

	if sdk, ok := targetSDK(info); ok {
		switch {
		case sdk < 28:
			score -= 15
		case sdk < 30:
			score -= 10
		}
	} else {
		score -= 5
	}

	s := int(score)
	if s < 0 {
		s = 0
	}
	if s > 100 {
		s = 100
	}

	level := RiskHigh
	switch {
	case s >= 80:
		level = RiskLow
	case s >= 60:
		level = RiskMedium
	}

	return SecurityScore{Score: s, Level: level}
}

func targetSDK(info *APKInfo) (int, bool) {
	if info == nil {
		return 0, false
	}
	sdk, err := strconv.Atoi(info.TargetSDKVersion)
	if err != nil {
		return 0, false
	}
	return sdk, true
}
