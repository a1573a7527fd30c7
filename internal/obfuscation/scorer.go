package obfuscation

import "math"

// boost 启发式加分项
type boost struct {
	name    string
	points  int
	trigger func(ind AggregateIndicators, totalLines, smaliCount int) bool
}

var boosts = []boost{
	{"short_class_ratio", 30, func(ind AggregateIndicators, _, smali int) bool {
		return float64(ind[RuleShortClassNames]) > float64(smali)*0.3
	}},
	{"short_method_ratio", 25, func(ind AggregateIndicators, lines, _ int) bool {
		return float64(ind[RuleShortMethodNames]) > float64(lines)*0.05
	}},
	{"synthetic_methods", 20, func(ind AggregateIndicators, _, _ int) bool {
		return ind[RuleSyntheticMethods] > 10
	}},
	{"access_methods", 15, func(ind AggregateIndicators, _, _ int) bool {
		return ind[RuleAccessMethods] > 5
	}},
	{"obfuscated_packages", 20, func(ind AggregateIndicators, _, _ int) bool {
		return ind[RuleObfuscatedPackages] > 0
	}},
	{"dollar_class_ratio", 15, func(ind AggregateIndicators, _, smali int) bool {
		return float64(ind[RuleDollarClasses]) > float64(smali)*0.2
	}},
	{"string_encryption", 15, func(ind AggregateIndicators, _, _ int) bool {
		return ind[RuleStringEncryption] > 3
	}},
}

const (
	maxConfidence   = 100
	pairedFloor     = 60
	frequencyFactor = 1000.0
	maxPatternScore = 100.0
)

// BaseConfidence 加权频率基础分
// 只统计出现在 indicators 中的规则
func BaseConfidence(ind AggregateIndicators, totalLines int) int {
	lines := totalLines
	if lines < 1 {
		lines = 1
	}

	var total, maxPossible float64
	for _, rule := range builtinRules {
		count, ok := ind[rule.Name]
		if !ok {
			continue
		}
		frequency := float64(count) / float64(lines)
		total += math.Min(frequency*frequencyFactor, maxPatternScore) * float64(rule.Weight)
		maxPossible += maxPatternScore * float64(rule.Weight)
	}

	if maxPossible == 0 {
		return 0
	}
	base := int(math.Round(total / maxPossible * 100))
	if base > maxConfidence {
		base = maxConfidence
	}
	return base
}

// Confidence 计算最终置信度
func Confidence(ind AggregateIndicators, totalLines, smaliCount int) int {
	if totalLines == 0 {
		return 0
	}

	confidence := BaseConfidence(ind, totalLines)
	for _, b := range boosts {
		if b.trigger(ind, totalLines, smaliCount) {
			confidence += b.points
		}
	}
	if confidence > maxConfidence {
		confidence = maxConfidence
	}

	// 短类名与短方法名同时出现时至少 60
	if ind[RuleShortClassNames] > 0 && ind[RuleShortMethodNames] > 0 && confidence < pairedFloor {
		confidence = pairedFloor
	}
	if confidence < 0 {
		confidence = 0
	}
	return confidence
}

// TriggeredBoosts 返回命中的加分项名称，用于日志
func TriggeredBoosts(ind AggregateIndicators, totalLines, smaliCount int) []string {
	names := []string{}
	for _, b := range boosts {
		if b.trigger(ind, totalLines, smaliCount) {
			names = append(names, b.name)
		}
	}
	return names
}
