package obfuscation

import (
	"path/filepath"
	"strings"
	"unicode"
)

// AnalyzeStructure 基于 smali 文件名统计命名特征
// 结果与内容匹配计数共用同一组规则名并直接累加，同一信号可能被计两次
func AnalyzeStructure(smaliFiles []string) map[RuleName]int {
	shortNames, dollarClasses := 0, 0

	for _, path := range smaliFiles {
		name := filepath.Base(path)
		className := strings.ReplaceAll(name, smaliExt, "")
		if isShortAlpha(className) {
			shortNames++
		}
		if strings.Contains(name, "$") {
			dollarClasses++
		}
	}

	indicators := make(map[RuleName]int, 2)
	if shortNames > 0 {
		indicators[RuleShortClassNames] = shortNames
	}
	if dollarClasses > 0 {
		indicators[RuleDollarClasses] = dollarClasses
	}
	return indicators
}

// isShortAlpha 1-2 个字符且全部为字母
func isShortAlpha(s string) bool {
	n := 0
	for _, r := range s {
		if !unicode.IsLetter(r) {
			return false
		}
		n++
	}
	return n > 0 && n <= 2
}
