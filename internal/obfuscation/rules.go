package obfuscation

import "regexp"

// Severity 规则严重级别
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// rank 排序权重，high 最靠前，未知级别排在最后
func (s Severity) rank() int {
	switch s {
	case SeverityHigh:
		return 0
	case SeverityMedium:
		return 1
	default:
		return 2
	}
}

// RuleName 规则名称，下游报告以此作为键
type RuleName string

const (
	RuleShortClassNames    RuleName = "short_class_names"
	RuleShortMethodNames   RuleName = "short_method_names"
	RuleShortFieldNames    RuleName = "short_field_names"
	RuleSyntheticMethods   RuleName = "synthetic_methods"
	RuleAccessMethods      RuleName = "access_methods"
	RuleObfuscatedPackages RuleName = "obfuscated_packages"
	RuleStringEncryption   RuleName = "string_encryption"
	RuleReflectionUsage    RuleName = "reflection_usage"
	RuleBase64Strings      RuleName = "base64_strings"
	RuleHexStrings         RuleName = "hex_strings"
	RuleProguardSignatures RuleName = "proguard_signatures"
	RuleDollarClasses      RuleName = "dollar_classes"
)

// Rule 混淆检测规则
type Rule struct {
	Name        RuleName
	Pattern     *regexp.Regexp
	Description string
	Severity    Severity
	Weight      int
}

// 所有规则均为大小写不敏感、多行匹配
var builtinRules = []Rule{
	{
		Name:        RuleShortClassNames,
		Pattern:     regexp.MustCompile(`(?im)\.class\s+.*?([a-zA-Z]\$?[a-zA-Z]?;|[a-zA-Z];)`),
		Description: "Short class names (1-2 characters)",
		Severity:    SeverityHigh,
		Weight:      4,
	},
	{
		Name:        RuleShortMethodNames,
		Pattern:     regexp.MustCompile(`(?im)\.method\s+.*?\s+([a-zA-Z]\(|[a-zA-Z]{2}\()`),
		Description: "Short method names (1-2 characters)",
		Severity:    SeverityHigh,
		Weight:      4,
	},
	{
		Name:        RuleShortFieldNames,
		Pattern:     regexp.MustCompile(`(?im)\.field\s+.*?\s+([a-zA-Z]:)`),
		Description: "Short field names (1 character)",
		Severity:    SeverityHigh,
		Weight:      3,
	},
	{
		Name:        RuleSyntheticMethods,
		Pattern:     regexp.MustCompile(`(?im)\.method\s+.*?synthetic\s+`),
		Description: "Synthetic methods (compiler generated)",
		Severity:    SeverityMedium,
		Weight:      2,
	},
	{
		Name:        RuleAccessMethods,
		Pattern:     regexp.MustCompile(`(?im)access\$\d+`),
		Description: "Synthetic access methods",
		Severity:    SeverityMedium,
		Weight:      2,
	},
	{
		Name:        RuleObfuscatedPackages,
		Pattern:     regexp.MustCompile(`(?im)L[a-zA-Z]/[a-zA-Z]/[a-zA-Z]/`),
		Description: "Single character package names",
		Severity:    SeverityHigh,
		Weight:      3,
	},
	{
		Name:        RuleStringEncryption,
		Pattern:     regexp.MustCompile(`(?im)(decrypt|encode|decode|cipher)\s*\(`),
		Description: "String encryption/decryption methods",
		Severity:    SeverityHigh,
		Weight:      4,
	},
	{
		Name:        RuleReflectionUsage,
		Pattern:     regexp.MustCompile(`(?im)(Class\.forName|getMethod|getDeclaredMethod|invoke)`),
		Description: "Java reflection usage",
		Severity:    SeverityMedium,
		Weight:      2,
	},
	{
		Name:        RuleBase64Strings,
		Pattern:     regexp.MustCompile(`(?im)"[A-Za-z0-9+/]{20,}={0,2}"`),
		Description: "Base64 encoded strings",
		Severity:    SeverityMedium,
		Weight:      2,
	},
	{
		Name:        RuleHexStrings,
		Pattern:     regexp.MustCompile(`(?im)"[0-9a-fA-F]{16,}"`),
		Description: "Hexadecimal encoded strings",
		Severity:    SeverityMedium,
		Weight:      2,
	},
	{
		Name:        RuleProguardSignatures,
		Pattern:     regexp.MustCompile(`(?im)# compiled from:.*\.java`),
		Description: "ProGuard compilation signatures",
		Severity:    SeverityLow,
		Weight:      1,
	},
	{
		Name:        RuleDollarClasses,
		Pattern:     regexp.MustCompile(`(?im)\$[a-zA-Z0-9]+\.smali`),
		Description: "Inner classes with obfuscated names",
		Severity:    SeverityMedium,
		Weight:      2,
	},
}

// ruleIndex 按名称索引，初始化后只读
var ruleIndex = func() map[RuleName]int {
	idx := make(map[RuleName]int, len(builtinRules))
	for i, r := range builtinRules {
		idx[r.Name] = i
	}
	return idx
}()

// Rules 返回内置规则的有序副本
func Rules() []Rule {
	out := make([]Rule, len(builtinRules))
	copy(out, builtinRules)
	return out
}

// LookupRule 根据名称查找规则
func LookupRule(name RuleName) (Rule, bool) {
	i, ok := ruleIndex[name]
	if !ok {
		return Rule{}, false
	}
	return builtinRules[i], true
}
