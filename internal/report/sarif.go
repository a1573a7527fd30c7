package report

import (
	"fmt"
	"io"

	"github.com/apk-analysis/apk-security-analyzer/internal/obfuscation"
	"github.com/owenrumney/go-sarif/v2/sarif"
)

const (
	toolName = "apk-obfuscation-scanner"
	toolURI  = "https://github.com/apk-analysis/apk-security-analyzer"
)

// ToSARIF 把混淆结论转换为 SARIF 2.1.0 报告
// 每条内置规则对应一个 rule，每条展示用证据对应一个 result
func ToSARIF(verdict *obfuscation.Verdict) (*sarif.Report, error) {
	report, err := sarif.New(sarif.Version210)
	if err != nil {
		return nil, fmt.Errorf("failed to create SARIF report: %w", err)
	}

	run := sarif.NewRunWithInformationURI(toolName, toolURI)
	for _, rule := range obfuscation.Rules() {
		run.AddRule(string(rule.Name)).
			WithDescription(rule.Description).
			WithDefaultConfiguration(&sarif.ReportingConfiguration{
				Level: sarifLevel(rule.Severity),
			})
	}

	if verdict != nil {
		for _, e := range verdict.DisplayEvidence() {
			location := sarif.NewLocation().WithPhysicalLocation(
				sarif.NewPhysicalLocation().
					WithArtifactLocation(sarif.NewArtifactLocation().WithUri(e.File)).
					WithRegion(sarif.NewRegion().WithStartLine(e.LineStart).WithEndLine(e.LineEnd)),
			)

			result := sarif.NewRuleResult(string(e.PatternType)).
				WithMessage(sarif.NewTextMessage(fmt.Sprintf("%s: %s", e.Type, e.MatchedLine))).
				WithLevel(sarifLevel(e.Severity)).
				WithLocations([]*sarif.Location{location})
			run.AddResult(result)
		}
	}

	report.AddRun(run)
	return report, nil
}

// WriteSARIF 以缩进 JSON 写出 SARIF 报告
func WriteSARIF(w io.Writer, verdict *obfuscation.Verdict) error {
	report, err := ToSARIF(verdict)
	if err != nil {
		return err
	}
	return report.PrettyWrite(w)
}

func sarifLevel(severity obfuscation.Severity) string {
	switch severity {
	case obfuscation.SeverityHigh:
		return "error"
	case obfuscation.SeverityMedium:
		return "warning"
	case obfuscation.SeverityLow:
		return "note"
	default:
		return "none"
	}
}
