package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/apk-analysis/apk-security-analyzer/internal/manifest"
	"github.com/apk-analysis/apk-security-analyzer/internal/obfuscation"
	"github.com/apk-analysis/apk-security-analyzer/internal/permission"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func dangerous(n int) []permission.Info {
	perms := make([]permission.Info, 0, n)
	for i := 0; i < n; i++ {
		perms = append(perms, permission.Info{Name: fmt.Sprintf("p%d", i), ProtectionLevel: permission.LevelDangerous})
	}
	return perms
}

// TestFormatSize 测试大小格式化
func TestFormatSize(t *testing.T) {
	assert.Equal(t, "0B", FormatSize(0))
	assert.Equal(t, "500.0 B", FormatSize(500))
	assert.Equal(t, "1.0 KB", FormatSize(1024))
	assert.Equal(t, "1.5 KB", FormatSize(1536))
	assert.Equal(t, "3.5 MB", FormatSize(3*1024*1024+512*1024))
	assert.Equal(t, "1.33 MB", FormatSize(1398101))
}

// TestExtractAPKInfo 测试基础信息提取
func TestExtractAPKInfo(t *testing.T) {
	apk := filepath.Join(t.TempDir(), "demo.apk")
	require.NoError(t, os.WriteFile(apk, []byte("abc"), 0644))

	out := t.TempDir()
	body := `<manifest xmlns:android="http://schemas.android.com/apk/res/android" package="com.example.demo" android:versionName="1.0">
    <uses-sdk android:minSdkVersion="21" android:targetSdkVersion="29"/>
    <application><activity android:name=".Main"/><service android:name=".S"/></application>
</manifest>`
	require.NoError(t, os.WriteFile(filepath.Join(out, manifest.FileName), []byte(body), 0644))

	info, err := ExtractAPKInfo(apk, out, newTestLogger())
	require.NoError(t, err)

	assert.Equal(t, "demo.apk", info.Name)
	assert.Equal(t, "com.example.demo", info.PackageName)
	assert.Equal(t, "1.0", info.VersionName)
	assert.Equal(t, manifest.Unknown, info.VersionCode)
	assert.Equal(t, "21", info.MinSDKVersion)
	assert.Equal(t, "29", info.TargetSDKVersion)
	assert.Equal(t, "3.0 B", info.Size)
	assert.Equal(t, "900150983cd24fb0d6963f7d28e17f72", info.MD5)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", info.SHA256)
	assert.Equal(t, 1, info.ActivityCount)
	assert.Equal(t, 1, info.ServiceCount)
}

// TestExtractAPKInfo_NoManifest 测试清单缺失时使用 Unknown
func TestExtractAPKInfo_NoManifest(t *testing.T) {
	apk := filepath.Join(t.TempDir(), "demo.apk")
	require.NoError(t, os.WriteFile(apk, []byte("abc"), 0644))

	info, err := ExtractAPKInfo(apk, t.TempDir(), newTestLogger())
	require.NoError(t, err)
	assert.Equal(t, manifest.Unknown, info.PackageName)
	assert.Equal(t, manifest.Unknown, info.TargetSDKVersion)

	_, err = ExtractAPKInfo(filepath.Join(t.TempDir(), "none.apk"), t.TempDir(), newTestLogger())
	assert.Error(t, err)
}

// TestScoreSecurity 测试安全评分
func TestScoreSecurity(t *testing.T) {
	modern := &APKInfo{TargetSDKVersion: "33"}

	tests := []struct {
		name    string
		perms   []permission.Info
		verdict *obfuscation.Verdict
		info    *APKInfo
		score   int
		level   string
	}{
		{"clean", nil, nil, modern, 100, RiskLow},
		{"four dangerous", dangerous(4), nil, modern, 80, RiskLow},
		{"five dangerous", dangerous(5), nil, modern, 75, RiskMedium},
		{"obfuscated", nil, &obfuscation.Verdict{IsObfuscated: true, Confidence: 55}, modern, 89, RiskLow},
		{"confidence ignored when not obfuscated", nil, &obfuscation.Verdict{Confidence: 25}, modern, 100, RiskLow},
		{"sdk 27", nil, nil, &APKInfo{TargetSDKVersion: "27"}, 85, RiskLow},
		{"sdk 29", nil, nil, &APKInfo{TargetSDKVersion: "29"}, 90, RiskLow},
		{"sdk unknown", nil, nil, &APKInfo{TargetSDKVersion: manifest.Unknown}, 95, RiskLow},
		{"high risk", dangerous(8), &obfuscation.Verdict{IsObfuscated: true, Confidence: 100}, &APKInfo{TargetSDKVersion: "26"}, 25, RiskHigh},
		{"clamped", dangerous(30), nil, modern, 0, RiskHigh},
		{"medium boundary", dangerous(8), nil, modern, 60, RiskMedium},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := ScoreSecurity(tt.perms, tt.verdict, tt.info)
			assert.Equal(t, tt.score, s.Score)
			assert.Equal(t, tt.level, s.Level)
		})
	}
}

// TestBuildSummary 测试摘要和关键发现，片段数不受展示上限影响
func TestBuildSummary(t *testing.T) {
	perms := append(dangerous(6),
		permission.Info{Name: "n", ProtectionLevel: permission.LevelNormal},
		permission.Info{Name: "s", ProtectionLevel: permission.LevelSignature},
		permission.Info{Name: "u", ProtectionLevel: permission.LevelUnknown},
	)
	verdict := &obfuscation.Verdict{
		IsObfuscated:  true,
		Confidence:    72,
		Evidence:      make([]obfuscation.MatchEvidence, 1200),
		TotalSnippets: 1200,
	}
	info := &APKInfo{TargetSDKVersion: "26"}
	score := ScoreSecurity(perms, verdict, info)

	summary := BuildSummary(info, perms, verdict, score)
	assert.Equal(t, PermissionCounts{Total: 9, Dangerous: 6, Normal: 1, Signature: 1, Unknown: 1}, summary.PermissionsSummary)
	assert.Equal(t, []Finding{
		{Type: FindingWarning, Message: "High number of dangerous permissions (6)"},
		{Type: FindingInfo, Message: "Code obfuscation detected (72% confidence, 1200 code snippets found)"},
		{Type: FindingWarning, Message: "Outdated target SDK version (26)"},
	}, summary.KeyFindings)

	clean := BuildSummary(&APKInfo{TargetSDKVersion: "34"}, nil, nil, SecurityScore{Score: 70, Level: RiskMedium})
	assert.Equal(t, []Finding{{Type: FindingSuccess, Message: "App shows good security practices"}}, clean.KeyFindings)
}

// TestFileStructure 测试目录结构
func TestFileStructure(t *testing.T) {
	root := filepath.Join(t.TempDir(), "demo")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "smali", "a"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "AndroidManifest.xml"), nil, 0644))
	for i := 0; i < 12; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(root, "smali", fmt.Sprintf("f%02d.smali", i)), nil, 0644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "smali", "a", "b.smali"), nil, 0644))

	lines := FileStructure(root)
	require.Len(t, lines, 16)
	assert.Equal(t, "📁 demo/", lines[0])
	assert.Equal(t, "  📄 AndroidManifest.xml", lines[1])
	assert.Equal(t, "  📁 smali/", lines[2])
	assert.Equal(t, "    📄 f00.smali", lines[3])
	assert.Equal(t, "    📄 f09.smali", lines[12])
	assert.Equal(t, "    ... and 2 more files", lines[13])
	assert.Equal(t, "    📁 a/", lines[14])
	assert.Equal(t, "      📄 b.smali", lines[15])

	assert.Equal(t, []string{structureUnavailable}, FileStructure(filepath.Join(t.TempDir(), "missing")))
}

// TestToSARIF 测试 SARIF 导出
func TestToSARIF(t *testing.T) {
	verdict := &obfuscation.Verdict{
		Evidence: []obfuscation.MatchEvidence{
			{ID: "1", Type: "Short class names (a, b, c)", File: "smali/a.smali", LineStart: 1, LineEnd: 1, MatchedLine: ".class public La;", Severity: obfuscation.SeverityHigh, PatternType: obfuscation.RuleShortClassNames},
			{ID: "2", Type: "ProGuard/R8 obfuscation signatures", File: "smali/b.smali", LineStart: 4, LineEnd: 4, MatchedLine: "# proguard", Severity: obfuscation.SeverityLow, PatternType: obfuscation.RuleProguardSignatures},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteSARIF(&buf, verdict))

	var doc struct {
		Version string `json:"version"`
		Runs    []struct {
			Tool struct {
				Driver struct {
					Name  string `json:"name"`
					Rules []struct {
						ID string `json:"id"`
					} `json:"rules"`
				} `json:"driver"`
			} `json:"tool"`
			Results []struct {
				RuleID string `json:"ruleId"`
				Level  string `json:"level"`
			} `json:"results"`
		} `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))

	assert.Equal(t, "2.1.0", doc.Version)
	require.Len(t, doc.Runs, 1)
	assert.Equal(t, toolName, doc.Runs[0].Tool.Driver.Name)
	assert.Len(t, doc.Runs[0].Tool.Driver.Rules, len(obfuscation.Rules()))
	require.Len(t, doc.Runs[0].Results, 2)
	assert.Equal(t, "short_class_names", doc.Runs[0].Results[0].RuleID)
	assert.Equal(t, "error", doc.Runs[0].Results[0].Level)
	assert.Equal(t, "note", doc.Runs[0].Results[1].Level)
}
