package permission

import (
	"fmt"

	"github.com/apk-analysis/apk-security-analyzer/internal/manifest"
	"github.com/sirupsen/logrus"
)

// Analyzer 从反编译目录提取权限并查表
type Analyzer struct {
	table  *Table
	logger *logrus.Logger
}

// NewAnalyzer 创建权限分析器，table 为 nil 时所有权限都是 unknown
func NewAnalyzer(table *Table, logger *logrus.Logger) *Analyzer {
	return &Analyzer{table: table, logger: logger}
}

// Table 返回参考表
func (a *Analyzer) Table() *Table {
	return a.table
}

// Analyze 解析清单中声明或引用的权限，按出现顺序去重
func (a *Analyzer) Analyze(decompiledDir string) ([]Info, error) {
	m, err := manifest.Load(decompiledDir)
	if err != nil {
		a.logger.WithError(err).WithField("dir", decompiledDir).Error("Permission analysis failed")
		return nil, fmt.Errorf("permission analysis: %w", err)
	}

	infos := make([]Info, 0, len(m.Permissions))
	for _, name := range m.Permissions {
		infos = append(infos, a.table.Lookup(name))
	}

	a.logger.WithFields(logrus.Fields{
		"dir":         decompiledDir,
		"permissions": len(infos),
	}).Info("Permission analysis completed")

	return infos, nil
}

// CountByLevel 按保护级别统计
func CountByLevel(infos []Info, level string) int {
	n := 0
	for _, info := range infos {
		if info.ProtectionLevel == level {
			n++
		}
	}
	return n
}
