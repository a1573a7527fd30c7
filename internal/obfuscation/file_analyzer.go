package obfuscation

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// FileAnalyzer 对单个文件执行全部规则匹配
type FileAnalyzer struct {
	rules  []Rule
	logger *logrus.Logger
}

// NewFileAnalyzer 创建单文件分析器
func NewFileAnalyzer(logger *logrus.Logger) *FileAnalyzer {
	return &FileAnalyzer{
		rules:  Rules(),
		logger: logger,
	}
}

// AnalyzeFile 读取并分析文件
// 读取失败时记录日志并返回空结果，不中断整体扫描
func (a *FileAnalyzer) AnalyzeFile(path, scanRoot string) FileResult {
	data, err := os.ReadFile(path)
	if err != nil {
		a.logger.WithError(err).WithField("file", path).Warn("Failed to read code file")
		return FileResult{Counts: FileIndicatorCounts{}}
	}

	rel, err := filepath.Rel(scanRoot, path)
	if err != nil {
		rel = path
	}

	return a.AnalyzeContent(filepath.ToSlash(rel), decodeLenient(data))
}

// AnalyzeContent 对已解码的文本执行规则匹配
func (a *FileAnalyzer) AnalyzeContent(relPath, content string) FileResult {
	lines := strings.Split(content, "\n")
	idx := newLineIndex(content)

	result := FileResult{
		Counts:    FileIndicatorCounts{},
		Evidence:  []MatchEvidence{},
		LineCount: len(lines),
	}

	for _, rule := range a.rules {
		matches := rule.Pattern.FindAllStringIndex(content, -1)
		if len(matches) == 0 {
			continue
		}
		result.Counts[rule.Name] = len(matches)

		limit := len(matches)
		if limit > snippetsPerRule {
			limit = snippetsPerRule
		}
		for _, m := range matches[:limit] {
			result.Evidence = append(result.Evidence, buildEvidence(content, lines, idx, m[0], m[1], relPath, rule))
		}
	}

	return result
}

// buildEvidence 根据匹配位置生成带上下文的证据
func buildEvidence(content string, lines []string, idx lineIndex, start, end int, relPath string, rule Rule) MatchEvidence {
	lineStart := idx.lineOf(start)
	lineEnd := idx.lineOf(end)

	ctxStart := lineStart - contextLines
	if ctxStart < 0 {
		ctxStart = 0
	}
	ctxEnd := lineEnd + contextLines + 1
	if ctxEnd > len(lines) {
		ctxEnd = len(lines)
	}

	matchedLine := ""
	if lineStart < len(lines) {
		matchedLine = strings.TrimSpace(lines[lineStart])
	}

	return MatchEvidence{
		ID:           evidenceID(relPath, lineStart, rule.Name),
		Type:         rule.Description,
		File:         relPath,
		LineStart:    lineStart + 1,
		LineEnd:      lineEnd + 1,
		MatchedText:  content[start:end],
		MatchedLine:  matchedLine,
		CodeSnippet:  strings.Join(lines[ctxStart:ctxEnd], "\n"),
		ContextStart: ctxStart + 1,
		ContextEnd:   ctxEnd,
		Severity:     rule.Severity,
		PatternType:  rule.Name,
	}
}

// evidenceID md5("路径:行号(0起):规则名") 的前 8 位十六进制
// 截断后存在极小的碰撞概率
func evidenceID(relPath string, line int, name RuleName) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s:%d:%s", relPath, line, name)))
	return hex.EncodeToString(sum[:])[:8]
}

// decodeLenient 非法 UTF-8 字节替换为 U+FFFD，换行统一为 \n
func decodeLenient(data []byte) string {
	content := strings.ToValidUTF8(string(data), "\uFFFD")
	content = strings.ReplaceAll(content, "\r\n", "\n")
	return strings.ReplaceAll(content, "\r", "\n")
}

// lineIndex 换行符偏移表
type lineIndex []int

func newLineIndex(content string) lineIndex {
	idx := lineIndex{}
	for i := 0; i < len(content); i++ {
		if content[i] == '\n' {
			idx = append(idx, i)
		}
	}
	return idx
}

// lineOf 返回 offset 之前的换行数，即 0 起始的行号
func (idx lineIndex) lineOf(offset int) int {
	return sort.SearchInts(idx, offset)
}
