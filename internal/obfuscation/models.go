package obfuscation

import (
	"encoding/json"
	"errors"
)

const (
	// ConfidenceThreshold 判定为已混淆的最低置信度
	ConfidenceThreshold = 30

	// MaxDisplaySnippets 序列化时输出的证据上限，统计值不受影响
	MaxDisplaySnippets = 1000

	// snippetsPerRule 单个文件中每条规则最多提取的证据数
	snippetsPerRule = 3

	// contextLines 证据上下文的前后行数
	contextLines = 5
)

// ErrScanRoot 扫描根目录不存在或不可读
var ErrScanRoot = errors.New("scan root unavailable")

// MatchEvidence 一次规则命中的证据片段
type MatchEvidence struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"` // 规则描述
	File         string   `json:"file"` // 相对扫描根目录的路径
	LineStart    int      `json:"line_start"`
	LineEnd      int      `json:"line_end"`
	MatchedText  string   `json:"matched_text"`
	MatchedLine  string   `json:"matched_line"`
	CodeSnippet  string   `json:"code_snippet"`
	ContextStart int      `json:"context_start"`
	ContextEnd   int      `json:"context_end"`
	Severity     Severity `json:"severity"`
	PatternType  RuleName `json:"pattern_type"`
}

// FileIndicatorCounts 单个文件的规则命中计数
type FileIndicatorCounts map[RuleName]int

// AggregateIndicators 全量规则命中计数
type AggregateIndicators map[RuleName]int

// Merge 累加计数，负值被忽略
func (a AggregateIndicators) Merge(counts map[RuleName]int) {
	for name, n := range counts {
		if n <= 0 {
			continue
		}
		a[name] += n
	}
}

// FileResult 单文件分析结果
type FileResult struct {
	Counts    FileIndicatorCounts
	Evidence  []MatchEvidence
	LineCount int
}

// Indicator 命中规则汇总
type Indicator struct {
	Type        RuleName `json:"type"`
	Count       int      `json:"count"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
}

// Verdict 混淆检测结论
type Verdict struct {
	IsObfuscated    bool            `json:"is_obfuscated"`
	Confidence      int             `json:"confidence"`
	Indicators      []Indicator     `json:"indicators"`
	Evidence        []MatchEvidence `json:"-"`
	Summary         string          `json:"summary,omitempty"`
	FilesAnalyzed   int             `json:"files_analyzed"`
	TotalSnippets   int             `json:"total_snippets"`
	SmaliFilesCount int             `json:"smali_files_count"`
	JavaFilesCount  int             `json:"java_files_count"`
	TotalLines      int             `json:"total_lines"`
	Partial         bool            `json:"partial,omitempty"`
	Error           string          `json:"error,omitempty"`
}

// DisplayEvidence 返回用于展示的证据（最多 MaxDisplaySnippets 条）
func (v *Verdict) DisplayEvidence() []MatchEvidence {
	if len(v.Evidence) > MaxDisplaySnippets {
		return v.Evidence[:MaxDisplaySnippets]
	}
	if v.Evidence == nil {
		return []MatchEvidence{}
	}
	return v.Evidence
}

// Failed 是否为无法完成分析的失败结果
func (v *Verdict) Failed() bool {
	return v.Error != "" && !v.Partial
}

type verdictAlias Verdict

type verdictWire struct {
	*verdictAlias
	CodeSnippets []MatchEvidence `json:"code_snippets"`
}

// MarshalJSON 证据列表在序列化时截断
func (v Verdict) MarshalJSON() ([]byte, error) {
	if v.Indicators == nil {
		v.Indicators = []Indicator{}
	}
	return json.Marshal(verdictWire{
		verdictAlias: (*verdictAlias)(&v),
		CodeSnippets: v.DisplayEvidence(),
	})
}

// UnmarshalJSON 从 code_snippets 字段还原证据
func (v *Verdict) UnmarshalJSON(data []byte) error {
	wire := verdictWire{verdictAlias: (*verdictAlias)(v)}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	v.Evidence = wire.CodeSnippets
	return nil
}

// ProgressObserver 进度观察者，每完成一个文件回调一次
type ProgressObserver interface {
	OnProgress(current, total int)
}

// ProgressFunc 函数适配器
type ProgressFunc func(current, total int)

// OnProgress implements ProgressObserver
func (f ProgressFunc) OnProgress(current, total int) {
	f(current, total)
}

func failedVerdict(err error) *Verdict {
	return &Verdict{
		Indicators: []Indicator{},
		Evidence:   []MatchEvidence{},
		Error:      err.Error(),
	}
}
