package obfuscation

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Options 检测器配置
type Options struct {
	Workers      int      // 并发分析的 worker 数，<=0 时使用 CPU 数
	Exclude      []string // 排除的相对路径 glob
	ProgressRate float64  // 每秒最多回调进度次数，<=0 表示不限制
}

// Detector 混淆检测器
type Detector struct {
	discoverer   *Discoverer
	analyzer     *FileAnalyzer
	workers      int
	progressRate float64
	logger       *logrus.Logger
}

// NewDetector 创建混淆检测器
func NewDetector(opts Options, logger *logrus.Logger) (*Detector, error) {
	discoverer, err := NewDiscoverer(opts.Exclude, logger)
	if err != nil {
		return nil, err
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	return &Detector{
		discoverer:   discoverer,
		analyzer:     NewFileAnalyzer(logger),
		workers:      workers,
		progressRate: opts.ProgressRate,
		logger:       logger,
	}, nil
}

// Analyze 扫描反编译目录并给出结论
//
// 根目录不可用时返回零置信度的失败结论及 ErrScanRoot；
// ctx 取消后停止派发新文件，等待已派发文件完成，返回部分结论及取消错误。
// observer 可为 nil，不影响评分与排序。
func (d *Detector) Analyze(ctx context.Context, root string, observer ProgressObserver) (*Verdict, error) {
	startTime := time.Now()

	discovery, err := d.discoverer.Discover(root)
	if err != nil {
		d.logger.WithError(err).WithField("root", root).Error("Obfuscation analysis failed")
		return failedVerdict(err), err
	}

	if discovery.Total() == 0 {
		d.logger.WithField("root", root).Warn("No smali or java files found for obfuscation analysis")
		return &Verdict{
			Indicators: []Indicator{},
			Evidence:   []MatchEvidence{},
			Summary:    "No code files found for analysis",
		}, nil
	}

	files := discovery.All()
	total := len(files)

	// 结构分析只读文件名，与内容扫描并行
	structureCh := make(chan map[RuleName]int, 1)
	go func() {
		structureCh <- AnalyzeStructure(discovery.SmaliFiles)
	}()

	jobs := make(chan string)
	outcomes := make(chan FileResult, d.workers)

	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range jobs {
				outcomes <- d.analyzer.AnalyzeFile(path, discovery.Root)
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, path := range files {
			select {
			case <-ctx.Done():
				return
			case jobs <- path:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(outcomes)
	}()

	// 合并只在当前 goroutine 中进行
	aggregate := AggregateIndicators{}
	evidence := []MatchEvidence{}
	totalLines, processed := 0, 0
	progress := d.newProgressLimiter()

	for out := range outcomes {
		aggregate.Merge(out.Counts)
		evidence = append(evidence, out.Evidence...)
		totalLines += out.LineCount
		processed++

		if observer != nil && (processed == total || progress.Allow()) {
			observer.OnProgress(processed, total)
		}
	}

	aggregate.Merge(<-structureCh)

	verdict := d.buildVerdict(aggregate, evidence, totalLines, processed, discovery)

	if ctxErr := ctx.Err(); ctxErr != nil && processed < total {
		verdict.Partial = true
		verdict.Error = fmt.Sprintf("analysis canceled after %d/%d files", processed, total)
		d.logger.WithFields(logrus.Fields{
			"root":      root,
			"processed": processed,
			"total":     total,
		}).Warn("Obfuscation analysis canceled")
		return verdict, fmt.Errorf("obfuscation analysis canceled: %w", ctxErr)
	}

	d.logger.WithFields(logrus.Fields{
		"root":        root,
		"files":       total,
		"lines":       totalLines,
		"confidence":  verdict.Confidence,
		"snippets":    verdict.TotalSnippets,
		"boosts":      TriggeredBoosts(aggregate, totalLines, len(discovery.SmaliFiles)),
		"duration_ms": time.Since(startTime).Milliseconds(),
	}).Info("Obfuscation analysis completed")

	if len(evidence) > MaxDisplaySnippets {
		d.logger.WithFields(logrus.Fields{
			"snippets":  len(evidence),
			"displayed": MaxDisplaySnippets,
		}).Warn("Too many snippets, display list will be truncated")
	}

	return verdict, nil
}

// buildVerdict 汇总计数、排序证据并评分
// processed 为实际完成分析的文件数，取消时小于发现的文件数
func (d *Detector) buildVerdict(aggregate AggregateIndicators, evidence []MatchEvidence, totalLines, processed int, discovery *Discovery) *Verdict {
	smaliCount := len(discovery.SmaliFiles)
	confidence := Confidence(aggregate, totalLines, smaliCount)

	SortEvidence(evidence)

	indicators := []Indicator{}
	for _, rule := range builtinRules {
		count := aggregate[rule.Name]
		if count <= 0 {
			continue
		}
		indicators = append(indicators, Indicator{
			Type:        rule.Name,
			Count:       count,
			Severity:    rule.Severity,
			Description: rule.Description,
		})
	}

	return &Verdict{
		IsObfuscated:    confidence >= ConfidenceThreshold,
		Confidence:      confidence,
		Indicators:      indicators,
		Evidence:        evidence,
		Summary:         fmt.Sprintf("Analyzed %d files (%d Smali, %d Java), found %d obfuscated code snippets", processed, smaliCount, len(discovery.JavaFiles), len(evidence)),
		FilesAnalyzed:   processed,
		TotalSnippets:   len(evidence),
		SmaliFilesCount: smaliCount,
		JavaFilesCount:  len(discovery.JavaFiles),
		TotalLines:      totalLines,
	}
}

// SortEvidence 按严重级别（high 优先）再按文件路径稳定排序
// 同一文件内保持规则顺序与匹配顺序
func SortEvidence(evidence []MatchEvidence) {
	sort.SliceStable(evidence, func(i, j int) bool {
		ri, rj := evidence[i].Severity.rank(), evidence[j].Severity.rank()
		if ri != rj {
			return ri < rj
		}
		return evidence[i].File < evidence[j].File
	})
}

// newProgressLimiter 进度回调节流
func (d *Detector) newProgressLimiter() *rate.Limiter {
	if d.progressRate <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(d.progressRate), 1)
}

// IsScanRootError 判断是否为根目录级别的失败
func IsScanRootError(err error) bool {
	return errors.Is(err, ErrScanRoot)
}
