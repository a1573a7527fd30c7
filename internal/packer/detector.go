package packer

import (
	"archive/zip"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// Detector 加固检测器
type Detector struct {
	rules  []Rule
	logger *logrus.Logger
}

// NewDetector 创建加固检测器，规则按优先级降序匹配
func NewDetector(logger *logrus.Logger) *Detector {
	rules := Rules()
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority > rules[j].Priority
	})
	return &Detector{rules: rules, logger: logger}
}

// Detect 检测 APK 是否加固
// decompiledDir 可为空；APK 无法读取时只依据反编译目录中的入口类判断
func (d *Detector) Detect(ctx context.Context, apkPath, decompiledDir string) *Result {
	result := &Result{Indicators: []string{}}

	stats, err := collectStats(apkPath)
	if err != nil {
		d.logger.WithError(err).WithField("apk", apkPath).Warn("Failed to collect APK stats for packer detection")
		stats = &Stats{}
	}
	stats.Classes = d.presentClasses(decompiledDir)

	d.logger.WithFields(logrus.Fields{
		"native_libs": len(stats.NativeLibs),
		"dex_size":    stats.DEXSize,
		"native_size": stats.NativeSize,
		"dex_count":   stats.DEXCount,
		"suspicious":  len(stats.SuspiciousFiles),
	}).Debug("APK stats collected")

	for _, rule := range d.rules {
		if ctx.Err() != nil {
			return result
		}

		confidence, indicators := matchRule(rule, stats)
		if confidence < minConfidence {
			continue
		}

		result.IsPacked = true
		result.Name = rule.Name
		result.Type = rule.Type
		result.Confidence = min(confidence, 1.0)
		result.Indicators = indicators

		d.logger.WithFields(logrus.Fields{
			"packer":     result.Name,
			"type":       result.Type,
			"confidence": result.Confidence,
			"indicators": result.Indicators,
		}).Info("Packer detected")
		return result
	}

	d.logger.WithField("apk", apkPath).Debug("No packer detected")
	return result
}

// collectStats 读取 APK 的 zip 目录
func collectStats(apkPath string) (*Stats, error) {
	reader, err := zip.OpenReader(apkPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open apk: %w", err)
	}
	defer reader.Close()

	stats := &Stats{}
	for _, file := range reader.File {
		name := file.Name

		if strings.HasPrefix(name, "lib/") && strings.HasSuffix(name, ".so") {
			stats.NativeLibs = append(stats.NativeLibs, filepath.Base(name))
			stats.NativeSize += int64(file.UncompressedSize64)
		}
		if !strings.Contains(name, "/") && strings.HasSuffix(name, ".dex") {
			stats.DEXSize += int64(file.UncompressedSize64)
			stats.DEXCount++
		}
		if isSuspicious(name) {
			stats.SuspiciousFiles = append(stats.SuspiciousFiles, name)
		}
	}
	return stats, nil
}

// presentClasses 在 smali 目录中查找规则引用的入口类
func (d *Detector) presentClasses(decompiledDir string) map[string]bool {
	present := map[string]bool{}
	if decompiledDir == "" {
		return present
	}

	smaliDirs, err := filepath.Glob(filepath.Join(decompiledDir, "smali*"))
	if err != nil || len(smaliDirs) == 0 {
		return present
	}

	for _, rule := range d.rules {
		for _, class := range rule.ClassNames {
			if present[class] {
				continue
			}
			rel := filepath.FromSlash(strings.ReplaceAll(class, ".", "/")) + ".smali"
			for _, dir := range smaliDirs {
				if _, err := os.Stat(filepath.Join(dir, rel)); err == nil {
					present[class] = true
					break
				}
			}
		}
	}
	return present
}

// matchRule 累加命中特征的置信度
func matchRule(rule Rule, stats *Stats) (float64, []string) {
	confidence := 0.0
	indicators := []string{}

	for _, ruleLib := range rule.NativeLibs {
		for _, lib := range stats.NativeLibs {
			if matchLibName(ruleLib, lib) {
				confidence += 0.4
				indicators = append(indicators, "native_lib:"+lib)
			}
		}
	}

	for _, class := range rule.ClassNames {
		if stats.Classes[class] {
			confidence += 0.4
			indicators = append(indicators, "entry_class:"+class)
		}
	}

	if rule.DEXMaxKB > 0 && stats.DEXSize > 0 && stats.DEXSize/1024 < rule.DEXMaxKB {
		confidence += 0.3
		indicators = append(indicators, "dex_size_anomaly")
	}

	if rule.NativeMinMB > 0 && stats.NativeSize/(1024*1024) > rule.NativeMinMB {
		confidence += 0.3
		indicators = append(indicators, "native_size_anomaly")
	}

	for _, file := range stats.SuspiciousFiles {
		lower := strings.ToLower(file)
		for _, marker := range rule.Markers {
			if strings.Contains(lower, strings.ToLower(marker)) {
				confidence += 0.2
				indicators = append(indicators, "suspicious_file:"+file)
				break
			}
		}
	}

	return confidence, indicators
}

// matchLibName 忽略版本后缀比较库名，libshellx-2.10.3.4.so 与 libshellx.so 视为相同
func matchLibName(pattern, name string) bool {
	if pattern == name {
		return true
	}

	patternBase := strings.TrimSuffix(pattern, ".so")
	nameBase := strings.TrimSuffix(name, ".so")
	if strings.HasPrefix(nameBase, patternBase) {
		return true
	}

	patternCore := strings.Split(strings.TrimPrefix(patternBase, "lib"), "-")[0]
	nameCore := strings.Split(strings.TrimPrefix(nameBase, "lib"), "-")[0]
	return patternCore == nameCore
}

func isSuspicious(name string) bool {
	lower := strings.ToLower(name)
	for _, fragment := range suspiciousFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

// Summary 一行描述
func Summary(r *Result) string {
	if r == nil || !r.IsPacked {
		return "No packer detected"
	}
	return fmt.Sprintf("Packed with %s (%s, confidence %.0f%%)", r.Name, r.Type, r.Confidence*100)
}
