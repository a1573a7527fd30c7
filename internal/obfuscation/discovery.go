package obfuscation

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
	"github.com/sirupsen/logrus"
)

const (
	smaliExt = ".smali"
	javaExt  = ".java"
)

// smali 与 java 的优先搜索目录，根目录始终作为最后一个搜索路径
var (
	smaliSearchDirs = []string{"smali", "smali_classes2", "smali_classes3"}
	javaSearchDirs  = []string{"sources", "src"}
)

// Discovery 文件发现结果
type Discovery struct {
	Root       string // 绝对路径
	SmaliFiles []string
	JavaFiles  []string
}

// All 按 smali、java 顺序拼接
func (d *Discovery) All() []string {
	all := make([]string, 0, len(d.SmaliFiles)+len(d.JavaFiles))
	all = append(all, d.SmaliFiles...)
	return append(all, d.JavaFiles...)
}

// Total 文件总数
func (d *Discovery) Total() int {
	return len(d.SmaliFiles) + len(d.JavaFiles)
}

// Discoverer 在反编译输出目录中查找代码文件
type Discoverer struct {
	exclude []glob.Glob
	logger  *logrus.Logger
}

// NewDiscoverer 创建文件发现器，exclude 为相对根目录的 glob 模式
func NewDiscoverer(exclude []string, logger *logrus.Logger) (*Discoverer, error) {
	globs := make([]glob.Glob, 0, len(exclude))
	for _, p := range exclude {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", p, err)
		}
		globs = append(globs, g)
	}
	return &Discoverer{exclude: globs, logger: logger}, nil
}

// Discover 查找 root 下的 smali 与 java 文件
// 多个搜索路径存在重叠，结果按绝对路径去重并保留首次出现的顺序
func (d *Discoverer) Discover(root string) (*Discovery, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScanRoot, err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScanRoot, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrScanRoot, absRoot)
	}
	if _, err := os.ReadDir(absRoot); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScanRoot, err)
	}

	smali := d.collect(absRoot, smaliSearchDirs, smaliExt)
	java := d.collect(absRoot, javaSearchDirs, javaExt)

	d.logger.WithFields(logrus.Fields{
		"root":  absRoot,
		"smali": len(smali),
		"java":  len(java),
	}).Info("Code files discovered")

	return &Discovery{Root: absRoot, SmaliFiles: smali, JavaFiles: java}, nil
}

// collect 依次遍历优先目录与根目录
func (d *Discoverer) collect(root string, dirs []string, ext string) []string {
	seen := make(map[string]struct{})
	files := []string{}

	searchPaths := make([]string, 0, len(dirs)+1)
	for _, dir := range dirs {
		searchPaths = append(searchPaths, filepath.Join(root, dir))
	}
	searchPaths = append(searchPaths, root)

	for _, searchPath := range searchPaths {
		if info, err := os.Stat(searchPath); err != nil || !info.IsDir() {
			continue
		}

		_ = filepath.WalkDir(searchPath, func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				// 单个子目录不可读时跳过，不影响整体扫描
				d.logger.WithError(err).WithField("path", path).Warn("Skipping unreadable path")
				if entry != nil && entry.IsDir() && path != searchPath {
					return filepath.SkipDir
				}
				return nil
			}
			if entry.IsDir() {
				if path != root && d.excluded(root, path+"/") {
					return filepath.SkipDir
				}
				return nil
			}
			if !strings.HasSuffix(entry.Name(), ext) {
				return nil
			}
			if d.excluded(root, path) {
				return nil
			}
			if _, dup := seen[path]; dup {
				return nil
			}
			seen[path] = struct{}{}
			files = append(files, path)
			return nil
		})
	}

	return files
}

// excluded 判断相对路径是否命中排除规则
func (d *Discoverer) excluded(root, path string) bool {
	if len(d.exclude) == 0 {
		return false
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	if strings.HasSuffix(path, "/") {
		rel += "/"
	}
	for _, g := range d.exclude {
		if g.Match(rel) {
			return true
		}
	}
	return false
}
