package report

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// filesPerDir 每个目录最多列出的文件数
	filesPerDir = 10

	structureUnavailable = "Could not read file structure"
)

// FileStructure 以缩进文本列出反编译目录，先列文件再递归子目录
func FileStructure(outputDir string) []string {
	lines := []string{}
	if err := walkStructure(outputDir, 0, &lines); err != nil {
		return []string{structureUnavailable}
	}
	return lines
}

func walkStructure(dir string, level int, lines *[]string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	if name := filepath.Base(dir); name != "" && name != "." && name != string(filepath.Separator) {
		*lines = append(*lines, fmt.Sprintf("%s📁 %s/", indent(level), name))
	}

	var files, dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		} else {
			files = append(files, e.Name())
		}
	}

	sub := indent(level + 1)
	for i, f := range files {
		if i == filesPerDir {
			*lines = append(*lines, fmt.Sprintf("%s... and %d more files", sub, len(files)-filesPerDir))
			break
		}
		*lines = append(*lines, fmt.Sprintf("%s📄 %s", sub, f))
	}

	for _, d := range dirs {
		// 子目录读取失败只跳过该目录
		_ = walkStructure(filepath.Join(dir, d), level+1, lines)
	}
	return nil
}

func indent(level int) string {
	return strings.Repeat("  ", level)
}
