package permission

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"
)

// 保护级别
const (
	LevelDangerous = "dangerous"
	LevelNormal    = "normal"
	LevelSignature = "signature"
	LevelUnknown   = "unknown"

	// NoDescription 查不到权限时的描述
	NoDescription = "No description available"

	androidPrefix = "android.permission."
)

// 表头列名
const (
	columnName        = "permissions"
	columnProtection  = "protection_level"
	columnDescription = "description"
)

// Info 单个权限的查询结果
type Info struct {
	Name            string `json:"name"`
	ProtectionLevel string `json:"protection_level"`
	Description     string `json:"description"`
}

type entry struct {
	protectionLevel string
	description     string
}

// Table 权限参考表，加载后只读
type Table struct {
	entries map[string]entry
}

// NewTable 由内存数据构建参考表，同名条目后者覆盖前者
func NewTable(infos []Info) *Table {
	t := &Table{entries: make(map[string]entry, len(infos))}
	for _, info := range infos {
		t.add(info)
	}
	return t
}

// LoadTable 从 xlsx 的第一个工作表加载参考表
// 需要 permissions、protection_level、description 三列表头
func LoadTable(path string, logger *logrus.Logger) (*Table, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open permission table: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("permission table %s has no sheets", path)
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read permission table: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("permission table %s is empty", path)
	}

	cols := map[string]int{columnName: -1, columnProtection: -1, columnDescription: -1}
	for i, header := range rows[0] {
		key := strings.ToLower(strings.TrimSpace(header))
		if _, ok := cols[key]; ok {
			cols[key] = i
		}
	}
	for name, idx := range cols {
		if idx < 0 {
			return nil, fmt.Errorf("permission table missing column %q", name)
		}
	}

	t := &Table{entries: make(map[string]entry, len(rows))}
	for _, row := range rows[1:] {
		info := Info{
			Name:            cell(row, cols[columnName]),
			ProtectionLevel: cell(row, cols[columnProtection]),
			Description:     cell(row, cols[columnDescription]),
		}
		if info.Name == "" {
			continue
		}
		t.add(info)
	}

	logger.WithFields(logrus.Fields{
		"path":    path,
		"entries": t.Len(),
	}).Info("Permission table loaded")

	return t, nil
}

// Lookup 查询权限，大小写不敏感，android.permission. 前缀可有可无
// 返回的 Name 保持调用方传入的原值
func (t *Table) Lookup(name string) Info {
	if t != nil {
		if e, ok := t.entries[normalize(name)]; ok {
			return Info{Name: name, ProtectionLevel: e.protectionLevel, Description: e.description}
		}
	}
	return Info{Name: name, ProtectionLevel: LevelUnknown, Description: NoDescription}
}

// Len 表中条目数
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

func (t *Table) add(info Info) {
	t.entries[normalize(info.Name)] = entry{
		protectionLevel: strings.TrimSpace(info.ProtectionLevel),
		description:     strings.TrimSpace(info.Description),
	}
}

func normalize(name string) string {
	key := strings.ToLower(strings.TrimSpace(name))
	return strings.TrimPrefix(key, androidPrefix)
}

func cell(row []string, idx int) string {
	if idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}
