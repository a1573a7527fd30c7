package packer

// Type 加固方式
type Type string

const (
	TypeNative     Type = "native"      // 原生库解密加载
	TypeDexEncrypt Type = "dex_encrypt" // DEX 加密
	TypeVMP        Type = "vmp"         // 虚拟机保护
	TypeUnknown    Type = "unknown"
)

// Result 加固检测结果
type Result struct {
	IsPacked   bool     `json:"is_packed"`
	Name       string   `json:"name,omitempty"`
	Type       Type     `json:"type,omitempty"`
	Confidence float64  `json:"confidence"` // 0-1
	Indicators []string `json:"indicators"`
}

// Rule 加固识别规则
type Rule struct {
	Name        string
	Type        Type
	NativeLibs  []string // lib/ 下的特征库
	Markers     []string // 文件路径中的特征字符串
	ClassNames  []string // 反编译后存在的入口类
	DEXMaxKB    int64    // DEX 总大小低于此值可疑
	NativeMinMB int64    // 原生库总大小高于此值可疑
	Priority    int
}

// Stats APK 内容统计
type Stats struct {
	NativeLibs      []string
	DEXSize         int64
	NativeSize      int64
	DEXCount        int
	SuspiciousFiles []string
	Classes         map[string]bool // 反编译目录中的类名
}
