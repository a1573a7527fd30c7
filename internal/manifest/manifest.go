package manifest

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	// FileName apktool 解码后的清单文件名
	FileName = "AndroidManifest.xml"
	// Unknown 缺失字段的占位值
	Unknown = "Unknown"

	androidNS = "http://schemas.android.com/apk/res/android"
)

// ErrNotFound 反编译目录中没有清单文件
var ErrNotFound = errors.New("AndroidManifest.xml not found")

// Manifest 解析后的 Manifest 结构
type Manifest struct {
	Package     string `json:"package"`
	VersionName string `json:"version_name"`
	VersionCode string `json:"version_code"`

	UsesSdk struct {
		MinSdkVersion    string `json:"min_sdk_version"`
		TargetSdkVersion string `json:"target_sdk_version"`
	} `json:"uses_sdk"`

	Application struct {
		Label      string   `json:"label"`
		Activities []string `json:"activities"`
		Services   []string `json:"services"`
		Receivers  []string `json:"receivers"`
		Providers  []string `json:"providers"`
	} `json:"application"`

	// Permissions 所有标签名包含 permission 的元素的 name，按出现顺序去重
	Permissions []string `json:"permissions"`
}

// Path 返回反编译目录下的清单路径
func Path(decompiledDir string) string {
	return filepath.Join(decompiledDir, FileName)
}

// Load 读取并解析反编译目录中的清单
//
// XML 中缺失的版本与 SDK 字段会尝试从 apktool.yml 补全。
func Load(decompiledDir string) (*Manifest, error) {
	path := Path(decompiledDir)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w at %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer f.Close()

	m, err := Parse(f)
	if err != nil {
		return nil, err
	}

	if meta, err := loadApktoolMeta(decompiledDir); err == nil {
		m.fillFrom(meta)
	}
	return m, nil
}

// ReadRaw 返回清单原文
func ReadRaw(decompiledDir string) (string, error) {
	data, err := os.ReadFile(Path(decompiledDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to read manifest: %w", err)
	}
	return string(data), nil
}

// Parse 解析明文 AndroidManifest.xml
func Parse(r io.Reader) (*Manifest, error) {
	m := &Manifest{}
	seen := make(map[string]bool)

	dec := xml.NewDecoder(r)
	dec.Strict = false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse manifest: %w", err)
		}

		el, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		tag := el.Name.Local
		switch tag {
		case "manifest":
			m.Package = attr(el, "", "package")
			m.VersionName = attr(el, androidNS, "versionName")
			m.VersionCode = attr(el, androidNS, "versionCode")
		case "uses-sdk":
			// 只取第一个 uses-sdk
			if m.UsesSdk.MinSdkVersion == "" && m.UsesSdk.TargetSdkVersion == "" {
				m.UsesSdk.MinSdkVersion = attr(el, androidNS, "minSdkVersion")
				m.UsesSdk.TargetSdkVersion = attr(el, androidNS, "targetSdkVersion")
			}
		case "application":
			m.Application.Label = attr(el, androidNS, "label")
		case "activity", "activity-alias":
			m.Application.Activities = appendName(m.Application.Activities, el)
		case "service":
			m.Application.Services = appendName(m.Application.Services, el)
		case "receiver":
			m.Application.Receivers = appendName(m.Application.Receivers, el)
		case "provider":
			m.Application.Providers = appendName(m.Application.Providers, el)
		}

		if strings.Contains(strings.ToLower(tag), "permission") {
			name := strings.TrimSpace(componentName(el))
			if name != "" && !seen[name] {
				seen[name] = true
				m.Permissions = append(m.Permissions, name)
			}
		}
	}

	return m, nil
}

// Info 展示用基础字段，缺失时为 Unknown
func (m *Manifest) Info() (pkg, versionName, versionCode, minSdk, targetSdk string) {
	return orUnknown(m.Package), orUnknown(m.VersionName), orUnknown(m.VersionCode),
		orUnknown(m.UsesSdk.MinSdkVersion), orUnknown(m.UsesSdk.TargetSdkVersion)
}

func (m *Manifest) fillFrom(meta *apktoolMeta) {
	if m.VersionName == "" {
		m.VersionName = meta.VersionInfo.VersionName
	}
	if m.VersionCode == "" {
		m.VersionCode = meta.VersionInfo.VersionCode
	}
	if m.UsesSdk.MinSdkVersion == "" {
		m.UsesSdk.MinSdkVersion = meta.SdkInfo.MinSdkVersion
	}
	if m.UsesSdk.TargetSdkVersion == "" {
		m.UsesSdk.TargetSdkVersion = meta.SdkInfo.TargetSdkVersion
	}
}

// attr 按命名空间取属性，space 为空时只匹配无前缀属性
func attr(el xml.StartElement, space, local string) string {
	for _, a := range el.Attr {
		if a.Name.Local == local && a.Name.Space == space {
			return a.Value
		}
	}
	return ""
}

// componentName 依次尝试 android:name、未解析前缀的 android:name、name
func componentName(el xml.StartElement) string {
	if v := attr(el, androidNS, "name"); v != "" {
		return v
	}
	if v := attr(el, "android", "name"); v != "" {
		return v
	}
	return attr(el, "", "name")
}

func appendName(list []string, el xml.StartElement) []string {
	if name := componentName(el); name != "" {
		return append(list, name)
	}
	return list
}

func orUnknown(v string) string {
	if strings.TrimSpace(v) == "" {
		return Unknown
	}
	return v
}
