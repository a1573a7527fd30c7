package manifest

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// apktoolMeta apktool.yml 中与清单相关的字段
// 新版 apktool 会把版本号和 SDK 版本从清单移到这里
type apktoolMeta struct {
	APKFileName string `yaml:"apkFileName"`
	SdkInfo     struct {
		MinSdkVersion    string `yaml:"minSdkVersion"`
		TargetSdkVersion string `yaml:"targetSdkVersion"`
	} `yaml:"sdkInfo"`
	VersionInfo struct {
		VersionCode string `yaml:"versionCode"`
		VersionName string `yaml:"versionName"`
	} `yaml:"versionInfo"`
}

func loadApktoolMeta(decompiledDir string) (*apktoolMeta, error) {
	data, err := os.ReadFile(filepath.Join(decompiledDir, "apktool.yml"))
	if err != nil {
		return nil, err
	}

	var meta apktoolMeta
	if err := yaml.Unmarshal(stripTypeTag(data), &meta); err != nil {
		return nil, fmt.Errorf("failed to parse apktool.yml: %w", err)
	}
	return &meta, nil
}

// stripTypeTag 去掉旧版 apktool 写入的 !!brut.androlib.meta.MetaInfo 类型行
func stripTypeTag(data []byte) []byte {
	var out bytes.Buffer
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "!!") {
			continue
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	return out.Bytes()
}
