package report

import (
	"crypto/md5"
	"crypto/sha256"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/apk-analysis/apk-security-analyzer/internal/manifest"
	"github.com/sirupsen/logrus"
)

// APKInfo APK 基础信息
type APKInfo struct {
	Name             string `json:"name"`
	PackageName      string `json:"package_name"`
	VersionName      string `json:"version_name"`
	VersionCode      string `json:"version_code"`
	Size             string `json:"size"`
	SizeBytes        int64  `json:"size_bytes"`
	MinSDKVersion    string `json:"min_sdk_version"`
	TargetSDKVersion string `json:"target_sdk_version"`
	MD5              string `json:"md5"`
	SHA256           string `json:"sha256"`

	// 组件统计
	ActivityCount int `json:"activity_count"`
	ServiceCount  int `json:"service_count"`
	ReceiverCount int `json:"receiver_count"`
	ProviderCount int `json:"provider_count"`
}

// ExtractAPKInfo 从原始 APK 和反编译目录提取基础信息
// 清单读不到时相关字段为 Unknown，不返回错误
func ExtractAPKInfo(apkPath, outputDir string, logger *logrus.Logger) (*APKInfo, error) {
	stat, err := os.Stat(apkPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat APK file: %w", err)
	}

	info := &APKInfo{
		Name:             filepath.Base(apkPath),
		PackageName:      manifest.Unknown,
		VersionName:      manifest.Unknown,
		VersionCode:      manifest.Unknown,
		MinSDKVersion:    manifest.Unknown,
		TargetSDKVersion: manifest.Unknown,
		Size:             FormatSize(stat.Size()),
		SizeBytes:        stat.Size(),
	}

	// 哈希与清单解析并行
	hashChan := make(chan [2]string, 1)
	go func() {
		md5sum, sha, err := calculateHashes(apkPath)
		if err != nil {
			logger.WithError(err).Warn("Failed to calculate hashes")
		}
		hashChan <- [2]string{md5sum, sha}
	}()

	m, err := manifest.Load(outputDir)
	if err != nil {
		logger.WithError(err).WithField("dir", outputDir).Warn("Could not extract APK info")
	} else {
		info.PackageName, info.VersionName, info.VersionCode, info.MinSDKVersion, info.TargetSDKVersion = m.Info()
		info.ActivityCount = len(m.Application.Activities)
		info.ServiceCount = len(m.Application.Services)
		info.ReceiverCount = len(m.Application.Receivers)
		info.ProviderCount = len(m.Application.Providers)
	}

	hashes := <-hashChan
	info.MD5, info.SHA256 = hashes[0], hashes[1]

	return info, nil
}

// calculateHashes 一次读取同时计算 MD5 和 SHA256
func calculateHashes(path string) (string, string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", "", err
	}
	defer file.Close()

	md5Hash := md5.New()
	sha256Hash := sha256.New()
	if _, err := io.Copy(io.MultiWriter(md5Hash, sha256Hash), file); err != nil {
		return "", "", err
	}

	return fmt.Sprintf("%x", md5Hash.Sum(nil)), fmt.Sprintf("%x", sha256Hash.Sum(nil)), nil
}

// FormatSize 转为 1024 进制的可读大小，保留两位小数
func FormatSize(size int64) string {
	if size <= 0 {
		return "0B"
	}
	units := []string{"B", "KB", "MB", "GB"}
	i := int(math.Floor(math.Log(float64(size)) / math.Log(1024)))
	if i >= len(units) {
		i = len(units) - 1
	}
	v := math.Round(float64(size)/math.Pow(1024, float64(i))*100) / 100

	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s + " " + units[i]
}
