package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"github.com/mozillazg/go-pinyin"
	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-security-analyzer/internal/session"
)

var (
	// ErrInvalidExtension 不是 .apk 文件
	ErrInvalidExtension = errors.New("only .apk files are allowed")
	// ErrFileTooLarge 超过上传大小上限
	ErrFileTooLarge = errors.New("file exceeds upload size limit")
	// ErrEmptyFile 空文件
	ErrEmptyFile = errors.New("uploaded file is empty")
)

var (
	unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
	pinyinArgs          = pinyin.NewArgs()
)

// SanitizeFilename 去掉路径，汉字转为拼音，其余不安全字符替换为下划线
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = transliterate(name)
	name = unsafeFilenameChars.ReplaceAllString(name, "_")
	name = strings.TrimLeft(name, "._")
	if name == "" || name == "apk" {
		name = "upload.apk"
	}
	return name
}

// transliterate 汉字替换为不带声调的拼音，"微信.apk" -> "weixin.apk"
func transliterate(name string) string {
	var b strings.Builder
	for _, r := range name {
		if !unicode.Is(unicode.Han, r) {
			b.WriteRune(r)
			continue
		}
		if py := pinyin.Pinyin(string(r), pinyinArgs); len(py) > 0 && len(py[0]) > 0 {
			b.WriteString(py[0][0])
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// IsAPK 扩展名检查，大小写不敏感
func IsAPK(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".apk")
}

// Upload 保存上传的 APK 并创建排队中的会话
func (s *analysisService) Upload(ctx context.Context, filename string, src io.Reader) (*session.Session, error) {
	if !IsAPK(filename) {
		return nil, ErrInvalidExtension
	}

	id := uuid.New().String()
	name := SanitizeFilename(filename)
	dir := filepath.Join(s.opts.UploadDir, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}

	path := filepath.Join(dir, name)
	written, err := writeLimited(path, src, s.opts.MaxUploadBytes)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"session_id": id,
		"apk_name":   name,
		"bytes":      written,
	}).Info("APK uploaded")

	return s.createSession(ctx, id, name, path)
}

// writeLimited 写入文件，超过 limit 字节时返回 ErrFileTooLarge
func writeLimited(path string, src io.Reader, limit int64) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	reader := src
	if limit > 0 {
		reader = io.LimitReader(src, limit+1)
	}

	written, err := io.Copy(f, reader)
	if err != nil {
		return written, fmt.Errorf("failed to save file: %w", err)
	}
	if limit > 0 && written > limit {
		return written, ErrFileTooLarge
	}
	if written == 0 {
		return 0, ErrEmptyFile
	}
	return written, nil
}
