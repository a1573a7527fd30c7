package decompiler

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/apk-analysis/apk-security-analyzer/internal/retry"
	"github.com/sirupsen/logrus"
)

// maxStderr 保留的 stderr 字节数
const maxStderr = 64 * 1024

// Config apktool 调用配置
type Config struct {
	JavaPath    string
	ApktoolPath string
	OutputDir   string
	Timeout     time.Duration
	MaxAttempts int
}

// Result 反编译结果
type Result struct {
	Success   bool    `json:"success"`
	OutputDir string  `json:"output_dir"`
	SizeMB    float64 `json:"size_mb"`
	Attempts  int     `json:"attempts"`
	Error     string  `json:"error,omitempty"`
}

// StatusFunc 接收 apktool 输出行和阶段性状态
type StatusFunc func(message string)

// Decompiler 调用 apktool 解码 APK
type Decompiler struct {
	cfg    Config
	logger *logrus.Logger
}

// New 创建反编译器
func New(cfg Config, logger *logrus.Logger) *Decompiler {
	if cfg.JavaPath == "" {
		cfg.JavaPath = "java"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Decompiler{cfg: cfg, logger: logger}
}

// OutputDirFor 返回 APK 对应的输出目录
func (d *Decompiler) OutputDirFor(apkPath string) string {
	base := filepath.Base(apkPath)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(d.cfg.OutputDir, name)
}

// Decompile 执行 java -jar apktool d <apk> -o <out> -f
//
// 进程启动失败会按配置重试；apktool 以非零状态退出视为确定性失败，不重试。
// status 可为 nil。
func (d *Decompiler) Decompile(ctx context.Context, apkPath string, status StatusFunc) Result {
	return d.DecompileTo(ctx, apkPath, d.OutputDirFor(apkPath), status)
}

// DecompileTo 解码到指定目录
func (d *Decompiler) DecompileTo(ctx context.Context, apkPath, outputDir string, status StatusFunc) Result {
	if status == nil {
		status = func(string) {}
	}

	stat, err := os.Stat(apkPath)
	if err != nil {
		msg := fmt.Sprintf("Error decompiling APK: %v", err)
		d.logger.WithError(err).WithField("apk", apkPath).Error("APK not accessible")
		status("Error: " + err.Error())
		return Result{Error: msg}
	}
	sizeMB := math.Round(float64(stat.Size())/(1024*1024)*100) / 100

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		msg := fmt.Sprintf("Error decompiling APK: %v", err)
		d.logger.WithError(err).WithField("output_dir", outputDir).Error("Failed to create output directory")
		status("Error: " + err.Error())
		return Result{Error: msg}
	}

	status("Decompiling APK: " + filepath.Base(apkPath))
	startTime := time.Now()

	cfg := &retry.Config{
		MaxAttempts:     d.cfg.MaxAttempts,
		InitialInterval: time.Second,
		MaxInterval:     10 * time.Second,
		Strategy:        retry.StrategyExponential,
		Timeout:         d.cfg.Timeout,
		Logger:          d.logger,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			status(fmt.Sprintf("Retrying decompilation (attempt %d failed: %v)", attempt, err))
		},
	}

	attempts := 0
	err = retry.Do(ctx, cfg, func(ctx context.Context) error {
		attempts++
		return d.run(ctx, apkPath, outputDir, status)
	})
	if err != nil {
		var exitErr *apktoolError
		msg := fmt.Sprintf("Error decompiling APK: %v", err)
		if errors.As(err, &exitErr) {
			msg = "Decompilation failed: " + exitErr.stderr
		}
		d.logger.WithError(err).WithFields(logrus.Fields{
			"apk":         apkPath,
			"duration_ms": time.Since(startTime).Milliseconds(),
		}).Error("Decompilation failed")
		status("Error: " + msg)
		return Result{SizeMB: sizeMB, Attempts: attempts, Error: msg}
	}

	d.logger.WithFields(logrus.Fields{
		"apk":         apkPath,
		"output_dir":  outputDir,
		"size_mb":     sizeMB,
		"duration_ms": time.Since(startTime).Milliseconds(),
	}).Info("Decompilation completed")
	status("Decompilation successful")

	return Result{Success: true, OutputDir: outputDir, SizeMB: sizeMB, Attempts: attempts}
}

// apktoolError apktool 非零退出
type apktoolError struct {
	code   int
	stderr string
}

func (e *apktoolError) Error() string {
	return fmt.Sprintf("apktool exited with status %d", e.code)
}

// run 执行一次 apktool，逐行转发 stdout
func (d *Decompiler) run(ctx context.Context, apkPath, outputDir string, status StatusFunc) error {
	args := []string{"-jar", d.cfg.ApktoolPath, "d", apkPath, "-o", outputDir, "-f"}
	cmd := exec.CommandContext(ctx, d.cfg.JavaPath, args...)

	d.logger.WithField("command", d.cfg.JavaPath+" "+strings.Join(args, " ")).Debug("Running apktool")

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return retry.NewNonRetryableError(fmt.Errorf("failed to open stdout: %w", err))
	}
	stderr := &limitedBuffer{limit: maxStderr}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return retry.NewNonRetryableError(fmt.Errorf("failed to start apktool: %w", err))
		}
		return fmt.Errorf("failed to start apktool: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		d.logger.WithField("stdout", line).Debug("apktool")
		status(line)
	}
	// 读完剩余输出，避免 Wait 阻塞
	_, _ = io.Copy(io.Discard, stdout)

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return retry.NewNonRetryableError(&apktoolError{
				code:   exitErr.ExitCode(),
				stderr: strings.TrimSpace(stderr.String()),
			})
		}
		return fmt.Errorf("apktool wait failed: %w", err)
	}
	return nil
}

// limitedBuffer 只保留前 limit 字节
type limitedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	return b.buf.String()
}
