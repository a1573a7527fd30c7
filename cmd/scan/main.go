package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-security-analyzer/internal/config"
	"github.com/apk-analysis/apk-security-analyzer/internal/obfuscation"
	"github.com/apk-analysis/apk-security-analyzer/internal/report"
)

// 对已反编译的目录执行混淆检测，报告写到 stdout，日志写到 stderr
//
//	scan -dir ./decompiled_output/demo -format sarif > demo.sarif
func main() {
	dir := flag.String("dir", "", "decompiled APK directory")
	format := flag.String("format", "json", "output format: json or sarif")
	workers := flag.Int("workers", 0, "concurrent file analyzers (0 = CPU count)")
	logLevel := flag.String("log-level", "warn", "log level")
	flag.Parse()

	logger := config.InitLogger(&config.LogConfig{Level: *logLevel, Output: "stderr"})

	if *dir == "" {
		fmt.Fprintln(os.Stderr, "usage: scan -dir <decompiled dir> [-format json|sarif] [-workers n]")
		os.Exit(2)
	}
	if *format != "json" && *format != "sarif" {
		fmt.Fprintf(os.Stderr, "unknown format %q\n", *format)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *dir, *format, *workers, os.Stdout, logger); err != nil {
		logger.WithError(err).Error("Scan failed")
		os.Exit(2)
	}
}

func run(ctx context.Context, dir, format string, workers int, out io.Writer, logger *logrus.Logger) error {
	detector, err := obfuscation.NewDetector(obfuscation.Options{Workers: workers}, logger)
	if err != nil {
		return err
	}

	verdict, err := detector.Analyze(ctx, dir, obfuscation.ProgressFunc(func(current, total int) {
		logger.WithFields(logrus.Fields{"current": current, "total": total}).Debug("Scan progress")
	}))
	if err != nil {
		return err
	}

	if format == "sarif" {
		return report.WriteSARIF(out, verdict)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(verdict)
}
