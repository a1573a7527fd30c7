package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"
	"github.com/sirupsen/logrus"
)

// FileHandler 文件处理函数
type FileHandler func(ctx context.Context, filePath string) error

// Options 监控配置
type Options struct {
	Dir           string
	Pattern       string        // 文件名 glob，大小写不敏感，默认 "*.apk"
	Debounce      time.Duration // 同一文件事件合并时间，默认 2 秒
	PollInterval  time.Duration // 检查文件大小是否稳定的间隔，默认 500 毫秒
	ReadyAttempts int           // 等待写入完成的最大检查次数，默认 10
	ScanExisting  bool          // 启动时处理目录中已有的文件
}

func (o *Options) applyDefaults() {
	if o.Pattern == "" {
		o.Pattern = "*.apk"
	}
	if o.Debounce <= 0 {
		o.Debounce = 2 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.ReadyAttempts <= 0 {
		o.ReadyAttempts = 10
	}
}

// FileWatcher 投递目录监控器
type FileWatcher struct {
	watcher *fsnotify.Watcher
	opts    Options
	matcher glob.Glob
	handler FileHandler
	logger  *logrus.Logger

	fired    chan string
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu         sync.Mutex
	processing map[string]bool
}

// NewFileWatcher 创建文件监控器
func NewFileWatcher(opts Options, handler FileHandler, logger *logrus.Logger) (*FileWatcher, error) {
	opts.applyDefaults()

	matcher, err := glob.Compile(strings.ToLower(opts.Pattern))
	if err != nil {
		return nil, fmt.Errorf("invalid watch pattern %q: %w", opts.Pattern, err)
	}

	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create watch directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(opts.Dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to add watch directory: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"watch_dir": opts.Dir,
		"pattern":   opts.Pattern,
	}).Info("File watcher created")

	return &FileWatcher{
		watcher:    watcher,
		opts:       opts,
		matcher:    matcher,
		handler:    handler,
		logger:     logger,
		fired:      make(chan string, 16),
		stopChan:   make(chan struct{}),
		processing: make(map[string]bool),
	}, nil
}

// Start 启动文件监控
func (fw *FileWatcher) Start(ctx context.Context) error {
	if fw.opts.ScanExisting {
		if err := fw.scanExisting(ctx); err != nil {
			fw.logger.WithError(err).Warn("Failed to scan existing files")
		}
	}

	fw.wg.Add(1)
	go fw.eventLoop(ctx)

	fw.logger.Info("File watcher started")
	return nil
}

// scanExisting 处理目录中已有的文件
func (fw *FileWatcher) scanExisting(ctx context.Context) error {
	entries, err := os.ReadDir(fw.opts.Dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || !fw.Match(entry.Name()) {
			continue
		}
		fw.dispatch(ctx, filepath.Join(fw.opts.Dir, entry.Name()))
	}
	return nil
}

// eventLoop 事件循环，防抖计时器只在本协程中读写
func (fw *FileWatcher) eventLoop(ctx context.Context) {
	defer fw.wg.Done()

	timers := make(map[string]*time.Timer)
	defer func() {
		for _, timer := range timers {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-fw.stopChan:
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !fw.Match(filepath.Base(event.Name)) {
				continue
			}

			fw.logger.WithFields(logrus.Fields{
				"event": event.Op.String(),
				"file":  filepath.Base(event.Name),
			}).Debug("File event detected")

			name := event.Name
			if timer, exists := timers[name]; exists {
				timer.Stop()
			}
			timers[name] = time.AfterFunc(fw.opts.Debounce, func() {
				select {
				case fw.fired <- name:
				case <-fw.stopChan:
				}
			})

		case name := <-fw.fired:
			delete(timers, name)
			fw.dispatch(ctx, name)

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.WithError(err).Error("Watcher error")
		}
	}
}

// dispatch 异步处理文件，同一路径同时只处理一次
func (fw *FileWatcher) dispatch(ctx context.Context, filePath string) {
	fw.mu.Lock()
	if fw.processing[filePath] {
		fw.mu.Unlock()
		fw.logger.WithField("file", filePath).Debug("File is already being processed")
		return
	}
	fw.processing[filePath] = true
	fw.mu.Unlock()

	fw.wg.Add(1)
	go func() {
		defer fw.wg.Done()
		defer func() {
			fw.mu.Lock()
			delete(fw.processing, filePath)
			fw.mu.Unlock()
		}()
		fw.handleFile(ctx, filePath)
	}()
}

// handleFile 处理文件
func (fw *FileWatcher) handleFile(ctx context.Context, filePath string) {
	if err := fw.waitForFileReady(ctx, filePath); err != nil {
		fw.logger.WithError(err).WithField("file", filePath).Error("File not ready")
		return
	}

	fw.logger.WithField("file", filePath).Info("Processing file")
	if err := fw.handler(ctx, filePath); err != nil {
		fw.logger.WithError(err).WithField("file", filePath).Error("Failed to process file")
		return
	}
	fw.logger.WithField("file", filePath).Info("File processed successfully")
}

// waitForFileReady 等待文件大小稳定且非空
func (fw *FileWatcher) waitForFileReady(ctx context.Context, filePath string) error {
	var lastSize int64 = -1
	for i := 0; i < fw.opts.ReadyAttempts; i++ {
		info, err := os.Stat(filePath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("file does not exist: %w", err)
			}
		} else if info.Size() > 0 && info.Size() == lastSize {
			return nil
		} else {
			lastSize = info.Size()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-fw.stopChan:
			return errors.New("watcher stopped")
		case <-time.After(fw.opts.PollInterval):
		}
	}

	return fmt.Errorf("file not ready after %d attempts", fw.opts.ReadyAttempts)
}

// Match 检查文件名是否匹配模式
func (fw *FileWatcher) Match(fileName string) bool {
	return fw.matcher.Match(strings.ToLower(fileName))
}

// Stop 停止文件监控并等待处理中的文件完成
func (fw *FileWatcher) Stop() error {
	var err error
	fw.stopOnce.Do(func() {
		fw.logger.Info("Stopping file watcher")
		close(fw.stopChan)
		err = fw.watcher.Close()
		fw.wg.Wait()
	})
	return err
}

// Dir 监控目录
func (fw *FileWatcher) Dir() string {
	return fw.opts.Dir
}
