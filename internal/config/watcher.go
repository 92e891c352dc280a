// internal/config/watcher.go
package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// FileWatcher 监听单个配置文件，变化后（去抖）回调 onChange
type FileWatcher struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	path     string
	debounce time.Duration
	onChange func()
	logger   *zap.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool
}

// NewFileWatcher 创建文件监听器
func NewFileWatcher(path string, debounce time.Duration, onChange func(), logger *zap.Logger) (*FileWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &FileWatcher{
		watcher:  w,
		path:     filepath.Clean(path),
		debounce: debounce,
		onChange: onChange,
		logger:   logger.With(zap.String("component", "config_watcher")),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start 开始监听，非阻塞。监听的是所在目录，编辑器的 rename 保存也能捕获。
func (fw *FileWatcher) Start(ctx context.Context) error {
	fw.mu.Lock()
	if fw.running {
		fw.mu.Unlock()
		return nil
	}
	fw.running = true
	fw.mu.Unlock()

	if err := fw.watcher.Add(filepath.Dir(fw.path)); err != nil {
		fw.mu.Lock()
		fw.running = false
		fw.mu.Unlock()
		return err
	}
	fw.logger.Info("watching avatar config", zap.String("path", fw.path))

	go fw.run(ctx)
	return nil
}

// Stop 停止监听并等待退出
func (fw *FileWatcher) Stop() {
	fw.mu.Lock()
	if !fw.running {
		fw.mu.Unlock()
		_ = fw.watcher.Close()
		return
	}
	fw.running = false
	fw.mu.Unlock()

	close(fw.stopCh)
	<-fw.doneCh

	if err := fw.watcher.Close(); err != nil {
		fw.logger.Error("error closing watcher", zap.Error(err))
	}
}

func (fw *FileWatcher) run(ctx context.Context) {
	defer close(fw.doneCh)

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-fw.stopCh:
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != fw.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(fw.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(fw.debounce)
			}
			fire = timer.C
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Warn("watcher error", zap.Error(err))
		case <-fire:
			fire = nil
			fw.onChange()
		}
	}
}
