// internal/services/avatar_service.go
package services

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Corphon/OMNetCore/internal/config"
	"github.com/Corphon/OMNetCore/internal/models"
	"github.com/Corphon/OMNetCore/internal/utils"
)

// AvatarService 管理化身静态配置，支持文件变化后热加载
type AvatarService struct {
	mu      sync.RWMutex
	avatars map[string]models.AvatarConfig
	path    string
	watcher *config.FileWatcher
	metrics *utils.Metrics
	logger  *zap.Logger
}

// NewAvatarService 从 path 加载化身配置；path 为空或加载失败时使用内置化身
func NewAvatarService(path string, metrics *utils.Metrics, logger *zap.Logger) *AvatarService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &AvatarService{
		path:    path,
		metrics: metrics,
		logger:  logger.With(zap.String("component", "avatars")),
	}
	s.Reload()
	return s
}

// NewStaticAvatarService 使用给定的化身集合，不读文件
func NewStaticAvatarService(avatars map[string]models.AvatarConfig) *AvatarService {
	s := &AvatarService{avatars: make(map[string]models.AvatarConfig, len(avatars)), logger: zap.NewNop()}
	for name, cfg := range avatars {
		cfg.ApplyDefaults(name)
		s.avatars[name] = cfg
	}
	return s
}

// Reload 重新读取配置文件。首次加载失败回退到内置化身；
// 之后的失败保留当前配置，避免一次写坏的文件清空所有化身。
func (s *AvatarService) Reload() {
	var (
		avatars map[string]models.AvatarConfig
		err     error
	)
	if s.path != "" {
		avatars, err = config.LoadAvatars(s.path)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case err != nil && s.avatars != nil:
		s.logger.Warn("Avatar config reload failed, keeping current avatars",
			zap.String("path", s.path), zap.Error(err))
		s.metrics.RecordAvatarReload("error")
	case err != nil:
		s.logger.Warn("Avatar config unavailable, using built-in avatars",
			zap.String("path", s.path), zap.Error(err))
		s.metrics.RecordAvatarReload("fallback")
		s.avatars = config.BuiltinAvatars()
	case avatars == nil:
		s.avatars = config.BuiltinAvatars()
	default:
		s.avatars = avatars
		s.logger.Info("Avatar config loaded", zap.String("path", s.path), zap.Int("count", len(avatars)))
		s.metrics.RecordAvatarReload("ok")
	}
}

// Lookup 按名称查找，先精确匹配再忽略大小写。未配置的化身返回通用描述和 false。
func (s *AvatarService) Lookup(name string) (models.AvatarConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if cfg, ok := s.avatars[name]; ok {
		return cfg, true
	}
	lower := strings.ToLower(name)
	for key, cfg := range s.avatars {
		if strings.ToLower(key) == lower {
			return cfg, true
		}
	}
	return models.DefaultAvatarConfig(name), false
}

// List 按名称排序的全部化身
func (s *AvatarService) List() []models.AvatarConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.AvatarConfig, 0, len(s.avatars))
	for _, cfg := range s.avatars {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Watch 监听配置文件变化并热加载，ctx 取消或调用 StopWatching 后退出
func (s *AvatarService) Watch(ctx context.Context, debounce time.Duration) error {
	if s.path == "" {
		return nil
	}
	watcher, err := config.NewFileWatcher(s.path, debounce, s.Reload, s.logger)
	if err != nil {
		return err
	}
	if err := watcher.Start(ctx); err != nil {
		watcher.Stop()
		return err
	}
	s.mu.Lock()
	s.watcher = watcher
	s.mu.Unlock()
	return nil
}

// StopWatching 停止文件监听
func (s *AvatarService) StopWatching() {
	s.mu.Lock()
	watcher := s.watcher
	s.watcher = nil
	s.mu.Unlock()
	if watcher != nil {
		watcher.Stop()
	}
}
