// internal/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Corphon/OMNetCore/internal/api"
	"github.com/Corphon/OMNetCore/internal/auth"
	"github.com/Corphon/OMNetCore/internal/config"
	"github.com/Corphon/OMNetCore/internal/services"
	"github.com/Corphon/OMNetCore/internal/storage"
	"github.com/Corphon/OMNetCore/internal/utils"

	// 注册推理后端
	_ "github.com/Corphon/OMNetCore/internal/llm/providers/ollama"
	_ "github.com/Corphon/OMNetCore/internal/llm/providers/openrouter"
)

const (
	avatarWatchDebounce = 500 * time.Millisecond
	shutdownTimeout     = 30 * time.Second
)

// App 持有进程内的全部服务
type App struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *utils.Metrics
	store    storage.Store
	avatars  *services.AvatarService
	llm      *services.LLMService
	router   *services.ModelRouter
	learner  *services.PreferenceLearner
	sessions *services.SessionManager
	hub      *api.WebSocketManager
	tokens   *auth.TokenConfig
}

// New 按依赖顺序初始化所有服务
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := utils.NewMetrics(registry)

	store, err := storage.NewStore(storage.Config{
		Type:          cfg.Store.Type,
		BaseDir:       cfg.DataDir,
		RedisAddr:     cfg.Store.RedisAddr,
		RedisPassword: cfg.Store.RedisPassword,
		RedisDB:       cfg.Store.RedisDB,
		RedisPrefix:   cfg.Store.RedisPrefix,
		SQLitePath:    cfg.Store.SQLitePath,
		HistoryLimit:  cfg.Learning.HistoryLimit,
		MaxLogBytes:   cfg.Learning.MaxLogBytes,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化存储失败: %w", err)
	}

	tokens, generated, err := auth.NewTokenConfig(cfg.Auth.Secret, cfg.Auth.TokenTTL, cfg.Auth.Issuer)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("初始化认证失败: %w", err)
	}
	if generated && len(cfg.APIKeys) > 0 {
		logger.Warn("AUTH_SECRET_KEY not set, issued tokens will not survive a restart")
	}

	avatars := services.NewAvatarService(cfg.AvatarConfigPath, metrics, logger)
	llmService := services.NewLLMService(cfg.LLM, cfg.Session.InferenceTimeout, metrics, logger)
	router := services.NewModelRouter(avatars, cfg.LLM.DefaultModel, cfg.Router.MaxActiveModels,
		services.WithModelLoader(llmService),
		services.WithLoadTimeout(cfg.Router.LoadTimeout),
		services.WithRouterMetrics(metrics),
		services.WithRouterLogger(logger),
	)
	learner := services.NewPreferenceLearner(store, services.LearnerConfig{
		LearningRate:    cfg.Learning.LearningRate,
		MinInteractions: cfg.Learning.MinInteractions,
		HistoryLimit:    cfg.Learning.HistoryLimit,
		PersistTimeout:  cfg.Session.PersistTimeout,
	}, metrics, logger)
	sessions := services.NewSessionManager(services.SessionConfig{
		Timeout:        cfg.Session.Timeout,
		HistoryWindow:  cfg.Session.HistoryWindow,
		PersistTimeout: cfg.Session.PersistTimeout,
	}, services.SessionDeps{
		Store:   store,
		Avatars: avatars,
		Router:  router,
		LLM:     llmService,
		Learner: learner,
		Metrics: metrics,
		Logger:  logger,
	})

	ready, state := llmService.GetProviderStatus()
	logger.Info("Services initialized",
		zap.String("store", cfg.Store.Type),
		zap.Int("avatars", len(avatars.List())),
		zap.Bool("llm_ready", ready),
		zap.String("llm_state", state))

	return &App{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		metrics:  metrics,
		store:    store,
		avatars:  avatars,
		llm:      llmService,
		router:   router,
		learner:  learner,
		sessions: sessions,
		hub:      api.NewWebSocketManager(metrics, logger),
		tokens:   tokens,
	}, nil
}

// Sessions 返回会话管理器
func (a *App) Sessions() *services.SessionManager {
	return a.sessions
}

// Handler 构造 HTTP 路由
func (a *App) Handler(ctx context.Context) http.Handler {
	return api.SetupRouter(ctx, api.Dependencies{
		Sessions:  a.sessions,
		Avatars:   a.avatars,
		LLM:       a.llm,
		Tokens:    a.tokens,
		Hub:       a.hub,
		APIKeys:   a.cfg.APIKeys,
		RateLimit: a.cfg.RateLimit,
		Metrics:   a.metrics,
		Gatherer:  a.registry,
		Logger:    a.logger,
		DebugMode: a.cfg.DebugMode,
	})
}

// Run 监听配置的端口直到 ctx 取消
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", ":"+a.cfg.Port)
	if err != nil {
		a.Close(ctx)
		return fmt.Errorf("监听端口失败: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve 运行 HTTP 服务、会话清理和化身配置监听；ctx 取消后优雅关闭并释放资源
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Handler:           a.Handler(gctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if a.cfg.WatchAvatars {
		if err := a.avatars.Watch(gctx, avatarWatchDebounce); err != nil {
			a.logger.Warn("Avatar config watch disabled", zap.Error(err))
		}
	}

	g.Go(func() error {
		a.logger.Info("HTTP server listening", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP 服务异常退出: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.sessions.Run(gctx, a.cfg.Session.SweepInterval)
	})
	g.Go(func() error {
		return a.hub.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	runErr := g.Wait()
	a.avatars.StopWatching()

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return errors.Join(runErr, a.Close(closeCtx))
}

// Close 写回会话和学习快照，卸载模型并关闭存储
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.sessions.Flush(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.learner.Flush(ctx); err != nil {
		errs = append(errs, err)
	}
	a.router.UnloadAll(ctx)
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("关闭存储失败: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		a.logger.Error("Shutdown finished with errors", zap.Error(err))
		return err
	}
	a.logger.Info("Shutdown complete")
	return nil
}
