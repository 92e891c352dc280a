// cmd/server/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/Corphon/OMNetCore/internal/app"
	"github.com/Corphon/OMNetCore/internal/config"
	"github.com/Corphon/OMNetCore/internal/utils"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	level := cfg.LogLevel
	if cfg.DebugMode {
		level = "debug"
	}
	logger, err := utils.NewLogger(utils.LogConfig{Level: level, Format: cfg.LogFormat, Dir: cfg.LogDir})
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize services", zap.Error(err))
	}

	logger.Info("Starting OMNetCore server",
		zap.String("port", cfg.Port),
		zap.String("store", cfg.Store.Type),
		zap.String("llm_provider", cfg.LLM.Provider))

	if err := application.Run(ctx); err != nil {
		logger.Error("Server stopped with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}
